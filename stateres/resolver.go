// Package stateres implements deterministic resolution of divergent
// room state sets. Any server resolving the same input sets reaches the
// same output regardless of arrival order, which is what lets
// independently operated servers converge without a coordinator.
package stateres

import (
	"context"
	"errors"
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/authrules"
	"go.mau.fi/hearth/pdu"
	"go.mau.fi/hearth/util"
)

var (
	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_state_resolutions_total",
		Help: "Number of state resolution runs, by cache outcome",
	}, []string{"outcome"})
	resolutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "hearth_state_resolution_duration_seconds",
		Help: "Time spent resolving conflicting state sets",
	})
)

// EventFetcher loads a stored event by ID. Implementations are expected
// to cache; resolution walks auth chains aggressively.
type EventFetcher func(ctx context.Context, eventID id.EventID) (*pdu.PDU, error)

type Resolver struct {
	fetch EventFetcher
	cache *lru.Cache[string, pdu.StateMap]
}

func NewResolver(fetch EventFetcher, cacheSize int) *Resolver {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, pdu.StateMap](cacheSize)
	if err != nil {
		panic(err)
	}
	return &Resolver{fetch: fetch, cache: cache}
}

// cacheKey identifies the exact set of input state sets independent of
// their order in the slice.
func cacheKey(sets []pdu.StateMap) string {
	hashes := make([]string, len(sets))
	for i, set := range sets {
		hashes[i] = set.Hash()
	}
	slices.Sort(hashes)
	hash := util.SHA256String(strings.Join(hashes, "|"))
	return string(hash[:])
}

// Resolve merges two or more divergent state sets into one canonical
// set. The output is a pure function of the inputs and the auth graph
// below them: re-resolving the same conflict always yields an identical
// result, so results are cached by input identity.
func (r *Resolver) Resolve(ctx context.Context, roomID id.RoomID, sets []pdu.StateMap) (pdu.StateMap, error) {
	if len(sets) == 0 {
		return make(pdu.StateMap), nil
	}
	if len(sets) == 1 {
		// A single forward extremity never needs resolution.
		return sets[0].Clone(), nil
	}
	key := cacheKey(sets)
	if cached, ok := r.cache.Get(key); ok {
		resolutionsTotal.WithLabelValues("cached").Inc()
		return cached.Clone(), nil
	}
	timer := prometheus.NewTimer(resolutionDuration)
	defer timer.ObserveDuration()

	unconflicted, conflictedIDs := partition(sets)
	candidates, err := r.buildCandidates(ctx, conflictedIDs)
	if err != nil {
		return nil, err
	}
	resolved := r.applyPhases(ctx, roomID, unconflicted, candidates)

	// Unconflicted entries merge back in unchanged.
	for tuple, eventID := range unconflicted {
		resolved[tuple] = eventID
	}
	r.cache.Add(key, resolved.Clone())
	resolutionsTotal.WithLabelValues("resolved").Inc()
	return resolved, nil
}

// partition splits the input into the entries every set agrees on and
// the event IDs in disagreement (differing or missing in some set).
func partition(sets []pdu.StateMap) (unconflicted pdu.StateMap, conflictedIDs map[id.EventID]struct{}) {
	unconflicted = make(pdu.StateMap)
	conflictedIDs = make(map[id.EventID]struct{})
	tuples := make(map[pdu.StateKeyTuple]struct{})
	for _, set := range sets {
		for tuple := range set {
			tuples[tuple] = struct{}{}
		}
	}
	for tuple := range tuples {
		first := sets[0][tuple]
		agreed := true
		for _, set := range sets[1:] {
			if set[tuple] != first {
				agreed = false
				break
			}
		}
		if agreed && first != "" {
			unconflicted[tuple] = first
		} else {
			for _, set := range sets {
				if eventID, ok := set[tuple]; ok {
					conflictedIDs[eventID] = struct{}{}
				}
			}
		}
	}
	return
}

// buildCandidates unions the conflicting events with their full auth
// chains. A conflicting event whose chain cannot be materialized is
// dropped here, which downstream means rejected, never a crash.
func (r *Resolver) buildCandidates(ctx context.Context, conflictedIDs map[id.EventID]struct{}) (map[id.EventID]*pdu.PDU, error) {
	log := zerolog.Ctx(ctx)
	candidates := make(map[id.EventID]*pdu.PDU, len(conflictedIDs)*2)
	for eventID := range conflictedIDs {
		evt, err := r.fetch(ctx, eventID)
		if err != nil || evt == nil {
			log.Warn().Stringer("event_id", eventID).AnErr("fetch_error", err).
				Msg("Conflicting event is not available, treating as rejected")
			continue
		}
		if err = r.authChain(ctx, evt, candidates); err != nil {
			if errors.Is(err, ErrIncompleteAuthChain) {
				log.Warn().Stringer("event_id", eventID).Err(err).
					Msg("Conflicting event has incomplete auth chain, treating as rejected")
				continue
			}
			return nil, err
		}
		candidates[eventID] = evt
	}
	return candidates, nil
}

// applyPhases runs the two resolution passes: power events in reverse
// topological power ordering, then everything else in mainline
// ordering, each applied iteratively through the auth rules against the
// state accumulated so far.
func (r *Resolver) applyPhases(ctx context.Context, roomID id.RoomID, unconflicted pdu.StateMap, candidates map[id.EventID]*pdu.PDU) pdu.StateMap {
	powerCandidates := make(map[id.EventID]*pdu.PDU)
	otherCandidates := make(map[id.EventID]*pdu.PDU)
	for eventID, evt := range candidates {
		if evt.RoomID != roomID {
			continue
		}
		if isPowerEvent(evt) {
			powerCandidates[eventID] = evt
		} else if evt.IsState() {
			otherCandidates[eventID] = evt
		}
	}

	resolved := unconflicted.Clone()
	powerOrder := topologicalSort(powerCandidates, func(evt *pdu.PDU) orderKey {
		// Higher power sorts first.
		return orderKey{primary: -int64(r.senderLevel(ctx, evt)), depth: evt.Depth, eventID: evt.EventID}
	})
	r.applyIteratively(ctx, resolved, powerOrder)

	var resolvedPowerLevels *pdu.PDU
	if plID := resolved.Get(powerLevelsType, ""); plID != "" {
		resolvedPowerLevels, _ = r.fetch(ctx, plID)
	}
	ml := r.buildMainline(ctx, resolvedPowerLevels)
	otherOrder := topologicalSort(otherCandidates, func(evt *pdu.PDU) orderKey {
		return orderKey{primary: ml.position(ctx, evt), depth: evt.Depth, eventID: evt.EventID}
	})
	r.applyIteratively(ctx, resolved, otherOrder)
	return resolved
}

// applyIteratively feeds the ordered events through the auth rules,
// letting accepted state events overwrite their slot. Rejected events
// are only excluded from the result; they stay in the graph.
func (r *Resolver) applyIteratively(ctx context.Context, resolved pdu.StateMap, ordered []*pdu.PDU) {
	log := zerolog.Ctx(ctx)
	for _, evt := range ordered {
		state := r.authView(ctx, evt, resolved)
		if err := authrules.Check(evt, state); err != nil {
			var rejection *authrules.Rejection
			if !errors.As(err, &rejection) {
				log.Warn().Stringer("event_id", evt.EventID).Err(err).
					Msg("Auth evaluation fault during resolution, treating as rejected")
			}
			continue
		}
		resolved[evt.StateTuple()] = evt.EventID
	}
}

// authView materializes the auth-relevant state slots for one event.
// Slots the accumulated state doesn't cover yet fall back to the
// event's own auth_events, per the iterative auth checks of the
// published algorithm.
func (r *Resolver) authView(ctx context.Context, evt *pdu.PDU, resolved pdu.StateMap) authrules.State {
	state := make(authrules.State, 5)
	for _, tuple := range authrules.NeededAuthTuples(evt) {
		if eventID, ok := resolved[tuple]; ok {
			if stateEvent, err := r.fetch(ctx, eventID); err == nil && stateEvent != nil {
				state[tuple] = stateEvent
			}
			continue
		}
		for _, authEventID := range evt.AuthEvents {
			authEvent, err := r.fetch(ctx, authEventID)
			if err != nil || authEvent == nil || !authEvent.IsState() {
				continue
			}
			if authEvent.StateTuple() == tuple {
				state[tuple] = authEvent
				break
			}
		}
	}
	return state
}
