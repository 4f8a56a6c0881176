package roomgraph

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/authrules"
	"go.mau.fi/hearth/database"
	"go.mau.fi/hearth/pdu"
)

// process runs one event through Received → GraphValidated →
// AuthPending → (Accepted | SoftFailed | Rejected). It runs on the
// room's writer goroutine, so there is never more than one transition
// in flight per room.
func (m *Manager) process(ctx context.Context, w *roomWorker, evt *pdu.PDU, kind Kind) error {
	log := zerolog.Ctx(ctx).With().
		Stringer("event_id", evt.EventID).
		Str("event_type", evt.Type).
		Stringer("kind", kind).
		Logger()
	ctx = log.WithContext(ctx)

	if evt.RoomID != w.roomID {
		return fmt.Errorf("%w: event belongs to %s", ErrMalformedGraph, evt.RoomID)
	}

	stored, err := m.DB.Event.Get(ctx, evt.EventID)
	if err != nil && !errors.Is(err, database.ErrEventNotFound) {
		return fmt.Errorf("failed to check for duplicate: %w", err)
	}
	if stored != nil && !(stored.Status == pdu.StatusOutlier && kind != KindOutlier) {
		// Identical content, identical ID: nothing to do, but the
		// arrival may still unblock parked descendants.
		m.unpark(ctx, w, evt.EventID)
		eventsIngested.WithLabelValues("duplicate").Inc()
		return database.ErrDuplicateEvent
	}

	if evt.IsCreate() {
		return m.processCreate(ctx, w, evt, stored != nil)
	}

	// GraphValidated: all referenced parents must be present before
	// anything else happens. Outliers skip this; they have no state.
	if kind == KindOutlier {
		return m.persistOutlier(ctx, w, evt)
	}
	missing, rejectedParent, err := m.checkAncestors(ctx, evt)
	if err != nil {
		return err
	}
	if rejectedParent != "" {
		// Descendants built on a rejected event are themselves
		// rejected, never soft-failed.
		return m.finishRejected(ctx, w, evt, stored != nil, fmt.Sprintf("builds on rejected event %s", rejectedParent))
	}
	if len(missing) > 0 {
		return m.park(ctx, w, evt, kind, missing)
	}

	// AuthPending: resolve a single reference state from the prev
	// events, then evaluate the protocol rules against it.
	stateBefore, parkOn, err := m.stateBefore(ctx, evt)
	if err != nil {
		return err
	}
	if len(parkOn) > 0 {
		// A parent is still an outlier: nudge it through the backfill
		// path and wait for it to gain state.
		for _, parentID := range parkOn {
			if parent, err := m.fetchEvent(ctx, parentID); err == nil && parent != nil {
				m.enqueueInternal(w, parent, KindBackfill)
			}
		}
		return m.park(ctx, w, evt, kind, parkOn)
	}
	if err = authrules.VerifyAuthSelection(evt, m.ctxFetch(ctx)); err != nil {
		return m.maybeReject(ctx, w, evt, stored != nil, err)
	}
	if err = authrules.Check(evt, m.authState(ctx, evt, stateBefore)); err != nil {
		return m.maybeReject(ctx, w, evt, stored != nil, err)
	}

	// Authorized against its own branch. Soft-fail if the locally
	// chosen current state disagrees; the graph keeps the event either
	// way, only visibility differs.
	status := pdu.StatusAccepted
	var reason string
	if kind == KindNew {
		if snapshot := m.Snapshots.Current(evt.RoomID); snapshot != nil {
			if err = authrules.Check(evt, m.authState(ctx, evt, snapshot.State)); err != nil {
				var rejection *authrules.Rejection
				if errors.As(err, &rejection) {
					status = pdu.StatusSoftFailed
					reason = rejection.Reason
				} else {
					return fmt.Errorf("failed to check event against current state: %w", err)
				}
			}
		}
	}

	return m.commit(ctx, w, evt, kind, stored != nil, status, reason, stateBefore)
}

// checkAncestors returns the referenced parents not yet stored, plus
// the first rejected parent if any.
func (m *Manager) checkAncestors(ctx context.Context, evt *pdu.PDU) (missing []id.EventID, rejectedParent id.EventID, err error) {
	seen := make(map[id.EventID]struct{}, len(evt.PrevEvents)+len(evt.AuthEvents))
	for _, parentID := range append(append([]id.EventID{}, evt.PrevEvents...), evt.AuthEvents...) {
		if _, dup := seen[parentID]; dup {
			continue
		}
		seen[parentID] = struct{}{}
		parent, err := m.DB.Event.Get(ctx, parentID)
		if errors.Is(err, database.ErrEventNotFound) {
			missing = append(missing, parentID)
			continue
		} else if err != nil {
			return nil, "", fmt.Errorf("failed to load ancestor %s: %w", parentID, err)
		}
		if parent.Status == pdu.StatusRejected && rejectedParent == "" {
			rejectedParent = parentID
		}
	}
	return
}

// stateBefore computes the state visible at the event's prev events.
// When the prev events disagree, state resolution produces the single
// reference state first.
func (m *Manager) stateBefore(ctx context.Context, evt *pdu.PDU) (pdu.StateMap, []id.EventID, error) {
	var sets []pdu.StateMap
	var parkOn []id.EventID
	seenGroups := make(map[int64]struct{}, len(evt.PrevEvents))
	for _, parentID := range evt.PrevEvents {
		parent, err := m.DB.Event.Get(ctx, parentID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load prev event %s: %w", parentID, err)
		}
		if parent.StateGroupID == 0 {
			parkOn = append(parkOn, parentID)
			continue
		}
		if _, seen := seenGroups[parent.StateGroupID]; seen {
			continue
		}
		seenGroups[parent.StateGroupID] = struct{}{}
		state, err := m.DB.StateGroup.GetMap(ctx, parent.StateGroupID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load state at %s: %w", parentID, err)
		}
		sets = append(sets, state)
	}
	if len(parkOn) > 0 {
		return nil, parkOn, nil
	}
	resolved, err := m.Resolver.Resolve(ctx, evt.RoomID, sets)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve state at prev events: %w", err)
	}
	return resolved, nil, nil
}

// maybeReject turns auth rejections into a persisted Rejected
// disposition and lets genuine evaluation faults bubble up.
func (m *Manager) maybeReject(ctx context.Context, w *roomWorker, evt *pdu.PDU, update bool, err error) error {
	var rejection *authrules.Rejection
	if errors.As(err, &rejection) {
		return m.finishRejected(ctx, w, evt, update, rejection.Reason)
	}
	return err
}

// finishRejected persists the event for auditability. It never
// contributes to state, extremities or stream ordering, and its
// descendants inherit the rejection.
func (m *Manager) finishRejected(ctx context.Context, w *roomWorker, evt *pdu.PDU, update bool, reason string) error {
	row := database.WrapPDU(evt, pdu.StatusRejected)
	row.Reason = reason
	var err error
	if update {
		err = m.DB.Event.SetDisposition(ctx, row)
	} else {
		err = m.DB.Event.Put(ctx, row)
	}
	if err != nil && !errors.Is(err, database.ErrDuplicateEvent) {
		return fmt.Errorf("failed to persist rejected event: %w", err)
	}
	zerolog.Ctx(ctx).Debug().Str("reason", reason).Msg("Event rejected")
	eventsIngested.WithLabelValues("rejected").Inc()
	m.publish(&OutputEvent{Event: evt, Status: pdu.StatusRejected, Reason: reason})
	m.unpark(ctx, w, evt.EventID)
	return fmt.Errorf("%w: %s", ErrAuthRejected, reason)
}

func (m *Manager) persistOutlier(ctx context.Context, w *roomWorker, evt *pdu.PDU) error {
	err := m.DB.Event.Put(ctx, database.WrapPDU(evt, pdu.StatusOutlier))
	if err != nil && !errors.Is(err, database.ErrDuplicateEvent) {
		return fmt.Errorf("failed to persist outlier: %w", err)
	}
	eventsIngested.WithLabelValues("outlier").Inc()
	m.unpark(ctx, w, evt.EventID)
	return nil
}

// commit makes the accept/soft-fail durable in one transaction:
// event row, state group, stream position, extremities and the current
// state pointer all land together or not at all.
func (m *Manager) commit(ctx context.Context, w *roomWorker, evt *pdu.PDU, kind Kind, update bool, status pdu.EventStatus, reason string, stateBefore pdu.StateMap) error {
	stateAfter := stateBefore
	if evt.IsState() {
		stateAfter = stateBefore.Clone()
		stateAfter[evt.StateTuple()] = evt.EventID
	}

	row := database.WrapPDU(evt, status)
	row.Reason = reason
	var snapshot *StateSnapshot
	err := m.DB.DoTxn(ctx, nil, func(ctx context.Context) error {
		groupID, err := m.DB.StateGroup.GetOrCreate(ctx, evt.RoomID, stateAfter)
		if err != nil {
			return fmt.Errorf("failed to persist state group: %w", err)
		}
		row.StateGroupID = groupID
		if status == pdu.StatusAccepted {
			row.StreamOrder, err = m.DB.Room.NextStreamPosition(ctx)
			if err != nil {
				return fmt.Errorf("failed to allocate stream position: %w", err)
			}
		}
		if update {
			err = m.DB.Event.SetDisposition(ctx, row)
		} else {
			err = m.DB.Event.Put(ctx, row)
		}
		if err != nil && !errors.Is(err, database.ErrDuplicateEvent) {
			return fmt.Errorf("failed to persist event: %w", err)
		}
		if kind == KindNew && status == pdu.StatusAccepted {
			snapshot, err = m.advanceRoom(ctx, evt, row)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.eventCache.Add(evt.EventID, evt)

	var added pdu.StateMap
	var removed []pdu.StateKeyTuple
	if snapshot != nil {
		previous := m.Snapshots.Current(evt.RoomID)
		if previous != nil {
			added, removed = stateDelta(previous.State, snapshot.State)
		} else {
			added, removed = stateDelta(nil, snapshot.State)
		}
		m.Snapshots.Swap(snapshot)
	}
	eventsIngested.WithLabelValues(string(status)).Inc()
	zerolog.Ctx(ctx).Debug().
		Str("status", string(status)).
		Int64("stream_order", row.StreamOrder).
		Msg("Event committed")
	m.publish(&OutputEvent{
		Event:          evt,
		Status:         status,
		Reason:         reason,
		StreamPosition: row.StreamOrder,
		AddedState:     added,
		RemovedState:   removed,
	})
	m.unpark(ctx, w, evt.EventID)
	if status == pdu.StatusSoftFailed {
		return ErrSoftFailed
	}
	return nil
}

// advanceRoom updates forward extremities and recomputes the room's
// current state pointer, resolving across heads when the new event
// didn't extend all of them.
func (m *Manager) advanceRoom(ctx context.Context, evt *pdu.PDU, row *database.Event) (*StateSnapshot, error) {
	oldExtremities, err := m.DB.Room.GetForwardExtremities(ctx, evt.RoomID)
	if err != nil {
		return nil, fmt.Errorf("failed to load forward extremities: %w", err)
	}
	var extended []id.EventID
	newExtremities := []id.EventID{evt.EventID}
	for _, extremity := range oldExtremities {
		if slices.Contains(evt.PrevEvents, extremity) {
			extended = append(extended, extremity)
		} else {
			newExtremities = append(newExtremities, extremity)
		}
	}
	err = m.DB.Room.UpdateForwardExtremities(ctx, evt.RoomID, evt.EventID, extended)
	if err != nil {
		return nil, fmt.Errorf("failed to update forward extremities: %w", err)
	}

	currentGroup := row.StateGroupID
	if len(newExtremities) > 1 {
		// Concurrent heads: the current state is the resolution over
		// all of them, not just the newest branch.
		var sets []pdu.StateMap
		for _, extremityID := range newExtremities {
			extremity, err := m.DB.Event.Get(ctx, extremityID)
			if err != nil {
				return nil, fmt.Errorf("failed to load extremity %s: %w", extremityID, err)
			}
			if extremity.StateGroupID == 0 {
				continue
			}
			state, err := m.DB.StateGroup.GetMap(ctx, extremity.StateGroupID)
			if err != nil {
				return nil, err
			}
			sets = append(sets, state)
		}
		resolved, err := m.Resolver.Resolve(ctx, evt.RoomID, sets)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve current state: %w", err)
		}
		currentGroup, err = m.DB.StateGroup.GetOrCreate(ctx, evt.RoomID, resolved)
		if err != nil {
			return nil, err
		}
	}
	err = m.DB.Room.SetCurrentStateGroup(ctx, evt.RoomID, currentGroup)
	if err != nil {
		return nil, fmt.Errorf("failed to update current state pointer: %w", err)
	}
	err = m.DB.Room.RecordStateHistory(ctx, evt.RoomID, row.StreamOrder, currentGroup)
	if err != nil {
		return nil, fmt.Errorf("failed to record state history: %w", err)
	}
	state, err := m.DB.StateGroup.GetMap(ctx, currentGroup)
	if err != nil {
		return nil, err
	}
	return &StateSnapshot{
		RoomID:         evt.RoomID,
		StateGroup:     currentGroup,
		State:          state,
		Extremities:    newExtremities,
		StreamPosition: row.StreamOrder,
	}, nil
}

// processCreate handles the self-authorizing graph root.
func (m *Manager) processCreate(ctx context.Context, w *roomWorker, evt *pdu.PDU, update bool) error {
	if err := authrules.Check(evt, nil); err != nil {
		return m.maybeReject(ctx, w, evt, update, err)
	}
	roomVersion := gjson.GetBytes(evt.Content, "room_version").Str
	if roomVersion == "" {
		roomVersion = "1"
	}
	row := database.WrapPDU(evt, pdu.StatusAccepted)
	stateAfter := pdu.StateMap{evt.StateTuple(): evt.EventID}
	var snapshot *StateSnapshot
	err := m.DB.DoTxn(ctx, nil, func(ctx context.Context) error {
		groupID, err := m.DB.StateGroup.GetOrCreate(ctx, evt.RoomID, stateAfter)
		if err != nil {
			return err
		}
		row.StateGroupID = groupID
		row.StreamOrder, err = m.DB.Room.NextStreamPosition(ctx)
		if err != nil {
			return err
		}
		if update {
			err = m.DB.Event.SetDisposition(ctx, row)
		} else {
			err = m.DB.Event.Put(ctx, row)
		}
		if err != nil && !errors.Is(err, database.ErrDuplicateEvent) {
			return err
		}
		err = m.DB.Room.Put(ctx, &database.Room{
			RoomID:            evt.RoomID,
			Creator:           evt.Sender,
			Version:           roomVersion,
			CurrentStateGroup: groupID,
		})
		if err != nil {
			return err
		}
		err = m.DB.Room.UpdateForwardExtremities(ctx, evt.RoomID, evt.EventID, nil)
		if err != nil {
			return err
		}
		err = m.DB.Room.RecordStateHistory(ctx, evt.RoomID, row.StreamOrder, groupID)
		if err != nil {
			return err
		}
		snapshot = &StateSnapshot{
			RoomID:         evt.RoomID,
			StateGroup:     groupID,
			State:          stateAfter,
			Extremities:    []id.EventID{evt.EventID},
			StreamPosition: row.StreamOrder,
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist create event: %w", err)
	}
	m.eventCache.Add(evt.EventID, evt)
	m.Snapshots.Swap(snapshot)
	eventsIngested.WithLabelValues(string(pdu.StatusAccepted)).Inc()
	zerolog.Ctx(ctx).Info().Stringer("creator", evt.Sender).Msg("Room created")
	m.publish(&OutputEvent{
		Event:          evt,
		Status:         pdu.StatusAccepted,
		StreamPosition: row.StreamOrder,
		AddedState:     stateAfter.Clone(),
	})
	m.unpark(ctx, w, evt.EventID)
	return nil
}

// authState assembles the auth-relevant subset of a state map with the
// events attached.
func (m *Manager) authState(ctx context.Context, evt *pdu.PDU, state pdu.StateMap) authrules.State {
	subset := make(pdu.StateMap, 5)
	for _, tuple := range authrules.NeededAuthTuples(evt) {
		if eventID, ok := state[tuple]; ok {
			subset[tuple] = eventID
		}
	}
	return authrules.FromStateMap(subset, m.ctxFetch(ctx))
}

func (m *Manager) ctxFetch(ctx context.Context) func(id.EventID) (*pdu.PDU, error) {
	return func(eventID id.EventID) (*pdu.PDU, error) {
		return m.fetchEvent(ctx, eventID)
	}
}

