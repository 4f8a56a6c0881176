// Package syncer derives incremental views for connected clients: the
// minimal state and timeline delta between a client's last-seen stream
// position and the room's current resolved state.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/database"
	"go.mau.fi/hearth/pdu"
	"go.mau.fi/hearth/roomgraph"
)

var syncWakeups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "hearth_sync_wakeups_total",
	Help: "Long-poll sync wakeups, by cause",
}, []string{"cause"})

// Delta is the incremental view for one room since a token. A delta
// with no changes is valid and expected; it is never an error.
type Delta struct {
	RoomID id.RoomID
	// StateChanges maps each changed state slot to the event now in
	// effect there.
	StateChanges pdu.StateMap
	// RemovedState lists slots that no longer exist in current state.
	RemovedState []pdu.StateKeyTuple
	// Timeline holds accepted events strictly after the since token,
	// in stream order. Soft-failed and rejected events never appear.
	Timeline []*pdu.PDU
	// NextToken is the opaque cursor for the next call. Strictly
	// ordered, never reused.
	NextToken int64
	// Limited reports that the timeline was truncated at the builder's
	// limit. NextToken then points at the last delivered event instead
	// of the room's current position, so the next poll resumes where
	// this one stopped.
	Limited bool
}

func (d *Delta) Empty() bool {
	return len(d.StateChanges) == 0 && len(d.RemovedState) == 0 && len(d.Timeline) == 0
}

type Builder struct {
	DB        *database.Database
	Snapshots *roomgraph.SnapshotStore

	notifier *Notifier
	// TimelineLimit bounds how many timeline events one delta returns.
	TimelineLimit int

	positionLock sync.RWMutex
	position     int64
}

func NewBuilder(db *database.Database, snapshots *roomgraph.SnapshotStore, timelineLimit int) *Builder {
	if timelineLimit <= 0 {
		timelineLimit = 100
	}
	return &Builder{
		DB:            db,
		Snapshots:     snapshots,
		notifier:      NewNotifier(),
		TimelineLimit: timelineLimit,
	}
}

// HandleOutput is the graph manager listener: accepted events advance
// the shared position and wake the room's waiters.
func (b *Builder) HandleOutput(evt *roomgraph.OutputEvent) {
	if evt.Status != pdu.StatusAccepted || evt.StreamPosition == 0 {
		return
	}
	b.positionLock.Lock()
	if evt.StreamPosition > b.position {
		b.position = evt.StreamPosition
	}
	b.positionLock.Unlock()
	b.notifier.Notify(evt.Event.RoomID, evt.StreamPosition)
}

func (b *Builder) currentPosition(ctx context.Context) (int64, error) {
	b.positionLock.RLock()
	pos := b.position
	b.positionLock.RUnlock()
	if pos > 0 {
		return pos, nil
	}
	pos, err := b.DB.Room.CurrentStreamPosition(ctx)
	if err != nil {
		return 0, err
	}
	b.positionLock.Lock()
	if pos > b.position {
		b.position = pos
	}
	b.positionLock.Unlock()
	return pos, nil
}

// Delta computes the room's incremental view since the given token.
// The state diff compares the room's resolved state at the since token
// against its resolved state at the returned token; the timeline is
// ordered by the local stream counter assigned at accept time, never
// by depth or wall clock.
func (b *Builder) Delta(ctx context.Context, roomID id.RoomID, since int64) (*Delta, error) {
	nextToken, err := b.currentPosition(ctx)
	if err != nil {
		return nil, err
	}
	delta := &Delta{
		RoomID:       roomID,
		StateChanges: make(pdu.StateMap),
		NextToken:    nextToken,
	}
	snapshot := b.Snapshots.Current(roomID)
	if snapshot == nil {
		// Unknown room: empty but valid.
		return delta, nil
	}
	events, err := b.DB.Event.TimelineAfter(ctx, roomID, since, b.TimelineLimit)
	if err != nil {
		return nil, err
	}
	for _, evt := range events {
		evtCopy := evt.PDU
		delta.Timeline = append(delta.Timeline, &evtCopy)
	}
	currentGroup := snapshot.StateGroup
	currentState := snapshot.State
	if len(events) == b.TimelineLimit {
		delta.Limited = true
		delta.NextToken = events[len(events)-1].StreamOrder
		// The state diff must stop where the timeline stopped, or the
		// next poll would re-report everything past the truncation.
		currentGroup, err = b.DB.Room.ResolvedStateGroupAt(ctx, roomID, delta.NextToken)
		if err != nil {
			return nil, err
		}
		currentState = nil
		if currentGroup != 0 {
			currentState, err = b.DB.StateGroup.GetMap(ctx, currentGroup)
			if err != nil {
				return nil, err
			}
		}
	}
	previousGroup, err := b.DB.Room.ResolvedStateGroupAt(ctx, roomID, since)
	if err != nil {
		return nil, err
	}
	previousState := make(pdu.StateMap)
	if previousGroup != 0 {
		previousState, err = b.DB.StateGroup.GetMap(ctx, previousGroup)
		if err != nil {
			return nil, err
		}
	}
	if previousGroup != currentGroup {
		delta.StateChanges, delta.RemovedState = previousState.Diff(currentState)
	}
	return delta, nil
}

// DeltaWait behaves like Delta with long-poll semantics: when nothing
// changed, the call suspends until new data arrives for the room or
// the timeout elapses, whichever is first. Cancelling the context
// tears down the wait registration without side effects.
func (b *Builder) DeltaWait(ctx context.Context, roomID id.RoomID, since int64, timeout time.Duration) (*Delta, error) {
	delta, err := b.Delta(ctx, roomID, since)
	if err != nil || !delta.Empty() || timeout <= 0 {
		return delta, err
	}
	wake, cancel := b.notifier.register(roomID)
	defer cancel()
	// Recheck after registering: an event may have landed between the
	// first computation and the registration.
	delta, err = b.Delta(ctx, roomID, since)
	if err != nil || !delta.Empty() {
		return delta, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-wake:
		syncWakeups.WithLabelValues("data").Inc()
	case <-timer.C:
		syncWakeups.WithLabelValues("timeout").Inc()
		return delta, nil
	case <-ctx.Done():
		syncWakeups.WithLabelValues("cancelled").Inc()
		return nil, ctx.Err()
	}
	return b.Delta(ctx, roomID, since)
}

// DeltaAll computes deltas for several rooms concurrently, as the sync
// endpoint does for a user's full room list.
func (b *Builder) DeltaAll(ctx context.Context, roomIDs []id.RoomID, since int64) (map[id.RoomID]*Delta, error) {
	deltas := make(map[id.RoomID]*Delta, len(roomIDs))
	var lock sync.Mutex
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for _, roomID := range roomIDs {
		group.Go(func() error {
			delta, err := b.Delta(ctx, roomID, since)
			if err != nil {
				zerolog.Ctx(ctx).Err(err).Stringer("room_id", roomID).Msg("Failed to compute sync delta")
				return err
			}
			lock.Lock()
			deltas[roomID] = delta
			lock.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return deltas, nil
}
