package roomgraph

import (
	"context"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/pdu"
)

// parkedEvent is an event waiting for missing ancestors. Parked events
// live only in memory: they aren't persisted, so a restart simply means
// the remote retries delivery.
type parkedEvent struct {
	evt      *pdu.PDU
	kind     Kind
	missing  map[id.EventID]struct{}
	attempts int
}

// parkingLot tracks parked events for one room. Only the room's writer
// goroutine touches it, so no locking.
type parkingLot struct {
	limit  int
	events map[id.EventID]*parkedEvent
	order  []id.EventID
}

func newParkingLot(limit int) *parkingLot {
	return &parkingLot{
		limit:  limit,
		events: make(map[id.EventID]*parkedEvent),
	}
}

func (pl *parkingLot) add(parked *parkedEvent) (evicted *parkedEvent) {
	eventID := parked.evt.EventID
	if existing, ok := pl.events[eventID]; ok {
		existing.missing = parked.missing
		return nil
	}
	if len(pl.events) >= pl.limit && len(pl.order) > 0 {
		oldestID := pl.order[0]
		pl.order = pl.order[1:]
		evicted = pl.events[oldestID]
		delete(pl.events, oldestID)
		parkedEventsGauge.Dec()
	}
	pl.events[eventID] = parked
	pl.order = append(pl.order, eventID)
	parkedEventsGauge.Inc()
	return
}

func (pl *parkingLot) remove(eventID id.EventID) {
	if _, ok := pl.events[eventID]; !ok {
		return
	}
	delete(pl.events, eventID)
	for i, queued := range pl.order {
		if queued == eventID {
			pl.order = append(pl.order[:i], pl.order[i+1:]...)
			break
		}
	}
	parkedEventsGauge.Dec()
}

// satisfy marks the arrived ancestor as available and returns the
// parked events that now have everything they were waiting for.
func (pl *parkingLot) satisfy(arrivedID id.EventID) (ready []*parkedEvent) {
	for _, parked := range pl.events {
		if _, waiting := parked.missing[arrivedID]; !waiting {
			continue
		}
		delete(parked.missing, arrivedID)
		if len(parked.missing) == 0 {
			ready = append(ready, parked)
		}
	}
	for _, parked := range ready {
		pl.remove(parked.evt.EventID)
	}
	return
}

// park holds the event pending its missing ancestors and issues one
// bounded backfill request for them. The event transitions onward by
// itself when the ancestors arrive; no resubmission needed.
func (m *Manager) park(ctx context.Context, w *roomWorker, evt *pdu.PDU, kind Kind, missing []id.EventID) error {
	log := zerolog.Ctx(ctx)
	existing := w.parked.events[evt.EventID]
	attempts := 0
	if existing != nil {
		attempts = existing.attempts
	}
	if attempts >= m.cfg.ParkedRetryLimit {
		// Give up, but leave a trace: the graph may self-heal later if
		// the ancestors arrive through another branch.
		w.parked.remove(evt.EventID)
		log.Warn().
			Stringer("event_id", evt.EventID).
			Int("attempts", attempts).
			Interface("missing", missing).
			Msg("Dropping parked event, backfill attempts exhausted")
		eventsIngested.WithLabelValues("dropped").Inc()
		return ErrMissingAncestor
	}
	missingSet := make(map[id.EventID]struct{}, len(missing))
	for _, eventID := range missing {
		missingSet[eventID] = struct{}{}
	}
	parked := &parkedEvent{evt: evt, kind: kind, missing: missingSet, attempts: attempts + 1}
	if evicted := w.parked.add(parked); evicted != nil {
		log.Warn().
			Stringer("event_id", evicted.evt.EventID).
			Msg("Evicted oldest parked event, parking lot is full")
	}
	log.Debug().
		Stringer("event_id", evt.EventID).
		Int("missing", len(missing)).
		Int("attempt", parked.attempts).
		Msg("Parked event pending missing ancestors")
	m.requestBackfill(w, missing)
	return ErrMissingAncestor
}

// unpark re-queues parked events whose last missing ancestor just
// became available.
func (m *Manager) unpark(ctx context.Context, w *roomWorker, arrivedID id.EventID) {
	ready := w.parked.satisfy(arrivedID)
	for _, parked := range ready {
		zerolog.Ctx(ctx).Debug().
			Stringer("event_id", parked.evt.EventID).
			Stringer("arrived", arrivedID).
			Msg("Unparking event, ancestors available")
		m.enqueueInternal(w, parked.evt, parked.kind)
	}
}
