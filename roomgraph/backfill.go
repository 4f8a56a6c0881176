package roomgraph

import (
	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"
)

// requestBackfill asks the federation gateway for missing ancestors.
// The request is bounded twice over: fan-out is clipped to the
// configured limit, and a weighted semaphore caps in-flight requests so
// one broken or malicious peer can't pin the server down. Results come
// back through the normal ingest queue as backfill events.
func (m *Manager) requestBackfill(w *roomWorker, missing []id.EventID) {
	if m.Federation == nil {
		return
	}
	if len(missing) > m.cfg.BackfillFanout {
		missing = missing[:m.cfg.BackfillFanout]
	}
	eventIDs := make([]id.EventID, len(missing))
	copy(eventIDs, missing)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.backfillSema.Acquire(m.ctx, 1); err != nil {
			return
		}
		defer m.backfillSema.Release(1)

		txnID := uuid.NewString()
		log := m.log.With().
			Stringer("room_id", w.roomID).
			Str("backfill_txn_id", txnID).
			Logger()
		backfillRequests.Inc()
		events, err := m.Federation.Backfill(m.ctx, txnID, w.roomID, eventIDs, m.cfg.BackfillLimit)
		if err != nil {
			log.Warn().Err(err).Msg("Backfill request failed")
			return
		}
		if len(events) > m.cfg.BackfillLimit {
			log.Warn().Int("events", len(events)).Msg("Peer returned more events than requested, truncating")
			events = events[:m.cfg.BackfillLimit]
		}
		log.Debug().Int("events", len(events)).Msg("Backfill response received")
		for _, evt := range events {
			if evt.RoomID != w.roomID {
				log.Warn().Stringer("event_id", evt.EventID).Msg("Peer returned event from another room, skipping")
				continue
			}
			m.enqueueInternal(w, evt, KindBackfill)
		}
	}()
}
