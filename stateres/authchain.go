package stateres

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/pdu"
)

// ErrIncompleteAuthChain marks a candidate whose auth chain cannot be
// fully materialized from the local store. The candidate is treated as
// rejected; resolution of the rest of the conflict set continues.
var ErrIncompleteAuthChain = fmt.Errorf("auth chain is incomplete")

// authChain collects the transitive closure of the event's auth_events
// into the given map. Returns ErrIncompleteAuthChain (wrapped) if any
// member cannot be fetched.
func (r *Resolver) authChain(ctx context.Context, evt *pdu.PDU, into map[id.EventID]*pdu.PDU) error {
	queue := make([]id.EventID, 0, len(evt.AuthEvents))
	queue = append(queue, evt.AuthEvents...)
	for len(queue) > 0 {
		eventID := queue[0]
		queue = queue[1:]
		if _, seen := into[eventID]; seen {
			continue
		}
		authEvent, err := r.fetch(ctx, eventID)
		if err != nil || authEvent == nil {
			return fmt.Errorf("%w: %s: %v", ErrIncompleteAuthChain, eventID, err)
		}
		into[eventID] = authEvent
		queue = append(queue, authEvent.AuthEvents...)
	}
	return nil
}

// authPowerLevels returns the power levels event listed directly in the
// event's auth_events, or nil if there is none.
func (r *Resolver) authPowerLevels(ctx context.Context, evt *pdu.PDU) *pdu.PDU {
	for _, authEventID := range evt.AuthEvents {
		authEvent, err := r.fetch(ctx, authEventID)
		if err != nil || authEvent == nil {
			continue
		}
		if authEvent.Type == powerLevelsType && authEvent.GetStateKey() == "" {
			return authEvent
		}
	}
	return nil
}

// senderLevel computes the sender's power level as justified by the
// event's own auth chain, used for the reverse topological power
// ordering. Without a power levels ancestor the room creator gets 100
// and everyone else 0.
func (r *Resolver) senderLevel(ctx context.Context, evt *pdu.PDU) int {
	if pl := r.authPowerLevels(ctx, evt); pl != nil {
		content, err := pl.AsPowerLevels()
		if err == nil {
			return content.GetUserLevel(evt.Sender)
		}
	}
	if evt.IsCreate() {
		return 100
	}
	for _, authEventID := range evt.AuthEvents {
		authEvent, err := r.fetch(ctx, authEventID)
		if err != nil || authEvent == nil {
			continue
		}
		if authEvent.IsCreate() && authEvent.Sender == evt.Sender {
			return 100
		}
	}
	return 0
}
