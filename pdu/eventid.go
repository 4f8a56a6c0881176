package pdu

import (
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/crypto/canonicaljson"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/hearth/util"
)

// hashablePDU is the PDU with the fields excluded from the reference
// hash stripped: the ID itself, signatures and unsigned data.
type hashablePDU struct {
	AuthEvents     []id.EventID    `json:"auth_events"`
	Content        json.RawMessage `json:"content"`
	Depth          int64           `json:"depth"`
	Hashes         Hashes          `json:"hashes,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts"`
	PrevEvents     []id.EventID    `json:"prev_events"`
	RoomID         id.RoomID       `json:"room_id"`
	Sender         id.UserID       `json:"sender"`
	StateKey       *string         `json:"state_key,omitempty"`
	Type           string          `json:"type"`
}

// ReferenceHash computes the unpadded url-safe base64 SHA-256 of the
// canonical JSON of the event with event_id, signatures and unsigned
// removed.
func (p *PDU) ReferenceHash() (string, error) {
	stripped, err := json.Marshal(&hashablePDU{
		AuthEvents:     p.AuthEvents,
		Content:        p.Content,
		Depth:          p.Depth,
		Hashes:         p.Hashes,
		OriginServerTS: p.OriginServerTS,
		PrevEvents:     p.PrevEvents,
		RoomID:         p.RoomID,
		Sender:         p.Sender,
		StateKey:       p.StateKey,
		Type:           p.Type,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal event for hashing: %w", err)
	}
	canonical, err := canonicaljson.CanonicalJSON(stripped)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize event for hashing: %w", err)
	}
	return util.UnpaddedURLSafeSHA256(canonical), nil
}

// ComputeEventID derives the content-based event ID and stores it on
// the PDU. Identical content always yields an identical ID, which is
// what makes re-ingestion idempotent.
func (p *PDU) ComputeEventID() error {
	hash, err := p.ReferenceHash()
	if err != nil {
		return err
	}
	p.EventID = id.EventID("$" + hash)
	return nil
}
