package pdu

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrMalformedPDU is wrapped by all parse failures.
var ErrMalformedPDU = fmt.Errorf("malformed pdu")

var requiredFields = []string{"room_id", "sender", "type", "content", "depth", "origin_server_ts"}

// Parse validates and parses a raw federation PDU. The cheap field
// presence checks go through gjson before the full unmarshal so that
// garbage from a remote server is dropped without allocating a PDU.
// Signature validity is the transport layer's problem and is assumed
// to have been checked already.
func Parse(raw json.RawMessage) (*PDU, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedPDU)
	}
	parsed := gjson.ParseBytes(raw)
	for _, field := range requiredFields {
		if !parsed.Get(field).Exists() {
			return nil, fmt.Errorf("%w: missing %s", ErrMalformedPDU, field)
		}
	}
	var evt PDU
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedPDU, err)
	}
	// Wire PDUs never carry their own ID in room v4+, but if one was
	// included it must not lie about the content.
	claimedID := evt.EventID
	if err := evt.ComputeEventID(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedPDU, err)
	}
	if claimedID != "" && claimedID != evt.EventID {
		return nil, fmt.Errorf("%w: claimed event ID %s doesn't match content hash %s", ErrMalformedPDU, claimedID, evt.EventID)
	}
	if evt.Depth < 1 {
		return nil, fmt.Errorf("%w: depth %d below minimum", ErrMalformedPDU, evt.Depth)
	}
	if evt.IsCreate() {
		if len(evt.PrevEvents) != 0 || len(evt.AuthEvents) != 0 {
			return nil, fmt.Errorf("%w: create event references parents", ErrMalformedPDU)
		}
	} else if len(evt.PrevEvents) == 0 {
		return nil, fmt.Errorf("%w: non-create event has no prev_events", ErrMalformedPDU)
	}
	return &evt, nil
}
