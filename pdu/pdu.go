// Package pdu contains the persisted event model for the room graph:
// the PDU itself, content-derived event IDs and the state map type used
// by authorization checking and state resolution.
package pdu

import (
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// EventStatus is the terminal disposition of a PDU in the room graph.
type EventStatus string

const (
	// StatusOutlier events fall outside the contiguous event graph.
	// We do not have the state for these events. They are fetched to
	// authenticate other events and can join the contiguous graph later
	// via backfill.
	StatusOutlier EventStatus = "outlier"
	// StatusAccepted events passed authorization and contribute to
	// forward extremities and the current room state.
	StatusAccepted EventStatus = "accepted"
	// StatusSoftFailed events passed authorization against their own
	// prev_events but not against the locally chosen current state.
	// They stay in the graph but not in the visible state.
	StatusSoftFailed EventStatus = "soft_failed"
	// StatusRejected events failed authorization. Kept for audit,
	// never contribute to state or extremities.
	StatusRejected EventStatus = "rejected"
)

type Hashes struct {
	Sha256 string `json:"sha256"`
}

// PDU is a single persisted event in a room's graph. Once accepted it is
// immutable; the event ID is derived from the content, so re-ingesting
// identical content is idempotent.
type PDU struct {
	EventID        id.EventID                   `json:"event_id,omitempty"`
	AuthEvents     []id.EventID                 `json:"auth_events"`
	Content        json.RawMessage              `json:"content"`
	Depth          int64                        `json:"depth"`
	Hashes         Hashes                       `json:"hashes,omitempty"`
	OriginServerTS int64                        `json:"origin_server_ts"`
	PrevEvents     []id.EventID                 `json:"prev_events"`
	RoomID         id.RoomID                    `json:"room_id"`
	Sender         id.UserID                    `json:"sender"`
	Signatures     map[string]map[string]string `json:"signatures,omitempty"`
	StateKey       *string                      `json:"state_key,omitempty"`
	Type           string                       `json:"type"`
	Unsigned       json.RawMessage              `json:"unsigned,omitempty"`
}

// IsState reports whether this PDU occupies a slot in the room state map.
func (p *PDU) IsState() bool {
	return p.StateKey != nil
}

func (p *PDU) GetStateKey() string {
	if p.StateKey == nil {
		return ""
	}
	return *p.StateKey
}

// EventType returns the mautrix event type with the class set based on
// the presence of a state key.
func (p *PDU) EventType() event.Type {
	class := event.MessageEventType
	if p.IsState() {
		class = event.StateEventType
	}
	return event.Type{Type: p.Type, Class: class}
}

// StateTuple returns the (type, state_key) slot this event occupies.
// Only meaningful for state events.
func (p *PDU) StateTuple() StateKeyTuple {
	return StateKeyTuple{Type: p.Type, StateKey: p.GetStateKey()}
}

// IsCreate reports whether this is the room creation event, i.e. the
// self-authorizing root of the graph.
func (p *PDU) IsCreate() bool {
	return p.Type == event.StateCreate.Type && p.StateKey != nil && *p.StateKey == ""
}

func (p *PDU) parseContent(into any) error {
	if len(p.Content) == 0 {
		return fmt.Errorf("event %s has no content", p.EventID)
	}
	return json.Unmarshal(p.Content, into)
}

// AsMember parses the content as an m.room.member event.
func (p *PDU) AsMember() (*event.MemberEventContent, error) {
	var content event.MemberEventContent
	if err := p.parseContent(&content); err != nil {
		return nil, err
	}
	return &content, nil
}

// AsPowerLevels parses the content as an m.room.power_levels event.
func (p *PDU) AsPowerLevels() (*event.PowerLevelsEventContent, error) {
	var content event.PowerLevelsEventContent
	if err := p.parseContent(&content); err != nil {
		return nil, err
	}
	return &content, nil
}

// AsJoinRules parses the content as an m.room.join_rules event.
func (p *PDU) AsJoinRules() (*event.JoinRulesEventContent, error) {
	var content event.JoinRulesEventContent
	if err := p.parseContent(&content); err != nil {
		return nil, err
	}
	return &content, nil
}

// AsCreate parses the content as an m.room.create event.
func (p *PDU) AsCreate() (*event.CreateEventContent, error) {
	var content event.CreateEventContent
	if err := p.parseContent(&content); err != nil {
		return nil, err
	}
	return &content, nil
}

// Membership returns the membership field of an m.room.member event,
// or an empty string for anything else.
func (p *PDU) Membership() event.Membership {
	if p.Type != event.StateMember.Type {
		return ""
	}
	content, err := p.AsMember()
	if err != nil {
		return ""
	}
	return content.Membership
}

// ToEvent converts the PDU into a mautrix client event for consumers
// that speak the client-server shape (sync deltas, output listeners).
func (p *PDU) ToEvent() *event.Event {
	evt := &event.Event{
		ID:        p.EventID,
		RoomID:    p.RoomID,
		Sender:    p.Sender,
		Type:      p.EventType(),
		StateKey:  p.StateKey,
		Timestamp: p.OriginServerTS,
		Content:   event.Content{VeryRaw: p.Content},
	}
	_ = evt.Content.ParseRaw(evt.Type)
	return evt
}
