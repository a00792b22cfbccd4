// Package event defines the immutable history event model: event kinds,
// kind-specific attributes, and the persisted record codec. A run's history
// is an append-only sequence of Events; everything else the engine knows
// about a run is a projection of that sequence.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	// Event is one immutable record in a run's history. Events are assigned
	// dense, strictly increasing ids starting at 1 and never mutate after
	// append.
	Event struct {
		// ID is the per-run monotonic event id.
		ID int64
		// Time is the instant the event was appended, in engine wall clock.
		// Within a run, Time never decreases as ID increases.
		Time time.Time
		// Version is the schema version of the attribute payload.
		Version uint16
		// Attributes carries the kind-specific payload. Never nil.
		Attributes Attributes
	}

	// Attributes is implemented by every kind-specific payload struct.
	Attributes interface {
		// Kind reports the event kind this payload belongs to.
		Kind() Kind
	}

	// envelope is the JSON wire form of an Event. Attributes are kept as a
	// raw message so unknown kinds survive a decode/encode round trip.
	envelope struct {
		ID         int64           `json:"event_id"`
		Time       time.Time       `json:"event_time"`
		Kind       Kind            `json:"kind"`
		Version    uint16          `json:"version"`
		Attributes json.RawMessage `json:"attrs,omitempty"`
	}

	// RawAttributes preserves the payload of an event whose kind is newer
	// than this build. Re-encoding emits the original bytes unchanged.
	RawAttributes struct {
		// EventKind is the kind carried on the wire.
		EventKind Kind
		// Data is the untouched attribute payload.
		Data json.RawMessage
	}
)

// Kind reports the preserved kind of an unknown-kind payload.
func (r *RawAttributes) Kind() Kind { return r.EventKind }

// Kind reports the event kind, derived from the attribute payload.
func (e *Event) Kind() Kind {
	if e.Attributes == nil {
		return KindUnspecified
	}
	return e.Attributes.Kind()
}

// New builds an event with the given id, time and attributes at the current
// schema version.
func New(id int64, t time.Time, attrs Attributes) *Event {
	return &Event{ID: id, Time: t, Version: SchemaVersion, Attributes: attrs}
}

// MarshalJSON encodes the event as an envelope with a kind discriminator.
func (e *Event) MarshalJSON() ([]byte, error) {
	env := envelope{ID: e.ID, Time: e.Time, Kind: e.Kind(), Version: e.Version}
	if e.Attributes != nil {
		if raw, ok := e.Attributes.(*RawAttributes); ok {
			env.Attributes = raw.Data
		} else {
			data, err := json.Marshal(e.Attributes)
			if err != nil {
				return nil, fmt.Errorf("marshal %s attributes: %w", e.Kind(), err)
			}
			env.Attributes = data
		}
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes an envelope, dispatching the attribute payload on the
// kind discriminator. Unknown kinds decode into RawAttributes so forward
// compatibility holds across versions.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	e.ID = env.ID
	e.Time = env.Time
	e.Version = env.Version
	attrs := newAttributes(env.Kind)
	if attrs == nil {
		e.Attributes = &RawAttributes{EventKind: env.Kind, Data: append(json.RawMessage(nil), env.Attributes...)}
		return nil
	}
	if len(env.Attributes) > 0 {
		if err := json.Unmarshal(env.Attributes, attrs); err != nil {
			return fmt.Errorf("unmarshal %s attributes: %w", env.Kind, err)
		}
	}
	e.Attributes = attrs
	return nil
}

// SchemaVersion is the current attribute schema version written to new
// events. Decoders preserve unknown fields so older builds can carry newer
// events without loss.
const SchemaVersion uint16 = 1

// Clone returns a shallow copy of the event. Attributes are shared; they are
// immutable by contract.
func (e *Event) Clone() *Event {
	c := *e
	return &c
}
