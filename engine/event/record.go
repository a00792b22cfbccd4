package event

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// Persisted record layout, little endian:
//
//	event_id   u64
//	event_time i64 (unix nanoseconds)
//	kind       u16
//	version    u16
//	payload    u32 length-prefixed bytes
//
// The payload is the JSON attribute document. Decoders preserve payloads of
// unknown kinds verbatim so newer records survive older builds.

const recordHeaderSize = 8 + 8 + 2 + 2 + 4

// EncodeRecord serializes an event into its persisted record form.
func EncodeRecord(e *Event) ([]byte, error) {
	var payload []byte
	if e.Attributes != nil {
		if raw, ok := e.Attributes.(*RawAttributes); ok {
			payload = raw.Data
		} else {
			var err error
			payload, err = json.Marshal(e.Attributes)
			if err != nil {
				return nil, fmt.Errorf("encode %s record: %w", e.Kind(), err)
			}
		}
	}
	buf := make([]byte, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.ID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.Time.UnixNano()))
	binary.LittleEndian.PutUint16(buf[16:18], uint16(e.Kind()))
	binary.LittleEndian.PutUint16(buf[18:20], e.Version)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(payload)))
	copy(buf[recordHeaderSize:], payload)
	return buf, nil
}

// DecodeRecord deserializes a persisted record. Records with kinds unknown
// to this build decode into RawAttributes.
func DecodeRecord(data []byte) (*Event, error) {
	if len(data) < recordHeaderSize {
		return nil, fmt.Errorf("record too short: %d bytes", len(data))
	}
	id := int64(binary.LittleEndian.Uint64(data[0:8]))
	ns := int64(binary.LittleEndian.Uint64(data[8:16]))
	kind := Kind(binary.LittleEndian.Uint16(data[16:18]))
	version := binary.LittleEndian.Uint16(data[18:20])
	plen := int(binary.LittleEndian.Uint32(data[20:24]))
	if len(data) != recordHeaderSize+plen {
		return nil, fmt.Errorf("record length mismatch: header says %d payload bytes, have %d", plen, len(data)-recordHeaderSize)
	}
	payload := data[recordHeaderSize:]
	e := &Event{ID: id, Time: time.Unix(0, ns).UTC(), Version: version}
	attrs := newAttributes(kind)
	if attrs == nil {
		e.Attributes = &RawAttributes{EventKind: kind, Data: append(json.RawMessage(nil), payload...)}
		return e, nil
	}
	if plen > 0 {
		if err := json.Unmarshal(payload, attrs); err != nil {
			return nil, fmt.Errorf("decode %s record: %w", kind, err)
		}
	}
	e.Attributes = attrs
	return e, nil
}
