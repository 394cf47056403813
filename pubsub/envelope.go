package pubsub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
)

// keepAlivePayload is the broker-only liveness message. It is never stored
// in the event log.
const keepAlivePayload = "BEEP"

// sequenceKey is the top-level field carrying the event's sequence number
// inside the wire envelope. It rides outside the CloudEvents attributes so
// the listener can advance its cursor without a log round trip per message.
const sequenceKey = "_sequence_id"

// ownerExtension is the CloudEvents extension attribute naming the event
// owner for visibility filtering.
const ownerExtension = "owner"

// encodeEnvelope serializes a CloudEvents 1.0 structured-JSON envelope for
// data. When seq is non-zero the sequence number is spliced in as a
// top-level field next to the CloudEvents attributes.
func encodeEnvelope(attrs Attributes, data any, seq int64) ([]byte, error) {
	e := event.New(event.CloudEventsVersionV1)
	e.SetID(uuid.New().String())
	e.SetType(attrs.Type)
	e.SetSource(attrs.Source)
	e.SetTime(time.Now().UTC())
	if attrs.Owner != "" {
		e.SetExtension(ownerExtension, attrs.Owner)
	}
	if err := e.SetData(event.ApplicationJSON, data); err != nil {
		return nil, fmt.Errorf("failed to set envelope data: %w", err)
	}

	raw, err := json.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope: %w", err)
	}
	if seq == 0 {
		return raw, nil
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to splice sequence into envelope: %w", err)
	}
	seqRaw, err := json.Marshal(seq)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize sequence: %w", err)
	}
	m[sequenceKey] = seqRaw
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope: %w", err)
	}
	return out, nil
}

// Envelope is the decoded view of a wire envelope, carrying only the
// fields the listener needs: visibility owner, cursor sequence, payload.
type Envelope struct {
	Type       string
	Source     string
	Owner      string
	SequenceID int64
	Data       json.RawMessage
}

// IsKeepAlive reports whether the envelope is a broker-only BEEP.
func (e *Envelope) IsKeepAlive() bool {
	var s string
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return false
	}
	return s == keepAlivePayload
}

// extractString extracts a JSON string value from a pre-parsed map.
// Returns ("", false) if the key is absent or the value is not a string.
func extractString(m map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := m[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// decodeEnvelope parses a wire envelope. A missing sequence field decodes
// as 0, which the listener treats as a fire-and-forget-only message.
func decodeEnvelope(raw []byte) (*Envelope, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to deserialize envelope: %w", err)
	}
	env := &Envelope{}
	env.Type, _ = extractString(m, "type")
	env.Source, _ = extractString(m, "source")
	env.Owner, _ = extractString(m, ownerExtension)
	if seqRaw, ok := m[sequenceKey]; ok {
		if err := json.Unmarshal(seqRaw, &env.SequenceID); err != nil {
			return nil, fmt.Errorf("failed to parse envelope sequence: %w", err)
		}
	}
	env.Data = m["data"]
	return env, nil
}
