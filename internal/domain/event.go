package domain

import "encoding/json"

// EventMetadata travels alongside an EventEnvelope both on the wire and in
// the session stream.
type EventMetadata struct {
	SessionID     string `json:"sessionId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Producer      string `json:"producer,omitempty"`
	ID            string `json:"id,omitempty"`
}

// EventEnvelope is an event produced by a handler or the pipeline, destined
// for the session stream (if persisted) and the pub/sub topic.
type EventEnvelope struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Metadata EventMetadata   `json:"metadata"`
}

// WireEvent is the shape published to subscribers over the server-streamed
// subscription surface (§6.2).
type WireEvent struct {
	Kind      string          `json:"type"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  EventMetadata   `json:"metadata"`
}

// ToWire converts an EventEnvelope into its wire representation.
func (e *EventEnvelope) ToWire() WireEvent {
	return WireEvent{
		Kind:      "event",
		EventType: e.Type,
		Payload:   e.Payload,
		Metadata:  e.Metadata,
	}
}
