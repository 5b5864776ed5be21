package model

import "encoding/json"

// TelemetryRecord is the most recent telemetry observation for a device.
// Exactly one record is retained per device; a newer message replaces it.
type TelemetryRecord struct {
	// ReceivedAt is the bridge-side arrival time in epoch milliseconds.
	ReceivedAt int64 `json:"receivedAt"`
	// Topic is the bus topic the message arrived on.
	Topic string `json:"topic"`
	// Raw is the message body exactly as published, always retained.
	Raw string `json:"raw"`
	// Parsed is the JSON decode of Raw, or nil when Raw is not valid JSON.
	// A body of literal JSON null also yields nil; the two cases are
	// deliberately indistinguishable and Raw is the source of truth.
	Parsed any `json:"parsed"`
}

// ParsePayload decodes body as JSON, returning nil for anything that does
// not decode. Callers keep the raw bytes alongside; a message is never
// dropped for having an unparseable body.
func ParsePayload(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil
	}
	return v
}

// Stream event types sent to live-update subscribers.
const (
	EventSnapshot  = "snapshot"
	EventTelemetry = "telemetry"
)

// StreamEvent is a single frame on a live-update stream. The first frame of
// every stream is a snapshot; all later frames carry new telemetry.
type StreamEvent struct {
	Type    string           `json:"type"`
	HasLast *bool            `json:"hasLast,omitempty"`
	Record  *TelemetryRecord `json:"record"`
}

// SnapshotEvent builds the hello frame for a new subscriber. When the device
// has never been seen, hasLast is false and the record is null.
func SnapshotEvent(rec TelemetryRecord, hasLast bool) StreamEvent {
	ev := StreamEvent{Type: EventSnapshot, HasLast: &hasLast}
	if hasLast {
		r := rec
		ev.Record = &r
	}
	return ev
}

// TelemetryEvent wraps a freshly-arrived record for delivery.
func TelemetryEvent(rec TelemetryRecord) StreamEvent {
	r := rec
	return StreamEvent{Type: EventTelemetry, Record: &r}
}
