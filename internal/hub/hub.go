// Package hub fans out telemetry to live-update subscribers. Each device
// has an independent set of subscribers; each subscriber is its own failure
// domain, so a slow or dead client never stalls the bus router or other
// clients.
package hub

import (
	"log/slog"
	"sync"

	"devicebridge/mqtt-web-bridge/internal/metrics"
	"devicebridge/mqtt-web-bridge/internal/model"
	"devicebridge/mqtt-web-bridge/internal/state"
)

// subscriberBuffer is the per-subscriber event queue depth. A subscriber
// that falls this far behind is evicted rather than retried.
const subscriberBuffer = 64

// Subscriber is one live-update stream bound to a single device for its
// whole life. Its channel is closed when it is unsubscribed or evicted.
type Subscriber struct {
	deviceID string
	events   chan model.StreamEvent
}

// Events is the stream of frames to deliver to the client. The first frame
// is always the snapshot emitted at subscribe time.
func (s *Subscriber) Events() <-chan model.StreamEvent {
	return s.events
}

// DeviceID names the device this subscriber is bound to.
func (s *Subscriber) DeviceID() string {
	return s.deviceID
}

// Hub is the per-device subscriber registry.
type Hub struct {
	logger  *slog.Logger
	store   *state.Store
	metrics *metrics.Metrics

	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}
}

// New constructs a hub reading snapshots from store.
func New(store *state.Store, m *metrics.Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		store:   store,
		metrics: m,
		subs:    make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe registers a new subscriber for deviceID. The snapshot frame is
// queued before the subscriber becomes visible to Publish, so no telemetry
// frame can precede it and new clients learn the last known state without
// waiting for the next bus message.
func (h *Hub) Subscribe(deviceID string) *Subscriber {
	sub := &Subscriber{
		deviceID: deviceID,
		events:   make(chan model.StreamEvent, subscriberBuffer),
	}

	h.mu.Lock()
	rec, hasLast := h.store.Get(deviceID)
	sub.events <- model.SnapshotEvent(rec, hasLast)

	set, ok := h.subs[deviceID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[deviceID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	h.metrics.ActiveSubscribers.Inc()
	return sub
}

// Publish delivers rec to every subscriber of deviceID. Delivery is
// non-blocking: a subscriber whose queue is full is evicted immediately.
// Per-subscriber ordering matches the order of Publish calls.
func (h *Hub) Publish(deviceID string, rec model.TelemetryRecord) {
	ev := model.TelemetryEvent(rec)

	h.mu.Lock()
	for sub := range h.subs[deviceID] {
		select {
		case sub.events <- ev:
		default:
			h.logger.Warn("evicting slow subscriber", "device", deviceID)
			h.removeLocked(sub)
		}
	}
	h.mu.Unlock()
}

// Unsubscribe removes sub and closes its channel. Calling it more than once
// is harmless.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	h.removeLocked(sub)
	h.mu.Unlock()
}

// Subscribers reports the number of live subscribers for deviceID.
func (h *Hub) Subscribers(deviceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[deviceID])
}

func (h *Hub) removeLocked(sub *Subscriber) {
	set, ok := h.subs[sub.deviceID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}

	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.deviceID)
	}
	close(sub.events)
	h.metrics.ActiveSubscribers.Dec()
}
