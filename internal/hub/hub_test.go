package hub

import (
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicebridge/mqtt-web-bridge/internal/metrics"
	"devicebridge/mqtt-web-bridge/internal/model"
	"devicebridge/mqtt-web-bridge/internal/state"
)

func newTestHub(t *testing.T) (*Hub, *state.Store) {
	t.Helper()
	store := state.New()
	m := metrics.New(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, m, logger), store
}

func TestSubscribeSnapshotWithStoredRecord(t *testing.T) {
	h, store := newTestHub(t)

	rec := model.TelemetryRecord{ReceivedAt: 10, Topic: "embarcatech/sensor1/telemetry", Raw: `{"temp":21.5}`, Parsed: map[string]any{"temp": 21.5}}
	store.Upsert("sensor1", rec)

	sub := h.Subscribe("sensor1")
	defer h.Unsubscribe(sub)

	ev := <-sub.Events()
	assert.Equal(t, model.EventSnapshot, ev.Type)
	require.NotNil(t, ev.HasLast)
	assert.True(t, *ev.HasLast)
	require.NotNil(t, ev.Record)
	assert.Equal(t, rec, *ev.Record)
}

func TestSubscribeSnapshotForUnknownDevice(t *testing.T) {
	h, _ := newTestHub(t)

	sub := h.Subscribe("never-seen")
	defer h.Unsubscribe(sub)

	ev := <-sub.Events()
	assert.Equal(t, model.EventSnapshot, ev.Type)
	require.NotNil(t, ev.HasLast)
	assert.False(t, *ev.HasLast)
	assert.Nil(t, ev.Record)
}

func TestPublishFanOutAndOrdering(t *testing.T) {
	h, _ := newTestHub(t)

	subA := h.Subscribe("sensor1")
	subB := h.Subscribe("sensor1")
	other := h.Subscribe("sensor2")
	defer h.Unsubscribe(subA)
	defer h.Unsubscribe(subB)
	defer h.Unsubscribe(other)

	// Drain the snapshots first.
	<-subA.Events()
	<-subB.Events()
	<-other.Events()

	r1 := model.TelemetryRecord{ReceivedAt: 1, Raw: "a"}
	r2 := model.TelemetryRecord{ReceivedAt: 2, Raw: "b"}
	h.Publish("sensor1", r1)
	h.Publish("sensor1", r2)

	for _, sub := range []*Subscriber{subA, subB} {
		first := <-sub.Events()
		second := <-sub.Events()
		assert.Equal(t, "a", first.Record.Raw)
		assert.Equal(t, "b", second.Record.Raw)
	}

	select {
	case ev := <-other.Events():
		t.Fatalf("subscriber for other device received %+v", ev)
	default:
	}
}

func TestUnsubscribeRemovesEmptyDeviceSet(t *testing.T) {
	h, _ := newTestHub(t)

	sub := h.Subscribe("sensor1")
	assert.Equal(t, 1, h.Subscribers("sensor1"))

	h.Unsubscribe(sub)
	assert.Equal(t, 0, h.Subscribers("sensor1"))

	// A second unsubscribe must not panic or close twice.
	h.Unsubscribe(sub)

	_, open := <-sub.Events() // snapshot was queued before removal
	if open {
		_, open = <-sub.Events()
	}
	assert.False(t, open)
}

func TestSlowSubscriberIsEvictedWithoutBlocking(t *testing.T) {
	h, _ := newTestHub(t)

	slow := h.Subscribe("sensor1")
	healthy := h.Subscribe("sensor1")
	<-healthy.Events()

	// Never read from slow: its queue already holds the snapshot, so
	// filling the rest and publishing once more forces eviction.
	for i := 0; i < subscriberBuffer; i++ {
		h.Publish("sensor1", model.TelemetryRecord{ReceivedAt: int64(i)})
	}

	assert.Equal(t, 1, h.Subscribers("sensor1"))

	// The healthy subscriber still gets every record.
	for i := 0; i < subscriberBuffer; i++ {
		ev := <-healthy.Events()
		assert.Equal(t, int64(i), ev.Record.ReceivedAt)
	}

	// The evicted subscriber's channel ends up closed after draining.
	for range slow.Events() {
	}
}
