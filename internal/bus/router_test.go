package bus

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicebridge/mqtt-web-bridge/internal/metrics"
	"devicebridge/mqtt-web-bridge/internal/model"
	"devicebridge/mqtt-web-bridge/internal/state"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool { return false }
func (m fakeMessage) Qos() byte { return 1 }
func (m fakeMessage) Retained() bool { return false }
func (m fakeMessage) Topic() string { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte { return m.payload }
func (m fakeMessage) Ack() {}

type recordedPublish struct {
	deviceID string
	rec      model.TelemetryRecord
}

type fakeNotifier struct {
	published []recordedPublish
}

func (n *fakeNotifier) Publish(deviceID string, rec model.TelemetryRecord) {
	n.published = append(n.published, recordedPublish{deviceID, rec})
}

type fakeToken struct {
	err error
}

func (t fakeToken) Wait() bool { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error { return t.err }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type sentCommand struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	open       bool
	publishErr error
	sent       []sentCommand
}

func (c *fakeClient) IsConnected() bool { return c.open }
func (c *fakeClient) IsConnectionOpen() bool { return c.open }
func (c *fakeClient) Connect() mqtt.Token { return fakeToken{} }
func (c *fakeClient) Disconnect(uint) {}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	c.sent = append(c.sent, sentCommand{topic, qos, retained, payload.([]byte)})
	return fakeToken{err: c.publishErr}
}
func (c *fakeClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}
func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token { return fakeToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler) {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func newTestRouter(t *testing.T) (*Router, *state.Store, *fakeNotifier) {
	t.Helper()
	store := state.New()
	notifier := &fakeNotifier{}
	m := metrics.New(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New("tcp://localhost:1883", "embarcatech", store, notifier, m, logger), store, notifier
}

func TestDeviceFromTopic(t *testing.T) {
	cases := []struct {
		topic    string
		deviceID string
		ok       bool
	}{
		{"embarcatech/sensor1/telemetry", "sensor1", true},
		{"embarcatech/sensor1/telemetry/extra", "sensor1", true},
		{"other/sensor1/telemetry", "", false},
		{"embarcatech/sensor1", "", false},
		{"embarcatech", "", false},
		{"embarcatech//telemetry", "", false},
		{"", "", false},
	}

	for _, tc := range cases {
		id, ok := deviceFromTopic("embarcatech", tc.topic)
		assert.Equal(t, tc.ok, ok, "topic %q", tc.topic)
		assert.Equal(t, tc.deviceID, id, "topic %q", tc.topic)
	}
}

func TestHandleMessageUpdatesStoreAndNotifies(t *testing.T) {
	r, store, notifier := newTestRouter(t)

	var hooked []recordedPublish
	r.SetRecordHook(func(deviceID string, rec model.TelemetryRecord) {
		hooked = append(hooked, recordedPublish{deviceID, rec})
	})

	r.handleMessage(nil, fakeMessage{topic: "embarcatech/sensor1/telemetry", payload: []byte(`{"temp":21.5}`)})

	rec, ok := store.Get("sensor1")
	require.True(t, ok)
	assert.Equal(t, "embarcatech/sensor1/telemetry", rec.Topic)
	assert.Equal(t, `{"temp":21.5}`, rec.Raw)
	assert.Equal(t, map[string]any{"temp": 21.5}, rec.Parsed)
	assert.NotZero(t, rec.ReceivedAt)

	require.Len(t, notifier.published, 1)
	assert.Equal(t, "sensor1", notifier.published[0].deviceID)
	assert.Equal(t, rec, notifier.published[0].rec)

	require.Len(t, hooked, 1)
	assert.Equal(t, rec, hooked[0].rec)
}

func TestHandleMessageUnparseableBodyIsKeptRaw(t *testing.T) {
	r, store, notifier := newTestRouter(t)

	r.handleMessage(nil, fakeMessage{topic: "embarcatech/sensor1/telemetry", payload: []byte("caf\xc3\xa9 23C")})

	rec, ok := store.Get("sensor1")
	require.True(t, ok)
	assert.Equal(t, "café 23C", rec.Raw)
	assert.Nil(t, rec.Parsed)
	assert.Len(t, notifier.published, 1)
}

func TestHandleMessageJSONNullMatchesParseFailure(t *testing.T) {
	r, store, _ := newTestRouter(t)

	r.handleMessage(nil, fakeMessage{topic: "embarcatech/sensor1/telemetry", payload: []byte(`null`)})

	rec, ok := store.Get("sensor1")
	require.True(t, ok)
	assert.Nil(t, rec.Parsed)
	assert.Equal(t, "null", rec.Raw)
}

func TestHandleMessageNonMatchingTopicIsDiscarded(t *testing.T) {
	r, store, notifier := newTestRouter(t)

	r.handleMessage(nil, fakeMessage{topic: "other/sensor1/telemetry", payload: []byte(`{}`)})
	r.handleMessage(nil, fakeMessage{topic: "embarcatech/sensor1", payload: []byte(`{}`)})

	assert.Zero(t, store.Len())
	assert.Empty(t, notifier.published)
}

func TestHandleMessageOrderingPerDevice(t *testing.T) {
	r, store, notifier := newTestRouter(t)

	r.handleMessage(nil, fakeMessage{topic: "embarcatech/sensor1/telemetry", payload: []byte(`{"seq":1}`)})
	r.handleMessage(nil, fakeMessage{topic: "embarcatech/sensor1/telemetry", payload: []byte(`{"seq":2}`)})

	rec, _ := store.Get("sensor1")
	assert.Equal(t, `{"seq":2}`, rec.Raw)

	require.Len(t, notifier.published, 2)
	assert.Equal(t, `{"seq":1}`, notifier.published[0].rec.Raw)
	assert.Equal(t, `{"seq":2}`, notifier.published[1].rec.Raw)
}

func TestPublishCommandWhileDisconnected(t *testing.T) {
	r, store, _ := newTestRouter(t)
	r.client = &fakeClient{open: false}

	topic, err := r.PublishCommand("sensor1", []byte(`{"led":"on"}`))
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, "embarcatech/sensor1/cmd", topic)
	assert.Zero(t, store.Len())
}

func TestPublishCommandNoClient(t *testing.T) {
	r, _, _ := newTestRouter(t)

	_, err := r.PublishCommand("sensor1", []byte(`{}`))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPublishCommandSuccess(t *testing.T) {
	r, _, _ := newTestRouter(t)
	client := &fakeClient{open: true}
	r.client = client

	topic, err := r.PublishCommand("sensor1", []byte(`{"led":"on"}`))
	require.NoError(t, err)
	assert.Equal(t, "embarcatech/sensor1/cmd", topic)

	require.Len(t, client.sent, 1)
	assert.Equal(t, "embarcatech/sensor1/cmd", client.sent[0].topic)
	assert.Equal(t, byte(1), client.sent[0].qos)
	assert.False(t, client.sent[0].retained, "commands must never be retained")
	assert.Equal(t, []byte(`{"led":"on"}`), client.sent[0].payload)
}

func TestPublishCommandBusRejects(t *testing.T) {
	r, _, _ := newTestRouter(t)
	r.client = &fakeClient{open: true, publishErr: errors.New("connection reset")}

	_, err := r.PublishCommand("sensor1", []byte(`{}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotConnected)
}
