// Package bus owns the process-wide MQTT connection. The Router ingests
// device telemetry from the wildcard topic into the state store and stream
// hub; the command path publishes operator commands back out on the same
// connection.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"devicebridge/mqtt-web-bridge/internal/metrics"
	"devicebridge/mqtt-web-bridge/internal/model"
	"devicebridge/mqtt-web-bridge/internal/state"
)

const (
	// atLeastOnce is the QoS level for both telemetry and commands.
	atLeastOnce byte = 1

	// reconnectInterval bounds the retry delay; the client retries
	// indefinitely and never gives up while the process is alive.
	reconnectInterval = 2 * time.Second

	publishTimeout = 5 * time.Second
)

// ErrNotConnected is returned by PublishCommand while the bus is down.
var ErrNotConnected = errors.New("bus not connected")

// Notifier receives each accepted telemetry record after the state store
// has been updated. The stream hub satisfies it.
type Notifier interface {
	Publish(deviceID string, rec model.TelemetryRecord)
}

// RecordHook observes accepted records after store and hub processing.
type RecordHook func(deviceID string, rec model.TelemetryRecord)

// Router bridges the bus to the in-process state.
type Router struct {
	logger   *slog.Logger
	broker   string
	prefix   string
	store    *state.Store
	notifier Notifier
	metrics  *metrics.Metrics

	hook      atomic.Value // stores RecordHook
	client    mqtt.Client
	connected atomic.Bool
}

// New constructs a router. Start must be called before any traffic flows.
func New(broker, prefix string, store *state.Store, notifier Notifier, m *metrics.Metrics, logger *slog.Logger) *Router {
	r := &Router{
		logger:   logger,
		broker:   broker,
		prefix:   prefix,
		store:    store,
		notifier: notifier,
		metrics:  m,
	}
	r.hook.Store(RecordHook(func(string, model.TelemetryRecord) {}))
	return r
}

// SetRecordHook installs a function invoked for each accepted record, after
// the store and hub have seen it. Used for snapshot persistence.
func (r *Router) SetRecordHook(h RecordHook) {
	if h == nil {
		h = func(string, model.TelemetryRecord) {}
	}
	r.hook.Store(h)
}

// Start connects to the broker in the background. The initial connect and
// every later drop retry on a fixed interval, so Start itself cannot fail.
func (r *Router) Start() {
	opts := mqtt.NewClientOptions().
		AddBroker(r.broker).
		SetClientID(fmt.Sprintf("mqtt-web-bridge-%d", time.Now().UnixNano())).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(reconnectInterval).
		SetConnectRetry(true).
		SetConnectRetryInterval(reconnectInterval).
		SetOnConnectHandler(r.onConnect).
		SetConnectionLostHandler(r.onConnectionLost)

	r.client = mqtt.NewClient(opts)

	token := r.client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			r.logger.Error("bus connect failed", "broker", r.broker, "error", err)
		}
	}()
}

// Stop disconnects from the broker.
func (r *Router) Stop() {
	if r.client != nil {
		r.client.Disconnect(250)
	}
}

// Connected reports whether the bus connection is currently up.
func (r *Router) Connected() bool {
	return r.connected.Load()
}

func (r *Router) onConnect(c mqtt.Client) {
	r.connected.Store(true)
	r.metrics.BusConnected.Set(1)

	filter := r.prefix + "/+/telemetry"
	token := c.Subscribe(filter, atLeastOnce, r.handleMessage)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			// Not fatal: the client resubscribes on the next reconnect.
			r.logger.Error("telemetry subscribe failed", "filter", filter, "error", err)
			return
		}
		r.logger.Info("subscribed to telemetry", "filter", filter)
	}()
}

func (r *Router) onConnectionLost(_ mqtt.Client, err error) {
	r.connected.Store(false)
	r.metrics.BusConnected.Set(0)
	r.logger.Warn("bus connection lost", "error", err)
}

// handleMessage processes one inbound bus message. Messages whose topic
// does not match <prefix>/<deviceID>/... are discarded silently; that is a
// non-match, not an error.
func (r *Router) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	deviceID, ok := deviceFromTopic(r.prefix, msg.Topic())
	if !ok {
		r.metrics.MessagesDiscarded.Inc()
		return
	}

	rec := model.TelemetryRecord{
		ReceivedAt: time.Now().UnixMilli(),
		Topic:      msg.Topic(),
		Raw:        string(msg.Payload()),
		Parsed:     model.ParsePayload(msg.Payload()),
	}

	r.store.Upsert(deviceID, rec)
	r.metrics.MessagesReceived.Inc()
	r.metrics.KnownDevices.Set(float64(r.store.Len()))

	r.notifier.Publish(deviceID, rec)

	if h, ok := r.hook.Load().(RecordHook); ok {
		h(deviceID, rec)
	}
}

// PublishCommand serializes nothing itself: body is the already-encoded
// command document. It publishes to the device's command topic at QoS 1
// with the retained flag off, so a command is never replayed to a device
// that reconnects later. The chosen topic is returned even on failure so
// callers can report it.
func (r *Router) PublishCommand(deviceID string, body []byte) (string, error) {
	topic := r.prefix + "/" + deviceID + "/cmd"

	if r.client == nil || !r.client.IsConnectionOpen() {
		r.metrics.CommandFailures.Inc()
		return topic, ErrNotConnected
	}

	token := r.client.Publish(topic, atLeastOnce, false, body)
	if !token.WaitTimeout(publishTimeout) {
		r.metrics.CommandFailures.Inc()
		return topic, fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		r.metrics.CommandFailures.Inc()
		return topic, fmt.Errorf("publish to %s: %w", topic, err)
	}

	r.metrics.CommandsPublished.Inc()
	return topic, nil
}

// deviceFromTopic extracts the device identifier from a telemetry topic.
// The topic must have at least three segments and start with the configured
// prefix; the device identifier is the second segment.
func deviceFromTopic(prefix, topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != prefix || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
