package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

// handleStream serves the per-device live-update websocket. The first
// frame is always the snapshot queued by the hub at subscribe time; later
// frames carry telemetry as it arrives. Any write failure or peer
// disconnect ends the stream and deregisters the subscriber.
func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(r.PathValue("id"))
	if deviceID == "" {
		a.writeError(w, http.StatusBadRequest, "device required")
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		a.logger.Warn("websocket upgrade failed", "device", deviceID, "error", err)
		return
	}
	defer conn.Close()

	sub := a.hub.Subscribe(deviceID)
	defer a.hub.Unsubscribe(sub)

	a.logger.Info("stream opened", "device", deviceID, "remote", r.RemoteAddr)
	defer a.logger.Info("stream closed", "device", deviceID, "remote", r.RemoteAddr)

	// The client never sends application frames, but the read pump is what
	// notices the peer going away (and services close/pong frames).
	readClosed := make(chan struct{})
	go func() {
		defer close(readClosed)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				// Evicted by the hub for falling behind.
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readClosed:
			return
		}
	}
}
