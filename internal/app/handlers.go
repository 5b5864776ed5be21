package app

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"devicebridge/mqtt-web-bridge/internal/auth"
)

// maxCommandBytes bounds command bodies; devices have small receive
// buffers and a command is a short control document.
const maxCommandBytes = 64 << 10

func (a *App) routes() http.Handler {
	protected := http.NewServeMux()
	protected.HandleFunc("GET /api/devices", a.handleDevices)
	protected.HandleFunc("GET /api/status", a.handleStatus)
	protected.HandleFunc("GET /api/devices/{id}/stream", a.handleStream)
	protected.HandleFunc("POST /api/devices/{id}/cmd", a.handleCommand)
	protected.Handle("/", http.FileServer(http.Dir("web")))

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", a.handleHealthz)
	root.HandleFunc("GET /readyz", a.handleReadyz)
	root.HandleFunc("GET /login", a.handleLoginPage)
	root.HandleFunc("POST /login", a.handleLogin)
	root.Handle("/", a.gate.Middleware(protected))

	return root
}

func (a *App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !a.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, "web/login.html")
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	username, password, err := credentialsFromRequest(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	usernameOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.cfg.Username)) == 1
	passwordOK := bcrypt.CompareHashAndPassword([]byte(a.cfg.PasswordHash), []byte(password)) == nil
	if !usernameOK || !passwordOK {
		a.logger.Warn("login rejected", "username", username, "remote", r.RemoteAddr)
		if wantsHTML(r) {
			http.Redirect(w, r, "/login?failed=1", http.StatusFound)
			return
		}
		a.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	tok, err := a.codec.Issue(username, a.cfg.SessionTTL)
	if err != nil {
		a.logger.Error("token issue failed", "error", err)
		a.writeError(w, http.StatusInternalServerError, "internal")
		return
	}

	http.SetCookie(w, auth.SessionCookie(a.cfg.CookieName, tok, a.cfg.SessionTTL))
	a.logger.Info("operator logged in", "username", username)

	if wantsHTML(r) {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *App) handleDevices(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{"devices": a.states.DeviceIDs()})
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"connected": a.router.Connected(),
		"prefix":    a.cfg.TopicPrefix,
		"devices":   a.states.DeviceIDs(),
	})
}

func (a *App) handleCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(r.PathValue("id"))
	if deviceID == "" {
		a.writeError(w, http.StatusBadRequest, "device required")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBytes))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	topic, err := a.router.PublishCommand(deviceID, body)
	if err != nil {
		a.logger.Error("command publish failed", "device", deviceID, "topic", topic, "error", err)
		a.writeError(w, http.StatusBadGateway, "publish_failed")
		return
	}

	a.logger.Info("command published", "device", deviceID, "topic", topic)
	a.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "topic": topic})
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("encode response", "error", err)
	}
}

func (a *App) writeError(w http.ResponseWriter, status int, code string) {
	a.writeJSON(w, status, map[string]string{"error": code})
}

// credentialsFromRequest accepts either a login form post or a JSON body.
func credentialsFromRequest(r *http.Request) (username, password string, err error) {
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", "", err
		}
		return body.Username, body.Password, nil
	}

	if err := r.ParseForm(); err != nil {
		return "", "", err
	}
	return r.PostFormValue("username"), r.PostFormValue("password"), nil
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
