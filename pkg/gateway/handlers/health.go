package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/callgate/pkg/gateway/config"
	"github.com/vango-go/callgate/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// SessionCounter is the slice of the session registry readiness needs.
type SessionCounter interface {
	Len() int
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  SessionCounter
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK           bool     `json:"ok"`
		Draining     bool     `json:"draining"`
		LiveSessions int      `json:"live_sessions"`
		Issues       []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	if h.Config.PublicHost == "" {
		issues = append(issues, "public host not configured")
	}
	if h.Config.AgentWSURL == "" {
		issues = append(issues, "agent websocket url not configured")
	}
	if h.Config.ClosingPhrase == "" {
		issues = append(issues, "closing phrase not configured")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	live := 0
	if h.Sessions != nil {
		live = h.Sessions.Len()
	}

	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:           ok,
		Draining:     draining,
		LiveSessions: live,
		Issues:       issues,
	})
}
