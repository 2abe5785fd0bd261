package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/twiml"

	"github.com/vango-go/callgate/pkg/gateway/bridge"
	"github.com/vango-go/callgate/pkg/gateway/config"
	"github.com/vango-go/callgate/pkg/gateway/lifecycle"
	"github.com/vango-go/callgate/pkg/gateway/mw"
)

// VoiceHandler answers the provider's incoming-call webhook. It opens the
// session eagerly, so agent dial and account lookup start before the media
// stream connects, and returns the TwiML that points the call at /media.
type VoiceHandler struct {
	Config    config.Config
	Registry  *bridge.Registry
	Lifecycle *lifecycle.Lifecycle
	Logger    *slog.Logger
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	callID := strings.TrimSpace(r.PostFormValue("CallSid"))
	if callID == "" {
		http.Error(w, "CallSid is required", http.StatusBadRequest)
		return
	}
	called := strings.TrimSpace(r.PostFormValue("To"))
	caller := strings.TrimSpace(r.PostFormValue("From"))

	h.Registry.Open(callID, called, caller)

	stream := &twiml.VoiceStream{
		Url: h.Config.MediaStreamURL(),
		InnerElements: []twiml.Element{
			&twiml.VoiceParameter{Name: "to", Value: called},
			&twiml.VoiceParameter{Name: "from", Value: caller},
		},
	}
	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: h.Config.ConnectPrompt},
		&twiml.VoiceConnect{InnerElements: []twiml.Element{stream}},
	})
	if err != nil {
		reqID, _ := mw.RequestIDFrom(r.Context())
		h.Logger.Error("twiml render failed", "request_id", reqID, "correlation_id", callID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}
