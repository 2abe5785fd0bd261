package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vango-go/callgate/pkg/core/agent"
	"github.com/vango-go/callgate/pkg/core/crm"
	"github.com/vango-go/callgate/pkg/core/summary"
	"github.com/vango-go/callgate/pkg/gateway/bridge"
	"github.com/vango-go/callgate/pkg/gateway/config"
	"github.com/vango-go/callgate/pkg/gateway/handlers"
	"github.com/vango-go/callgate/pkg/gateway/lifecycle"
	"github.com/vango-go/callgate/pkg/gateway/mw"
)

type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	mux       *http.ServeMux
	lifecycle *lifecycle.Lifecycle
	registry  *bridge.Registry

	httpClient *http.Client
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	deps := bridge.Dependencies{
		DialAgent: func(ctx context.Context) (bridge.AgentConn, error) {
			return agent.Dial(ctx, agent.Config{
				URL:    cfg.AgentWSURL,
				APIKey: cfg.AgentAPIKey,
				Voice:  cfg.AgentVoice,
			})
		},
		Logger: logger,
	}
	if cfg.AccountAPIBaseURL != "" {
		crmClient := crm.NewClientWithHTTP(cfg.AccountAPIBaseURL, cfg.AccountAPIKey, cfg.AccountAPISecret, httpClient)
		deps.Accounts = crmClient
		deps.Tasks = crmClient
	}
	if cfg.SummaryAPIBaseURL != "" {
		deps.Summarizer = summary.NewClientWithHTTP(cfg.SummaryAPIBaseURL, cfg.SummaryAPIKey, cfg.SummaryModel, httpClient)
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
		lifecycle:  &lifecycle.Lifecycle{},
		httpClient: httpClient,
		registry: bridge.NewRegistry(bridge.Config{
			Instructions:      cfg.Instructions,
			Greeting:          cfg.Greeting,
			ClosingPhrase:     cfg.ClosingPhrase,
			AccountLookupWait: cfg.AccountLookupWait,
			AgentDialTimeout:  cfg.AgentDialTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			SummarizeTimeout:  cfg.SummarizeTimeout,
			KeepAliveInterval: cfg.KeepAliveInterval,
		}, deps),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Sessions:  s.registry,
	})
	s.mux.Handle("/voice", handlers.VoiceHandler{
		Config:    s.cfg,
		Registry:  s.registry,
		Lifecycle: s.lifecycle,
		Logger:    s.logger,
	})
	s.mux.Handle("/media", handlers.MediaHandler{
		Config:    s.cfg,
		Registry:  s.registry,
		Lifecycle: s.lifecycle,
		Logger:    s.logger,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Registry exposes the live session registry for shutdown draining.
func (s *Server) Registry() *bridge.Registry { return s.registry }

// Drain flips readiness off and tears down live sessions, then waits for
// them to finish up to ctx.
func (s *Server) Drain(ctx context.Context, reason string) error {
	s.lifecycle.SetDraining(true)
	s.registry.CloseAll(reason)
	return s.registry.Wait(ctx)
}
