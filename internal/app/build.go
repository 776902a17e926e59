package app

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/tutorvoice/internal/backend"
	"github.com/ent0n29/tutorvoice/internal/bridge"
	"github.com/ent0n29/tutorvoice/internal/config"
	"github.com/ent0n29/tutorvoice/internal/httpapi"
	"github.com/ent0n29/tutorvoice/internal/observability"
	"github.com/ent0n29/tutorvoice/internal/session"
	"github.com/ent0n29/tutorvoice/internal/transcript"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Runner   *bridge.Runner
	Messages transcript.Store
	Metrics  *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	messages, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}
	log.WithField("mode", messages.Mode()).Info("transcript store ready")

	client := backend.NewClient(cfg.BackendURL, cfg.BackendTimeout, log, metrics)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		log.WithField("session_id", s.ID).Info("tutoring session expired")
	})

	runner := bridge.NewRunner(cfg, bridge.RunnerDeps{
		Sessions:   sessions,
		Dispatcher: backend.NewHTTPDispatcher(client),
		Reader:     backend.NewHTTPReader(client),
		Messages:   messages,
		Log:        log,
		Metrics:    metrics,
	})

	api := httpapi.New(cfg, sessions, runner, messages, metrics, log)

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Runner:   runner,
		Messages: messages,
		Metrics:  metrics,
		Cleanup:  messages.Close,
	}, nil
}
