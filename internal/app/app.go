// Package app assembles the service: store, pipeline, sequencer,
// dispatcher, retention and the HTTP fronts, with ordered shutdown.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/valyala/fasthttp"

	"threadrelay/internal/retention"
	"threadrelay/pkg/agent"
	"threadrelay/pkg/auth"
	"threadrelay/pkg/config"
	"threadrelay/pkg/dedup"
	"threadrelay/pkg/dispatch"
	"threadrelay/pkg/ingest"
	"threadrelay/pkg/logger"
	"threadrelay/pkg/sequencer"
	"threadrelay/pkg/slack"
	"threadrelay/pkg/store"
)

// shutdownGrace bounds how long Run waits for in-flight dispatches after
// the listeners stop.
const shutdownGrace = 20 * time.Second

// App encapsulates the server components and lifecycle.
type App struct {
	cfg       *config.Config
	version   string
	commit    string
	buildDate string

	st       *store.Store
	queue    *ingest.Queue
	pipeline *ingest.Pipeline
	seq      *sequencer.Sequencer
	guard    *auth.Guard

	srv     *http.Server
	fastSrv *fasthttp.Server
}

// New initializes everything that does not require a running context:
// config validation, the store, and the processing chain. Call Run to
// start the listeners and block until shutdown.
func New(cfg *config.Config, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", cfg.Storage.DBPath, err)
	}

	deliverer := slack.NewClient(cfg.Slack.APIBase, cfg.Slack.BotToken)
	disp := dispatch.New(st, selectAgent(cfg), deliverer,
		cfg.Dispatch.Timeout.Duration(), cfg.Dispatch.RetryLimit)
	seq := sequencer.New(disp.Dispatch, cfg.Sequencer.MaxQueueDepth)
	queue := ingest.NewQueue(cfg.Ingest.Capacity)
	pipeline := ingest.NewPipeline(queue, dedup.New(st), seq, cfg.Ingest.Workers)

	guard := auth.NewGuard(auth.SecConfig{
		SigningSecret: cfg.Slack.SigningSecret,
		RPS:           cfg.Security.RateLimit.RPS,
		Burst:         cfg.Security.RateLimit.Burst,
	})

	return &App{
		cfg:       cfg,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		st:        st,
		queue:     queue,
		pipeline:  pipeline,
		seq:       seq,
		guard:     guard,
	}, nil
}

// selectAgent picks the response-generation backend from config.
func selectAgent(cfg *config.Config) dispatch.Agent {
	if cfg.Agent.Mode == "echo" || cfg.Agent.URL == "" {
		logger.Info("agent_backend", "mode", "echo")
		return agent.Echo{}
	}
	logger.Info("agent_backend", "mode", "http", "url", cfg.Agent.URL)
	return agent.NewHTTP(cfg.Agent.URL)
}

func validateConfig(cfg *config.Config) error {
	if cfg.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if cfg.Agent.Mode == "http" && cfg.Agent.URL == "" {
		return fmt.Errorf("agent.url is required when agent.mode is http")
	}
	if cfg.Slack.SigningSecret == "" {
		logger.Warn("signing_secret_missing", "msg", "inbound signature verification disabled")
	}
	if cfg.Slack.BotToken == "" {
		logger.Warn("bot_token_missing", "msg", "outbound delivery will be rejected by the platform")
	}
	return nil
}

// Run starts retention, the pipeline workers and the HTTP fronts, and
// blocks until ctx is canceled or a fatal server error occurs. Shutdown
// is ordered: listeners first so nothing new enters, then the pipeline,
// then in-flight dispatches.
func (a *App) Run(ctx context.Context) error {
	retCancel, err := retention.Start(ctx, a.cfg.Retention, a.st)
	if err != nil {
		return err
	}

	a.pipeline.Start()

	errCh := a.startHTTP()
	logger.Info("server_started",
		"addr", a.cfg.Addr(),
		"version", a.version,
		"commit", a.commit,
		"build_date", a.buildDate)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error("server_error", "error", runErr)
	}

	a.shutdown(retCancel)
	return runErr
}

func (a *App) shutdown(retCancel context.CancelFunc) {
	logger.Info("shutdown_started")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if a.fastSrv != nil {
		if err := a.fastSrv.Shutdown(); err != nil {
			logger.Warn("fast_listener_shutdown_error", "error", err)
		}
	}
	if a.srv != nil {
		if err := a.srv.Shutdown(sctx); err != nil {
			logger.Warn("http_shutdown_error", "error", err)
		}
	}

	a.pipeline.Stop()
	a.queue.CloseAndDrain()

	if err := a.seq.Close(sctx); err != nil {
		logger.Warn("sequencer_close_timeout", "error", err)
	}

	retCancel()

	if err := a.st.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
	logger.Info("shutdown_complete")
}
