// Package app wires Hanashi together: configuration, storage, the completion
// relay, the Matrix front-end and the optional HTTP endpoints.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Hanashi/internal/hanashi/commands"
	"github.com/bdobrica/Hanashi/internal/hanashi/config"
	"github.com/bdobrica/Hanashi/internal/hanashi/llm"
	"github.com/bdobrica/Hanashi/internal/hanashi/matrix"
	"github.com/bdobrica/Hanashi/internal/hanashi/memory"
	"github.com/bdobrica/Hanashi/internal/hanashi/metrics"
	"github.com/bdobrica/Hanashi/internal/hanashi/relay"
	"github.com/bdobrica/Hanashi/internal/hanashi/store"
	"github.com/bdobrica/Hanashi/internal/hanashi/transcript"
)

// App is the running Hanashi process.
type App struct {
	cfg        *config.Config
	db         *store.Store
	memory     *memory.Store
	relay      *relay.Relay
	bot        *Bot
	matrix     *matrix.Client
	evictor    *memory.Evictor
	health     *HealthServer
	metrics    *metrics.Metrics
	transcript *transcript.Writer
	logger     *slog.Logger
}

// New builds every component from cfg. Nothing talks to the network until
// Run.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger, metrics: metrics.New()}

	est, err := cfg.BuildEstimator()
	if err != nil {
		return nil, err
	}

	if cfg.Storage.Path != "" {
		a.db, err = store.New(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
	}

	var persister memory.Persister
	if cfg.Storage.Backend == "sqlite" {
		persister = memory.NewSQLitePersister(a.db.DB())
		logger.Info("app: conversations are persisted", "path", cfg.Storage.Path)
	}

	a.memory = memory.NewStore(memory.StoreConfig{
		Estimator:       est,
		DefaultPreamble: cfg.Context.SystemPreamble,
		Persister:       persister,
		Logger:          logger,
	})
	a.metrics.RegisterGauge("hanashi_conversations", "Conversations held in memory",
		func() float64 { return float64(a.memory.Len()) })

	if cfg.Transcript.Enabled {
		a.transcript = transcript.Open(transcript.Config{
			Path:       cfg.Transcript.Path,
			MaxSizeMB:  cfg.Transcript.MaxSizeMB,
			MaxBackups: cfg.Transcript.MaxBackups,
			MaxAgeDays: cfg.Transcript.MaxAgeDays,
			Compress:   cfg.Transcript.Compress,
		})
	}

	provider := llm.New(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Timeout:     cfg.LLM.Timeout,
		ExtraParams: cfg.LLM.ExtraParams,
		Retry: llm.RetryPolicy{
			MaxAttempts:  cfg.LLM.MaxAttempts,
			InitialDelay: cfg.LLM.RetryDelay,
		},
	})

	a.relay, err = relay.New(relay.Config{
		Store:     a.memory,
		Provider:  provider,
		Estimator: est,
		Budget:    cfg.Budget(),
		Sampling: relay.Sampling{
			MaxTokens:   cfg.LLM.MaxReplyTokens,
			Temperature: cfg.LLM.Temperature,
			TopP:        cfg.LLM.TopP,
		},
		Metrics:    a.metrics,
		Transcript: a.transcript,
		Logger:     logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	mcfg := matrix.Config{
		Homeserver:   cfg.Matrix.Homeserver,
		UserID:       cfg.Matrix.UserID,
		AccessToken:  cfg.Matrix.AccessToken,
		AllowedRooms: cfg.Matrix.AllowedRooms,
		AllowedUsers: cfg.Matrix.AllowedUsers,
		AutoJoin:     cfg.Matrix.AutoJoin,
	}
	if a.db != nil {
		mcfg.DB = a.db.DB()
	}
	a.matrix, err = matrix.New(mcfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	router := commands.NewRouter(cfg.Matrix.CommandPrefix)
	commands.NewHandlers(router, a.relay)
	limiter := NewLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)

	a.bot = NewBot(BotConfig{
		Messenger: a.matrix,
		Responder: a.relay,
		Router:    router,
		Triggers:  commands.NewTriggers(cfg.Reset.Triggers, cfg.Reset.Replies),
		Delivery: Delivery{
			SplitThreshold: cfg.Delivery.SplitThreshold,
			PauseMin:       cfg.Delivery.PauseMin,
			PauseMax:       cfg.Delivery.PauseMax,
			Typing:         cfg.Delivery.Typing,
		},
		Limiter:    limiter,
		Metrics:    a.metrics,
		Transcript: a.transcript,
		Logger:     logger,
	})

	if cfg.Context.IdleTimeout > 0 {
		a.evictor = memory.NewEvictor(a.memory, cfg.Context.IdleTimeout, cfg.Context.EvictionInterval, logger,
			func(ids []string) { limiter.Forget(ids...) })
	}

	if cfg.HTTP.Addr != "" {
		var db database
		if a.db != nil {
			db = a.db
		}
		a.health = NewHealthServer(cfg.HTTP.Addr, a.memory, db, cfg.Budget(), a.metrics.Handler())
	}

	return a, nil
}

// Run serves until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.matrix.Run(ctx, a.bot.HandleMessage)
	})
	if a.evictor != nil {
		g.Go(func() error { return a.evictor.Run(ctx) })
	}
	if a.health != nil {
		g.Go(func() error { return a.health.Run(ctx) })
	}

	a.logger.Info("app: Hanashi is running",
		"user_id", a.matrix.UserID(),
		"max_context_tokens", a.cfg.Context.MaxContextTokens,
		"reserved_for_reply", a.cfg.Context.ReservedForReply,
		"storage", a.cfg.Storage.Backend,
	)
	err := g.Wait()
	a.logger.Info("app: shutting down")
	return err
}

// Close releases the transcript file and the database.
func (a *App) Close() error {
	var errs []error
	if err := a.transcript.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transcript: %w", err))
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
