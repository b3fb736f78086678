package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"realtime-pronunciation-service/internal/config"
	"realtime-pronunciation-service/internal/events"
	"realtime-pronunciation-service/internal/observability/logging"
	"realtime-pronunciation-service/internal/observability/metrics"
	"realtime-pronunciation-service/internal/service/scorer"
	"realtime-pronunciation-service/internal/service/scorer/mock"
	"realtime-pronunciation-service/internal/service/scorer/onnx"
	"realtime-pronunciation-service/internal/service/session"
	"realtime-pronunciation-service/internal/store"
)

// ErrNotReady is reported by Ready before Start completes or after Shutdown begins.
var ErrNotReady = errors.New("service not ready")

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Scorer    scorer.Scorer
	Publisher *events.Publisher
	Store     *store.Store
	Sessions  *session.Registry

	ready atomic.Bool
}

// New constructs a new Application from the provided configuration and
// initializes the global logger.
func New(cfg *config.Config) *Application {
	lc := logging.DefaultConfig()
	lc.Level = cfg.Observability.LogLevel
	lc.Format = cfg.Observability.LogFormat
	logging.Init(lc)

	a := &Application{
		Cfg:    cfg,
		Logger: logging.WithComponent("application"),
	}
	a.Logger.Info().
		Str("principal", cfg.Service.Principal).
		Str("logLevel", lc.Level).
		Str("scorer", cfg.Scorer.Provider).
		Msg("Pronunciation evaluation service application created")
	return a
}

// NewScorer builds the acoustic scorer selected by configuration.
func NewScorer(cfg config.ScorerConfig) (scorer.Scorer, error) {
	switch cfg.Provider {
	case "mock", "":
		return mock.New(cfg.MockTranscript, cfg.MockFramesPerLabel)
	case "onnx":
		return onnx.New(onnx.Config{
			ModelPath:         cfg.ModelPath,
			VocabPath:         cfg.VocabPath,
			SharedLibraryPath: cfg.SharedLibraryPath,
			OutputName:        cfg.OutputName,
			IntraOpThreads:    cfg.IntraOpThreads,
		})
	default:
		return nil, fmt.Errorf("%w: unknown scorer provider %q", scorer.ErrEngineInit, cfg.Provider)
	}
}

// Start builds the scorer, event publisher, result store and session
// registry, then starts the idle reaper. A scorer that fails to load is fatal.
func (a *Application) Start(ctx context.Context) error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	sc, err := NewScorer(a.Cfg.Scorer)
	if err != nil {
		return err
	}
	a.Scorer = sc
	startLogger.Info().
		Str("scorer", sc.Name()).
		Int("vocabulary", sc.Vocabulary().Size()).
		Msg("Acoustic scorer loaded")

	st, err := store.Open(ctx, a.Cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open result store: %w", err)
	}
	a.Store = st
	startLogger.Info().
		Str("path", a.Cfg.Store.Path).
		Bool("ephemeral", st.Ephemeral()).
		Msg("Result store opened")

	a.Publisher = events.New(&events.Config{
		Enabled:       a.Cfg.Kafka.Enabled,
		Brokers:       a.Cfg.Kafka.Brokers,
		TopicProgress: a.Cfg.Kafka.TopicProgress,
		TopicFinal:    a.Cfg.Kafka.TopicFinal,
		Principal:     a.Cfg.Kafka.Principal,
	})

	a.Sessions = session.NewRegistry(session.ConfigFrom(a.Cfg), session.Deps{
		Scorer:    sc,
		Publisher: a.Publisher,
		Store:     st,
		Metrics:   metrics.DefaultMetrics,
	})
	a.Sessions.Start(ctx)

	a.StartupTime = time.Now().UTC()
	a.ready.Store(true)
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Pronunciation evaluation service started")
	return nil
}

// Ready reports whether the service can take traffic.
func (a *Application) Ready() error {
	if !a.ready.Load() {
		return ErrNotReady
	}
	return nil
}

// SetReady overrides readiness. Used by transports under test.
func (a *Application) SetReady(ready bool) {
	a.ready.Store(ready)
}

// Shutdown stops the reaper, closes live sessions so their final results are
// published and archived, then releases the publisher, store and scorer.
func (a *Application) Shutdown(ctx context.Context) {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()
	a.ready.Store(false)

	if a.Sessions != nil {
		a.Sessions.Stop()
		n := a.Sessions.CloseAll(ctx, session.ReasonShutdown)
		shutdownLogger.Info().Int("sessions", n).Msg("Closed live sessions")
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			shutdownLogger.Error().Err(err).Msg("Error closing event publisher")
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			shutdownLogger.Error().Err(err).Msg("Error closing result store")
		}
	}
	if c, ok := a.Scorer.(io.Closer); ok {
		if err := c.Close(); err != nil {
			shutdownLogger.Error().Err(err).Msg("Error closing scorer")
		}
	}
	shutdownLogger.Info().Msg("Pronunciation evaluation service shut down")
}
