package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"realtime-pronunciation-service/internal/config"
	"realtime-pronunciation-service/internal/models"
	"realtime-pronunciation-service/internal/observability/logging"
	"realtime-pronunciation-service/internal/observability/metrics"
	"realtime-pronunciation-service/internal/schema"
	"realtime-pronunciation-service/internal/service/audio"
	"realtime-pronunciation-service/internal/service/evaluation"
	"realtime-pronunciation-service/internal/service/scorer"
	"realtime-pronunciation-service/internal/service/sentence"
	"realtime-pronunciation-service/internal/service/tracker"
	"realtime-pronunciation-service/internal/store"
)

// Close reasons.
const (
	ReasonExplicit = "explicit"
	ReasonIdle     = "idle"
	ReasonShutdown = "shutdown"
)

// InvalidSessionMessage accompanies models.ErrorInvalidSession.
const InvalidSessionMessage = "session does not exist or has expired"

var (
	// ErrValidation is returned when create_session input is rejected.
	ErrValidation = errors.New("validation failed")
	// ErrSessionNotFound is returned for unknown, closed or reaped sessions.
	ErrSessionNotFound = errors.New("session not found")
)

// Publisher emits progress and final events.
type Publisher interface {
	PublishProgress(ctx context.Context, key string, event any) error
	PublishFinal(ctx context.Context, key string, event any) error
}

// Archiver persists final results.
type Archiver interface {
	Archive(ctx context.Context, rec store.Record) error
}

// Config holds the defaults applied to every new session.
type Config struct {
	Audio        audio.Config
	Tracker      tracker.Config
	Evaluation   evaluation.Config
	IdleTimeout  time.Duration
	ReapInterval time.Duration
}

// DefaultConfig returns registry defaults.
func DefaultConfig() Config {
	return Config{
		Audio:        audio.DefaultConfig(),
		Tracker:      tracker.DefaultConfig(),
		Evaluation:   evaluation.DefaultConfig(),
		IdleTimeout:  time.Hour,
		ReapInterval: time.Minute,
	}
}

// ConfigFrom maps service configuration onto registry settings.
func ConfigFrom(cfg *config.Config) Config {
	tc := tracker.DefaultConfig()
	tc.WindowSize = cfg.Session.WindowSize
	return Config{
		Audio: audio.Config{
			SampleRate:         cfg.Audio.SampleRate,
			Channels:           cfg.Audio.Channels,
			MaxBufferSeconds:   cfg.Audio.MaxBufferSeconds,
			VADEnergyThreshold: cfg.Audio.VADEnergyThreshold,
			VADMinSpeechFrames: cfg.Audio.VADMinSpeechFrames,
		},
		Tracker: tc,
		Evaluation: evaluation.Config{
			ConfidenceThreshold: cfg.Session.ConfidenceThreshold,
			MinInterval:         cfg.Session.MinTimeBetweenEvals,
		},
		IdleTimeout:  cfg.Session.IdleTimeout,
		ReapInterval: cfg.Session.ReapInterval,
	}
}

// Deps are the shared collaborators of a Registry. Only Scorer is required.
type Deps struct {
	Scorer    scorer.Scorer
	Publisher Publisher
	Store     Archiver
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

// Session is one registered evaluation session and its component bundle.
type Session struct {
	ID        string
	Sentence  string
	CreatedAt time.Time

	lifecycle  *Lifecycle
	buffer     *audio.Buffer
	model      *sentence.Model
	tracker    *tracker.Tracker
	controller *evaluation.Controller

	mu           sync.Mutex
	lastActivity time.Time
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}

// LastActivity returns the time of the last audio or creation.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Registry maps session IDs to live sessions. Thread-safe.
type Registry struct {
	cfg       Config
	scorer    scorer.Scorer
	publisher Publisher
	store     Archiver
	metrics   *metrics.Metrics
	clock     func() time.Time
	ids       *Generator
	validator *schema.Validator
	logger    zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	reapMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, deps Deps) *Registry {
	if deps.Metrics == nil {
		deps.Metrics = metrics.DefaultMetrics
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	return &Registry{
		cfg:       cfg,
		scorer:    deps.Scorer,
		publisher: deps.Publisher,
		store:     deps.Store,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		ids:       NewGenerator(),
		validator: schema.New(),
		logger:    logging.WithComponent("session-registry"),
		sessions:  make(map[string]*Session),
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CreateSessionFromRequest validates a raw create request and creates the session.
func (r *Registry) CreateSessionFromRequest(ctx context.Context, req models.CreateSessionRequest) (models.SessionCreated, error) {
	opts, err := r.validator.ParseOptions(req.Options)
	if err != nil {
		r.metrics.RecordSessionRejected()
		return models.SessionCreated{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return r.CreateSession(ctx, req.Sentence, opts)
}

// CreateSession registers a new session for sentence.
func (r *Registry) CreateSession(ctx context.Context, text string, opts schema.Options) (models.SessionCreated, error) {
	if strings.TrimSpace(text) == "" {
		r.metrics.RecordSessionRejected()
		return models.SessionCreated{}, fmt.Errorf("%w: sentence must not be empty", ErrValidation)
	}
	if err := r.validator.Validate(opts); err != nil {
		r.metrics.RecordSessionRejected()
		return models.SessionCreated{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	evalCfg := r.cfg.Evaluation
	if opts.ConfidenceThreshold != nil {
		evalCfg.ConfidenceThreshold = *opts.ConfidenceThreshold
	}
	if opts.MinTimeBetweenEvals != nil {
		evalCfg.MinInterval = *opts.MinTimeBetweenEvals
	}

	id := r.ids.Next()
	now := r.clock()
	model := sentence.NewWithClock(text, r.clock)
	trk := tracker.New(model, r.scorer.Vocabulary(), r.cfg.Tracker)
	buf := audio.NewBuffer(r.cfg.Audio)

	var progress evaluation.ProgressPublisher
	if r.publisher != nil {
		progress = r.publisher
	}
	s := &Session{
		ID:           id,
		Sentence:     text,
		CreatedAt:    now,
		lifecycle:    NewLifecycle(id),
		buffer:       buf,
		model:        model,
		tracker:      trk,
		lastActivity: now,
		controller: evaluation.NewController(id, evalCfg, evaluation.Deps{
			Buffer:    buf,
			Model:     model,
			Tracker:   trk,
			Scorer:    r.scorer,
			Publisher: progress,
			Metrics:   r.metrics,
			Clock:     r.clock,
		}),
	}
	trk.Start()

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.metrics.RecordSessionCreated()
	logger := logging.WithSession(id)
	logger.Info().
		Int("blocks", model.Len()).
		Float64("confidenceThreshold", evalCfg.ConfidenceThreshold).
		Dur("minInterval", evalCfg.MinInterval).
		Msg("Session created")

	return models.SessionCreated{
		SessionID: id,
		Status:    models.StatusInitialized,
		Sentence:  text,
		Blocks:    model.Len(),
	}, nil
}

func (r *Registry) get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// acquire looks up a live session and records activity on it. Both happen
// under the registry lock so the reaper never closes a session between them.
func (r *Registry) acquire(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if ok {
		s.touch(r.clock())
	}
	return s, ok
}

// Evaluate pushes chunk into the session and runs an evaluation pass.
func (r *Registry) Evaluate(ctx context.Context, id string, chunk []byte) (models.EvaluationResponse, error) {
	s, ok := r.acquire(id)
	if !ok {
		return models.EvaluationResponse{}, ErrSessionNotFound
	}
	if err := s.lifecycle.Activate(); err != nil {
		return models.EvaluationResponse{}, ErrSessionNotFound
	}

	r.metrics.RecordAudioReceived(len(chunk))
	s.buffer.Push(chunk)

	ev := s.controller.Process(ctx)

	// A close that raced this pass wins; the result is discarded.
	if s.lifecycle.IsClosed() {
		return models.EvaluationResponse{}, ErrSessionNotFound
	}
	s.touch(r.clock())

	res := ev.Result
	return models.EvaluationResponse{
		SessionID: id,
		Status:    ev.Status,
		Result:    &res,
		Error:     res.Error,
	}, nil
}

// Status reports a session's progress without consuming audio.
func (r *Registry) Status(id string) (models.StatusResponse, error) {
	s, ok := r.get(id)
	if !ok || s.lifecycle.IsClosed() {
		return models.StatusResponse{}, ErrSessionNotFound
	}

	summary := s.controller.Summary()
	return models.StatusResponse{
		SessionID:    id,
		CreatedAt:    s.CreatedAt.Unix(),
		LastActivity: s.LastActivity().Unix(),
		CurrentProgress: models.Progress{
			ActiveBlock:  s.tracker.Pointer(),
			TotalBlocks:  s.model.Len(),
			OverallScore: summary.Overall,
		},
		AllCompleted: s.model.AllConfirmed(),
	}, nil
}

// Close releases a session. Closing an unknown or already-closed session is
// reported through alreadyClosed and is not an error.
func (r *Registry) Close(ctx context.Context, id string) (resp models.CloseResponse, alreadyClosed bool) {
	resp = models.CloseResponse{Status: models.StatusSessionClosed, SessionID: id}
	if !r.closeSession(ctx, id, ReasonExplicit, nil) {
		return resp, true
	}
	return resp, false
}

// closeSession removes and finalizes a session. When keep is non-nil it is
// evaluated under the write lock and a true result leaves the session alive.
func (r *Registry) closeSession(ctx context.Context, id, reason string, keep func(*Session) bool) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok && keep != nil && keep(s) {
		ok = false
	} else if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok || !s.lifecycle.Close() {
		return false
	}

	now := r.clock()
	result := s.controller.Summary()
	completed := s.model.AllConfirmed()
	logger := logging.WithSession(id)

	if r.publisher != nil {
		ev := models.EvaluationFinal{
			EventType:    models.EventTypeFinal,
			SessionID:    id,
			Timestamp:    now.UnixMilli(),
			Sentence:     s.Sentence,
			Reason:       reason,
			AllCompleted: completed,
			Result:       &result,
		}
		if err := r.publisher.PublishFinal(ctx, id, ev); err != nil {
			logger.Warn().Err(err).Msg("Failed to publish final event")
		}
	}

	if r.store != nil {
		payload, err := json.Marshal(result)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to encode final result")
		}
		rec := store.Record{
			SessionID:    id,
			Sentence:     s.Sentence,
			Reason:       reason,
			AllCompleted: completed,
			Overall:      result.Overall,
			Result:       payload,
			CreatedAt:    s.CreatedAt,
			ClosedAt:     now,
		}
		if err := r.store.Archive(ctx, rec); err != nil {
			logger.Error().Err(err).Msg("Failed to archive session result")
		}
	}

	s.buffer.Reset()
	lifetime := now.Sub(s.CreatedAt).Seconds()
	r.metrics.RecordSessionClosed(reason, lifetime)
	if completed {
		r.metrics.RecordFinalScore(result.Overall)
	}
	logger.Info().
		Str("reason", reason).
		Bool("allCompleted", completed).
		Float64("overall", result.Overall).
		Int("passes", s.controller.Passes()).
		Float64("lifetimeSeconds", lifetime).
		Msg("Session closed")
	return true
}

// ReapIdle closes sessions idle longer than the idle timeout and returns how
// many were closed.
func (r *Registry) ReapIdle(ctx context.Context) int {
	now := r.clock()

	r.mu.RLock()
	var idle []string
	for id, s := range r.sessions {
		if now.Sub(s.LastActivity()) > r.cfg.IdleTimeout {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	// Activity between the scan and the close keeps the session.
	active := func(s *Session) bool {
		return r.clock().Sub(s.LastActivity()) <= r.cfg.IdleTimeout
	}
	reaped := 0
	for _, id := range idle {
		if r.closeSession(ctx, id, ReasonIdle, active) {
			reaped++
		}
	}
	if reaped > 0 {
		r.logger.Info().Int("reaped", reaped).Int("live", r.Count()).Msg("Reaped idle sessions")
	}
	return reaped
}

// CloseAll closes every live session with reason.
func (r *Registry) CloseAll(ctx context.Context, reason string) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	closed := 0
	for _, id := range ids {
		if r.closeSession(ctx, id, reason, nil) {
			closed++
		}
	}
	return closed
}

// Start launches the idle reaper. It runs until Stop is called or ctx is done.
func (r *Registry) Start(ctx context.Context) {
	r.reapMu.Lock()
	defer r.reapMu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(r.cfg.ReapInterval)
		defer ticker.Stop()

		r.logger.Info().
			Dur("interval", r.cfg.ReapInterval).
			Dur("idleTimeout", r.cfg.IdleTimeout).
			Msg("Session reaper started")
		for {
			select {
			case <-ctx.Done():
				r.logger.Info().Msg("Session reaper stopped")
				return
			case <-ticker.C:
				r.ReapIdle(ctx)
			}
		}
	}(r.done)
}

// Stop halts the reaper and waits for it to exit.
func (r *Registry) Stop() {
	r.reapMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.reapMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
