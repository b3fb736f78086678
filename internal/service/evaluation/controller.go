// Package evaluation coordinates one session's evaluation passes: it pulls
// the audio window, runs the acoustic scorer, feeds decoded evidence to the
// progress tracker and composes the scored result.
package evaluation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"realtime-pronunciation-service/internal/models"
	"realtime-pronunciation-service/internal/observability/logging"
	"realtime-pronunciation-service/internal/observability/metrics"
	"realtime-pronunciation-service/internal/service/audio"
	"realtime-pronunciation-service/internal/service/scorer"
	"realtime-pronunciation-service/internal/service/sentence"
	"realtime-pronunciation-service/internal/service/tracker"
)

const tracerName = "realtime-pronunciation-service/evaluation"

// Config holds per-session evaluation settings.
type Config struct {
	ConfidenceThreshold float64
	MinInterval         time.Duration
}

// DefaultConfig returns the evaluation defaults.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.7,
		MinInterval:         500 * time.Millisecond,
	}
}

// ProgressPublisher receives progress events after real evaluations.
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, key string, event any) error
}

// Deps are the collaborators of a Controller. Metrics, Publisher and Clock
// are optional.
type Deps struct {
	Buffer    *audio.Buffer
	Model     *sentence.Model
	Tracker   *tracker.Tracker
	Scorer    scorer.Scorer
	Publisher ProgressPublisher
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

// Evaluation is the outcome of one Process call.
type Evaluation struct {
	Status    string
	Result    models.Result
	Throttled bool
	Update    tracker.Update
}

// Controller runs evaluation passes for one session.
// At most one pass runs at a time; concurrent callers wait.
type Controller struct {
	sessionId string
	cfg       Config

	buffer    *audio.Buffer
	model     *sentence.Model
	tracker   *tracker.Tracker
	scorer    scorer.Scorer
	publisher ProgressPublisher
	metrics   *metrics.Metrics
	clock     func() time.Time
	tracer    trace.Tracer
	logger    zerolog.Logger

	mu       sync.Mutex
	lastEval time.Time
	last     Evaluation
	passes   int
}

// NewController creates a controller for sessionId.
func NewController(sessionId string, cfg Config, deps Deps) *Controller {
	if deps.Metrics == nil {
		deps.Metrics = metrics.DefaultMetrics
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	c := &Controller{
		sessionId: sessionId,
		cfg:       cfg,
		buffer:    deps.Buffer,
		model:     deps.Model,
		tracker:   deps.Tracker,
		scorer:    deps.Scorer,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		tracer:    otel.Tracer(tracerName),
		logger: logging.WithSession(sessionId).With().
			Str("component", "evaluation").
			Logger(),
	}
	c.last = Evaluation{Status: models.StatusInProgress, Result: c.compose()}
	return c
}

// Config returns the controller configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// AllBlocksEvaluated reports whether every block is confirmed.
func (c *Controller) AllBlocksEvaluated() bool {
	return c.model.AllConfirmed()
}

// Passes returns the number of non-throttled evaluation passes run.
func (c *Controller) Passes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.passes
}

// Summary composes the current result from block state without consuming audio.
func (c *Controller) Summary() models.Result {
	return c.compose()
}

// Process runs one evaluation pass over the buffered audio.
func (c *Controller) Process(ctx context.Context) Evaluation {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.model.AllConfirmed() {
		c.metrics.RecordEvaluation(metrics.OutcomeCompleted)
		c.last = Evaluation{Status: models.StatusCompleted, Result: c.compose()}
		return c.last
	}

	now := c.clock()
	if !c.lastEval.IsZero() && now.Sub(c.lastEval) < c.cfg.MinInterval {
		c.metrics.RecordEvaluation(metrics.OutcomeThrottled)
		out := c.last
		out.Throttled = true
		out.Update = tracker.Update{Activated: -1, Pointer: c.tracker.Pointer()}
		return out
	}
	c.lastEval = now
	c.passes++

	ctx, span := c.tracer.Start(ctx, "evaluation.process",
		trace.WithAttributes(attribute.String("session.id", c.sessionId)))
	defer span.End()

	start := time.Now()
	out, outcome := c.evaluate(ctx)
	c.metrics.RecordEvaluationDuration(time.Since(start).Seconds())
	c.metrics.RecordEvaluation(outcome)

	span.SetAttributes(
		attribute.String("evaluation.outcome", outcome),
		attribute.Int("evaluation.pointer", out.Update.Pointer),
		attribute.Float64("evaluation.overall", out.Result.Overall),
	)
	if out.Result.Error != "" {
		span.SetStatus(codes.Error, out.Result.Error)
	}

	c.last = out
	c.publishProgress(ctx, out)
	return out
}

func (c *Controller) evaluate(ctx context.Context) (Evaluation, string) {
	window, err := c.buffer.ConsumeWindow()
	if errors.Is(err, audio.ErrNoSignal) {
		c.logger.Debug().
			Float64("bufferSeconds", c.buffer.Duration()).
			Msg("No speech in window")
		return Evaluation{
			Status: models.StatusNoValidAudio,
			Result: models.Result{
				ResourceVersion: models.ResourceVersion,
				Words:           []models.Word{},
			},
			Update: tracker.Update{Activated: -1, Pointer: c.tracker.Pointer()},
		}, metrics.OutcomeNoSignal
	}

	inferCtx, span := c.tracer.Start(ctx, "scorer.infer",
		trace.WithAttributes(
			attribute.String("scorer.name", c.scorer.Name()),
			attribute.Int("audio.samples", len(window)),
		))
	inferStart := time.Now()
	posteriors, err := c.scorer.Infer(inferCtx, window)
	c.metrics.RecordInference(c.scorer.Name(), err, time.Since(inferStart).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()

		c.logger.Error().Err(err).Str("scorer", c.scorer.Name()).Msg("Inference failed")
		res := c.compose()
		res.Error = err.Error()
		return Evaluation{
			Status: models.StatusInProgress,
			Result: res,
			Update: tracker.Update{Activated: -1, Pointer: c.tracker.Pointer()},
		}, metrics.OutcomeError
	}
	span.SetAttributes(attribute.Int("scorer.frames", posteriors.Frames))
	span.End()

	update := c.tracker.Observe(tracker.Evidence{
		Tokens:     scorer.Decode(posteriors, c.scorer.Vocabulary(), c.cfg.ConfidenceThreshold),
		Posteriors: posteriors,
		FirstFrame: c.buffer.WindowStart() / scorer.FrameSamples,
	})
	if n := len(update.Confirmed); n > 0 {
		c.metrics.RecordBlocksConfirmed(n)
		c.logger.Info().
			Ints("confirmed", update.Confirmed).
			Int("pointer", update.Pointer).
			Int("totalBlocks", c.model.Len()).
			Msg("Blocks confirmed")
	}

	status := models.StatusInProgress
	if c.model.AllConfirmed() {
		status = models.StatusCompleted
	}
	return Evaluation{Status: status, Result: c.compose(), Update: update}, metrics.OutcomeScored
}

// compose builds a result from the block model. The overall score is the
// mean over all blocks with unconfirmed blocks counting as zero.
func (c *Controller) compose() models.Result {
	scores := c.model.Scores()
	overall := tracker.Round1(scores.Mean)

	words := []models.Word{}
	for _, b := range c.model.Blocks() {
		if b.Status != sentence.StatusConfirmed {
			continue
		}
		words = append(words, models.Word{
			Word:   b.Text,
			Scores: models.WordScores{Pronunciation: tracker.Round1(b.Score)},
		})
	}

	res := models.Result{
		Overall:         overall,
		Pronunciation:   overall,
		ResourceVersion: models.ResourceVersion,
		Words:           words,
		EOF:             c.model.AllConfirmed(),
	}
	if res.EOF {
		final := overall
		res.FinalScore = &final
		res.Details = &models.Details{
			TotalBlocks:    c.model.Len(),
			CompletionTime: c.clock().Unix(),
			ScoreBreakdown: models.ScoreBreakdown{
				MinScore: tracker.Round1(scores.Min),
				MaxScore: tracker.Round1(scores.Max),
			},
		}
	}
	return res
}

func (c *Controller) publishProgress(ctx context.Context, out Evaluation) {
	if c.publisher == nil {
		return
	}
	ev := models.EvaluationProgress{
		EventType:   models.EventTypeProgress,
		SessionID:   c.sessionId,
		Timestamp:   c.clock().UnixMilli(),
		Status:      out.Status,
		ActiveBlock: out.Update.Pointer,
		TotalBlocks: c.model.Len(),
		Overall:     out.Result.Overall,
		Confirmed:   out.Update.Confirmed,
	}
	if err := c.publisher.PublishProgress(ctx, c.sessionId, ev); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to publish progress event")
	}
}
