package session

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"realtime-pronunciation-service/internal/config"
	"realtime-pronunciation-service/internal/models"
	"realtime-pronunciation-service/internal/observability/metrics"
	"realtime-pronunciation-service/internal/schema"
	"realtime-pronunciation-service/internal/service/scorer/mock"
	"realtime-pronunciation-service/internal/service/sentence"
	"realtime-pronunciation-service/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakePublisher records published events by kind.
type fakePublisher struct {
	mu       sync.Mutex
	progress []models.EvaluationProgress
	final    []models.EvaluationFinal
}

func (p *fakePublisher) PublishProgress(ctx context.Context, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = append(p.progress, event.(models.EvaluationProgress))
	return nil
}

func (p *fakePublisher) PublishFinal(ctx context.Context, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.final = append(p.final, event.(models.EvaluationFinal))
	return nil
}

type fakeArchiver struct {
	mu      sync.Mutex
	records []store.Record
}

func (a *fakeArchiver) Archive(ctx context.Context, rec store.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

// speech returns PCM long enough for the mock scorer to reveal n labels.
func speech(labels int) []byte {
	n := labels * mock.DefaultFramesPerLabel * mock.SamplesPerFrame
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		v := 0.3 * math.Sin(2*math.Pi*220*float64(i)/16000)
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v*32767)))
	}
	return out
}

type harness struct {
	reg   *Registry
	clock *fakeClock
	pub   *fakePublisher
	arch  *fakeArchiver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ms, err := mock.New("안녕 하세요", 0)
	if err != nil {
		t.Fatalf("mock.New: %v", err)
	}
	h := &harness{
		clock: &fakeClock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)},
		pub:   &fakePublisher{},
		arch:  &fakeArchiver{},
	}
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Minute
	h.reg = NewRegistry(cfg, Deps{
		Scorer:    ms,
		Publisher: h.pub,
		Store:     h.arch,
		Metrics:   metrics.NewMetrics(prometheus.NewRegistry()),
		Clock:     h.clock.Now,
	})
	return h
}

func TestRegistry_CreateSession(t *testing.T) {
	h := newHarness(t)

	created, err := h.reg.CreateSession(context.Background(), "안녕 하세요", schema.Options{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if created.Status != models.StatusInitialized || created.Blocks != 2 || created.Sentence != "안녕 하세요" {
		t.Errorf("unexpected response %+v", created)
	}
	if created.SessionID == "" {
		t.Error("expected session id")
	}
	if h.reg.Count() != 1 {
		t.Errorf("expected 1 live session, got %d", h.reg.Count())
	}
}

func TestRegistry_CreateSessionValidation(t *testing.T) {
	bad := 1.5
	tests := []struct {
		name string
		req  models.CreateSessionRequest
	}{
		{"empty sentence", models.CreateSessionRequest{Sentence: ""}},
		{"blank sentence", models.CreateSessionRequest{Sentence: "   "}},
		{"unknown option", models.CreateSessionRequest{Sentence: "안녕", Options: map[string]any{"speed": 1.0}}},
		{"threshold out of range", models.CreateSessionRequest{Sentence: "안녕", Options: map[string]any{"confidence_threshold": bad}}},
		{"non-numeric interval", models.CreateSessionRequest{Sentence: "안녕", Options: map[string]any{"min_time_between_evals": "fast"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.reg.CreateSessionFromRequest(context.Background(), tt.req)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
			if h.reg.Count() != 0 {
				t.Errorf("expected no session, got %d", h.reg.Count())
			}
		})
	}
}

func TestRegistry_OptionsOverrideDefaults(t *testing.T) {
	h := newHarness(t)
	created, err := h.reg.CreateSessionFromRequest(context.Background(), models.CreateSessionRequest{
		Sentence: "안녕 하세요",
		Options:  map[string]any{"confidence_threshold": 0.5, "min_time_between_evals": 0.0},
	})
	if err != nil {
		t.Fatalf("CreateSessionFromRequest: %v", err)
	}

	s, _ := h.reg.get(created.SessionID)
	cfg := s.controller.Config()
	if cfg.ConfidenceThreshold != 0.5 || cfg.MinInterval != 0 {
		t.Errorf("expected overrides applied, got %+v", cfg)
	}
}

func TestRegistry_GreetingScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, _ := h.reg.CreateSession(ctx, "안녕 하세요", schema.Options{})
	id := created.SessionID

	// Two seconds of silence first.
	resp, err := h.reg.Evaluate(ctx, id, make([]byte, 64000))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if resp.Status != models.StatusNoValidAudio {
		t.Fatalf("expected no_valid_audio for silence, got %s", resp.Status)
	}

	h.clock.Advance(time.Second)
	resp, err = h.reg.Evaluate(ctx, id, speech(2))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if resp.Status != models.StatusInProgress || resp.Result.Overall != 45 {
		t.Errorf("expected in_progress at 45, got %s %v", resp.Status, resp.Result.Overall)
	}
	if len(resp.Result.Words) != 1 || resp.Result.Words[0].Word != "안녕" || resp.Result.Words[0].Scores.Pronunciation != 90 {
		t.Errorf("expected first block scored 90, got %+v", resp.Result.Words)
	}
	s, _ := h.reg.get(id)
	blocks := s.model.Blocks()
	if blocks[0].Status != sentence.StatusConfirmed || blocks[1].Status != sentence.StatusPending {
		t.Errorf("expected [CONFIRMED PENDING], got [%v %v]", blocks[0].Status, blocks[1].Status)
	}

	status, err := h.reg.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.CurrentProgress.ActiveBlock != 1 || status.CurrentProgress.TotalBlocks != 2 || status.AllCompleted {
		t.Errorf("unexpected status %+v", status)
	}

	h.clock.Advance(time.Second)
	resp, err = h.reg.Evaluate(ctx, id, speech(4))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if resp.Status != models.StatusCompleted || !resp.Result.EOF || resp.Result.Overall != 90 {
		t.Errorf("expected completed at 90, got %s %+v", resp.Status, resp.Result)
	}
	if resp.Result.Details == nil || resp.Result.Details.TotalBlocks != 2 {
		t.Errorf("expected details, got %+v", resp.Result.Details)
	}

	status, _ = h.reg.Status(id)
	if !status.AllCompleted || status.CurrentProgress.ActiveBlock != 2 || status.CurrentProgress.OverallScore != 90 {
		t.Errorf("unexpected final status %+v", status)
	}
	if status.LastActivity != h.clock.Now().Unix() {
		t.Errorf("expected last activity %d, got %d", h.clock.Now().Unix(), status.LastActivity)
	}

	// A completed session answers completed on every further chunk.
	h.clock.Advance(time.Second)
	resp, _ = h.reg.Evaluate(ctx, id, speech(1))
	if resp.Status != models.StatusCompleted {
		t.Errorf("expected completed, got %s", resp.Status)
	}

	if len(h.pub.progress) != 3 {
		t.Errorf("expected 3 progress events, got %d", len(h.pub.progress))
	}
}

func TestRegistry_SilenceIsNoValidAudio(t *testing.T) {
	h := newHarness(t)
	created, _ := h.reg.CreateSession(context.Background(), "안녕 하세요", schema.Options{})

	resp, err := h.reg.Evaluate(context.Background(), created.SessionID, make([]byte, 6400))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if resp.Status != models.StatusNoValidAudio {
		t.Errorf("expected no_valid_audio, got %s", resp.Status)
	}
	if resp.Result == nil || resp.Result.Overall != 0 || resp.Result.EOF {
		t.Errorf("expected zero result, got %+v", resp.Result)
	}
}

func TestRegistry_UnknownSession(t *testing.T) {
	h := newHarness(t)

	if _, err := h.reg.Evaluate(context.Background(), "missing", speech(1)); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Evaluate: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := h.reg.Status("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Status: expected ErrSessionNotFound, got %v", err)
	}
	resp, already := h.reg.Close(context.Background(), "missing")
	if !already || resp.Status != models.StatusSessionClosed {
		t.Errorf("Close: expected already closed, got %+v %v", resp, already)
	}
}

func TestRegistry_DoubleClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, _ := h.reg.CreateSession(ctx, "안녕 하세요", schema.Options{})
	id := created.SessionID
	h.reg.Evaluate(ctx, id, speech(2))

	resp, already := h.reg.Close(ctx, id)
	if already || resp.Status != models.StatusSessionClosed || resp.SessionID != id {
		t.Errorf("unexpected first close %+v %v", resp, already)
	}
	if _, already := h.reg.Close(ctx, id); !already {
		t.Error("expected second close to report already closed")
	}

	if _, err := h.reg.Evaluate(ctx, id, speech(1)); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after close, got %v", err)
	}

	if len(h.pub.final) != 1 {
		t.Fatalf("expected 1 final event, got %d", len(h.pub.final))
	}
	final := h.pub.final[0]
	if final.Reason != ReasonExplicit || final.AllCompleted || final.Result.Overall != 45 {
		t.Errorf("unexpected final event %+v", final)
	}
	if len(h.arch.records) != 1 || h.arch.records[0].SessionID != id || h.arch.records[0].Overall != 45 {
		t.Errorf("unexpected archive %+v", h.arch.records)
	}
}

func TestRegistry_ReapIdle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stale, _ := h.reg.CreateSession(ctx, "안녕 하세요", schema.Options{})

	h.clock.Advance(45 * time.Second)
	fresh, _ := h.reg.CreateSession(ctx, "안녕", schema.Options{})

	h.clock.Advance(30 * time.Second)
	if n := h.reg.ReapIdle(ctx); n != 1 {
		t.Fatalf("expected 1 reaped, got %d", n)
	}

	if _, err := h.reg.Status(stale.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected reaped session not found, got %v", err)
	}
	if _, err := h.reg.Status(fresh.SessionID); err != nil {
		t.Errorf("expected fresh session alive, got %v", err)
	}
	if len(h.pub.final) != 1 || h.pub.final[0].Reason != ReasonIdle {
		t.Errorf("expected idle final event, got %+v", h.pub.final)
	}
}

func TestRegistry_ActivityDefersReap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, _ := h.reg.CreateSession(ctx, "안녕 하세요", schema.Options{})

	h.clock.Advance(50 * time.Second)
	h.reg.Evaluate(ctx, created.SessionID, speech(1))
	h.clock.Advance(50 * time.Second)

	if n := h.reg.ReapIdle(ctx); n != 0 {
		t.Errorf("expected no reap, got %d", n)
	}
}

func TestRegistry_ReapKeepsSessionTouchedAfterScan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, _ := h.reg.CreateSession(ctx, "안녕 하세요", schema.Options{})
	s, _ := h.reg.get(created.SessionID)
	h.clock.Advance(2 * time.Minute)

	// The session is idle when the reaper scans, then sees activity before
	// the reaper takes the write lock to close it.
	calls := 0
	h.reg.clock = func() time.Time {
		calls++
		if calls == 2 {
			s.touch(h.clock.Now())
		}
		return h.clock.Now()
	}

	if n := h.reg.ReapIdle(ctx); n != 0 {
		t.Errorf("expected no reap, got %d", n)
	}
	if _, err := h.reg.Status(created.SessionID); err != nil {
		t.Errorf("expected session alive, got %v", err)
	}
	if len(h.pub.final) != 0 {
		t.Errorf("expected no final event, got %d", len(h.pub.final))
	}
}

func TestRegistry_ReaperLoop(t *testing.T) {
	ms, _ := mock.New("안녕", 0)
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Nanosecond
	cfg.ReapInterval = 5 * time.Millisecond
	reg := NewRegistry(cfg, Deps{Scorer: ms, Metrics: metrics.NewMetrics(prometheus.NewRegistry())})

	created, _ := reg.CreateSession(context.Background(), "안녕", schema.Options{})
	reg.Start(context.Background())
	defer reg.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := reg.Status(created.SessionID); errors.Is(err, ErrSessionNotFound) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected reaper to close idle session")
}

func TestRegistry_StopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.reg.Stop()
	h.reg.Start(context.Background())
	h.reg.Start(context.Background())
	h.reg.Stop()
	h.reg.Stop()
}

func TestRegistry_ConcurrentSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := h.reg.CreateSession(ctx, "안녕 하세요", schema.Options{})
			if err != nil {
				errs <- err
				return
			}
			resp, err := h.reg.Evaluate(ctx, created.SessionID, speech(6))
			if err != nil {
				errs <- err
				return
			}
			if resp.Status != models.StatusCompleted {
				errs <- errors.New("expected completed, got " + resp.Status)
				return
			}
			h.reg.Close(ctx, created.SessionID)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if h.reg.Count() != 0 {
		t.Errorf("expected all sessions closed, got %d", h.reg.Count())
	}
}

func TestRegistry_CloseDuringEvaluate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		created, _ := h.reg.CreateSession(ctx, "안녕 하세요", schema.Options{})
		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			_, err := h.reg.Evaluate(ctx, id, speech(3))
			if err != nil && !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("unexpected error %v", err)
			}
		}(created.SessionID)
		go func(id string) {
			defer wg.Done()
			h.reg.Close(ctx, id)
		}(created.SessionID)
	}
	wg.Wait()
}

func TestRegistry_CloseRacesEvaluate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	chunk := speech(20)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		created, _ := h.reg.CreateSession(ctx, "안녕 하세요", schema.Options{})
		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			if _, err := h.reg.Evaluate(ctx, id, chunk); err != nil && !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("unexpected error %v", err)
			}
		}(created.SessionID)
		go func(id string) {
			defer wg.Done()
			h.reg.Close(ctx, id)
		}(created.SessionID)
	}
	wg.Wait()

	if h.reg.Count() != 0 {
		t.Errorf("expected all sessions closed, got %d", h.reg.Count())
	}
	if len(h.pub.final) != 200 {
		t.Errorf("expected 200 final events, got %d", len(h.pub.final))
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.reg.CreateSession(ctx, "안녕", schema.Options{})
	}

	if n := h.reg.CloseAll(ctx, ReasonShutdown); n != 3 {
		t.Errorf("expected 3 closed, got %d", n)
	}
	if h.reg.Count() != 0 {
		t.Errorf("expected no sessions, got %d", h.reg.Count())
	}
}

func TestConfigFrom(t *testing.T) {
	c := config.Default()
	c.Session.ConfidenceThreshold = 0.4
	c.Session.MinTimeBetweenEvals = 2 * time.Second
	c.Session.WindowSize = 5
	c.Audio.Channels = 2

	got := ConfigFrom(c)
	if got.Evaluation.ConfidenceThreshold != 0.4 || got.Evaluation.MinInterval != 2*time.Second {
		t.Errorf("unexpected evaluation config %+v", got.Evaluation)
	}
	if got.Tracker.WindowSize != 5 || got.Audio.Channels != 2 {
		t.Errorf("unexpected tracker/audio config %+v %+v", got.Tracker, got.Audio)
	}
	if got.IdleTimeout != time.Hour || got.ReapInterval != time.Minute {
		t.Errorf("unexpected reaper config %v %v", got.IdleTimeout, got.ReapInterval)
	}
}
