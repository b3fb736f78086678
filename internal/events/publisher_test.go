package events

import (
	"context"
	"testing"

	"realtime-pronunciation-service/internal/models"
)

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"disabled", &Config{Enabled: false, Brokers: []string{"localhost:9092"}}},
		{"no brokers", &Config{Enabled: true, Brokers: []string{}}},
		{"empty brokers", &Config{Enabled: true, Brokers: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.enabled {
				t.Error("expected publisher to be disabled")
			}
			if p.writer != nil {
				t.Error("expected nil writer when disabled")
			}
		})
	}
}

func TestNew_ConfigValues(t *testing.T) {
	cfg := &Config{
		Enabled:       false,
		Brokers:       []string{"localhost:9092"},
		TopicProgress: "test.progress",
		TopicFinal:    "test.final",
		Principal:     "test-principal",
	}

	p := New(cfg)

	if p.principal != "test-principal" {
		t.Errorf("expected principal 'test-principal', got %s", p.principal)
	}
	if p.topicProgress != "test.progress" {
		t.Errorf("expected topic progress 'test.progress', got %s", p.topicProgress)
	}
	if p.topicFinal != "test.final" {
		t.Errorf("expected topic final 'test.final', got %s", p.topicFinal)
	}
}

func TestPublisher_PublishProgress_Disabled(t *testing.T) {
	p := New(&Config{Enabled: false})

	event := map[string]string{"text": "test progress"}
	err := p.PublishProgress(context.Background(), "test-key", event)

	if err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
}

func TestPublisher_PublishFinal_Disabled(t *testing.T) {
	p := New(&Config{Enabled: false})

	event := map[string]string{"text": "test final"}
	err := p.PublishFinal(context.Background(), "test-key", event)

	if err != nil {
		t.Errorf("expected no error when disabled, got %v", err)
	}
}

func TestPublisher_PublishProgress_InvalidJSON(t *testing.T) {
	p := New(&Config{Enabled: false})

	// Create an unmarshalable value (channel)
	event := make(chan int)
	err := p.PublishProgress(context.Background(), "test-key", event)

	if err == nil {
		t.Error("expected error for unmarshalable event")
	}
}

func TestPublisher_PublishFinal_InvalidJSON(t *testing.T) {
	p := New(&Config{Enabled: false})

	// Create an unmarshalable value (channel)
	event := make(chan int)
	err := p.PublishFinal(context.Background(), "test-key", event)

	if err == nil {
		t.Error("expected error for unmarshalable event")
	}
}

func TestPublisher_Close_NoWriters(t *testing.T) {
	p := New(&Config{Enabled: false})

	err := p.Close()
	if err != nil {
		t.Errorf("expected no error closing disabled publisher, got %v", err)
	}
}

func TestPublisher_Close_NilWriter(t *testing.T) {
	p := &Publisher{}

	err := p.Close()
	if err != nil {
		t.Errorf("expected no error closing publisher with nil writers, got %v", err)
	}
}

func TestPublisher_PublishProgress_ValidEvent(t *testing.T) {
	p := New(&Config{
		Enabled:       false,
		TopicProgress: "test.progress",
		Principal:     "test-svc",
	})

	event := models.EvaluationProgress{
		EventType:   models.EventTypeProgress,
		SessionID:   "sess-123",
		Status:      models.StatusInProgress,
		TotalBlocks: 2,
		Overall:     45,
	}

	err := p.PublishProgress(context.Background(), "sess-123", event)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestPublisher_PublishFinal_ValidEvent(t *testing.T) {
	p := New(&Config{
		Enabled:    false,
		TopicFinal: "test.final",
		Principal:  "test-svc",
	})

	event := models.EvaluationFinal{
		EventType:    models.EventTypeFinal,
		SessionID:    "sess-123",
		Sentence:     "안녕 하세요",
		Reason:       "explicit",
		AllCompleted: true,
		Result:       &models.Result{Overall: 90, Pronunciation: 90, EOF: true},
	}

	err := p.PublishFinal(context.Background(), "sess-123", event)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestPublisher_Enabled(t *testing.T) {
	if New(nil).Enabled() {
		t.Error("expected nil config to be disabled")
	}
	if New(&Config{Enabled: true, Brokers: nil}).Enabled() {
		t.Error("expected no brokers to be disabled")
	}
}

func TestPublisher_MessageHeaders(t *testing.T) {
	p := New(&Config{
		TopicProgress: "test.progress",
		TopicFinal:    "test.final",
		Principal:     "test-svc",
	})

	tests := []struct {
		name    string
		topic   string
		kind    string
		event   any
		headers [][2]string
	}{
		{
			name:  "progress",
			topic: "test.progress",
			kind:  "progress",
			event: models.EvaluationProgress{SessionID: "sess-1", Status: models.StatusInProgress, ActiveBlock: 1},
			headers: [][2]string{
				{HeaderEventType, "progress"},
				{HeaderSessionID, "sess-1"},
				{HeaderPrincipal, "test-svc"},
				{"activeBlock", "1"},
				{"status", models.StatusInProgress},
			},
		},
		{
			name:  "final",
			topic: "test.final",
			kind:  "final",
			event: models.EvaluationFinal{SessionID: "sess-1", Reason: "idle", AllCompleted: false},
			headers: [][2]string{
				{HeaderEventType, "final"},
				{HeaderSessionID, "sess-1"},
				{HeaderPrincipal, "test-svc"},
				{"allCompleted", "false"},
				{"reason", "idle"},
			},
		},
		{
			name:  "plain payload",
			topic: "test.progress",
			kind:  "progress",
			event: map[string]string{"text": "x"},
			headers: [][2]string{
				{HeaderEventType, "progress"},
				{HeaderSessionID, "sess-1"},
				{HeaderPrincipal, "test-svc"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := p.message(tt.topic, tt.kind, "sess-1", []byte("{}"), tt.event)
			if msg.Topic != tt.topic {
				t.Errorf("expected topic %s, got %s", tt.topic, msg.Topic)
			}
			if string(msg.Key) != "sess-1" {
				t.Errorf("expected session key, got %s", msg.Key)
			}
			if len(msg.Headers) != len(tt.headers) {
				t.Fatalf("expected %d headers, got %d", len(tt.headers), len(msg.Headers))
			}
			for i, want := range tt.headers {
				got := msg.Headers[i]
				if got.Key != want[0] || string(got.Value) != want[1] {
					t.Errorf("header %d: expected %s=%s, got %s=%s", i, want[0], want[1], got.Key, got.Value)
				}
			}
		})
	}
}
