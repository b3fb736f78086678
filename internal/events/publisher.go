// Package events publishes evaluation progress and final results to Kafka.
package events

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"realtime-pronunciation-service/internal/observability/metrics"
)

// Header keys set on every published message.
const (
	HeaderEventType = "eventType"
	HeaderSessionID = "sessionId"
	HeaderPrincipal = "principal"
)

// attributed events contribute extra headers derived from their payload.
type attributed interface {
	Attributes() map[string]string
}

// Publisher writes evaluation events for a session to the progress and final
// topics. Both topics share one writer; messages are keyed by session id and
// hashed so every event of a session lands on the same partition in order.
type Publisher struct {
	writer        *kafka.Writer
	principal     string
	topicProgress string
	topicFinal    string
	enabled       bool
	metrics       *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers       []string
	TopicProgress string
	TopicFinal    string
	Principal     string
	Enabled       bool
}

// New creates a publisher. A nil config, a disabled config or an empty broker
// list yields a log-only publisher.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{metrics: m}
	}

	p := &Publisher{
		principal:     cfg.Principal,
		topicProgress: cfg.TopicProgress,
		topicFinal:    cfg.TopicFinal,
		metrics:       m,
	}
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution inside Kubernetes.
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	// Topic is set per message.
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicProgress", cfg.TopicProgress).
		Str("topicFinal", cfg.TopicFinal).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return p
}

// Enabled reports whether events go to Kafka rather than the log.
func (p *Publisher) Enabled() bool {
	return p.enabled
}

// PublishProgress publishes an evaluation progress event for session key.
func (p *Publisher) PublishProgress(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.topicProgress, "progress", key, event)
}

// PublishFinal publishes a session's final result.
func (p *Publisher) PublishFinal(ctx context.Context, key string, event any) error {
	return p.publish(ctx, p.topicFinal, "final", key, event)
}

func (p *Publisher) publish(ctx context.Context, topic, eventType, key string, event any) error {
	start := time.Now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Str("sessionId", key).Msg("Failed to marshal event")
		return err
	}

	msg := p.message(topic, eventType, key, payload, event)

	log.Debug().
		Str("topic", topic).
		Str("sessionId", key).
		Int("headers", len(msg.Headers)).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || p.writer == nil {
		p.metrics.RecordKafkaPublish(topic, eventType, nil, time.Since(start).Seconds())
		return nil
	}

	err = p.writer.WriteMessages(ctx, msg)
	if err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("sessionId", key).
			Msg("Failed to write to Kafka")
	}
	p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(start).Seconds())
	return err
}

// message builds the Kafka message for an event. Event attributes follow the
// fixed headers in key order.
func (p *Publisher) message(topic, eventType, key string, payload []byte, event any) kafka.Message {
	headers := []kafka.Header{
		{Key: HeaderEventType, Value: []byte(eventType)},
		{Key: HeaderSessionID, Value: []byte(key)},
		{Key: HeaderPrincipal, Value: []byte(p.principal)},
	}
	if a, ok := event.(attributed); ok {
		attrs := a.Attributes()
		names := make([]string, 0, len(attrs))
		for k := range attrs {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			headers = append(headers, kafka.Header{Key: k, Value: []byte(attrs[k])})
		}
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   payload,
		Headers: headers,
	}
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing Kafka writer")
		return err
	}
	return nil
}
