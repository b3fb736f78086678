// Result Viewer - live pronunciation evaluation feed.
// Consumes the progress and final topics from Kafka and fans events out to
// WebSocket clients.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"realtime-pronunciation-service/internal/models"
	"realtime-pronunciation-service/internal/observability/logging"
)

var (
	port          string
	brokers       string
	topicProgress string
	topicFinal    string
	lookback      time.Duration
)

func main() {
	cmd := &cobra.Command{
		Use:          "resultviewer",
		Short:        "Stream evaluation events from Kafka to WebSocket clients",
		SilenceUsage: true,
		RunE:         run,
	}
	cmd.Flags().StringVar(&port, "port", "8081", "HTTP server port")
	cmd.Flags().StringVar(&brokers, "brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	cmd.Flags().StringVar(&topicProgress, "topic-progress", models.EventTypeProgress, "progress event topic")
	cmd.Flags().StringVar(&topicFinal, "topic-final", models.EventTypeFinal, "final event topic")
	cmd.Flags().DurationVar(&lookback, "lookback", time.Hour, "replay events newer than this")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	lc := logging.DefaultConfig()
	lc.Format = "console"
	lc.Service = "resultviewer"
	logging.Init(lc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := newHub(100)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(hub))
	mux.HandleFunc("/recent", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(hub.Recent())
	})
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	log.Info().
		Str("port", port).
		Str("brokers", brokers).
		Strs("topics", []string{topicProgress, topicFinal}).
		Msg("Result viewer starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { hub.Run(gctx); return nil })
	for _, topic := range []string{topicProgress, topicFinal} {
		g.Go(func() error { return consumeKafka(gctx, hub, topic) })
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local dev
	},
}

func wsHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("WebSocket upgrade error")
			return
		}
		hub.Register(conn)

		// Keep connection alive, handle disconnects
		go func() {
			defer hub.Unregister(conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

func consumeKafka(ctx context.Context, hub *Hub, topic string) error {
	// Partition reader without consumer group (works through port-forward)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   strings.Split(brokers, ","),
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if err := reader.SetOffsetAt(ctx, time.Now().Add(-lookback)); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Failed to seek, reading from current offset")
	}
	log.Info().Str("topic", topic).Dur("lookback", lookback).Msg("Consuming from Kafka")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Str("topic", topic).Msg("Kafka read error")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		ev, err := decodeEvent(msg.Value)
		if err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Skipping malformed event")
			continue
		}
		log.Info().
			Str("eventType", ev.EventType).
			Str("sessionId", ev.SessionID).
			Float64("overall", ev.Overall).
			Msg("Received event")
		hub.Publish(ev)
	}
}
