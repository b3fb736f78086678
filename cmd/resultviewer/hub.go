package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"realtime-pronunciation-service/internal/models"
)

// Event is the flattened view of a progress or final event.
type Event struct {
	EventType    string  `json:"eventType"`
	SessionID    string  `json:"sessionId"`
	Timestamp    int64   `json:"timestamp"`
	Status       string  `json:"status,omitempty"`
	ActiveBlock  int     `json:"activeBlock,omitempty"`
	TotalBlocks  int     `json:"totalBlocks,omitempty"`
	Overall      float64 `json:"overall"`
	Sentence     string  `json:"sentence,omitempty"`
	Reason       string  `json:"reason,omitempty"`
	AllCompleted bool    `json:"allCompleted,omitempty"`
}

func decodeEvent(raw []byte) (Event, error) {
	var head struct {
		EventType string `json:"eventType"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Event{}, err
	}

	switch head.EventType {
	case models.EventTypeProgress:
		var p models.EvaluationProgress
		if err := json.Unmarshal(raw, &p); err != nil {
			return Event{}, err
		}
		return Event{
			EventType:   p.EventType,
			SessionID:   p.SessionID,
			Timestamp:   p.Timestamp,
			Status:      p.Status,
			ActiveBlock: p.ActiveBlock,
			TotalBlocks: p.TotalBlocks,
			Overall:     p.Overall,
		}, nil
	case models.EventTypeFinal:
		var f models.EvaluationFinal
		if err := json.Unmarshal(raw, &f); err != nil {
			return Event{}, err
		}
		ev := Event{
			EventType:    f.EventType,
			SessionID:    f.SessionID,
			Timestamp:    f.Timestamp,
			Status:       models.StatusSessionClosed,
			Sentence:     f.Sentence,
			Reason:       f.Reason,
			AllCompleted: f.AllCompleted,
		}
		if f.Result != nil {
			ev.Overall = f.Result.Overall
		}
		return ev, nil
	default:
		return Event{}, errors.New("unknown event type " + head.EventType)
	}
}

// Client receives broadcast events.
type Client interface {
	WriteJSON(v any) error
	Close() error
}

// Hub manages WebSocket connections and keeps a short replay history.
type Hub struct {
	broadcast chan Event

	mu      sync.RWMutex
	clients map[Client]bool
	recent  []Event
	keep    int
}

func newHub(keep int) *Hub {
	return &Hub{
		clients:   make(map[Client]bool),
		broadcast: make(chan Event, 100),
		keep:      keep,
	}
}

// Register adds a client and replays recent events to it.
func (h *Hub) Register(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
	for _, ev := range h.recent {
		if err := c.WriteJSON(ev); err != nil {
			delete(h.clients, c)
			c.Close()
			return
		}
	}
	log.Info().Int("clients", len(h.clients)).Msg("Client connected")
}

// Unregister removes and closes a client.
func (h *Hub) Unregister(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.Close()
	}
	log.Info().Int("clients", len(h.clients)).Msg("Client disconnected")
}

// Publish queues an event for broadcast.
func (h *Hub) Publish(ev Event) {
	h.broadcast <- ev
}

// Recent returns the replay history, oldest first.
func (h *Hub) Recent() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Event(nil), h.recent...)
}

// Run broadcasts queued events until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) deliver(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.recent = append(h.recent, ev)
	if len(h.recent) > h.keep {
		h.recent = h.recent[len(h.recent)-h.keep:]
	}
	for c := range h.clients {
		if err := c.WriteJSON(ev); err != nil {
			log.Warn().Err(err).Msg("Write error")
			c.Close()
			delete(h.clients, c)
		}
	}
}
