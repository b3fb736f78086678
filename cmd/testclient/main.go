package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"realtime-pronunciation-service/internal/models"
)

// Smoke test for the HTTP API: creates a session, streams a synthetic tone
// over the WebSocket endpoint and closes the session.
func main() {
	server := flag.String("server", "http://localhost:8080", "HTTP API base URL")
	sentence := flag.String("sentence", "안녕 하세요", "reference sentence")
	chunks := flag.Int("chunks", 20, "number of 100ms tone chunks to send")
	flag.Parse()

	body, _ := json.Marshal(models.CreateSessionRequest{Sentence: *sentence})
	resp, err := http.Post(*server+"/v1/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("failed to create session: %v", err)
	}
	var created models.SessionCreated
	err = json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusCreated {
		log.Fatalf("create session: status=%d err=%v", resp.StatusCode, err)
	}
	log.Printf("Created session %s (%d blocks)", created.SessionID, created.Blocks)

	wsURL := "ws" + strings.TrimPrefix(*server, "http") + "/v1/sessions/" + created.SessionID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Fatalf("failed to open stream: %v", err)
	}
	defer conn.Close()

	for i := 0; i < *chunks; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, toneChunk(i, 1600)); err != nil {
			log.Fatalf("failed to send chunk: %v", err)
		}
		var ev models.EvaluationResponse
		if err := conn.ReadJSON(&ev); err != nil {
			log.Fatalf("failed to read result: %v", err)
		}
		overall := 0.0
		if ev.Result != nil {
			overall = ev.Result.Overall
		}
		log.Printf("chunk %d: status=%s overall=%.1f", i+1, ev.Status, overall)
		if ev.Status == models.StatusCompleted {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("close")); err != nil {
		log.Fatalf("failed to close session: %v", err)
	}
	var closed models.CloseResponse
	if err := conn.ReadJSON(&closed); err != nil {
		log.Fatalf("failed to read close response: %v", err)
	}
	fmt.Printf("Session %s %s\n", closed.SessionID, closed.Status)
}

// toneChunk returns n samples of a 220 Hz tone as 16-bit PCM, continuing
// the phase of chunk index i.
func toneChunk(i, n int) []byte {
	out := make([]byte, 2*n)
	for k := 0; k < n; k++ {
		t := float64(i*n+k) / 16000
		v := int16(0.3 * math.MaxInt16 * math.Sin(2*math.Pi*220*t))
		binary.LittleEndian.PutUint16(out[2*k:], uint16(v))
	}
	return out
}
