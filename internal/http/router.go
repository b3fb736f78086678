package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"realtime-pronunciation-service/internal/app"
	"realtime-pronunciation-service/internal/models"
	"realtime-pronunciation-service/internal/observability/logging"
	"realtime-pronunciation-service/internal/service/session"
	"realtime-pronunciation-service/internal/store"
)

const (
	// maxChunkBytes bounds a single audio request body (10s of 16 kHz stereo PCM).
	maxChunkBytes = 16000 * 2 * 2 * 10
	maxBodyBytes  = 1 << 20

	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type handler struct {
	app    *app.Application
	logger zerolog.Logger
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(application *app.Application) http.Handler {
	h := &handler{
		app:    application,
		logger: logging.WithComponent("http-api"),
	}
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if err := application.Ready(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// API routes
	r.Route("/v1", func(r chi.Router) {
		r.Post("/sessions", h.createSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", h.sessionStatus)
			r.Delete("/", h.closeSession)
			r.Post("/audio", h.evaluateAudio)
			r.Get("/stream", h.streamAudio)
		})
		r.Get("/results", h.recentResults)
		r.Get("/results/{id}", h.archivedResult)
	})

	return otelhttp.NewHandler(r, "http-api")
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, models.ErrorValidation, "invalid request body: "+err.Error())
		return
	}

	created, err := h.app.Sessions.CreateSessionFromRequest(r.Context(), req)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) evaluateAudio(w http.ResponseWriter, r *http.Request) {
	chunk, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, models.ErrorValidation, "audio chunk too large")
		return
	}

	resp, err := h.app.Sessions.Evaluate(r.Context(), chi.URLParam(r, "id"), chunk)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) sessionStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := h.app.Sessions.Status(chi.URLParam(r, "id"))
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) closeSession(w http.ResponseWriter, r *http.Request) {
	resp, _ := h.app.Sessions.Close(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, resp)
}

// streamAudio upgrades to a WebSocket. Binary messages are PCM chunks and
// each is answered with a JSON EvaluationResponse. A text message "close"
// closes the session and ends the stream.
func (h *handler) streamAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.app.Sessions.Status(id); err != nil {
		h.writeSessionError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("sessionId", id).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := h.logger.With().Str("sessionId", id).Logger()
	logger.Info().Msg("WebSocket stream opened")

	conn.SetReadLimit(maxChunkBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	ctx := r.Context()
	chunks := 0
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Int("chunks", chunks).Msg("WebSocket read failed")
			} else {
				logger.Info().Int("chunks", chunks).Msg("WebSocket stream closed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var out any
		switch msgType {
		case websocket.BinaryMessage:
			chunks++
			resp, err := h.app.Sessions.Evaluate(ctx, id, msg)
			if err != nil {
				body := models.ErrorBody{Error: models.ErrorInvalidSession, Message: session.InvalidSessionMessage}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteJSON(body)
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, body.Error))
				return
			}
			out = resp
		case websocket.TextMessage:
			if string(msg) != "close" {
				continue
			}
			resp, _ := h.app.Sessions.Close(ctx, id)
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			_ = conn.WriteJSON(resp)
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, models.StatusSessionClosed))
			logger.Info().Int("chunks", chunks).Msg("WebSocket stream closed session")
			return
		default:
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(out); err != nil {
			logger.Warn().Err(err).Msg("WebSocket write failed")
			return
		}
	}
}

func (h *handler) archivedResult(w http.ResponseWriter, r *http.Request) {
	rec, ok, err := h.app.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read archived result")
		writeError(w, http.StatusInternalServerError, models.ErrorInternal, "failed to read result archive")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, models.ErrorInvalidSession, "no archived result for session")
		return
	}
	writeJSON(w, http.StatusOK, toArchived(rec))
}

func (h *handler) recentResults(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := h.app.Store.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list archived results")
		writeError(w, http.StatusInternalServerError, models.ErrorInternal, "failed to read result archive")
		return
	}
	out := make([]models.ArchivedResult, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toArchived(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func toArchived(rec store.Record) models.ArchivedResult {
	return models.ArchivedResult{
		SessionID:    rec.SessionID,
		Sentence:     rec.Sentence,
		Reason:       rec.Reason,
		AllCompleted: rec.AllCompleted,
		Overall:      rec.Overall,
		Result:       json.RawMessage(rec.Result),
		CreatedAt:    rec.CreatedAt.Unix(),
		ClosedAt:     rec.ClosedAt.Unix(),
	}
}

func (h *handler) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, models.ErrorInvalidSession, session.InvalidSessionMessage)
	case errors.Is(err, session.ErrValidation):
		writeError(w, http.StatusBadRequest, models.ErrorValidation, err.Error())
	default:
		h.logger.Error().Err(err).Msg("Unexpected session error")
		writeError(w, http.StatusInternalServerError, models.ErrorInternal, err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, models.ErrorBody{Error: errCode, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
