// Package models defines the request, response and event payloads exchanged
// with clients and downstream consumers.
package models

import "encoding/json"

// Session status values.
const (
	StatusInitialized   = "initialized"
	StatusInProgress    = "in_progress"
	StatusCompleted     = "completed"
	StatusNoValidAudio  = "no_valid_audio"
	StatusSessionClosed = "session_closed"
)

// Error codes carried in ErrorBody.
const (
	ErrorInvalidSession = "invalid_session"
	ErrorValidation     = "validation_error"
	ErrorInternal       = "internal_error"
)

// ResourceVersion identifies the scoring schema version.
const ResourceVersion = "1.0.0"

// CreateSessionRequest is the create_session input.
type CreateSessionRequest struct {
	Sentence string         `json:"sentence"`
	Options  map[string]any `json:"options,omitempty"`
}

// SessionCreated is the create_session response.
type SessionCreated struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Sentence  string `json:"sentence"`
	Blocks    int    `json:"blocks"`
}

// EvaluationResponse is the evaluate_audio response.
type EvaluationResponse struct {
	SessionID string  `json:"session_id"`
	Status    string  `json:"status"`
	Result    *Result `json:"result,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Result carries the scores of one evaluation.
type Result struct {
	Overall         float64  `json:"overall"`
	Pronunciation   float64  `json:"pronunciation"`
	ResourceVersion string   `json:"resource_version"`
	Words           []Word   `json:"words"`
	EOF             bool     `json:"eof"`
	FinalScore      *float64 `json:"final_score,omitempty"`
	Details         *Details `json:"details,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// Word is one scored block.
type Word struct {
	Word   string     `json:"word"`
	Scores WordScores `json:"scores"`
}

// WordScores holds the per-block score dimensions.
type WordScores struct {
	Pronunciation float64 `json:"pronunciation"`
}

// Details is attached once every block is confirmed.
type Details struct {
	TotalBlocks    int            `json:"total_blocks"`
	CompletionTime int64          `json:"completion_time"`
	ScoreBreakdown ScoreBreakdown `json:"score_breakdown"`
}

// ScoreBreakdown summarizes block scores.
type ScoreBreakdown struct {
	MinScore float64 `json:"min_score"`
	MaxScore float64 `json:"max_score"`
}

// StatusResponse is the get_session_status response.
type StatusResponse struct {
	SessionID       string   `json:"session_id"`
	CreatedAt       int64    `json:"created_at"`
	LastActivity    int64    `json:"last_activity"`
	CurrentProgress Progress `json:"current_progress"`
	AllCompleted    bool     `json:"all_completed"`
}

// Progress reports block advancement.
type Progress struct {
	ActiveBlock  int     `json:"active_block"`
	TotalBlocks  int     `json:"total_blocks"`
	OverallScore float64 `json:"overall_score"`
}

// CloseResponse is the close_session response.
type CloseResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
}

// ArchivedResult is the stored final result of a closed session.
type ArchivedResult struct {
	SessionID    string          `json:"session_id"`
	Sentence     string          `json:"sentence"`
	Reason       string          `json:"reason"`
	AllCompleted bool            `json:"all_completed"`
	Overall      float64         `json:"overall"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    int64           `json:"created_at"`
	ClosedAt     int64           `json:"closed_at"`
}

// ErrorBody is returned for failed requests.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
