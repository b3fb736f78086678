package models

import "strconv"

// Event types published to the result topics.
const (
	EventTypeProgress = "pronunciation.evaluation.progress"
	EventTypeFinal    = "pronunciation.evaluation.final"
)

// EvaluationProgress is published after every non-throttled evaluation.
type EvaluationProgress struct {
	EventType   string  `json:"eventType"`
	SessionID   string  `json:"sessionId"`
	Timestamp   int64   `json:"timestamp"`
	Status      string  `json:"status"`
	ActiveBlock int     `json:"activeBlock"`
	TotalBlocks int     `json:"totalBlocks"`
	Overall     float64 `json:"overall"`
	Confirmed   []int   `json:"confirmed,omitempty"`
}

// EvaluationFinal is published once when a session closes.
type EvaluationFinal struct {
	EventType    string  `json:"eventType"`
	SessionID    string  `json:"sessionId"`
	Timestamp    int64   `json:"timestamp"`
	Sentence     string  `json:"sentence"`
	Reason       string  `json:"reason"`
	AllCompleted bool    `json:"allCompleted"`
	Result       *Result `json:"result"`
}

// Attributes are copied onto the bus message so consumers can route on the
// session state without decoding the payload.
func (e EvaluationProgress) Attributes() map[string]string {
	return map[string]string{
		"status":      e.Status,
		"activeBlock": strconv.Itoa(e.ActiveBlock),
	}
}

// Attributes carries the close reason and completion flag.
func (e EvaluationFinal) Attributes() map[string]string {
	return map[string]string{
		"reason":       e.Reason,
		"allCompleted": strconv.FormatBool(e.AllCompleted),
	}
}
