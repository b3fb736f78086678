// Package sentence splits a reference sentence into spoken-order blocks and
// tracks each block's evaluation status.
package sentence

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Status represents the evaluation state of a block.
type Status int

const (
	// StatusPending - No evidence for the block yet.
	StatusPending Status = iota
	// StatusActive - Block is being spoken; at most one block is active.
	StatusActive
	// StatusConfirmed - Block has enough evidence. Terminal.
	StatusConfirmed
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusActive:
		return "ACTIVE"
	case StatusConfirmed:
		return "CONFIRMED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Errors for invalid block transitions.
var (
	ErrBlockOutOfRange    = errors.New("block index out of range")
	ErrAnotherBlockActive = errors.New("another block is already active")
)

// Block is one whitespace-delimited unit of the reference sentence.
type Block struct {
	Index        int
	Text         string
	Status       Status
	Score        float64
	FirstTouched time.Time
	LastTouched  time.Time
}

// Model holds the ordered blocks of a sentence. Thread-safe.
//
// Status transitions are monotonic:
//
//	PENDING → ACTIVE → CONFIRMED
//	   │                   ▲
//	   └───────────────────┘ (evidenced and confirmed in one pass)
//
// Rules:
//   - At most one block is ACTIVE at a time
//   - CONFIRMED blocks never regress; re-confirming keeps the higher score
type Model struct {
	mu     sync.RWMutex
	text   string
	blocks []Block
	clock  func() time.Time
}

// New splits sentence on whitespace into Pending blocks.
func New(sentence string) *Model {
	return NewWithClock(sentence, time.Now)
}

// NewWithClock is New with an injectable clock for touch timestamps.
func NewWithClock(sentence string, clock func() time.Time) *Model {
	words := strings.Fields(sentence)
	blocks := make([]Block, len(words))
	for i, w := range words {
		blocks[i] = Block{Index: i, Text: w, Status: StatusPending}
	}
	return &Model{text: sentence, blocks: blocks, clock: clock}
}

// Sentence returns the reference sentence.
func (m *Model) Sentence() string {
	return m.text
}

// Len returns the number of blocks.
func (m *Model) Len() int {
	return len(m.blocks)
}

// Blocks returns a copy of the blocks in spoken order.
func (m *Model) Blocks() []Block {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Block, len(m.blocks))
	copy(out, m.blocks)
	return out
}

// Block returns a copy of block i.
func (m *Model) Block(i int) (Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.blocks) {
		return Block{}, ErrBlockOutOfRange
	}
	return m.blocks[i], nil
}

// ActiveBlockIndex returns the index of the active block, if any.
func (m *Model) ActiveBlockIndex() (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked()
}

func (m *Model) activeLocked() (int, bool) {
	for i := range m.blocks {
		if m.blocks[i].Status == StatusActive {
			return i, true
		}
	}
	return -1, false
}

// Activate moves block i from PENDING to ACTIVE.
// No-op if the block is already ACTIVE or CONFIRMED.
func (m *Model) Activate(i int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i < 0 || i >= len(m.blocks) {
		return ErrBlockOutOfRange
	}
	if m.blocks[i].Status != StatusPending {
		return nil
	}
	if j, ok := m.activeLocked(); ok && j != i {
		return fmt.Errorf("%w: block %d", ErrAnotherBlockActive, j)
	}
	m.blocks[i].Status = StatusActive
	m.touchLocked(i)
	return nil
}

// Confirm marks block i CONFIRMED with score. Idempotent: an already
// confirmed block only takes the new score if it is higher.
func (m *Model) Confirm(i int, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if i < 0 || i >= len(m.blocks) {
		return ErrBlockOutOfRange
	}
	b := &m.blocks[i]
	if b.Status == StatusConfirmed {
		if score > b.Score {
			b.Score = score
		}
		m.touchLocked(i)
		return nil
	}
	if j, ok := m.activeLocked(); ok && j != i {
		return fmt.Errorf("%w: block %d", ErrAnotherBlockActive, j)
	}
	b.Status = StatusConfirmed
	b.Score = score
	m.touchLocked(i)
	return nil
}

// Touch records evidence activity on block i.
func (m *Model) Touch(i int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.blocks) {
		return ErrBlockOutOfRange
	}
	m.touchLocked(i)
	return nil
}

func (m *Model) touchLocked(i int) {
	now := m.clock()
	if m.blocks[i].FirstTouched.IsZero() {
		m.blocks[i].FirstTouched = now
	}
	m.blocks[i].LastTouched = now
}

// AllConfirmed returns true if every block is CONFIRMED.
// An empty sentence is trivially complete.
func (m *Model) AllConfirmed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.blocks {
		if m.blocks[i].Status != StatusConfirmed {
			return false
		}
	}
	return true
}

// Scores summarizes block scores. Mean counts unconfirmed blocks as 0;
// min and max consider confirmed blocks only.
type Scores struct {
	Mean      float64
	Min       float64
	Max       float64
	Confirmed int
}

// Scores computes the aggregate over all blocks.
func (m *Model) Scores() Scores {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Scores
	if len(m.blocks) == 0 {
		return s
	}
	var sum float64
	for _, b := range m.blocks {
		if b.Status != StatusConfirmed {
			continue
		}
		sum += b.Score
		if s.Confirmed == 0 || b.Score < s.Min {
			s.Min = b.Score
		}
		if s.Confirmed == 0 || b.Score > s.Max {
			s.Max = b.Score
		}
		s.Confirmed++
	}
	s.Mean = sum / float64(len(m.blocks))
	return s
}
