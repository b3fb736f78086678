package session

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator issues session IDs. IDs are random UUIDs and are never reused.
type Generator struct {
	issued uint64
}

// NewGenerator returns a Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Next returns a new session ID.
func (g *Generator) Next() string {
	atomic.AddUint64(&g.issued, 1)
	return uuid.NewString()
}

// Issued returns how many IDs have been generated.
func (g *Generator) Issued() uint64 {
	return atomic.LoadUint64(&g.issued)
}
