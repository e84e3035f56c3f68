// Package uuid generates time-ordered entity ids for reviews, stores and
// crawling sessions.
package uuid

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings so ids sort by creation time.
type Generator struct {
	mu   sync.Mutex
	rand io.Reader
}

// New creates a Generator backed by crypto/rand.
func New() *Generator {
	return &Generator{rand: rand.Reader}
}

// NewFromReader creates a Generator that draws its random bits from r.
func NewFromReader(r io.Reader) *Generator {
	return &Generator{rand: r}
}

// NewID returns a UUID v7 string.
func (g *Generator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := uuid.NewV7FromReader(g.rand)
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
