// Package segment generates chunk identifiers for received audio.
package segment

import (
	"fmt"
	"sync/atomic"
)

// Generator issues monotonically numbered chunk ids shared across clients.
type Generator struct {
	counter uint64
}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) Next(clientID string) string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("%s-chunk-%d", clientID, n)
}
