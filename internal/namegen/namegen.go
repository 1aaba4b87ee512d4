// Package namegen yields process-unique display names of the form
// job-XXXXXXXXXXXX, where X is alphanumeric, drawn from a pre-filled
// buffer that refills as it's consumed.
package namegen

import (
	"crypto/rand"
	"sync"
)

const (
	prefix      = "job-"
	suffixLen   = 12
	alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Generator produces unique names from a mutex-guarded buffer, refilling
// it whenever it empties. This mirrors the original crate's buffered
// stream of pre-generated names: Go has no async generator primitive, so
// the buffer is a plain slice behind a mutex instead of a channel fed by
// a background task — refill happens inline on the consuming goroutine,
// amortized across the buffer size.
type Generator struct {
	mu     sync.Mutex
	buffer []string
	size   int
}

// DefaultBufferSize is the number of names pre-filled per refill.
const DefaultBufferSize = 64

// New creates a Generator with the given buffer size, pre-filling it.
func New(bufferSize int) *Generator {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	g := &Generator{size: bufferSize}
	g.refillLocked()
	return g
}

// Next returns the next unique name, refilling the buffer first if empty.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.buffer) == 0 {
		g.refillLocked()
	}
	n := g.buffer[len(g.buffer)-1]
	g.buffer = g.buffer[:len(g.buffer)-1]
	return n
}

func (g *Generator) refillLocked() {
	g.buffer = make([]string, g.size)
	for i := range g.buffer {
		g.buffer[i] = generate()
	}
}

func generate() string {
	suffix := make([]byte, suffixLen)
	buf := make([]byte, suffixLen)
	if _, err := rand.Read(buf); err != nil {
		panic("namegen: crypto/rand unavailable: " + err.Error())
	}
	for i, b := range buf {
		suffix[i] = alphanumeric[int(b)%len(alphanumeric)]
	}
	return prefix + string(suffix)
}
