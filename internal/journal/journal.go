// Package journal holds the operator-facing log stream: typed, immutable entries kept in a
// bounded ring.
package journal

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultCapacity = 300

type Type string

const (
	Info    Type = "INFO"
	Warning Type = "WARNING"
	Error   Type = "ERROR"
	Success Type = "SUCCESS"
	Command Type = "COMMAND"
	System  Type = "SYSTEM"
)

type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"type"`
	Message   string    `json:"message"`
}

// Sink receives log lines.
type Sink interface {
	Append(t Type, message string)
}

type discard struct{}

func (discard) Append(Type, string) {}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

// Ring keeps the most recent entries up to its capacity.
type Ring struct {
	mu       sync.RWMutex
	capacity int
	entries  []Entry
	now      func() time.Time
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{capacity: capacity, now: time.Now}
}

func (r *Ring) Add(t Type, message string) Entry {
	e := Entry{
		ID:        uuid.NewString(),
		Timestamp: r.now(),
		Type:      t,
		Message:   message,
	}
	r.mu.Lock()
	r.entries = append(r.entries, e)
	if over := len(r.entries) - r.capacity; over > 0 {
		r.entries = append(r.entries[:0:0], r.entries[over:]...)
	}
	r.mu.Unlock()
	return e
}

func (r *Ring) Append(t Type, message string) {
	r.Add(t, message)
}

func (r *Ring) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
