// Package history keeps a bounded, append-only log of room events.
package history

import "time"

// DefaultCapacity is the number of entries a room keeps.
const DefaultCapacity = 50

type Entry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Ring is a fixed-capacity buffer; once full, each append evicts the oldest
// entry.
type Ring struct {
	entries []Entry
	head    int
	size    int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{entries: make([]Entry, capacity)}
}

func (r *Ring) Append(e Entry) {
	idx := (r.head + r.size) % len(r.entries)
	if r.size == len(r.entries) {
		r.entries[r.head] = e
		r.head = (r.head + 1) % len(r.entries)
		return
	}
	r.entries[idx] = e
	r.size++
}

// Add appends a message stamped with t.
func (r *Ring) Add(t time.Time, message string) {
	r.Append(Entry{Time: t, Message: message})
}

// Entries returns a copy, oldest first.
func (r *Ring) Entries() []Entry {
	out := make([]Entry, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.entries[(r.head+i)%len(r.entries)]
	}
	return out
}

func (r *Ring) Len() int {
	return r.size
}

func (r *Ring) Cap() int {
	return len(r.entries)
}
