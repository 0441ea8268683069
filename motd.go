package ircsession

import (
	"strings"
	"sync"
)

// motdBuilder accumulates the message of the day across 375/372/376
// replies. It is read from API callers as well as the session context, so
// it carries its own lock.
type motdBuilder struct {
	mu     sync.Mutex
	lines  []string
	active bool
	last   string
}

// Start begins a new MOTD, discarding any partial one.
func (b *motdBuilder) Start() {
	b.mu.Lock()
	b.lines = b.lines[:0]
	b.active = true
	b.mu.Unlock()
}

// Append adds one body line. Lines that arrive without a start reply open
// an implicit MOTD.
func (b *motdBuilder) Append(line string) {
	b.mu.Lock()
	b.active = true
	b.lines = append(b.lines, strings.TrimPrefix(line, "- "))
	b.mu.Unlock()
}

// Finish closes the MOTD and returns its text.
func (b *motdBuilder) Finish() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = strings.Join(b.lines, "\n")
	b.lines = b.lines[:0]
	b.active = false
	return b.last
}

// Last returns the most recently completed MOTD.
func (b *motdBuilder) Last() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}
