package health

import "sync"

// Tracker remembers the outcome of the most recent requests in a fixed-size
// ring buffer. Older outcomes are overwritten once the buffer is full.
type Tracker struct {
	mu       sync.Mutex
	outcomes []bool
	next     int
	filled   bool
}

// NewTracker creates a tracker holding up to capacity outcomes.
func NewTracker(capacity int) *Tracker {
	if capacity < 1 {
		capacity = 1
	}
	return &Tracker{outcomes: make([]bool, capacity)}
}

// Record stores the outcome of one request.
func (t *Tracker) Record(ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.outcomes[t.next] = ok
	t.next++
	if t.next == len(t.outcomes) {
		t.next = 0
		t.filled = true
	}
}

// Counts returns how many of the remembered requests succeeded and failed.
func (t *Tracker) Counts() (successful, errored int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.next
	if t.filled {
		n = len(t.outcomes)
	}
	for _, ok := range t.outcomes[:n] {
		if ok {
			successful++
		} else {
			errored++
		}
	}
	return successful, errored
}
