package event

import (
	"sync"
	"time"
)

// Debouncer lets the first occurrence of a key through and drops repeats
// until its window has passed. Hosts redeliver webhooks, and one push often
// fans out into several events.
type Debouncer struct {
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	firstSeen map[string]time.Time
	swept     time.Time
}

// NewDebouncer creates a Debouncer with the given window.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window:    window,
		now:       time.Now,
		firstSeen: make(map[string]time.Time),
	}
}

// Allow reports whether key may pass. A passing key opens a new window.
// Expired keys are forgotten at most once per window.
func (d *Debouncer) Allow(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if now.Sub(d.swept) >= d.window {
		for k, at := range d.firstSeen {
			if now.Sub(at) >= d.window {
				delete(d.firstSeen, k)
			}
		}
		d.swept = now
	}

	if at, ok := d.firstSeen[key]; ok && now.Sub(at) < d.window {
		return false
	}
	d.firstSeen[key] = now
	return true
}

// ShouldProcess reports whether e may pass.
func (d *Debouncer) ShouldProcess(e *Event) bool {
	return d.Allow(e.Key())
}

// Len returns how many keys are remembered.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.firstSeen)
}
