package mqtt

import (
	"sync"
	"time"
)

// Counters tracks how many events of each kind have been forwarded
// since the process started. It is safe for concurrent use.
type Counters struct {
	mu      sync.Mutex
	byKind  map[string]int64
	lastRun string
	since   time.Time
}

// NewCounters creates empty counters.
func NewCounters() *Counters {
	return &Counters{
		byKind: make(map[string]int64),
		since:  time.Now(),
	}
}

// Observe records one event. A run id in data is remembered as the most
// recent run.
func (c *Counters) Observe(kind string, data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byKind[kind]++
	if runID, ok := data["run_id"].(string); ok && runID != "" {
		c.lastRun = runID
	}
}

// Stats is the retained stats payload.
type Stats struct {
	Since   time.Time        `json:"since"`
	LastRun string           `json:"last_run,omitempty"`
	Events  map[string]int64 `json:"events"`
}

// Snapshot returns a copy of the current totals.
func (c *Counters) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	events := make(map[string]int64, len(c.byKind))
	for k, v := range c.byKind {
		events[k] = v
	}
	return Stats{Since: c.since, LastRun: c.lastRun, Events: events}
}
