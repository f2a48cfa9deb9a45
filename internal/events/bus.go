// Package events is a small publish/subscribe bus for pipeline
// observability. The orchestrator and the RPC client publish; the MQTT
// forwarder and the CLI's progress printer subscribe. A nil *Bus is a
// valid, silent bus, so publishers never need guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	// SourcePipeline identifies events from the pipeline orchestrator.
	SourcePipeline = "pipeline"
	// SourceToolhost identifies per-call events from the RPC client.
	SourceToolhost = "toolhost"
)

// Pipeline kinds.
const (
	// KindRunStart signals the beginning of a pipeline run.
	// Data: run_id, mode, max_sections (single) or total, data_count,
	// narrative_count (mixed).
	KindRunStart = "run_start"
	// KindSectionCreated signals a section was materialized by a tool
	// call. Data: run_id, phase, index, deck_id, slide_id.
	KindSectionCreated = "section_created"
	// KindSectionReused signals a section was answered from the ledger.
	// Data: run_id, phase, index, deck_id, slide_id.
	KindSectionReused = "section_reused"
	// KindSectionSkipped signals an append failed and the section was
	// left out. Data: run_id, phase, index, reason.
	KindSectionSkipped = "section_skipped"
	// KindEnrichSkipped signals a best-effort enrichment failed.
	// Data: run_id, phase, index, reason.
	KindEnrichSkipped = "enrich_skipped"
	// KindRunComplete signals the end of a run, successful or not.
	// Data: run_id, deck_id, materialized, created, reused, skipped,
	// replayed, elapsed_ms, error (on failure).
	KindRunComplete = "run_complete"
)

// Tool host kinds.
const (
	// KindToolCall signals a request was written to the tool host.
	// Data: id, method.
	KindToolCall = "tool_call"
	// KindToolDone signals a call finished. Data: id, method, outcome,
	// code, duration_ms.
	KindToolDone = "tool_done"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Each subscriber gets a buffered
// channel; when it is full the event is dropped for that subscriber.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// byRecv lets Unsubscribe take the receive-only channel handed out
	// by Subscribe.
	byRecv map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		byRecv: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber without blocking. No-op on a
// nil bus.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with the given buffer size. Callers
// must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.byRecv[ch] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.byRecv[ch]
	if !ok {
		return
	}
	delete(b.subs, send)
	delete(b.byRecv, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
