// Package ledger records the artifacts produced by non-idempotent tool
// calls so that repeating the same logical operation reuses them
// instead of creating duplicates.
//
// Tokens are derived from the pipeline run id, phase and section index,
// never from content: rerunning a crashed run reuses its slides, while
// a new run with identical text creates fresh ones.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/deckforge/internal/kvstore"
)

// Namespace is the kvstore namespace holding ledger entries.
const Namespace = "ledger"

// Artifact is what a create or append call produced.
type Artifact struct {
	DeckID     string    `json:"deck_id"`
	SlideID    string    `json:"slide_id"`
	URL        string    `json:"url"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Token returns the idempotency token for one section of a run.
func Token(runID, phase string, index int) string {
	return fmt.Sprintf("run:%s:%s:%d", runID, phase, index)
}

// Ledger maps tokens to artifacts. A nil *Ledger records nothing and
// never hits.
type Ledger struct {
	store  kvstore.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger over store.
func New(store kvstore.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// Lookup returns the artifact recorded for token. Unreadable or
// incomplete entries are reported as absent.
func (l *Ledger) Lookup(ctx context.Context, token string) (Artifact, bool) {
	if l == nil {
		return Artifact{}, false
	}
	raw, err := l.store.Get(ctx, Namespace, token)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			l.logger.Warn("ledger read failed, treating as absent", "token", token, "error", err)
		}
		return Artifact{}, false
	}
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil || a.DeckID == "" {
		l.logger.Warn("corrupt ledger entry, treating as absent", "token", token)
		return Artifact{}, false
	}
	return a, true
}

// Record stores a for token. It is called once, after the tool call
// that produced a succeeded.
func (l *Ledger) Record(ctx context.Context, token string, a Artifact) error {
	if l == nil {
		return nil
	}
	if a.DeckID == "" {
		return errors.New("ledger: artifact has no deck id")
	}
	if a.RecordedAt.IsZero() {
		a.RecordedAt = l.now().UTC()
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}
	if err := l.store.Put(ctx, Namespace, token, raw); err != nil {
		return fmt.Errorf("record %s: %w", token, err)
	}
	return nil
}
