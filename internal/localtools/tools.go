// Package localtools provides offline implementations of the deckforge
// tools. They run inside the tool host child and are deterministic
// enough to drive the pipeline end to end without any remote service.
package localtools

import (
	"log/slog"
	"time"

	"github.com/nugget/deckforge/internal/protocol"
	"github.com/nugget/deckforge/internal/toolhost"
)

// Options configures the local tool set.
type Options struct {
	// DeckDir is where create_slide and append_slide keep decks.
	DeckDir string

	Logger *slog.Logger
}

// Tools returns every local tool, ready for [toolhost.NewRegistry].
func Tools(opts Options) []*toolhost.Tool {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	decks := &deckStore{dir: opts.DeckDir, logger: logger, now: time.Now}

	return []*toolhost.Tool{
		{
			Name:        protocol.MethodSummarize,
			Description: "Split text into slide sections, one per paragraph.",
			Handler:     summarize,
		},
		{
			Name:        protocol.MethodEnrichImage,
			Description: "Render a placeholder PNG for an image prompt.",
			Handler:     enrichImage,
		},
		{
			Name:        protocol.MethodCreateSlide,
			Description: "Create a new deck with its first slide.",
			Handler:     decks.createSlide,
		},
		{
			Name:        protocol.MethodAppendSlide,
			Description: "Append a slide to an existing deck.",
			Handler:     decks.appendSlide,
		},
		{
			Name:        protocol.MethodQueryDataset,
			Description: "Group-by aggregate over a CSV dataset.",
			Handler:     queryDataset,
		},
	}
}

// NewRegistry returns a registry holding the local tools.
func NewRegistry(opts Options) *toolhost.Registry {
	return toolhost.NewRegistry(Tools(opts)...)
}
