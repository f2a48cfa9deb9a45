package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/nugget/deckforge/internal/config"
	"github.com/nugget/deckforge/internal/localtools"
	"github.com/nugget/deckforge/internal/toolhost"
)

// runToolhost serves the built-in tools on stdin/stdout. It is what the
// parent spawns when toolhost.command is not configured. Logs are JSON
// on stderr so the parent can re-log them at their original level.
func runToolhost(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	fs := flag.NewFlagSet("toolhost", flag.ContinueOnError)
	fs.SetOutput(stderr)
	deckDir := fs.String("deck-dir", "decks", "directory for generated decks")
	logLevel := fs.String("log-level", "info", "log level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level, err := config.ParseLogLevel(*logLevel)
	if err != nil {
		return err
	}
	logger := config.NewLogger(stderr, level, "json").With("component", "toolhost")

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := localtools.NewRegistry(localtools.Options{DeckDir: *deckDir, Logger: logger})
	server := toolhost.NewServer(registry, stdin, stdout, logger)

	logger.Debug("tool host serving", "tools", registry.Names(), "deck_dir", *deckDir)
	if err := server.Serve(ctx); err != nil {
		return fmt.Errorf("toolhost: %w", err)
	}
	logger.Debug("tool host input closed")
	return nil
}
