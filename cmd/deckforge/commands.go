package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/nugget/deckforge/internal/journal"
	"github.com/nugget/deckforge/internal/pipeline"
)

// newFlagSet returns a subcommand FlagSet that reports errors instead
// of exiting.
func newFlagSet(name string, g globals) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(g.stderr)
	return fs
}

// runSingle handles "deckforge run": summarize one text file and build
// a deck from it.
func runSingle(ctx context.Context, g globals, args []string) error {
	fs := newFlagSet("run", g)
	runID := fs.String("run-id", "", "run id; reusing one replays the run")
	title := fs.String("title", "", "deck title (default: first section title)")
	maxSections := fs.Int("max", 0, "maximum number of sections (default: from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: deckforge run [-run-id id] [-title t] [-max n] <file>")
	}

	text, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	cfg, logger, err := setup(g)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.orchestrator().RunSingle(ctx, pipeline.SingleRequest{
		RunID:       *runID,
		Text:        string(text),
		Title:       *title,
		MaxSections: *maxSections,
	})
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	return printResult(g, res)
}

// runMixed handles "deckforge mixed": dataset questions first, then
// narrative sections from the optional text file, under one budget.
func runMixed(ctx context.Context, g globals, args []string) error {
	fs := newFlagSet("mixed", g)
	runID := fs.String("run-id", "", "run id; reusing one replays the run")
	title := fs.String("title", "", "deck title")
	dataset := fs.String("dataset", "", "CSV dataset the questions are asked of")
	questionsPath := fs.String("questions", "", "YAML file of questions")
	total := fs.Int("total", 0, "total section budget")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *total < 1 {
		return errors.New("mixed: -total must be at least 1")
	}
	if fs.NArg() > 1 {
		return errors.New("usage: deckforge mixed -dataset f.csv -questions q.yaml -total n [-run-id id] [file]")
	}

	var questions []pipeline.Question
	if *questionsPath != "" {
		var err error
		if questions, err = pipeline.LoadQuestions(*questionsPath); err != nil {
			return err
		}
	}

	var text []byte
	if fs.NArg() == 1 {
		var err error
		if text, err = os.ReadFile(fs.Arg(0)); err != nil {
			return fmt.Errorf("read input: %w", err)
		}
	} else if _, narrative := pipeline.Allocate(*total, len(questions)); narrative > 0 {
		return fmt.Errorf("mixed: budget leaves %d narrative sections but no text file was given", narrative)
	}

	cfg, logger, err := setup(g)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.orchestrator().RunMixed(ctx, pipeline.MixedRequest{
		RunID:     *runID,
		Text:      string(text),
		Title:     *title,
		Dataset:   *dataset,
		Questions: questions,
		Total:     *total,
	})
	if err != nil {
		return fmt.Errorf("mixed run failed: %w", err)
	}
	return printResult(g, res)
}

// printResult writes a run result as text or JSON.
func printResult(g globals, res *pipeline.Result) error {
	if g.json() {
		return writeJSON(g.stdout, res)
	}
	w := g.stdout
	if res.DeckID == "" {
		fmt.Fprintf(w, "run %s produced no sections\n", res.RunID)
		return nil
	}
	fmt.Fprintf(w, "deck %s (run %s)\n", res.DeckID, res.RunID)
	fmt.Fprintf(w, "  %d sections: %d created, %d reused, %d skipped\n",
		res.Materialized, res.Created, res.Reused, res.Skipped)
	if res.Replayed {
		fmt.Fprintln(w, "  replayed from ledger, nothing new was created")
	}
	if res.FirstURL != "" {
		fmt.Fprintf(w, "  %s\n", res.FirstURL)
	}
	for _, s := range res.Sections {
		line := fmt.Sprintf("  [%s %d] %-8s %s", s.Phase, s.Index, s.Status, s.Title)
		if s.Placeholder {
			line += " (placeholder)"
		}
		if s.Enrichment == pipeline.EnrichSkipped {
			line += " (no image)"
		}
		if s.Status == pipeline.StatusSkipped && s.Reason != "" {
			line += ": " + s.Reason
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

// runDoctor starts the tool host and pings it.
func runDoctor(ctx context.Context, g globals) error {
	cfg, logger, err := setup(g)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	ping, err := a.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("tool host did not answer: %w", err)
	}
	elapsed := time.Since(start)

	report := map[string]any{
		"ok":         ping.OK,
		"version":    ping.Version,
		"tools":      ping.Tools,
		"pid":        a.process.Pid(),
		"elapsed_ms": elapsed.Milliseconds(),
		"cache":      cfg.Cache.Enabled,
		"journal":    cfg.Journal.Enabled,
	}
	if g.json() {
		return writeJSON(g.stdout, report)
	}
	fmt.Fprintf(g.stdout, "tool host ok (pid %d, %s)\n", a.process.Pid(), elapsed.Round(time.Millisecond))
	fmt.Fprintf(g.stdout, "  version: %s\n", ping.Version)
	fmt.Fprintf(g.stdout, "  tools:   %v\n", ping.Tools)
	return nil
}

// runJournal lists journaled tool calls: the most recent ones, or every
// call of one run followed by a per-method summary.
func runJournal(ctx context.Context, g globals, args []string) error {
	fs := newFlagSet("journal", g)
	runID := fs.String("run-id", "", "show calls for one run")
	limit := fs.Int("limit", 50, "number of recent calls to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := setup(g)
	if err != nil {
		return err
	}
	if !cfg.Journal.Enabled {
		return errors.New("journal is disabled in config")
	}
	if _, err := os.Stat(cfg.Journal.Path); err != nil {
		return fmt.Errorf("no journal at %s", cfg.Journal.Path)
	}

	store, err := journal.NewStore(cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()

	if *runID == "" {
		entries, err := store.Recent(ctx, *limit)
		if err != nil {
			return err
		}
		if g.json() {
			return writeJSON(g.stdout, entries)
		}
		printEntries(g.stdout, entries)
		return nil
	}

	entries, err := store.ForRun(ctx, *runID)
	if err != nil {
		return err
	}
	summary, err := store.Summarize(ctx, *runID)
	if err != nil {
		return err
	}
	if g.json() {
		return writeJSON(g.stdout, map[string]any{"entries": entries, "summary": summary})
	}
	printEntries(g.stdout, entries)
	printSummary(g.stdout, summary)
	return nil
}

func printEntries(w io.Writer, entries []journal.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no calls recorded")
		return
	}
	for _, e := range entries {
		section := "-"
		if e.Section > 0 {
			section = fmt.Sprintf("%s/%d", e.Phase, e.Section)
		}
		fmt.Fprintf(w, "%s  %-13s %-12s %-10s attempts=%d %s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Method, section, e.Outcome,
			e.Attempts, e.Duration.Round(time.Millisecond))
	}
}

func printSummary(w io.Writer, summary map[string]*journal.Summary) {
	methods := make([]string, 0, len(summary))
	for m := range summary {
		methods = append(methods, m)
	}
	sort.Strings(methods)

	fmt.Fprintln(w)
	for _, m := range methods {
		s := summary[m]
		fmt.Fprintf(w, "%-13s calls=%d attempts=%d failures=%d total=%s\n",
			m, s.Calls, s.Attempts, s.Failures, s.Duration.Round(time.Millisecond))
	}
}
