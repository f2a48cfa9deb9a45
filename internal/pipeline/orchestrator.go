// Package pipeline turns text and dataset questions into a slide deck
// by sequencing tool calls: summarize, best-effort image enrichment,
// then create-or-append for every section.
//
// Calls within a run are strictly sequential. The first section to be
// materialized creates the deck; every later section appends to it.
// Each section is guarded by an idempotency token derived from the run
// id, phase and index, so repeating a run with the same id reuses the
// slides it already produced instead of creating duplicates.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/deckforge/internal/cache"
	"github.com/nugget/deckforge/internal/events"
	"github.com/nugget/deckforge/internal/journal"
	"github.com/nugget/deckforge/internal/ledger"
	"github.com/nugget/deckforge/internal/protocol"
	"github.com/nugget/deckforge/internal/retry"
	"github.com/nugget/deckforge/internal/rpcclient"
	"github.com/nugget/deckforge/internal/toolerr"
)

// Cache namespaces.
const (
	nsSummarize = "summarize"
	nsEnrich    = "enrich"
)

const maxSectionsLimit = 50

// Caller issues one tool call. [rpcclient.Client] implements it.
type Caller interface {
	Call(ctx context.Context, method string, params, result any, opts ...rpcclient.CallOption) error
}

// Journal records logical tool calls. [journal.Store] implements it.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Options configures an [Orchestrator]. Nil Cache, Ledger, Journal and
// Events disable the corresponding feature.
type Options struct {
	Cache    *cache.Cache
	CacheTTL time.Duration
	Ledger   *ledger.Ledger
	Journal  Journal
	Events   *events.Bus
	Retry    retry.Policy

	// MaxSections caps summarize when a request does not set its own.
	MaxSections int
	ImageSize   int
	Model       string

	Logger *slog.Logger
}

// Orchestrator runs pipelines against a tool host.
type Orchestrator struct {
	caller Caller
	opts   Options
	logger *slog.Logger
}

// New creates an orchestrator that issues calls through caller.
func New(caller Caller, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxSections <= 0 {
		opts.MaxSections = 5
	}
	if opts.ImageSize <= 0 {
		opts.ImageSize = 256
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	return &Orchestrator{
		caller: caller,
		opts:   opts,
		logger: opts.Logger,
	}
}

// SingleRequest describes a free-text run.
type SingleRequest struct {
	// RunID identifies the logical run. Reusing an id replays the run;
	// an empty id starts a fresh one.
	RunID string
	Text  string
	// Title names the deck. Defaults to the first section's title.
	Title       string
	MaxSections int
}

// RunSingle summarizes req.Text and materializes every section into one
// deck. It fails only when summarize fails or the deck cannot be
// created; append failures and enrichment failures are recorded per
// section.
func (o *Orchestrator) RunSingle(ctx context.Context, req SingleRequest) (res *Result, err error) {
	r := o.newRun(req.RunID, req.Title)
	maxSections := o.clampSections(req.MaxSections)

	o.emit(events.KindRunStart, map[string]any{
		"run_id":       r.id,
		"mode":         "single",
		"max_sections": maxSections,
	})
	defer func() { o.finish(r, err) }()

	sections, err := o.summarize(ctx, r, req.Text, maxSections)
	if err != nil {
		return nil, err
	}
	if err := o.runNarrative(ctx, r, sections); err != nil {
		return nil, err
	}
	return &r.result, nil
}

// run is the mutable state of one pipeline run.
type run struct {
	id      string
	title   string
	started time.Time
	logger  *slog.Logger
	result  Result
}

func (o *Orchestrator) newRun(id, title string) *run {
	if id == "" {
		id = newRunID()
	}
	return &run{
		id:      id,
		title:   title,
		started: time.Now(),
		logger:  o.logger.With("run_id", id),
		result:  Result{RunID: id, Sections: []SectionResult{}},
	}
}

func (o *Orchestrator) clampSections(n int) int {
	if n <= 0 {
		n = o.opts.MaxSections
	}
	return min(n, maxSectionsLimit)
}

func (o *Orchestrator) finish(r *run, err error) {
	data := map[string]any{
		"run_id":       r.id,
		"deck_id":      r.result.DeckID,
		"materialized": r.result.Materialized,
		"created":      r.result.Created,
		"reused":       r.result.Reused,
		"skipped":      r.result.Skipped,
		"replayed":     r.result.Replayed,
		"elapsed_ms":   time.Since(r.started).Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
		r.logger.Error("run failed", "error", err, "materialized", r.result.Materialized)
	} else {
		r.logger.Info("run complete",
			"deck_id", r.result.DeckID,
			"materialized", r.result.Materialized,
			"created", r.result.Created,
			"reused", r.result.Reused,
			"skipped", r.result.Skipped,
			"elapsed", time.Since(r.started).Round(time.Millisecond),
		)
	}
	o.emit(events.KindRunComplete, data)
}

// runNarrative materializes summarized sections, enriching each one.
func (o *Orchestrator) runNarrative(ctx context.Context, r *run, sections []Section) error {
	for i, sec := range sections {
		index := i + 1
		prepare := func(ctx context.Context) prepared {
			p := prepared{section: sec, enrichment: EnrichNone}
			if sec.ImagePrompt == "" {
				return p
			}
			img, cached := o.enrich(ctx, r, PhaseNarrative, index, sec.ImagePrompt)
			if v, ok := img.Get(); ok {
				p.section.Image = &v
				p.enrichment = EnrichOK
				if cached {
					p.enrichment = EnrichCached
				}
			} else {
				p.enrichment = EnrichSkipped
				p.note = img.Reason()
			}
			return p
		}
		if err := o.materialize(ctx, r, PhaseNarrative, index, sec.Title, prepare); err != nil {
			return err
		}
	}
	return nil
}

// prepared is a section ready for create-or-append.
type prepared struct {
	section     Section
	enrichment  string
	placeholder bool
	// note explains a degraded section (skipped enrichment, failed
	// query).
	note string
}

// materialize produces one section: from the ledger when the token was
// already recorded, otherwise by preparing it and creating or appending
// a slide. It returns an error only when the deck cannot be created.
func (o *Orchestrator) materialize(ctx context.Context, r *run, phase string, index int, title string, prepare func(context.Context) prepared) error {
	token := ledger.Token(r.id, phase, index)
	logger := r.logger.With("phase", phase, "index", index)

	if art, ok := o.opts.Ledger.Lookup(ctx, token); ok {
		if r.result.DeckID == "" {
			r.result.DeckID = art.DeckID
			r.result.FirstSlideID = art.SlideID
			r.result.FirstURL = art.URL
		} else if art.DeckID != r.result.DeckID {
			logger.Warn("ledger entry points at a different deck", "ledger_deck", art.DeckID, "deck_id", r.result.DeckID)
		}
		r.result.add(SectionResult{
			Phase: phase, Index: index, Title: title,
			Status: StatusReused, SlideID: art.SlideID, URL: art.URL,
		})
		logger.Info("section reused", "slide_id", art.SlideID)
		o.emit(events.KindSectionReused, map[string]any{
			"run_id": r.id, "phase": phase, "index": index,
			"deck_id": art.DeckID, "slide_id": art.SlideID,
		})
		return nil
	}

	p := prepare(ctx)
	if p.enrichment == EnrichSkipped {
		o.emit(events.KindEnrichSkipped, map[string]any{
			"run_id": r.id, "phase": phase, "index": index, "reason": p.note,
		})
	}

	var (
		slide  slideResult
		err    error
		create = r.result.DeckID == ""
		method = protocol.MethodAppendSlide
	)
	if create {
		method = protocol.MethodCreateSlide
		deckTitle := r.title
		if deckTitle == "" {
			deckTitle = p.section.Title
		}
		err = o.call(ctx, r, phase, index, method, createParams{Title: deckTitle, Section: p.section}, &slide)
	} else {
		err = o.call(ctx, r, phase, index, method, appendParams{DeckID: r.result.DeckID, Section: p.section}, &slide)
	}
	if err == nil && (slide.DeckID == "" || slide.SlideID == "") {
		err = fmt.Errorf("%s returned no deck or slide id", method)
	}

	if err != nil {
		if create {
			return fmt.Errorf("create deck for %s section %d: %w", phase, index, err)
		}
		r.result.add(SectionResult{
			Phase: phase, Index: index, Title: title,
			Status: StatusSkipped, Enrichment: p.enrichment,
			Placeholder: p.placeholder, Reason: err.Error(),
		})
		logger.Warn("section skipped", "error", err)
		o.emit(events.KindSectionSkipped, map[string]any{
			"run_id": r.id, "phase": phase, "index": index, "reason": err.Error(),
		})
		return nil
	}

	if create {
		r.result.DeckID = slide.DeckID
		r.result.FirstSlideID = slide.SlideID
		r.result.FirstURL = slide.URL
	}
	if lerr := o.opts.Ledger.Record(ctx, token, ledger.Artifact{
		DeckID: slide.DeckID, SlideID: slide.SlideID, URL: slide.URL,
	}); lerr != nil {
		logger.Warn("ledger record failed, a replay would duplicate this slide", "error", lerr)
	}

	reason := ""
	if p.placeholder || p.enrichment == EnrichSkipped {
		reason = p.note
	}
	r.result.add(SectionResult{
		Phase: phase, Index: index, Title: title,
		Status: StatusCreated, SlideID: slide.SlideID, URL: slide.URL,
		Enrichment: p.enrichment, Placeholder: p.placeholder, Reason: reason,
	})
	logger.Info("section created", "slide_id", slide.SlideID, "enrichment", p.enrichment)
	o.emit(events.KindSectionCreated, map[string]any{
		"run_id": r.id, "phase": phase, "index": index,
		"deck_id": slide.DeckID, "slide_id": slide.SlideID,
	})
	return nil
}

type summarizeParams struct {
	Text        string `json:"text"`
	MaxSections int    `json:"max_sections"`
	Model       string `json:"model,omitempty"`
}

// summarize returns at most maxSections sections for text. Results are
// cached by text, limit and model; a cached entry that no longer
// decodes is ignored.
func (o *Orchestrator) summarize(ctx context.Context, r *run, text string, maxSections int) ([]Section, error) {
	key := cache.Key(text, maxSections, o.opts.Model)

	var (
		raw     json.RawMessage
		summary Summary
		ok      bool
	)
	if o.opts.Cache.Get(ctx, nsSummarize, key, o.opts.CacheTTL, &raw) {
		var err error
		if summary, err = DecodeSummary(raw); err == nil {
			ok = true
			r.logger.Debug("summarize cache hit")
		} else {
			r.logger.Warn("cached summary unusable, calling summarize", "error", err)
		}
	}

	if !ok {
		params := summarizeParams{Text: text, MaxSections: maxSections, Model: o.opts.Model}
		if err := o.call(ctx, r, PhaseNarrative, 0, protocol.MethodSummarize, params, &raw); err != nil {
			return nil, fmt.Errorf("summarize: %w", err)
		}
		var err error
		if summary, err = DecodeSummary(raw); err != nil {
			return nil, fmt.Errorf("summarize: %w", err)
		}
		o.opts.Cache.Set(ctx, nsSummarize, key, raw)
	}

	sections := summary.Sections()
	if len(sections) > maxSections {
		r.logger.Warn("summarize returned more sections than requested, truncating",
			"returned", len(sections), "max_sections", maxSections)
		sections = sections[:maxSections]
	}
	r.logger.Info("text summarized", "sections", len(sections), "single", summary.IsSingle())
	return sections, nil
}

type enrichParams struct {
	Prompt string `json:"prompt"`
	Size   int    `json:"size"`
	Model  string `json:"model,omitempty"`
}

type enrichResult struct {
	MIME   string          `json:"mime"`
	Image  protocol.Binary `json:"image"`
	Prompt string          `json:"prompt"`
}

// enrich fetches an image for prompt. Failures are returned as a
// skipped outcome, never as an error. The bool reports a cache hit.
func (o *Orchestrator) enrich(ctx context.Context, r *run, phase string, index int, prompt string) (Outcome[Image], bool) {
	key := cache.Key(prompt, o.opts.ImageSize, o.opts.Model)

	var res enrichResult
	if o.opts.Cache.Get(ctx, nsEnrich, key, o.opts.CacheTTL, &res) {
		if img, err := res.image(prompt); err == nil {
			return Ok(img), true
		}
	}

	params := enrichParams{Prompt: prompt, Size: o.opts.ImageSize, Model: o.opts.Model}
	res = enrichResult{}
	if err := o.call(ctx, r, phase, index, protocol.MethodEnrichImage, params, &res); err != nil {
		r.logger.Warn("enrichment skipped", "phase", phase, "index", index, "error", err)
		return Skipped[Image](err.Error()), false
	}
	img, err := res.image(prompt)
	if err != nil {
		r.logger.Warn("enrichment skipped", "phase", phase, "index", index, "error", err)
		return Skipped[Image](err.Error()), false
	}
	o.opts.Cache.Set(ctx, nsEnrich, key, res)
	return Ok(img), false
}

func (e enrichResult) image(prompt string) (Image, error) {
	if _, err := e.Image.Bytes(); err != nil {
		return Image{}, fmt.Errorf("enrich_image result: %w", err)
	}
	mime := e.MIME
	if mime == "" {
		mime = "application/octet-stream"
	}
	return Image{MIME: mime, Data: e.Image, Prompt: prompt}, nil
}

type createParams struct {
	Title   string  `json:"title"`
	Section Section `json:"section"`
}

type appendParams struct {
	DeckID  string  `json:"deck_id"`
	Section Section `json:"section"`
}

type slideResult struct {
	DeckID  string `json:"deck_id"`
	SlideID string `json:"slide_id"`
	URL     string `json:"url"`
}

// call issues one logical tool call under the retry policy and records
// it in the journal.
func (o *Orchestrator) call(ctx context.Context, r *run, phase string, index int, method string, params, result any) error {
	start := time.Now()
	attempts := 0
	err := retry.Do(ctx, o.opts.Retry, func(ctx context.Context) error {
		attempts++
		return o.caller.Call(ctx, method, params, result)
	})

	entry := journal.Entry{
		RunID:    r.id,
		Phase:    phase,
		Section:  index,
		Method:   method,
		Attempts: attempts,
		Duration: time.Since(start),
		Outcome:  toolerr.Outcome(err),
		Code:     toolerr.Code(err),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if o.opts.Journal != nil {
		if jerr := o.opts.Journal.Record(ctx, entry); jerr != nil {
			r.logger.Warn("journal record failed", "method", method, "error", jerr)
		}
	}
	if attempts > 1 {
		r.logger.Debug("call retried", "method", method, "attempts", attempts, "outcome", entry.Outcome)
	}
	return err
}

func (o *Orchestrator) emit(kind string, data map[string]any) {
	o.opts.Events.Emit(events.SourcePipeline, kind, data)
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
