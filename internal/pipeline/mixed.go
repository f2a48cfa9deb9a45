package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nugget/deckforge/internal/events"
	"github.com/nugget/deckforge/internal/protocol"
)

const (
	maxDataBullets    = 8
	placeholderHeader = "Data unavailable"
)

// Question is one dataset-grounded section request.
type Question struct {
	Question string `yaml:"question" json:"question"`
	GroupBy  string `yaml:"group_by" json:"group_by"`
	Metric   string `yaml:"metric,omitempty" json:"metric,omitempty"`
	Agg      string `yaml:"agg,omitempty" json:"agg,omitempty"`
	Limit    int    `yaml:"limit,omitempty" json:"limit,omitempty"`
}

// LoadQuestions reads a YAML list of questions.
func LoadQuestions(path string) ([]Question, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var qs []Question
	if err := yaml.Unmarshal(data, &qs); err != nil {
		return nil, fmt.Errorf("parse questions %s: %w", path, err)
	}
	for i, q := range qs {
		if strings.TrimSpace(q.Question) == "" {
			return nil, fmt.Errorf("question %d in %s has no text", i+1, path)
		}
		if q.GroupBy == "" {
			return nil, fmt.Errorf("question %d in %s has no group_by column", i+1, path)
		}
	}
	return qs, nil
}

// MixedRequest describes a run blending narrative and dataset sections
// under one budget.
type MixedRequest struct {
	RunID     string
	Text      string
	Title     string
	Dataset   string
	Questions []Question
	// Total is the section budget shared by both sources.
	Total int
}

// RunMixed allocates the budget with [Allocate], runs the narrative
// half first and then appends one section per allocated question. If
// the narrative half fails to create the deck the run aborts rather
// than starting a second deck for the data half.
func (o *Orchestrator) RunMixed(ctx context.Context, req MixedRequest) (res *Result, err error) {
	if req.Total > 0 && len(req.Questions) > 0 && req.Dataset == "" {
		return nil, errors.New("mixed run has questions but no dataset")
	}
	dataCount, narrativeCount := Allocate(req.Total, len(req.Questions))
	if narrativeCount > maxSectionsLimit {
		return nil, fmt.Errorf("budget of %d leaves %d narrative sections, more than the limit of %d",
			req.Total, narrativeCount, maxSectionsLimit)
	}

	r := o.newRun(req.RunID, req.Title)

	o.emit(events.KindRunStart, map[string]any{
		"run_id":          r.id,
		"mode":            "mixed",
		"total":           req.Total,
		"data_count":      dataCount,
		"narrative_count": narrativeCount,
	})
	r.logger.Info("budget allocated", "total", req.Total, "data", dataCount, "narrative", narrativeCount)
	defer func() { o.finish(r, err) }()

	if narrativeCount > 0 {
		sections, err := o.summarize(ctx, r, req.Text, narrativeCount)
		if err != nil {
			return nil, err
		}
		if err := o.runNarrative(ctx, r, sections); err != nil {
			return nil, err
		}
	}

	for i, q := range req.Questions[:dataCount] {
		index := i + 1
		prepare := func(ctx context.Context) prepared {
			return o.dataSection(ctx, r, index, req.Dataset, q)
		}
		if err := o.materialize(ctx, r, PhaseData, index, q.Question, prepare); err != nil {
			return nil, err
		}
	}
	return &r.result, nil
}

type queryParams struct {
	Dataset  string `json:"dataset"`
	Question string `json:"question"`
	GroupBy  string `json:"group_by"`
	Metric   string `json:"metric,omitempty"`
	Agg      string `json:"agg,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type queryResult struct {
	Question string   `json:"question"`
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	Summary  string   `json:"summary"`
}

// dataSection runs the query for q and turns its result into a
// section. A failed query yields a placeholder section explaining why.
func (o *Orchestrator) dataSection(ctx context.Context, r *run, index int, dataset string, q Question) prepared {
	params := queryParams{
		Dataset:  dataset,
		Question: q.Question,
		GroupBy:  q.GroupBy,
		Metric:   q.Metric,
		Agg:      q.Agg,
		Limit:    q.Limit,
	}

	var (
		res queryResult
		out Outcome[queryResult]
	)
	if err := o.call(ctx, r, PhaseData, index, protocol.MethodQueryDataset, params, &res); err != nil {
		r.logger.Warn("dataset query failed, using placeholder", "index", index, "error", err)
		out = Skipped[queryResult](err.Error())
	} else {
		out = Ok(res)
	}

	return buildDataSection(q, filepath.Base(dataset), out)
}

func buildDataSection(q Question, source string, out Outcome[queryResult]) prepared {
	res, ok := out.Get()
	if !ok {
		return prepared{
			section: Section{
				Title:     q.Question,
				Subtitle:  placeholderHeader,
				Bullets:   []string{},
				Narration: placeholderHeader + ": " + out.Reason(),
			},
			enrichment:  EnrichNone,
			placeholder: true,
			note:        out.Reason(),
		}
	}

	bullets := make([]string, 0, min(len(res.Rows), maxDataBullets))
	for _, row := range res.Rows {
		if len(bullets) == maxDataBullets {
			break
		}
		bullets = append(bullets, formatRow(row))
	}

	return prepared{
		section: Section{
			Title:     q.Question,
			Subtitle:  "Source: " + source,
			Bullets:   bullets,
			Narration: res.Summary,
		},
		enrichment: EnrichNone,
	}
}

// formatRow renders a result row as "label: value".
func formatRow(row []any) string {
	cells := make([]string, len(row))
	for i, c := range row {
		switch v := c.(type) {
		case float64:
			cells[i] = strconv.FormatFloat(v, 'f', -1, 64)
		case nil:
			cells[i] = ""
		default:
			cells[i] = fmt.Sprint(v)
		}
	}
	if len(cells) == 0 {
		return ""
	}
	return cells[0] + ": " + strings.Join(cells[1:], ", ")
}
