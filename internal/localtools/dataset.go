package localtools

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/nugget/deckforge/internal/protocol"
	"github.com/nugget/deckforge/internal/toolhost"
)

const defaultQueryLimit = 10

type queryParams struct {
	Dataset  string `json:"dataset"`
	Question string `json:"question"`
	GroupBy  string `json:"group_by"`
	Metric   string `json:"metric"`
	Agg      string `json:"agg"`
	Limit    int    `json:"limit"`
}

// queryResult is a small table plus a one-line summary that can be
// shown on a slide.
type queryResult struct {
	Question string   `json:"question"`
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	Summary  string   `json:"summary"`
	Scanned  int      `json:"scanned"`
}

type aggregate struct {
	count    int
	sum      float64
	min, max float64
}

func (a *aggregate) add(v float64) {
	if a.count == 0 || v < a.min {
		a.min = v
	}
	if a.count == 0 || v > a.max {
		a.max = v
	}
	a.count++
	a.sum += v
}

func (a *aggregate) value(agg string) float64 {
	switch agg {
	case "sum":
		return a.sum
	case "avg":
		if a.count == 0 {
			return 0
		}
		return a.sum / float64(a.count)
	case "min":
		return a.min
	case "max":
		return a.max
	default:
		return float64(a.count)
	}
}

// queryDataset runs a group-by aggregate over a CSV file whose first
// row is a header.
func queryDataset(_ context.Context, raw json.RawMessage) (any, error) {
	var p queryParams
	if err := toolhost.Decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Dataset == "" {
		return nil, toolhost.Errorf(protocol.CodeInvalidParams, "dataset is required")
	}
	p.Agg = strings.ToLower(p.Agg)
	switch p.Agg {
	case "":
		p.Agg = "count"
		if p.Metric != "" {
			p.Agg = "sum"
		}
	case "sum", "avg", "count", "min", "max":
	default:
		return nil, toolhost.Errorf(protocol.CodeInvalidParams, "unsupported agg %q", p.Agg)
	}
	if p.Agg != "count" && p.Metric == "" {
		return nil, toolhost.Errorf(protocol.CodeInvalidParams, "%s requires a metric column", p.Agg)
	}
	if p.Limit <= 0 {
		p.Limit = defaultQueryLimit
	}

	f, err := os.Open(p.Dataset)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, toolhost.Errorf(protocol.CodeNotFound, "dataset %s not found", p.Dataset)
	}
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, toolhost.Errorf(protocol.CodeInvalidParams, "dataset %s has no header row", p.Dataset)
	}

	groupCol, metricCol := -1, -1
	for i, name := range header {
		name = strings.TrimSpace(name)
		if p.GroupBy != "" && strings.EqualFold(name, p.GroupBy) {
			groupCol = i
		}
		if p.Metric != "" && strings.EqualFold(name, p.Metric) {
			metricCol = i
		}
	}
	if p.GroupBy != "" && groupCol < 0 {
		return nil, toolhost.Errorf(protocol.CodeInvalidParams, "unknown group_by column %q", p.GroupBy)
	}
	if p.Metric != "" && metricCol < 0 {
		return nil, toolhost.Errorf(protocol.CodeInvalidParams, "unknown metric column %q", p.Metric)
	}

	groups := make(map[string]*aggregate)
	scanned := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, toolhost.Errorf(protocol.CodeInvalidParams, "read dataset: %v", err)
		}
		scanned++

		key := "all"
		if groupCol >= 0 && groupCol < len(rec) {
			key = strings.TrimSpace(rec[groupCol])
		}
		a := groups[key]
		if a == nil {
			a = &aggregate{}
			groups[key] = a
		}

		if metricCol < 0 {
			a.add(1)
			continue
		}
		if metricCol >= len(rec) {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[metricCol]), 64)
		if err != nil {
			continue
		}
		a.add(v)
	}

	type row struct {
		group string
		value float64
	}
	rows := make([]row, 0, len(groups))
	for g, a := range groups {
		if a.count == 0 {
			continue
		}
		rows = append(rows, row{group: g, value: round2(a.value(p.Agg))})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].value != rows[j].value {
			return rows[i].value > rows[j].value
		}
		return rows[i].group < rows[j].group
	})
	if len(rows) > p.Limit {
		rows = rows[:p.Limit]
	}

	res := &queryResult{
		Question: p.Question,
		Columns:  []string{groupLabel(p.GroupBy), metricLabel(p.Agg, p.Metric)},
		Rows:     make([][]any, 0, len(rows)),
		Scanned:  scanned,
	}
	var top []string
	for _, rw := range rows {
		res.Rows = append(res.Rows, []any{rw.group, rw.value})
		if len(top) < 3 {
			top = append(top, fmt.Sprintf("%s (%s)", rw.group, strconv.FormatFloat(rw.value, 'f', -1, 64)))
		}
	}
	if len(top) == 0 {
		res.Summary = fmt.Sprintf("No matching rows in %d scanned.", scanned)
	} else {
		res.Summary = fmt.Sprintf("Top %s by %s: %s across %d rows.",
			groupLabel(p.GroupBy), metricLabel(p.Agg, p.Metric), strings.Join(top, ", "), scanned)
	}
	return res, nil
}

func groupLabel(groupBy string) string {
	if groupBy == "" {
		return "group"
	}
	return groupBy
}

func metricLabel(agg, metric string) string {
	if metric == "" {
		return agg
	}
	return agg + "(" + metric + ")"
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
