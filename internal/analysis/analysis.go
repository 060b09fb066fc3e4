// Package analysis ranks and filters the results of a run. Rankings sort by
// one metric; filters are boolean expressions over metric names, evaluated
// per result (for example "mar > 1.5 && win_pct > 60").
package analysis

import (
	"fmt"
	"sort"

	"github.com/Knetic/govaluate"

	"github.com/sweepd/sweepd/internal/model"
	"github.com/sweepd/sweepd/internal/store"
)

// DefaultMetric is the ranking metric when none is requested.
const DefaultMetric = "mar"

// Entry is one ranked result.
type Entry struct {
	Rank    int               `json:"rank"`
	TaskID  string            `json:"task_id"`
	Params  map[string]string `json:"params"`
	Metrics model.Metrics     `json:"metrics"`
	Score   float64           `json:"score"`
}

// Options controls ranking and filtering.
type Options struct {
	// Metric to sort by. Defaults to DefaultMetric.
	Metric string
	// Ascending sorts lowest first. The default is highest first.
	Ascending bool
	// Filter is an optional boolean expression over metric names.
	Filter string
	// Limit caps the number of entries returned; 0 means no cap.
	Limit int
}

// metricValues exposes a result's metrics by the names filter expressions
// and ranking requests use.
func metricValues(m model.Metrics) map[string]any {
	return map[string]any{
		"pl":                   m.PL,
		"cagr":                 m.CAGR,
		"max_drawdown":         m.MaxDrawdown,
		"mar":                  m.MAR,
		"win_pct":              m.WinPct,
		"total_premium":        m.TotalPremium,
		"capture_rate":         m.CaptureRate,
		"starting_capital":     m.StartingCapital,
		"ending_capital":       m.EndingCapital,
		"total_trades":         float64(m.TotalTrades),
		"winners":              float64(m.Winners),
		"avg_per_trade":        m.AvgPerTrade,
		"avg_winner":           m.AvgWinner,
		"avg_loser":            m.AvgLoser,
		"max_winner":           m.MaxWinner,
		"max_loser":            m.MaxLoser,
		"avg_minutes_in_trade": m.AvgMinutesInTrade,
	}
}

// ValidMetric reports whether a metric name is rankable.
func ValidMetric(name string) bool {
	_, ok := metricValues(model.Metrics{})[name]
	return ok
}

// Rank filters and sorts a run's results. A filter that fails to parse,
// errors during evaluation, or yields a non-boolean aborts the ranking with
// an error.
func Rank(results []*store.RunResult, opts Options) ([]*Entry, error) {
	metric := opts.Metric
	if metric == "" {
		metric = DefaultMetric
	}
	if !ValidMetric(metric) {
		return nil, fmt.Errorf("unknown metric %q", metric)
	}

	var filter *govaluate.EvaluableExpression
	if opts.Filter != "" {
		expr, err := govaluate.NewEvaluableExpression(opts.Filter)
		if err != nil {
			return nil, fmt.Errorf("parse filter: %w", err)
		}
		filter = expr
	}

	entries := make([]*Entry, 0, len(results))
	for _, rr := range results {
		if rr.Result == nil {
			continue
		}
		values := metricValues(rr.Result.Metrics)
		if filter != nil {
			out, err := filter.Evaluate(values)
			if err != nil {
				return nil, fmt.Errorf("evaluate filter: %w", err)
			}
			keep, ok := out.(bool)
			if !ok {
				return nil, fmt.Errorf("filter %q is not a boolean expression", opts.Filter)
			}
			if !keep {
				continue
			}
		}
		entries = append(entries, &Entry{
			TaskID:  rr.Task.ID,
			Params:  rr.Task.Params,
			Metrics: rr.Result.Metrics,
			Score:   values[metric].(float64),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if opts.Ascending {
			return entries[i].Score < entries[j].Score
		}
		return entries[i].Score > entries[j].Score
	})

	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}
	for i, e := range entries {
		e.Rank = i + 1
	}
	return entries, nil
}
