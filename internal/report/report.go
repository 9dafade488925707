// Package report renders an HTML summary page for a completed run: one bar
// chart of reconciliation counts per combination and one of uniqueness
// scores per side.
package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/Sumatoshi-tech/tabrecon/internal/store"
	"github.com/Sumatoshi-tech/tabrecon/pkg/reconcile"
)

const chartHeight = "450px"

// maxBars bounds how many combinations a chart shows; results are already
// ordered by score so the leading ones are the interesting ones.
const maxBars = 25

// Data is everything the report needs, collected by the caller from the
// store and the cache.
type Data struct {
	Run       store.Run
	ResultsA  []store.AnalysisResult
	ResultsB  []store.AnalysisResult
	Summaries []reconcile.Summary
}

// Render writes the full HTML page to w.
func Render(w io.Writer, data Data) error {
	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("tabrecon run %d", data.Run.ID)

	page.AddCharts(
		countsChart(data.Summaries),
		scoreChart("Uniqueness (side A)", data.ResultsA),
		scoreChart("Uniqueness (side B)", data.ResultsB),
	)

	renderErr := page.Render(w)
	if renderErr != nil {
		return fmt.Errorf("render report: %w", renderErr)
	}

	return nil
}

func countsChart(summaries []reconcile.Summary) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Reconciliation counts"}),
		charts.WithInitializationOpts(opts.Initialization{Height: chartHeight}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)

	labels := make([]string, 0, len(summaries))
	matched := make([]opts.BarData, 0, len(summaries))
	onlyA := make([]opts.BarData, 0, len(summaries))
	onlyB := make([]opts.BarData, 0, len(summaries))

	for _, summary := range summaries {
		labels = append(labels, displayCombo(summary.Combination))
		matched = append(matched, opts.BarData{Value: summary.Matched})
		onlyA = append(onlyA, opts.BarData{Value: summary.OnlyA})
		onlyB = append(onlyB, opts.BarData{Value: summary.OnlyB})
	}

	bar.SetXAxis(labels).
		AddSeries("matched", matched).
		AddSeries("only in A", onlyA).
		AddSeries("only in B", onlyB)

	return bar
}

func scoreChart(title string, results []store.AnalysisResult) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithInitializationOpts(opts.Initialization{Height: chartHeight}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Max: 1}),
	)

	n := min(len(results), maxBars)

	labels := make([]string, 0, n)
	scores := make([]opts.BarData, 0, n)

	for _, res := range results[:n] {
		labels = append(labels, res.Combination)
		scores = append(scores, opts.BarData{Value: res.UniquenessScore})
	}

	bar.SetXAxis(labels).AddSeries("uniqueness score", scores)

	return bar
}

func displayCombo(combo []string) string {
	out := ""

	for i, col := range combo {
		if i > 0 {
			out += " + "
		}

		out += col
	}

	return out
}
