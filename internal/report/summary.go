package report

import (
	"fmt"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/senbox-org/sen2like/internal/db"
	"github.com/senbox-org/sen2like/internal/pipeline"
	"github.com/senbox-org/sen2like/internal/product"
)

// statusOrder is the stacking order of the outcome chart.
var statusOrder = []pipeline.Status{
	pipeline.StatusSuccess,
	pipeline.StatusFlagged,
	pipeline.StatusSkipped,
	pipeline.StatusDependencySkipped,
	pipeline.StatusNotApplicable,
	pipeline.StatusDisabled,
	pipeline.StatusFailed,
	pipeline.StatusNotRun,
}

// RunSummary renders an HTML page with the outcome counts and the mean
// duration of every stage of a run.
func RunSummary(w io.Writer, run db.RunRecord, outcomes []db.OutcomeRecord) error {
	counts := make(map[string]map[string]int)
	total := make(map[string]time.Duration)
	ran := make(map[string]int)
	for _, o := range outcomes {
		if counts[o.Stage] == nil {
			counts[o.Stage] = make(map[string]int)
		}
		counts[o.Stage][o.Outcome]++
		if pipeline.Status(o.Outcome).Ran() {
			total[o.Stage] += o.Duration
			ran[o.Stage]++
		}
	}

	var stages []string
	for _, id := range product.AllStages() {
		if _, ok := counts[id.String()]; ok {
			stages = append(stages, id.String())
		}
	}

	outcomeBar := charts.NewBar()
	outcomeBar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Run " + run.ID, Width: "100%", Height: "520px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Run " + run.ID,
			Subtitle: fmt.Sprintf("%s, %d products, %d failed", run.StartedAt.Format(time.RFC3339), run.Products, run.Failed),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
	)
	outcomeBar.SetXAxis(stages)
	for _, st := range statusOrder {
		data := make([]opts.BarData, len(stages))
		nonzero := false
		for i, s := range stages {
			n := counts[s][string(st)]
			data[i] = opts.BarData{Value: n}
			nonzero = nonzero || n > 0
		}
		if nonzero {
			outcomeBar.AddSeries(string(st), data, charts.WithBarChartOpts(opts.BarChart{Stack: "outcome"}))
		}
	}

	durationBar := charts.NewBar()
	durationBar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Mean stage duration (ms)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	durationBar.SetXAxis(stages)
	means := make([]opts.BarData, len(stages))
	for i, s := range stages {
		var ms float64
		if ran[s] > 0 {
			ms = float64(total[s].Milliseconds()) / float64(ran[s])
		}
		means[i] = opts.BarData{Value: ms}
	}
	durationBar.AddSeries("mean", means,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
	)

	page := components.NewPage()
	page.AddCharts(outcomeBar, durationBar)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render run summary: %w", err)
	}
	diagf("run %s: summary of %d outcomes over %d stages", run.ID, len(outcomes), len(stages))
	return nil
}
