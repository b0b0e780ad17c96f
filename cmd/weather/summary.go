package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/maruel/subcommands"

	"weathercache/internal/summary"
)

var cmdSummary = &subcommands.Command{
	UsageLine: "summary --name NAME [--threshold Z] [--limit N]",
	ShortDesc: "print statistics and outliers of a cached location",
	LongDesc:  "Prints count, mean, median, min and max per variable, then the values more than --threshold standard deviations from their variable's mean.",
	CommandRun: func() subcommands.CommandRun {
		c := &summaryRun{}
		c.common.register(&c.Flags)
		c.Flags.StringVar(&c.name, "name", "", "Location name.")
		c.Flags.Float64Var(&c.threshold, "threshold", summary.DefaultThreshold, "Z-score above which a value is reported.")
		c.Flags.IntVar(&c.limit, "limit", 10, "Outliers to print, largest first. 0 prints none.")
		return c
	},
}

type summaryRun struct {
	subcommands.CommandRunBase
	common    commonFlags
	name      string
	threshold float64
	limit     int
}

func (c *summaryRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	if c.name == "" {
		return usageError(a, "--name is required")
	}
	e, err := c.common.setup()
	if err != nil {
		return fail(a, err)
	}
	defer c.common.finish(e)

	ctx, cancel := signalContext()
	defer cancel()
	db, err := e.openDB(ctx)
	if err != nil {
		return fail(a, err)
	}
	defer db.Close()

	series, err := db.LoadSeries(ctx, c.name)
	if err != nil {
		return fail(a, err)
	}

	out := a.GetOut()
	sum := summary.Describe(series)
	if sum.Rows == 0 {
		fmt.Fprintf(out, "%s has no observations.\n", c.name)
		return 0
	}
	const layout = "2006-01-02 15:04"
	fmt.Fprintf(out, "%s: %d rows from %s to %s\n\n", c.name, sum.Rows, sum.Start.Format(layout), sum.End.Format(layout))
	writeSummary(out, sum, layout)

	d := summary.NewDetector(c.threshold)
	anomalies := d.Detect(series)
	if c.limit <= 0 {
		return 0
	}
	fmt.Fprintf(out, "\n%d value(s) beyond %.1f standard deviations\n", len(anomalies), d.Threshold())
	if len(anomalies) > c.limit {
		anomalies = anomalies[:c.limit]
	}
	if len(anomalies) > 0 {
		rows := make([][]string, len(anomalies))
		for i, an := range anomalies {
			rows[i] = []string{an.Variable, an.Timestamp.Format(layout), formatValue(an.Value), formatValue(an.ZScore), an.Severity}
		}
		writeTable(out, []string{"Variable", "Time", "Value", "Z", "Severity"}, rows)
	}
	return 0
}

func writeSummary(out io.Writer, sum summary.Summary, layout string) {
	rows := make([][]string, len(sum.Variables))
	for i, v := range sum.Variables {
		rows[i] = []string{
			v.Name,
			strconv.Itoa(v.Count),
			formatValue(v.Mean),
			formatValue(v.Median),
			fmt.Sprintf("%s (%s)", formatValue(v.Min), v.MinAt.Format(layout)),
			fmt.Sprintf("%s (%s)", formatValue(v.Max), v.MaxAt.Format(layout)),
		}
	}
	writeTable(out, []string{"Variable", "Count", "Mean", "Median", "Min", "Max"}, rows)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
