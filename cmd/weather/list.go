package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/maruel/subcommands"

	"weathercache/internal/filter"
	"weathercache/internal/models"
)

var cmdList = &subcommands.Command{
	UsageLine: "list [--filter EXPR]",
	ShortDesc: "list cached locations",
	LongDesc: `Lists the cached locations, optionally filtered.

Examples:
  weather list --filter "country = SE"
  weather list --filter "lat > 60 and name contains borg"`,
	CommandRun: func() subcommands.CommandRun {
		c := &listRun{}
		c.common.register(&c.Flags)
		c.Flags.StringVar(&c.filter, "filter", "", "Filter expression over name, country, lat and lon.")
		return c
	},
}

type listRun struct {
	subcommands.CommandRunBase
	common commonFlags
	filter string
}

func (c *listRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	var expr filter.Expr
	if strings.TrimSpace(c.filter) != "" {
		var err error
		if expr, err = filter.Parse(c.filter); err != nil {
			return usageError(a, "Invalid filter: %v", err)
		}
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

	locs, err := db.ListLocations(ctx, expr)
	if err != nil {
		return fail(a, err)
	}
	out := a.GetOut()
	if len(locs) == 0 {
		if expr != nil {
			fmt.Fprintln(out, "No cached datasets match the filter.")
		} else {
			fmt.Fprintln(out, "No cached datasets found. Run 'weather refresh-database' after downloading data.")
		}
		return 0
	}

	sort.SliceStable(locs, func(i, j int) bool {
		ci, cj := locs[i].CountryOr(""), locs[j].CountryOr("")
		if ci != cj {
			return ci < cj
		}
		return locs[i].Name < locs[j].Name
	})
	fmt.Fprintln(out)
	writeTable(out, []string{"Name", "Country", "Lat", "Lon"}, locationRows(locs))
	return 0
}

func locationRows(locs []models.Location) [][]string {
	rows := make([][]string, len(locs))
	for i, l := range locs {
		rows[i] = []string{l.Name, l.CountryOr("-"), formatCoord(l.Latitude), formatCoord(l.Longitude)}
	}
	return rows
}

func formatCoord(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}

// writeTable left aligns cells in " | " separated columns.
func writeTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len([]rune(h))
	}
	for _, row := range rows {
		for i, cell := range row {
			if n := len([]rune(cell)); n > widths[i] {
				widths[i] = n
			}
		}
	}

	line := func(cells []string) string {
		padded := make([]string, len(cells))
		for i, cell := range cells {
			padded[i] = cell + strings.Repeat(" ", widths[i]-len([]rune(cell)))
		}
		return strings.Join(padded, " | ")
	}
	sep := make([]string, len(widths))
	for i, n := range widths {
		sep[i] = strings.Repeat("-", n)
	}

	fmt.Fprintln(w, line(headers))
	fmt.Fprintln(w, strings.Join(sep, "-+-"))
	for _, row := range rows {
		fmt.Fprintln(w, line(row))
	}
}
