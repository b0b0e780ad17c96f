package main

import (
	"fmt"

	"github.com/maruel/subcommands"
	"go.uber.org/zap"

	"weathercache/internal/events"
)

var cmdRefreshDatabase = &subcommands.Command{
	UsageLine: "refresh-database",
	ShortDesc: "rebuild the cache from the raw datasets",
	LongDesc:  "Re-reads every raw dataset in the data folder and replaces the cached observations. Invalid files are reported and skipped.",
	CommandRun: func() subcommands.CommandRun {
		c := &refreshRun{}
		c.common.register(&c.Flags)
		return c
	},
}

type refreshRun struct {
	subcommands.CommandRunBase
	common commonFlags
}

func (c *refreshRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
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

	summary, err := db.RebuildAll(ctx, "")
	if err != nil {
		return fail(a, err)
	}
	pub := e.openPublisher(ctx)
	defer pub.Close()
	if err := pub.Publish(ctx, events.Event{
		Type:         events.TypeRebuild,
		Status:       "succeeded",
		Observations: summary.Observations,
	}); err != nil {
		e.log.Warn("Failed to publish rebuild event", zap.Error(err))
	}

	out := a.GetOut()
	if summary.Discovered() == 0 {
		fmt.Fprintln(out, "No datasets found to refresh.")
		return 0
	}
	fmt.Fprintf(out, "Refreshed database at %s\n", e.cacheLocation())
	fmt.Fprintf(out, "Processed: %d, Skipped (invalid/empty): %d\n",
		summary.Rebuilt, summary.SkippedInvalid+summary.SkippedUnreadable)
	for _, s := range summary.Skipped {
		fmt.Fprintf(out, "  skipped %s (%s): %s\n", s.File, s.Class, s.Reason)
	}
	for _, f := range summary.Superseded {
		fmt.Fprintf(out, "  superseded %s\n", f)
	}
	for _, name := range summary.Empty {
		fmt.Fprintf(out, "  %s has no valid dataset; kept with 0 observations\n", name)
	}
	return 0
}
