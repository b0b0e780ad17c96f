package main

import (
	"fmt"
	"path/filepath"

	"github.com/maruel/subcommands"
	"go.uber.org/zap"

	"weathercache/internal/errkind"
	"weathercache/internal/events"
)

var cmdDelete = &subcommands.Command{
	UsageLine: "delete --name NAME",
	ShortDesc: "remove a location and its raw datasets",
	LongDesc:  "Removes the location, all its observations and its raw dataset files. NAME may also be a dataset file name.",
	CommandRun: func() subcommands.CommandRun {
		c := &deleteRun{}
		c.common.register(&c.Flags)
		c.Flags.StringVar(&c.name, "name", "", "Location name or dataset file name.")
		return c
	},
}

type deleteRun struct {
	subcommands.CommandRunBase
	common commonFlags
	name   string
}

func (c *deleteRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
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

	out := a.GetOut()
	res, err := db.DeleteLocation(ctx, c.name)
	if errkind.Is(err, errkind.NotFound) {
		fmt.Fprintf(out, "Location '%s' was not found.\n", c.name)
		return 1
	}
	if err != nil {
		return fail(a, err)
	}
	pub := e.openPublisher(ctx)
	defer pub.Close()
	if err := pub.Publish(ctx, events.Event{
		Type:         events.TypeDelete,
		Location:     res.Name,
		Status:       "succeeded",
		Observations: int(res.Observations),
	}); err != nil {
		e.log.Warn("Failed to publish delete event", zap.Error(err))
	}

	if res.Name != "" {
		country := "-"
		if res.Country != nil && *res.Country != "" {
			country = *res.Country
		}
		fmt.Fprintf(out, "Deleted '%s' (%s) from database (%d records)\n", res.Name, country, res.Observations)
	}
	for _, f := range res.Files {
		fmt.Fprintf(out, "Deleted file: %s\n", filepath.Base(f))
	}
	return 0
}
