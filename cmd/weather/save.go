package main

import (
	"fmt"
	"path/filepath"

	"github.com/maruel/subcommands"

	"weathercache/internal/storage"
)

var cmdSave = &subcommands.Command{
	UsageLine: "save --name NAME [--output PATH]",
	ShortDesc: "export a cached location as CSV",
	LongDesc:  "Writes the cached series of NAME as CSV, one row per timestamp. The default output is exports/<name>.csv in the data folder.",
	CommandRun: func() subcommands.CommandRun {
		c := &saveRun{}
		c.common.register(&c.Flags)
		c.Flags.StringVar(&c.name, "name", "", "Location name.")
		c.Flags.StringVar(&c.output, "output", "", "Output CSV path.")
		return c
	},
}

type saveRun struct {
	subcommands.CommandRunBase
	common commonFlags
	name   string
	output string
}

func (c *saveRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
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
	out := c.output
	if out == "" {
		out = filepath.Join(e.cfg.DataDir(), storage.ExportDirName, storage.Slugify(c.name)+".csv")
	}
	if err := storage.ExportSeries(out, series); err != nil {
		return fail(a, err)
	}
	fmt.Fprintf(a.GetOut(), "Saved data to %s\n", out)
	return 0
}
