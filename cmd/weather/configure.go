package main

import (
	"fmt"

	"github.com/maruel/subcommands"

	"weathercache/internal/config"
)

var cmdConfigure = &subcommands.Command{
	UsageLine: "configure --token TOKEN [--url URL]",
	ShortDesc: "store the CDS API token",
	LongDesc:  "Writes the CDS (or ADS, with --url) API token to the credentials file, ~/.cdsapirc by default.",
	CommandRun: func() subcommands.CommandRun {
		c := &configureRun{}
		c.common.register(&c.Flags)
		c.Flags.StringVar(&c.token, "token", "", "CDS API token.")
		c.Flags.StringVar(&c.url, "url", config.DefaultCDSURL, "API endpoint.")
		return c
	},
}

type configureRun struct {
	subcommands.CommandRunBase
	common commonFlags
	token  string
	url    string
}

func (c *configureRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	e, err := c.common.setup()
	if err != nil {
		return fail(a, err)
	}
	defer c.common.finish(e)

	path := e.cfg.CDS.Credentials
	if err := config.WriteCredentials(path, config.Credentials{URL: c.url, Key: c.token}); err != nil {
		return fail(a, err)
	}
	fmt.Fprintf(a.GetOut(), "Wrote CDS/ADS token to %s\n", path)
	return 0
}
