// Command weather downloads ERA5-Land point time series, caches them and
// answers queries about the cached locations.
package main

import (
	"io"
	"os"

	"github.com/maruel/subcommands"
)

// application routes command output to configurable writers.
type application struct {
	*subcommands.DefaultApplication
	out    io.Writer
	errOut io.Writer
}

func (a *application) GetOut() io.Writer { return a.out }
func (a *application) GetErr() io.Writer { return a.errOut }

func newApplication(out, errOut io.Writer) *application {
	return &application{
		DefaultApplication: &subcommands.DefaultApplication{
			Name:  "weather",
			Title: "ERA5-Land time series downloader and cache.",
			Commands: []*subcommands.Command{
				subcommands.CmdHelp,
				cmdConfigure,
				cmdDownload,
				cmdList,
				cmdRefreshDatabase,
				cmdDelete,
				cmdSave,
				cmdSummary,
				cmdEvents,
			},
		},
		out:    out,
		errOut: errOut,
	}
}

func run(args []string, out, errOut io.Writer) int {
	return subcommands.Run(newApplication(out, errOut), args)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
