package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/maruel/subcommands"

	"weathercache/internal/events"
)

var cmdEvents = &subcommands.Command{
	UsageLine: "events [--follow] [--group NAME]",
	ShortDesc: "print ingest events from the Redis stream",
	LongDesc:  "Reads download, rebuild and delete events through a consumer group and acknowledges them. Needs redis.addr.",
	Advanced:  true,
	CommandRun: func() subcommands.CommandRun {
		c := &eventsRun{}
		c.common.register(&c.Flags)
		c.Flags.StringVar(&c.group, "group", "weather-cli", "Consumer group.")
		c.Flags.StringVar(&c.consumer, "consumer", "", "Consumer name. Defaults to the host name.")
		c.Flags.Int64Var(&c.count, "count", 100, "Messages per read.")
		c.Flags.BoolVar(&c.follow, "follow", false, "Keep waiting for new events.")
		return c
	},
}

type eventsRun struct {
	subcommands.CommandRunBase
	common   commonFlags
	group    string
	consumer string
	count    int64
	follow   bool
}

func (c *eventsRun) Run(a subcommands.Application, args []string, _ subcommands.Env) int {
	e, err := c.common.setup()
	if err != nil {
		return fail(a, err)
	}
	defer c.common.finish(e)

	rc := e.cfg.RedisConfig()
	if rc.Addr == "" {
		return usageError(a, "redis.addr is not configured (set REDIS_ADDR)")
	}
	if c.consumer == "" {
		c.consumer, _ = os.Hostname()
	}

	ctx, cancel := signalContext()
	defer cancel()
	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	defer client.Close()

	consumer, err := events.NewConsumer(ctx, client, rc.Stream, c.group, c.consumer)
	if err != nil {
		return fail(a, err)
	}
	if err := tailEvents(ctx, a.GetOut(), consumer, c.count, c.follow); err != nil && !errors.Is(err, context.Canceled) {
		return fail(a, err)
	}
	return 0
}

// tailEvents prints and acknowledges messages until the stream is drained, or
// until ctx ends when follow is set.
func tailEvents(ctx context.Context, out io.Writer, c *events.Consumer, count int64, follow bool) error {
	block := time.Duration(-1)
	if follow {
		block = 5 * time.Second
	}
	for {
		msgs, err := c.Read(ctx, count, block)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			fmt.Fprintln(out, formatEvent(m.Event))
			ids = append(ids, m.ID)
		}
		if err := c.Ack(ctx, ids...); err != nil {
			return err
		}
		if len(msgs) == 0 && !follow {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func formatEvent(ev events.Event) string {
	line := fmt.Sprintf("%s %-9s %-16s %s", ev.Time.Format(time.RFC3339), ev.Type, ev.Status, ev.Location)
	if ev.Observations > 0 {
		line += fmt.Sprintf(" observations=%d", ev.Observations)
	}
	if ev.File != "" {
		line += " file=" + ev.File
	}
	if ev.ErrorClass != "" {
		line += fmt.Sprintf(" %s: %s", ev.ErrorClass, ev.Reason)
	}
	return line
}
