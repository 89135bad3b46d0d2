// Command clustersim runs several clustercron nodes in one process on a
// simulated clock, crashes one of them, and reports whether every scheduled
// fire was delivered exactly once.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/djlord-it/clustercron/internal/logging"
	"github.com/djlord-it/clustercron/internal/store"
	"github.com/djlord-it/clustercron/internal/store/memory"
	storeredis "github.com/djlord-it/clustercron/internal/store/redis"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := defaultOptions()
	var redisAddr, logLevel string

	cmd := &cobra.Command{
		Use:           "clustersim",
		Short:         "Simulate a clustercron cluster and check exactly-once delivery",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logLevel, logging.FormatConsole, "")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			opts.Logger = logger

			var m store.Map = memory.NewMap()
			if redisAddr != "" {
				client := redis.NewClient(&redis.Options{Addr: redisAddr})
				defer client.Close()
				if err := client.Ping(cmd.Context()).Err(); err != nil {
					return fmt.Errorf("connect redis: %w", err)
				}
				m = storeredis.NewMap(client, fmt.Sprintf("clustersim:%d", time.Now().UnixNano()))
			}

			rep, err := simulate(cmd.Context(), m, opts)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(rep, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			if !rep.ExactlyOnce() {
				return fmt.Errorf("%d duplicate and %d missing deliveries", rep.Duplicates, rep.Missing)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.Nodes, "nodes", opts.Nodes, "number of nodes")
	f.IntVar(&opts.Triggers, "triggers", opts.Triggers, "number of hourly triggers")
	f.IntVar(&opts.Hours, "hours", opts.Hours, "simulated hours")
	f.IntVar(&opts.KillAt, "kill-at", opts.KillAt, "hour at which the last node crashes mid-fire (-1: never)")
	f.StringVar(&redisAddr, "redis-addr", "", "use a redis trigger map at this address instead of memory")
	f.StringVar(&logLevel, "log-level", "warn", "log level")
	return cmd
}
