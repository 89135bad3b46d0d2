package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/djlord-it/clustercron/internal/config"
	"github.com/djlord-it/clustercron/internal/jobs"
)

type rootOptions struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "clustercron",
		Short: "clustercron - cluster-wide recurring job triggers",
		Long: `clustercron fires recurring job triggers across a cluster of nodes.

Nodes share a trigger map (memory, redis or postgres) and a membership view
(memory, redis, postgres or etcd). Every due trigger is acquired by exactly
one live node; triggers held by nodes that leave are reclaimed by the
others. Configuration comes from environment variables, optionally layered
over a config file whose keys are the variable names.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newValidateCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func (o *rootOptions) load() (config.Config, error) {
	if o.configFile == "" {
		return config.Load(), nil
	}
	cfg, err := config.LoadFile(o.configFile)
	if err != nil {
		return config.Config{}, invalidConfig(err)
	}
	return cfg, nil
}

// loadValid loads the configuration and the job catalog and validates both.
func (o *rootOptions) loadValid() (config.Config, *jobs.Catalog, error) {
	cfg, err := o.load()
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, nil, invalidConfig(fmt.Errorf("configuration error: %w", err))
	}
	if cfg.JobsFile == "" {
		return cfg, jobs.NewCatalog(), nil
	}
	catalog, err := jobs.Load(cfg.JobsFile)
	if err != nil {
		return config.Config{}, nil, invalidConfig(err)
	}
	return cfg, catalog, nil
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and the job catalog (no connections made)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, catalog, err := opts.loadValid()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, w := range configWarnings(cfg) {
				fmt.Fprintln(out, w)
			}
			fmt.Fprintf(out, "configuration valid (%d jobs, %d triggers)\n", len(catalog.Jobs()), len(catalog.Triggers()))
			return nil
		},
	}
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print effective configuration as JSON (secrets masked)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			data, err := cfg.MaskedJSON()
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "clustercron version %s (commit: %s)\n", version, commit)
		},
	}
}
