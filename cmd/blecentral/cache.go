package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/store"
	"github.com/srg/blecentral/pkg/config"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the peripheral cache",
		Long: `Lists and edits the SQLite cache of discovered peripherals and enumerated
catalogs. The cache is enabled by cache_path in the config file or --path.`,
	}
	cmd.PersistentFlags().String("path", "", "Cache database; default cache_path from config")

	var format string
	list := &cobra.Command{
		Use:   "list",
		Short: "List cached peripherals, most recently seen first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCache(cmd, func(ctx context.Context, cfg *config.Config, st *store.Store) error {
				if format == "" {
					format = cfg.OutputFormat
				}
				if err := validateFormat(format); err != nil {
					return err
				}
				peripherals, err := st.Peripherals(ctx)
				if err != nil {
					return err
				}
				if format == config.FormatJSON {
					return writeJSON(cmd.OutOrStdout(), peripherals)
				}
				return writePeripheralsTable(cmd.OutOrStdout(), peripherals, time.Now())
			})
		},
	}
	list.Flags().StringVarP(&format, "format", "f", "", "Output format (table, json); default from config")

	show := &cobra.Command{
		Use:   "show <device-address>",
		Short: "Print the cached catalog of a peripheral",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(ctx context.Context, _ *config.Config, st *store.Store) error {
				catalog, err := st.Catalog(ctx, device.PeripheralID(args[0]))
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), catalog)
			})
		},
	}

	forget := &cobra.Command{
		Use:   "forget <device-address>",
		Short: "Remove a peripheral and its catalog from the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(ctx context.Context, _ *config.Config, st *store.Store) error {
				if err := st.Remove(ctx, device.PeripheralID(args[0])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, show, forget)
	return cmd
}

// withCache opens the configured cache for fn.
func withCache(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, st *store.Store) error) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("path")
	if path == "" {
		path = cfg.CachePath
	}
	if path == "" {
		return fmt.Errorf("no cache configured: set cache_path in the config file or pass --path")
	}
	cmd.SilenceUsage = true

	st, err := store.Open(path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := commandContext(cmd)
	defer stop()
	return fn(ctx, cfg, st)
}
