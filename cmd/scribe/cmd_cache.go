package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the stage cache",
	}
	cmd.AddCommand(newCacheStatsCmd())
	cmd.AddCommand(newCachePruneCmd())
	cmd.AddCommand(newCacheInvalidateCmd())
	return cmd
}

func newCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show entries and size per stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			stages, err := a.cache.Stats(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "STAGE\tENTRIES\tINLINE\tSIZE")
			var entries, total int64
			for _, s := range stages {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", s.Stage, s.Entries, s.Inline, humanize.IBytes(uint64(s.TotalBytes)))
				entries += s.Entries
				total += s.TotalBytes
			}
			fmt.Fprintf(tw, "total\t%d\t\t%s\n", entries, humanize.IBytes(uint64(total)))
			return tw.Flush()
		},
	}
}

func newCachePruneCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "prune",
		Short: "Remove expired, stale and least recently used entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			policy := a.prunePolicy()
			if f := cmd.Flags(); f.Changed("max-age") {
				policy.MaxAge, _ = f.GetDuration("max-age")
			}
			if s, _ := cmd.Flags().GetString("max-size"); s != "" {
				n, err := humanize.ParseBytes(s)
				if err != nil {
					return fmt.Errorf("invalid --max-size: %w", err)
				}
				policy.MaxBytes = int64(n)
			}

			res, err := a.cache.Prune(cmd.Context(), policy)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries, freed %s, %s remaining\n",
				res.Removed, humanize.IBytes(uint64(res.FreedBytes)), humanize.IBytes(uint64(res.Remaining)))
			return nil
		},
	}
	c.Flags().Duration("max-age", 0, "drop entries not used for this long (default cache.max_age)")
	c.Flags().String("max-size", "", "shrink the cache to this size, e.g. 5GiB (default cache.max_bytes)")
	return c
}

func newCacheInvalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <key>",
		Short: "Delete one cache entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.cache.Invalidate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no cache entry %s", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}
