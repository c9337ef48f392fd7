package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mavdaviddraughn/tasksmith/internal/cache"
	"github.com/mavdaviddraughn/tasksmith/internal/logger"
)

// NewCacheCommand creates the cache command group
func NewCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the result cache",
	}

	cmd.AddCommand(newCacheStatsCommand())
	cmd.AddCommand(newCacheClearCommand())

	return cmd
}

func newCacheStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show result cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openPersistentCache(cmd)
			if err != nil {
				return err
			}
			defer c.Stop()

			stats := c.Stats()
			fmt.Printf("Cache statistics:\n")
			fmt.Printf("  Items: %d\n", stats.Items)
			fmt.Printf("  Memory: %.1f KiB\n", float64(stats.MemoryBytes)/1024)

			items, err := c.Query(cache.Filter{})
			if err != nil {
				return err
			}
			for _, item := range items {
				fmt.Printf("  %s  hits=%d  size=%d\n",
					item.Key, item.Metadata.HitCount, item.Metadata.SizeBytes)
			}
			return nil
		},
	}
}

func newCacheClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every memoized result",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openPersistentCache(cmd)
			if err != nil {
				return err
			}
			defer c.Stop()

			before := c.Stats().Items
			c.Clear()
			fmt.Printf("Removed %d cached result(s)\n", before)
			return nil
		},
	}
}

// openPersistentCache loads the configured cache with persistence forced on,
// so the command sees what run left behind.
func openPersistentCache(cmd *cobra.Command) (*cache.Cache, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	cacheCfg, err := cfg.CacheConfig()
	if err != nil {
		return nil, err
	}
	cacheCfg.Persistent = true
	cacheCfg.CleanupInterval = 0

	log := logger.NewConsoleLogger(nil, cfg.LogLevel)
	return cache.New(cacheCfg, nil, log)
}
