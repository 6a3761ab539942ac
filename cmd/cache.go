package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the advisory cache",
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove expired cached advisories",
	Args:  cobra.NoArgs,
	RunE:  withApp(runCachePrune),
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached advisory",
	Args:  cobra.NoArgs,
	RunE:  withApp(runCacheClear),
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cachePruneCmd, cacheClearCmd)
}

func runCachePrune(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	if a.cache == nil {
		return fmt.Errorf("advisory cache is not available")
	}
	n, err := a.cache.Prune()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired entries\n", n)
	return nil
}

func runCacheClear(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	if a.cache == nil {
		return fmt.Errorf("advisory cache is not available")
	}
	n, err := a.cache.Clear()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries\n", n)
	return nil
}
