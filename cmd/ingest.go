package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethanolivertroy/vuln-ledger/internal/models"
	"github.com/ethanolivertroy/vuln-ledger/internal/parsers"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest NAME PATH",
	Short: "Replace a project's dependencies with those declared in a manifest",
	Long: `Parse the manifest at PATH, or every manifest below it when PATH is a
directory, and make it the project's declared dependency set. Entries that
were already tracked keep their scan history; dependencies no longer
declared are dropped from the project.

Only pinned versions are accepted. Packages from other ecosystems than the
project's are skipped.`,
	Args: cobra.ExactArgs(2),
	RunE: withApp(runIngest),
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	project, err := a.projects.GetByName(ctx, args[0])
	if err != nil {
		return err
	}
	return ingestPath(ctx, a, cmd, project, args[1])
}

func ingestPath(ctx context.Context, a *app, cmd *cobra.Command, project *models.Project, path string) error {
	pkgs, files, err := parsers.Discover(path)
	if err != nil {
		return fmt.Errorf("failed to read manifests: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no supported manifests found in %s", path)
	}

	var (
		matching []models.Package
		skipped  int
	)
	for _, p := range pkgs {
		if p.Ecosystem != project.Ecosystem {
			skipped++
			continue
		}
		matching = append(matching, p)
	}
	if skipped > 0 {
		a.logger.Warn("skipping packages from other ecosystems",
			"project", project.Name,
			"ecosystem", project.Ecosystem,
			"skipped", skipped,
		)
	}

	result, err := a.scanner.Ingest(ctx, project.ID, matching)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d manifests into %s: %d added, %d unchanged, %d removed\n",
		len(files), project.Name, result.Added, result.Unchanged, result.Removed)
	return nil
}
