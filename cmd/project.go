package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethanolivertroy/vuln-ledger/internal/models"
)

var (
	flagDescription string
	flagEcosystem   string
	flagManifest    string
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage tracked projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Track a new project",
	Long: `Create a project. Names are unique. With --manifest, the project's
dependencies are ingested from the given manifest file or directory.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runProjectCreate),
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked projects",
	Args:  cobra.NoArgs,
	RunE:  withApp(runProjectList),
}

var projectShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Show a project's dependencies and their last known vulnerabilities",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runProjectShow),
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Stop tracking a project",
	Args:  cobra.ExactArgs(1),
	RunE:  withApp(runProjectDelete),
}

func init() {
	rootCmd.AddCommand(projectCmd)
	projectCmd.AddCommand(projectCreateCmd, projectListCmd, projectShowCmd, projectDeleteCmd)

	projectCreateCmd.Flags().StringVarP(&flagDescription, "description", "d", "", "Project description")
	projectCreateCmd.Flags().StringVarP(&flagEcosystem, "ecosystem", "e", string(models.EcosystemPyPI), "Package ecosystem: PyPI, npm, Go")
	projectCreateCmd.Flags().StringVarP(&flagManifest, "manifest", "m", "", "Manifest file or directory to ingest")
}

func runProjectCreate(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	eco, err := models.ParseEcosystem(flagEcosystem)
	if err != nil {
		return err
	}
	project, err := a.projects.Create(ctx, args[0], flagDescription, eco)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created project %s (%s)\n", project.Name, project.Ecosystem)

	if flagManifest == "" {
		return nil
	}
	return ingestPath(ctx, a, cmd, project, flagManifest)
}

func runProjectList(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	projects, err := a.projects.List(ctx)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No projects tracked.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NAME\tECOSYSTEM\tUPDATED\tDESCRIPTION")
	for _, p := range projects {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, p.Ecosystem, p.UpdatedAt.Format(time.RFC3339), p.Description)
	}
	return w.Flush()
}

func runProjectShow(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	project, err := a.projects.GetByName(ctx, args[0])
	if err != nil {
		return err
	}
	entries, err := a.ledger.Entries(ctx, project.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s)\n", project.Name, project.Ecosystem)
	if project.Description != "" {
		fmt.Fprintln(out, project.Description)
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "DEPENDENCY\tVERSION\tLAST SCANNED\tVULNERABILITIES")
	for _, e := range entries {
		scanned := "never"
		if e.LastScannedAt != nil {
			scanned = e.LastScannedAt.Format(time.RFC3339)
		}
		vulns, err := a.ledger.Vulnerabilities(ctx, e.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.DependencyName, e.Version, scanned, joinIDs(vulns))
	}
	return w.Flush()
}

func runProjectDelete(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	project, err := a.projects.GetByName(ctx, args[0])
	if err != nil {
		return err
	}
	if err := a.projects.Delete(ctx, project.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted project %s\n", project.Name)
	return nil
}

func joinIDs(vulns []models.Vulnerability) string {
	if len(vulns) == 0 {
		return "-"
	}
	ids := make([]string, len(vulns))
	for i, v := range vulns {
		ids[i] = v.ExternalID
	}
	return strings.Join(ids, ", ")
}
