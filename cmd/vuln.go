package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	apperrors "github.com/ethanolivertroy/vuln-ledger/internal/errors"
	"github.com/ethanolivertroy/vuln-ledger/internal/models"
)

var flagRemote bool

var vulnCmd = &cobra.Command{
	Use:   "vuln",
	Short: "Inspect stored vulnerabilities",
}

var vulnShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a vulnerability by its advisory id",
	Long: `Show a stored vulnerability. With --remote, or when the advisory has
not been stored yet, the full record is fetched from OSV.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(runVulnShow),
}

var vulnPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete vulnerabilities no dependency refers to any more",
	Args:  cobra.NoArgs,
	RunE:  withApp(runVulnPurge),
}

func init() {
	rootCmd.AddCommand(vulnCmd)
	vulnCmd.AddCommand(vulnShowCmd, vulnPurgeCmd)
	vulnShowCmd.Flags().BoolVar(&flagRemote, "remote", false, "Always fetch the advisory from OSV")
}

func runVulnShow(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	id := args[0]

	var vuln *models.Vulnerability
	if !flagRemote {
		stored, err := a.vulns.Get(ctx, id)
		switch {
		case err == nil:
			vuln = stored
		case !apperrors.IsKind(err, apperrors.KindNotFound):
			return err
		}
	}
	if vuln == nil {
		f, err := a.feed.GetVulnerability(ctx, id)
		if err != nil {
			return err
		}
		vuln = &models.Vulnerability{
			ExternalID: f.ExternalID,
			Summary:    f.Summary,
			Severity:   f.Severity,
			Modified:   f.Modified,
			Details:    f.Details,
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\n", vuln.ExternalID)
	if vuln.Severity != models.SeverityUnknown {
		fmt.Fprintf(out, "Severity: %s\n", vuln.Severity)
	}
	if !vuln.Modified.IsZero() {
		fmt.Fprintf(out, "Modified: %s\n", vuln.Modified.Format("2006-01-02"))
	}
	if vuln.Summary != "" {
		fmt.Fprintf(out, "\n%s\n", vuln.Summary)
	}
	if len(vuln.Details) > 0 {
		pretty, err := json.MarshalIndent(vuln.Details, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format advisory: %w", err)
		}
		fmt.Fprintf(out, "\n%s\n", pretty)
	}
	return nil
}

func runVulnPurge(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	n, err := a.vulns.Purge(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Purged %d vulnerabilities\n", n)
	return nil
}
