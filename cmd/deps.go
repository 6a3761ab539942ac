package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var flagVulnerableOnly bool

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Inspect the dependency catalog",
}

var depsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every dependency version in use with the projects declaring it",
	Args:  cobra.NoArgs,
	RunE:  withApp(runDepsList),
}

func init() {
	rootCmd.AddCommand(depsCmd)
	depsCmd.AddCommand(depsListCmd)
	depsListCmd.Flags().BoolVar(&flagVulnerableOnly, "vulnerable", false, "Only list versions with known vulnerabilities")
}

func runDepsList(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	usages, err := a.catalog.Usage(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "DEPENDENCY\tVERSION\tPROJECTS\tLAST SCANNED\tVULNERABILITIES")
	for _, u := range usages {
		if flagVulnerableOnly && !u.IsVulnerable() {
			continue
		}
		scanned := "never"
		if u.LastScannedAt != nil {
			scanned = u.LastScannedAt.Format(time.RFC3339)
		}
		vulns := "-"
		if u.IsVulnerable() {
			vulns = strings.Join(u.VulnerabilityIDs, ", ")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", u.Name, u.Version, strings.Join(u.Projects, ", "), scanned, vulns)
	}
	return w.Flush()
}
