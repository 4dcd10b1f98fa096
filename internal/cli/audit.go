package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/gonkalabs/gonka-anonymizer/internal/audit"
)

var (
	auditDB    string
	auditLimit int
	auditJSON  bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
	Long: `Inspect the local audit log written by serve and mcp serve when AUDIT_DB
is set. The log holds sizes, entity counts and labels; never the texts or
the original values.`,
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent operations",
	Args:  cobra.NoArgs,
	RunE:  runAuditList,
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show totals per operation",
	Args:  cobra.NoArgs,
	RunE:  runAuditSummary,
}

func init() {
	auditCmd.PersistentFlags().StringVar(&auditDB, "db", "", "audit database (default $AUDIT_DB)")
	auditCmd.PersistentFlags().BoolVar(&auditJSON, "json", false, "output as JSON")
	auditListCmd.Flags().IntVarP(&auditLimit, "limit", "n", 20, "maximum number of operations")
	auditCmd.AddCommand(auditListCmd, auditSummaryCmd)
	rootCmd.AddCommand(auditCmd)
}

func openAudit() (*audit.Store, error) {
	c, err := loadedConfig()
	if err != nil {
		return nil, err
	}
	path := auditDB
	if path == "" {
		path = c.AuditDB
	}
	if path == "" {
		return nil, errors.New("no audit database: set AUDIT_DB or use --db")
	}
	return audit.Open(path)
}

func runAuditList(cmd *cobra.Command, _ []string) error {
	store, err := openAudit()
	if err != nil {
		return err
	}
	defer store.Close()

	ops, err := store.List(cmd.Context(), auditLimit)
	if err != nil {
		return err
	}
	if auditJSON {
		return outputJSON(cmd, ops)
	}

	out := cmd.OutOrStdout()
	if len(ops) == 0 {
		fmt.Fprintln(out, "No operations recorded.")
		return nil
	}
	for _, op := range ops {
		status := "ok"
		if op.Kind != "" {
			status = op.Kind
		}
		fmt.Fprintf(out, "%s  %-11s  %-22s  %6dB -> %6dB  %3d entities  %s  %s\n",
			op.CreatedAt.Local().Format(time.DateTime),
			op.Op,
			status,
			op.InputBytes,
			op.OutputBytes,
			op.Entities,
			op.Duration,
			formatLabels(op.Labels),
		)
	}
	return nil
}

func runAuditSummary(cmd *cobra.Command, _ []string) error {
	store, err := openAudit()
	if err != nil {
		return err
	}
	defer store.Close()

	sums, err := store.Summary(cmd.Context())
	if err != nil {
		return err
	}
	if auditJSON {
		return outputJSON(cmd, sums)
	}

	out := cmd.OutOrStdout()
	if len(sums) == 0 {
		fmt.Fprintln(out, "No operations recorded.")
		return nil
	}
	for _, s := range sums {
		fmt.Fprintf(out, "%-11s  %d calls, %d failed, %d entities\n", s.Op, s.Count, s.Failed, s.Entities)
	}
	return nil
}

// formatLabels renders label counts as "EMAIL_ADDRESS=1 PERSON=2".
func formatLabels(labels map[string]int) string {
	keys := lo.Keys(labels)
	sort.Strings(keys)
	return strings.Join(lo.Map(keys, func(k string, _ int) string {
		return fmt.Sprintf("%s=%d", k, labels[k])
	}), " ")
}
