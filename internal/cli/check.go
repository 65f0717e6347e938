package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/csvgate/csvgate/internal/config"
	"github.com/csvgate/csvgate/internal/models"
	"github.com/csvgate/csvgate/internal/quota"
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:     "check",
	Aliases: []string{"c", "doctor", "status"},
	Short:   "Check configuration and storage",
	Long: `Check that csvgate can start with the current configuration.

This command checks:
- Configuration validity
- Ledger backend connectivity
- Quota limits per tier
- Alert delivery settings

Example:
  csvgate check --config config.yaml`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	RootCmd.AddCommand(checkCmd)
}

// Check statuses.
const (
	CheckOK      = "OK"
	CheckWarning = "WARNING"
	CheckFail    = "FAIL"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return outputCheckResults(cmd.OutOrStdout(), []CheckResult{{
			Name: "Configuration", Status: CheckFail, Message: err.Error(),
		}})
	}

	results := []CheckResult{
		checkConfig(cfg, loader),
		checkLedger(cmd, cfg),
		checkTiers(cfg),
		checkAlerts(cfg),
	}
	return outputCheckResults(cmd.OutOrStdout(), results)
}

func checkConfig(cfg *config.Config, loader *config.Loader) CheckResult {
	result := CheckResult{Name: "Configuration", Status: CheckOK}
	if loader == nil {
		result.Status = CheckWarning
		result.Message = fmt.Sprintf("%s not found, using defaults", globalFlags.Config)
	} else {
		result.Message = fmt.Sprintf("Configuration valid (version: %s)", cfg.Version)
	}
	result.Details = fmt.Sprintf("Server: %s, Accounts: %d", cfg.Server.Addr(), len(cfg.Accounts))
	return result
}

func checkLedger(cmd *cobra.Command, cfg *config.Config) CheckResult {
	result := CheckResult{Name: "Ledger", Status: CheckOK}

	b, err := openBackends(cmd.Context(), cfg, newLogger(cfg))
	if err != nil {
		result.Status = CheckFail
		result.Message = err.Error()
		return result
	}
	defer b.Close()

	result.Message = fmt.Sprintf("%s backend reachable", cfg.Ledger.Backend)
	switch cfg.Ledger.Backend {
	case config.BackendMemory:
		result.Status = CheckWarning
		result.Details = "usage is lost on restart"
	default:
		result.Details = "SQLite: " + cfg.Ledger.DBPath
	}
	return result
}

func checkTiers(cfg *config.Config) CheckResult {
	policy := quota.NewPolicy(cfg.Quota.Overrides())
	all := policy.All()

	parts := make([]string, 0, len(all))
	for _, tier := range models.Tiers {
		limits, ok := all[tier]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s/%d rows", tier, limits.ImportLimit.String(), limits.MaxRowsPerImport))
	}
	return CheckResult{
		Name:    "Quota",
		Status:  CheckOK,
		Message: fmt.Sprintf("%d tiers", len(all)),
		Details: strings.Join(parts, ", "),
	}
}

func checkAlerts(cfg *config.Config) CheckResult {
	result := CheckResult{Name: "Alerts", Status: CheckOK}
	switch {
	case !cfg.Alerts.Enabled:
		result.Status = CheckWarning
		result.Message = "Alerts disabled"
	case cfg.Telegram.Enabled:
		result.Message = "Alerts go to the log and Telegram"
		result.Details = fmt.Sprintf("chat_id=%d", cfg.Telegram.ChatID)
	default:
		result.Message = "Alerts go to the log only"
	}
	return result
}

func outputCheckResults(w io.Writer, results []CheckResult) error {
	failed := false
	for _, r := range results {
		if r.Status == CheckFail {
			failed = true
		}
	}

	if globalFlags.JSON {
		if err := writeJSON(w, results); err != nil {
			return err
		}
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CHECK\tSTATUS\tMESSAGE\tDETAILS")
		for _, r := range results {
			statusIcon := "✓"
			if r.Status == CheckFail {
				statusIcon = "✗"
			} else if r.Status == CheckWarning {
				statusIcon = "!"
			}
			details := r.Details
			if details == "" {
				details = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, statusIcon+" "+r.Status, r.Message, details)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(w)
		if failed {
			fmt.Fprintln(w, "✗ Some checks failed. Please review the output above.")
		} else {
			fmt.Fprintln(w, "✓ All checks passed!")
		}
	}

	if failed {
		return fmt.Errorf("health check failed")
	}
	return nil
}
