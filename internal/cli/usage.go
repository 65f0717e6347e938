package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/csvgate/csvgate/internal/models"
	"github.com/csvgate/csvgate/internal/store"
)

// usageCmd represents the usage command
var usageCmd = &cobra.Command{
	Use:   "usage [account-id]",
	Short: "Show the usage record of an account",
	Long: `Show how many imports an account has run in a billing period and
what its tier allows.

Examples:
  # Current period
  csvgate usage acct-42

  # A past period, as JSON
  csvgate usage acct-42 --period 2026-09 --json

  # Every account with usage in the current period
  csvgate usage --all`,
	Args: func(cmd *cobra.Command, args []string) error {
		if usageFlags.All {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: runUsage,
}

var usageFlags struct {
	Period string
	All    bool
}

func init() {
	usageCmd.Flags().StringVar(&usageFlags.Period, "period", "", "Billing period as YYYY-MM (default: current)")
	usageCmd.Flags().BoolVar(&usageFlags.All, "all", false, "List every account with usage in the period")

	RootCmd.AddCommand(usageCmd)
}

// UsageDisplayInfo is the usage of one account as shown by the CLI.
type UsageDisplayInfo struct {
	AccountID        string      `json:"account_id"`
	Period           string      `json:"period"`
	Tier             models.Tier `json:"tier"`
	ImportCount      int         `json:"import_count"`
	ImportLimit      string      `json:"import_limit"`
	RowCount         int64       `json:"row_count"`
	MaxRowsPerImport int         `json:"max_rows_per_import"`
	WarningSent      bool        `json:"warning_sent"`
	LimitSent        bool        `json:"limit_sent"`
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()

	period := usageFlags.Period
	if period == "" {
		period = a.ledger.Period()
	}
	if err := models.ValidatePeriod(period); err != nil {
		return err
	}

	var infos []UsageDisplayInfo
	if usageFlags.All {
		infos, err = listUsage(ctx, a, period)
	} else {
		var info UsageDisplayInfo
		info, err = usageInfo(ctx, a, args[0], period)
		infos = []UsageDisplayInfo{info}
	}
	if err != nil {
		return err
	}

	if globalFlags.JSON {
		if usageFlags.All {
			return writeJSON(cmd.OutOrStdout(), infos)
		}
		return writeJSON(cmd.OutOrStdout(), infos[0])
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tPERIOD\tTIER\tIMPORTS\tROWS\tMAX ROWS/IMPORT")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%s\t%d\t%d\n",
			info.AccountID, info.Period, info.Tier, info.ImportCount, info.ImportLimit, info.RowCount, info.MaxRowsPerImport)
	}
	return w.Flush()
}

func usageInfo(ctx context.Context, a *app, accountID, period string) (UsageDisplayInfo, error) {
	rec, err := a.ledger.GetOrCreate(ctx, accountID, period)
	if err != nil {
		return UsageDisplayInfo{}, err
	}
	return displayUsage(ctx, a, rec)
}

// listUsage reads every record of period. Only backends that can enumerate records
// support it.
func listUsage(ctx context.Context, a *app, period string) ([]UsageDisplayInfo, error) {
	lister, ok := a.backends.usage.(store.UsageLister)
	if !ok {
		return nil, fmt.Errorf("backend %s cannot list usage records", a.backends.name)
	}
	recs, err := lister.ListUsage(ctx, period)
	if err != nil {
		return nil, err
	}
	infos := make([]UsageDisplayInfo, 0, len(recs))
	for _, rec := range recs {
		info, err := displayUsage(ctx, a, rec)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func displayUsage(ctx context.Context, a *app, rec *models.UsageRecord) (UsageDisplayInfo, error) {
	tier, err := a.ledger.Tier(ctx, rec.AccountID)
	if err != nil {
		return UsageDisplayInfo{}, err
	}
	limits := a.ledger.Policy().LimitsFor(tier)

	return UsageDisplayInfo{
		AccountID:        rec.AccountID,
		Period:           rec.Period,
		Tier:             tier,
		ImportCount:      rec.ImportCount,
		ImportLimit:      limits.ImportLimit.String(),
		RowCount:         rec.RowCount,
		MaxRowsPerImport: limits.MaxRowsPerImport,
		WarningSent:      rec.WarningSent,
		LimitSent:        rec.LimitSent,
	}, nil
}
