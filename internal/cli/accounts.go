package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/csvgate/csvgate/internal/models"
)

// accountsCmd represents the accounts command
var accountsCmd = &cobra.Command{
	Use:     "accounts",
	Aliases: []string{"account", "acct"},
	Short:   "List accounts or change an account's tier",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known accounts and their tiers",
	Args:  cobra.NoArgs,
	RunE:  runAccountsList,
}

var accountsSetTierCmd = &cobra.Command{
	Use:   "set-tier <account-id> <free|pro|business>",
	Short: "Create an account or change its tier",
	Long: `Create an account or change its tier. The new limits apply to the
next quota check; imports already counted in the period stay counted.

Example:
  csvgate accounts set-tier acct-42 pro`,
	Args: cobra.ExactArgs(2),
	RunE: runAccountsSetTier,
}

func init() {
	accountsCmd.AddCommand(accountsListCmd, accountsSetTierCmd)
	RootCmd.AddCommand(accountsCmd)
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	b, err := openBackends(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer b.Close()

	if err := seedAccountsFromConfig(ctx, b.accounts, cfg); err != nil {
		return err
	}
	accounts, err := b.accounts.ListAccounts(ctx)
	if err != nil {
		return err
	}
	if accounts == nil {
		accounts = []*models.Account{}
	}

	if globalFlags.JSON {
		return writeJSON(cmd.OutOrStdout(), accounts)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tTIER\tUPDATED")
	for _, acc := range accounts {
		fmt.Fprintf(w, "%s\t%s\t%s\n", acc.ID, acc.Tier, acc.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func runAccountsSetTier(cmd *cobra.Command, args []string) error {
	tier, err := models.ParseTier(args[1])
	if err != nil {
		return err
	}
	account := &models.Account{ID: args[0], Tier: tier}
	if err := account.Validate(); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	b, err := openBackends(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.accounts.SetAccount(ctx, account); err != nil {
		return err
	}
	if globalFlags.JSON {
		return writeJSON(cmd.OutOrStdout(), account)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "account %s is now on the %s tier\n", account.ID, account.Tier)
	return nil
}
