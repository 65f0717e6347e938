package cli

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/csvgate/csvgate/internal/imports"
	"github.com/csvgate/csvgate/internal/models"
)

// deliverCmd represents the deliver command
var deliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Deliver rows from a file to a destination",
	Long: `Deliver rows read from a CSV or JSON file to the destination described
in a YAML or JSON file. With --account the import is gated by the
account's quota and row cap first, exactly like POST /v1/imports.

Examples:
  # Ungated delivery of a CSV file
  csvgate deliver --destination webhook.yaml --rows contacts.csv

  # Quota-gated import for an account
  csvgate deliver --destination rowstore.yaml --rows rows.json --account acct-42`,
	Args: cobra.NoArgs,
	RunE: runDeliver,
}

var deliverFlags struct {
	Destination string
	Rows        string
	AccountID   string
	JobID       string
}

func init() {
	deliverCmd.Flags().StringVar(&deliverFlags.Destination, "destination", "", "Destination config file (YAML or JSON)")
	deliverCmd.Flags().StringVar(&deliverFlags.Rows, "rows", "", "Rows file (.csv with a header row, or a JSON array of objects)")
	deliverCmd.Flags().StringVar(&deliverFlags.AccountID, "account", "", "Gate the delivery by this account's quota")
	deliverCmd.Flags().StringVar(&deliverFlags.JobID, "job", "", "Job ID (default: generated)")
	_ = deliverCmd.MarkFlagRequired("destination")
	_ = deliverCmd.MarkFlagRequired("rows")

	RootCmd.AddCommand(deliverCmd)
}

func runDeliver(cmd *cobra.Command, args []string) error {
	dest, err := readDestination(deliverFlags.Destination)
	if err != nil {
		return err
	}
	rows, err := readRows(deliverFlags.Rows)
	if err != nil {
		return err
	}

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

	req := imports.Request{
		JobID:       deliverFlags.JobID,
		AccountID:   deliverFlags.AccountID,
		Destination: dest,
		Rows:        rows,
	}

	var out imports.Outcome
	if req.AccountID != "" {
		out, err = a.imports.Run(ctx, req)
	} else {
		out, err = a.imports.Deliver(ctx, req)
	}
	if err != nil {
		return err
	}

	if globalFlags.JSON {
		if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
	} else {
		printOutcome(cmd.OutOrStdout(), out)
	}

	if out.Status != imports.StatusDelivered {
		return fmt.Errorf("job %s: %s", out.JobID, out.Status)
	}
	return nil
}

func printOutcome(w io.Writer, out imports.Outcome) {
	fmt.Fprintf(w, "job:     %s\n", out.JobID)
	fmt.Fprintf(w, "status:  %s\n", out.Status)
	if adm := out.Admission; adm != nil {
		fmt.Fprintf(w, "quota:   %d/%s (%s, %s)\n", adm.NewCount, adm.Limit.String(), adm.Tier, adm.Period)
	}
	if res := out.Result; res != nil {
		fmt.Fprintf(w, "rows:    %d delivered in %d attempt(s)\n", res.RowsDelivered, res.Attempts)
		if res.ErrorCode != "" {
			fmt.Fprintf(w, "error:   %s %s\n", res.ErrorCode, res.ErrorMessage)
		}
	}
	if out.LogID != "" {
		fmt.Fprintf(w, "log:     %s\n", out.LogID)
	}
}

// readDestination parses a destination file. YAML is a superset of JSON, so one
// decoder serves both.
func readDestination(path string) (models.DestinationConfig, error) {
	var dest models.DestinationConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return dest, fmt.Errorf("failed to read destination: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &dest); err != nil {
		return dest, fmt.Errorf("failed to parse destination %s: %w", path, err)
	}
	return dest, nil
}

func readRows(path string) ([]models.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return decodeCSVRows(f)
	}

	var rows []models.Row
	dec := json.NewDecoder(f)
	dec.UseNumber()
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to parse rows %s: %w", path, err)
	}
	return rows, nil
}

// decodeCSVRows maps every record onto the header row. Values stay strings.
func decodeCSVRows(r io.Reader) ([]models.Row, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return []models.Row{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	rows := []models.Row{}
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row %d: %w", len(rows)+1, err)
		}
		row := make(models.Row, len(header))
		for i, col := range header {
			row[col] = record[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}
