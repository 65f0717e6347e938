package cli

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags.
var Version = "0.1.0"

// GlobalFlags contains global flags available for all commands
type GlobalFlags struct {
	Config  string
	DBPath  string
	Verbose bool
	JSON    bool
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "csvgate",
	Short: "csvgate - quota-gated delivery of imported rows",
	Long: `csvgate admits CSV imports against a per-account monthly quota and
delivers the processed rows to a row store or a signed webhook.

Usage:
  csvgate [command] [flags]

Available Commands:
  serve      Start the csvgate HTTP server
  usage      Show the usage record of an account
  accounts   List accounts or change an account's tier
  deliver    Deliver rows from a file to a destination
  sign       Sign or verify a webhook payload
  check      Check configuration and storage

Flags:
  --config string   Path to configuration file (default "config.yaml")
  --db string       Path to SQLite database (overrides ledger.db_path)
  --verbose         Enable verbose output
  --json            Output in JSON format

Use "csvgate [command] --help" for more information about a command.`,
	SilenceUsage: true,
}

// InitRoot initializes the root command with global flags
func InitRoot() {
	configPath := os.Getenv("CSVGATE_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	RootCmd.PersistentFlags().StringVar(&globalFlags.Config, "config", configPath, "Path to configuration file")
	RootCmd.PersistentFlags().StringVar(&globalFlags.DBPath, "db", os.Getenv("CSVGATE_DB_PATH"), "Path to SQLite database")
	RootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Enable verbose output")
	RootCmd.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "Output in JSON format")

	RootCmd.AddCommand(versionCmd)
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of csvgate",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd)
	},
}

var globalFlags GlobalFlags

// GetGlobalFlags returns the global flags
func GetGlobalFlags() GlobalFlags {
	return globalFlags
}

func printVersion(cmd *cobra.Command) {
	info := GetVersionInfo()
	if globalFlags.JSON {
		_ = writeJSON(cmd.OutOrStdout(), info)
		return
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "csvgate Version:", info.Version)
	fmt.Fprintln(out, "Go Version:", info.GoVersion)
	fmt.Fprintln(out, "OS/Arch:", info.OS+"/"+info.Arch)
}

// VersionInfo contains version information
type VersionInfo struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetVersionInfo returns version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}
