// Command lspd runs the cake demo language server over stdio and inspects the
// method catalog.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const flagConfig = "config"

var configPath string

// exitCode is set by serve from the session lifecycle and used by main once
// the command has returned.
var exitCode int

var rootCmd = &cobra.Command{
	Use:   "lspd",
	Short: "Language server runtime demo",
	Long: `lspd hosts the cake demo language server.

  lspd serve       # speak LSP over stdin/stdout
  lspd catalog     # list routable methods and handler parameter schemas

Configuration is read from LSPD_* environment variables and, with --config,
from a YAML file that overrides them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, flagConfig, "", "path to a YAML configuration file")
	rootCmd.AddCommand(newServeCmd(), newCatalogCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lspd:", err)
		os.Exit(2)
	}
	os.Exit(exitCode)
}
