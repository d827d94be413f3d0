package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "klyro",
		Short: "Klyro storage and sync tool",
		Long: `Klyro keeps the nutrition diary, profile and settings of a Telegram
mini-app user in a local database and mirrors them to Telegram
CloudStorage when a host bridge is available.

Configuration comes from the environment (or a .env file):

  KLYRO_DATA_DIR       local database directory (default ~/.klyro)
  KLYRO_BRIDGE_URL     ws:// URL of the host bridge; unset means local only
  TELEGRAM_INIT_DATA   signed launch data identifying the user
  KLYRO_API_URL        profile API base URL

Examples:
  # Serve MCP tools and metrics
  klyro serve

  # Inspect one dataset on both tiers
  klyro get diary
  klyro diff diary`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newGetCmd(),
		newSetCmd(),
		newRmCmd(),
		newDiffCmd(),
		newExportCmd(),
		newImportCmd(),
		newProductsCmd(),
		newProfileCmd(),
		newHashKeyCmd(),
	)

	return rootCmd
}
