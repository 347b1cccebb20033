package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/nebula-bc/pkg/connector/registry"

	// Register connectors
	_ "github.com/ajitpratap0/nebula-bc/pkg/connector/destinations/jsonl"
	_ "github.com/ajitpratap0/nebula-bc/pkg/connector/sources/dynamics_bc"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "nebula-bc",
		Short: "Incremental extraction from Microsoft Dynamics 365 Business Central",
		Long: `nebula-bc walks the Business Central resource graph per company, emits every
record as a JSON line and persists per-partition watermarks so the next run
only fetches what changed.`,
		SilenceUsage: true,
	}
	root.SetOut(out)

	var configFile string
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to YAML or JSON configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nebula-bc v%s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available connectors",
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "Available Source Connectors:")
			for _, source := range registry.ListSources() {
				fmt.Fprintf(w, "  - %s\n", source)
			}
			fmt.Fprintln(w, "\nAvailable Destination Connectors:")
			for _, dest := range registry.ListDestinations() {
				fmt.Fprintf(w, "  - %s\n", dest)
			}
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Verify credentials and the environment name",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), configFile, cmd.OutOrStdout())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "discover",
		Short: "Print the selected resources as a JSON catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(cmd.Context(), configFile, cmd.OutOrStdout())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run an incremental extraction",
		Long: `Run an incremental extraction with the given configuration. Records are
written as JSON lines to the configured destination followed by one STATE
message. The state store is updated after the destination has been flushed.

Example:
  nebula-bc run --config bc.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtraction(cmd.Context(), configFile)
		},
	})

	return root
}
