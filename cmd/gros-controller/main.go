// Command gros-controller runs the central GROS service that agents
// register with, upload export bundles to, and report health against.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/grip-on-software/data-gathering-sub000/internal/config"
	"github.com/grip-on-software/data-gathering-sub000/internal/telemetry"
	"github.com/grip-on-software/data-gathering-sub000/internal/version"
)

var (
	configPath  string
	jsonOutput  bool
	verboseFlag bool // Enable verbose/debug output
	quietFlag   bool // Suppress non-essential output

	controllerCfg *config.Controller

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var configFreeCommands = map[string]bool{
	"version":    true,
	"help":       true,
	"completion": true,
	"__complete": true,
}

func configFree(cmd *cobra.Command) bool {
	if configFreeCommands[cmd.Name()] {
		return true
	}
	if cmd.Parent() != nil && configFreeCommands[cmd.Parent().Name()] {
		return true
	}
	// The bare root command only shows help or the --version flag.
	return cmd.Parent() == nil
}

var rootCmd = &cobra.Command{
	Use:   "gros-controller",
	Short: "gros-controller - central service for gathered software development data",
	Long: `The controller accepts registrations from per-project gathering agents,
receives their export bundles, serializes imports into the central
database, and answers health and tracker queries.`,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("gros-controller version %s\n", version.String())
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		if configFree(cmd) {
			return
		}

		cfg, err := config.LoadController(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		controllerCfg = cfg

		if err := telemetry.Init(rootCtx, "gros-controller", version.Version); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: telemetry disabled: %v\n", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		telemetry.Shutdown(context.Background())
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (default: ~/.gros/controller.yaml, /etc/gros/controller.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")
	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

// logLevel resolves the effective log level, with the command line
// overriding the configuration file.
func logLevel() config.LogLevel {
	switch {
	case quietFlag:
		return config.LogError
	case verboseFlag:
		return config.LogDebug
	default:
		return controllerCfg.LogLevel
	}
}

func outputJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: encoding output: %v\n", err)
		os.Exit(1)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
