package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/popkit/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/popkit/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "popkit",
	Short: "popkit — agent orchestration runtime",
	Long: "Popkit sits between a coding assistant and its tools: it enforces " +
		"safety and quality gates on every tool call, coordinates concurrent " +
		"agents over a pub/sub bus, routes work by semantic similarity, and " +
		"preserves state across sessions with checkpoints and a knowledge store.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		// Hooks own stdout for the protocol; all logging goes to stderr.
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: .claude/popkit.json or $POPKIT_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(hookCmd())
	rootCmd.AddCommand(coordinatorCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(knowledgeCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("popkit %s\n", Version)
		},
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.ResolvePath(cfgFile))
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
