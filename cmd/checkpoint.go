package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/popkit/internal/checkpoint"
	"github.com/nextlevelbuilder/popkit/internal/config"
)

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage workflow checkpoints",
	}
	cmd.AddCommand(checkpointListCmd(), checkpointCreateCmd(), checkpointRestoreCmd())
	return cmd
}

func openCheckpoints() (*checkpoint.Manager, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	workdir, _ := os.Getwd()
	if !filepath.IsAbs(cfg.StateDir) {
		cfg.StateDir = filepath.Join(workdir, cfg.StateDir)
	}
	git := checkpoint.ExecGitReader{Dir: workdir}
	return checkpoint.NewManager(cfg.PopkitDir(), cfg.Checkpoints.MaxEntries, cfg.Checkpoints.RetentionDays, git), cfg, nil
}

func checkpointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := openCheckpoints()
			if err != nil {
				return err
			}
			selections, err := mgr.ListForSelection()
			if err != nil {
				return err
			}
			if len(selections) == 0 {
				fmt.Println("no checkpoints")
				return nil
			}
			for _, s := range selections {
				fmt.Printf("%-12s %-28s %s\n", s.ID, s.Label, s.Description)
			}
			return nil
		},
	}
}

func checkpointCreateCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a manual checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := openCheckpoints()
			if err != nil {
				return err
			}
			cp, err := mgr.Create(context.Background(), args[0], checkpoint.TypeManual, "user",
				checkpoint.ContextSnapshot{}, note)
			if err != nil {
				return err
			}
			fmt.Printf("created %s (%s @ %s)\n", cp.ID, cp.Git.Branch, checkpoint.ShortHash(cp.Git.Commit))
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "attach a note")
	return cmd
}

func checkpointRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Show the restore plan for a checkpoint (no files are modified)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := openCheckpoints()
			if err != nil {
				return err
			}
			plan, err := mgr.Restore(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("checkpoint: %s (%s)\n", plan.Checkpoint.Name, plan.Checkpoint.ID)
			fmt.Printf("  saved:    %s @ %s\n", plan.Checkpoint.Git.Branch, checkpoint.ShortHash(plan.Checkpoint.Git.Commit))
			fmt.Printf("  current:  %s @ %s\n", plan.Current.Branch, checkpoint.ShortHash(plan.Current.Commit))
			if plan.Checkpoint.Context.Phase != "" {
				fmt.Printf("  phase:    %s\n", plan.Checkpoint.Context.Phase)
			}
			fmt.Println("  actions:")
			for _, a := range plan.Actions {
				fmt.Printf("    - %s\n", a)
			}
			return nil
		},
	}
}
