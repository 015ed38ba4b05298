package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/popkit/internal/config"
	"github.com/nextlevelbuilder/popkit/internal/feedback"
)

func feedbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Record ratings and score issue priority",
	}
	cmd.AddCommand(feedbackRecordCmd(), feedbackPriorityCmd())
	return cmd
}

func openFeedback() (*feedback.Store, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	workdir, _ := os.Getwd()
	if !filepath.IsAbs(cfg.StateDir) {
		cfg.StateDir = filepath.Join(workdir, cfg.StateDir)
	}
	if err := os.MkdirAll(cfg.PopkitDir(), 0755); err != nil {
		return nil, nil, err
	}
	store, err := feedback.Open(cfg.FeedbackDBPath(), cfg.Feedback.PromptGap, cfg.Feedback.MaxDismissals)
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func feedbackRecordCmd() *cobra.Command {
	var session, feature, reason string
	var rating, afterTools int
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one 0–3 rating",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openFeedback()
			if err != nil {
				return err
			}
			defer store.Close()

			return store.Record(context.Background(), feedback.Entry{
				SessionID:              session,
				Feature:                feature,
				Rating:                 rating,
				Reason:                 reason,
				UserPromptedAfterTools: afterTools,
			})
		},
	}
	cmd.Flags().StringVar(&session, "session", "manual", "session id")
	cmd.Flags().StringVar(&feature, "feature", "", "feature being rated")
	cmd.Flags().IntVar(&rating, "rating", 2, "rating 0–3")
	cmd.Flags().StringVar(&reason, "reason", "", "optional reason")
	cmd.Flags().IntVar(&afterTools, "after-tools", 0, "tool-call count at prompt time")
	cmd.MarkFlagRequired("feature")
	return cmd
}

func feedbackPriorityCmd() *cobra.Command {
	var labels []string
	var epic bool
	var updatedDays int
	cmd := &cobra.Command{
		Use:   "priority <issue-number>",
		Short: "Score an issue's priority from cached GitHub reactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openFeedback()
			if err != nil {
				return err
			}
			defer store.Close()

			var number int
			if _, err := fmt.Sscanf(args[0], "%d", &number); err != nil {
				return fmt.Errorf("issue number: %w", err)
			}

			lister := feedback.NewGitHubReactions(cfg.Feedback.GitHubToken)
			cache := feedback.NewVoteCache(store, lister, cfg.Feedback.GitHubOwner, cfg.Feedback.GitHubRepo,
				time.Duration(cfg.Feedback.VoteTTLMinutes)*time.Minute)

			votes, err := cache.Votes(context.Background(), number)
			if err != nil {
				return err
			}
			score := feedback.Priority(feedback.IssueInfo{
				Number:    number,
				Labels:    labels,
				UpdatedAt: time.Now().AddDate(0, 0, -updatedDays),
				IsEpic:    epic,
			}, votes, time.Now())

			fmt.Printf("issue #%d: votes=%d priority=%.3f\n", number, votes, score)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&labels, "labels", nil, "issue labels")
	cmd.Flags().BoolVar(&epic, "epic", false, "issue belongs to an epic")
	cmd.Flags().IntVar(&updatedDays, "updated-days-ago", 0, "days since last update")
	return cmd
}
