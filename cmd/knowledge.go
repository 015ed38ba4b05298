package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/popkit/internal/config"
	"github.com/nextlevelbuilder/popkit/internal/embedding"
	"github.com/nextlevelbuilder/popkit/internal/knowledge"
	"github.com/nextlevelbuilder/popkit/internal/router"
)

func knowledgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Store, recall, and prune project knowledge",
	}
	cmd.AddCommand(knowledgeStoreCmd(), knowledgeRecallCmd(), knowledgePruneCmd(), knowledgeReindexCmd())
	return cmd
}

func openKnowledge() (*knowledge.Store, *embedding.Store, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	workdir, _ := os.Getwd()
	if !filepath.IsAbs(cfg.StateDir) {
		cfg.StateDir = filepath.Join(workdir, cfg.StateDir)
	}
	if err := os.MkdirAll(cfg.BrainDir(), 0755); err != nil {
		return nil, nil, nil, err
	}
	index, err := embedding.Open(cfg.IndexDBPath())
	if err != nil {
		return nil, nil, nil, err
	}
	store := knowledge.NewStore(index, embedding.NewClient(cfg.Embedding), cfg.BrainDir(), cfg.Knowledge.TypeCap)
	return store, index, cfg, nil
}

func knowledgeStoreCmd() *cobra.Command {
	var kind, project string
	cmd := &cobra.Command{
		Use:   "store <content>",
		Short: "Capture one knowledge item",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, index, _, err := openKnowledge()
			if err != nil {
				return err
			}
			defer index.Close()

			item, err := store.Capture(context.Background(), kind, project, strings.Join(args, " "), nil)
			if err != nil {
				return err
			}
			fmt.Printf("stored %s (%s/%s)\n", item.ID, item.Kind, item.Project)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", knowledge.KindDiscovery, "one of "+strings.Join(knowledge.Kinds, ", "))
	cmd.Flags().StringVar(&project, "project", "default", "project scope")
	return cmd
}

func knowledgeRecallCmd() *cobra.Command {
	var project string
	var kinds []string
	var limit int
	var minSim float64
	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Recall similar knowledge",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, index, _, err := openKnowledge()
			if err != nil {
				return err
			}
			defer index.Close()

			results, err := store.Recall(context.Background(), strings.Join(args, " "), project, kinds, limit, minSim)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("nothing similar enough")
				return nil
			}
			for _, r := range results {
				fmt.Printf("%.3f [%s/%s] %s\n", r.Score, r.Record.SourceType, r.Record.SourceID, r.Record.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "restrict to one project")
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "restrict to kinds")
	cmd.Flags().IntVar(&limit, "limit", 5, "max results")
	cmd.Flags().Float64Var(&minSim, "min-similarity", 0.7, "similarity floor")
	return cmd
}

func knowledgePruneCmd() *cobra.Command {
	var threshold float64
	cmd := &cobra.Command{
		Use:   "prune <kind>",
		Short: "Remove low-confidence items of one kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, index, _, err := openKnowledge()
			if err != nil {
				return err
			}
			defer index.Close()

			removed, err := store.PruneBelowConfidence(context.Background(), args[0], threshold)
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d items\n", removed)
			return nil
		},
	}
	cmd.Flags().Float64Var(&threshold, "below", 0.5, "confidence threshold")
	return cmd
}

func knowledgeReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the agent/skill index from the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, index, cfg, err := openKnowledge()
			if err != nil {
				return err
			}
			defer index.Close()

			specs := router.LoadCatalog(cfg.StateDir)
			n, err := router.Reindex(context.Background(), index, embedding.NewClient(cfg.Embedding), specs)
			if err != nil {
				return err
			}
			fmt.Printf("indexed %d of %d catalog entries\n", n, len(specs))
			return nil
		},
	}
}
