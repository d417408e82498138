package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/automate-sh/automate/internal/memory"
	"github.com/automate-sh/automate/internal/memory/vector"
)

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and index agent memory",
	}
	cmd.AddCommand(memoryIndexCmd(), memorySearchCmd())
	return cmd
}

func openMemory() (*memory.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return memory.NewManager(memory.Options{
		Directory:       cfg.Memory.Directory,
		SharedDirectory: cfg.Memory.SharedDirectory,
		Embedding: vector.EmbeddingConfig{
			APIBase: cfg.Memory.Embedding.APIBase,
			APIKey:  cfg.Memory.Embedding.APIKey,
			Model:   cfg.Memory.Embedding.Model,
		},
		ChunkSize:    cfg.Memory.ChunkSize,
		Overlap:      cfg.Memory.Overlap,
		VectorWeight: cfg.Memory.VectorWeight,
		BM25Weight:   cfg.Memory.BM25Weight,
	})
}

func memoryIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Re-index the memory directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openMemory()
			if err != nil {
				return err
			}
			report, err := mgr.IndexAll(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("indexed %d files (%d chunks), skipped %d unchanged\n",
				report.FilesIndexed, report.ChunksIndexed, report.FilesSkipped)
			return nil
		},
	}
}

func memorySearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Semantic search over memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openMemory()
			if err != nil {
				return err
			}
			query := args[0]
			for _, arg := range args[1:] {
				query += " " + arg
			}
			for _, r := range mgr.SemanticSearch(context.Background(), query, limit) {
				fmt.Printf("%.3f  %s\n  %s\n", r.Score, r.File, firstLine(r.Text))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "max results")
	return cmd
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
		if i > 120 {
			return s[:i] + "…"
		}
	}
	return s
}
