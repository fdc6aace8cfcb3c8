package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-heal/internal/config"
	"github.com/miradorstack/mirador-heal/internal/learning"
	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/patterns"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

type replayReport struct {
	Records  int                         `json:"records"`
	Insights models.Insights             `json:"insights"`
	Patterns []models.RemediationPattern `json:"patterns"`
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild learning insights and remediation patterns from stored outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger := utils.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.JSON)

		ctx := cmd.Context()
		store, err := openStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		records, err := store.ListLearningRecords(ctx)
		if err != nil {
			return fmt.Errorf("list learning records: %w", err)
		}
		tracker := learning.NewTracker(logger, nil)
		tracker.Replay(records)

		mined, err := patterns.NewMiner(logger, nil).Mine(ctx, records)
		if err != nil {
			return err
		}
		logger.Info("replay finished", slog.Int("records", len(records)), slog.Int("patterns", len(mined)))

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(replayReport{
			Records:  len(records),
			Insights: tracker.Insights(),
			Patterns: mined,
		})
	},
}
