package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/notifyguard/internal/control"
)

var pruneMaxAge time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete read notifications older than the retention period",
	Run:   runPrune,
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneMaxAge, "max-age", 0, "override retention.max_age")
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if pruneMaxAge > 0 {
		cfg.Retention.MaxAge = pruneMaxAge
	}
	if cfg.Retention.MaxAge <= 0 {
		slog.Error("Retention is disabled; set retention.max_age or --max-age")
		os.Exit(1)
	}

	ctx := context.Background()
	app, err := control.NewNotifier(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize notifier", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	deleted, err := app.Pruner().Prune(ctx)
	if err != nil {
		os.Exit(1)
	}
	fmt.Printf("Deleted %d notifications older than %s\n", deleted, cfg.Retention.MaxAge)
}
