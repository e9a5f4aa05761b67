package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/notifyguard/internal/control"
	"github.com/vietddude/notifyguard/internal/core/domain"
	"github.com/vietddude/notifyguard/internal/notify/capacity"
)

var recheckCmd = &cobra.Command{
	Use:   "recheck [announcement_id...]",
	Short: "Re-evaluate capacity for announcements and notify if full",
	Long: `recheck runs the capacity rule once per announcement. A notification
already recorded for an announcement is detected by the store and not sent again.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runRecheck,
}

func init() {
	rootCmd.AddCommand(recheckCmd)
}

func runRecheck(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx := context.Background()
	app, err := control.NewNotifier(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize notifier", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	failed := 0
	for _, arg := range args {
		id := domain.ResourceID(arg)
		if err := app.Watcher().Recheck(ctx, id, capacity.TriggerManual); err != nil {
			slog.Error("Recheck failed", "announcement", id, "error", err)
			failed++
			continue
		}
		status, tracked := app.Watcher().Status(id)
		if !tracked {
			status = "unknown"
		}
		fmt.Printf("%s\t%s\n", id, status)
	}
	if failed > 0 {
		os.Exit(1)
	}
}
