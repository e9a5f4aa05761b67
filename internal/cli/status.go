package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show health, retry and breaker state of a running daemon",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "daemon address (default http://localhost:<server.port>)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	addr := statusAddr
	if addr == "" {
		cfg := loadConfig()
		addr = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	body, err := fetchDetailed(addr)
	if err != nil {
		slog.Error("Failed to query daemon", "addr", addr, "error", err)
		os.Exit(1)
	}
	if err := printStatus(os.Stdout, body); err != nil {
		slog.Error("Failed to render status", "error", err)
		os.Exit(1)
	}
}

func fetchDetailed(addr string) ([]byte, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/health/detailed")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	// 503 still carries the detailed body when the status is critical.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func printStatus(out io.Writer, body []byte) error {
	if !gjson.ValidBytes(body) {
		return errors.New("invalid response body")
	}
	doc := gjson.ParseBytes(body)

	_, _ = fmt.Fprintf(out, "Status:      %s\n", doc.Get("health.status").String())
	_, _ = fmt.Fprintf(out, "Error rate:  %.2f%% over %d samples\n",
		doc.Get("health.error_rate").Float()*100, doc.Get("health.samples").Int())
	_, _ = fmt.Fprintf(out, "Errors:      %d total, %d in %s\n",
		doc.Get("errors.total").Int(), doc.Get("errors.in_window").Int(), doc.Get("errors.window").String())
	_, _ = fmt.Fprintf(out, "Retries:     %d calls, %d exhausted, %d rejected\n",
		doc.Get("retries.calls").Int(), doc.Get("retries.exhausted").Int(), doc.Get("retries.rejected").Int())
	for _, reason := range doc.Get("health.reasons").Array() {
		_, _ = fmt.Fprintf(out, "  - %s\n", reason.String())
	}

	breakers := doc.Get("retries.breakers").Array()
	if len(breakers) > 0 {
		_, _ = fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		_, _ = fmt.Fprintln(w, "OPERATION\tSTATE\tFAILURES")
		for _, b := range breakers {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n",
				b.Get("operation").String(), b.Get("state").String(), b.Get("failure_count").Int())
		}
		_ = w.Flush()
	}

	ops := doc.Get("operations")
	if len(ops.Map()) > 0 {
		_, _ = fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		_, _ = fmt.Fprintln(w, "OPERATION\tTOTAL\tSUCCESS\tAVG MS")
		ops.ForEach(func(key, value gjson.Result) bool {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%.0f%%\t%.1f\n",
				key.String(), value.Get("total").Int(),
				value.Get("success_rate").Float()*100, value.Get("avg_duration_ms").Float())
			return true
		})
		_ = w.Flush()
	}
	return nil
}
