package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/orbit/internal/config"
	"github.com/kalambet/orbit/internal/record"
	"github.com/kalambet/orbit/internal/reltime"
	"github.com/kalambet/orbit/internal/retention"
)

// now is swapped in tests.
var now = time.Now

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store health, sessions, token usage and cron jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		return runStatus(cmd.Context(), c, stdout)
	},
}

func runStatus(ctx context.Context, c *apiClient, w io.Writer) error {
	var health struct {
		Status    string `json:"status"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	}
	resp, err := c.get(ctx, "/api/collector", nil)
	if err != nil {
		return err
	}
	if err := decodeJSON(resp, &health); err != nil {
		return err
	}

	var sessions []record.Session
	resp, err = c.get(ctx, "/api/sessions", url.Values{"limit": {"20"}})
	if err != nil {
		return err
	}
	if err := decodeJSON(resp, &sessions); err != nil {
		return err
	}

	var usage []record.TokenUsage
	resp, err = c.get(ctx, "/api/tokens", nil)
	if err != nil {
		return err
	}
	if err := decodeJSON(resp, &usage); err != nil {
		return err
	}

	var jobs []record.JobRun
	resp, err = c.get(ctx, "/api/cron", nil)
	if err != nil {
		return err
	}
	if err := decodeJSON(resp, &jobs); err != nil {
		return err
	}

	t := now()
	fmt.Fprintf(w, "%s %s (%s)\n\n", bold("Store:"), statusColor(health.Status), health.Message)

	fmt.Fprintf(w, "%s\n", bold("Sessions"))
	if len(sessions) == 0 {
		fmt.Fprintln(w, faint("  none"))
	}
	for _, s := range sessions {
		fmt.Fprintf(w, "  %-28s %-14s %-8s %8d/%-8d %s\n",
			truncate(s.Key, 28), truncate(s.AgentID, 14), statusColor(string(s.Status)),
			s.TokensIn, s.TokensOut, reltime.Format(s.LastActivity, t))
	}

	fmt.Fprintf(w, "\n%s\n", bold("Tokens"))
	if len(usage) == 0 {
		fmt.Fprintln(w, faint("  none"))
	}
	for _, u := range usage {
		fmt.Fprintf(w, "  %-14s sessions=%d in=%d out=%d\n", truncate(u.AgentID, 14), u.Sessions, u.TokensIn, u.TokensOut)
	}

	fmt.Fprintf(w, "\n%s\n", bold("Cron"))
	if len(jobs) == 0 {
		fmt.Fprintln(w, faint("  none"))
	}
	for _, j := range jobs {
		line := fmt.Sprintf("  %-24s %-8s ran %s, next %s",
			truncate(j.JobName, 24), statusColor(j.Status), reltime.Format(j.RanAt, t), reltime.FormatPtr(j.NextRun, t))
		if j.ErrorMessage != nil {
			line += " " + red(truncate(*j.ErrorMessage, 60))
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent agent log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("level")
		q, _ := cmd.Flags().GetString("q")
		limit, _ := cmd.Flags().GetInt("limit")

		c, err := newAPIClient()
		if err != nil {
			return err
		}
		return runLogs(cmd.Context(), c, stdout, level, q, limit)
	},
}

func init() {
	logsCmd.Flags().String("level", "all", "filter by level (info, warn, error, all)")
	logsCmd.Flags().String("q", "", "search message text")
	logsCmd.Flags().Int("limit", 50, "maximum entries to show")
}

func runLogs(ctx context.Context, c *apiClient, w io.Writer, level, q string, limit int) error {
	query := url.Values{}
	if level != "" {
		query.Set("level", level)
	}
	if q != "" {
		query.Set("q", q)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	resp, err := c.get(ctx, "/api/logs", query)
	if err != nil {
		return err
	}
	var logs []record.LogEntry
	if err := decodeJSON(resp, &logs); err != nil {
		return err
	}

	if len(logs) == 0 {
		fmt.Fprintln(w, faint("no log entries"))
		return nil
	}
	t := now()
	for _, e := range logs {
		fmt.Fprintf(w, "%s %-10s %-12s %s\n", levelColor(string(e.Level)), reltime.Format(e.Timestamp, t), truncate(e.AgentID, 12), e.Message)
	}
	return nil
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete logs, sessions and metric samples older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		local, _ := cmd.Flags().GetBool("local")
		days, _ := cmd.Flags().GetInt("days")

		cfg, done, err := setup()
		if err != nil {
			return err
		}
		defer done()
		if !cmd.Flags().Changed("days") {
			days = cfg.Retention.Days
		}

		ctx := cmd.Context()
		if local {
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			return runSweep(ctx, retention.NewLocalCleaner(store), days)
		}
		return runSweep(ctx, newDispatchClient(cfg), days)
	},
}

func init() {
	sweepCmd.Flags().Int("days", 0, "retention window in days (default retention.days)")
	sweepCmd.Flags().Bool("local", false, "sweep the configured store directly instead of asking the server")
}

func runSweep(ctx context.Context, cleaner retention.Cleaner, days int) error {
	if days <= 0 {
		return fmt.Errorf("retention days must be positive, got %d", days)
	}
	printStep("Sweeping rows older than %d days", days)
	res, err := cleaner.Cleanup(ctx, days)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	slog.Debug("sweep finished", "deleted", res.Total())
	printSuccess("Deleted %d logs, %d sessions, %d metric samples", res.Logs, res.Sessions, res.MetricSamples)
	return nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s %s\n", bold(k.Key), k.Value, faint("("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value in the config file. Secrets (tokens, database URL) are read from the environment only.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
