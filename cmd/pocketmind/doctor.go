package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pocketmind/pocketmind/internal/config"
)

// runDoctor performs offline diagnostics: configuration, endpoint pool,
// identity files, and database reachability. No adapter or endpoint is
// contacted.
func runDoctor(ctx context.Context, out io.Writer, configPath string) error {
	report := func(name string, err error) {
		if err != nil {
			fmt.Fprintf(out, "❌ %s: %v\n", name, err)
			return
		}
		fmt.Fprintf(out, "✅ %s\n", name)
	}

	cfg, err := config.Load(configPath)
	report("configuration", err)
	if err != nil {
		return nil
	}

	endpoints, err := config.LoadEndpoints(cfg.EndpointsFile)
	report("endpoint pool", err)
	if err == nil {
		fmt.Fprintf(out, "   %d chat endpoint(s)", len(endpoints.Endpoints))
		if n := len(endpoints.CompilerEndpoints); n > 0 {
			fmt.Fprintf(out, ", %d compiler", n)
		}
		if n := len(endpoints.STTEndpoints); n > 0 {
			fmt.Fprintf(out, ", %d stt", n)
		}
		fmt.Fprintln(out)
		for _, e := range endpoints.Endpoints {
			key := "key set"
			if e.ResolveAPIKey() == "" && !e.IsLocal() {
				key = "NO API KEY"
			}
			fmt.Fprintf(out, "   - %s (%s, priority %d, %s)\n", e.Name, e.Model, e.Priority, key)
		}
	}

	_, tzErr := time.LoadLocation(cfg.Scheduler.Timezone)
	report(fmt.Sprintf("scheduler timezone %q", cfg.Scheduler.Timezone), tzErr)

	report("identity files", checkIdentity(cfg.IdentityDir))
	report("memory database", checkDatabase(ctx, cfg.MemoryDBPath()))
	report("scheduler database", checkDatabase(ctx, cfg.SchedulerDBPath()))

	for name, enabled := range map[string]bool{
		"telegram": cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.ResolvedToken() != "",
		"discord":  cfg.Channels.Discord.Enabled && cfg.Channels.Discord.ResolvedToken() != "",
		"slack":    cfg.Channels.Slack.Enabled && cfg.Channels.Slack.ResolvedBotToken() != "",
		"onebot":   cfg.Channels.OneBot.Enabled && cfg.Channels.OneBot.ListenAddr != "",
	} {
		if enabled {
			fmt.Fprintf(out, "✅ channel %s configured\n", name)
		}
	}
	return nil
}

// checkIdentity verifies the identity directory holds the core persona
// files. Missing files are not fatal at runtime (serve materializes
// defaults) but worth surfacing.
func checkIdentity(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("directory missing (serve will create it)")
	}
	for _, name := range []string{"SOUL.md", "AGENT.md"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("%s missing (serve will create it)", name)
		}
	}
	return nil
}

// checkDatabase pings an existing SQLite file without creating it.
func checkDatabase(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("not created yet")
		}
		return err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()
	var n int
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&n); err != nil {
		return fmt.Errorf("unreadable: %w", err)
	}
	return nil
}
