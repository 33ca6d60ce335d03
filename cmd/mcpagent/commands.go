package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/nugget/mcp-agent/internal/config"
	"github.com/nugget/mcp-agent/internal/pgcheck"
	"github.com/nugget/mcp-agent/internal/usage"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// toolInfo is the listing entry for one tool.
type toolInfo struct {
	Name        string         `json:"name"`
	Server      string         `json:"server"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// runTools connects to every MCP server and lists what it offers.
func runTools(ctx context.Context, stdout, stderr io.Writer, flags globalFlags) error {
	a, err := newApp(stderr, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	ts, err := a.bridge.Open(ctx)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	defer ts.Close()

	var list []toolInfo
	for _, t := range ts.Registry.Tools() {
		list = append(list, toolInfo{
			Name:        t.Name,
			Server:      t.Server,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

	failed := make(map[string]string, len(ts.Failed))
	for name, err := range ts.Failed {
		failed[name] = err.Error()
	}

	if flags.outputFmt == "json" {
		return writeJSON(stdout, map[string]any{"tools": list, "failed_servers": failed})
	}

	if len(list) == 0 {
		fmt.Fprintln(stdout, "No tools available.")
	} else {
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TOOL\tSERVER\tDESCRIPTION")
		for _, t := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, t.Server, firstLine(t.Description))
		}
		tw.Flush()
	}

	names := make([]string, 0, len(failed))
	for name := range failed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(stdout, "server %s unavailable: %s\n", name, failed[name])
	}
	return nil
}

// runUsage prints the last day of token usage by model.
func runUsage(ctx context.Context, stdout, stderr io.Writer, flags globalFlags) error {
	cfg, _, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}
	if cfg.Usage.Path == "" {
		return fmt.Errorf("usage ledger disabled (set usage.path in the config)")
	}

	store, err := usage.NewStore(cfg.Usage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	end := time.Now()
	start := end.Add(-24 * time.Hour)
	byModel, err := store.SummaryByModel(ctx, start, end.Add(time.Second))
	if err != nil {
		return err
	}

	if flags.outputFmt == "json" {
		return writeJSON(stdout, byModel)
	}

	if len(byModel) == 0 {
		fmt.Fprintln(stdout, "No usage recorded in the last 24 hours.")
		return nil
	}

	models := make([]string, 0, len(byModel))
	for m := range byModel {
		models = append(models, m)
	}
	sort.Strings(models)

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tSTEPS\tINPUT\tOUTPUT\tTOOL CALLS")
	for _, m := range models {
		s := byModel[m]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", m, s.TotalRecords, s.TotalInputTokens, s.TotalOutputTokens, s.TotalToolCalls)
	}
	return tw.Flush()
}

// runDBCheck assembles the connection string from DB_* and pings it.
func runDBCheck(ctx context.Context, stdout io.Writer, lookup func(string) (string, bool)) error {
	dsn, ok := config.DatabaseDSN(lookup)
	if !ok {
		return fmt.Errorf("dbcheck: DB_HOST, DB_USERNAME, DB_PASSWORD, DB_PORT and DB_NAME must all be set")
	}

	res, err := pgcheck.Check(ctx, dsn)
	if err != nil {
		return fmt.Errorf("dbcheck: %w", err)
	}
	fmt.Fprintf(stdout, "ok: %s (PostgreSQL %s, %s)\n",
		pgcheck.Redact(dsn), res.ServerVersion, res.Latency.Round(time.Millisecond))
	return nil
}

// firstLine trims a description to its first line.
func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
