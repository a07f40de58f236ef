package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"scrub/internal/audit"
	"scrub/internal/config"
	"scrub/internal/stats"
)

type statsSource func(ctx context.Context) (stats.Stats, error)

func newStatsCmd() *cobra.Command {
	var (
		watch  bool
		recent bool
		export string
		url    string
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show request statistics from the running service or the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				url = statsURL(cfg.Server.Addr)
			}
			source := func(ctx context.Context) (stats.Stats, error) { return getStats(ctx, cfg, url) }
			out := cmd.OutOrStdout()
			if !watch {
				return renderStatsTo(cmd.Context(), out, source, recent, export)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ticker := time.NewTicker(2 * time.Second)
			defer ticker.Stop()
			tty := export == "" && isTerminal(out)
			if tty {
				fmt.Fprint(out, "\033[?25l")
				defer fmt.Fprint(out, "\033[?25h")
			}
			return watchStatsLoop(ctx, out, source, recent, export, tty, ticker.C)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&watch, "watch", false, "refresh every 2 seconds")
	f.BoolVar(&recent, "recent", false, "show recent requests")
	f.StringVar(&export, "export", "", "export format: json|csv")
	f.StringVar(&url, "url", "", "stats endpoint (default derived from server.addr)")
	return cmd
}

func statsURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://127.0.0.1:8000/api/stats"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/api/stats"
}

func watchStatsLoop(ctx context.Context, w io.Writer, source statsSource, recent bool, export string, clear bool, ticks <-chan time.Time) error {
	for {
		var buf strings.Builder
		if err := renderStatsTo(ctx, &buf, source, recent, export); err != nil {
			return err
		}
		if clear {
			fmt.Fprint(w, "\033[H\033[2J\033[3J")
		}
		fmt.Fprint(w, buf.String())
		select {
		case <-ticks:
		case <-ctx.Done():
			return nil
		}
	}
}

func renderStatsTo(ctx context.Context, w io.Writer, source statsSource, recent bool, export string) error {
	st, err := source(ctx)
	if err != nil {
		return err
	}
	switch strings.ToLower(export) {
	case "":
		if recent {
			printRecent(w, st)
			return nil
		}
		printSummary(w, st)
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case "csv":
		if !recent {
			return fmt.Errorf("csv export requires --recent")
		}
		return exportRecentCSV(w, st.Recent)
	default:
		return fmt.Errorf("unsupported export format %q", export)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// getStats asks the running service first and reads the audit store when it
// cannot be reached.
func getStats(ctx context.Context, cfg config.Config, url string) (stats.Stats, error) {
	st, err := fetchDaemonStats(ctx, url, cfg.Server.APIKey)
	if err == nil {
		return st, nil
	}
	log.Debug().Err(err).Str("url", url).Msg("service unreachable; reading audit store")

	store, err := audit.Open(cfg.Audit.Backend, cfg.Audit.Path)
	if err != nil {
		return stats.Stats{}, err
	}
	defer store.Close()
	entries, err := store.Entries()
	if err != nil {
		return stats.Stats{}, err
	}
	return stats.CollectFromEntries(entries, stats.Options{
		Now:    time.Now().UTC(),
		Status: "stopped",
		Addr:   cfg.Server.Addr,
	}), nil
}

func fetchDaemonStats(ctx context.Context, url, apiKey string) (stats.Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, 700*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return stats.Stats{}, err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return stats.Stats{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return stats.Stats{}, fmt.Errorf("stats API status %d", resp.StatusCode)
	}
	var st stats.Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return stats.Stats{}, err
	}
	return st, nil
}

func printSummary(w io.Writer, st stats.Stats) {
	fmt.Fprintln(w, "Scrub Statistics")
	fmt.Fprintln(w, strings.Repeat("-", 40))
	fmt.Fprintf(w, "Status:      %s\n", st.Status)
	fmt.Fprintf(w, "Uptime:      %s\n", time.Duration(st.UptimeSeconds)*time.Second)
	fmt.Fprintf(w, "Address:     %s\n", st.Addr)
	fmt.Fprintf(w, "Requests:    %d, %d failed (%.1f/min last 5m)\n", st.Requests.Total, st.Requests.Failed, st.Requests.PerMinute)
	fmt.Fprintf(w, "Latency avg: detect %.1fms | anonymize %.1fms | total %.1fms\n", st.Latency.DetectMs, st.Latency.AnonymizeMs, st.Latency.TotalMs)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Removed Entities")
	fmt.Fprintln(w, strings.Repeat("-", 40))
	kinds := make([]string, 0, len(st.Entities.ByKind))
	for k := range st.Entities.ByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		v := st.Entities.ByKind[k]
		fmt.Fprintf(w, "%-16s %5d %s\n", k+":", v, progress(v, st.Entities.Total))
	}
	fmt.Fprintf(w, "%-16s %5d\n\n", "Total:", st.Entities.Total)

	fmt.Fprintln(w, "Languages")
	fmt.Fprintln(w, strings.Repeat("-", 40))
	for _, l := range st.Languages {
		fmt.Fprintf(w, "%-16s %d\n", l.Language, l.Requests)
	}
}

func printRecent(w io.Writer, st stats.Stats) {
	fmt.Fprintln(w, "Recent Requests")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	fmt.Fprintf(w, "%-10s %-6s %-6s %-8s %-30s %-8s\n", "TIME", "LANG", "STATUS", "CHARS", "REMOVED", "LATENCY")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, r := range st.Recent {
		tm := r.Timestamp
		if ts, err := time.Parse(time.RFC3339Nano, r.Timestamp); err == nil {
			tm = ts.Format("15:04:05")
		}
		fmt.Fprintf(w, "%-10s %-6s %-6d %-8d %-30s %-.1fms\n", tm, r.Language, r.StatusCode, r.InputChars, removedLabel(r.ByKind), r.TotalMs)
	}
	fmt.Fprintln(w, strings.Repeat("-", 90))
	fmt.Fprintf(w, "Showing %d of %d total requests\n", len(st.Recent), st.Requests.Total)
}

func progress(v, total int) string {
	if total <= 0 {
		return ""
	}
	p := int(float64(v) / float64(total) * 20)
	if p > 20 {
		p = 20
	}
	return strings.Repeat("█", p) + strings.Repeat("░", 20-p)
}

func removedLabel(byKind map[string]int) string {
	if len(byKind) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(byKind))
	for k, c := range byKind {
		parts = append(parts, fmt.Sprintf("%d %s", c, k))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

func exportRecentCSV(w io.Writer, rows []stats.RecentRequest) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "request_id", "origin", "language", "status", "kinds", "entities", "input_chars", "latency_ms"}); err != nil {
		return err
	}
	for _, r := range rows {
		kinds := make([]string, 0, len(r.ByKind))
		for k := range r.ByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		if err := cw.Write([]string{
			r.Timestamp,
			r.RequestID,
			r.Origin,
			r.Language,
			fmt.Sprintf("%d", r.StatusCode),
			strings.Join(kinds, "|"),
			fmt.Sprintf("%d", r.Entities),
			fmt.Sprintf("%d", r.InputChars),
			fmt.Sprintf("%.3f", r.TotalMs),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
