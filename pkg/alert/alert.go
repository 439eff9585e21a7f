// Package alert composes and delivers the one operator message each run
// produces. Telegram is the primary channel; SMTP email is the fallback
// when Telegram is unconfigured or failing. Alert delivery is best
// effort: a failure to notify is logged and never fails the run.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// maxSampleErrors bounds how many individual errors one message lists.
const maxSampleErrors = 5

// Summary is everything the message needs about a finished run. RunID
// makes retried deliveries idempotent on the reading side: two messages
// with the same run id are the same event.
type Summary struct {
	RunID             string
	Status            string
	StartedAt         time.Time
	Duration          time.Duration
	TableCounts       map[string]int
	RecordsInserted   int
	RecordsUpdated    int
	RecordsFailed     int
	Errors            []string
	ReconcileWarnings []string
	Anomalies         []string
}

// Compose renders the run summary as the single plain-text message sent
// to operators.
func Compose(s Summary) string {
	var b strings.Builder
	icon := "✅"
	switch s.Status {
	case "partial":
		icon = "⚠️"
	case "failed":
		icon = "❌"
	}
	fmt.Fprintf(&b, "%s transfergov run %s — %s\n", icon, s.RunID, s.Status)
	fmt.Fprintf(&b, "started: %s, duration: %s\n", s.StartedAt.Format(time.RFC3339), s.Duration.Round(time.Second))
	fmt.Fprintf(&b, "inserted: %d, updated: %d, failed rows: %d\n", s.RecordsInserted, s.RecordsUpdated, s.RecordsFailed)

	if len(s.TableCounts) > 0 {
		tables := make([]string, 0, len(s.TableCounts))
		for t := range s.TableCounts {
			tables = append(tables, t)
		}
		sort.Strings(tables)
		b.WriteString("tables:")
		for _, t := range tables {
			fmt.Fprintf(&b, " %s=%d", t, s.TableCounts[t])
		}
		b.WriteByte('\n')
	}
	if len(s.ReconcileWarnings) > 0 {
		b.WriteString("reconciliation:\n")
		for _, w := range s.ReconcileWarnings {
			fmt.Fprintf(&b, "  - %s\n", w)
		}
	}
	if len(s.Anomalies) > 0 {
		b.WriteString("volume anomalies:\n")
		for _, a := range s.Anomalies {
			fmt.Fprintf(&b, "  - %s\n", a)
		}
	}
	if len(s.Errors) > 0 {
		errs := s.Errors
		truncated := 0
		if len(errs) > maxSampleErrors {
			truncated = len(errs) - maxSampleErrors
			errs = errs[:maxSampleErrors]
		}
		b.WriteString("errors:\n")
		for _, e := range errs {
			fmt.Fprintf(&b, "  - %s\n", e)
		}
		if truncated > 0 {
			fmt.Fprintf(&b, "  … and %d more\n", truncated)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// DetectAnomalies compares the current per-table totals to the previous
// run's. A change ratio above the tolerance (percent) produces one
// anomaly line. The first run, with no previous totals, checks nothing.
func DetectAnomalies(previous, current map[string]int, tolerancePercent float64) []string {
	if len(previous) == 0 {
		return nil
	}
	tables := make([]string, 0, len(current))
	for t := range current {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	var out []string
	for _, table := range tables {
		prev, ok := previous[table]
		if !ok {
			continue
		}
		curr := current[table]
		diff := curr - prev
		if diff < 0 {
			diff = -diff
		}
		denom := prev
		if denom < 1 {
			denom = 1
		}
		pct := float64(diff) / float64(denom) * 100
		if pct > tolerancePercent {
			out = append(out, fmt.Sprintf("%s: %d → %d (%.1f%% change > %.1f%%)", table, prev, curr, pct, tolerancePercent))
		}
	}
	return out
}

// Notifier delivers one message to one channel.
type Notifier interface {
	Send(ctx context.Context, text string) error
	Name() string
}

// Alerter fans a summary to the primary channel and falls back to the
// secondary when the primary is missing or fails.
type Alerter struct {
	primary  Notifier
	fallback Notifier
	logger   *slog.Logger
}

// New wires the channels. Either may be nil.
func New(primary, fallback Notifier) *Alerter {
	return &Alerter{
		primary:  primary,
		fallback: fallback,
		logger:   slog.Default().With("component", "alert"),
	}
}

// Notify composes and delivers the run message. Returns the delivery
// error for observability, but callers treat it as non-fatal.
func (a *Alerter) Notify(ctx context.Context, s Summary) error {
	text := Compose(s)
	if a.primary != nil {
		if err := a.primary.Send(ctx, text); err == nil {
			a.logger.Info("alert delivered", "channel", a.primary.Name(), "run_id", s.RunID)
			return nil
		} else {
			a.logger.Warn("primary alert channel failed", "channel", a.primary.Name(), "error", err)
		}
	}
	if a.fallback != nil {
		if err := a.fallback.Send(ctx, text); err != nil {
			a.logger.Error("fallback alert channel failed", "channel", a.fallback.Name(), "error", err)
			return err
		}
		a.logger.Info("alert delivered", "channel", a.fallback.Name(), "run_id", s.RunID)
		return nil
	}
	if a.primary == nil {
		a.logger.Debug("no alert channel configured, message dropped", "run_id", s.RunID)
		return nil
	}
	return fmt.Errorf("alert: all channels failed")
}
