// Command transfergov runs the Transfer Gov extraction pipeline: a
// one-shot run (the default), a dry-run validator, or a long-running
// scheduler with a health endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/quintadata/transfergov/pkg/alert"
	"github.com/quintadata/transfergov/pkg/config"
	"github.com/quintadata/transfergov/pkg/observability"
	"github.com/quintadata/transfergov/pkg/pipeline"
	"github.com/quintadata/transfergov/pkg/store"
	"github.com/quintadata/transfergov/pkg/store/lock"
	"github.com/quintadata/transfergov/pkg/store/runlog"
)

// liteDataDir holds the SQLite file and the run lock in lite mode.
const liteDataDir = "data"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServe is a variable so tests can stub the blocking serve loop.
var startServe = runServe

// Run dispatches the subcommand. run is the default: flags may follow
// the binary name directly.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := "run"
	rest := args[1:]
	if len(args) >= 2 && !strings.HasPrefix(args[1], "-") {
		cmd = args[1]
		rest = args[2:]
	}
	switch cmd {
	case "run":
		return runOnce(rest, stdout, stderr)
	case "serve":
		return startServe(rest, stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\nusage: transfergov [run|serve] [flags]\n", cmd)
		return 2
	}
}

// commonFlags are shared by run and serve.
type commonFlags struct {
	configPath string
	verbose    bool
	logJSON    bool
}

func bindCommonFlags(fs *flag.FlagSet) *commonFlags {
	f := &commonFlags{}
	fs.StringVar(&f.configPath, "config", "config.yaml", "configuration file path")
	fs.BoolVar(&f.verbose, "v", false, "debug logging")
	fs.BoolVar(&f.logJSON, "log-json", false, "structured JSON logs")
	return f
}

// setupLogging installs the process-wide logger. JSON for collectors,
// text for humans.
func setupLogging(w io.Writer, f *commonFlags) {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if f.logJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runOnce(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := bindCommonFlags(fs)
	dryRun := fs.Bool("dry-run", false, "parse and validate without writing")
	input := fs.String("input", "", "override extraction.input_dir")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	setupLogging(stderr, common)

	cfg, err := config.Load(common.configPath)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	if *input != "" {
		cfg.Extraction.InputDir = *input
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *dryRun {
		report, err := pipeline.DryRun(ctx, cfg.Extraction.InputDir, nil)
		if err != nil {
			if ctx.Err() != nil {
				return 130
			}
			_, _ = fmt.Fprintln(stderr, err)
			return 1
		}
		if err := report.WriteJSON(stdout); err != nil {
			_, _ = fmt.Fprintln(stderr, err)
			return 1
		}
		if report.HasValidationErrors() {
			return 2
		}
		return 0
	}

	st, err := store.Open(ctx, cfg.Database.URL, liteDataDir)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = st.Close() }()
	if err := st.Init(ctx); err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}

	obs, err := observability.New(ctx, observability.Config{
		ServiceVersion: cfg.Lineage.PipelineVersion,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
	})
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	p := pipeline.New(cfg, st, newAcquirer(st), newAlerter(cfg), obs)
	result, err := p.Run(ctx)
	switch {
	case errors.Is(err, lock.ErrAlreadyRunning):
		_, _ = fmt.Fprintln(stderr, "a pipeline run is already in flight; skipping")
		return 1
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return 130
	case err != nil:
		_, _ = fmt.Fprintln(stderr, err)
		return 1
	}
	if result != nil && result.Status == runlog.StatusFailed {
		return 1
	}
	return 0
}

// newAcquirer picks the single-flight mechanism for the store's engine.
func newAcquirer(st *store.Store) lock.Acquirer {
	if st.Dialect() == store.Postgres {
		return lock.NewPGAcquirer(st.DB())
	}
	return lock.NewFileAcquirer(liteDataDir)
}

// newAlerter wires Telegram as primary and SMTP as fallback, each only
// when configured.
func newAlerter(cfg *config.Config) *alert.Alerter {
	var primary, fallback alert.Notifier
	if cfg.TelegramConfigured() {
		primary = alert.NewTelegram(cfg.Alerting.Telegram.BotToken, cfg.Alerting.Telegram.ChatID)
	}
	if cfg.EmailConfigured() {
		e := cfg.Alerting.Email
		fallback = alert.NewEmail(e.Host, e.Port, e.Username, e.Password, e.From, e.To)
	}
	return alert.New(primary, fallback)
}
