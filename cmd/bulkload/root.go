package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/bulkload/internal/config"
	"github.com/JonMunkholm/bulkload/internal/core"
	"github.com/JonMunkholm/bulkload/internal/events"
	"github.com/JonMunkholm/bulkload/internal/logging"
	"github.com/JonMunkholm/bulkload/internal/repository"
	"github.com/JonMunkholm/bulkload/internal/source"
)

// Exit codes.
const (
	exitOK      = 0
	exitError   = 1
	exitAborted = 2
)

// errAborted is returned after an aborted load's result has been printed.
var errAborted = errors.New("load aborted: failure budget reached")

// recordStore is where loads write records and history.
type recordStore interface {
	core.RecordWriter
	core.LoadHistory
}

// app carries the command dependencies. Tests replace the constructors.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	cfg    *config.Config
	logger *slog.Logger

	openStore    func(ctx context.Context, cfg config.DatabaseConfig) (recordStore, func(), error)
	openNotifier func(cfg config.EventsConfig, logger *slog.Logger) (core.Notifier, func(), error)
	newS3        func(ctx context.Context, cfg config.SourceConfig) (source.S3API, error)
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		stdin:        stdin,
		stdout:       stdout,
		stderr:       stderr,
		openStore:    openPostgresStore,
		openNotifier: openNATSNotifier,
		newS3: func(ctx context.Context, cfg config.SourceConfig) (source.S3API, error) {
			return source.NewS3Client(ctx, cfg)
		},
	}
}

func newRootCommand(a *app) *cobra.Command {
	var logLevel string

	rc := &cobra.Command{
		Use:   "bulkload",
		Short: "Analyze and load bulk entity record files",
		Long: `
Reads CSV, TSV, JSON array or JSON lines files of entity records.

"analyze" reports record counts and data source and entity type
breakdowns without writing anything. "load" maps each record's data
source and entity type and writes it to the record repository.

SOURCE is a file path, s3://bucket/key, or - for standard input.
Configuration is read from the environment and an optional .env file.
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			a.cfg = cfg
			a.logger = logging.New(a.stderr, cfg.Logging.Level, cfg.Logging.Format)
			return nil
		},
	}
	rc.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	rc.AddCommand(newAnalyzeCommand(a))
	rc.AddCommand(newLoadCommand(a))

	rc.SetIn(a.stdin)
	rc.SetOut(a.stdout)
	rc.SetErr(a.stderr)
	return rc
}

// open resolves a SOURCE argument. The S3 client is only built for s3://
// locations.
func (a *app) open(ctx context.Context, location, mediaType string) (core.Source, error) {
	opener := &source.Opener{Stdin: a.stdin}
	if strings.HasPrefix(location, "s3://") {
		client, err := a.newS3(ctx, a.cfg.Source)
		if err != nil {
			return core.Source{}, err
		}
		opener.S3 = client
	}
	return opener.Open(ctx, location, mediaType)
}

// printJSON writes v to stdout as indented JSON.
func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func openPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (recordStore, func(), error) {
	pool, err := repository.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.AutoMigrate {
		if err := repository.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	return repository.NewStore(pool), pool.Close, nil
}

func openNATSNotifier(cfg config.EventsConfig, logger *slog.Logger) (core.Notifier, func(), error) {
	pub, err := events.Connect(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return pub, func() { _ = pub.Close() }, nil
}

// exitCode reports err on w and picks the process exit code.
func exitCode(err error, w io.Writer) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errAborted):
		fmt.Fprintln(w, "Error:", err)
		return exitAborted
	}
	msg := core.MapError(err)
	fmt.Fprintf(w, "Error: %v\n%s [%s]\n", err, msg.Message, msg.Code)
	if msg.Action != "" {
		fmt.Fprintln(w, msg.Action)
	}
	return exitError
}
