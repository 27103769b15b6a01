package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/spf13/afero"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/boardstore/app/config"
	"github.com/umputun/boardstore/app/domain"
	"github.com/umputun/boardstore/app/migrate"
	"github.com/umputun/boardstore/app/storage"
	"github.com/umputun/boardstore/app/store"
	"github.com/umputun/boardstore/app/web"
)

type options struct {
	DB     string `short:"d" long:"db" env:"BOARDSTORE_DB" default:"boards.db" description:"database file, empty for non-persistent mode"`
	Config string `short:"c" long:"config" env:"BOARDSTORE_CONFIG" description:"yaml config with default board settings"`

	Log struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable logging"`
		Debug      bool   `long:"debug" env:"DEBUG" description:"debug mode"`
		File       string `long:"file" env:"FILE" description:"log file, stdout if not set"`
		MaxSize    int    `long:"max-size" env:"MAX_SIZE" default:"10" description:"max log file size in MB"`
		MaxBackups int    `long:"max-backups" env:"MAX_BACKUPS" default:"3" description:"max number of rotated log files"`
		MaxAge     int    `long:"max-age" env:"MAX_AGE" default:"30" description:"max age of rotated log files in days"`
		Compress   bool   `long:"compress" env:"COMPRESS" description:"compress rotated log files"`
	} `group:"log" namespace:"log" env-namespace:"BOARDSTORE_LOG"`

	Legacy struct {
		Dir string `long:"dir" env:"DIR" description:"directory with legacy key-value files, no migration if not set"`
		Key string `long:"key" env:"KEY" default:"kanban_data" description:"key of legacy blob"`
	} `group:"legacy" namespace:"legacy" env-namespace:"BOARDSTORE_LEGACY"`

	Open struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"5" description:"how many times to try opening a blocked database"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"100ms" description:"initial retry duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"2" description:"backoff factor"`
	} `group:"open" namespace:"open" env-namespace:"BOARDSTORE_OPEN"`

	Web struct {
		Address    string  `long:"address" env:"ADDRESS" default:"127.0.0.1:8080" description:"listen address"`
		BaseURL    string  `long:"base-url" env:"BASE_URL" description:"base URL path for reverse proxy"`
		MaxBody    int64   `long:"max-body" env:"MAX_BODY" default:"1048576" description:"max request body size"`
		WriteLimit float64 `long:"write-limit" env:"WRITE_LIMIT" default:"10" description:"max mutating requests per second"`
	} `group:"web" namespace:"web" env-namespace:"BOARDSTORE_WEB"`

	Stats         struct{} `command:"stats" description:"show storage stats"`
	Show          showCmd  `command:"show" description:"show boards and tasks"`
	Migrate       struct{} `command:"migrate" description:"run legacy migration and show its state"`
	DiscardLegacy struct{} `command:"discard-legacy" description:"archive and remove legacy blob without migrating it"`
	Clear         struct{} `command:"clear" description:"remove all boards, tasks and settings"`
	ClearAll      struct{} `command:"clear-all" description:"destroy and recreate the database"`
	Serve         struct{} `command:"serve" description:"run JSON API server"`
	Schema        struct {
		Output string `short:"o" long:"output" description:"output file, stdout if not set"`
	} `command:"schema" description:"print json schema of the config file"`
}

type showCmd struct {
	JSON bool `long:"json" description:"print snapshot as json"`
}

var revision = "unknown"

func main() {
	fmt.Printf("boardstore %s\n", revision)

	var opts options
	p := flags.NewParser(&opts, flags.Default)
	if _, err := p.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	setupLogs(opts)

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx, opts, p.Active.Name, os.Stdout); err != nil {
		log.Printf("[ERROR] %s failed: %v", p.Active.Name, err)
		cancel()
		os.Exit(1)
	}
	cancel()
}

// run executes the command, output goes to out
func run(ctx context.Context, opts options, cmd string, out io.Writer) error {
	if cmd == "schema" {
		return writeSchema(opts.Schema.Output, out)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}

	st := makeStorage(opts)
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("[WARN] failed to close storage: %v", err)
		}
	}()

	switch cmd {
	case "discard-legacy":
		// doesn't go through init, migration of a broken blob fails it
		res, err := st.DiscardLegacy(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "legacy data discarded, migration source %s\n", res.Source)
		return nil
	case "clear-all":
		// recreates the database, works on a store that can't be initialized
		if err := st.ClearAll(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "storage destroyed and recreated")
		return nil
	}

	if err := initStorage(ctx, st, opts); err != nil {
		return err
	}

	switch cmd {
	case "stats", "migrate":
		stats, err := st.Stats(ctx)
		if err != nil {
			return err
		}
		if cmd == "migrate" {
			printMigration(out, stats.Migration)
			return nil
		}
		printStats(out, stats)
		return nil
	case "show":
		snap, err := st.Load(ctx, cfg.DefaultSnapshot(time.Now()))
		if err != nil {
			return err
		}
		if opts.Show.JSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		printSnapshot(out, snap)
		return nil
	case "clear":
		if err := st.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "storage cleared")
		return nil
	case "serve":
		srv, err := web.New(web.Config{
			Store:      st,
			Defaults:   cfg.DefaultSnapshot,
			Version:    revision,
			BaseURL:    opts.Web.BaseURL,
			MaxBody:    opts.Web.MaxBody,
			WriteLimit: opts.Web.WriteLimit,
		})
		if err != nil {
			return err
		}
		return srv.Run(ctx, opts.Web.Address)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func makeStorage(opts options) *storage.Storage {
	stOpts := storage.Options{Path: opts.DB, LegacyKey: opts.Legacy.Key, Events: storage.LogHandler{}}
	if opts.Legacy.Dir != "" {
		stOpts.Legacy = migrate.NewFileSource(afero.NewOsFs(), opts.Legacy.Dir)
	}
	return storage.New(stOpts)
}

// errStop signals repeater to stop retrying
var errStop = errors.New("stop")

// initStorage opens storage, retrying while the database is blocked by another connection.
// Any other error, version conflict included, stops retries.
func initStorage(ctx context.Context, st *storage.Storage, opts options) error {
	attempts := max(opts.Open.Attempts, 1)
	rptr := repeater.New(&strategy.Backoff{Repeats: attempts, Duration: opts.Open.Duration, Factor: opts.Open.Factor})

	var lastErr error
	err := rptr.Do(ctx, func() error {
		lastErr = st.Init(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, store.ErrBlocked) {
			log.Printf("[INFO] database blocked, retrying: %v", lastErr)
			return lastErr
		}
		return errStop
	}, errStop)
	if err != nil && lastErr != nil {
		return fmt.Errorf("failed to open storage: %w", lastErr)
	}
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	return nil
}

func writeSchema(fname string, out io.Writer) error {
	data, err := config.Schema()
	if err != nil {
		return err
	}
	if fname == "" {
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	if err = os.WriteFile(fname, data, 0o600); err != nil {
		return fmt.Errorf("failed to write schema file: %w", err)
	}
	fmt.Fprintf(out, "schema written to %s\n", fname)
	return nil
}

func printStats(out io.Writer, st storage.Stats) {
	if !st.Persistent {
		fmt.Fprintln(out, "storage is not persistent")
		return
	}
	fmt.Fprintf(out, "database:       %s (%s)\n", st.Path, humanize.Bytes(uint64(max(st.Size, 0)))) //nolint:gosec // non-negative
	fmt.Fprintf(out, "schema version: %d\n", st.SchemaVersion)
	fmt.Fprintf(out, "boards:         %s\n", humanize.Comma(int64(st.Boards)))
	fmt.Fprintf(out, "tasks:          %s active, %s archived\n", humanize.Comma(int64(st.Tasks)),
		humanize.Comma(int64(st.ArchivedTasks)))
	fmt.Fprintf(out, "settings:       %d\n", st.Settings)
	if st.LastModified.IsZero() {
		fmt.Fprintln(out, "last modified:  never")
	} else {
		fmt.Fprintf(out, "last modified:  %s\n", humanize.Time(st.LastModified))
	}
	printMigration(out, st.Migration)
}

func printMigration(out io.Writer, m store.MigrationState) {
	if !m.Completed {
		fmt.Fprintln(out, "migration:      pending")
		return
	}
	fmt.Fprintf(out, "migration:      completed, source %s, %s\n", m.Source, humanize.Time(time.UnixMilli(m.At)))
}

func printSnapshot(out io.Writer, snap domain.Snapshot) {
	current := ""
	if snap.CurrentBoardID != nil {
		current = *snap.CurrentBoardID
	}
	for _, b := range snap.Boards {
		mark := " "
		if b.ID == current {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %s [%s] %s, %d active, %d archived\n", mark, b.Name, b.ID,
			humanize.Time(b.LastModified), len(b.Tasks), len(b.ArchivedTasks))
		for _, t := range b.Tasks {
			fmt.Fprintf(out, "    %-5s %s\n", t.Status, t.Text)
		}
	}
	fmt.Fprintf(out, "filter: %s\n", snap.Filter)
}

// setupLogs configures lgr, returns writer logs go to
func setupLogs(opts options) io.Writer {
	if !opts.Log.Enabled {
		log.Setup(log.Out(io.Discard), log.Err(io.Discard))
		return io.Discard
	}

	logOpts := []log.Option{log.Msec}
	if opts.Log.Debug {
		logOpts = []log.Option{log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile}
	}
	var out io.Writer = os.Stdout
	if opts.Log.File != "" {
		out = &lumberjack.Logger{
			Filename:   opts.Log.File,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.Compress,
		}
	}
	log.Setup(append(logOpts, log.Out(out), log.Err(out))...)
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM and SIGINT
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
