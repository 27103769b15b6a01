package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
)

// Conn is an open engine handle pinned to a schema version.
// It is created explicitly by the owner and passed to the components using it.
type Conn struct {
	db       *sqlx.DB
	path     string
	version  int
	registry *Registry
	closed   atomic.Bool
}

// Option customizes Conn
type Option func(c *Conn)

// WithRegistry sets schema registry, DefaultRegistry used otherwise
func WithRegistry(r *Registry) Option {
	return func(c *Conn) { c.registry = r }
}

type getter interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
}

// Open makes a connection to sqlite file at path and upgrades the schema to targetVersion.
// Upgrade runs in an immediate transaction, if another handle holds the write lock
// the call fails right away with blocked ConnectionError.
func Open(ctx context.Context, path string, targetVersion int, opts ...Option) (*Conn, error) {
	c := &Conn{path: path, registry: DefaultRegistry()}
	for _, opt := range opts {
		opt(c)
	}

	if targetVersion <= 0 || targetVersion > c.registry.Latest() {
		return nil, &ConnectionError{Kind: ConnVersion, Path: path,
			Err: fmt.Errorf("target version %d not in 1..%d", targetVersion, c.registry.Latest())}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, &ConnectionError{Kind: ConnUnavailable, Path: path, Err: fmt.Errorf("failed to open database: %w", err)}
	}

	closeWith := func(e *ConnectionError) (*Conn, error) {
		if closeErr := db.Close(); closeErr != nil {
			log.Printf("[WARN] failed to close database %s: %v", path, closeErr)
		}
		return nil, e
	}

	if err := db.PingContext(ctx); err != nil {
		return closeWith(&ConnectionError{Kind: ConnUnavailable, Path: path, Err: fmt.Errorf("failed to connect: %w", err)})
	}

	// enable WAL mode for better concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		kind := ConnUnavailable
		if isBusy(err) {
			kind = ConnBlocked
		}
		return closeWith(&ConnectionError{Kind: kind, Path: path, Err: fmt.Errorf("failed to set WAL mode: %w", err)})
	}

	c.db = db
	if err := c.upgrade(ctx, targetVersion); err != nil {
		var ce *ConnectionError
		if !errors.As(err, &ce) {
			ce = &ConnectionError{Kind: ConnUnavailable, Path: path, Err: err}
		}
		return closeWith(ce)
	}
	log.Printf("[DEBUG] opened %s, schema version %d", path, c.version)
	return c, nil
}

// upgrade brings schema to target version, see Registry.Upgrade
func (c *Conn) upgrade(ctx context.Context, target int) error {
	current, err := userVersion(ctx, c.db)
	if err != nil {
		return err
	}
	if current > target {
		return &ConnectionError{Kind: ConnVersion, Path: c.path,
			Err: fmt.Errorf("stored version %d is newer than %d", current, target)}
	}
	if current == target {
		c.version = current
		return nil
	}

	conn, err := c.db.Connx(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if _, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		if isBusy(err) {
			return &ConnectionError{Kind: ConnBlocked, Path: c.path, Err: fmt.Errorf("can't upgrade to %d: %w", target, err)}
		}
		return fmt.Errorf("failed to begin upgrade: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if _, e := conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); e != nil {
			log.Printf("[WARN] failed to rollback upgrade of %s: %v", c.path, e)
		}
	}()

	// another handle may have upgraded while we waited for the lock
	if current, err = userVersion(ctx, conn); err != nil {
		return err
	}
	if current > target {
		return &ConnectionError{Kind: ConnVersion, Path: c.path,
			Err: fmt.Errorf("stored version %d is newer than %d", current, target)}
	}

	if current < target {
		log.Printf("[INFO] upgrade schema of %s from %d to %d", c.path, current, target)
		if err = c.registry.Upgrade(ctx, conn, current, target); err != nil {
			return err
		}
		if _, err = conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", target)); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	}

	if _, err = conn.ExecContext(ctx, "COMMIT"); err != nil {
		if isBusy(err) {
			return &ConnectionError{Kind: ConnBlocked, Path: c.path, Err: fmt.Errorf("can't commit upgrade: %w", err)}
		}
		return fmt.Errorf("failed to commit upgrade: %w", err)
	}
	committed = true
	c.version = target
	return nil
}

func userVersion(ctx context.Context, g getter) (int, error) {
	var v int
	if err := g.GetContext(ctx, &v, "PRAGMA user_version"); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// Version returns schema version the connection is pinned to
func (c *Conn) Version() int { return c.version }

// Path returns database file path
func (c *Conn) Path() string { return c.path }

// Registry returns schema registry used by connection
func (c *Conn) Registry() *Registry { return c.registry }

// Size returns size of the database in bytes, not counting WAL
func (c *Conn) Size(ctx context.Context) (int64, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	var pages, pageSize int64
	if err := c.db.GetContext(ctx, &pages, "PRAGMA page_count"); err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := c.db.GetContext(ctx, &pageSize, "PRAGMA page_size"); err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}
	return pages * pageSize, nil
}

// Close closes the database connection. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.db.Close()
}

// Destroy removes database file at path with its WAL and shared memory files.
// The database must not be opened by anybody.
func Destroy(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	log.Printf("[INFO] database %s destroyed", path)
	return nil
}
