// Package storage is the public surface of the board store. Storage saves and loads full snapshots,
// diffing them against persisted records, runs one-time legacy migration on first connection
// and falls back to a non-persistent mode if the database can't be opened at all.
// All operations of a Storage instance are serialized.
package storage

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"

	"github.com/umputun/boardstore/app/domain"
	"github.com/umputun/boardstore/app/migrate"
	"github.com/umputun/boardstore/app/store"
)

// ErrNotPersistent returned by Save when storage works without database
var ErrNotPersistent = errors.New("storage is not persistent")

// SourceCleared is the migration guard source set after ClearAll, legacy data is ignored from then on
const SourceCleared = "cleared"

// Options for New
type Options struct {
	Path      string         // database file, empty for non-persistent mode
	Legacy    migrate.Source // legacy blob store, optional
	LegacyKey string         // key of legacy blob, migrate.DefaultKey if empty
	Events    Handler        // optional
	OpHook    store.OpHook   // optional, observes every engine write
}

// Storage is a facade over the partitioned store
type Storage struct {
	opts Options
	lock sync.Locker

	conn      *store.Conn
	coord     *store.Coordinator
	ready     bool // connection opened and migration passed
	noPersist atomic.Bool
}

// New makes Storage. Nothing is opened until the first operation or Init.
func New(opts Options) *Storage {
	if opts.LegacyKey == "" {
		opts.LegacyKey = migrate.DefaultKey
	}
	res := &Storage{opts: opts, lock: syncs.NewSemaphore(1)}
	if opts.Path == "" {
		log.Printf("[WARN] no database path, storage is not persistent")
		res.noPersist.Store(true)
	}
	return res
}

// Persistent checks if storage has a database behind it
func (s *Storage) Persistent() bool { return !s.noPersist.Load() }

// Init opens the database and runs legacy migration. Calling it is optional, every operation
// initializes storage on demand. Safe to call multiple times.
func (s *Storage) Init(ctx context.Context) error {
	return s.do(ctx, "init", func(ctx context.Context) error {
		return s.ensureReady(ctx)
	})
}

// Save persists snapshot. Records absent from the snapshot are deleted, unchanged records are not rewritten.
// Boards, tasks and app data are written in one transaction, either all land or nothing.
func (s *Storage) Save(ctx context.Context, snap domain.Snapshot) error {
	return s.do(ctx, "save", func(ctx context.Context) error {
		flat, err := store.Flatten(snap)
		if err != nil {
			return err
		}
		if err = s.ensureReady(ctx); err != nil {
			return err
		}
		if s.noPersist.Load() {
			return ErrNotPersistent
		}

		deltas, err := store.DiffPartitions(ctx, s.coord, flat.Records(), store.PartitionBoards, store.PartitionTasks)
		if err != nil {
			return fmt.Errorf("failed to diff snapshot: %w", err)
		}
		app, err := store.NewKV(store.MetaAppData, store.AppData{
			CurrentBoardID: snap.CurrentBoardID,
			Filter:         snap.Filter,
			LastModified:   time.Now().UnixMilli(),
			SchemaVersion:  s.conn.Version(),
		})
		if err != nil {
			return err
		}

		tx, err := s.coord.BeginWrite(ctx, store.PartitionBoards, store.PartitionTasks, store.PartitionMetadata)
		if err != nil {
			return err
		}
		for _, d := range deltas {
			if err = d.Apply(tx); err != nil {
				tx.Discard()
				return err
			}
			log.Printf("[DEBUG] save %s", d)
		}
		if err = tx.Put(store.PartitionMetadata, app); err != nil {
			tx.Discard()
			return err
		}
		if err = tx.Commit(ctx).Err(); err != nil {
			return err
		}
		s.emit(Event{Type: EventSaved})
		return nil
	})
}

// Load returns persisted snapshot. The default is returned if store is empty, not persistent,
// or on error. Error is returned along with the default.
func (s *Storage) Load(ctx context.Context, def domain.Snapshot) (res domain.Snapshot, err error) {
	err = s.do(ctx, "load", func(ctx context.Context) error {
		res = def
		if err := s.ensureReady(ctx); err != nil {
			return err
		}
		if s.noPersist.Load() {
			return nil
		}

		snap, found, err := s.read(ctx)
		if err != nil {
			return err
		}
		if found {
			res = snap
		}
		s.emit(Event{Type: EventLoaded})
		return nil
	})
	if err != nil {
		return def, err
	}
	return res, nil
}

// read gets snapshot in one read transaction, found=false for empty store
func (s *Storage) read(ctx context.Context) (domain.Snapshot, bool, error) {
	rtx, err := s.coord.BeginRead(ctx, store.PartitionBoards, store.PartitionTasks, store.PartitionMetadata)
	if err != nil {
		return domain.Snapshot{}, false, err
	}
	defer rtx.Close()

	boards, err := rtx.Boards(ctx)
	if err != nil {
		return domain.Snapshot{}, false, err
	}
	appRec, appFound, err := rtx.Get(ctx, store.PartitionMetadata, store.MetaAppData)
	if err != nil {
		return domain.Snapshot{}, false, err
	}
	if len(boards) == 0 && !appFound {
		return domain.Snapshot{}, false, nil
	}
	tasks, err := rtx.Tasks(ctx)
	if err != nil {
		return domain.Snapshot{}, false, err
	}

	res := domain.Snapshot{Boards: store.Unflatten(boards, tasks), Filter: domain.FilterAll}
	if appFound {
		var app store.AppData
		if err = decodeKV(appRec, &app); err != nil {
			return domain.Snapshot{}, false, err
		}
		res.CurrentBoardID = app.CurrentBoardID
		if app.Filter != "" {
			res.Filter = app.Filter
		}
	}
	return res, true, nil
}

// Clear removes boards, tasks, settings and app data. Schema and migration guard are kept.
func (s *Storage) Clear(ctx context.Context) error {
	return s.do(ctx, "clear", func(ctx context.Context) error {
		if err := s.ensureReady(ctx); err != nil {
			return err
		}
		if s.noPersist.Load() {
			s.emit(Event{Type: EventCleared})
			return nil
		}

		tx, err := s.coord.BeginWrite(ctx, store.PartitionBoards, store.PartitionTasks,
			store.PartitionSettings, store.PartitionMetadata)
		if err != nil {
			return err
		}
		for _, p := range []store.Partition{store.PartitionBoards, store.PartitionTasks, store.PartitionSettings} {
			if err = tx.Clear(p); err != nil {
				tx.Discard()
				return err
			}
		}
		if err = tx.Delete(store.PartitionMetadata, store.Key{ID: store.MetaAppData}); err != nil {
			tx.Discard()
			return err
		}
		if err = tx.Commit(ctx).Err(); err != nil {
			return err
		}
		log.Printf("[INFO] storage cleared")
		s.emit(Event{Type: EventCleared})
		return nil
	})
}

// ClearAll destroys the database and recreates it empty at the current schema version.
// Legacy blob, if still present, is not migrated into the recreated store.
func (s *Storage) ClearAll(ctx context.Context) error {
	return s.do(ctx, "clear-all", func(ctx context.Context) error {
		if s.noPersist.Load() {
			s.emit(Event{Type: EventClearedAll})
			return nil
		}
		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				log.Printf("[WARN] failed to close %s: %v", s.opts.Path, err)
			}
		}
		s.conn, s.coord, s.ready = nil, nil, false

		if err := store.Destroy(s.opts.Path); err != nil {
			return err
		}
		if err := s.open(ctx); err != nil {
			return err
		}
		if err := (target{c: s.coord}).MarkDone(ctx, store.MigrationState{Completed: true, Source: SourceCleared,
			At: time.Now().UnixMilli()}); err != nil {
			return fmt.Errorf("failed to set migration guard: %w", err)
		}
		s.ready = true
		log.Printf("[INFO] storage %s destroyed and recreated", s.opts.Path)
		s.emit(Event{Type: EventClearedAll})
		return nil
	})
}

// DiscardLegacy archives and removes legacy blob without migrating it.
// This is the way out of a failing migration caused by a corrupted blob.
func (s *Storage) DiscardLegacy(ctx context.Context) (migrate.Result, error) {
	var res migrate.Result
	err := s.do(ctx, "discard-legacy", func(ctx context.Context) (err error) {
		if s.noPersist.Load() {
			return ErrNotPersistent
		}
		if s.conn == nil {
			if err = s.open(ctx); err != nil {
				return err
			}
		}
		res, err = migrate.NewAdapter(s.opts.Legacy, s.opts.LegacyKey, target{c: s.coord}).Discard(ctx)
		if err != nil {
			return err
		}
		s.ready = true
		s.emit(Event{Type: EventInitialized})
		return nil
	})
	return res, err
}

// Close closes the database. Storage can be used again after Close, it reopens on demand.
func (s *Storage) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn, s.coord, s.ready = nil, nil, false
	return err
}

// ensureReady opens connection and runs migration once. On migration failure connection stays open
// and migration is retried by the next operation.
func (s *Storage) ensureReady(ctx context.Context) error {
	if s.ready || s.noPersist.Load() {
		return nil
	}
	if s.conn == nil {
		if err := s.open(ctx); err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				log.Printf("[WARN] can't open %s, storage is not persistent: %v", s.opts.Path, err)
				s.noPersist.Store(true)
				s.emit(Event{Type: EventError, Operation: "open", Err: err})
				s.emit(Event{Type: EventInitialized})
				return nil
			}
			return err
		}
	}

	res, err := migrate.NewAdapter(s.opts.Legacy, s.opts.LegacyKey, target{c: s.coord}).Run(ctx)
	if err != nil {
		return err
	}
	s.ready = true
	s.emit(Event{Type: EventInitialized})
	if res.Migrated() {
		s.emit(Event{Type: EventMigrated})
	}
	return nil
}

func (s *Storage) open(ctx context.Context) error {
	conn, err := store.Open(ctx, s.opts.Path, store.SchemaVersion)
	if err != nil {
		return err
	}
	s.conn = conn
	s.coord = store.NewCoordinator(conn, s.opts.OpHook)
	return nil
}

// do runs fn under the single-flight lock, converts panics to errors and emits error event on failure
func (s *Storage) do(ctx context.Context, op string, fn func(ctx context.Context) error) (err error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] panic in %s: %v\n%s", op, r, debug.Stack())
			err = fmt.Errorf("panic in %s: %v", op, r)
		}
		if err != nil {
			s.emit(Event{Type: EventError, Operation: op, Err: err})
		}
	}()

	if err = ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// emit passes event to the handler. Handler panics are logged and dropped,
// the result of the operation depends on the engine only.
func (s *Storage) emit(ev Event) {
	if s.opts.Events == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WARN] event handler panic on %s: %v", ev.Type, r)
		}
	}()
	ev.At = time.Now()
	s.opts.Events.Handle(ev)
}
