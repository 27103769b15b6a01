// Package migrate transfers data from the legacy single-key blob into the partitioned store.
// The transfer happens once, guarded by the migration state kept by the target.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/boardstore/app/domain"
	"github.com/umputun/boardstore/app/store"
)

// DefaultKey is the key of legacy blob in the flat store
const DefaultKey = "kanban_data"

// migration sources recorded in the guard
const (
	SourceNone      = "none"      // no legacy blob found
	SourceLegacy    = "legacy"    // blob transferred
	SourceSkipped   = "skipped"   // store already had data, blob left alone
	SourceDiscarded = "discarded" // blob archived without transfer
)

// Format of the legacy blob
type Format int

// recognized formats, FormatUnknown is terminal
const (
	FormatUnknown  Format = iota
	FormatEnvelope        // {version, data: {boards, currentBoardId}}
	FormatBare            // {boards, currentBoardId}
)

func (f Format) String() string {
	switch f {
	case FormatEnvelope:
		return "envelope"
	case FormatBare:
		return "bare"
	default:
		return "unknown"
	}
}

// MigrationError reports legacy blob present but unparsable or inconsistent
type MigrationError struct {
	Key    string
	Format Format
	Err    error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("can't migrate legacy %q (%s format): %v", e.Key, e.Format, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Legacy is a parsed legacy blob
type Legacy struct {
	Format   Format
	Version  string
	Snapshot domain.Snapshot
}

// Parse detects format of the blob and converts it to snapshot. The snapshot is checked
// with store.Flatten, so a parsed blob is guaranteed to be importable.
func Parse(data []byte) (Legacy, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return Legacy{}, &MigrationError{Err: fmt.Errorf("not a json object: %w", err)}
	}

	res := Legacy{Format: detect(probe)}
	var body legacySnapshot
	switch res.Format {
	case FormatEnvelope:
		var env struct {
			Version json.RawMessage `json:"version"`
			Data    legacySnapshot  `json:"data"`
		}
		if err := decode(data, &env); err != nil {
			return Legacy{}, &MigrationError{Format: res.Format, Err: err}
		}
		res.Version = versionString(env.Version)
		body = env.Data
	case FormatBare:
		if err := decode(data, &body); err != nil {
			return Legacy{}, &MigrationError{Format: res.Format, Err: err}
		}
	case FormatUnknown:
		return Legacy{}, &MigrationError{Format: res.Format, Err: errors.New("unrecognized blob layout")}
	}

	if body.Boards == nil {
		return Legacy{}, &MigrationError{Format: res.Format, Err: errors.New("no boards")}
	}
	res.Snapshot = body.snapshot()
	if _, err := store.Flatten(res.Snapshot); err != nil {
		return Legacy{}, &MigrationError{Format: res.Format, Err: err}
	}
	return res, nil
}

func detect(probe map[string]json.RawMessage) Format {
	if data, ok := probe["data"]; ok {
		var inner map[string]json.RawMessage
		if json.Unmarshal(data, &inner) == nil {
			if _, hasBoards := inner["boards"]; hasBoards {
				return FormatEnvelope
			}
		}
		return FormatUnknown
	}
	if _, ok := probe["boards"]; ok {
		return FormatBare
	}
	return FormatUnknown
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}
	return nil
}

// versionString accepts version as json string or number
func versionString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return n.String()
	}
	return ""
}

type legacySnapshot struct {
	Boards         []legacyBoard `json:"boards"`
	CurrentBoardID *string       `json:"currentBoardId"`
	Filter         string        `json:"filter"`
}

type legacyBoard struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description"`
	Color         string       `json:"color"`
	CreatedDate   legacyTime   `json:"createdDate"`
	LastModified  legacyTime   `json:"lastModified"`
	IsArchived    bool         `json:"isArchived"`
	IsDefault     bool         `json:"isDefault"`
	Tasks         []legacyTask `json:"tasks"`
	ArchivedTasks []legacyTask `json:"archivedTasks"`
}

type legacyTask struct {
	ID            string     `json:"id"`
	Text          string     `json:"text"`
	Status        string     `json:"status"`
	CreatedDate   legacyTime `json:"createdDate"`
	LastModified  legacyTime `json:"lastModified"`
	CompletedDate legacyTime `json:"completedDate"`
	ArchivedDate  legacyTime `json:"archivedDate"`
}

// legacyTime is a timestamp stored either as RFC3339 string or unix milliseconds. Null and empty are zero.
type legacyTime struct {
	time.Time
}

func (t *legacyTime) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("invalid time %s: %w", s, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, str)
	if err != nil {
		return fmt.Errorf("invalid time %q: %w", str, err)
	}
	t.Time = ts.UTC()
	return nil
}

func (t legacyTime) ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

func (s legacySnapshot) snapshot() domain.Snapshot {
	res := domain.Snapshot{Boards: make([]domain.Board, 0, len(s.Boards)), CurrentBoardID: s.CurrentBoardID, Filter: s.Filter}
	if res.Filter == "" {
		res.Filter = domain.FilterAll
	}
	for _, b := range s.Boards {
		res.Boards = append(res.Boards, domain.Board{
			ID:            b.ID,
			Name:          b.Name,
			Description:   b.Description,
			Color:         b.Color,
			CreatedDate:   b.CreatedDate.Time,
			LastModified:  b.LastModified.Time,
			IsArchived:    b.IsArchived,
			IsDefault:     b.IsDefault,
			Tasks:         convertTasks(b.Tasks),
			ArchivedTasks: convertTasks(b.ArchivedTasks),
		})
	}
	return res.Normalize()
}

func convertTasks(tasks []legacyTask) []domain.Task {
	res := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		status := t.Status
		if status == "" {
			status = string(domain.StatusTodo)
		}
		res = append(res, domain.Task{
			ID:            t.ID,
			Text:          t.Text,
			Status:        domain.Status(status),
			CreatedDate:   t.CreatedDate.Time,
			LastModified:  t.LastModified.Time,
			CompletedDate: t.CompletedDate.ptr(),
			ArchivedDate:  t.ArchivedDate.ptr(),
		})
	}
	return res
}

// Target is the partitioned store receiving legacy data
type Target interface {
	// MigrationState returns the guard, found=false if it was never set
	MigrationState(ctx context.Context) (state store.MigrationState, found bool, err error)
	// Empty checks if target has no data
	Empty(ctx context.Context) (bool, error)
	// Import writes the snapshot and the guard in one transaction
	Import(ctx context.Context, snap domain.Snapshot, state store.MigrationState) error
	// MarkDone sets the guard only
	MarkDone(ctx context.Context, state store.MigrationState) error
}

// Result of adapter run
type Result struct {
	Source      string // one of Source* constants
	AlreadyDone bool   // guard was set before the run
	Format      Format
	Boards      int
	Tasks       int
}

// Migrated checks if the run transferred data
func (r Result) Migrated() bool { return !r.AlreadyDone && r.Source == SourceLegacy }

// Adapter runs one-time migration from Source to Target
type Adapter struct {
	src    Source
	key    string
	target Target
}

// NewAdapter makes Adapter. Nil src means there is no legacy store at all.
func NewAdapter(src Source, key string, target Target) *Adapter {
	if key == "" {
		key = DefaultKey
	}
	return &Adapter{src: src, key: key, target: target}
}

// Run checks for legacy blob and transfers it into empty target. Running again after a successful
// run is a no-op. A malformed blob leaves target untouched and returns MigrationError,
// the guard stays unset so every following run fails the same way until the blob is fixed or discarded.
func (a *Adapter) Run(ctx context.Context) (Result, error) {
	state, found, err := a.target.MigrationState(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to get migration state: %w", err)
	}
	if found && state.Completed {
		return Result{Source: state.Source, AlreadyDone: true}, nil
	}

	if a.src == nil {
		return a.markDone(ctx, SourceNone)
	}
	data, found, err := a.src.Read(a.key)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read legacy %q: %w", a.key, err)
	}
	if !found {
		return a.markDone(ctx, SourceNone)
	}

	empty, err := a.target.Empty(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to check target: %w", err)
	}
	if !empty {
		log.Printf("[WARN] legacy %q found but store has data, migration skipped", a.key)
		return a.markDone(ctx, SourceSkipped)
	}

	legacy, err := Parse(data)
	if err != nil {
		var me *MigrationError
		if errors.As(err, &me) {
			me.Key = a.key
		}
		return Result{}, err
	}

	active, archived := legacy.Snapshot.TasksCount()
	res := Result{Source: SourceLegacy, Format: legacy.Format, Boards: len(legacy.Snapshot.Boards), Tasks: active + archived}
	st := store.MigrationState{Completed: true, Source: SourceLegacy, At: time.Now().UnixMilli()}
	if err = a.target.Import(ctx, legacy.Snapshot, st); err != nil {
		var se *store.SerializationError
		if errors.As(err, &se) {
			return Result{}, &MigrationError{Key: a.key, Format: legacy.Format, Err: err}
		}
		return Result{}, fmt.Errorf("failed to import legacy %q: %w", a.key, err)
	}
	log.Printf("[INFO] migrated legacy %q (%s format, version %q), %d boards, %d tasks",
		a.key, legacy.Format, legacy.Version, res.Boards, res.Tasks)

	a.retire(data)
	return res, nil
}

// Discard archives and removes legacy blob without transferring it and sets the guard.
// Used to unblock a store whose legacy blob can't be parsed.
func (a *Adapter) Discard(ctx context.Context) (Result, error) {
	if a.src != nil {
		data, found, err := a.src.Read(a.key)
		if err != nil {
			return Result{}, fmt.Errorf("failed to read legacy %q: %w", a.key, err)
		}
		if found {
			if err = a.src.Archive(a.key, data); err != nil {
				return Result{}, fmt.Errorf("failed to archive legacy %q: %w", a.key, err)
			}
			if err = a.src.Delete(a.key); err != nil {
				return Result{}, fmt.Errorf("failed to delete legacy %q: %w", a.key, err)
			}
			log.Printf("[INFO] legacy %q discarded", a.key)
		}
	}
	return a.markDone(ctx, SourceDiscarded)
}

func (a *Adapter) markDone(ctx context.Context, source string) (Result, error) {
	st := store.MigrationState{Completed: true, Source: source, At: time.Now().UnixMilli()}
	if err := a.target.MarkDone(ctx, st); err != nil {
		return Result{}, fmt.Errorf("failed to mark migration done: %w", err)
	}
	log.Printf("[DEBUG] migration marked done, source %s", source)
	return Result{Source: source}, nil
}

// retire archives and deletes migrated blob. Failures are logged only, the guard already prevents re-import.
func (a *Adapter) retire(data []byte) {
	if err := a.src.Archive(a.key, data); err != nil {
		log.Printf("[WARN] can't archive legacy %q, left in place: %v", a.key, err)
		return
	}
	if err := a.src.Delete(a.key); err != nil {
		log.Printf("[WARN] can't delete legacy %q: %v", a.key, err)
	}
}
