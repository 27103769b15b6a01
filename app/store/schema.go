package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	log "github.com/go-pkgz/lgr"
)

// SchemaVersion is the latest version declared by DefaultRegistry
const SchemaVersion = 3

// Partition is a named record collection, backed by a table
type Partition string

// known partitions
const (
	PartitionBoards   Partition = "boards"
	PartitionTasks    Partition = "tasks"
	PartitionSettings Partition = "settings"
	PartitionMetadata Partition = "metadata"
)

// Execer is a subset of sqlx db/conn/tx used by schema upgrades
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// PartitionDef declares a partition and the version it appeared in
type PartitionDef struct {
	Name  Partition
	Since int
	DDL   string // must be CREATE TABLE IF NOT EXISTS
}

// ColumnDef declares a column added to an existing partition
type ColumnDef struct {
	Partition Partition
	Name      string
	Type      string
	Since     int
}

// IndexDef declares a secondary index
type IndexDef struct {
	Name      string
	Partition Partition
	Columns   []string
	Since     int
}

// Registry keeps declared partitions, columns and indexes. Everything is additive,
// nothing can be dropped once declared.
type Registry struct {
	partitions []PartitionDef
	columns    []ColumnDef
	indexes    []IndexDef
}

// NewRegistry makes empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// AddPartition declares partition
func (r *Registry) AddPartition(def PartitionDef) *Registry {
	r.partitions = append(r.partitions, def)
	return r
}

// AddColumn declares an additive column
func (r *Registry) AddColumn(def ColumnDef) *Registry {
	r.columns = append(r.columns, def)
	return r
}

// AddIndex declares index
func (r *Registry) AddIndex(def IndexDef) *Registry {
	r.indexes = append(r.indexes, def)
	return r
}

// DefaultRegistry returns the layout of boards, tasks, settings and metadata partitions
func DefaultRegistry() *Registry {
	r := NewRegistry()

	// v1
	r.AddPartition(PartitionDef{Name: PartitionBoards, Since: 1, DDL: `CREATE TABLE IF NOT EXISTS boards (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			color TEXT NOT NULL DEFAULT '',
			created_date INTEGER NOT NULL DEFAULT 0,
			last_modified INTEGER NOT NULL DEFAULT 0,
			is_archived BOOLEAN NOT NULL DEFAULT 0,
			is_default BOOLEAN NOT NULL DEFAULT 0,
			position INTEGER NOT NULL DEFAULT 0
		)`})
	r.AddPartition(PartitionDef{Name: PartitionTasks, Since: 1, DDL: `CREATE TABLE IF NOT EXISTS tasks (
			id TEXT NOT NULL,
			board_id TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'todo',
			created_date INTEGER NOT NULL DEFAULT 0,
			last_modified INTEGER NOT NULL DEFAULT 0,
			completed_date INTEGER,
			archived_date INTEGER,
			is_archived BOOLEAN NOT NULL DEFAULT 0,
			position INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (board_id, id)
		)`})
	r.AddPartition(PartitionDef{Name: PartitionMetadata, Since: 1, DDL: `CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`})
	r.AddIndex(IndexDef{Name: "idx_boards_created_date", Partition: PartitionBoards, Columns: []string{"created_date"}, Since: 1})
	r.AddIndex(IndexDef{Name: "idx_tasks_board_id", Partition: PartitionTasks, Columns: []string{"board_id"}, Since: 1})
	r.AddIndex(IndexDef{Name: "idx_tasks_status", Partition: PartitionTasks, Columns: []string{"status"}, Since: 1})
	r.AddIndex(IndexDef{Name: "idx_tasks_created_date", Partition: PartitionTasks, Columns: []string{"created_date"}, Since: 1})

	// v2
	r.AddPartition(PartitionDef{Name: PartitionSettings, Since: 2, DDL: `CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`})

	// v3, fingerprints for diffing
	r.AddColumn(ColumnDef{Partition: PartitionBoards, Name: "fingerprint", Type: "INTEGER NOT NULL DEFAULT 0", Since: 3})
	r.AddColumn(ColumnDef{Partition: PartitionTasks, Name: "fingerprint", Type: "INTEGER NOT NULL DEFAULT 0", Since: 3})
	r.AddIndex(IndexDef{Name: "idx_tasks_board_archived", Partition: PartitionTasks, Columns: []string{"board_id", "is_archived"}, Since: 3})

	return r
}

// Latest returns the highest version referenced by any declaration
func (r *Registry) Latest() int {
	res := 0
	for _, p := range r.partitions {
		res = max(res, p.Since)
	}
	for _, c := range r.columns {
		res = max(res, c.Since)
	}
	for _, i := range r.indexes {
		res = max(res, i.Since)
	}
	return res
}

// Partitions returns names of all declared partitions, in declaration order
func (r *Registry) Partitions() []Partition {
	res := make([]Partition, 0, len(r.partitions))
	for _, p := range r.partitions {
		res = append(res, p.Name)
	}
	return res
}

// Has checks if partition declared
func (r *Registry) Has(p Partition) bool {
	return slices.ContainsFunc(r.partitions, func(d PartitionDef) bool { return d.Name == p })
}

// Indexes returns indexes declared for partition
func (r *Registry) Indexes(p Partition) []IndexDef {
	res := []IndexDef{}
	for _, idx := range r.indexes {
		if idx.Partition == p {
			res = append(res, idx)
		}
	}
	return res
}

// Upgrade creates everything introduced after oldVersion up to newVersion.
// Each step is idempotent, re-running an applied step changes nothing.
func (r *Registry) Upgrade(ctx context.Context, ex Execer, oldVersion, newVersion int) error {
	if newVersion < oldVersion {
		return fmt.Errorf("downgrade from %d to %d is not supported: %w", oldVersion, newVersion, ErrVersionConflict)
	}
	if newVersion > r.Latest() {
		return fmt.Errorf("unknown schema version %d, latest is %d: %w", newVersion, r.Latest(), ErrVersionConflict)
	}

	for v := oldVersion + 1; v <= newVersion; v++ {
		log.Printf("[DEBUG] apply schema version %d", v)
		for _, p := range r.partitions {
			if p.Since != v {
				continue
			}
			if _, err := ex.ExecContext(ctx, p.DDL); err != nil {
				return fmt.Errorf("failed to create partition %s: %w", p.Name, err)
			}
		}
		for _, c := range r.columns {
			if c.Since != v {
				continue
			}
			if err := addColumn(ctx, ex, c); err != nil {
				return err
			}
		}
		for _, idx := range r.indexes {
			if idx.Since != v {
				continue
			}
			q := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", idx.Name, idx.Partition, strings.Join(idx.Columns, ", "))
			if _, err := ex.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("failed to create index %s: %w", idx.Name, err)
			}
		}
	}
	return nil
}

// addColumn adds column unless the table already has it
func addColumn(ctx context.Context, ex Execer, c ColumnDef) error {
	var cols []string
	if err := ex.SelectContext(ctx, &cols, "SELECT name FROM pragma_table_info(?)", string(c.Partition)); err != nil {
		return fmt.Errorf("failed to get columns of %s: %w", c.Partition, err)
	}
	if slices.Contains(cols, c.Name) {
		return nil
	}
	q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.Partition, c.Name, c.Type)
	if _, err := ex.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", c.Partition, c.Name, err)
	}
	return nil
}
