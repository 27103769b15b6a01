package store

import (
	"encoding/json"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Key identifies a record within its partition. Scope is the owning board id for tasks, empty otherwise.
type Key struct {
	Scope string
	ID    string
}

func (k Key) String() string {
	if k.Scope == "" {
		return k.ID
	}
	return k.Scope + "/" + k.ID
}

// Record is a flat row of a partition
type Record interface {
	Key() Key
	Sum() int64 // content fingerprint, equal for equal records
}

// Stored is what diffing needs to know about a persisted record
type Stored struct {
	Sum      int64
	Position int
}

// ordered records keep position among siblings of the same group.
// Position is not part of the fingerprint.
type ordered interface {
	Record
	Pos() int
	group() string
	withPosition(pos int) Record
}

// BoardRecord is a persisted board without its tasks
type BoardRecord struct {
	ID           string `db:"id" json:"id"`
	Name         string `db:"name" json:"name"`
	Description  string `db:"description" json:"description"`
	Color        string `db:"color" json:"color"`
	CreatedDate  int64  `db:"created_date" json:"created_date"`
	LastModified int64  `db:"last_modified" json:"last_modified"`
	IsArchived   bool   `db:"is_archived" json:"is_archived"`
	IsDefault    bool   `db:"is_default" json:"is_default"`
	Position     int    `db:"position" json:"-"`
	Fingerprint  int64  `db:"fingerprint" json:"-"`
}

// Key returns board id
func (r BoardRecord) Key() Key { return Key{ID: r.ID} }

// Sum returns stored fingerprint
func (r BoardRecord) Sum() int64 { return r.Fingerprint }

// Pos returns position among boards
func (r BoardRecord) Pos() int { return r.Position }

func (r BoardRecord) group() string { return "" }

func (r BoardRecord) withPosition(pos int) Record {
	r.Position = pos
	return r
}

// TaskRecord is a persisted task tagged with its board id
type TaskRecord struct {
	ID            string `db:"id" json:"id"`
	BoardID       string `db:"board_id" json:"board_id"`
	Text          string `db:"text" json:"text"`
	Status        string `db:"status" json:"status"`
	CreatedDate   int64  `db:"created_date" json:"created_date"`
	LastModified  int64  `db:"last_modified" json:"last_modified"`
	CompletedDate *int64 `db:"completed_date" json:"completed_date"`
	ArchivedDate  *int64 `db:"archived_date" json:"archived_date"`
	IsArchived    bool   `db:"is_archived" json:"is_archived"`
	Position      int    `db:"position" json:"-"`
	Fingerprint   int64  `db:"fingerprint" json:"-"`
}

// Key returns board id and task id
func (r TaskRecord) Key() Key { return Key{Scope: r.BoardID, ID: r.ID} }

// Sum returns stored fingerprint
func (r TaskRecord) Sum() int64 { return r.Fingerprint }

// Pos returns position within the board's active or archived list
func (r TaskRecord) Pos() int { return r.Position }

func (r TaskRecord) group() string { return r.BoardID + "/" + strconv.FormatBool(r.IsArchived) }

func (r TaskRecord) withPosition(pos int) Record {
	r.Position = pos
	return r
}

// KVRecord is a key/value row used by settings and metadata partitions. Value is json.
type KVRecord struct {
	Name  string `db:"key"`
	Value string `db:"value"`
}

// Key returns record name
func (r KVRecord) Key() Key { return Key{ID: r.Name} }

// Sum returns fingerprint of the value
func (r KVRecord) Sum() int64 { return int64(xxhash.Sum64String(r.Value)) } //nolint:gosec // bit pattern only

// fingerprint hashes json representation of the record, Fingerprint field excluded
func fingerprint(v any) int64 {
	data, err := json.Marshal(v)
	if err != nil {
		// all record fields are plain scalars, marshal can't fail
		return 0
	}
	return int64(xxhash.Sum64(data)) //nolint:gosec // bit pattern only
}

// withFingerprint returns board record with computed fingerprint
func (r BoardRecord) withFingerprint() BoardRecord {
	r.Fingerprint = fingerprint(r)
	return r
}

// withFingerprint returns task record with computed fingerprint
func (r TaskRecord) withFingerprint() TaskRecord {
	r.Fingerprint = fingerprint(r)
	return r
}

// metadata keys
const (
	MetaAppData     = "appData"
	MetaInitialized = "initialized"
)

// AppData is the value of appData metadata record
type AppData struct {
	CurrentBoardID *string `json:"currentBoardId"`
	Filter         string  `json:"filter"`
	LastModified   int64   `json:"lastModified"`
	SchemaVersion  int     `json:"schemaVersion"`
}

// MigrationState is the value of initialized metadata record, the migration guard
type MigrationState struct {
	Completed bool   `json:"completed"`
	Source    string `json:"source"` // legacy, none, skipped, discarded
	At        int64  `json:"at"`
}

// NewKV marshals value to json and makes KVRecord
func NewKV(name string, value any) (KVRecord, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return KVRecord{}, &SerializationError{Reason: "can't marshal " + strconv.Quote(name) + ": " + err.Error()}
	}
	return KVRecord{Name: name, Value: string(data)}, nil
}
