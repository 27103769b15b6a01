package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
)

// OpKind is a kind of write operation
type OpKind string

// write operations
const (
	OpPut    OpKind = "put"
	OpDelete OpKind = "delete"
	OpClear  OpKind = "clear"
)

// Op describes a single engine write, passed to OpHook before execution
type Op struct {
	Kind      OpKind
	Partition Partition
	Key       Key // empty for clear
}

// OpHook observes write operations. Returning an error aborts the whole transaction.
type OpHook func(op Op) error

// OpStats are cumulative counters of committed write operations
type OpStats struct {
	Puts      int64
	Deletes   int64
	Clears    int64
	Commits   int64
	Rollbacks int64
}

// ErrTxDone returned on use of committed or discarded transaction
var ErrTxDone = errors.New("transaction already committed or discarded")

// Coordinator groups partition operations into atomic transactions
type Coordinator struct {
	conn *Conn
	hook OpHook

	puts, deletes, clears, commits, rollbacks atomic.Int64
}

// NewCoordinator makes Coordinator for connection. Hook is optional.
func NewCoordinator(conn *Conn, hook OpHook) *Coordinator {
	return &Coordinator{conn: conn, hook: hook}
}

// Stats returns committed operation counters
func (c *Coordinator) Stats() OpStats {
	return OpStats{
		Puts:      c.puts.Load(),
		Deletes:   c.deletes.Load(),
		Clears:    c.clears.Load(),
		Commits:   c.commits.Load(),
		Rollbacks: c.rollbacks.Load(),
	}
}

func (c *Coordinator) checkPartitions(op string, parts []Partition) error {
	if c.conn.closed.Load() {
		return &TransactionError{Op: op, Partitions: parts, Err: ErrClosed}
	}
	if len(parts) == 0 {
		return &TransactionError{Op: op, Err: errors.New("no partitions in scope")}
	}
	for _, p := range parts {
		if !c.conn.registry.Has(p) {
			return &TransactionError{Op: op, Partitions: parts, Err: fmt.Errorf("unknown partition %q", p)}
		}
	}
	return nil
}

// BeginWrite starts write transaction limited to given partitions.
// Operations are queued and executed by Commit.
func (c *Coordinator) BeginWrite(_ context.Context, parts ...Partition) (*WriteTx, error) {
	if err := c.checkPartitions("begin", parts); err != nil {
		return nil, err
	}
	return &WriteTx{c: c, scope: slices.Clone(parts)}, nil
}

type queuedOp struct {
	Op
	rec Record
}

// WriteTx is a queue of write operations applied atomically on Commit
type WriteTx struct {
	c     *Coordinator
	scope []Partition
	ops   []queuedOp
	done  bool
}

func (w *WriteTx) check(kind OpKind, p Partition) error {
	if w.done {
		return &TransactionError{Op: string(kind), Partitions: w.scope, Err: ErrTxDone}
	}
	if !slices.Contains(w.scope, p) {
		return &TransactionError{Op: string(kind), Partitions: w.scope, Err: fmt.Errorf("partition %q is out of scope", p)}
	}
	return nil
}

// Put queues insert-or-update of a record
func (w *WriteTx) Put(p Partition, rec Record) error {
	if err := w.check(OpPut, p); err != nil {
		return err
	}
	ok := false
	switch rec.(type) {
	case BoardRecord:
		ok = p == PartitionBoards
	case TaskRecord:
		ok = p == PartitionTasks
	case KVRecord:
		ok = p == PartitionSettings || p == PartitionMetadata
	}
	if !ok {
		return &TransactionError{Op: string(OpPut), Partitions: w.scope, Err: fmt.Errorf("record %T doesn't belong to %q", rec, p)}
	}
	w.ops = append(w.ops, queuedOp{Op: Op{Kind: OpPut, Partition: p, Key: rec.Key()}, rec: rec})
	return nil
}

// Delete queues removal of a record by key
func (w *WriteTx) Delete(p Partition, key Key) error {
	if err := w.check(OpDelete, p); err != nil {
		return err
	}
	w.ops = append(w.ops, queuedOp{Op: Op{Kind: OpDelete, Partition: p, Key: key}})
	return nil
}

// Clear queues removal of all records of a partition
func (w *WriteTx) Clear(p Partition) error {
	if err := w.check(OpClear, p); err != nil {
		return err
	}
	w.ops = append(w.ops, queuedOp{Op: Op{Kind: OpClear, Partition: p}})
	return nil
}

// Len returns number of queued operations
func (w *WriteTx) Len() int { return len(w.ops) }

// Discard drops queued operations, nothing reaches the engine
func (w *WriteTx) Discard() {
	w.done = true
	w.ops = nil
}

// Commit applies all queued operations in one engine transaction. The returned future resolves
// once the engine committed or rolled back. The commit can't be canceled by ctx once started.
func (w *WriteTx) Commit(ctx context.Context) OpFuture {
	if w.done {
		return FinishedOperation(&TransactionError{Op: "commit", Partitions: w.scope, Err: ErrTxDone})
	}
	w.done = true
	if len(w.ops) == 0 {
		return FinishedOperation(nil)
	}

	op := NewAsyncOperation()
	ops, scope := w.ops, w.scope
	w.ops = nil
	go func() {
		op.Resolve(w.c.apply(context.WithoutCancel(ctx), scope, ops))
	}()
	return op
}

// apply runs ops inside BEGIN IMMEDIATE ... COMMIT on a pinned connection
func (c *Coordinator) apply(ctx context.Context, scope []Partition, ops []queuedOp) error {
	if c.conn.closed.Load() {
		return &TransactionError{Op: "begin", Partitions: scope, Err: ErrClosed}
	}
	conn, err := c.conn.db.Connx(ctx)
	if err != nil {
		return txError("begin", scope, err)
	}
	defer conn.Close()

	if _, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return txError("begin", scope, err)
	}

	rollback := func(op string, cause error) error {
		if _, e := conn.ExecContext(ctx, "ROLLBACK"); e != nil {
			log.Printf("[WARN] failed to rollback transaction on %v: %v", scope, e)
		}
		c.rollbacks.Add(1)
		return txError(op, scope, cause)
	}

	var puts, deletes, clears int64
	for _, op := range ops {
		if err = c.callHook(op.Op); err != nil {
			return rollback(string(op.Kind), fmt.Errorf("aborted at %s %s %s: %w", op.Kind, op.Partition, op.Key, err))
		}
		if err = execOp(ctx, conn, op); err != nil {
			return rollback(string(op.Kind), err)
		}
		switch op.Kind {
		case OpPut:
			puts++
		case OpDelete:
			deletes++
		case OpClear:
			clears++
		}
	}

	if _, err = conn.ExecContext(ctx, "COMMIT"); err != nil {
		return rollback("commit", err)
	}
	c.puts.Add(puts)
	c.deletes.Add(deletes)
	c.clears.Add(clears)
	c.commits.Add(1)
	log.Printf("[DEBUG] committed %d puts, %d deletes, %d clears on %v", puts, deletes, clears, scope)
	return nil
}

// callHook runs hook, panic in the hook is returned as error
func (c *Coordinator) callHook(op Op) (err error) {
	if c.hook == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panic: %v", r)
		}
	}()
	return c.hook(op)
}

func execOp(ctx context.Context, conn *sqlx.Conn, op queuedOp) error {
	var err error
	switch op.Kind {
	case OpPut:
		switch rec := op.rec.(type) {
		case BoardRecord:
			_, err = conn.ExecContext(ctx, `INSERT OR REPLACE INTO boards
				(id, name, description, color, created_date, last_modified, is_archived, is_default, position, fingerprint)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				rec.ID, rec.Name, rec.Description, rec.Color, rec.CreatedDate, rec.LastModified,
				rec.IsArchived, rec.IsDefault, rec.Position, rec.Fingerprint)
		case TaskRecord:
			_, err = conn.ExecContext(ctx, `INSERT OR REPLACE INTO tasks
				(id, board_id, text, status, created_date, last_modified, completed_date, archived_date, is_archived, position, fingerprint)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				rec.ID, rec.BoardID, rec.Text, rec.Status, rec.CreatedDate, rec.LastModified,
				rec.CompletedDate, rec.ArchivedDate, rec.IsArchived, rec.Position, rec.Fingerprint)
		case KVRecord:
			_, err = conn.ExecContext(ctx, fmt.Sprintf("INSERT OR REPLACE INTO %s (key, value) VALUES (?, ?)", op.Partition),
				rec.Name, rec.Value)
		}
	case OpDelete:
		switch op.Partition {
		case PartitionBoards:
			_, err = conn.ExecContext(ctx, "DELETE FROM boards WHERE id = ?", op.Key.ID)
		case PartitionTasks:
			_, err = conn.ExecContext(ctx, "DELETE FROM tasks WHERE board_id = ? AND id = ?", op.Key.Scope, op.Key.ID)
		default:
			_, err = conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE key = ?", op.Partition), op.Key.ID)
		}
	case OpClear:
		_, err = conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", op.Partition))
	}
	if err != nil {
		return fmt.Errorf("failed to %s %s %s: %w", op.Kind, op.Partition, op.Key, err)
	}
	return nil
}

// BeginRead starts read-only transaction on given partitions. It never takes the write lock,
// so it doesn't participate in a later write's atomicity. Must be closed.
func (c *Coordinator) BeginRead(ctx context.Context, parts ...Partition) (*ReadTx, error) {
	if err := c.checkPartitions("begin", parts); err != nil {
		return nil, err
	}
	conn, err := c.conn.db.Connx(ctx)
	if err != nil {
		return nil, txError("begin", parts, err)
	}
	if _, err = conn.ExecContext(ctx, "BEGIN DEFERRED"); err != nil {
		_ = conn.Close()
		return nil, txError("begin", parts, err)
	}
	return &ReadTx{conn: conn, scope: slices.Clone(parts)}, nil
}

// ReadTx is a read-only transaction with consistent view of its partitions
type ReadTx struct {
	conn   *sqlx.Conn
	scope  []Partition
	closed bool
}

func (r *ReadTx) check(p Partition) error {
	if r.closed {
		return &TransactionError{Op: "read", Partitions: r.scope, Err: ErrTxDone}
	}
	if !slices.Contains(r.scope, p) {
		return &TransactionError{Op: "read", Partitions: r.scope, Err: fmt.Errorf("partition %q is out of scope", p)}
	}
	return nil
}

func (r *ReadTx) selectTo(ctx context.Context, p Partition, dest any, query string, args ...any) error {
	if err := r.check(p); err != nil {
		return err
	}
	if err := r.conn.SelectContext(ctx, dest, query, args...); err != nil {
		return txError("read", r.scope, fmt.Errorf("failed to read %s: %w", p, err))
	}
	return nil
}

// Fingerprints returns key to fingerprint and position of all persisted records in partition
func (r *ReadTx) Fingerprints(ctx context.Context, p Partition) (map[Key]Stored, error) {
	res := map[Key]Stored{}
	switch p {
	case PartitionBoards, PartitionTasks:
		var rows []struct {
			Scope       string `db:"scope"`
			ID          string `db:"id"`
			Fingerprint int64  `db:"fingerprint"`
			Position    int    `db:"position"`
		}
		q := "SELECT '' AS scope, id, fingerprint, position FROM boards"
		if p == PartitionTasks {
			q = "SELECT board_id AS scope, id, fingerprint, position FROM tasks"
		}
		if err := r.selectTo(ctx, p, &rows, q); err != nil {
			return nil, err
		}
		for _, row := range rows {
			res[Key{Scope: row.Scope, ID: row.ID}] = Stored{Sum: row.Fingerprint, Position: row.Position}
		}
	default:
		recs, err := r.KV(ctx, p)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			res[rec.Key()] = Stored{Sum: rec.Sum()}
		}
	}
	return res, nil
}

// Boards returns all board records ordered by position
func (r *ReadTx) Boards(ctx context.Context) ([]BoardRecord, error) {
	res := []BoardRecord{}
	err := r.selectTo(ctx, PartitionBoards, &res, `SELECT id, name, description, color, created_date, last_modified,
		is_archived, is_default, position, fingerprint FROM boards ORDER BY position, id`)
	return res, err
}

const taskColumns = `id, board_id, text, status, created_date, last_modified, completed_date, archived_date,
	is_archived, position, fingerprint`

// Tasks returns all task records ordered by board, archive flag and position
func (r *ReadTx) Tasks(ctx context.Context) ([]TaskRecord, error) {
	res := []TaskRecord{}
	err := r.selectTo(ctx, PartitionTasks, &res,
		"SELECT "+taskColumns+" FROM tasks ORDER BY board_id, is_archived, position, id")
	return res, err
}

// TasksByBoard returns task records of a board, using board_id index
func (r *ReadTx) TasksByBoard(ctx context.Context, boardID string) ([]TaskRecord, error) {
	res := []TaskRecord{}
	err := r.selectTo(ctx, PartitionTasks, &res,
		"SELECT "+taskColumns+" FROM tasks WHERE board_id = ? ORDER BY is_archived, position, id", boardID)
	return res, err
}

// TasksByStatus returns active task records with given status, using status index
func (r *ReadTx) TasksByStatus(ctx context.Context, status string) ([]TaskRecord, error) {
	res := []TaskRecord{}
	err := r.selectTo(ctx, PartitionTasks, &res,
		"SELECT "+taskColumns+" FROM tasks WHERE status = ? AND is_archived = 0 ORDER BY board_id, position, id", status)
	return res, err
}

// KV returns all records of settings or metadata partition
func (r *ReadTx) KV(ctx context.Context, p Partition) ([]KVRecord, error) {
	if p != PartitionSettings && p != PartitionMetadata {
		return nil, &TransactionError{Op: "read", Partitions: r.scope, Err: fmt.Errorf("%q is not a key/value partition", p)}
	}
	res := []KVRecord{}
	err := r.selectTo(ctx, p, &res, fmt.Sprintf("SELECT key, value FROM %s ORDER BY key", p))
	return res, err
}

// Get returns single key/value record, false if not found
func (r *ReadTx) Get(ctx context.Context, p Partition, name string) (KVRecord, bool, error) {
	if p != PartitionSettings && p != PartitionMetadata {
		return KVRecord{}, false, &TransactionError{Op: "read", Partitions: r.scope, Err: fmt.Errorf("%q is not a key/value partition", p)}
	}
	if err := r.check(p); err != nil {
		return KVRecord{}, false, err
	}
	var rec KVRecord
	err := r.conn.GetContext(ctx, &rec, fmt.Sprintf("SELECT key, value FROM %s WHERE key = ?", p), name)
	if errors.Is(err, sql.ErrNoRows) {
		return KVRecord{}, false, nil
	}
	if err != nil {
		return KVRecord{}, false, txError("read", r.scope, fmt.Errorf("failed to get %s/%s: %w", p, name, err))
	}
	return rec, true, nil
}

// Count returns number of records in partition
func (r *ReadTx) Count(ctx context.Context, p Partition) (int, error) {
	return r.count(ctx, p, fmt.Sprintf("SELECT COUNT(*) FROM %s", p))
}

// CountArchived returns number of archived task records
func (r *ReadTx) CountArchived(ctx context.Context) (int, error) {
	return r.count(ctx, PartitionTasks, "SELECT COUNT(*) FROM tasks WHERE is_archived = 1")
}

func (r *ReadTx) count(ctx context.Context, p Partition, q string) (int, error) {
	if err := r.check(p); err != nil {
		return 0, err
	}
	var n int
	if err := r.conn.GetContext(ctx, &n, q); err != nil {
		return 0, txError("read", r.scope, fmt.Errorf("failed to count %s: %w", p, err))
	}
	return n, nil
}

// Close ends the read transaction and releases the connection. Safe to call multiple times.
func (r *ReadTx) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	_, err := r.conn.ExecContext(context.Background(), "COMMIT")
	if closeErr := r.conn.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return txError("close", r.scope, err)
	}
	return nil
}
