package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/boardstore/app/domain"
	"github.com/umputun/boardstore/app/migrate"
	"github.com/umputun/boardstore/app/store"
)

// opCounter counts engine writes per kind and partition, optionally failing on a matching op
type opCounter struct {
	mu     sync.Mutex
	counts map[string]int
	failOn func(op store.Op) bool
}

func newOpCounter() *opCounter { return &opCounter{counts: map[string]int{}} }

func (c *opCounter) hook(op store.Op) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOn != nil && c.failOn(op) {
		return errors.New("injected fault")
	}
	c.counts[string(op.Kind)+":"+string(op.Partition)]++
	return nil
}

func (c *opCounter) get(kind store.OpKind, p store.Partition) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[string(kind)+":"+string(p)]
}

func (c *opCounter) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = map[string]int{}
	c.failOn = nil
}

// eventRecorder keeps received events
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		res = append(res, ev.Type)
	}
	return res
}

func (r *eventRecorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *eventRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func prepStorage(t *testing.T) (*Storage, *opCounter, *eventRecorder) {
	t.Helper()
	counter, events := newOpCounter(), &eventRecorder{}
	s := New(Options{Path: filepath.Join(t.TempDir(), "boards.db"), OpHook: counter.hook, Events: events})
	t.Cleanup(func() { _ = s.Close() })
	return s, counter, events
}

func strPtr(s string) *string { return &s }

func sampleSnapshot() domain.Snapshot {
	ts := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	done := ts.Add(2 * time.Hour)
	return domain.Snapshot{
		Boards: []domain.Board{
			{ID: "b1", Name: "Main", Color: "#6366f1", CreatedDate: ts, LastModified: ts, IsDefault: true,
				Tasks: []domain.Task{
					{ID: "t1", Text: "Buy milk", Status: domain.StatusTodo, CreatedDate: ts, LastModified: ts},
					{ID: "t2", Text: "Walk dog", Status: domain.StatusDoing, CreatedDate: ts, LastModified: ts},
					{ID: "t3", Text: "Pay bills", Status: domain.StatusDone, CreatedDate: ts, LastModified: done,
						CompletedDate: &done},
				},
				ArchivedTasks: []domain.Task{
					{ID: "t0", Text: "Old one", Status: domain.StatusDone, CreatedDate: ts, LastModified: done,
						CompletedDate: &ts, ArchivedDate: &done},
				},
			},
			{ID: "b2", Name: "Work", Description: "office", CreatedDate: ts, LastModified: ts,
				Tasks: []domain.Task{
					{ID: "t1", Text: "Same id, other board", Status: domain.StatusTodo, CreatedDate: ts, LastModified: ts},
				},
				ArchivedTasks: []domain.Task{}},
		},
		CurrentBoardID: strPtr("b2"),
		Filter:         "doing",
	}
}

func TestStorage_BuyMilk(t *testing.T) {
	s, _, _ := prepStorage(t)
	ctx := context.Background()

	snap := domain.Snapshot{
		Boards: []domain.Board{{ID: "b1", Name: "Main",
			Tasks: []domain.Task{{ID: "t1", Text: "Buy milk", Status: domain.StatusTodo}}, ArchivedTasks: []domain.Task{}}},
		CurrentBoardID: strPtr("b1"),
		Filter:         "all",
	}
	require.NoError(t, s.Save(ctx, snap))

	res, err := s.Load(ctx, domain.DefaultSnapshot(time.Now()))
	require.NoError(t, err)
	require.Len(t, res.Boards, 1)
	require.Len(t, res.Boards[0].Tasks, 1)
	assert.Equal(t, "Buy milk", res.Boards[0].Tasks[0].Text)
	assert.Equal(t, "b1", *res.CurrentBoardID)
	assert.Equal(t, "all", res.Filter)
}

func TestStorage_RoundTrip(t *testing.T) {
	tbl := []struct {
		name string
		snap domain.Snapshot
	}{
		{name: "full", snap: sampleSnapshot()},
		{name: "zero boards", snap: domain.Snapshot{Boards: []domain.Board{}, Filter: "all"}},
		{name: "zero tasks", snap: domain.Snapshot{Boards: []domain.Board{{ID: "b1", Name: "empty"}}, Filter: "todo"}},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := prepStorage(t)
			require.NoError(t, s.Save(t.Context(), tt.snap))
			def := domain.DefaultSnapshot(time.Now())
			res, err := s.Load(t.Context(), def)
			require.NoError(t, err)
			assert.Equal(t, tt.snap.Normalize(), res)
		})
	}
}

func TestStorage_SaveTwiceNoWrites(t *testing.T) {
	s, counter, _ := prepStorage(t)
	ctx := context.Background()
	snap := sampleSnapshot()

	require.NoError(t, s.Save(ctx, snap))
	assert.Equal(t, 2, counter.get(store.OpPut, store.PartitionBoards))
	assert.Equal(t, 5, counter.get(store.OpPut, store.PartitionTasks))

	counter.reset()
	require.NoError(t, s.Save(ctx, snap))
	assert.Zero(t, counter.get(store.OpPut, store.PartitionBoards))
	assert.Zero(t, counter.get(store.OpPut, store.PartitionTasks))
	assert.Zero(t, counter.get(store.OpDelete, store.PartitionTasks))
	assert.Equal(t, 1, counter.get(store.OpPut, store.PartitionMetadata), "app data only")

	res, err := s.Load(ctx, domain.Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, snap.Normalize(), res)
}

func TestStorage_RemoveOne(t *testing.T) {
	tbl := []struct {
		name      string
		mutate    func(snap *domain.Snapshot)
		partition store.Partition
	}{
		{name: "first task", partition: store.PartitionTasks, mutate: func(snap *domain.Snapshot) {
			snap.Boards[0].Tasks = snap.Boards[0].Tasks[1:]
		}},
		{name: "middle task", partition: store.PartitionTasks, mutate: func(snap *domain.Snapshot) {
			tasks := snap.Boards[0].Tasks
			snap.Boards[0].Tasks = []domain.Task{tasks[0], tasks[2]}
		}},
		{name: "last task", partition: store.PartitionTasks, mutate: func(snap *domain.Snapshot) {
			snap.Boards[0].Tasks = snap.Boards[0].Tasks[:2]
		}},
		{name: "archived task", partition: store.PartitionTasks, mutate: func(snap *domain.Snapshot) {
			snap.Boards[0].ArchivedTasks = []domain.Task{}
		}},
		{name: "first board", partition: store.PartitionBoards, mutate: func(snap *domain.Snapshot) {
			snap.Boards = snap.Boards[1:]
		}},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			s, counter, _ := prepStorage(t)
			ctx := context.Background()
			require.NoError(t, s.Save(ctx, sampleSnapshot()))

			mutated := sampleSnapshot()
			tt.mutate(&mutated)
			counter.reset()
			require.NoError(t, s.Save(ctx, mutated))

			assert.Equal(t, 1, counter.get(store.OpDelete, tt.partition))
			assert.Zero(t, counter.get(store.OpPut, store.PartitionTasks), "siblings not rewritten")
			assert.Zero(t, counter.get(store.OpPut, store.PartitionBoards), "boards not rewritten")

			res, err := s.Load(ctx, domain.Snapshot{})
			require.NoError(t, err)
			assert.Equal(t, mutated.Normalize(), res)
		})
	}
}

func TestStorage_FaultKeepsPreviousSnapshot(t *testing.T) {
	s, counter, events := prepStorage(t)
	ctx := context.Background()

	s1 := sampleSnapshot()
	require.NoError(t, s.Save(ctx, s1))

	s2 := sampleSnapshot()
	s2.Boards[0].Tasks[0].Text = "Buy oat milk"
	s2.Boards[1].Name = "Work!"
	s2.Boards = append(s2.Boards, domain.Board{ID: "b3", Name: "new"})
	// fail on the last put of the batch, everything before it is already executed
	counter.failOn = func(op store.Op) bool { return op.Kind == store.OpPut && op.Partition == store.PartitionMetadata }

	err := s.Save(ctx, s2)
	require.Error(t, err)
	var te *store.TransactionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, EventError, events.last().Type)
	assert.Equal(t, "save", events.last().Operation)

	counter.reset()
	res, err := s.Load(ctx, domain.Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, s1.Normalize(), res)

	// next save goes through
	require.NoError(t, s.Save(ctx, s2))
	res, err = s.Load(ctx, domain.Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, s2.Normalize(), res)
}

func TestStorage_HookPanic(t *testing.T) {
	s, counter, _ := prepStorage(t)
	require.NoError(t, s.Init(t.Context()))
	counter.failOn = func(op store.Op) bool { panic("boom") }

	err := s.Save(t.Context(), sampleSnapshot())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	counter.reset()
	res, err := s.Load(t.Context(), domain.Snapshot{Filter: "def"})
	require.NoError(t, err)
	assert.Equal(t, "def", res.Filter, "nothing saved")
}

func TestStorage_HandlerPanicDoesNotChangeResult(t *testing.T) {
	t.Run("panic on success event", func(t *testing.T) {
		var once sync.Once
		s := New(Options{Path: filepath.Join(t.TempDir(), "boards.db"), Events: HandlerFunc(func(ev Event) {
			if ev.Type == EventSaved {
				once.Do(func() { panic("handler failed") })
			}
		})})
		defer s.Close()

		require.NoError(t, s.Save(t.Context(), sampleSnapshot()), "data committed, save succeeded")
		res, err := s.Load(t.Context(), domain.Snapshot{})
		require.NoError(t, err)
		assert.Equal(t, sampleSnapshot().Normalize(), res)
	})

	t.Run("panic on error event", func(t *testing.T) {
		s := New(Options{Path: filepath.Join(t.TempDir(), "boards.db"), Events: HandlerFunc(func(ev Event) {
			if ev.Type == EventError {
				panic("error handler failed")
			}
		})})
		defer s.Close()

		snap := sampleSnapshot()
		snap.Boards[0].ID = ""
		var err error
		require.NotPanics(t, func() { err = s.Save(t.Context(), snap) })
		var se *store.SerializationError
		require.ErrorAs(t, err, &se)
	})

	t.Run("panic on every event", func(t *testing.T) {
		s := New(Options{Path: filepath.Join(t.TempDir(), "boards.db"), Events: HandlerFunc(func(Event) {
			panic("always")
		})})
		defer s.Close()

		require.NotPanics(t, func() {
			require.NoError(t, s.Init(t.Context()))
			require.NoError(t, s.Save(t.Context(), sampleSnapshot()))
			require.NoError(t, s.Clear(t.Context()))
			require.NoError(t, s.ClearAll(t.Context()))
		})
	})
}

func TestStorage_SerializationErrorBeforeEngine(t *testing.T) {
	s, counter, events := prepStorage(t)
	snap := sampleSnapshot()
	snap.Boards[0].Tasks[1].ID = ""

	err := s.Save(t.Context(), snap)
	var se *store.SerializationError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "b1", se.BoardID)
	assert.Equal(t, []EventType{EventError}, events.types(), "storage not even opened")
	assert.Zero(t, counter.get(store.OpPut, store.PartitionBoards))
}

func TestStorage_ClearAll(t *testing.T) {
	s, _, events := prepStorage(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleSnapshot()))
	require.NoError(t, s.SaveSettings(ctx, map[string]json.RawMessage{"theme": json.RawMessage(`"dark"`)}))

	require.NoError(t, s.ClearAll(ctx))
	assert.Equal(t, EventClearedAll, events.last().Type)

	def := domain.DefaultSnapshot(time.Now())
	res, err := s.Load(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, def, res)
	settings, err := s.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Empty(t, settings)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceCleared, st.Migration.Source)
	assert.Equal(t, store.SchemaVersion, st.SchemaVersion)

	snap := sampleSnapshot()
	require.NoError(t, s.Save(ctx, snap))
	res, err = s.Load(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, snap.Normalize(), res)
}

func TestStorage_Clear(t *testing.T) {
	s, _, events := prepStorage(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleSnapshot()))
	require.NoError(t, s.SaveSettings(ctx, map[string]json.RawMessage{"theme": json.RawMessage(`"dark"`)}))

	require.NoError(t, s.Clear(ctx))
	assert.Equal(t, EventCleared, events.last().Type)

	def := domain.DefaultSnapshot(time.Now())
	res, err := s.Load(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, def, res)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Boards)
	assert.Zero(t, st.Tasks)
	assert.Zero(t, st.Settings)
	assert.True(t, st.Migration.Completed, "guard kept")
	assert.Equal(t, migrate.SourceNone, st.Migration.Source)
}

func TestStorage_NotPersistent(t *testing.T) {
	t.Run("no path", func(t *testing.T) {
		events := &eventRecorder{}
		s := New(Options{Events: events})
		assert.False(t, s.Persistent())
		require.NoError(t, s.Init(t.Context()))

		err := s.Save(t.Context(), sampleSnapshot())
		assert.ErrorIs(t, err, ErrNotPersistent)
		assert.Equal(t, EventError, events.last().Type)

		def := domain.DefaultSnapshot(time.Now())
		res, err := s.Load(t.Context(), def)
		require.NoError(t, err)
		assert.Equal(t, def, res)

		st, err := s.Stats(t.Context())
		require.NoError(t, err)
		assert.False(t, st.Persistent)
		require.NoError(t, s.Clear(t.Context()))
		require.NoError(t, s.ClearAll(t.Context()))
		assert.ErrorIs(t, s.SaveSettings(t.Context(), map[string]json.RawMessage{}), ErrNotPersistent)
		_, err = s.DiscardLegacy(t.Context())
		assert.ErrorIs(t, err, ErrNotPersistent)
	})

	t.Run("unavailable database", func(t *testing.T) {
		events := &eventRecorder{}
		s := New(Options{Path: "/invalid/path/that/does/not/exist/boards.db", Events: events})
		assert.True(t, s.Persistent())

		require.NoError(t, s.Init(t.Context()))
		assert.False(t, s.Persistent())
		assert.Equal(t, []EventType{EventError, EventInitialized}, events.types())
		assert.ErrorIs(t, events.events[0].Err, store.ErrUnavailable)

		def := domain.DefaultSnapshot(time.Now())
		res, err := s.Load(t.Context(), def)
		require.NoError(t, err)
		assert.Equal(t, def, res)
		assert.ErrorIs(t, s.Save(t.Context(), sampleSnapshot()), ErrNotPersistent)
	})
}

func TestStorage_VersionConflictNotSwallowed(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "boards.db")
	custom := store.DefaultRegistry().AddPartition(store.PartitionDef{Name: "labels", Since: store.SchemaVersion + 1,
		DDL: "CREATE TABLE IF NOT EXISTS labels (key TEXT PRIMARY KEY, value TEXT NOT NULL)"})
	conn, err := store.Open(t.Context(), dbPath, store.SchemaVersion+1, store.WithRegistry(custom))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	s := New(Options{Path: dbPath})
	def := domain.DefaultSnapshot(time.Now())
	res, err := s.Load(t.Context(), def)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrVersionConflict)
	assert.Equal(t, def, res)
	assert.True(t, s.Persistent(), "version conflict doesn't switch to non-persistent mode")
}

const legacyBlob = `{"version":"1.0","data":{"boards":[{"id":"b1","name":"Legacy","tasks":[
	{"id":"t1","text":"Buy milk","status":"todo","createdDate":"2024-01-01T00:00:00Z"}],"archivedTasks":[]}],
	"currentBoardId":"b1"}}`

func TestStorage_Migration(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/legacy/kanban_data.json", []byte(legacyBlob), 0o600))
	src := migrate.NewFileSource(fs, "/legacy")
	dbPath := filepath.Join(t.TempDir(), "boards.db")
	ctx := context.Background()

	events := &eventRecorder{}
	s := New(Options{Path: dbPath, Legacy: src, Events: events})
	require.NoError(t, s.Init(ctx))
	assert.Equal(t, []EventType{EventInitialized, EventMigrated}, events.types())

	res, err := s.Load(ctx, domain.Snapshot{})
	require.NoError(t, err)
	require.Len(t, res.Boards, 1)
	assert.Equal(t, "Legacy", res.Boards[0].Name)
	assert.Equal(t, "Buy milk", res.Boards[0].Tasks[0].Text)
	assert.Equal(t, "b1", *res.CurrentBoardID)
	assert.Equal(t, domain.FilterAll, res.Filter)

	exists, err := afero.Exists(fs, "/legacy/kanban_data.json")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Len(t, src.Archives(migrate.DefaultKey), 1)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, migrate.SourceLegacy, st.Migration.Source)
	require.NoError(t, s.Close())

	// blob back in place, second instance doesn't migrate again
	require.NoError(t, afero.WriteFile(fs, "/legacy/kanban_data.json", []byte(legacyBlob), 0o600))
	events.reset()
	s2 := New(Options{Path: dbPath, Legacy: src, Events: events})
	defer s2.Close()
	require.NoError(t, s2.Save(ctx, domain.Snapshot{Boards: []domain.Board{{ID: "b9", Name: "new"}}}))
	assert.Equal(t, []EventType{EventInitialized, EventSaved}, events.types())
	res, err = s2.Load(ctx, domain.Snapshot{})
	require.NoError(t, err)
	require.Len(t, res.Boards, 1)
	assert.Equal(t, "b9", res.Boards[0].ID)
}

func TestStorage_MigrationFailsClosed(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/legacy/kanban_data.json", []byte(`{"version":"1","data":"garbage"}`), 0o600))
	counter := newOpCounter()
	s := New(Options{Path: filepath.Join(t.TempDir(), "boards.db"), Legacy: migrate.NewFileSource(fs, "/legacy"),
		OpHook: counter.hook})
	defer s.Close()
	ctx := context.Background()

	var me *migrate.MigrationError
	require.ErrorAs(t, s.Init(ctx), &me)

	def := domain.DefaultSnapshot(time.Now())
	res, err := s.Load(ctx, def)
	require.ErrorAs(t, err, &me)
	assert.Equal(t, def, res)
	require.ErrorAs(t, s.Save(ctx, sampleSnapshot()), &me)
	assert.Zero(t, counter.get(store.OpPut, store.PartitionBoards), "store untouched")
	assert.Zero(t, counter.get(store.OpPut, store.PartitionMetadata), "guard not set")

	r, err := s.DiscardLegacy(ctx)
	require.NoError(t, err)
	assert.Equal(t, migrate.SourceDiscarded, r.Source)

	require.NoError(t, s.Save(ctx, sampleSnapshot()))
	res, err = s.Load(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, sampleSnapshot().Normalize(), res)
}

func TestStorage_Settings(t *testing.T) {
	s, counter, _ := prepStorage(t)
	ctx := context.Background()

	values := map[string]json.RawMessage{
		"theme":    json.RawMessage(`"dark"`),
		"autoSave": json.RawMessage(`true`),
		"layout":   json.RawMessage(`{ "columns" : 3 }`),
	}
	require.NoError(t, s.SaveSettings(ctx, values))
	assert.Equal(t, 3, counter.get(store.OpPut, store.PartitionSettings))

	res, err := s.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Len(t, res, 3)
	assert.JSONEq(t, `{"columns":3}`, string(res["layout"]))

	counter.reset()
	delete(values, "autoSave")
	values["theme"] = json.RawMessage(`"light"`)
	require.NoError(t, s.SaveSettings(ctx, values))
	assert.Equal(t, 1, counter.get(store.OpPut, store.PartitionSettings))
	assert.Equal(t, 1, counter.get(store.OpDelete, store.PartitionSettings))

	res, err = s.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]json.RawMessage{"theme": json.RawMessage(`"light"`), "layout": json.RawMessage(`{"columns":3}`)}, res)

	var se *store.SerializationError
	require.ErrorAs(t, s.SaveSettings(ctx, map[string]json.RawMessage{"bad": json.RawMessage(`{`)}), &se)
	require.ErrorAs(t, s.SaveSettings(ctx, map[string]json.RawMessage{"": json.RawMessage(`1`)}), &se)
}

func TestStorage_Stats(t *testing.T) {
	s, _, _ := prepStorage(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleSnapshot()))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, st.Persistent)
	assert.Equal(t, store.SchemaVersion, st.SchemaVersion)
	assert.Equal(t, 2, st.Boards)
	assert.Equal(t, 4, st.Tasks)
	assert.Equal(t, 1, st.ArchivedTasks)
	assert.Positive(t, st.Size)
	assert.WithinDuration(t, time.Now(), st.LastModified, time.Minute)
	assert.Equal(t, int64(2), st.Ops.Commits, "guard and save commits")
	assert.NotEmpty(t, st.Path)
}

func TestStorage_ConcurrentSaves(t *testing.T) {
	s, _, _ := prepStorage(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap := sampleSnapshot()
			snap.Boards[0].Name = "Main " + string(rune('a'+i))
			errs <- s.Save(ctx, snap)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err, "single-flight serializes saves, nothing is blocked")
	}

	res, err := s.Load(ctx, domain.Snapshot{})
	require.NoError(t, err)
	assert.Len(t, res.Boards, 2)
}

func TestStorage_CanceledContext(t *testing.T) {
	s, _, events := prepStorage(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Save(ctx, sampleSnapshot())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, EventError, events.last().Type)
}

func TestStorage_EventsSequence(t *testing.T) {
	s, _, events := prepStorage(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleSnapshot()))
	_, err := s.Load(ctx, domain.Snapshot{})
	require.NoError(t, err)
	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.ClearAll(ctx))
	assert.Equal(t, []EventType{EventInitialized, EventSaved, EventLoaded, EventCleared, EventClearedAll}, events.types())
	assert.False(t, events.last().At.IsZero())
}

func TestHandlers(t *testing.T) {
	var got []string
	h := Handlers{
		HandlerFunc(func(ev Event) { got = append(got, "first:"+string(ev.Type)) }),
		nil,
		HandlerFunc(func(ev Event) { got = append(got, "second:"+string(ev.Type)) }),
		LogHandler{},
	}
	h.Handle(Event{Type: EventSaved})
	h.Handle(Event{Type: EventError, Operation: "save", Err: errors.New("failed")})
	assert.Equal(t, []string{"first:storage:saved", "second:storage:saved", "first:storage:error", "second:storage:error"}, got)
}
