package store

import (
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/boardstore/app/domain"
)

// ArchivedPrefix namespaces archived task ids so they don't collide with a live task of the same id
const ArchivedPrefix = "archived_"

// Flat is a snapshot materialized as partition records
type Flat struct {
	Boards []BoardRecord
	Tasks  []TaskRecord
}

// Records returns flat records grouped by partition, as needed by DiffPartitions
func (f Flat) Records() map[Partition][]Record {
	boards := make([]Record, 0, len(f.Boards))
	for _, b := range f.Boards {
		boards = append(boards, b)
	}
	tasks := make([]Record, 0, len(f.Tasks))
	for _, t := range f.Tasks {
		tasks = append(tasks, t)
	}
	return map[Partition][]Record{PartitionBoards: boards, PartitionTasks: tasks}
}

// Flatten converts snapshot boards into board and task records.
// Fails with SerializationError on missing or duplicate ids and unknown statuses.
func Flatten(s domain.Snapshot) (Flat, error) {
	res := Flat{Boards: make([]BoardRecord, 0, len(s.Boards)), Tasks: []TaskRecord{}}
	boardIDs := make(map[string]struct{}, len(s.Boards))

	for pos, b := range s.Boards {
		if b.ID == "" {
			return Flat{}, &SerializationError{Reason: "board at position " + strconv.Itoa(pos) + " has no id"}
		}
		if _, dup := boardIDs[b.ID]; dup {
			return Flat{}, &SerializationError{BoardID: b.ID, Reason: "duplicate board id"}
		}
		boardIDs[b.ID] = struct{}{}

		res.Boards = append(res.Boards, BoardRecord{
			ID:           b.ID,
			Name:         b.Name,
			Description:  b.Description,
			Color:        b.Color,
			CreatedDate:  toMillis(b.CreatedDate),
			LastModified: toMillis(b.LastModified),
			IsArchived:   b.IsArchived,
			IsDefault:    b.IsDefault,
			Position:     pos,
		}.withFingerprint())

		taskKeys := make(map[string]bool, len(b.Tasks)+len(b.ArchivedTasks)) // key to archived flag of its owner
		add := func(tasks []domain.Task, archived bool) error {
			for i, t := range tasks {
				rec, err := flattenTask(b.ID, i, t, archived)
				if err != nil {
					return err
				}
				if ownerArchived, dup := taskKeys[rec.ID]; dup {
					reason := "duplicate task id"
					if ownerArchived != archived {
						// active "archived_x" and archived "x" share the same key
						reason = "task key " + strconv.Quote(rec.ID) + " collides with an active task id"
					}
					return &SerializationError{BoardID: b.ID, TaskID: t.ID, Reason: reason}
				}
				taskKeys[rec.ID] = archived
				res.Tasks = append(res.Tasks, rec)
			}
			return nil
		}
		if err := add(b.Tasks, false); err != nil {
			return Flat{}, err
		}
		if err := add(b.ArchivedTasks, true); err != nil {
			return Flat{}, err
		}
	}
	return res, nil
}

func flattenTask(boardID string, pos int, t domain.Task, archived bool) (TaskRecord, error) {
	if t.ID == "" {
		return TaskRecord{}, &SerializationError{BoardID: boardID,
			Reason: "task at position " + strconv.Itoa(pos) + " has no id"}
	}
	if _, err := domain.ParseStatus(string(t.Status)); err != nil {
		return TaskRecord{}, &SerializationError{BoardID: boardID, TaskID: t.ID, Reason: err.Error()}
	}
	id := t.ID
	if archived {
		id = ArchivedPrefix + t.ID
	}
	return TaskRecord{
		ID:            id,
		BoardID:       boardID,
		Text:          t.Text,
		Status:        string(t.Status),
		CreatedDate:   toMillis(t.CreatedDate),
		LastModified:  toMillis(t.LastModified),
		CompletedDate: toMillisPtr(t.CompletedDate),
		ArchivedDate:  toMillisPtr(t.ArchivedDate),
		IsArchived:    archived,
		Position:      pos,
	}.withFingerprint(), nil
}

// Unflatten attaches task records to their boards, restoring the nested shape.
// Tasks referencing a missing board are dropped.
func Unflatten(boards []BoardRecord, tasks []TaskRecord) []domain.Board {
	sorted := make([]BoardRecord, len(boards))
	copy(sorted, boards)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	byBoard := make(map[string]int, len(sorted))
	res := make([]domain.Board, 0, len(sorted))
	for _, b := range sorted {
		byBoard[b.ID] = len(res)
		res = append(res, domain.Board{
			ID:            b.ID,
			Name:          b.Name,
			Description:   b.Description,
			Color:         b.Color,
			CreatedDate:   fromMillis(b.CreatedDate),
			LastModified:  fromMillis(b.LastModified),
			IsArchived:    b.IsArchived,
			IsDefault:     b.IsDefault,
			Tasks:         []domain.Task{},
			ArchivedTasks: []domain.Task{},
		})
	}

	ts := make([]TaskRecord, len(tasks))
	copy(ts, tasks)
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].Position < ts[j].Position })

	dangling := 0
	for _, t := range ts {
		idx, ok := byBoard[t.BoardID]
		if !ok {
			dangling++
			continue
		}
		task := domain.Task{
			ID:            t.ID,
			Text:          t.Text,
			Status:        domain.Status(t.Status),
			CreatedDate:   fromMillis(t.CreatedDate),
			LastModified:  fromMillis(t.LastModified),
			CompletedDate: fromMillisPtr(t.CompletedDate),
			ArchivedDate:  fromMillisPtr(t.ArchivedDate),
		}
		if t.IsArchived {
			task.ID = strings.TrimPrefix(t.ID, ArchivedPrefix)
			res[idx].ArchivedTasks = append(res[idx].ArchivedTasks, task)
			continue
		}
		res[idx].Tasks = append(res[idx].Tasks, task)
	}
	if dangling > 0 {
		log.Printf("[WARN] %d task records reference missing boards, skipped", dangling)
	}
	return res
}

// toMillis converts time to unix milliseconds. Zero time maps to its own (negative) value,
// so the unix epoch and zero time stay distinct.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func toMillisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := toMillis(*t)
	return &v
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMillis(*ms)
	return &t
}
