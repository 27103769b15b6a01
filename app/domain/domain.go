// Package domain defines the board/task snapshot exchanged between the application and the store.
// Values here are owned by the caller, the store never mutates them.
package domain

import (
	"fmt"
	"time"
)

// Status of a task
type Status string

// task statuses
const (
	StatusTodo  Status = "todo"
	StatusDoing Status = "doing"
	StatusDone  Status = "done"
)

// ParseStatus converts string to Status, fails on unknown values
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusTodo, StatusDoing, StatusDone:
		return Status(s), nil
	}
	return "", fmt.Errorf("invalid status %q", s)
}

// Task is a single item on a board. Its id is unique within the owning board only.
type Task struct {
	ID            string     `json:"id" yaml:"id"`
	Text          string     `json:"text" yaml:"text"`
	Status        Status     `json:"status" yaml:"status"`
	CreatedDate   time.Time  `json:"createdDate" yaml:"created_date"`
	LastModified  time.Time  `json:"lastModified" yaml:"last_modified"`
	CompletedDate *time.Time `json:"completedDate,omitempty" yaml:"completed_date,omitempty"`
	ArchivedDate  *time.Time `json:"archivedDate,omitempty" yaml:"archived_date,omitempty"`
}

// Board owns ordered active tasks and a separate list of archived tasks
type Board struct {
	ID            string    `json:"id" yaml:"id"`
	Name          string    `json:"name" yaml:"name"`
	Description   string    `json:"description" yaml:"description"`
	Color         string    `json:"color" yaml:"color"`
	CreatedDate   time.Time `json:"createdDate" yaml:"created_date"`
	LastModified  time.Time `json:"lastModified" yaml:"last_modified"`
	IsArchived    bool      `json:"isArchived" yaml:"is_archived"`
	IsDefault     bool      `json:"isDefault" yaml:"is_default"`
	Tasks         []Task    `json:"tasks" yaml:"tasks"`
	ArchivedTasks []Task    `json:"archivedTasks" yaml:"archived_tasks"`
}

// Snapshot is the full application state passed to save and returned from load
type Snapshot struct {
	Boards         []Board `json:"boards"`
	CurrentBoardID *string `json:"currentBoardId"`
	Filter         string  `json:"filter"`
}

// FilterAll is the filter used when nothing else is selected
const FilterAll = "all"

// Board returns board by id
func (s Snapshot) Board(id string) (Board, bool) {
	for _, b := range s.Boards {
		if b.ID == id {
			return b, true
		}
	}
	return Board{}, false
}

// TasksCount returns number of active and archived tasks across all boards
func (s Snapshot) TasksCount() (active, archived int) {
	for _, b := range s.Boards {
		active += len(b.Tasks)
		archived += len(b.ArchivedTasks)
	}
	return active, archived
}

// Normalize returns a copy with non-nil task slices, all times in UTC and truncated to milliseconds.
// This is the shape load returns, handy for comparisons.
func (s Snapshot) Normalize() Snapshot {
	res := Snapshot{Filter: s.Filter, Boards: make([]Board, 0, len(s.Boards))}
	if s.CurrentBoardID != nil {
		id := *s.CurrentBoardID
		res.CurrentBoardID = &id
	}
	for _, b := range s.Boards {
		nb := b
		nb.CreatedDate = NormalizeTime(b.CreatedDate)
		nb.LastModified = NormalizeTime(b.LastModified)
		nb.Tasks = normalizeTasks(b.Tasks)
		nb.ArchivedTasks = normalizeTasks(b.ArchivedTasks)
		res.Boards = append(res.Boards, nb)
	}
	return res
}

func normalizeTasks(tasks []Task) []Task {
	res := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		nt := t
		nt.CreatedDate = NormalizeTime(t.CreatedDate)
		nt.LastModified = NormalizeTime(t.LastModified)
		nt.CompletedDate = normalizeTimePtr(t.CompletedDate)
		nt.ArchivedDate = normalizeTimePtr(t.ArchivedDate)
		res = append(res, nt)
	}
	return res
}

// NormalizeTime truncates to millisecond precision in UTC, zero time stays zero
func NormalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return time.UnixMilli(t.UnixMilli()).UTC()
}

func normalizeTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	res := NormalizeTime(*t)
	return &res
}

// DefaultSnapshot makes a snapshot with a single default board selected
func DefaultSnapshot(now time.Time) Snapshot {
	id := "default"
	ts := NormalizeTime(now)
	return Snapshot{
		Boards: []Board{{
			ID:            id,
			Name:          "Main Board",
			Color:         "#6366f1",
			CreatedDate:   ts,
			LastModified:  ts,
			IsDefault:     true,
			Tasks:         []Task{},
			ArchivedTasks: []Task{},
		}},
		CurrentBoardID: &id,
		Filter:         FilterAll,
	}
}
