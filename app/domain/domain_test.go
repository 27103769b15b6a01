package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"todo", "doing", "done"} {
		st, err := ParseStatus(s)
		require.NoError(t, err)
		assert.Equal(t, Status(s), st)
	}

	_, err := ParseStatus("blocked")
	assert.Error(t, err)
	_, err = ParseStatus("")
	assert.Error(t, err)
}

func TestSnapshot_Normalize(t *testing.T) {
	loc := time.FixedZone("test", 3600)
	ts := time.Date(2024, 5, 6, 7, 8, 9, 123456789, loc)
	id := "b1"
	s := Snapshot{
		Boards: []Board{{ID: "b1", CreatedDate: ts, Tasks: []Task{{ID: "t1", CompletedDate: &ts}}}},
		CurrentBoardID: &id,
	}

	res := s.Normalize()
	require.Len(t, res.Boards, 1)
	assert.Equal(t, time.Date(2024, 5, 6, 6, 8, 9, 123000000, time.UTC), res.Boards[0].CreatedDate)
	assert.NotNil(t, res.Boards[0].ArchivedTasks)
	assert.Empty(t, res.Boards[0].ArchivedTasks)
	assert.Equal(t, time.Date(2024, 5, 6, 6, 8, 9, 123000000, time.UTC), *res.Boards[0].Tasks[0].CompletedDate)
	assert.True(t, res.Boards[0].LastModified.IsZero())

	// copy doesn't share current board pointer
	*res.CurrentBoardID = "other"
	assert.Equal(t, "b1", *s.CurrentBoardID)
}

func TestSnapshot_Helpers(t *testing.T) {
	s := Snapshot{Boards: []Board{
		{ID: "b1", Tasks: []Task{{ID: "t1"}, {ID: "t2"}}, ArchivedTasks: []Task{{ID: "t0"}}},
		{ID: "b2", Tasks: []Task{{ID: "t1"}}},
	}}

	b, ok := s.Board("b2")
	assert.True(t, ok)
	assert.Equal(t, "b2", b.ID)
	_, ok = s.Board("nope")
	assert.False(t, ok)

	active, archived := s.TasksCount()
	assert.Equal(t, 3, active)
	assert.Equal(t, 1, archived)
}

func TestDefaultSnapshot(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s := DefaultSnapshot(now)
	require.Len(t, s.Boards, 1)
	assert.True(t, s.Boards[0].IsDefault)
	assert.Equal(t, "default", *s.CurrentBoardID)
	assert.Equal(t, FilterAll, s.Filter)
	assert.Equal(t, now, s.Boards[0].CreatedDate)
	assert.Equal(t, s, s.Normalize())
}
