package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTask() Task {
	return Task{ID: "t1", Text: "Buy milk", CreatedAt: 1000, UpdatedAt: 1000}
}

func TestValidateTask(t *testing.T) {
	due := int64(2000)
	tests := []struct {
		name  string
		mut   func(*Task)
		field string
	}{
		{name: "valid", mut: func(*Task) {}},
		{name: "valid with optionals", mut: func(t *Task) {
			t.DueAt = &due
			t.Priority = PriorityHigh
			t.Labels = []string{"home"}
		}},
		{name: "missing id", mut: func(t *Task) { t.ID = " " }, field: "id"},
		{name: "missing text", mut: func(t *Task) { t.Text = "" }, field: "text"},
		{name: "missing updatedAt", mut: func(t *Task) { t.UpdatedAt = 0 }, field: "updatedAt"},
		{name: "bad priority", mut: func(t *Task) { t.Priority = "urgent" }, field: "priority"},
		{name: "empty label", mut: func(t *Task) { t.Labels = []string{""} }, field: "labels"},
		{name: "created after updated", mut: func(t *Task) { t.CreatedAt = 5000 }, field: "createdAt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := validTask()
			tt.mut(&task)
			err := ValidateTask(task)
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidateCommand(t *testing.T) {
	require.NoError(t, ValidateCommand(Command{Type: CommandCreate, Payload: validTask()}))
	require.NoError(t, ValidateCommand(Command{Type: CommandDelete, Payload: Task{ID: "t1"}}))
	require.Error(t, ValidateCommand(Command{Type: CommandDelete}))
	require.Error(t, ValidateCommand(Command{Type: "task:explode", Payload: validTask()}))
}

func TestValidateBatch(t *testing.T) {
	require.NoError(t, ValidateBatch(SyncBatch{}))
	require.NoError(t, ValidateBatch(SyncBatch{Tasks: make([]Task, MaxBatchTasks)}))

	err := ValidateBatch(SyncBatch{Tasks: make([]Task, MaxBatchTasks+1)})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, "tasks", verr.Field)
	assert.Empty(t, verr.TaskID)
}

func TestSortTasksAndPriorityRank(t *testing.T) {
	tasks := []Task{
		{ID: "c", Order: 2},
		{ID: "b", Order: 1, CreatedAt: 20},
		{ID: "a", Order: 1, CreatedAt: 10},
	}
	SortTasks(tasks)
	assert.Equal(t, []string{"a", "b", "c"}, []string{tasks[0].ID, tasks[1].ID, tasks[2].ID})
	assert.Less(t, PriorityNone.Rank(), PriorityLow.Rank())
	assert.Less(t, PriorityMedium.Rank(), PriorityHigh.Rank())
}

func TestCloneIsDeep(t *testing.T) {
	due := int64(5)
	orig := Task{ID: "x", DueAt: &due, Labels: []string{"a"}}
	cp := orig.Clone()
	*cp.DueAt = 9
	cp.Labels[0] = "b"
	assert.Equal(t, int64(5), *orig.DueAt)
	assert.Equal(t, "a", orig.Labels[0])
	assert.True(t, orig.SameContent(orig.Clone()))
}
