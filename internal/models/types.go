package models

import (
	"slices"
	"sort"
)

type Priority string

const (
	PriorityNone   Priority = ""
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rank orders priorities; unset sorts below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	default:
		return 0
	}
}

// Task is the unit of synchronization. The same shape travels on the wire as a
// client-asserted snapshot and comes back as the authoritative record.
// Times are unix milliseconds.
type Task struct {
	ID        string   `json:"id" validate:"required,max=128"`
	OwnerID   string   `json:"-"`
	Text      string   `json:"text" validate:"required,max=4096"`
	Completed bool     `json:"completed"`
	Order     int64    `json:"order"`
	Priority  Priority `json:"priority,omitempty" validate:"omitempty,oneof=low medium high"`
	DueAt     *int64   `json:"dueAt,omitempty" validate:"omitempty,gt=0"`
	Labels    []string `json:"labels,omitempty" validate:"omitempty,max=32,dive,required,max=64"`
	CreatedAt int64    `json:"createdAt" validate:"gte=0"`
	UpdatedAt int64    `json:"updatedAt" validate:"required,gt=0"`
}

// Clone returns a deep copy so callers can hand tasks across goroutines.
func (t Task) Clone() Task {
	out := t
	if t.DueAt != nil {
		due := *t.DueAt
		out.DueAt = &due
	}
	if t.Labels != nil {
		out.Labels = slices.Clone(t.Labels)
	}
	return out
}

// SameContent reports whether the user-visible fields and timestamps match.
func (t Task) SameContent(o Task) bool {
	if t.ID != o.ID || t.Text != o.Text || t.Completed != o.Completed || t.Order != o.Order ||
		t.Priority != o.Priority || t.CreatedAt != o.CreatedAt || t.UpdatedAt != o.UpdatedAt {
		return false
	}
	if (t.DueAt == nil) != (o.DueAt == nil) || (t.DueAt != nil && *t.DueAt != *o.DueAt) {
		return false
	}
	return slices.Equal(t.Labels, o.Labels)
}

// SortTasks orders by display rank, then creation time, then id.
func SortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
}

const (
	CommandCreate = "task:create"
	CommandUpdate = "task:update"
	CommandDelete = "task:delete"
)

const (
	EventCreated = "task:created"
	EventUpdated = "task:updated"
	EventDeleted = "task:deleted"
	EventSynced  = "tasks:synced"
	EventError   = "error"
)

// Command carries one intended mutation on the persistent connection.
type Command struct {
	Type          string `json:"type"`
	Payload       Task   `json:"payload"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Event is pushed from the server to every connection of an owner. Data is a
// Task, a []Task, a DeletedRef or an ErrorBody depending on Event.
type Event struct {
	Event         string `json:"event"`
	Data          any    `json:"data"`
	CorrelationID string `json:"correlationId"`
}

type DeletedRef struct {
	ID string `json:"id"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// MaxBatchTasks caps the number of snapshots in one fallback batch.
const MaxBatchTasks = 10000

// SyncBatch is the fallback request body: the client's entire local state.
type SyncBatch struct {
	Tasks []Task `json:"tasks" validate:"max=10000"`
}

// SyncResult is the fallback response body: the owner's full authoritative state.
type SyncResult struct {
	Tasks []Task `json:"tasks"`
}
