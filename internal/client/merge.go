package client

import (
	"slices"

	"task-sync/internal/models"
)

// Merge folds an incoming authoritative task into the local copy. The newer
// UpdatedAt wins. On a tie the incoming record wins, except that optional
// fields it leaves empty keep their local value. changed is false when the
// local copy is kept as is.
func Merge(local, incoming models.Task) (merged models.Task, changed bool) {
	if local.UpdatedAt > incoming.UpdatedAt {
		return local, false
	}
	out := incoming.Clone()
	if incoming.UpdatedAt == local.UpdatedAt {
		if out.DueAt == nil && local.DueAt != nil {
			due := *local.DueAt
			out.DueAt = &due
		}
		if out.Priority == "" {
			out.Priority = local.Priority
		}
		if len(out.Labels) == 0 && len(local.Labels) > 0 {
			out.Labels = slices.Clone(local.Labels)
		}
	}
	return out, !out.SameContent(local)
}
