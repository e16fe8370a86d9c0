package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidationError is a permanent rejection of a snapshot or command. It is
// never retried.
type ValidationError struct {
	TaskID string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("task %s: invalid %s: %s", e.TaskID, e.Field, e.Reason)
}

// ValidateTask checks a client-asserted snapshot.
func ValidateTask(t Task) error {
	t.ID = strings.TrimSpace(t.ID)
	if err := validate.Struct(t); err != nil {
		return toValidationError(t.ID, err)
	}
	if t.CreatedAt > t.UpdatedAt {
		return &ValidationError{TaskID: t.ID, Field: "createdAt", Reason: "after updatedAt"}
	}
	return nil
}

// ValidateBatch checks the batch envelope. Individual snapshots are checked by
// ValidateTask as they are reconciled.
func ValidateBatch(b SyncBatch) error {
	if err := validate.Struct(b); err != nil {
		return toValidationError("", err)
	}
	return nil
}

// ValidateCommand checks a persistent-path command. Deletes only need an id.
func ValidateCommand(c Command) error {
	switch c.Type {
	case CommandCreate, CommandUpdate:
		return ValidateTask(c.Payload)
	case CommandDelete:
		if strings.TrimSpace(c.Payload.ID) == "" {
			return &ValidationError{Field: "id", Reason: "required"}
		}
		return nil
	default:
		return &ValidationError{TaskID: c.Payload.ID, Field: "type", Reason: fmt.Sprintf("unknown command %q", c.Type)}
	}
}

func toValidationError(id string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{TaskID: id, Field: jsonFieldName(fe.Field()), Reason: fe.Tag()}
	}
	return &ValidationError{TaskID: id, Field: "task", Reason: err.Error()}
}

func jsonFieldName(name string) string {
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	switch name {
	case "ID":
		return "id"
	case "DueAt":
		return "dueAt"
	case "CreatedAt":
		return "createdAt"
	case "UpdatedAt":
		return "updatedAt"
	}
	return strings.ToLower(name)
}
