package repos

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"task-sync/internal/models"
)

const taskColumns = `id, owner_id, text, completed, sort_order, priority, due_at, labels, created_at, updated_at`

// TaskRepo is the durable Task Store. Every exported read or write outside a
// transaction is scoped by owner.
type TaskRepo struct {
	db      *sql.DB
	dialect string
}

func NewTaskRepo(db *sql.DB, dialect string) *TaskRepo {
	return &TaskRepo{db: db, dialect: dialect}
}

func (r *TaskRepo) DB() *sql.DB {
	return r.db
}

// WithTx runs fn in a transaction. Errors from fn and from commit are passed
// through Classify.
func (r *TaskRepo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var opts *sql.TxOptions
	if r.dialect == DialectMySQL {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	tx, err := r.db.BeginTx(ctx, opts)
	if err != nil {
		return Classify(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return Classify(err)
	}
	return Classify(tx.Commit())
}

// GetTaskAnyOwnerTx looks a task up by id regardless of owner. It exists so
// the reconciler can detect identity collisions across owners; its result must
// never be returned to a caller that does not own it.
func (r *TaskRepo) GetTaskAnyOwnerTx(ctx context.Context, tx *sql.Tx, id string) (*models.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (r *TaskRepo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t *models.Task) error {
	labels, err := encodeLabels(t.Labels)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.OwnerID, t.Text, t.Completed, t.Order, string(t.Priority), nullInt64(t.DueAt), labels, t.CreatedAt, t.UpdatedAt)
	return Classify(err)
}

// UpdateTaskTx overwrites the mutable fields and updated_at. The owner guard is
// part of the WHERE clause so a row can never change hands.
func (r *TaskRepo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t *models.Task) error {
	labels, err := encodeLabels(t.Labels)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			text = ?,
			completed = ?,
			sort_order = ?,
			priority = ?,
			due_at = ?,
			labels = ?,
			updated_at = ?
		WHERE id = ? AND owner_id = ?
	`, t.Text, t.Completed, t.Order, string(t.Priority), nullInt64(t.DueAt), labels, t.UpdatedAt, t.ID, t.OwnerID)
	if err != nil {
		return Classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// MySQL reports 0 for an update that changed nothing; only treat it
		// as missing when the row really is gone.
		if _, err := r.GetTaskTx(ctx, tx, t.OwnerID, t.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *TaskRepo) GetTaskTx(ctx context.Context, tx *sql.Tx, ownerID, id string) (*models.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? AND id = ?`, ownerID, id)
	return scanTask(row)
}

func (r *TaskRepo) GetTask(ctx context.Context, ownerID, id string) (*models.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? AND id = ?`, ownerID, id)
	return scanTask(row)
}

func (r *TaskRepo) ListTasks(ctx context.Context, ownerID string) ([]models.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE owner_id = ?
		ORDER BY sort_order ASC, created_at ASC, id ASC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]models.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// PutTask upserts t for t.OwnerID. It fails with ErrOwnerMismatch when the id
// is already held by a different owner.
func (r *TaskRepo) PutTask(ctx context.Context, t *models.Task) (*models.Task, error) {
	var out *models.Task
	err := r.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := r.GetTaskAnyOwnerTx(ctx, tx, t.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			if err := r.InsertTaskTx(ctx, tx, t); err != nil {
				return err
			}
		case err != nil:
			return err
		case existing.OwnerID != t.OwnerID:
			return ErrOwnerMismatch
		default:
			if err := r.UpdateTaskTx(ctx, tx, t); err != nil {
				return err
			}
		}
		out, err = r.GetTaskTx(ctx, tx, t.OwnerID, t.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *TaskRepo) DeleteTask(ctx context.Context, ownerID, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE owner_id = ? AND id = ?`, ownerID, id)
	if err != nil {
		return false, Classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanTask(row interface{ Scan(dest ...any) error }) (*models.Task, error) {
	var (
		t        models.Task
		priority string
		due      sql.NullInt64
		labels   string
	)
	if err := row.Scan(&t.ID, &t.OwnerID, &t.Text, &t.Completed, &t.Order, &priority, &due, &labels, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Priority = models.Priority(priority)
	if due.Valid {
		v := due.Int64
		t.DueAt = &v
	}
	if labels != "" && labels != "[]" && labels != "null" {
		if err := json.Unmarshal([]byte(labels), &t.Labels); err != nil {
			return nil, fmt.Errorf("decode labels for task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

func encodeLabels(labels []string) (string, error) {
	if len(labels) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(labels)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
