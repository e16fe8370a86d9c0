package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"task-sync/internal/metrics"
	"task-sync/internal/models"
	"task-sync/internal/repos"
)

var (
	ErrRetryExhausted = errors.New("reconcile retry ceiling reached")
	ErrNoOwner        = errors.New("owner is required")
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 50 * time.Millisecond
	DefaultMaxDelay    = 2 * time.Second
)

// TaskRepo is the subset of the Task Store the reconciler drives.
type TaskRepo interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	GetTaskAnyOwnerTx(ctx context.Context, tx *sql.Tx, id string) (*models.Task, error)
	InsertTaskTx(ctx context.Context, tx *sql.Tx, t *models.Task) error
	UpdateTaskTx(ctx context.Context, tx *sql.Tx, t *models.Task) error
	GetTask(ctx context.Context, ownerID, id string) (*models.Task, error)
	ListTasks(ctx context.Context, ownerID string) ([]models.Task, error)
	DeleteTask(ctx context.Context, ownerID, id string) (bool, error)
}

type Options struct {
	// MaxAttempts is the total number of times a batch is tried, the first
	// attempt included.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	// OnRetry is called before each backoff sleep.
	OnRetry func(err error, delay time.Duration)
}

// SyncService is the Reconciliation Engine: it merges client-asserted task
// snapshots into the store with last-write-wins by updatedAt.
type SyncService struct {
	repo        TaskRepo
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	log         *slog.Logger
	metrics     *metrics.Metrics
	onRetry     func(err error, delay time.Duration)
}

func NewSyncService(repo TaskRepo, opts Options) *SyncService {
	s := &SyncService{
		repo:        repo,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		onRetry:     opts.OnRetry,
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.baseDelay <= 0 {
		s.baseDelay = DefaultBaseDelay
	}
	if s.maxDelay < s.baseDelay {
		s.maxDelay = max(DefaultMaxDelay, s.baseDelay)
	}
	if s.log == nil {
		s.log = slog.New(slog.DiscardHandler)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	return s
}

// Reconcile merges batch into owner's tasks and returns the authoritative
// record for every identity that belongs to owner. Snapshots whose id is held
// by another owner are dropped without error.
//
// A serialization conflict anywhere restarts the whole batch; per-snapshot
// merges are idempotent so replaying already-committed snapshots is harmless.
func (s *SyncService) Reconcile(ctx context.Context, ownerID string, batch []models.Task) ([]models.Task, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrNoOwner
	}
	for _, t := range batch {
		if err := models.ValidateTask(t); err != nil {
			s.logInvalid(ownerID, err)
			return nil, err
		}
	}

	start := time.Now()
	defer func() { s.metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	var (
		out      []models.Task
		attempts int
	)
	op := func() error {
		attempts++
		s.metrics.ReconcileAttempts.Inc()
		res, err := s.reconcileOnce(ctx, ownerID, batch)
		if err == nil {
			out = res
			return nil
		}
		if errors.Is(err, repos.ErrRetryable) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, delay time.Duration) {
		s.metrics.ReconcileRetries.Inc()
		s.log.Warn("reconcile conflict, retrying batch",
			"owner", ownerID, "attempt", attempts, "delay", delay, "batch_size", len(batch), "error", err)
		if s.onRetry != nil {
			s.onRetry(err, delay)
		}
	}

	err := backoff.RetryNotify(op, backoff.WithContext(s.newBackoff(), ctx), notify)
	if err != nil {
		if errors.Is(err, repos.ErrRetryable) {
			s.metrics.ReconcileExhausted.Inc()
			s.log.Error("reconcile failed after retries", "owner", ownerID, "attempts", attempts, "error", err)
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, err)
		}
		return nil, err
	}
	return out, nil
}

// Apply reconciles a single snapshot, as sent on the persistent connection.
// ok is false when the owner guard dropped it.
func (s *SyncService) Apply(ctx context.Context, ownerID string, t models.Task) (*models.Task, bool, error) {
	res, err := s.Reconcile(ctx, ownerID, []models.Task{t})
	if err != nil {
		return nil, false, err
	}
	if len(res) == 0 {
		return nil, false, nil
	}
	return &res[0], true, nil
}

func (s *SyncService) List(ctx context.Context, ownerID string) ([]models.Task, error) {
	return s.repo.ListTasks(ctx, ownerID)
}

func (s *SyncService) Get(ctx context.Context, ownerID, id string) (*models.Task, error) {
	return s.repo.GetTask(ctx, ownerID, strings.TrimSpace(id))
}

// Delete removes owner's task. Deleting an unknown or foreign id reports
// false, never an error.
func (s *SyncService) Delete(ctx context.Context, ownerID, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, &models.ValidationError{Field: "id", Reason: "required"}
	}
	return s.repo.DeleteTask(ctx, ownerID, id)
}

func (s *SyncService) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.baseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = s.maxDelay
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(bo, uint64(s.maxAttempts-1))
}

func (s *SyncService) reconcileOnce(ctx context.Context, ownerID string, batch []models.Task) ([]models.Task, error) {
	out := make([]models.Task, 0, len(batch))
	for _, snap := range batch {
		merged, err := s.mergeOne(ctx, ownerID, snap)
		if err != nil {
			return nil, err
		}
		if merged != nil {
			out = append(out, *merged)
		}
	}
	return out, nil
}

// mergeOne applies one snapshot in its own transaction and returns the
// winning record, or nil when the id belongs to someone else.
func (s *SyncService) mergeOne(ctx context.Context, ownerID string, snap models.Task) (*models.Task, error) {
	incoming := snap.Clone()
	incoming.ID = strings.TrimSpace(incoming.ID)
	incoming.OwnerID = ownerID

	var out *models.Task
	err := s.repo.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.repo.GetTaskAnyOwnerTx(ctx, tx, incoming.ID)
		if errors.Is(err, repos.ErrNotFound) {
			err = s.repo.InsertTaskTx(ctx, tx, &incoming)
			if err == nil {
				out = &incoming
				return nil
			}
			if !errors.Is(err, repos.ErrDuplicate) {
				return err
			}
			// Another writer created the same id first.
			existing, err = s.repo.GetTaskAnyOwnerTx(ctx, tx, incoming.ID)
		}
		if err != nil {
			return err
		}
		if existing.OwnerID != ownerID {
			s.metrics.OwnerGuardSkips.Inc()
			s.log.Debug("ignoring snapshot for foreign task", "owner", ownerID, "task_id", incoming.ID)
			return nil
		}
		if incoming.UpdatedAt < existing.UpdatedAt {
			out = existing
			return nil
		}
		incoming.CreatedAt = existing.CreatedAt
		if err := s.repo.UpdateTaskTx(ctx, tx, &incoming); err != nil {
			return err
		}
		out = &incoming
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SyncService) logInvalid(ownerID string, err error) {
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		s.log.Warn("rejected invalid snapshot",
			"owner", ownerID, "task_id", verr.TaskID, "field", verr.Field, "reason", verr.Reason)
		return
	}
	s.log.Warn("rejected invalid snapshot", "owner", ownerID, "error", err)
}
