package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-sync/internal/models"
	"task-sync/internal/repos"
)

func setupTestService(t *testing.T) (*SyncService, *repos.TaskRepo) {
	t.Helper()
	db, err := repos.Open(repos.DialectSQLite, "file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, repos.Migrate(context.Background(), db, repos.DialectSQLite))
	repo := repos.NewTaskRepo(db, repos.DialectSQLite)
	return NewSyncService(repo, Options{BaseDelay: time.Millisecond}), repo
}

func snapshot(id, text string, updatedAt int64) models.Task {
	return models.Task{ID: id, Text: text, CreatedAt: 1, UpdatedAt: updatedAt}
}

func TestReconcileIsIdempotent(t *testing.T) {
	svc, repo := setupTestService(t)
	ctx := context.Background()
	due := int64(2000)
	snap := models.Task{ID: "t1", Text: "Buy milk", DueAt: &due, Labels: []string{"home"}, CreatedAt: 1000, UpdatedAt: 1500}

	first, err := svc.Reconcile(ctx, "alice", []models.Task{snap})
	require.NoError(t, err)
	storedOnce, err := repo.GetTask(ctx, "alice", "t1")
	require.NoError(t, err)

	second, err := svc.Reconcile(ctx, "alice", []models.Task{snap})
	require.NoError(t, err)
	storedTwice, err := repo.GetTask(ctx, "alice", "t1")
	require.NoError(t, err)

	assert.Equal(t, storedOnce, storedTwice)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.True(t, first[0].SameContent(second[0]))
}

func TestReconcileLastWriteWinsInEitherOrder(t *testing.T) {
	older := snapshot("t1", "older", 100)
	newer := snapshot("t1", "newer", 200)

	for name, order := range map[string][]models.Task{
		"old then new": {older, newer},
		"new then old": {newer, older},
	} {
		t.Run(name, func(t *testing.T) {
			svc, repo := setupTestService(t)
			ctx := context.Background()
			for _, snap := range order {
				_, err := svc.Reconcile(ctx, "alice", []models.Task{snap})
				require.NoError(t, err)
			}
			got, err := repo.GetTask(ctx, "alice", "t1")
			require.NoError(t, err)
			assert.Equal(t, "newer", got.Text)
			assert.Equal(t, int64(200), got.UpdatedAt)
		})
	}
}

func TestReconcileStaleSnapshotReturnsStoredRecord(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	_, err := svc.Reconcile(ctx, "alice", []models.Task{snapshot("t1", "current", 500)})
	require.NoError(t, err)

	res, err := svc.Reconcile(ctx, "alice", []models.Task{snapshot("t1", "stale", 400)})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "current", res[0].Text)
	assert.Equal(t, int64(500), res[0].UpdatedAt)
}

// Equal timestamps favor the incoming snapshot. This can overwrite a value
// written in the same millisecond by another device.
func TestReconcileTieFavorsIncoming(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	_, err := svc.Reconcile(ctx, "alice", []models.Task{snapshot("t1", "first", 700)})
	require.NoError(t, err)
	res, err := svc.Reconcile(ctx, "alice", []models.Task{snapshot("t1", "second", 700)})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "second", res[0].Text)
}

func TestReconcileKeepsCreationTime(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	_, err := svc.Reconcile(ctx, "alice", []models.Task{{ID: "t1", Text: "a", CreatedAt: 10, UpdatedAt: 10}})
	require.NoError(t, err)
	res, err := svc.Reconcile(ctx, "alice", []models.Task{{ID: "t1", Text: "b", CreatedAt: 20, UpdatedAt: 30}})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res[0].CreatedAt)
}

func TestReconcileOwnerIsolation(t *testing.T) {
	svc, repo := setupTestService(t)
	ctx := context.Background()

	_, err := svc.Reconcile(ctx, "alice", []models.Task{snapshot("shared", "alice's", 100)})
	require.NoError(t, err)

	res, err := svc.Reconcile(ctx, "bob", []models.Task{
		snapshot("shared", "bob's takeover", 9999),
		snapshot("bobs", "bob's own", 1),
	})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "bobs", res[0].ID)

	got, err := repo.GetTask(ctx, "alice", "shared")
	require.NoError(t, err)
	assert.Equal(t, "alice's", got.Text)
	assert.Equal(t, int64(100), got.UpdatedAt)

	bobTasks, err := svc.List(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, bobTasks, 1)
	assert.Equal(t, "bobs", bobTasks[0].ID)
}

func TestReconcileRejectsInvalidSnapshot(t *testing.T) {
	svc, repo := setupTestService(t)
	ctx := context.Background()

	_, err := svc.Reconcile(ctx, "alice", []models.Task{
		snapshot("ok", "fine", 1),
		{ID: "bad", Text: "", UpdatedAt: 1},
	})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "bad", verr.TaskID)
	assert.Equal(t, "text", verr.Field)

	list, err := repo.ListTasks(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list, "nothing from a rejected batch is written")
}

func TestReconcileRequiresOwner(t *testing.T) {
	svc, _ := setupTestService(t)
	_, err := svc.Reconcile(context.Background(), " ", []models.Task{snapshot("t", "x", 1)})
	assert.ErrorIs(t, err, ErrNoOwner)
}

func TestApplyAndDelete(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	task, ok, err := svc.Apply(ctx, "alice", snapshot("t1", "x", 5))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1", task.ID)

	_, ok, err = svc.Apply(ctx, "bob", snapshot("t1", "y", 6))
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err := svc.Delete(ctx, "bob", "t1")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = svc.Delete(ctx, "alice", "t1")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = svc.Get(ctx, "alice", "t1")
	assert.ErrorIs(t, err, repos.ErrNotFound)
}

func TestReconcileConcurrentWritersConverge(t *testing.T) {
	svc, repo := setupTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(ts int64) {
			defer wg.Done()
			_, err := svc.Reconcile(ctx, "alice", []models.Task{snapshot("hot", fmt.Sprintf("v%d", ts), ts)})
			assert.NoError(t, err)
		}(int64(i))
	}
	wg.Wait()

	got, err := repo.GetTask(ctx, "alice", "hot")
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.UpdatedAt)
	assert.Equal(t, "v20", got.Text)
}

// conflictRepo fails every transaction with a serialization conflict.
type conflictRepo struct {
	TaskRepo
	mu    sync.Mutex
	calls int
	err   error
}

func (r *conflictRepo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func TestReconcileRetryCeiling(t *testing.T) {
	repo := &conflictRepo{err: fmt.Errorf("%w: simulated", repos.ErrRetryable)}
	var delays []time.Duration
	svc := NewSyncService(repo, Options{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry:     func(_ error, d time.Duration) { delays = append(delays, d) },
	})

	_, err := svc.Reconcile(context.Background(), "alice", []models.Task{snapshot("t1", "x", 1)})
	require.ErrorIs(t, err, ErrRetryExhausted)
	assert.ErrorIs(t, err, repos.ErrRetryable)
	assert.Equal(t, 3, repo.calls)
	require.Len(t, delays, 2)
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1], "delays must strictly increase")
	}
}

func TestReconcileNonRetryableFailsImmediately(t *testing.T) {
	repo := &conflictRepo{err: errors.New("disk on fire")}
	svc := NewSyncService(repo, Options{MaxAttempts: 5, BaseDelay: time.Millisecond})

	_, err := svc.Reconcile(context.Background(), "alice", []models.Task{snapshot("t1", "x", 1)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, 1, repo.calls)
}

// flakyRepo conflicts a fixed number of times before delegating.
type flakyRepo struct {
	TaskRepo
	failures int
}

func (r *flakyRepo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if r.failures > 0 {
		r.failures--
		return fmt.Errorf("%w: simulated", repos.ErrRetryable)
	}
	return r.TaskRepo.WithTx(ctx, fn)
}

func TestReconcileRecoversAfterTransientConflict(t *testing.T) {
	_, real := setupTestService(t)
	svc := NewSyncService(&flakyRepo{TaskRepo: real, failures: 2}, Options{MaxAttempts: 3, BaseDelay: time.Millisecond})

	res, err := svc.Reconcile(context.Background(), "alice", []models.Task{snapshot("t1", "x", 1)})
	require.NoError(t, err)
	require.Len(t, res, 1)
}

// racingInsertRepo hides an existing row from the first lookup and then
// reports a duplicate on insert, as when another writer commits in between.
type racingInsertRepo struct {
	TaskRepo
	lookups int
	inserts int
}

func (r *racingInsertRepo) GetTaskAnyOwnerTx(ctx context.Context, tx *sql.Tx, id string) (*models.Task, error) {
	r.lookups++
	if r.lookups == 1 {
		return nil, repos.ErrNotFound
	}
	return r.TaskRepo.GetTaskAnyOwnerTx(ctx, tx, id)
}

func (r *racingInsertRepo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t *models.Task) error {
	r.inserts++
	return fmt.Errorf("%w: simulated", repos.ErrDuplicate)
}

func TestReconcileDuplicateInsertFallsBackToMerge(t *testing.T) {
	tests := []struct {
		name      string
		seedOwner string
		incoming  models.Task
		wantOut   []string
		wantText  string
		wantOwner string
	}{
		{name: "newer snapshot wins", seedOwner: "alice", incoming: snapshot("t1", "mine", 200),
			wantOut: []string{"mine"}, wantText: "mine", wantOwner: "alice"},
		{name: "stale snapshot keeps stored", seedOwner: "alice", incoming: snapshot("t1", "mine", 50),
			wantOut: []string{"theirs"}, wantText: "theirs", wantOwner: "alice"},
		{name: "foreign owner is skipped", seedOwner: "bob", incoming: snapshot("t1", "mine", 200),
			wantOut: []string{}, wantText: "theirs", wantOwner: "bob"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seeder, real := setupTestService(t)
			ctx := context.Background()
			_, err := seeder.Reconcile(ctx, tt.seedOwner, []models.Task{snapshot("t1", "theirs", 100)})
			require.NoError(t, err)

			repo := &racingInsertRepo{TaskRepo: real}
			svc := NewSyncService(repo, Options{BaseDelay: time.Millisecond})
			out, err := svc.Reconcile(ctx, "alice", []models.Task{tt.incoming})
			require.NoError(t, err)
			assert.Equal(t, 1, repo.inserts)
			assert.Equal(t, 2, repo.lookups)

			texts := []string{}
			for _, task := range out {
				texts = append(texts, task.Text)
			}
			assert.Equal(t, tt.wantOut, texts)

			stored, err := real.GetTask(ctx, tt.wantOwner, "t1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, stored.Text)
		})
	}
}
