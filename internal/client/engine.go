package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"task-sync/internal/models"
)

var (
	ErrEngineClosed = errors.New("sync engine closed")
	ErrTaskNotFound = errors.New("task not found")
)

const (
	defaultDebounce       = 500 * time.Millisecond
	defaultSyncInterval   = 30 * time.Second
	defaultRequestTimeout = 15 * time.Second
)

// Fallback is the request/response path used while the push connection is
// down. *Client implements it.
type Fallback interface {
	SyncTasks(ctx context.Context, tasks []models.Task) ([]models.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// Conn is the push connection. *Transport implements it.
type Conn interface {
	Start()
	Send(v any) error
	On(event string, h EventHandler)
	OnStateChange(fn func(ConnState))
	Close()
}

type TaskInput struct {
	Text     string
	Priority models.Priority
	DueAt    *int64
	Labels   []string
}

// TaskPatch changes the non-nil fields only.
type TaskPatch struct {
	Text       *string
	Completed  *bool
	Priority   *models.Priority
	DueAt      *int64
	ClearDueAt bool
	Labels     *[]string
	Order      *int64
}

type Status struct {
	Connected    bool
	Pending      int
	LastSyncedAt int64
	LastError    string
}

type EngineOptions struct {
	Store    LocalStore
	Fallback Fallback
	// Transport may be nil, in which case every change goes through the
	// fallback path.
	Transport      Conn
	Debounce       time.Duration
	SyncInterval   time.Duration
	RequestTimeout time.Duration
	// OnChange receives the sorted collection after every change. It runs on
	// the engine goroutine and must not call back into the Engine.
	OnChange func([]models.Task)
	Now      func() time.Time
	Logger   *slog.Logger
}

// Engine owns the local task collection. Every state transition runs on a
// single goroutine fed through ops.
type Engine struct {
	store          LocalStore
	fallback       Fallback
	transport      Conn
	debounce       time.Duration
	interval       time.Duration
	requestTimeout time.Duration
	onChange       func([]models.Task)
	now            func() time.Time
	log            *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	ops       chan func()
	quit      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	// Loop-owned.
	tasks       map[string]models.Task
	queue       []QueueItem
	nextSeq     uint64
	lastSynced  int64
	lastErr     error
	connected   bool
	syncing     bool
	rerun       bool
	suspended   bool
	closed      bool
	debounceT   *time.Timer
	periodicT   *time.Timer
	waitNext    []chan error
	waitCurrent []chan error
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("local store is required")
	}
	if opts.Fallback == nil {
		return nil, errors.New("fallback client is required")
	}
	st, err := opts.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("load local state: %w", err)
	}
	if st.Tasks == nil {
		st.Tasks = make(map[string]models.Task)
	}
	if st.NextSeq == 0 {
		st.NextSeq = 1
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:          opts.Store,
		fallback:       opts.Fallback,
		transport:      opts.Transport,
		debounce:       orDefault(opts.Debounce, defaultDebounce),
		interval:       orDefault(opts.SyncInterval, defaultSyncInterval),
		requestTimeout: orDefault(opts.RequestTimeout, defaultRequestTimeout),
		onChange:       opts.OnChange,
		now:            now,
		log:            log.With("component", "sync_engine"),
		ctx:            ctx,
		cancel:         cancel,
		ops:            make(chan func()),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		tasks:          st.Tasks,
		queue:          st.Queue,
		nextSeq:        st.NextSeq,
		lastSynced:     st.LastSyncedAt,
	}
	go e.loop()
	return e, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Start connects the transport and runs one fallback cycle to hydrate the
// local collection from the server.
func (e *Engine) Start() error {
	var err error
	e.startOnce.Do(func() {
		if e.transport != nil {
			e.transport.On(models.EventCreated, e.onTaskEvent)
			e.transport.On(models.EventUpdated, e.onTaskEvent)
			e.transport.On(models.EventDeleted, e.onDeletedEvent)
			e.transport.On(models.EventSynced, e.onSyncedEvent)
			e.transport.On(models.EventError, e.onErrorEvent)
			e.transport.OnStateChange(func(s ConnState) {
				e.post(func() { e.setConnected(s == StateConnected) })
			})
			e.transport.Start()
		}
		err = e.do(func() {
			if e.closed {
				return
			}
			e.startCycle()
		})
	})
	return err
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		select {
		case fn := <-e.ops:
			fn()
		case <-e.quit:
			return
		}
	}
}

// do runs fn on the engine goroutine and waits for it.
func (e *Engine) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case e.ops <- func() { defer close(finished); fn() }:
	case <-e.quit:
		return ErrEngineClosed
	}
	<-finished
	return nil
}

// post queues fn without waiting for it to run.
func (e *Engine) post(fn func()) {
	select {
	case e.ops <- fn:
	case <-e.quit:
	}
}

func (e *Engine) AddTask(in TaskInput) (models.Task, error) {
	var (
		out models.Task
		err error
	)
	if derr := e.do(func() { out, err = e.addTask(in) }); derr != nil {
		return models.Task{}, derr
	}
	return out, err
}

func (e *Engine) addTask(in TaskInput) (models.Task, error) {
	if e.closed {
		return models.Task{}, ErrEngineClosed
	}
	ts := e.stamp(0)
	t := models.Task{
		ID:        uuid.NewString(),
		Text:      strings.TrimSpace(in.Text),
		Priority:  in.Priority,
		Order:     e.nextOrder(),
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if in.DueAt != nil {
		due := *in.DueAt
		t.DueAt = &due
	}
	if len(in.Labels) > 0 {
		t.Labels = slices.Clone(in.Labels)
	}
	if err := models.ValidateTask(t); err != nil {
		return models.Task{}, err
	}
	e.tasks[t.ID] = t
	e.enqueue(models.CommandCreate, t)
	e.changed()
	return t.Clone(), nil
}

func (e *Engine) UpdateTask(id string, patch TaskPatch) (models.Task, error) {
	var (
		out models.Task
		err error
	)
	if derr := e.do(func() { out, err = e.updateTask(id, patch) }); derr != nil {
		return models.Task{}, derr
	}
	return out, err
}

func (e *Engine) updateTask(id string, patch TaskPatch) (models.Task, error) {
	if e.closed {
		return models.Task{}, ErrEngineClosed
	}
	prev, ok := e.tasks[id]
	if !ok {
		return models.Task{}, ErrTaskNotFound
	}
	next := prev.Clone()
	if patch.Text != nil {
		next.Text = strings.TrimSpace(*patch.Text)
	}
	if patch.Completed != nil {
		next.Completed = *patch.Completed
	}
	if patch.Priority != nil {
		next.Priority = *patch.Priority
	}
	if patch.ClearDueAt {
		next.DueAt = nil
	} else if patch.DueAt != nil {
		due := *patch.DueAt
		next.DueAt = &due
	}
	if patch.Labels != nil {
		next.Labels = slices.Clone(*patch.Labels)
	}
	if patch.Order != nil {
		next.Order = *patch.Order
	}
	if next.SameContent(prev) {
		return prev.Clone(), nil
	}
	next.UpdatedAt = e.stamp(prev.UpdatedAt)
	if err := models.ValidateTask(next); err != nil {
		return models.Task{}, err
	}
	e.tasks[id] = next
	e.enqueue(models.CommandUpdate, next)
	e.changed()
	return next.Clone(), nil
}

func (e *Engine) DeleteTask(id string) error {
	var err error
	if derr := e.do(func() { err = e.deleteTask(id) }); derr != nil {
		return derr
	}
	return err
}

func (e *Engine) deleteTask(id string) error {
	if e.closed {
		return ErrEngineClosed
	}
	prev, ok := e.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	delete(e.tasks, id)
	prev.UpdatedAt = e.stamp(prev.UpdatedAt)
	e.enqueue(models.CommandDelete, prev)
	e.changed()
	return nil
}

// Reorder assigns display positions 0..n-1 following ids. Tasks not listed
// keep their order.
func (e *Engine) Reorder(ids []string) error {
	var err error
	if derr := e.do(func() { err = e.reorder(ids) }); derr != nil {
		return derr
	}
	return err
}

func (e *Engine) reorder(ids []string) error {
	if e.closed {
		return ErrEngineClosed
	}
	for _, id := range ids {
		if _, ok := e.tasks[id]; !ok {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
	}
	moved := false
	for i, id := range ids {
		t := e.tasks[id]
		if t.Order == int64(i) {
			continue
		}
		t.Order = int64(i)
		t.UpdatedAt = e.stamp(t.UpdatedAt)
		e.tasks[id] = t
		e.enqueue(models.CommandUpdate, t)
		moved = true
	}
	if moved {
		e.changed()
	}
	return nil
}

// Tasks returns the local collection in display order.
func (e *Engine) Tasks() []models.Task {
	var out []models.Task
	_ = e.do(func() { out = e.sorted() })
	return out
}

func (e *Engine) Status() Status {
	var st Status
	_ = e.do(func() {
		st = Status{
			Connected:    e.connected,
			Pending:      len(e.queue),
			LastSyncedAt: e.lastSynced,
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
	})
	return st
}

// SyncNow starts a fallback cycle regardless of connection state and lifts
// any suspension caused by a rejected batch.
func (e *Engine) SyncNow() error {
	return e.do(func() {
		if e.closed {
			return
		}
		e.suspended = false
		e.startCycle()
	})
}

// Flush runs a fallback cycle that starts after the call and returns its
// result.
func (e *Engine) Flush(ctx context.Context) error {
	ch := make(chan error, 1)
	var closed bool
	if err := e.do(func() {
		if e.closed {
			closed = true
			return
		}
		e.suspended = false
		e.waitNext = append(e.waitNext, ch)
		e.startCycle()
	}); err != nil {
		return err
	}
	if closed {
		return ErrEngineClosed
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Logout discards every local trace of the signed-in owner and shuts the
// engine down. A new owner needs a new Engine.
func (e *Engine) Logout() error {
	var resetErr error
	err := e.do(func() {
		if e.closed {
			return
		}
		e.tasks = make(map[string]models.Task)
		e.queue = nil
		e.nextSeq = 1
		e.lastSynced = 0
		e.lastErr = nil
		if err := e.store.Reset(); err != nil {
			resetErr = fmt.Errorf("reset local store: %w", err)
		}
		e.shutdown()
	})
	e.stop()
	if err != nil && !errors.Is(err, ErrEngineClosed) {
		return err
	}
	return resetErr
}

// Close stops timers and the transport. Queued changes stay persisted and are
// picked up by the next Engine on the same store.
func (e *Engine) Close() error {
	err := e.do(func() { e.shutdown() })
	e.stop()
	if errors.Is(err, ErrEngineClosed) {
		return nil
	}
	return err
}

func (e *Engine) shutdown() {
	if e.closed {
		return
	}
	e.closed = true
	e.cancelTimers()
	for _, ch := range append(e.waitCurrent, e.waitNext...) {
		ch <- ErrEngineClosed
	}
	e.waitCurrent, e.waitNext = nil, nil
}

func (e *Engine) stop() {
	e.stopOnce.Do(func() {
		e.cancel()
		close(e.quit)
		<-e.done
		if e.transport != nil {
			e.transport.Close()
		}
	})
}

func (e *Engine) stamp(prev int64) int64 {
	now := e.now().UnixMilli()
	if now <= prev {
		return prev + 1
	}
	return now
}

func (e *Engine) nextOrder() int64 {
	var highest int64 = -1
	for _, t := range e.tasks {
		if t.Order > highest {
			highest = t.Order
		}
	}
	return highest + 1
}

func (e *Engine) sorted() []models.Task {
	out := make([]models.Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t.Clone())
	}
	models.SortTasks(out)
	return out
}

func (e *Engine) changed() {
	if e.onChange != nil {
		e.onChange(e.sorted())
	}
}

func (e *Engine) persist() {
	err := e.store.Save(State{
		Tasks:        e.tasks,
		Queue:        e.queue,
		NextSeq:      e.nextSeq,
		LastSyncedAt: e.lastSynced,
	})
	if err != nil {
		e.log.Error("persist local state", "error", err)
		e.lastErr = err
	}
}

func (e *Engine) enqueue(kind string, t models.Task) {
	if kind == models.CommandDelete {
		e.dropQueued(t.ID)
	}
	item := QueueItem{
		Seq:           e.nextSeq,
		Kind:          kind,
		Task:          t.Clone(),
		EnqueuedAt:    e.now().UnixMilli(),
		CorrelationID: uuid.NewString(),
	}
	e.nextSeq++
	e.queue = append(e.queue, item)
	e.suspended = false
	e.persist()

	if e.connected {
		e.send(item)
		return
	}
	e.scheduleDebounce()
}

// dropQueued removes pending creates and updates for id.
func (e *Engine) dropQueued(id string) {
	e.queue = slices.DeleteFunc(e.queue, func(it QueueItem) bool {
		return it.Task.ID == id && it.Kind != models.CommandDelete
	})
}

func (e *Engine) pendingDelete(id string) bool {
	return slices.ContainsFunc(e.queue, func(it QueueItem) bool {
		return it.Task.ID == id && it.Kind == models.CommandDelete
	})
}

func (e *Engine) send(item QueueItem) {
	if e.transport == nil {
		return
	}
	err := e.transport.Send(models.Command{Type: item.Kind, Payload: item.Task, CorrelationID: item.CorrelationID})
	if err != nil {
		e.log.Warn("send command", "type", item.Kind, "task_id", item.Task.ID, "error", err)
	}
}

func (e *Engine) setConnected(connected bool) {
	if e.closed || connected == e.connected {
		return
	}
	e.connected = connected
	if connected {
		e.log.Info("push connection up", "pending", len(e.queue))
		e.cancelTimers()
		e.suspended = false
		for _, item := range e.queue {
			e.send(item)
		}
		return
	}
	e.log.Info("push connection down", "pending", len(e.queue))
	if len(e.queue) > 0 {
		e.scheduleDebounce()
	}
}

func (e *Engine) scheduleDebounce() {
	if e.closed || e.connected || e.suspended {
		return
	}
	if e.debounceT != nil {
		e.debounceT.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(e.debounce, func() {
		e.post(func() {
			if e.debounceT != t {
				return
			}
			e.debounceT = nil
			if !e.connected {
				e.startCycle()
			}
		})
	})
	e.debounceT = t
}

func (e *Engine) armPeriodic() {
	if e.closed || e.connected || e.suspended || len(e.queue) == 0 {
		if e.periodicT != nil {
			e.periodicT.Stop()
			e.periodicT = nil
		}
		return
	}
	if e.periodicT != nil {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(e.interval, func() {
		e.post(func() {
			if e.periodicT != t {
				return
			}
			e.periodicT = nil
			if !e.connected && !e.suspended && len(e.queue) > 0 {
				e.startCycle()
			}
		})
	})
	e.periodicT = t
}

func (e *Engine) cancelTimers() {
	if e.debounceT != nil {
		e.debounceT.Stop()
		e.debounceT = nil
	}
	if e.periodicT != nil {
		e.periodicT.Stop()
		e.periodicT = nil
	}
}

// startCycle runs one fallback exchange in the background. A request made
// while one is in flight is coalesced into a single follow-up.
func (e *Engine) startCycle() {
	if e.closed {
		return
	}
	if e.syncing {
		e.rerun = true
		return
	}
	if e.debounceT != nil {
		e.debounceT.Stop()
		e.debounceT = nil
	}
	e.syncing = true
	e.rerun = false
	e.waitCurrent, e.waitNext = e.waitNext, nil

	batch := e.sorted()
	var deletes []string
	seen := make(map[string]struct{})
	for _, it := range e.queue {
		if it.Kind != models.CommandDelete {
			continue
		}
		if _, ok := seen[it.Task.ID]; ok {
			continue
		}
		seen[it.Task.ID] = struct{}{}
		deletes = append(deletes, it.Task.ID)
	}
	upTo := e.nextSeq - 1

	go func() {
		res, err := e.exchange(e.ctx, deletes, batch)
		e.post(func() { e.finishCycle(upTo, res, err) })
	}()
}

func (e *Engine) exchange(ctx context.Context, deletes []string, batch []models.Task) ([]models.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()
	for _, id := range deletes {
		if err := e.fallback.DeleteTask(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("delete task %s: %w", id, err)
		}
	}
	res, err := e.fallback.SyncTasks(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("sync batch: %w", err)
	}
	return res, nil
}

func (e *Engine) finishCycle(upTo uint64, res []models.Task, err error) {
	e.syncing = false
	if e.closed {
		return
	}
	if err != nil {
		e.lastErr = err
		if IsPermanent(err) {
			e.suspended = true
			e.log.Error("fallback sync rejected, retries suspended", "pending", len(e.queue), "error", err)
		} else {
			e.log.Warn("fallback sync failed", "pending", len(e.queue), "error", err)
		}
	} else {
		e.applyRemote(res)
		e.queue = slices.DeleteFunc(e.queue, func(it QueueItem) bool { return it.Seq <= upTo })
		e.lastSynced = e.now().UnixMilli()
		e.lastErr = nil
		e.changed()
	}
	e.persist()

	for _, ch := range e.waitCurrent {
		ch <- err
	}
	e.waitCurrent = nil

	if e.rerun {
		e.startCycle()
		return
	}
	e.armPeriodic()
}

// applyRemote merges authoritative tasks into the local collection. Tasks
// with a pending local delete are skipped so they do not reappear.
func (e *Engine) applyRemote(tasks []models.Task) bool {
	changed := false
	for _, in := range tasks {
		if in.ID == "" || e.pendingDelete(in.ID) {
			continue
		}
		local, ok := e.tasks[in.ID]
		if !ok {
			e.tasks[in.ID] = in.Clone()
			changed = true
			continue
		}
		if merged, ok := Merge(local, in); ok {
			e.tasks[in.ID] = merged
			changed = true
		}
	}
	return changed
}

// ack removes the queue item echoed back by the server.
func (e *Engine) ack(correlationID string) bool {
	if correlationID == "" {
		return false
	}
	n := len(e.queue)
	e.queue = slices.DeleteFunc(e.queue, func(it QueueItem) bool { return it.CorrelationID == correlationID })
	if len(e.queue) == n {
		return false
	}
	e.lastSynced = e.now().UnixMilli()
	e.lastErr = nil
	return true
}

func (e *Engine) onTaskEvent(ev InboundEvent) {
	var t models.Task
	if err := json.Unmarshal(ev.Data, &t); err != nil {
		e.log.Warn("dropping malformed task event", "event", ev.Event, "error", err)
		return
	}
	e.post(func() {
		if e.closed {
			return
		}
		changed := e.applyRemote([]models.Task{t})
		acked := e.ack(ev.CorrelationID)
		if changed || acked {
			e.persist()
		}
		if changed {
			e.changed()
		}
	})
}

func (e *Engine) onDeletedEvent(ev InboundEvent) {
	var ref models.DeletedRef
	if err := json.Unmarshal(ev.Data, &ref); err != nil || ref.ID == "" {
		e.log.Warn("dropping malformed delete event", "error", err)
		return
	}
	e.post(func() {
		if e.closed {
			return
		}
		_, existed := e.tasks[ref.ID]
		delete(e.tasks, ref.ID)
		e.dropQueued(ref.ID)
		e.ack(ev.CorrelationID)
		e.persist()
		if existed {
			e.changed()
		}
	})
}

func (e *Engine) onSyncedEvent(ev InboundEvent) {
	var tasks []models.Task
	if err := json.Unmarshal(ev.Data, &tasks); err != nil {
		e.log.Warn("dropping malformed sync event", "error", err)
		return
	}
	e.post(func() {
		if e.closed {
			return
		}
		if e.applyRemote(tasks) {
			e.persist()
			e.changed()
		}
	})
}

func (e *Engine) onErrorEvent(ev InboundEvent) {
	var body models.ErrorBody
	_ = json.Unmarshal(ev.Data, &body)
	e.post(func() {
		if e.closed {
			return
		}
		// A field means the payload itself is invalid; resending cannot help.
		if body.Field != "" && e.ack(ev.CorrelationID) {
			e.persist()
		}
		e.lastErr = fmt.Errorf("server rejected command: %s", body.Message)
		e.log.Warn("server rejected command", "correlation_id", ev.CorrelationID, "field", body.Field, "message", body.Message)
	})
}
