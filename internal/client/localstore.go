package client

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"task-sync/internal/models"
)

// QueueItem is a local mutation not yet acknowledged by the server.
type QueueItem struct {
	Seq           uint64      `json:"seq"`
	Kind          string      `json:"kind"`
	Task          models.Task `json:"task"`
	EnqueuedAt    int64       `json:"enqueuedAt"`
	CorrelationID string      `json:"correlationId"`
}

// State is everything the engine needs to resume after a restart.
type State struct {
	Tasks        map[string]models.Task
	Queue        []QueueItem
	NextSeq      uint64
	LastSyncedAt int64
}

type LocalStore interface {
	Load() (State, error)
	// Save replaces the persisted state. Each task and queue item is written
	// whole; a crash mid-save can leave a mix of old and new records.
	Save(State) error
	// Reset removes all persisted state.
	Reset() error
}

var (
	prefixTask  = []byte("task/")
	prefixQueue = []byte("queue/")
	keyNextSeq  = []byte("meta/next_seq")
	keyLastSync = []byte("meta/last_synced_at")
)

type BadgerConfig struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// Logger receives badger's internal logs; nil silences them.
	Logger *slog.Logger
}

// BadgerStore persists engine state in an embedded badger database, one key
// per task and per queue item. Saves write only the records that changed.
type BadgerStore struct {
	db *badger.DB

	mu sync.Mutex
	// saved mirrors the task and queue records on disk; nil until first read.
	saved map[string][]byte
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent local store")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create local store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Load() (State, error) {
	st := State{Tasks: make(map[string]models.Task), NextSeq: 1}
	err := s.db.View(func(txn *badger.Txn) error {
		if err := eachValue(txn, prefixTask, func(v []byte) error {
			var t models.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			st.Tasks[t.ID] = t
			return nil
		}); err != nil {
			return fmt.Errorf("load tasks: %w", err)
		}
		// Queue keys are big-endian sequence numbers, so iteration order is
		// enqueue order.
		if err := eachValue(txn, prefixQueue, func(v []byte) error {
			var item QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			st.Queue = append(st.Queue, item)
			return nil
		}); err != nil {
			return fmt.Errorf("load queue: %w", err)
		}
		if v, ok, err := getUint64(txn, keyNextSeq); err != nil {
			return err
		} else if ok && v > 0 {
			st.NextSeq = v
		}
		if v, ok, err := getUint64(txn, keyLastSync); err != nil {
			return err
		} else if ok {
			st.LastSyncedAt = int64(v)
		}
		return nil
	})
	return st, err
}

func (s *BadgerStore) Save(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		if err := s.db.View(s.indexRecords); err != nil {
			return fmt.Errorf("index local store: %w", err)
		}
	}

	next := make(map[string][]byte, len(st.Tasks)+len(st.Queue))
	for id, t := range st.Tasks {
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		next[string(prefixTask)+id] = b
	}
	for _, item := range st.Queue {
		b, err := json.Marshal(item)
		if err != nil {
			return err
		}
		next[string(queueKey(item.Seq))] = b
	}

	// A write batch splits into as many transactions as it needs, so the
	// collection size is not bounded by badger's per-transaction limit.
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for k, v := range next {
		if old, ok := s.saved[k]; ok && bytes.Equal(old, v) {
			continue
		}
		if err := wb.Set([]byte(k), v); err != nil {
			return fmt.Errorf("save %s: %w", k, err)
		}
	}
	for k := range s.saved {
		if _, ok := next[k]; ok {
			continue
		}
		if err := wb.Delete([]byte(k)); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	if err := wb.Flush(); err != nil {
		// The on-disk records are now unknown; rebuild the mirror next time.
		s.saved = nil
		return fmt.Errorf("save local state: %w", err)
	}
	s.saved = next

	return s.db.Update(func(txn *badger.Txn) error {
		if err := setUint64(txn, keyNextSeq, st.NextSeq); err != nil {
			return err
		}
		return setUint64(txn, keyLastSync, uint64(st.LastSyncedAt))
	})
}

func (s *BadgerStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = nil
	return s.db.DropAll()
}

// indexRecords fills the mirror from the task and queue records on disk.
func (s *BadgerStore) indexRecords(txn *badger.Txn) error {
	saved := make(map[string][]byte)
	for _, prefix := range [][]byte{prefixTask, prefixQueue} {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			saved[string(it.Item().KeyCopy(nil))] = v
		}
		it.Close()
	}
	s.saved = saved
	return nil
}

func queueKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte{}, prefixQueue...), seq)
}

func eachValue(txn *badger.Txn, prefix []byte, fn func([]byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

func getUint64(txn *badger.Txn, key []byte) (uint64, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var v uint64
	err = item.Value(func(b []byte) error {
		if len(b) != 8 {
			return fmt.Errorf("corrupt value for %s", key)
		}
		v = binary.BigEndian.Uint64(b)
		return nil
	})
	return v, err == nil, err
}

func setUint64(txn *badger.Txn, key []byte, v uint64) error {
	return txn.Set(key, binary.BigEndian.AppendUint64(nil, v))
}
