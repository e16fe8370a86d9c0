// Package hub tracks live persistent connections per owner and fans events
// out to every device of that owner.
package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"task-sync/internal/metrics"
	"task-sync/internal/models"
)

var ErrConnClosed = errors.New("connection closed")

// Conn is one live persistent connection.
type Conn interface {
	ID() string
	// Send queues msg for delivery. It returns ErrConnClosed once the
	// underlying channel is gone.
	Send(msg []byte) error
	Open() bool
	Close()
}

type Registry struct {
	mu      sync.RWMutex
	conns   map[string]map[Conn]struct{}
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewRegistry(log *slog.Logger, m *metrics.Metrics) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if m == nil {
		m = metrics.New()
	}
	return &Registry{conns: make(map[string]map[Conn]struct{}), log: log, metrics: m}
}

func (r *Registry) Register(ownerID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[ownerID]
	if !ok {
		set = make(map[Conn]struct{})
		r.conns[ownerID] = set
	}
	if _, dup := set[c]; dup {
		return
	}
	set[c] = struct{}{}
	r.metrics.ActiveConnections.Inc()
	r.log.Info("connection registered", "owner", ownerID, "conn", c.ID(), "owner_conns", len(set))
}

func (r *Registry) Unregister(ownerID string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[ownerID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.conns, ownerID)
	}
	r.metrics.ActiveConnections.Dec()
	r.log.Info("connection unregistered", "owner", ownerID, "conn", c.ID(), "owner_conns", len(set))
}

// Count returns the number of connections registered for owner.
func (r *Registry) Count(ownerID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[ownerID])
}

// CloseAll closes every registered connection and returns how many there
// were. Connections leave the registry through their own close path.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	var targets []Conn
	for _, set := range r.conns {
		for c := range set {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.Close()
	}
	return len(targets)
}

// Broadcast sends ev to every connection of owner, the originating device
// included. Closed connections count as failed deliveries; they are removed
// only by their own close path.
func (r *Registry) Broadcast(ownerID string, ev models.Event) (delivered, failed int) {
	msg, err := json.Marshal(ev)
	if err != nil {
		r.log.Error("encode event", "owner", ownerID, "event", ev.Event, "error", err)
		return 0, 0
	}

	r.mu.RLock()
	targets := make([]Conn, 0, len(r.conns[ownerID]))
	for c := range r.conns[ownerID] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if !c.Open() {
			failed++
			r.log.Warn("broadcast to closed connection", "owner", ownerID, "conn", c.ID(), "event", ev.Event)
			continue
		}
		if err := c.Send(msg); err != nil {
			failed++
			r.log.Warn("broadcast delivery failed", "owner", ownerID, "conn", c.ID(), "event", ev.Event, "error", err)
			continue
		}
		delivered++
	}
	if delivered > 0 {
		r.metrics.BroadcastDeliveries.WithLabelValues("delivered").Add(float64(delivered))
	}
	if failed > 0 {
		r.metrics.BroadcastDeliveries.WithLabelValues("failed").Add(float64(failed))
	}
	r.log.Debug("broadcast", "owner", ownerID, "event", ev.Event, "delivered", delivered, "failed", failed)
	return delivered, failed
}
