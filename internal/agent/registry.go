// ABOUTME: Client registry: thread-safe map of agent ID to ActiveClient
// ABOUTME: Copy-on-write snapshots and a bounded fan-out change feed

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrAgentNotFound indicates the specified agent is not registered.
var ErrAgentNotFound = errors.New("agent not found")

// DefaultFeedHistory is the per-subscriber snapshot buffer.
const DefaultFeedHistory = 1024

// Registry is the authoritative set of connected agents.
type Registry struct {
	mu          sync.Mutex
	clients     map[string]*ActiveClient
	version     uint64
	subscribers map[string]*subscription
	closed      bool

	current atomic.Pointer[Snapshot]
	history int
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. history bounds each subscriber's
// buffer; zero or less means DefaultFeedHistory.
func NewRegistry(history int, logger *slog.Logger) *Registry {
	if history <= 0 {
		history = DefaultFeedHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		clients:     make(map[string]*ActiveClient),
		subscribers: make(map[string]*subscription),
		history:     history,
		logger:      logger.With("component", "registry"),
	}
	r.current.Store(newSnapshot(0, nil))
	return r
}

// Insert adds client under client.ID(), replacing any previous entry.
// A replaced client has its callback cleared and released. Returns the
// new snapshot.
func (r *Registry) Insert(client *ActiveClient) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, replaced := r.clients[client.id]
	if replaced && prev != client {
		releaseCallback(prev.clear())
	}
	r.clients[client.id] = client

	r.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", client.id,
		"session_id", client.sessionID,
		"remote_addr", client.remoteAddr,
		"replaced", replaced && prev != client,
		"total_agents", len(r.clients),
	)
	return r.publishLocked()
}

// Remove drops the entry for id, clearing its callback first. Removing an
// unknown id changes nothing and returns the current snapshot.
func (r *Registry) Remove(id string) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[id]
	if !ok {
		return r.current.Load()
	}
	releaseCallback(client.clear())
	return r.removeLocked(client)
}

// removeClient drops client only if it is still the registered entry for
// its id. Reports whether the registry changed.
func (r *Registry) removeClient(client *ActiveClient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	releaseCallback(client.clear())
	if r.clients[client.id] != client {
		return false
	}
	r.removeLocked(client)
	return true
}

// removeLocked deletes an already cleared client. Caller holds r.mu.
func (r *Registry) removeLocked(client *ActiveClient) *Snapshot {
	delete(r.clients, client.id)

	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", client.id,
		"session_id", client.sessionID,
		"total_agents", len(r.clients),
	)
	return r.publishLocked()
}

// Snapshot returns the current point-in-time view. It never blocks.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Get returns the client registered under id.
func (r *Registry) Get(id string) (*ActiveClient, error) {
	c, ok := r.Snapshot().Get(id)
	if !ok {
		return nil, ErrAgentNotFound
	}
	return c, nil
}

// publishLocked stores and fans out a new snapshot. Caller holds r.mu.
func (r *Registry) publishLocked() *Snapshot {
	r.version++
	snap := newSnapshot(r.version, r.clients)
	r.current.Store(snap)

	for subID, sub := range r.subscribers {
		if !offer(sub.ch, snap) {
			r.logger.Debug("dropped oldest snapshot for slow subscriber",
				"sub_id", subID,
				"version", snap.Version)
		}
	}
	return snap
}

// offer enqueues snap, evicting the oldest queued snapshot when ch is full.
// Only publishLocked sends on subscriber channels, so the retry after an
// eviction cannot block. Reports false if something was dropped.
func offer(ch chan *Snapshot, snap *Snapshot) bool {
	select {
	case ch <- snap:
		return true
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- snap
	return false
}

// subscription is one change-feed subscriber. done is closed alongside ch
// so the context watcher exits on an explicit Unsubscribe.
type subscription struct {
	ch   chan *Snapshot
	done chan struct{}
}

func (sub *subscription) end() {
	close(sub.ch)
	close(sub.done)
}

// Subscribe registers a change-feed subscriber. The channel first yields
// the current snapshot, then one snapshot per mutation, so the value after
// the N-th mutation since subscribing is the channel's (N+1)-th. The
// subscription is removed when ctx is cancelled or Unsubscribe is called,
// which closes the channel.
func (r *Registry) Subscribe(ctx context.Context) (<-chan *Snapshot, string) {
	subID := uuid.New().String()
	sub := &subscription{
		ch:   make(chan *Snapshot, r.history),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	sub.ch <- r.current.Load()
	r.subscribers[subID] = sub
	r.mu.Unlock()

	r.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		select {
		case <-ctx.Done():
			r.Unsubscribe(subID)
		case <-sub.done:
		}
	}()

	return sub.ch, subID
}

// Unsubscribe removes a subscription and closes its channel.
func (r *Registry) Unsubscribe(subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subscribers[subID]
	if !ok {
		return
	}
	delete(r.subscribers, subID)
	sub.end()

	r.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close ends every subscription. The registry keeps serving Insert,
// Remove and Snapshot; new subscriptions receive a closed channel.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for subID, sub := range r.subscribers {
		sub.end()
		delete(r.subscribers, subID)
	}
	r.closed = true

	r.logger.Debug("registry feed closed")
}
