// Package coord is the coordination store: the single shared record of agent
// statuses, published interfaces and blockers. Agents write only their own
// keys; the orchestrator reads. Writes to the same key are ordered by a
// logical timestamp, not by arrival.
package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/quorum/pkg/models"
)

var (
	// ErrInterfaceFrozen is returned when a ready interface is registered
	// again with different content.
	ErrInterfaceFrozen = errors.New("interface is ready and cannot change")
	// ErrNotFound is returned for a missing key.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

// CoordinationStoreError is a read or write failure of the store. Callers
// must not assume a write happened when they get one.
type CoordinationStoreError struct {
	Op  string
	Key string
	Err error
}

func (e *CoordinationStoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("coordination store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("coordination store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *CoordinationStoreError) Unwrap() error { return e.Err }

func storeErr(op, key string, err error) error {
	return &CoordinationStoreError{Op: op, Key: key, Err: err}
}

// EventKind classifies a store event.
type EventKind string

const (
	EventAgentStatus EventKind = "agent_status"
	EventInterface   EventKind = "interface"
	EventGlobal      EventKind = "global"
	EventRun         EventKind = "run"
)

// Event records one accepted write.
type Event struct {
	Seq    uint64    `json:"seq"`
	Kind   EventKind `json:"kind"`
	Key    string    `json:"key"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

// Summary is an aggregate view of the store.
type Summary struct {
	Agents        map[models.AgentState]int      `json:"agents"`
	Interfaces    map[models.InterfaceStatus]int `json:"interfaces"`
	BlockedAgents int                            `json:"blocked_agents"`
	Progress      float64                        `json:"progress"`
}

// Store is the coordination store contract.
type Store interface {
	// BeginRun scopes the store to runID. When a different run owned the
	// store, its agent statuses, interfaces and globals are dropped so
	// nothing of it is observed by the new run. The event log is kept.
	// It reports whether a reset happened.
	BeginRun(ctx context.Context, runID string) (bool, error)
	// RunID returns the run the store is scoped to, or "".
	RunID(ctx context.Context) (string, error)

	// UpdateAgentStatus stores st unless a newer timestamp is already stored.
	// It reports whether the update was applied.
	UpdateAgentStatus(ctx context.Context, st models.AgentStatus) (bool, error)
	AgentStatus(ctx context.Context, agentID string) (models.AgentStatus, error)
	AgentStatuses(ctx context.Context) ([]models.AgentStatus, error)

	// RegisterInterface upserts by name. Identical content is a no-op, a draft
	// may be overwritten, and a ready interface rejects changes with
	// ErrInterfaceFrozen.
	RegisterInterface(ctx context.Context, iface models.SharedInterface) error
	Interface(ctx context.Context, name string) (models.SharedInterface, error)
	Interfaces(ctx context.Context) ([]models.SharedInterface, error)
	AddConsumer(ctx context.Context, name, agentID string) error

	// CheckDependencies reports, per name, whether its interface is ready.
	CheckDependencies(ctx context.Context, agentID string, names []string) (map[string]bool, error)
	// GetBlockers derives, per agent, the reported blockers that are still
	// not ready.
	GetBlockers(ctx context.Context) (map[string][]string, error)

	SetGlobal(ctx context.Context, key string, value json.RawMessage) error
	Global(ctx context.Context, key string) (json.RawMessage, error)

	// Events returns accepted writes with a sequence above since.
	Events(ctx context.Context, since uint64) ([]Event, error)
	Summary(ctx context.Context) (Summary, error)

	// Subscribe returns a channel signalled after accepted writes. Signals
	// coalesce; readers must re-read the store.
	Subscribe() (<-chan struct{}, func())
	Close() error
}

// Open returns an in-memory store for "" or ":memory:" and a SQLite store
// otherwise.
func Open(path string) (Store, error) {
	if path == "" || path == ":memory:" {
		return NewMemoryStore(), nil
	}
	return OpenSQLite(path)
}

// decideRegistration applies the interface upsert rules. It returns the
// record to store, or ok=false for a no-op.
func decideRegistration(existing *models.SharedInterface, next models.SharedInterface, now time.Time) (models.SharedInterface, bool, error) {
	if next.Name == "" {
		return models.SharedInterface{}, false, errors.New("interface name is required")
	}
	if next.Status == "" {
		next.Status = models.InterfaceDraft
	}
	if !next.Status.Valid() {
		return models.SharedInterface{}, false, fmt.Errorf("invalid interface status %q", next.Status)
	}
	if existing == nil {
		out := next.Clone()
		out.Version = 1
		out.UpdatedAt = now
		return out, true, nil
	}
	if existing.SameContent(next) {
		return models.SharedInterface{}, false, nil
	}
	if existing.Status == models.InterfaceReady {
		return models.SharedInterface{}, false, ErrInterfaceFrozen
	}
	out := next.Clone()
	out.Consumers = mergeConsumers(existing.Consumers, next.Consumers)
	out.Version = existing.Version + 1
	out.UpdatedAt = now
	return out, true, nil
}

func mergeConsumers(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, c := range list {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	sort.Strings(out)
	return out
}

func deriveBlockers(statuses []models.AgentStatus, ifaces []models.SharedInterface) map[string][]string {
	ready := make(map[string]bool, len(ifaces))
	for _, i := range ifaces {
		if i.Status == models.InterfaceReady {
			ready[i.Name] = true
		}
	}
	out := make(map[string][]string)
	for _, st := range statuses {
		var names []string
		for _, b := range st.Blockers {
			if !ready[b] {
				names = append(names, b)
			}
		}
		if len(names) > 0 {
			out[st.AgentID] = names
		}
	}
	return out
}

func summarize(statuses []models.AgentStatus, ifaces []models.SharedInterface) Summary {
	s := Summary{
		Agents:     make(map[models.AgentState]int),
		Interfaces: make(map[models.InterfaceStatus]int),
	}
	var total float64
	for _, st := range statuses {
		s.Agents[st.Status]++
		total += st.Progress
	}
	if len(statuses) > 0 {
		s.Progress = total / float64(len(statuses))
	}
	for _, i := range ifaces {
		s.Interfaces[i.Status]++
	}
	s.BlockedAgents = len(deriveBlockers(statuses, ifaces))
	return s
}

func checkDependencies(ifaces map[string]models.InterfaceStatus, names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = ifaces[n] == models.InterfaceReady
	}
	return out
}

// notifier fans change signals out to subscribers without blocking writers.
type notifier struct {
	mu   sync.Mutex
	next int
	subs map[int]chan struct{}
}

func (n *notifier) subscribe() (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]chan struct{})
	}
	id := n.next
	n.next++
	ch := make(chan struct{}, 1)
	n.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

func (n *notifier) notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		close(ch)
		delete(n.subs, id)
	}
}
