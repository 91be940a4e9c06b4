package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/quorum/pkg/models"
)

type agentSlot struct {
	mu     sync.Mutex
	set    bool
	status models.AgentStatus
}

type interfaceSlot struct {
	mu    sync.Mutex
	set   bool
	iface models.SharedInterface
}

// MemoryStore keeps coordination state in process. The slot maps are guarded
// only for lookup and creation; each key has its own mutex so writers to
// different agents or interfaces never contend.
type MemoryStore struct {
	mu         sync.RWMutex
	runID      string
	agents     map[string]*agentSlot
	interfaces map[string]*interfaceSlot

	globalMu sync.RWMutex
	globals  map[string]json.RawMessage

	eventMu sync.Mutex
	events  []Event
	seq     uint64

	notifier notifier
	closed   atomic.Bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:     make(map[string]*agentSlot),
		interfaces: make(map[string]*interfaceSlot),
		globals:    make(map[string]json.RawMessage),
	}
}

func (m *MemoryStore) agentSlot(id string, create bool) *agentSlot {
	m.mu.RLock()
	s, ok := m.agents[id]
	m.mu.RUnlock()
	if ok || !create {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.agents[id]; !ok {
		s = &agentSlot{}
		m.agents[id] = s
	}
	return s
}

func (m *MemoryStore) interfaceSlot(name string, create bool) *interfaceSlot {
	m.mu.RLock()
	s, ok := m.interfaces[name]
	m.mu.RUnlock()
	if ok || !create {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.interfaces[name]; !ok {
		s = &interfaceSlot{}
		m.interfaces[name] = s
	}
	return s
}

func (m *MemoryStore) record(kind EventKind, key, detail string) {
	m.eventMu.Lock()
	m.seq++
	m.events = append(m.events, Event{Seq: m.seq, Kind: kind, Key: key, Detail: detail, At: time.Now()})
	m.eventMu.Unlock()
	m.notifier.notify()
}

func (m *MemoryStore) check(op, key string) error {
	if m.closed.Load() {
		return storeErr(op, key, ErrClosed)
	}
	return nil
}

// BeginRun implements Store.
func (m *MemoryStore) BeginRun(_ context.Context, runID string) (bool, error) {
	if err := m.check("begin_run", runID); err != nil {
		return false, err
	}
	if runID == "" {
		return false, fmt.Errorf("run id is required")
	}
	m.mu.Lock()
	if m.runID == runID {
		m.mu.Unlock()
		return false, nil
	}
	prev := m.runID
	m.runID = runID
	m.agents = make(map[string]*agentSlot)
	m.interfaces = make(map[string]*interfaceSlot)
	m.mu.Unlock()

	m.globalMu.Lock()
	m.globals = make(map[string]json.RawMessage)
	m.globalMu.Unlock()

	m.record(EventRun, runID, prev)
	return true, nil
}

// RunID implements Store.
func (m *MemoryStore) RunID(_ context.Context) (string, error) {
	if err := m.check("run_id", ""); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runID, nil
}

// UpdateAgentStatus implements Store.
func (m *MemoryStore) UpdateAgentStatus(_ context.Context, st models.AgentStatus) (bool, error) {
	if err := m.check("update_agent_status", st.AgentID); err != nil {
		return false, err
	}
	if st.AgentID == "" {
		return false, fmt.Errorf("agent id is required")
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}

	slot := m.agentSlot(st.AgentID, true)
	slot.mu.Lock()
	if slot.set && st.Timestamp < slot.status.Timestamp {
		slot.mu.Unlock()
		return false, nil
	}
	slot.status = st.Clone()
	slot.set = true
	slot.mu.Unlock()

	m.record(EventAgentStatus, st.AgentID, string(st.Status))
	return true, nil
}

// AgentStatus implements Store.
func (m *MemoryStore) AgentStatus(_ context.Context, agentID string) (models.AgentStatus, error) {
	if err := m.check("agent_status", agentID); err != nil {
		return models.AgentStatus{}, err
	}
	slot := m.agentSlot(agentID, false)
	if slot == nil {
		return models.AgentStatus{}, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if !slot.set {
		return models.AgentStatus{}, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return slot.status.Clone(), nil
}

// AgentStatuses implements Store.
func (m *MemoryStore) AgentStatuses(_ context.Context) ([]models.AgentStatus, error) {
	if err := m.check("agent_statuses", ""); err != nil {
		return nil, err
	}
	m.mu.RLock()
	slots := make([]*agentSlot, 0, len(m.agents))
	for _, s := range m.agents {
		slots = append(slots, s)
	}
	m.mu.RUnlock()

	out := make([]models.AgentStatus, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		if s.set {
			out = append(out, s.status.Clone())
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// RegisterInterface implements Store.
func (m *MemoryStore) RegisterInterface(_ context.Context, iface models.SharedInterface) error {
	if err := m.check("register_interface", iface.Name); err != nil {
		return err
	}
	if iface.Name == "" {
		return fmt.Errorf("interface name is required")
	}
	slot := m.interfaceSlot(iface.Name, true)
	slot.mu.Lock()
	var existing *models.SharedInterface
	if slot.set {
		existing = &slot.iface
	}
	next, changed, err := decideRegistration(existing, iface, time.Now())
	if err != nil {
		slot.mu.Unlock()
		return fmt.Errorf("register %s: %w", iface.Name, err)
	}
	if changed {
		slot.iface = next
		slot.set = true
	}
	slot.mu.Unlock()

	if changed {
		m.record(EventInterface, iface.Name, string(next.Status))
	}
	return nil
}

// Interface implements Store.
func (m *MemoryStore) Interface(_ context.Context, name string) (models.SharedInterface, error) {
	if err := m.check("interface", name); err != nil {
		return models.SharedInterface{}, err
	}
	slot := m.interfaceSlot(name, false)
	if slot == nil {
		return models.SharedInterface{}, fmt.Errorf("interface %s: %w", name, ErrNotFound)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if !slot.set {
		return models.SharedInterface{}, fmt.Errorf("interface %s: %w", name, ErrNotFound)
	}
	return slot.iface.Clone(), nil
}

// Interfaces implements Store.
func (m *MemoryStore) Interfaces(_ context.Context) ([]models.SharedInterface, error) {
	if err := m.check("interfaces", ""); err != nil {
		return nil, err
	}
	m.mu.RLock()
	slots := make([]*interfaceSlot, 0, len(m.interfaces))
	for _, s := range m.interfaces {
		slots = append(slots, s)
	}
	m.mu.RUnlock()

	out := make([]models.SharedInterface, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		if s.set {
			out = append(out, s.iface.Clone())
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// AddConsumer implements Store.
func (m *MemoryStore) AddConsumer(_ context.Context, name, agentID string) error {
	if err := m.check("add_consumer", name); err != nil {
		return err
	}
	slot := m.interfaceSlot(name, false)
	if slot == nil {
		return fmt.Errorf("interface %s: %w", name, ErrNotFound)
	}
	slot.mu.Lock()
	if !slot.set {
		slot.mu.Unlock()
		return fmt.Errorf("interface %s: %w", name, ErrNotFound)
	}
	for _, c := range slot.iface.Consumers {
		if c == agentID {
			slot.mu.Unlock()
			return nil
		}
	}
	slot.iface.Consumers = mergeConsumers(slot.iface.Consumers, []string{agentID})
	slot.mu.Unlock()

	m.record(EventInterface, name, "consumer "+agentID)
	return nil
}

// CheckDependencies implements Store.
func (m *MemoryStore) CheckDependencies(_ context.Context, agentID string, names []string) (map[string]bool, error) {
	if err := m.check("check_dependencies", agentID); err != nil {
		return nil, err
	}
	statuses := make(map[string]models.InterfaceStatus, len(names))
	for _, n := range names {
		slot := m.interfaceSlot(n, false)
		if slot == nil {
			continue
		}
		slot.mu.Lock()
		if slot.set {
			statuses[n] = slot.iface.Status
		}
		slot.mu.Unlock()
	}
	return checkDependencies(statuses, names), nil
}

// GetBlockers implements Store.
func (m *MemoryStore) GetBlockers(ctx context.Context) (map[string][]string, error) {
	statuses, err := m.AgentStatuses(ctx)
	if err != nil {
		return nil, err
	}
	ifaces, err := m.Interfaces(ctx)
	if err != nil {
		return nil, err
	}
	return deriveBlockers(statuses, ifaces), nil
}

// SetGlobal implements Store.
func (m *MemoryStore) SetGlobal(_ context.Context, key string, value json.RawMessage) error {
	if err := m.check("set_global", key); err != nil {
		return err
	}
	m.globalMu.Lock()
	m.globals[key] = append(json.RawMessage(nil), value...)
	m.globalMu.Unlock()
	m.record(EventGlobal, key, "")
	return nil
}

// Global implements Store.
func (m *MemoryStore) Global(_ context.Context, key string) (json.RawMessage, error) {
	if err := m.check("global", key); err != nil {
		return nil, err
	}
	m.globalMu.RLock()
	defer m.globalMu.RUnlock()
	v, ok := m.globals[key]
	if !ok {
		return nil, fmt.Errorf("global %s: %w", key, ErrNotFound)
	}
	return append(json.RawMessage(nil), v...), nil
}

// Events implements Store.
func (m *MemoryStore) Events(_ context.Context, since uint64) ([]Event, error) {
	if err := m.check("events", ""); err != nil {
		return nil, err
	}
	m.eventMu.Lock()
	defer m.eventMu.Unlock()
	i := sort.Search(len(m.events), func(i int) bool { return m.events[i].Seq > since })
	return append([]Event(nil), m.events[i:]...), nil
}

// Summary implements Store.
func (m *MemoryStore) Summary(ctx context.Context) (Summary, error) {
	statuses, err := m.AgentStatuses(ctx)
	if err != nil {
		return Summary{}, err
	}
	ifaces, err := m.Interfaces(ctx)
	if err != nil {
		return Summary{}, err
	}
	return summarize(statuses, ifaces), nil
}

// Subscribe implements Store.
func (m *MemoryStore) Subscribe() (<-chan struct{}, func()) {
	return m.notifier.subscribe()
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		m.notifier.closeAll()
	}
	return nil
}
