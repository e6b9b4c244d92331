// Package store holds the master's entire view of the cluster: every
// agent's last-known advertisement, every task's state, and the set of
// frameworks that have ever submitted one. It is the single encapsulated
// owner of that state — nothing outside this package reaches into it, and
// there is no map shared directly with a caller. Nothing here is
// persisted; a master restart starts from empty.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgerm/edgerm/internal/wire"
)

var (
	// ErrUnknownAgent names the case of an agent the store has never seen
	// a Ping from. No Store method returns it: operations that name an
	// unknown agent id proceed without checking.
	ErrUnknownAgent = errors.New("store: unknown agent")
	// ErrEmptyAgentID is returned by RefreshAgent when the advertisement
	// carries no agent id.
	ErrEmptyAgentID = errors.New("store: empty agent id")
	// ErrEmptyTaskID is returned by AddTask when the submitted task
	// carries no task id.
	ErrEmptyTaskID = errors.New("store: empty task id")
	// ErrTaskNotUnissued is returned by AddTask when a task with the same
	// id already exists and has left UNISSUED — issued, running, or
	// terminal. Re-adding it must preserve its existing state, not reset
	// it back to UNISSUED.
	ErrTaskNotUnissued = errors.New("store: task already left UNISSUED")
)

// AgentRecord is an agent's last-known advertisement plus the store's own
// liveness bookkeeping.
type AgentRecord struct {
	wire.AgentInfo
	LastPingMs int64
}

// staleAfterMs mirrors db.py's clear_stale_agents: threshold = max(ping_rate, 5000) * 2.
func (a AgentRecord) staleAfterMs() int64 {
	rate := int64(a.PingRateMs)
	if rate < 5000 {
		rate = 5000
	}
	return rate * 2
}

// Framework is the set of distinct frameworks that have submitted at least
// one task, keyed by FrameworkID.
type Framework struct {
	ID   string
	Name string
}

// Store is safe for concurrent use. A single RWMutex guards all three
// maps; none of them ever escapes to a caller by reference.
type Store struct {
	mu sync.RWMutex

	now func() int64

	agents     map[string]*AgentRecord
	tasks      map[string]*wire.TaskInfo
	frameworks map[string]*Framework
}

// New returns an empty store. Clock, if non-nil, is used in place of
// time.Now for liveness timestamps; tests pass a deterministic clock.
func New(clock func() int64) *Store {
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}
	return &Store{
		now:        clock,
		agents:     map[string]*AgentRecord{},
		tasks:      map[string]*wire.TaskInfo{},
		frameworks: map[string]*Framework{},
	}
}

// RefreshAgent upserts an agent's advertisement and stamps its last-ping
// time. It never partially applies: the advertisement always replaces the
// prior one wholesale, matching the wire contract that Ping carries the
// agent's full current state, never a delta.
func (s *Store) RefreshAgent(info wire.AgentInfo) (AgentRecord, error) {
	if info.ID == "" {
		return AgentRecord{}, ErrEmptyAgentID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &AgentRecord{AgentInfo: info, LastPingMs: s.now()}
	s.agents[info.ID] = rec
	return *rec, nil
}

// RefreshTaskStates folds the states an agent reports for its own tasks
// back into the store. A reported UNISSUED state is a no-op on an
// existing record — db.py's refresh_tasks only overwrites state and
// error_message when the incoming state is non-zero ("truthy"); an agent
// that hasn't yet observed a task's outcome shouldn't be able to regress
// it. A task id the store has never seen is inserted as-is, so an agent
// reconciling after a master restart can repopulate the store.
func (s *Store) RefreshTaskStates(agentID string, tasks []wire.TaskInfo) error {
	if agentID == "" {
		return ErrEmptyAgentID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, reported := range tasks {
		existing, ok := s.tasks[reported.TaskID]
		if !ok {
			t := reported
			s.tasks[reported.TaskID] = &t
			s.touchFramework(reported.FrameworkID, reported.FrameworkName)
			continue
		}
		if reported.State == wire.TaskUnissued {
			continue
		}
		existing.State = reported.State
		existing.ErrorMessage = reported.ErrorMessage
	}
	return nil
}

// AddTask registers a new task submission from a framework. The task
// always starts UNISSUED, exactly as db.py's add_task does — except that,
// unlike the python original, re-submitting a task id that has already
// left UNISSUED (issued, running, or terminal) is rejected rather than
// silently reset, so a resubmitted task_id can never pass through
// NextUnissuedForAgent a second time.
func (s *Store) AddTask(task wire.TaskInfo) error {
	if task.TaskID == "" {
		return ErrEmptyTaskID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tasks[task.TaskID]; ok && existing.State != wire.TaskUnissued {
		return fmt.Errorf("%w: %s is %s", ErrTaskNotUnissued, task.TaskID, existing.State)
	}

	t := task
	t.State = wire.TaskUnissued
	t.ErrorMessage = ""
	s.tasks[task.TaskID] = &t
	s.touchFramework(task.FrameworkID, task.FrameworkName)
	return nil
}

// touchFramework must be called with s.mu held.
func (s *Store) touchFramework(id, name string) {
	if id == "" {
		return
	}
	if _, ok := s.frameworks[id]; ok {
		return
	}
	s.frameworks[id] = &Framework{ID: id, Name: name}
}

// NextUnissuedForAgent atomically finds and issues at most one UNISSUED
// task destined for agentID, flipping it to ISSUED before returning it.
// Two concurrent callers for the same agent can never both receive the
// same task: the whole find-and-flip happens under one lock acquisition,
// unlike the python original's get_next_unissued_task_by_agent, which
// scans and mutates in separate, unsynchronized steps.
func (s *Store) NextUnissuedForAgent(agentID string) (wire.TaskInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		t := s.tasks[id]
		if t.AgentID == agentID && t.State == wire.TaskUnissued {
			t.State = wire.TaskIssued
			return *t, true
		}
	}
	return wire.TaskInfo{}, false
}

// GetOfferID mints a fresh, globally-unique offer id.
func (s *Store) GetOfferID() string {
	return uuid.NewString()
}

// ListAgents returns a snapshot of every known agent, sorted by id.
func (s *Store) ListAgents() []AgentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AgentRecord, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListTasks returns a snapshot of every known task, sorted by id.
func (s *Store) ListTasks() []wire.TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]wire.TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// ListTasksByAgent returns a snapshot of every task destined for agentID.
func (s *Store) ListTasksByAgent(agentID string) []wire.TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []wire.TaskInfo
	for _, t := range s.tasks {
		if t.AgentID == agentID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// ListFrameworks returns a snapshot of every known framework, sorted by id.
func (s *Store) ListFrameworks() []Framework {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Framework, 0, len(s.frameworks))
	for _, f := range s.frameworks {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Offers builds one offer per live agent, each carrying that agent's
// current resources. Offers are never stored; each call mints fresh
// offer ids and the caller discards them once the response is sent.
func (s *Store) Offers(frameworkID string) []wire.Offer {
	s.mu.RLock()
	agents := make([]*AgentRecord, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	s.mu.RUnlock()

	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })

	out := make([]wire.Offer, 0, len(agents))
	for _, a := range agents {
		out = append(out, wire.Offer{
			OfferID:     s.GetOfferID(),
			FrameworkID: frameworkID,
			AgentID:     a.ID,
			Resources:   a.Resources,
			Attributes:  a.Attributes,
		})
	}
	return out
}

// ReapStaleAgents removes every agent whose last ping is older than its
// own liveness window (§3 invariant 4: max(ping_rate_ms, 5000) * 2) and
// returns the ids removed. It does not touch those agents' tasks: a task
// left pointing at a reaped agent is a liveness fact for the caller to
// act on, not something this store decides.
func (s *Store) ReapStaleAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var reaped []string
	for id, a := range s.agents {
		if now-a.LastPingMs > a.staleAfterMs() {
			reaped = append(reaped, id)
			delete(s.agents, id)
		}
	}
	sort.Strings(reaped)
	return reaped
}
