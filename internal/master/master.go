// Package master implements the control-plane side of the protocol: the
// ping handler that folds agent state and dispatches tasks, the offer
// handler frameworks poll, the task submission handler, and the reaper
// that evicts agents past their liveness window. Each handler is grounded
// in one of master/python/master.py's CoAP resources (PingResource,
// RequestOfferResource, RunTaskResource) but the protocol here is the
// binary wire.Envelope rather than CoAP+JSON.
package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgerm/edgerm/internal/metrics"
	"github.com/edgerm/edgerm/internal/store"
	"github.com/edgerm/edgerm/internal/wire"
)

// Master dispatches decoded envelopes to the right handler and owns the
// store they all operate on.
type Master struct {
	store *store.Store
	log   zerolog.Logger
}

// New returns a Master operating on s.
func New(s *store.Store, log zerolog.Logger) *Master {
	return &Master{store: s, log: log}
}

// Store exposes the underlying store, read-only callers such as the HTTP
// API use this instead of duplicating state.
func (m *Master) Store() *store.Store { return m.store }

// HandleEnvelope implements transport.Handler: it routes an inbound
// envelope to the matching handler by payload variant. An envelope with
// no recognized variant is treated the way spec.md §7 treats any
// malformed message — logged and dropped, never a crash.
func (m *Master) HandleEnvelope(from net.Addr, env wire.Envelope) (*wire.Envelope, error) {
	switch {
	case env.Ping != nil:
		return m.handlePing(env.Ping)
	case env.RequestOffers != nil:
		return m.handleRequestOffers(env.RequestOffers)
	case env.RunTask != nil:
		return m.handleRunTask(env.RunTask)
	default:
		m.log.Debug().Str("from", from.String()).Msg("master: envelope carries no recognized payload, dropping")
		return nil, nil
	}
}

// handlePing refreshes the sending agent's advertisement and its tasks'
// reported states, then hands back at most one UNISSUED task for that
// agent — the same piggyback dispatch master.py's PingResource performs
// via get_next_unissued_task_by_agent, but atomic.
func (m *Master) handlePing(p *wire.Ping) (*wire.Envelope, error) {
	metrics.PingsReceived.Inc()

	if p.Agent.ID == "" {
		return nil, fmt.Errorf("master: ping carries no agent id")
	}

	if _, err := m.store.RefreshAgent(p.Agent); err != nil {
		return nil, fmt.Errorf("master: refresh agent: %w", err)
	}
	if err := m.store.RefreshTaskStates(p.Agent.ID, p.Tasks); err != nil {
		return nil, fmt.Errorf("master: refresh task states: %w", err)
	}

	metrics.KnownAgents.Set(float64(len(m.store.ListAgents())))

	pong := &wire.Pong{AgentID: p.Agent.ID}
	if task, ok := m.store.NextUnissuedForAgent(p.Agent.ID); ok {
		pong.RunTask = &task
		metrics.TasksDispatched.Inc()
	}

	return &wire.Envelope{Pong: pong}, nil
}

// handleRequestOffers reaps stale agents — spec.md §4.6 requires the
// reaper run at least on every offer request — then snapshots every
// live agent's resources into one offer apiece.
func (m *Master) handleRequestOffers(r *wire.RequestOffers) (*wire.Envelope, error) {
	if reaped := m.store.ReapStaleAgents(); len(reaped) > 0 {
		metrics.AgentsReaped.Add(float64(len(reaped)))
		m.log.Info().Strs("agents", reaped).Msg("master: reaped stale agents")
	}

	offers := m.store.Offers(r.FrameworkID)
	metrics.OffersServed.Add(float64(len(offers)))

	return &wire.Envelope{Offers: &wire.Offers{FrameworkID: r.FrameworkID, Offers: offers}}, nil
}

// handleRunTask accepts a framework's placement decision. A resubmission
// of an already-terminal task id is acknowledged rather than rejected —
// it's not a new task, so the ack is for the task that already exists —
// but it does not reopen or resurrect the task's state.
func (m *Master) handleRunTask(rt *wire.RunTask) (*wire.Envelope, error) {
	err := m.store.AddTask(rt.Task)
	switch {
	case err == nil:
		metrics.TasksSubmitted.Inc()
	case errors.Is(err, store.ErrTaskNotUnissued):
		m.log.Debug().Str("task", rt.Task.TaskID).Msg("master: ignoring resubmission of a task that has already left UNISSUED")
	default:
		return nil, fmt.Errorf("master: add task: %w", err)
	}

	return &wire.Envelope{TaskAck: &wire.TaskAck{TaskID: rt.Task.TaskID}}, nil
}

// Reaper periodically sweeps the store for agents past their liveness
// window, independent of offer traffic, so a cluster with no active
// frameworks still converges on an accurate agent list.
type Reaper struct {
	store *store.Store
	log   zerolog.Logger
}

// NewReaper returns a Reaper bound to s.
func NewReaper(s *store.Store, log zerolog.Logger) *Reaper {
	return &Reaper{store: s, log: log}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reaped := r.store.ReapStaleAgents(); len(reaped) > 0 {
				metrics.AgentsReaped.Add(float64(len(reaped)))
				r.log.Info().Strs("agents", reaped).Msg("master: reaped stale agents")
			}
		}
	}
}
