// Package agentloop is the agent's control loop: derive a stable agent
// id, sample the host, report on owned tasks, ping the master at the
// configured rate, and run whatever task the master piggybacks on the
// pong. Grounded in agent/python/agent.py's ping loop, translated from a
// blocking CoAP client into a cooperative, single-goroutine Go loop —
// the agent has no other concurrent writer of its local task table, so
// that table stays deliberately unlocked (spec.md §5).
package agentloop

import (
	"context"
	"crypto/md5"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgerm/edgerm/internal/hostprobe"
	"github.com/edgerm/edgerm/internal/metrics"
	"github.com/edgerm/edgerm/internal/runtime"
	"github.com/edgerm/edgerm/internal/transport"
	"github.com/edgerm/edgerm/internal/wire"
)

// defaultPingRateMs is advertised to the master when the agent has no
// stronger opinion; it is also the floor db.py's reaper falls back to.
const defaultPingRateMs = 5000

// roundTripTimeout bounds every ping; a timeout never mutates local
// state, it just means this cycle reports nothing and tries again next
// tick (spec.md §5).
const roundTripTimeout = 2 * time.Second

// DeriveID builds a stable agent id from the host's first non-loopback
// MAC address and its hostname, hashed together the same way the
// teacher's scheduler derives container ids from job/task identity
// (crypto/md5 over a stable encoding) rather than trusting a
// possibly-reused hostname alone.
func DeriveID(hostname string) (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("agentloop: list interfaces: %w", err)
	}

	var mac string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		mac = iface.HardwareAddr.String()
		break
	}

	h := md5.New()
	fmt.Fprintf(h, "%s:%s", hostname, mac)
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// ResolveHost resolves host to an IP address the way agent.py's
// socket.gethostbyname does, silently falling back to the literal string
// if resolution fails — spec.md §6 names DNS resolution but the original
// shows the fallback is deliberate, not an oversight.
func ResolveHost(host string) string {
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return host
	}
	return addrs[0]
}

// Agent runs the ping/dispatch/reconcile loop against one master.
type Agent struct {
	id         string
	name       string
	client     *transport.Client
	probe      hostprobe.Probe
	runtime    runtime.Runtime
	pingRateMs uint32
	log        zerolog.Logger

	// tasks is this agent's own view of the containers it owns, indexed
	// by task id. It is read and written only from Run's goroutine.
	tasks map[string]wire.TaskInfo
}

// New builds an Agent. pingRateMs of 0 is normalized to
// defaultPingRateMs.
func New(id, name string, client *transport.Client, probe hostprobe.Probe, rt runtime.Runtime, pingRateMs uint32, log zerolog.Logger) *Agent {
	if pingRateMs == 0 {
		pingRateMs = defaultPingRateMs
	}
	return &Agent{
		id: id, name: name,
		client: client, probe: probe, runtime: rt,
		pingRateMs: pingRateMs,
		log:        log,
		tasks:      map[string]wire.TaskInfo{},
	}
}

// Run pings at pingRateMs until ctx is cancelled. Transport failures are
// logged and tolerated: the next tick simply tries again, exactly as
// spec.md §7 requires ("logged, no mutation, retried next cycle").
func (a *Agent) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(a.pingRateMs) * time.Millisecond)
	defer ticker.Stop()

	a.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single reconcile/sample/ping/dispatch cycle. Run
// calls this on every tick; tests and the integration suite call it
// directly to drive the loop deterministically instead of waiting on a
// timer.
func (a *Agent) RunOnce(ctx context.Context) {
	a.tick(ctx)
}

func (a *Agent) tick(ctx context.Context) {
	a.reconcile(ctx)

	resources, err := a.probe.Sample(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("agentloop: host sample failed")
		resources = nil
	}

	ping := wire.Ping{
		Agent: wire.AgentInfo{
			ID:         a.id,
			Name:       a.name,
			PingRateMs: a.pingRateMs,
			Resources:  resources,
		},
		Tasks: a.reportedTasks(),
	}

	metrics.PingsSent.Inc()
	reply, err := a.client.RoundTrip(ctx, wire.Envelope{Ping: &ping}, roundTripTimeout)
	if err != nil {
		metrics.PingFailures.Inc()
		a.log.Warn().Err(err).Msg("agentloop: ping failed")
		return
	}
	if reply.Pong == nil {
		a.log.Warn().Msg("agentloop: reply carried no pong")
		return
	}
	if reply.Pong.RunTask != nil {
		a.dispatch(ctx, *reply.Pong.RunTask)
	}
}

// reconcile refreshes this agent's view of every owned task's state by
// asking the runtime, before the next ping reports it upstream.
func (a *Agent) reconcile(ctx context.Context) {
	for id, task := range a.tasks {
		if task.State.IsTerminal() {
			continue
		}
		state, errMsg, err := a.runtime.Status(ctx, id)
		if err != nil {
			a.log.Warn().Err(err).Str("task", id).Msg("agentloop: status check failed")
			continue
		}
		task.State = state
		task.ErrorMessage = errMsg
		a.tasks[id] = task
		if state == wire.TaskErrored {
			metrics.TasksErrored.Inc()
		}
	}
}

func (a *Agent) reportedTasks() []wire.TaskInfo {
	out := make([]wire.TaskInfo, 0, len(a.tasks))
	for _, t := range a.tasks {
		out = append(out, t)
	}
	return out
}

// dispatch runs a task handed back on the pong. A container kind this
// agent's runtime doesn't support is acknowledged by receipt alone: it is
// never inserted into the local task table and never reaches the
// runtime, so its state simply remains whatever was last reported for it
// (spec.md §7) rather than being driven into STARTING and then ERRORED.
func (a *Agent) dispatch(ctx context.Context, task wire.TaskInfo) {
	log := a.log.With().Str("task", task.TaskID).Logger()

	if task.Container.Kind != wire.ContainerDocker {
		log.Warn().Int("kind", int(task.Container.Kind)).Msg("agentloop: unsupported container kind, acknowledging without running")
		return
	}

	if existing, ok := a.tasks[task.TaskID]; ok && existing.State != wire.TaskUnissued {
		log.Debug().Msg("agentloop: task already issued locally, ignoring duplicate dispatch")
		return
	}

	task.State = wire.TaskStarting
	a.tasks[task.TaskID] = task
	metrics.TasksRun.Inc()

	if err := a.runtime.EnsureImage(ctx, task.Container.Image); err != nil {
		log.Error().Err(err).Msg("agentloop: failed to ensure image")
		task.State = wire.TaskErrored
		task.ErrorMessage = err.Error()
		a.tasks[task.TaskID] = task
		metrics.TasksErrored.Inc()
		return
	}

	if err := a.runtime.Run(ctx, task); err != nil {
		log.Error().Err(err).Msg("agentloop: failed to run container")
		task.State = wire.TaskErrored
		task.ErrorMessage = err.Error()
		a.tasks[task.TaskID] = task
		metrics.TasksErrored.Inc()
		return
	}

	task.State = wire.TaskRunning
	a.tasks[task.TaskID] = task
}
