package agentloop

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerm/edgerm/internal/transport"
	"github.com/edgerm/edgerm/internal/wire"
)

type fakeProbe struct{}

func (fakeProbe) Sample(ctx context.Context) ([]wire.Resource, error) {
	return []wire.Resource{{Name: "cpus", Kind: wire.ResourceScalar, Scalar: 2}}, nil
}

type fakeRuntime struct {
	mu           sync.Mutex
	ran          []string
	statBecomes  wire.TaskState
}

func (f *fakeRuntime) EnsureImage(ctx context.Context, image string) error { return nil }

func (f *fakeRuntime) Run(ctx context.Context, task wire.TaskInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, task.TaskID)
	return nil
}

func (f *fakeRuntime) Status(ctx context.Context, taskID string) (wire.TaskState, string, error) {
	return f.stateBecomes(), "", nil
}

func (f *fakeRuntime) stateBecomes() wire.TaskState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statBecomes
}

func (f *fakeRuntime) Kill(ctx context.Context, taskID string) error { return nil }

func TestTickDispatchesRunTaskFromPong(t *testing.T) {
	srv, err := transport.Listen("127.0.0.1:0", zerolog.Nop())
	require.NoError(t, err)
	defer srv.Close()

	var pingsSeen int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Serve(ctx, func(_ net.Addr, env wire.Envelope) (*wire.Envelope, error) {
		n := atomic.AddInt32(&pingsSeen, 1)
		require.NotNil(t, env.Ping)
		if n == 1 {
			return &wire.Envelope{Pong: &wire.Pong{
				AgentID: env.Ping.Agent.ID,
				RunTask: &wire.TaskInfo{TaskID: "t1", AgentID: env.Ping.Agent.ID, Container: wire.ContainerSpec{Kind: wire.ContainerDocker, Image: "nginx"}},
			}}, nil
		}
		return &wire.Envelope{Pong: &wire.Pong{AgentID: env.Ping.Agent.ID}}, nil
	})

	client, err := transport.NewClient(srv.Addr().String())
	require.NoError(t, err)

	rt := &fakeRuntime{statBecomes: wire.TaskRunning}
	agent := New("agent-1", "host-a", client, fakeProbe{}, rt, 5000, zerolog.Nop())

	agent.tick(context.Background())

	rt.mu.Lock()
	ran := append([]string(nil), rt.ran...)
	rt.mu.Unlock()
	require.Equal(t, []string{"t1"}, ran)
	assert.Equal(t, wire.TaskRunning, agent.tasks["t1"].State)
}

func TestDispatchDoesNotRerunAlreadyIssuedTask(t *testing.T) {
	rt := &fakeRuntime{statBecomes: wire.TaskRunning}
	agent := New("agent-1", "host-a", nil, fakeProbe{}, rt, 5000, zerolog.Nop())
	agent.tasks["t1"] = wire.TaskInfo{TaskID: "t1", State: wire.TaskRunning}

	agent.dispatch(context.Background(), wire.TaskInfo{TaskID: "t1"})

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Empty(t, rt.ran)
}

func TestDispatchSkipsUnsupportedContainerKind(t *testing.T) {
	rt := &fakeRuntime{statBecomes: wire.TaskRunning}
	agent := New("agent-1", "host-a", nil, fakeProbe{}, rt, 5000, zerolog.Nop())

	agent.dispatch(context.Background(), wire.TaskInfo{TaskID: "t1", Container: wire.ContainerSpec{Kind: wire.ContainerKind(99)}})

	_, ok := agent.tasks["t1"]
	assert.False(t, ok, "a task with an unsupported container kind must never enter the local task table")

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Empty(t, rt.ran, "the runtime must never be asked to run an unsupported container kind")
}

func TestDeriveIDIsStableAcrossCalls(t *testing.T) {
	id1, err := DeriveID("host-a")
	require.NoError(t, err)
	id2, err := DeriveID("host-a")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.NotEmpty(t, id1)
}

func TestResolveHostFallsBackToLiteralOnFailure(t *testing.T) {
	got := ResolveHost("this-host-does-not-exist.invalid")
	assert.Equal(t, "this-host-does-not-exist.invalid", got)
}

func TestReconcileMarksErroredTask(t *testing.T) {
	rt := &fakeRuntime{statBecomes: wire.TaskErrored}
	agent := New("agent-1", "host-a", nil, fakeProbe{}, rt, 5000, zerolog.Nop())
	agent.tasks["t1"] = wire.TaskInfo{TaskID: "t1", State: wire.TaskRunning}

	agent.reconcile(context.Background())

	assert.Equal(t, wire.TaskErrored, agent.tasks["t1"].State)
}
