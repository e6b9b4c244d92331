package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerm/edgerm/internal/wire"
)

// fakeClock lets tests advance time deterministically rather than racing
// the wall clock.
type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += ms
}

func newTestStore() (*Store, *fakeClock) {
	clock := &fakeClock{now: 1_000_000}
	return New(clock.Now), clock
}

func TestRefreshAgentUpsertsWholesale(t *testing.T) {
	s, _ := newTestStore()

	_, err := s.RefreshAgent(wire.AgentInfo{ID: "a1", Name: "host-a", PingRateMs: 5000,
		Resources: []wire.Resource{{Name: "cpus", Kind: wire.ResourceScalar, Scalar: 2}}})
	require.NoError(t, err)

	// A later ping with fewer resources must fully replace, not merge.
	rec, err := s.RefreshAgent(wire.AgentInfo{ID: "a1", Name: "host-a", PingRateMs: 5000})
	require.NoError(t, err)
	assert.Empty(t, rec.Resources)

	agents := s.ListAgents()
	require.Len(t, agents, 1)
	assert.Empty(t, agents[0].Resources)
}

func TestRefreshAgentRejectsEmptyID(t *testing.T) {
	s, _ := newTestStore()
	_, err := s.RefreshAgent(wire.AgentInfo{})
	assert.ErrorIs(t, err, ErrEmptyAgentID)
}

func TestAddTaskStartsUnissued(t *testing.T) {
	s, _ := newTestStore()

	err := s.AddTask(wire.TaskInfo{TaskID: "t1", FrameworkID: "fw1", FrameworkName: "marathon", AgentID: "a1"})
	require.NoError(t, err)

	tasks := s.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, wire.TaskUnissued, tasks[0].State)

	frameworks := s.ListFrameworks()
	require.Len(t, frameworks, 1)
	assert.Equal(t, "fw1", frameworks[0].ID)
}

func TestAddTaskDoesNotResurrectTerminalTask(t *testing.T) {
	s, _ := newTestStore()

	require.NoError(t, s.AddTask(wire.TaskInfo{TaskID: "t1", AgentID: "a1"}))
	require.NoError(t, s.RefreshTaskStates("a1", []wire.TaskInfo{{TaskID: "t1", State: wire.TaskCompleted}}))

	err := s.AddTask(wire.TaskInfo{TaskID: "t1", AgentID: "a1"})
	assert.ErrorIs(t, err, ErrTaskNotUnissued)

	tasks := s.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, wire.TaskCompleted, tasks[0].State)
}

func TestAddTaskDoesNotResetIssuedTask(t *testing.T) {
	s, _ := newTestStore()

	require.NoError(t, s.AddTask(wire.TaskInfo{TaskID: "t1", AgentID: "a1"}))
	task, ok := s.NextUnissuedForAgent("a1")
	require.True(t, ok)
	require.Equal(t, "t1", task.TaskID)

	// A framework retrying the same submission while the task is already
	// ISSUED must not reset it back to UNISSUED — otherwise a later
	// NextUnissuedForAgent call could dispatch it a second time.
	err := s.AddTask(wire.TaskInfo{TaskID: "t1", AgentID: "a1"})
	assert.ErrorIs(t, err, ErrTaskNotUnissued)

	tasks := s.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, wire.TaskIssued, tasks[0].State)

	_, ok = s.NextUnissuedForAgent("a1")
	assert.False(t, ok, "a task reset to UNISSUED would be dispatched twice")
}

func TestAddTaskRejectsEmptyID(t *testing.T) {
	s, _ := newTestStore()
	err := s.AddTask(wire.TaskInfo{})
	assert.ErrorIs(t, err, ErrEmptyTaskID)
}

func TestRefreshTaskStatesIgnoresUnissuedRegression(t *testing.T) {
	s, _ := newTestStore()

	require.NoError(t, s.AddTask(wire.TaskInfo{TaskID: "t1", AgentID: "a1"}))
	require.NoError(t, s.RefreshTaskStates("a1", []wire.TaskInfo{{TaskID: "t1", State: wire.TaskRunning}}))
	// An agent that hasn't polled the task's latest outcome yet reports
	// it back as UNISSUED (its own stale local copy); that must not
	// regress the store's RUNNING record.
	require.NoError(t, s.RefreshTaskStates("a1", []wire.TaskInfo{{TaskID: "t1", State: wire.TaskUnissued}}))

	tasks := s.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, wire.TaskRunning, tasks[0].State)
}

func TestRefreshTaskStatesInsertsUnknownTask(t *testing.T) {
	s, _ := newTestStore()

	require.NoError(t, s.RefreshTaskStates("a1", []wire.TaskInfo{{TaskID: "t1", AgentID: "a1", State: wire.TaskRunning}}))

	tasks := s.ListTasksByAgent("a1")
	require.Len(t, tasks, 1)
	assert.Equal(t, wire.TaskRunning, tasks[0].State)
}

func TestNextUnissuedForAgentIsAtMostOnce(t *testing.T) {
	s, _ := newTestStore()

	require.NoError(t, s.AddTask(wire.TaskInfo{TaskID: "t1", AgentID: "a1"}))

	task, ok := s.NextUnissuedForAgent("a1")
	require.True(t, ok)
	assert.Equal(t, "t1", task.TaskID)

	_, ok = s.NextUnissuedForAgent("a1")
	assert.False(t, ok, "a task must never be issued twice")
}

func TestNextUnissuedForAgentConcurrentCallersNeverDuplicate(t *testing.T) {
	s, _ := newTestStore()

	for i := 0; i < 50; i++ {
		require.NoError(t, s.AddTask(wire.TaskInfo{TaskID: taskID(i), AgentID: "a1"}))
	}

	seen := make(chan string, 200)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, ok := s.NextUnissuedForAgent("a1")
				if !ok {
					return
				}
				seen <- task.TaskID
			}
		}()
	}
	wg.Wait()
	close(seen)

	counts := map[string]int{}
	for id := range seen {
		counts[id]++
	}
	assert.Len(t, counts, 50)
	for id, n := range counts {
		assert.Equalf(t, 1, n, "task %s issued %d times", id, n)
	}
}

func taskID(i int) string {
	const letters = "0123456789abcdefghijklmnopqrstuvwxyz"
	return "t-" + string(letters[i%len(letters)]) + string(rune('a'+i/len(letters)))
}

func TestOffersSnapshotNeverStoredAndUnreserved(t *testing.T) {
	s, _ := newTestStore()

	_, err := s.RefreshAgent(wire.AgentInfo{ID: "a1", Resources: []wire.Resource{{Name: "cpus", Kind: wire.ResourceScalar, Scalar: 4}}})
	require.NoError(t, err)

	first := s.Offers("fw1")
	second := s.Offers("fw1")
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].OfferID, second[0].OfferID, "every offer call mints a fresh id")
	assert.Equal(t, first[0].Resources, second[0].Resources, "offering never reserves or mutates agent resources")
}

func TestReapStaleAgentsUsesPerAgentPingRate(t *testing.T) {
	s, clock := newTestStore()

	_, err := s.RefreshAgent(wire.AgentInfo{ID: "fast", PingRateMs: 1000})
	require.NoError(t, err)
	_, err = s.RefreshAgent(wire.AgentInfo{ID: "slow", PingRateMs: 9000})
	require.NoError(t, err)

	// fast's window is max(1000,5000)*2 = 10000ms; slow's is 9000*2=18000ms.
	clock.Advance(12000)

	reaped := s.ReapStaleAgents()
	assert.Equal(t, []string{"fast"}, reaped)

	agents := s.ListAgents()
	require.Len(t, agents, 1)
	assert.Equal(t, "slow", agents[0].ID)
}

func TestReapStaleAgentsDefaultsRateFloor(t *testing.T) {
	s, clock := newTestStore()

	// PingRateMs 0 falls back to the 5000ms floor, exactly as db.py's
	// `agent.ping_rate or 5000` does.
	_, err := s.RefreshAgent(wire.AgentInfo{ID: "a1", PingRateMs: 0})
	require.NoError(t, err)

	clock.Advance(9999)
	assert.Empty(t, s.ReapStaleAgents())

	clock.Advance(2)
	assert.Equal(t, []string{"a1"}, s.ReapStaleAgents())
}
