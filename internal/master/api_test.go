package master

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/edgerm/edgerm/internal/store"
	"github.com/edgerm/edgerm/internal/wire"
)

func TestAPIListAgentsIncludesLastPing(t *testing.T) {
	s := store.New(func() int64 { return 42 })
	m := New(s, zerolog.Nop())
	_, err := s.RefreshAgent(wire.AgentInfo{ID: "a1", Name: "host-a"})
	require.NoError(t, err)

	api := NewAPI(m)

	for _, path := range []string{"/", "/agents"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		api.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, path)
		var agents []agentView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
		require.Len(t, agents, 1)
		require.Equal(t, "a1", agents[0].ID)
		require.EqualValues(t, 42, agents[0].LastPing)
	}
}

func TestAPIListFrameworksAndTasks(t *testing.T) {
	s := store.New(nil)
	m := New(s, zerolog.Nop())
	require.NoError(t, s.AddTask(wire.TaskInfo{TaskID: "t1", FrameworkID: "fw1", FrameworkName: "marathon", AgentID: "a1"}))

	api := NewAPI(m)

	req := httptest.NewRequest(http.MethodGet, "/frameworks", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var frameworks []frameworkView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &frameworks))
	require.Len(t, frameworks, 1)
	require.Equal(t, "fw1", frameworks[0].ID)

	req = httptest.NewRequest(http.MethodGet, "/tasks", nil)
	rec = httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []wire.TaskInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	require.Equal(t, "t1", tasks[0].TaskID)
}
