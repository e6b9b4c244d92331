package master

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/edgerm/edgerm/internal/wire"
)

// agentView is the JSON projection of a store.AgentRecord: the wire
// shape plus lastPing as milliseconds since the epoch, exactly the field
// name and unit spec.md §6 calls for.
type agentView struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	PingRateMs uint32          `json:"pingRateMs"`
	Resources  []wire.Resource `json:"resources"`
	Attributes []string        `json:"attributes"`
	LastPing   int64           `json:"lastPing"`
}

type frameworkView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NewAPI builds the read-only HTTP JSON API: GET /agents (and /), GET
// /frameworks, GET /tasks. It never accepts writes — task submission and
// pings only happen over the UDP transport.
func NewAPI(m *Master) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", m.handleListAgents)
	r.Get("/agents", m.handleListAgents)
	r.Get("/frameworks", m.handleListFrameworks)
	r.Get("/tasks", m.handleListTasks)

	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m *Master) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := m.store.ListAgents()
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentView{
			ID:         a.ID,
			Name:       a.Name,
			PingRateMs: a.PingRateMs,
			Resources:  a.Resources,
			Attributes: a.Attributes,
			LastPing:   a.LastPingMs,
		})
	}
	writeJSON(w, out)
}

func (m *Master) handleListFrameworks(w http.ResponseWriter, r *http.Request) {
	frameworks := m.store.ListFrameworks()
	out := make([]frameworkView, 0, len(frameworks))
	for _, f := range frameworks {
		out = append(out, frameworkView{ID: f.ID, Name: f.Name})
	}
	writeJSON(w, out)
}

func (m *Master) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, m.store.ListTasks())
}
