package masterhttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/markus-barta/edgefleet/internal/master"
	"github.com/markus-barta/edgefleet/internal/store"
)

type nodeView struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	IP            string  `json:"ip"`
	Status        string  `json:"status"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemPercent    float64 `json:"mem_percent"`
	LastHeartbeat string  `json:"last_heartbeat"`
	RegisteredAt  string  `json:"registered_at"`
}

func nodeViewFrom(n *store.Node) nodeView {
	return nodeView{
		ID:            n.ID,
		Name:          n.Name,
		IP:            n.IP,
		Status:        n.Status,
		CPUPercent:    n.CPUPercent,
		MemPercent:    n.MemPercent,
		LastHeartbeat: n.LastHeartbeat.UTC().Format(timeLayout),
		RegisteredAt:  n.RegisteredAt.UTC().Format(timeLayout),
	}
}

type executionView struct {
	ID         string  `json:"id"`
	NodeID     string  `json:"node_id"`
	Command    string  `json:"command"`
	Status     string  `json:"status"`
	ExitCode   *int    `json:"exit_code,omitempty"`
	CreatedAt  string  `json:"created_at"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

func executionViewFrom(e *store.Execution) executionView {
	v := executionView{
		ID:        e.ID,
		NodeID:    e.NodeID,
		Command:   e.Command,
		Status:    e.Status,
		ExitCode:  e.ExitCode,
		CreatedAt: e.CreatedAt.UTC().Format(timeLayout),
	}
	if e.FinishedAt != nil {
		formatted := e.FinishedAt.UTC().Format(timeLayout)
		v.FinishedAt = &formatted
	}
	return v
}

type logLineView struct {
	Seq       int64   `json:"seq"`
	Stream    string  `json:"stream"`
	Line      string  `json:"line"`
	Timestamp float64 `json:"timestamp"`
}

func logLineViewFrom(l store.LogLine) logLineView {
	return logLineView{Seq: l.Seq, Stream: l.Stream, Line: l.Line, Timestamp: l.Timestamp}
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.coord.ListNodes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, nodeViewFrom(n))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	node, err := s.coord.GetNode(r.Context(), nodeID)
	if errors.Is(err, master.ErrNodeMissing) {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nodeViewFrom(node))
}

type executeRequest struct {
	NodeID  string `json:"node_id"`
	Command string `json:"command"`
}

type executeResponse struct {
	ExecID string `json:"exec_id"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.NodeID == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, "node_id and command are required")
		return
	}

	execID, err := s.coord.Dispatch(r.Context(), req.NodeID, req.Command)
	switch {
	case errors.Is(err, master.ErrNodeMissing):
		writeError(w, http.StatusNotFound, "node not found")
	case errors.Is(err, master.ErrNodeOffline):
		writeError(w, http.StatusBadRequest, "node is offline")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		executionsDispatchedTotal.Inc()
		writeJSON(w, http.StatusAccepted, executeResponse{ExecID: execID})
	}
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	const defaultLimit = 100
	executions, err := s.coord.ListExecutions(r.Context(), nodeID, defaultLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]executionView, 0, len(executions))
	for _, e := range executions {
		views = append(views, executionViewFrom(e))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetExecutionLogs(w http.ResponseWriter, r *http.Request) {
	execID := chi.URLParam(r, "execID")
	lines, err := s.coord.GetExecutionLogs(r.Context(), execID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]logLineView, 0, len(lines))
	for _, l := range lines {
		views = append(views, logLineViewFrom(l))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleWSGlobal streams node_update/heartbeat events to a viewer
// watching the whole fleet (spec §4.6/§4.7).
func (s *Server) handleWSGlobal(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrad.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	ch := newWSChannel(conn, s.log)
	s.plane.AttachGlobal(ch)

	go ch.writePump()
	ch.readPump(func() { s.plane.DetachGlobal(ch) })
}

// handleWSLogs streams log_line/cmd_done events for one node to a
// viewer watching its live execution output (spec §4.6/§4.7).
func (s *Server) handleWSLogs(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	conn, err := s.upgrad.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	ch := newWSChannel(conn, s.log)
	s.plane.AttachLog(nodeID, ch)

	go ch.writePump()
	ch.readPump(func() { s.plane.DetachLog(nodeID, ch) })
}
