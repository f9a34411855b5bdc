package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/QuotePipe/internal/flow"
	"github.com/BTreeMap/QuotePipe/internal/models"
)

// maxFlowUpload caps the body accepted by the reload endpoint.
const maxFlowUpload = 1 << 20

// SimulateRequest is the body of POST /admin/simulate.
type SimulateRequest struct {
	SessionKey string `json:"session_key"`
	Body       string `json:"body"`
	MessageID  string `json:"message_id,omitempty"`
}

// SimulateResult reports one turn without delivering anything.
type SimulateResult struct {
	Outcome  flow.TurnOutcome  `json:"outcome"`
	Segments []string          `json:"segments"`
	NodeID   string            `json:"node_id,omitempty"`
	Finished bool              `json:"finished"`
	Data     map[string]string `json:"data,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// FlowInfo is the body of GET /admin/flow.
type FlowInfo struct {
	flow.Summary
	Graph []models.FlowNode `json:"graph"`
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	summary := s.engine.Definitions().Summary()
	healthData := map[string]interface{}{
		"status":       "healthy",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"flow_version": summary.Version,
		"flow_nodes":   summary.Nodes,
	}
	statusCode := http.StatusOK
	if summary.Nodes == 0 {
		healthData["status"] = "degraded"
		healthData["error"] = "no flow definition loaded"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, healthData)
}

func (s *Server) flowHandler(w http.ResponseWriter, r *http.Request) {
	defs := s.engine.Definitions()
	writeJSON(w, http.StatusOK, models.Success(FlowInfo{Summary: defs.Summary(), Graph: defs.Nodes()}))
}

// reloadHandler re-reads the flow file, or installs the JSON array posted in the
// body. An invalid definition leaves the active one in place.
func (s *Server) reloadHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxFlowUpload+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}
	if len(raw) > maxFlowUpload {
		writeJSON(w, http.StatusRequestEntityTooLarge, models.Error("Flow definition too large"))
		return
	}

	defs := s.engine.Definitions()
	if len(strings.TrimSpace(string(raw))) == 0 {
		err = defs.Reload()
	} else {
		err = defs.ReloadBytes(raw)
	}
	s.opts.Metrics.Reload(err)
	if err != nil {
		slog.Warn("Server.reloadHandler: reload rejected", "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, flow.ErrInvalidDefinition) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, models.Error(err.Error()))
		return
	}
	summary := defs.Summary()
	slog.Info("Server.reloadHandler: flow reloaded", "version", summary.Version, "nodes", summary.Nodes)
	writeJSON(w, http.StatusOK, models.SuccessWithMessage("Flow reloaded", summary))
}

// simulateHandler runs one engine turn for a test session and returns the reply
// segments instead of sending them.
func (s *Server) simulateHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req SimulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.simulateHandler: failed to decode JSON", "error", err)
		writeJSON(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.SessionKey) == "" {
		writeJSON(w, http.StatusBadRequest, models.Error("Missing required field: session_key"))
		return
	}
	if len(req.Body) > models.MaxInboundBodyLength {
		writeJSON(w, http.StatusBadRequest, models.Error(models.ErrInboundTooLong.Error()))
		return
	}

	res := s.engine.HandleMessage(r.Context(), flow.Inbound{SessionKey: req.SessionKey, Body: req.Body, MessageID: req.MessageID})
	out := SimulateResult{
		Outcome:  res.Outcome,
		Segments: res.Segments,
		NodeID:   res.NodeID,
		Finished: res.Finished,
	}
	if out.Segments == nil {
		out.Segments = []string{}
	}
	if res.Finished {
		out.Data = res.Data.Map()
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, models.Success(out))
}

func (s *Server) leadsHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Leads == nil {
		writeJSON(w, http.StatusNotImplemented, models.Error("Lead storage not configured"))
		return
	}
	limit := DefaultLeadsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = n
	}
	leads, err := s.opts.Leads.ListLeads(r.Context(), limit)
	if err != nil {
		slog.Error("Server.leadsHandler: failed to list leads", "error", err)
		writeJSON(w, http.StatusInternalServerError, models.Error("Failed to list leads"))
		return
	}
	if leads == nil {
		leads = []models.Lead{}
	}
	writeJSON(w, http.StatusOK, models.Success(leads))
}
