// Package api exposes the supervisor set over HTTP for the CLI and
// other host tooling.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/psantana5/workerlink/pkg/logging"
	"github.com/psantana5/workerlink/pkg/metrics"
	"github.com/psantana5/workerlink/pkg/models"
	"github.com/psantana5/workerlink/pkg/supervisor"
	"github.com/psantana5/workerlink/pkg/transport"
)

// Handler handles control-plane API requests.
type Handler struct {
	manager *supervisor.Manager
	metrics *metrics.Collector
	logger  *logging.Logger
}

// NewHandler creates a control-plane handler.
func NewHandler(m *supervisor.Manager, collector *metrics.Collector, logger *logging.Logger) *Handler {
	return &Handler{
		manager: m,
		metrics: collector,
		logger:  logger,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/workers", h.ListWorkers).Methods("GET")
	r.HandleFunc("/workers/{id}/start", h.StartWorker).Methods("POST")
	r.HandleFunc("/workers/{id}/call", h.CallWorker).Methods("POST")
	r.HandleFunc("/workers/{id}/stop", h.StopWorker).Methods("POST")
	r.HandleFunc("/health", h.Health).Methods("GET")
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods("GET")
	}
}

// WorkerInfo is the wire form of one supervisor's status.
type WorkerInfo struct {
	Identity string `json:"identity"`
	Phase    string `json:"phase"`
	Node     string `json:"node,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// WorkerListResponse is the response for GET /workers.
type WorkerListResponse struct {
	Workers []WorkerInfo `json:"workers"`
	Count   int          `json:"count"`
}

// CallRequest is the body for POST /workers/{id}/call.
type CallRequest struct {
	Module    string        `json:"module"`
	Function  string        `json:"function"`
	Args      []interface{} `json:"args"`
	TimeoutMs int64         `json:"timeout_ms,omitempty"`
}

// CallResponse wraps a successful call result.
type CallResponse struct {
	Result json.RawMessage `json:"result"`
}

func workerInfo(sup *supervisor.Supervisor) WorkerInfo {
	info := WorkerInfo{
		Identity: string(sup.Identity()),
		Phase:    string(sup.Phase()),
		Reason:   string(sup.StopReason()),
	}
	if ref := sup.NodeRef(); !ref.IsZero() {
		info.Node = ref.String()
	}
	return info
}

// ListWorkers handles GET /workers.
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	sups := h.manager.List()
	resp := WorkerListResponse{Workers: make([]WorkerInfo, 0, len(sups)), Count: len(sups)}
	for _, sup := range sups {
		resp.Workers = append(resp.Workers, workerInfo(sup))
	}
	writeJSON(w, http.StatusOK, resp)
}

// StartWorker handles POST /workers/{id}/start.
func (h *Handler) StartWorker(w http.ResponseWriter, r *http.Request) {
	identity := models.Identity(mux.Vars(r)["id"])

	if err := h.manager.Start(r.Context(), identity); err != nil {
		h.logger.Error("start failed", map[string]interface{}{
			"worker": string(identity),
			"error":  err.Error(),
		})
		writeError(w, startStatus(err), err)
		return
	}

	sup, _ := h.manager.Get(identity)
	writeJSON(w, http.StatusCreated, workerInfo(sup))
}

// CallWorker handles POST /workers/{id}/call.
func (h *Handler) CallWorker(w http.ResponseWriter, r *http.Request) {
	identity := models.Identity(mux.Vars(r)["id"])

	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed call request: %w", err))
		return
	}
	if req.Module == "" || req.Function == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("module and function are required"))
		return
	}

	requestID := uuid.New().String()
	h.logger.Debug("forwarding call", map[string]interface{}{
		"request_id": requestID,
		"worker":     string(identity),
		"procedure":  req.Module + ":" + req.Function,
	})

	result, err := h.manager.Call(r.Context(), identity, req.Module, req.Function, req.Args,
		time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, models.ErrNotReady) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}

	writeJSON(w, http.StatusOK, CallResponse{Result: result})
}

// StopWorker handles POST /workers/{id}/stop.
func (h *Handler) StopWorker(w http.ResponseWriter, r *http.Request) {
	identity := models.Identity(mux.Vars(r)["id"])
	if err := h.manager.Stop(identity); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func startStatus(err error) int {
	var terr *transport.Error
	switch {
	case errors.Is(err, models.ErrNotLoaded):
		return http.StatusNotFound
	case errors.Is(err, models.ErrStartupTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &terr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
