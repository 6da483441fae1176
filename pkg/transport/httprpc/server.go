package httprpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"github.com/psantana5/workerlink/pkg/logging"
)

// HandlerFunc is one remotely callable procedure. Args arrive as raw
// JSON in call order. A returned error is delivered to the caller as an
// error-shaped value, not as a transport failure.
type HandlerFunc func(args []json.RawMessage) (interface{}, error)

// Server is the worker-side RPC endpoint. Workers register their
// procedures on it and serve the router; the supervisor probes
// node:name for identity confirmation, polls /healthz for liveness and
// calls node:stop as the graceful supervisory endpoint.
type Server struct {
	node   string // node reference this worker identifies as
	router *mux.Router
	logger *logging.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	stopOnce sync.Once
	stopFn   func()
}

// NewServer creates a worker RPC server identifying as node.
func NewServer(node string, logger *logging.Logger) *Server {
	s := &Server{
		node:     node,
		router:   mux.NewRouter(),
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
	}

	s.router.HandleFunc("/rpc", s.handleRPC).Methods("POST")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	// Built-in supervisory procedures
	s.Handle("node", "name", func([]json.RawMessage) (interface{}, error) {
		return s.node, nil
	})
	s.Handle("node", "stop", func([]json.RawMessage) (interface{}, error) {
		s.stopOnce.Do(func() {
			if s.stopFn != nil {
				go s.stopFn()
			}
		})
		return "stopping", nil
	})

	return s
}

// OnStop sets the callback run when the supervisor requests a graceful
// stop. Called at most once, from its own goroutine so the reply can be
// delivered first.
func (s *Server) OnStop(fn func()) {
	s.stopFn = fn
}

// Handle registers a procedure under module:function.
func (s *Server) Handle(module, function string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[module+":"+function] = h
}

// Router exposes the underlying router for mounting or serving.
func (s *Server) Router() *mux.Router {
	return s.router
}

// ListenAndServe serves the RPC endpoint on addr. Blocks.
func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("rpc endpoint listening", map[string]interface{}{
		"node": s.node,
		"addr": addr,
	})
	return http.ListenAndServe(addr, s.router)
}

// serverRequest mirrors the client's callRequest with raw args.
type serverRequest struct {
	Module   string            `json:"module"`
	Function string            `json:"function"`
	Args     []json.RawMessage `json:"args"`
}

// errorValue is the error-shaped payload a failing procedure returns.
// It travels back as an ordinary value; the bridge does not inspect it.
type errorValue struct {
	Error string `json:"error"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("malformed request: %v", err), http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	h, ok := s.handlers[req.Module+":"+req.Function]
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")

	if !ok {
		// Unknown procedure is a worker-level answer, not a transport
		// failure: the caller gets an error-shaped value.
		json.NewEncoder(w).Encode(errorValue{Error: fmt.Sprintf("undefined procedure %s:%s", req.Module, req.Function)})
		return
	}

	result, err := h(req.Args)
	if err != nil {
		json.NewEncoder(w).Encode(errorValue{Error: err.Error()})
		return
	}
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"node":   s.node,
	})
}
