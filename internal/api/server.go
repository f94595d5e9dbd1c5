// Package api exposes the Orchestrator's verbs over an HTTP API served on
// a Unix domain socket, mirroring the corpus's aegisd route table one
// route per public verb.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/aivahq/aiva/internal/config"
	"github.com/aivahq/aiva/internal/orchestrator"
	"github.com/aivahq/aiva/internal/vmm"
)

// Server is aivad's HTTP API server.
type Server struct {
	cfg  *config.Config
	orch *orchestrator.Orchestrator
	mux  *http.ServeMux
	srv  *http.Server
	ln   net.Listener
}

// NewServer creates a Server wired to orch, with routes registered but not
// yet listening — call Start to begin serving.
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator) *Server {
	s := &Server{cfg: cfg, orch: orch, mux: http.NewServeMux()}
	s.registerRoutes()
	s.srv = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /v1/instances", s.handleInit)
	s.mux.HandleFunc("GET /v1/instances", s.handleStatusAll)
	s.mux.HandleFunc("GET /v1/instances/{name}", s.handleStatus)
	s.mux.HandleFunc("POST /v1/instances/{name}/start", s.handleStart)
	s.mux.HandleFunc("POST /v1/instances/{name}/stop", s.handleStop)
	s.mux.HandleFunc("DELETE /v1/instances/{name}", s.handleDelete)
	s.mux.HandleFunc("POST /v1/instances/{name}/deploy", s.handleDeploy)
	s.mux.HandleFunc("GET /v1/instances/{name}/logs", s.handleLogs)
	s.mux.HandleFunc("POST /v1/instances/{name}/run", s.handleRun)
	s.mux.HandleFunc("GET /v1/instances/{name}/config", s.handleConfigList)
	s.mux.HandleFunc("GET /v1/instances/{name}/config/{key}", s.handleConfigGet)
	s.mux.HandleFunc("PUT /v1/instances/{name}/config/{key}", s.handleConfigSet)
	s.mux.HandleFunc("GET /v1/instances/{name}/data", s.handleDataList)
	s.mux.HandleFunc("POST /v1/instances/{name}/data", s.handleDataSync)
}

// Start removes any stale socket file and begins serving in the background.
func (s *Server) Start() error {
	os.Remove(s.cfg.SocketPath)

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath, err)
	}
	s.ln = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "aivad: api server error: %v\n", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDriverError maps the Orchestrator/driver error kinds of spec.md §7
// onto HTTP status codes.
func writeDriverError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case *vmm.StateConflict, *orchestrator.ConflictError:
		writeError(w, http.StatusConflict, err.Error())
	case *vmm.NoViablePlatform:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type initRequest struct {
	Template string `json:"template,omitempty"`
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	var req initRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
			return
		}
	}

	inst, err := s.orch.Init(r.Context(), name, req.Template)
	if err != nil {
		writeDriverError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

type startRequest struct {
	Overrides map[string]string `json:"overrides,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
			return
		}
	}

	inst, err := s.orch.Start(r.Context(), name, req.Overrides)
	if err != nil {
		writeDriverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	force := r.URL.Query().Get("force") == "true"

	inst, err := s.orch.Stop(r.Context(), name, force)
	if err != nil {
		writeDriverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	force := r.URL.Query().Get("force") == "true"

	if err := s.orch.Delete(r.Context(), name, force); err != nil {
		writeDriverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	res, err := s.orch.Status(r.Context(), name)
	if err != nil {
		writeDriverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.StatusAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type deployRequest struct {
	ImagePath string `json:"image_path"`
	Restart   bool   `json:"restart,omitempty"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.ImagePath == "" {
		writeError(w, http.StatusBadRequest, "image_path is required")
		return
	}

	inst, err := s.orch.Deploy(r.Context(), name, req.ImagePath, req.Restart)
	if err != nil {
		writeDriverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// streamJSON writes one NDJSON-encoded value and flushes, matching the
// corpus's `logs --follow` wire format.
func streamJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')
	w.Write(data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	follow := r.URL.Query().Get("follow") == "1" || r.URL.Query().Get("follow") == "true"
	tail := 0
	if tailStr := r.URL.Query().Get("tail"); tailStr != "" {
		tail, _ = strconv.Atoi(tailStr)
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if !follow {
		for _, e := range s.orch.Logs(name, tail) {
			streamJSON(w, e)
		}
		return
	}

	existing, ch, unsub := s.orch.FollowLogs(name)
	defer unsub()

	for _, e := range existing {
		streamJSON(w, e)
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			streamJSON(w, entry)
		}
	}
}

type runRequest struct {
	CommandLine string `json:"command_line"`
	TimeoutMs   int    `json:"timeout_ms,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.CommandLine == "" {
		writeError(w, http.StatusBadRequest, "command_line is required")
		return
	}
	timeout := 30 * time.Second
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	res, err := s.orch.Run(r.Context(), name, req.CommandLine, timeout)
	if err != nil {
		writeDriverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConfigList(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	entries, err := s.orch.ConfigList(name)
	if err != nil {
		writeDriverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	key := r.PathValue("key")
	value, err := s.orch.ConfigGet(name, key)
	if err != nil {
		writeDriverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

type configSetRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleConfigSet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	key := r.PathValue("key")
	var req configSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if err := s.orch.ConfigSet(name, key, req.Value); err != nil {
		writeDriverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDataList(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	mounts, err := s.orch.DataList(name)
	if err != nil {
		writeDriverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mounts)
}

type dataSyncRequest struct {
	HostPath  string `json:"host_path"`
	GuestPath string `json:"guest_path"`
}

func (s *Server) handleDataSync(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req dataSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.HostPath == "" || req.GuestPath == "" {
		writeError(w, http.StatusBadRequest, "host_path and guest_path are required")
		return
	}
	if err := s.orch.DataSync(r.Context(), name, req.HostPath, req.GuestPath); err != nil {
		writeDriverError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
