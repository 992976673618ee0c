// Package httpapi implements the HTTP control surface of spec.md §6:
// a small JSON API, served on localhost, that lets an operator inspect
// the supervisor's current task, list its process tree, kill a
// specific build subprocess, or trigger graceful shutdown. Grounded on
// the teacher's internal/api/server.go (writeJSON/errorResponse
// helpers, method-prefixed ServeMux patterns, a withLogging
// middleware, and the Start/Shutdown lifecycle shape), with the
// OpenAI-compatible surface replaced by the operator routes spec.md §6
// names.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/ci-orchestrator/internal/broker"
	"github.com/nugget/ci-orchestrator/internal/supervisor"
)

// writeJSON encodes v as JSON to w, logging any failure at debug level
// (typically a client that disconnected mid-response).
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// routeDoc pairs a route with the one-line description the /help
// route lists it under.
type routeDoc struct {
	Method string
	Path   string
	Doc    string
}

var routes = []routeDoc{
	{"GET", "/", "list available tasks + current"},
	{"GET", "/tasks", "list available tasks + current"},
	{"GET", "/tasks/current", "current task's name"},
	{"GET", "/tasks/current/procs", "recursive process/resource tree"},
	{"GET", "/health", `{"status":"ok"}`},
	{"GET", "/help", "this listing"},
	{"POST", "/tasks/current/procs/{pid}/kill", "kill a specific subprocess"},
	{"POST", "/tasks/current/shutdown", "graceful shutdown of the running task"},
	{"POST", "/shutdown", "shutdown the whole supervisor"},
}

// Server is the HTTP control surface.
type Server struct {
	port       int
	supervisor *supervisor.Supervisor
	logger     *slog.Logger
	server     *http.Server
}

// New constructs a control-surface server bound to localhost:port,
// operating on sup. Callers should validate port with
// config.ValidatePort before calling New (spec.md §6: port ∈
// [1024, 65535)); New itself does not re-check it.
func New(port int, sup *supervisor.Supervisor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{port: port, supervisor: sup, logger: logger}
}

// Start begins serving HTTP requests on localhost. It blocks until the
// server stops (via Shutdown or an unrecoverable listener error).
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleTasks)
	mux.HandleFunc("GET /tasks", s.handleTasks)
	mux.HandleFunc("GET /tasks/current", s.handleCurrentTask)
	mux.HandleFunc("GET /tasks/current/procs", s.handleCurrentTaskProcs)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /help", s.handleHelp)
	mux.HandleFunc("POST /tasks/current/procs/{pid}/kill", s.handleKillProc)
	mux.HandleFunc("POST /tasks/current/shutdown", s.handleCurrentTaskShutdown)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.HandleFunc("/", s.handleNotFound)

	addr := fmt.Sprintf("localhost:%d", s.port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withLogging(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting HTTP control surface", "address", addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP listener; it does not itself
// shut down the supervisor (see handleShutdown for the route that
// does).
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// writeEnvelope renders a broker.Envelope reply as the route's JSON
// response: a zero exit code becomes 200 with the envelope's args,
// anything else becomes 502 with its content (every operator verb
// here fails only by relaying a dead or unreachable child, never by
// rejecting a malformed request after routing, so 502 rather than 4xx
// is the right default).
func (s *Server) writeEnvelope(w http.ResponseWriter, env broker.Envelope) {
	if !env.HasExitCode || env.ExitCode == 0 {
		writeJSON(w, env.Args, s.logger)
		return
	}
	w.WriteHeader(http.StatusBadGateway)
	writeJSON(w, map[string]any{"content": env.Content, "status": http.StatusBadGateway}, s.logger)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	available := s.supervisor.AvailableTasks()
	current := s.supervisor.CurrentTask()
	writeJSON(w, map[string]any{
		"tasks":   available.Args["tasks"],
		"current": current.Args["name"],
	}, s.logger)
}

func (s *Server) handleCurrentTask(w http.ResponseWriter, r *http.Request) {
	s.writeEnvelope(w, s.supervisor.CurrentTask())
}

func (s *Server) handleCurrentTaskProcs(w http.ResponseWriter, r *http.Request) {
	s.writeEnvelope(w, s.supervisor.CurrentTaskProcesses())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleHelp(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, routes, s.logger)
}

func (s *Server) handleKillProc(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.Atoi(r.PathValue("pid"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "pid must be an integer")
		return
	}
	s.writeEnvelope(w, s.supervisor.CurrentTaskKillProc(map[string]any{"pid": pid}))
}

func (s *Server) handleCurrentTaskShutdown(w http.ResponseWriter, r *http.Request) {
	s.writeEnvelope(w, s.supervisor.CurrentTaskShutdown())
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.writeEnvelope(w, s.supervisor.Shutdown())
}

// handleNotFound implements spec.md §6's "unknown paths return
// {"content":"inexistant URL","status":404}". Registered on "/", a
// method-less pattern that net/http.ServeMux treats as the catch-all
// for every method and every other path. The root route above is
// registered as "GET /{$}" (exact match on "/") rather than "GET /"
// precisely so it does not also claim that catch-all role: "GET /"
// is a subtree pattern matching every path, and ServeMux ranks a
// method-specific pattern above an otherwise-identical method-less
// one, so it would shadow this handler for every unmatched GET path.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotFound)
	writeJSON(w, map[string]any{"content": "inexistant URL", "status": http.StatusNotFound}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"content": message, "status": code}, s.logger)
}
