package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/praxisrange/praxis/pkg/catalog"
	"github.com/praxisrange/praxis/pkg/domain"
	"github.com/praxisrange/praxis/pkg/orchestrator"
	"github.com/praxisrange/praxis/pkg/registry"
	"github.com/praxisrange/praxis/pkg/sandbox"
)

// server is the HTTP façade over the orchestrator. Authentication is handled
// upstream; the caller identity arrives in the X-User-ID header.
type server struct {
	orch    *orchestrator.Orchestrator
	catalog catalog.Catalog
}

func (s *server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /api/labs", s.handleListLabs)
	mux.HandleFunc("POST /api/labs/{lab}/start", s.handleStart)
	mux.HandleFunc("POST /api/labs/{lab}/stop", s.handleStop)
	mux.HandleFunc("GET /api/labs/{lab}/status", s.handleStatus)
	mux.HandleFunc("GET /api/instances", s.handleListInstances)
}

func (s *server) handleListLabs(w http.ResponseWriter, r *http.Request) {
	labs, err := s.catalog.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, labs)
}

func (s *server) handleStart(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	res, err := s.orch.Start(r.Context(), userID, domain.LabID(r.PathValue("lab")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *server) handleStop(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	if err := s.orch.Stop(r.Context(), userID, domain.LabID(r.PathValue("lab"))); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	st, err := s.orch.Status(r.Context(), userID, domain.LabID(r.PathValue("lab")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}
	instances, err := s.orch.List(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func callerID(w http.ResponseWriter, r *http.Request) (domain.UserID, bool) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing X-User-ID header"})
		return "", false
	}
	return domain.UserID(id), true
}

// statusFor maps the orchestration error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInstanceConflict):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNoActiveInstance),
		errors.Is(err, registry.ErrInstanceNotFound),
		errors.Is(err, catalog.ErrLabNotFound):
		return http.StatusNotFound
	case errors.Is(err, sandbox.ErrRuntimeUnavailable),
		errors.Is(err, orchestrator.ErrUnknownSandboxMode):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrProvisionFailure),
		errors.Is(err, orchestrator.ErrHealthCheckTimeout),
		errors.Is(err, orchestrator.ErrHealthCheckErrored),
		errors.Is(err, orchestrator.ErrTerminationFailure),
		errors.Is(err, sandbox.ErrArtifactFetch),
		errors.Is(err, sandbox.ErrNoPortsAvailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
