// Package httpapi is the external HTTP surface of §6: a thin chi router
// adapting JSON requests onto internal/engine and internal/gateway calls.
// No handler contains engine logic; every handler decodes, calls through,
// and encodes the result or the mapped error status (§7). Grounded on the
// teacher's internal/api/router.go route-table shape and
// essential_handlers.go's writeJSON helper.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openclaw/antfarm/internal/engine"
	"github.com/openclaw/antfarm/internal/errs"
)

// Server bundles the engine and the live-status Hub behind the router.
type Server struct {
	engine *engine.Engine
	hub    *Hub
}

// NewRouter builds the full route table of SPEC_FULL.md §6.
func NewRouter(e *engine.Engine) http.Handler {
	s := &Server{engine: e, hub: newHub()}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)

	r.Route("/workflows", func(r chi.Router) {
		r.Post("/", s.installWorkflow)
		r.Get("/", s.listWorkflows)
		r.Route("/{workflowID}", func(r chi.Router) {
			r.Get("/", s.getWorkflow)
			r.Put("/", s.updateWorkflow)
			r.Delete("/", s.uninstallWorkflow)
			r.Post("/runs", s.startRun)
		})
	})

	r.Post("/claim", s.claim)
	r.Post("/steps/{stepID}/complete", s.completeStep)
	r.Post("/steps/{stepID}/fail", s.failStep)

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.listRuns)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", s.getRun)
			r.Post("/cancel", s.cancelRun)
			r.Get("/stories", s.listStories)
		})
	})

	r.Get("/cron-jobs", s.listCronJobs)
	r.Get("/ws", s.serveWS)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error kind to the HTTP status of §7's expansion table
// and writes {"error": message}. An error not produced by internal/errs is
// treated as an unmapped internal failure (500).
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.CodeOf(err) {
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeInvalidState:
		status = http.StatusConflict
	case errs.CodeParseError:
		status = http.StatusUnprocessableEntity
	case errs.CodeValidationError:
		status = http.StatusBadRequest
	case errs.CodeStoreError:
		status = http.StatusInternalServerError
	case errs.CodeGatewayError:
		status = http.StatusBadGateway
	case errs.CodeIOFailure:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
