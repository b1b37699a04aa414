package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/antfarm/internal/errs"
	"github.com/openclaw/antfarm/internal/manifest"
)

func (s *Server) installWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errs.IOFailure(err, "read request body"))
		return
	}
	spec, err := manifest.Parse(body)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.engine.InstallWorkflow(*spec); err != nil {
		writeError(w, err)
		return
	}
	s.hub.broadcast("workflow.installed", map[string]string{"workflowId": spec.ID})
	writeJSON(w, http.StatusCreated, spec)
}

func (s *Server) updateWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errs.IOFailure(err, "read request body"))
		return
	}
	spec, err := manifest.Parse(body)
	if err != nil {
		writeError(w, err)
		return
	}
	workflowID := chi.URLParam(r, "workflowID")
	spec.ID = workflowID
	if err := s.engine.UpdateWorkflow(*spec); err != nil {
		writeError(w, err)
		return
	}
	s.hub.broadcast("workflow.updated", map[string]string{"workflowId": spec.ID})
	writeJSON(w, http.StatusOK, spec)
}

func (s *Server) uninstallWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	if err := s.engine.UninstallWorkflow(workflowID); err != nil {
		writeError(w, err)
		return
	}
	s.hub.broadcast("workflow.uninstalled", map[string]string{"workflowId": workflowID})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	specs, err := s.engine.ListWorkflows()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, specs)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	spec, err := s.engine.GetWorkflow(workflowID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

type startRunRequest struct {
	TaskTitle    string `json:"taskTitle"`
	LeadAgentID  string `json:"leadAgentId"`
	SessionLabel string `json:"sessionLabel"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.ValidationError("invalid request body: %v", err))
		return
	}
	run, err := s.engine.RunWorkflow(workflowID, req.TaskTitle, req.LeadAgentID, req.SessionLabel)
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.broadcast("run.started", run)
	writeJSON(w, http.StatusCreated, run)
}

type claimRequest struct {
	AgentID string `json:"agentId"`
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.ValidationError("invalid request body: %v", err))
		return
	}
	claimed, err := s.engine.Claim(r.Context(), req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if claimed == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s.hub.broadcast("step.claimed", claimed)
	writeJSON(w, http.StatusOK, claimed)
}

type outputRequest struct {
	Output string `json:"output"`
}

func (s *Server) completeStep(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepID")
	var req outputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.ValidationError("invalid request body: %v", err))
		return
	}
	result, err := s.engine.Complete(r.Context(), stepID, req.Output)
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.broadcast("step.completed", result)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) failStep(w http.ResponseWriter, r *http.Request) {
	stepID := chi.URLParam(r, "stepID")
	var req outputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.ValidationError("invalid request body: %v", err))
		return
	}
	result, err := s.engine.Fail(r.Context(), stepID, req.Output)
	if err != nil {
		writeError(w, err)
		return
	}
	s.hub.broadcast("step.failed", result)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.engine.ListRuns()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	full, err := s.engine.GetRun(runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, full)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.engine.CancelRun(runID); err != nil {
		writeError(w, err)
		return
	}
	s.hub.broadcast("run.canceled", map[string]string{"runId": runID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

func (s *Server) listStories(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	stories, err := s.engine.ListStories(runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stories)
}

func (s *Server) listCronJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.engine.ListCronJobs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}
