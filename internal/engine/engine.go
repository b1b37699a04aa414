// Package engine is the step engine of §4.4: claim/complete/fail, the
// verify-each sub-protocol, retry/escalation, and pipeline advancement. It
// is the only component that mutates run/step/story state. Grounded on the
// teacher's pkg/execution/engine.go ClaimWork/CompleteWork shape, adapted
// from Postgres FOR UPDATE SKIP LOCKED to a mutex-guarded SQLite
// transaction per §5 ("a per-process lock is sufficient").
package engine

import (
	"context"
	"database/sql"
	"sync"

	"github.com/google/uuid"

	"github.com/openclaw/antfarm/internal/errs"
	"github.com/openclaw/antfarm/internal/gateway"
	"github.com/openclaw/antfarm/internal/model"
	"github.com/openclaw/antfarm/internal/store"
	"github.com/openclaw/antfarm/internal/workspace"
)

// Engine is the value type described in §9: trivially instantiable for
// tests against an in-memory store, with no hidden global state besides
// the database connection.
type Engine struct {
	store   *store.Store
	bridge  *workspace.Bridge
	gateway *gateway.Client

	// mu serializes every mutating operation, per §5's single-writer model.
	mu sync.Mutex
}

// New builds an Engine. gw may be nil if no cron gateway is configured;
// ListCronJobs then always fails with GatewayError.
func New(st *store.Store, bridge *workspace.Bridge, gw *gateway.Client) *Engine {
	return &Engine{store: st, bridge: bridge, gateway: gw}
}

// InstallWorkflow registers a new WorkflowSpec.
func (e *Engine) InstallWorkflow(spec model.WorkflowSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.InstallWorkflow(spec)
}

// UpdateWorkflow replaces an installed spec in place.
func (e *Engine) UpdateWorkflow(spec model.WorkflowSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.UpdateWorkflow(spec)
}

// UninstallWorkflow removes an installed spec.
func (e *Engine) UninstallWorkflow(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.UninstallWorkflow(id)
}

// ListWorkflows returns every installed spec.
func (e *Engine) ListWorkflows() ([]model.WorkflowSpec, error) {
	return e.store.ListWorkflows()
}

// GetWorkflow returns one installed spec.
func (e *Engine) GetWorkflow(id string) (*model.WorkflowSpec, error) {
	return e.store.GetWorkflow(id)
}

// WorkflowStatus summarizes run counts by status for one installed workflow.
type WorkflowStatus struct {
	WorkflowID string
	Counts     map[model.RunStatus]int
}

// GetWorkflowStatus computes WorkflowStatus for a workflow's runs.
func (e *Engine) GetWorkflowStatus(workflowID string) (*WorkflowStatus, error) {
	if _, err := e.store.GetWorkflow(workflowID); err != nil {
		return nil, err
	}
	runs, err := e.store.ListRuns()
	if err != nil {
		return nil, err
	}
	status := &WorkflowStatus{WorkflowID: workflowID, Counts: map[model.RunStatus]int{}}
	for _, r := range runs {
		if r.WorkflowID != workflowID {
			continue
		}
		status.Counts[r.Status]++
	}
	return status, nil
}

// RunWorkflow creates a new Run of an installed WorkflowSpec: every
// StepInstance starts `waiting` except the first, which starts `pending`
// (§3 Lifecycles).
func (e *Engine) RunWorkflow(workflowID, taskTitle, leadAgentID, sessionLabel string) (*model.Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	spec, err := e.store.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	if spec.AgentByID(leadAgentID) == nil {
		return nil, errs.ValidationError("lead agent %q is not defined on workflow %q", leadAgentID, workflowID)
	}

	run := model.Run{
		ID:           uuid.NewString(),
		WorkflowID:   workflowID,
		TaskTitle:    taskTitle,
		LeadAgentID:  leadAgentID,
		SessionLabel: sessionLabel,
		Status:       model.RunRunning,
	}
	if err := e.store.CreateRun(run, spec); err != nil {
		return nil, err
	}
	full, err := e.store.GetRunFull(run.ID)
	if err != nil {
		return nil, err
	}
	return &full.Run, nil
}

// ListRuns returns every run.
func (e *Engine) ListRuns() ([]model.Run, error) {
	return e.store.ListRuns()
}

// GetRun returns a run with its steps and stories.
func (e *Engine) GetRun(id string) (*store.RunFull, error) {
	return e.store.GetRunFull(id)
}

// ListStories returns a run's stories in storyIndex order.
func (e *Engine) ListStories(runID string) ([]model.Story, error) {
	full, err := e.store.GetRunFull(runID)
	if err != nil {
		return nil, err
	}
	return full.Stories, nil
}

// CancelRun transitions a run to canceled. Steps already running are not
// interrupted; the engine ignores their eventual complete/fail (§5).
func (e *Engine) CancelRun(runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return store.Transact(e.store.DB, func(tx *sql.Tx) error {
		if _, err := e.store.TxGetRun(tx, runID); err != nil {
			return err
		}
		return e.store.SetRunStatus(tx, runID, model.RunCanceled)
	})
}

// ListCronJobs proxies to the configured cron gateway (§4.6).
func (e *Engine) ListCronJobs(ctx context.Context) (any, error) {
	if e.gateway == nil {
		return nil, errs.New(errs.CodeGatewayError, "no cron gateway configured")
	}
	return e.gateway.ListCronJobs(ctx)
}
