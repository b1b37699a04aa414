package engine

import (
	"database/sql"

	"github.com/openclaw/antfarm/internal/model"
)

// advance implements pipeline advancement (§4.4.5): find the next waiting
// step in spec order and make it pending; if none remain, complete the run
// and archive progress.txt.
func (e *Engine) advance(tx *sql.Tx, runID string) error {
	steps, err := e.store.TxGetSteps(tx, runID)
	if err != nil {
		return err
	}

	for _, si := range steps {
		if si.Status == model.StepWaiting {
			return e.store.UpdateStepStatus(tx, si.ID, model.StepPending)
		}
	}

	if err := e.store.SetRunStatus(tx, runID, model.RunCompleted); err != nil {
		return err
	}
	return e.archiveProgress(tx, runID)
}

// archiveProgress moves progress.txt to archive/<runId>/ for every agent
// with a workspace under the run's workflow (§3 Lifecycles, §4.5). A
// missing file per agent is not an error.
func (e *Engine) archiveProgress(tx *sql.Tx, runID string) error {
	if e.bridge == nil {
		return nil
	}
	run, err := e.store.TxGetRun(tx, runID)
	if err != nil {
		return err
	}
	spec, err := e.store.TxGetWorkflow(tx, run.WorkflowID)
	if err != nil {
		return err
	}
	for _, a := range spec.Agents {
		if err := e.bridge.Archive(run.WorkflowID, a.ID, runID); err != nil {
			return err
		}
	}
	return nil
}
