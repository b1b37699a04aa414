package engine

import (
	"context"
	"database/sql"
	"log"

	"github.com/openclaw/antfarm/internal/errs"
	"github.com/openclaw/antfarm/internal/model"
	"github.com/openclaw/antfarm/internal/store"
)

// Fail implements §4.4.3: append a StepResult for the error, attribute the
// failure to the in-flight story (for a loop step) or the step itself, and
// apply onFail escalation (§4.4.4) on retry exhaustion.
func (e *Engine) Fail(ctx context.Context, stepInstanceID, errText string) (*model.StepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result *model.StepResult
	err := store.WithRetry(ctx, func() error {
		return store.Transact(e.store.DB, func(tx *sql.Tx) error {
			step, err := e.store.TxGetStep(tx, stepInstanceID)
			if err != nil {
				return err
			}
			res, err := e.failTx(tx, step, errText)
			result = res
			return err
		})
	})
	return result, err
}

func (e *Engine) failTx(tx *sql.Tx, step *model.StepInstance, errText string) (*model.StepResult, error) {
	if step.Status != model.StepRunning {
		return nil, errs.InvalidState("step %s is not running", step.ID)
	}

	run, err := e.store.TxGetRun(tx, step.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status == model.RunCanceled {
		log.Printf("warning: ignoring fail of step %s: run %s is canceled", step.ID, step.RunID)
		return nil, nil
	}

	res := model.StepResult{
		RunID: step.RunID, StepDefID: step.DefID, AgentID: step.AgentID,
		Output: errText, Status: model.ResultRetry, RetryCount: step.RetryCount,
	}
	if err := e.store.AppendStepResult(tx, &res); err != nil {
		return nil, err
	}

	if step.Type == model.StepTypeLoop && step.CurrentStoryID != nil {
		if err := e.failStory(tx, run, step); err != nil {
			return nil, err
		}
		return &res, nil
	}

	newRetry := step.RetryCount + 1
	if newRetry <= step.MaxRetries {
		if err := e.store.UpdateStepRetry(tx, step.ID, newRetry); err != nil {
			return nil, err
		}
		if err := e.store.UpdateStepStatus(tx, step.ID, model.StepPending); err != nil {
			return nil, err
		}
		return &res, nil
	}

	if err := e.store.UpdateStepStatus(tx, step.ID, model.StepFailed); err != nil {
		return nil, err
	}
	if err := e.applyOnFail(tx, run, step); err != nil {
		return nil, err
	}
	return &res, nil
}

func (e *Engine) failStory(tx *sql.Tx, run *model.Run, step *model.StepInstance) error {
	story, err := e.store.TxGetStoryByStoryID(tx, step.RunID, *step.CurrentStoryID)
	if err != nil {
		return err
	}

	newRetry := story.RetryCount + 1
	if newRetry <= story.MaxRetries {
		if err := e.store.UpdateStoryRetry(tx, story.ID, newRetry, model.StoryPending); err != nil {
			return err
		}
		if err := e.store.SetCurrentStory(tx, step.ID, nil); err != nil {
			return err
		}
		return e.store.UpdateStepStatus(tx, step.ID, model.StepPending)
	}

	if err := e.store.UpdateStoryRetry(tx, story.ID, newRetry, model.StoryFailed); err != nil {
		return err
	}
	if err := e.store.SetCurrentStory(tx, step.ID, nil); err != nil {
		return err
	}
	if err := e.store.UpdateStepStatus(tx, step.ID, model.StepFailed); err != nil {
		return err
	}
	return e.applyOnFail(tx, run, step)
}

// applyOnFail implements §4.4.4. The two branches are independent per the
// spec's wording ("If onFail.retryStep is present... If onFail.escalateTo
// is present..."): a step definition naming both performs both actions.
func (e *Engine) applyOnFail(tx *sql.Tx, run *model.Run, step *model.StepInstance) error {
	acted := false

	if step.OnFail != nil && step.OnFail.RetryStep != "" {
		if err := e.rewindTo(tx, run.ID, step.OnFail.RetryStep, step.StepIndex); err != nil {
			return err
		}
		acted = true
	}

	if step.OnFail != nil && step.OnFail.EscalateTo != "" {
		if err := e.store.SetRunStatus(tx, run.ID, model.RunBlocked); err != nil {
			return err
		}
		if err := e.store.MergeContext(tx, run.ID, map[string]string{"escalate_to": step.OnFail.EscalateTo}); err != nil {
			return err
		}
		acted = true
	}

	if !acted {
		return e.store.SetRunStatus(tx, run.ID, model.RunBlocked)
	}
	return nil
}

// rewindTo resets retryStepDefID (to pending) and every step between it and
// failedStepIndex inclusive (to waiting), clearing their retry counts.
// Stories belonging to the rewound cycle are left in place, orphaned but
// inert, per the rewind open question (§9).
func (e *Engine) rewindTo(tx *sql.Tx, runID, retryStepDefID string, failedStepIndex int) error {
	steps, err := e.store.TxGetSteps(tx, runID)
	if err != nil {
		return err
	}

	retryStep := findStepByDefID(steps, retryStepDefID)
	if retryStep == nil {
		return errs.ValidationError("onFail.retryStep %q not found in run %s", retryStepDefID, runID)
	}

	for _, si := range steps {
		if si.StepIndex < retryStep.StepIndex || si.StepIndex > failedStepIndex {
			continue
		}
		status := model.StepWaiting
		if si.StepIndex == retryStep.StepIndex {
			status = model.StepPending
		}
		if err := e.store.ResetStep(tx, si.ID, status); err != nil {
			return err
		}
	}
	return nil
}
