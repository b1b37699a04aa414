package engine

import (
	"context"
	"database/sql"
	"log"

	"github.com/openclaw/antfarm/internal/errs"
	"github.com/openclaw/antfarm/internal/model"
	"github.com/openclaw/antfarm/internal/outputparser"
	"github.com/openclaw/antfarm/internal/store"
)

// Complete implements §4.4.2. It is idempotent on a step already `done`
// (§8 property 5): it returns the original StepResult without mutating
// state.
func (e *Engine) Complete(ctx context.Context, stepInstanceID, output string) (*model.StepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result *model.StepResult
	err := store.WithRetry(ctx, func() error {
		return store.Transact(e.store.DB, func(tx *sql.Tx) error {
			res, err := e.completeTx(tx, stepInstanceID, output)
			result = res
			return err
		})
	})
	return result, err
}

func (e *Engine) completeTx(tx *sql.Tx, stepInstanceID, output string) (*model.StepResult, error) {
	step, err := e.store.TxGetStep(tx, stepInstanceID)
	if err != nil {
		return nil, err
	}

	if step.Status == model.StepDone {
		return e.lastResult(tx, step.RunID, step.DefID)
	}
	if r, err := e.store.TxGetRun(tx, step.RunID); err != nil {
		return nil, err
	} else if r.Status == model.RunCanceled {
		log.Printf("warning: ignoring complete of step %s: run %s is canceled", stepInstanceID, step.RunID)
		return nil, nil
	}
	if step.Status != model.StepRunning {
		return nil, errs.InvalidState("step %s is not running", stepInstanceID)
	}

	parsed, parseErr := outputparser.Parse(output)
	if parseErr != nil {
		return e.failTx(tx, step, parseErr.Error())
	}

	if err := e.store.MergeContext(tx, step.RunID, parsed.Context); err != nil {
		return nil, err
	}
	if len(parsed.Stories) > 0 {
		if err := e.store.InsertStories(tx, step.RunID, parsed.Stories); err != nil {
			return nil, err
		}
	}

	run, err := e.store.TxGetRun(tx, step.RunID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.TxGetSteps(tx, step.RunID)
	if err != nil {
		return nil, err
	}

	if loopOwner := findLoopOwner(steps, step.DefID); loopOwner != nil {
		return e.completeVerifyTriggered(tx, run, loopOwner, step, output, parsed)
	}
	if step.Type == model.StepTypeLoop {
		return e.completeLoopStory(tx, step, output)
	}
	return e.completeSingle(tx, step, output, parsed)
}

// completeSingle handles §4.4.2's "Single step" dispatch, which also covers
// a verify step running outside loop mode.
func (e *Engine) completeSingle(tx *sql.Tx, step *model.StepInstance, output string, parsed *outputparser.Result) (*model.StepResult, error) {
	res := model.StepResult{
		RunID: step.RunID, StepDefID: step.DefID, AgentID: step.AgentID,
		Output: output, Status: mapStatus(parsed.Status), RetryCount: step.RetryCount,
	}
	if err := e.store.AppendStepResult(tx, &res); err != nil {
		return nil, err
	}
	if err := e.store.UpdateStepStatus(tx, step.ID, model.StepDone); err != nil {
		return nil, err
	}
	if err := e.advance(tx, step.RunID); err != nil {
		return nil, err
	}
	return &res, nil
}

// completeLoopStory handles §4.4.2's "Loop step, story in flight" dispatch.
// Per-story completions are never recorded as StepResults (§3: "never on
// story iterations") — the story's own Output field carries it.
func (e *Engine) completeLoopStory(tx *sql.Tx, step *model.StepInstance, output string) (*model.StepResult, error) {
	if step.CurrentStoryID == nil {
		return nil, errs.InvalidState("loop step %s has no story in flight", step.ID)
	}
	story, err := e.store.TxGetStoryByStoryID(tx, step.RunID, *step.CurrentStoryID)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdateStoryOutput(tx, story.ID, model.StoryDone, output); err != nil {
		return nil, err
	}

	// currentStoryId stays set while the story's verification is still
	// pending or running (§3 invariant: non-null iff running or the
	// associated verifyStep is pending/running) — it is only cleared once
	// the loop step stops owning that story outright, below.
	if step.Loop != nil && step.Loop.VerifyEach {
		steps, err := e.store.TxGetSteps(tx, step.RunID)
		if err != nil {
			return nil, err
		}
		verifyStep := findStepByDefID(steps, step.Loop.VerifyStep)
		if verifyStep == nil {
			return nil, errs.ValidationError("verify step %q not found in run %s", step.Loop.VerifyStep, step.RunID)
		}
		if err := e.store.UpdateStepStatus(tx, verifyStep.ID, model.StepPending); err != nil {
			return nil, err
		}
		if err := e.store.UpdateStepStatus(tx, step.ID, model.StepRunning); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := e.store.SetCurrentStory(tx, step.ID, nil); err != nil {
		return nil, err
	}

	hasPending, err := e.store.HasPendingStories(tx, step.RunID)
	if err != nil {
		return nil, err
	}
	if hasPending {
		if err := e.store.UpdateStepStatus(tx, step.ID, model.StepPending); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err := e.store.UpdateStepStatus(tx, step.ID, model.StepDone); err != nil {
		return nil, err
	}
	if err := e.advance(tx, step.RunID); err != nil {
		return nil, err
	}
	return nil, nil
}

// completeVerifyTriggered handles §4.4.2's "Verify step whose execution was
// triggered by a loop step" dispatch.
func (e *Engine) completeVerifyTriggered(tx *sql.Tx, run *model.Run, loopOwner, verifyStep *model.StepInstance, output string, parsed *outputparser.Result) (*model.StepResult, error) {
	res := model.StepResult{
		RunID: verifyStep.RunID, StepDefID: verifyStep.DefID, AgentID: verifyStep.AgentID,
		Output: output, Status: mapStatus(parsed.Status), RetryCount: verifyStep.RetryCount,
	}
	if err := e.store.AppendStepResult(tx, &res); err != nil {
		return nil, err
	}

	switch parsed.Status {
	case outputparser.StatusDone:
		if err := e.store.ClearContextKey(tx, run.ID, "verify_feedback"); err != nil {
			return nil, err
		}
		if err := e.store.SetCurrentStory(tx, loopOwner.ID, nil); err != nil {
			return nil, err
		}
		hasPending, err := e.store.HasPendingStories(tx, run.ID)
		if err != nil {
			return nil, err
		}
		if hasPending {
			if err := e.store.UpdateStepStatus(tx, loopOwner.ID, model.StepPending); err != nil {
				return nil, err
			}
			if err := e.store.UpdateStepStatus(tx, verifyStep.ID, model.StepWaiting); err != nil {
				return nil, err
			}
		} else {
			if err := e.store.UpdateStepStatus(tx, loopOwner.ID, model.StepDone); err != nil {
				return nil, err
			}
			if err := e.store.UpdateStepStatus(tx, verifyStep.ID, model.StepDone); err != nil {
				return nil, err
			}
			if err := e.advance(tx, run.ID); err != nil {
				return nil, err
			}
		}

	case outputparser.StatusRetry:
		story, err := e.store.MostRecentlyDoneStory(tx, run.ID)
		if err != nil {
			return nil, err
		}
		if story == nil {
			return nil, errs.InvalidState("verify retry with no completed story in run %s", run.ID)
		}
		newRetry := story.RetryCount + 1
		if err := e.store.SetCurrentStory(tx, loopOwner.ID, nil); err != nil {
			return nil, err
		}
		if newRetry <= story.MaxRetries {
			if err := e.store.UpdateStoryRetry(tx, story.ID, newRetry, model.StoryPending); err != nil {
				return nil, err
			}
			if err := e.store.MergeContext(tx, run.ID, map[string]string{"verify_feedback": parsed.Issues}); err != nil {
				return nil, err
			}
			if err := e.store.UpdateStepStatus(tx, loopOwner.ID, model.StepPending); err != nil {
				return nil, err
			}
			if err := e.store.UpdateStepStatus(tx, verifyStep.ID, model.StepWaiting); err != nil {
				return nil, err
			}
		} else {
			if err := e.store.UpdateStoryRetry(tx, story.ID, newRetry, model.StoryFailed); err != nil {
				return nil, err
			}
			if err := e.store.UpdateStepStatus(tx, loopOwner.ID, model.StepFailed); err != nil {
				return nil, err
			}
			if err := e.store.UpdateStepStatus(tx, verifyStep.ID, model.StepWaiting); err != nil {
				return nil, err
			}
			if err := e.applyOnFail(tx, run, loopOwner); err != nil {
				return nil, err
			}
		}

	case outputparser.StatusBlocked:
		if err := e.store.SetRunStatus(tx, run.ID, model.RunBlocked); err != nil {
			return nil, err
		}
	}

	return &res, nil
}

func (e *Engine) lastResult(tx *sql.Tx, runID, stepDefID string) (*model.StepResult, error) {
	res, err := e.store.TxLastStepResult(tx, runID, stepDefID)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errs.NotFound("no step result recorded for %s in run %s", stepDefID, runID)
	}
	return res, nil
}
