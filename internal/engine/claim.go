package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/openclaw/antfarm/internal/errs"
	"github.com/openclaw/antfarm/internal/model"
	"github.com/openclaw/antfarm/internal/store"
	"github.com/openclaw/antfarm/internal/template"
)

// Claim implements §4.4.1: find the lowest-order pending step for agentID,
// start it running (or start its next story, for a loop step), and return
// the rendered prompt. Returns nil, nil if there is nothing to claim.
func (e *Engine) Claim(ctx context.Context, agentID string) (*model.ClaimedWork, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.claim(ctx, agentID, false)
}

func (e *Engine) claim(ctx context.Context, agentID string, recursed bool) (*model.ClaimedWork, error) {
	var result *model.ClaimedWork
	var needRecurse bool

	err := store.WithRetry(ctx, func() error {
		result = nil
		needRecurse = false
		return store.Transact(e.store.DB, func(tx *sql.Tx) error {
			step, err := e.store.FindClaimable(tx, agentID)
			if err != nil {
				return err
			}
			if step == nil {
				return nil
			}

			run, err := e.store.TxGetRun(tx, step.RunID)
			if err != nil {
				return err
			}
			spec, err := e.store.TxGetWorkflow(tx, run.WorkflowID)
			if err != nil {
				return err
			}
			def := spec.StepByID(step.DefID)
			if def == nil {
				return errs.StoreError(fmt.Errorf("step definition %q missing from spec", step.DefID), "claim step for agent %s", agentID)
			}

			if step.Type == model.StepTypeLoop {
				story, err := e.store.NextPendingStory(tx, step.RunID)
				if err != nil {
					return err
				}
				if story == nil {
					// §4.4.1.4.b: no stories left, this loop step is done.
					if err := e.store.UpdateStepStatus(tx, step.ID, model.StepDone); err != nil {
						return err
					}
					if err := e.advance(tx, step.RunID); err != nil {
						return err
					}
					needRecurse = true
					return nil
				}

				if err := e.store.UpdateStoryStatus(tx, story.ID, model.StoryRunning); err != nil {
					return err
				}
				if err := e.store.SetCurrentStory(tx, step.ID, &story.StoryID); err != nil {
					return err
				}
				if err := e.store.UpdateStepStatus(tx, step.ID, model.StepRunning); err != nil {
					return err
				}

				vars, err := e.buildVars(tx, run)
				if err != nil {
					return err
				}
				result = &model.ClaimedWork{
					StepInstanceID: step.ID,
					RunID:          step.RunID,
					StepDefID:      step.DefID,
					AgentID:        agentID,
					RenderedInput:  template.Resolve(def.Input, vars),
					Expects:        def.Expects,
					StoryID:        &story.StoryID,
				}
				return nil
			}

			// Single step (including a verify step running outside a loop).
			if err := e.store.UpdateStepStatus(tx, step.ID, model.StepRunning); err != nil {
				return err
			}
			vars, err := e.buildVars(tx, run)
			if err != nil {
				return err
			}
			result = &model.ClaimedWork{
				StepInstanceID: step.ID,
				RunID:          step.RunID,
				StepDefID:      step.DefID,
				AgentID:        agentID,
				RenderedInput:  template.Resolve(def.Input, vars),
				Expects:        def.Expects,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if needRecurse && !recursed {
		return e.claim(ctx, agentID, true)
	}
	return result, nil
}
