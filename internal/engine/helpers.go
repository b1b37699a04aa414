package engine

import (
	"database/sql"

	"github.com/openclaw/antfarm/internal/model"
	"github.com/openclaw/antfarm/internal/outputparser"
	"github.com/openclaw/antfarm/internal/template"
)

func findStepByDefID(steps []model.StepInstance, defID string) *model.StepInstance {
	for i := range steps {
		if steps[i].DefID == defID {
			return &steps[i]
		}
	}
	return nil
}

// findLoopOwner returns the running loop step whose verifyStep names
// verifyDefID, if any (§4.4.2's detection rule for a loop-triggered verify
// completion).
func findLoopOwner(steps []model.StepInstance, verifyDefID string) *model.StepInstance {
	for i := range steps {
		si := &steps[i]
		if si.Type == model.StepTypeLoop && si.Status == model.StepRunning &&
			si.Loop != nil && si.Loop.VerifyStep == verifyDefID {
			return si
		}
	}
	return nil
}

func mapStatus(s outputparser.Status) model.StepResultStatus {
	switch s {
	case outputparser.StatusRetry:
		return model.ResultRetry
	case outputparser.StatusBlocked:
		return model.ResultBlocked
	default:
		return model.ResultDone
	}
}

// findLoopAgent returns the agent id of the run's loop-owning step, if any.
func findLoopAgent(steps []model.StepInstance) string {
	for _, si := range steps {
		if si.Type == model.StepTypeLoop {
			return si.AgentID
		}
	}
	return ""
}

// buildVars assembles the rendering environment for a step input: the run's
// context, plus (when the run has any stories) the loop variables of §4.2
// and the workspace bridge's progress snapshot.
func (e *Engine) buildVars(tx *sql.Tx, run *model.Run) (map[string]string, error) {
	vars := make(map[string]string, len(run.Context)+8)
	for k, v := range run.Context {
		vars[k] = v
	}

	stories, err := e.store.TxGetStories(tx, run.ID)
	if err != nil {
		return nil, err
	}
	if len(stories) == 0 {
		return vars, nil
	}

	steps, err := e.store.TxGetSteps(tx, run.ID)
	if err != nil {
		return nil, err
	}

	var current *model.Story
	if loop := findLoopOwnerStep(steps); loop != nil && loop.CurrentStoryID != nil {
		for i := range stories {
			if stories[i].StoryID == *loop.CurrentStoryID {
				current = &stories[i]
				break
			}
		}
	}

	for k, v := range template.LoopVars(stories, current, run.Context["verify_feedback"]) {
		vars[k] = v
	}

	if loopAgent := findLoopAgent(steps); loopAgent != "" && e.bridge != nil {
		progress, err := e.bridge.ReadProgress(run.WorkflowID, loopAgent)
		if err != nil {
			return nil, err
		}
		vars["progress"] = progress
	}
	return vars, nil
}

func findLoopOwnerStep(steps []model.StepInstance) *model.StepInstance {
	for i := range steps {
		if steps[i].Type == model.StepTypeLoop {
			return &steps[i]
		}
	}
	return nil
}
