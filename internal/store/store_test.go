package store_test

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/antfarm/internal/model"
	"github.com/openclaw/antfarm/internal/store"
)

func testSpec() model.WorkflowSpec {
	return model.WorkflowSpec{
		ID:      "wf-1",
		Name:    "plan-implement-ship",
		Version: 1,
		Agents: []model.Agent{
			{ID: "planner"}, {ID: "coder"}, {ID: "verifier"},
		},
		Steps: []model.StepDef{
			{ID: "plan", Agent: "planner", Type: model.StepTypeSingle, Input: "plan {{task}}"},
			{
				ID: "implement", Agent: "coder", Type: model.StepTypeLoop,
				Loop:  &model.LoopConfig{Over: "stories", Completion: "all_done", VerifyEach: true, VerifyStep: "verify"},
				Input: "implement {{current_story}}",
			},
			{ID: "ship", Agent: "coder", Type: model.StepTypeSingle, Input: "ship"},
		},
	}
}

func TestInstallAndGetWorkflow(t *testing.T) {
	s := store.OpenTest(t)
	spec := testSpec()
	require.NoError(t, s.InstallWorkflow(spec))

	got, err := s.GetWorkflow("wf-1")
	require.NoError(t, err)
	assert.Equal(t, spec.Name, got.Name)
	assert.Len(t, got.Steps, 3)
	assert.True(t, got.Steps[1].Loop.VerifyEach)
}

func TestGetWorkflowNotFound(t *testing.T) {
	s := store.OpenTest(t)
	_, err := s.GetWorkflow("missing")
	require.Error(t, err)
}

func TestCreateRunSeedsStepsFirstPending(t *testing.T) {
	s := store.OpenTest(t)
	spec := testSpec()
	require.NoError(t, s.InstallWorkflow(spec))

	run := model.Run{ID: "run-1", WorkflowID: "wf-1", TaskTitle: "do the thing", LeadAgentID: "planner", Status: model.RunRunning}
	require.NoError(t, s.CreateRun(run, &spec))

	full, err := s.GetRunFull("run-1")
	require.NoError(t, err)
	require.Len(t, full.Steps, 3)
	assert.Equal(t, model.StepPending, full.Steps[0].Status)
	assert.Equal(t, model.StepWaiting, full.Steps[1].Status)
	assert.Equal(t, model.StepWaiting, full.Steps[2].Status)
	assert.NotNil(t, full.Steps[1].Loop)
	assert.True(t, full.Steps[1].Loop.VerifyEach)
}

func TestFindClaimableRespectsAgentAndStatus(t *testing.T) {
	s := store.OpenTest(t)
	spec := testSpec()
	require.NoError(t, s.InstallWorkflow(spec))
	run := model.Run{ID: "run-1", WorkflowID: "wf-1", TaskTitle: "t", LeadAgentID: "planner", Status: model.RunRunning}
	require.NoError(t, s.CreateRun(run, &spec))

	claimable, err := s.FindClaimable(s.DB, "planner")
	require.NoError(t, err)
	require.NotNil(t, claimable)
	assert.Equal(t, "plan", claimable.DefID)

	none, err := s.FindClaimable(s.DB, "coder")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMergeContextUpsertsLastWriterWins(t *testing.T) {
	s := store.OpenTest(t)
	spec := testSpec()
	require.NoError(t, s.InstallWorkflow(spec))
	run := model.Run{ID: "run-1", WorkflowID: "wf-1", TaskTitle: "t", LeadAgentID: "planner", Status: model.RunRunning}
	require.NoError(t, s.CreateRun(run, &spec))

	require.NoError(t, store.Transact(s.DB, func(tx *sql.Tx) error {
		return s.MergeContext(tx, "run-1", map[string]string{"progress": "10%"})
	}))
	require.NoError(t, store.Transact(s.DB, func(tx *sql.Tx) error {
		return s.MergeContext(tx, "run-1", map[string]string{"progress": "50%"})
	}))

	full, err := s.GetRunFull("run-1")
	require.NoError(t, err)
	assert.Equal(t, "50%", full.Run.Context["progress"])
}

func TestInsertStoriesContinuesIndexAcrossBatches(t *testing.T) {
	s := store.OpenTest(t)
	spec := testSpec()
	require.NoError(t, s.InstallWorkflow(spec))
	run := model.Run{ID: "run-1", WorkflowID: "wf-1", TaskTitle: "t", LeadAgentID: "planner", Status: model.RunRunning}
	require.NoError(t, s.CreateRun(run, &spec))

	err := store.Transact(s.DB, func(tx *sql.Tx) error {
		return s.InsertStories(tx, "run-1", []model.StoryInput{
			{ID: "US-001", Title: "first"},
			{ID: "US-002", Title: "second"},
		})
	})
	require.NoError(t, err)

	full, err := s.GetRunFull("run-1")
	require.NoError(t, err)
	require.Len(t, full.Stories, 2)
	assert.Equal(t, 0, full.Stories[0].StoryIndex)
	assert.Equal(t, 1, full.Stories[1].StoryIndex)

	// A second batch (simulating a rewind re-parse) appends rather than replaces.
	err = store.Transact(s.DB, func(tx *sql.Tx) error {
		return s.InsertStories(tx, "run-1", []model.StoryInput{{ID: "US-003", Title: "third"}})
	})
	require.NoError(t, err)

	full, err = s.GetRunFull("run-1")
	require.NoError(t, err)
	require.Len(t, full.Stories, 3)
	assert.Equal(t, 2, full.Stories[2].StoryIndex)
}

func TestAppendStepResultAndLastStepResult(t *testing.T) {
	s := store.OpenTest(t)
	spec := testSpec()
	require.NoError(t, s.InstallWorkflow(spec))
	run := model.Run{ID: "run-1", WorkflowID: "wf-1", TaskTitle: "t", LeadAgentID: "planner", Status: model.RunRunning}
	require.NoError(t, s.CreateRun(run, &spec))

	appended := model.StepResult{
		RunID: "run-1", StepDefID: "plan", AgentID: "planner", Output: "plan text", Status: model.ResultDone,
	}
	require.NoError(t, store.Transact(s.DB, func(tx *sql.Tx) error {
		return s.AppendStepResult(tx, &appended)
	}))
	assert.NotEmpty(t, appended.ID)
	assert.False(t, appended.CompletedAt.IsZero())

	res, err := s.LastStepResult("run-1", "plan")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "plan text", res.Output)
	assert.Equal(t, model.ResultDone, res.Status)
	assert.Equal(t, appended.ID, res.ID)
	assert.Equal(t, appended.CompletedAt, res.CompletedAt)
}

func TestResetStepClearsRetryAndStory(t *testing.T) {
	s := store.OpenTest(t)
	spec := testSpec()
	require.NoError(t, s.InstallWorkflow(spec))
	run := model.Run{ID: "run-1", WorkflowID: "wf-1", TaskTitle: "t", LeadAgentID: "planner", Status: model.RunRunning}
	require.NoError(t, s.CreateRun(run, &spec))

	full, err := s.GetRunFull("run-1")
	require.NoError(t, err)
	planStep := full.Steps[0].ID

	require.NoError(t, store.Transact(s.DB, func(tx *sql.Tx) error {
		if err := s.UpdateStepRetry(tx, planStep, 2); err != nil {
			return err
		}
		return s.ResetStep(tx, planStep, model.StepWaiting)
	}))

	full, err = s.GetRunFull("run-1")
	require.NoError(t, err)
	assert.Equal(t, model.StepWaiting, full.Steps[0].Status)
	assert.Equal(t, 0, full.Steps[0].RetryCount)
	assert.Nil(t, full.Steps[0].CurrentStoryID)
}
