package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/antfarm/internal/model"
	"github.com/openclaw/antfarm/internal/store"
	"github.com/openclaw/antfarm/internal/workspace"
)

func testSpec(id string) model.WorkflowSpec {
	return model.WorkflowSpec{
		ID:      id,
		Name:    "loop-verify",
		Version: 1,
		Agents: []model.Agent{
			{ID: "planner"},
			{ID: "dev"},
			{ID: "verifier"},
		},
		Steps: []model.StepDef{
			{
				ID: "plan", Agent: "planner", Type: model.StepTypeSingle,
				Input: "Plan the work.", MaxRetries: model.DefaultMaxRetries,
			},
			{
				ID: "implement", Agent: "dev", Type: model.StepTypeLoop,
				Input: "Implement {{current_story_id}}. Feedback: {{verify_feedback}} Progress: {{progress}}",
				Loop: &model.LoopConfig{
					Over: "stories", Completion: "all_done",
					FreshSession: true, VerifyEach: true, VerifyStep: "verify",
				},
				MaxRetries: model.DefaultMaxRetries,
			},
			{
				ID: "verify", Agent: "verifier", Type: model.StepTypeSingle,
				Input: "Verify {{current_story_id}}.", MaxRetries: model.DefaultMaxRetries,
				OnFail: &model.OnFail{EscalateTo: "planner"},
			},
			{
				ID: "ship", Agent: "dev", Type: model.StepTypeSingle,
				Input: "Ship it.", MaxRetries: model.DefaultMaxRetries,
			},
		},
	}
}

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st := store.OpenTest(t)
	return New(st, nil, nil), st
}

func mustRun(t *testing.T, e *Engine, workflowID string) *model.Run {
	t.Helper()
	spec := testSpec(workflowID)
	require.NoError(t, e.InstallWorkflow(spec))
	run, err := e.RunWorkflow(workflowID, "ship the feature", "planner", "session-1")
	require.NoError(t, err)
	return run
}

func TestHappyLoopWithVerifyEachAdvancesToShip(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	run := mustRun(t, e, "wf-happy")

	claimed, err := e.Claim(ctx, "planner")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "plan", claimed.StepDefID)

	_, err = e.Complete(ctx, claimed.StepInstanceID, "STATUS: done\nSTORIES_JSON: "+storiesJSON())
	require.NoError(t, err)

	// implement claims US-1.
	devClaim, err := e.Claim(ctx, "dev")
	require.NoError(t, err)
	require.NotNil(t, devClaim)
	assert.Equal(t, "implement", devClaim.StepDefID)
	require.NotNil(t, devClaim.StoryID)
	assert.Equal(t, "US-1", *devClaim.StoryID)

	_, err = e.Complete(ctx, devClaim.StepInstanceID, "STATUS: done")
	require.NoError(t, err)

	// verify claims, sees current_story_id still US-1, passes it.
	verifyClaim, err := e.Claim(ctx, "verifier")
	require.NoError(t, err)
	require.NotNil(t, verifyClaim)
	assert.Equal(t, "verify", verifyClaim.StepDefID)
	assert.Contains(t, verifyClaim.RenderedInput, "US-1")

	_, err = e.Complete(ctx, verifyClaim.StepInstanceID, "STATUS: done")
	require.NoError(t, err)

	// implement claims US-2 next.
	devClaim2, err := e.Claim(ctx, "dev")
	require.NoError(t, err)
	require.NotNil(t, devClaim2)
	require.NotNil(t, devClaim2.StoryID)
	assert.Equal(t, "US-2", *devClaim2.StoryID)

	_, err = e.Complete(ctx, devClaim2.StepInstanceID, "STATUS: done")
	require.NoError(t, err)

	verifyClaim2, err := e.Claim(ctx, "verifier")
	require.NoError(t, err)
	require.NotNil(t, verifyClaim2)
	_, err = e.Complete(ctx, verifyClaim2.StepInstanceID, "STATUS: done")
	require.NoError(t, err)

	// No more stories: implement loop should be done, ship becomes claimable.
	shipClaim, err := e.Claim(ctx, "dev")
	require.NoError(t, err)
	require.NotNil(t, shipClaim)
	assert.Equal(t, "ship", shipClaim.StepDefID)

	_, err = e.Complete(ctx, shipClaim.StepInstanceID, "STATUS: done")
	require.NoError(t, err)

	full, err := e.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, full.Run.Status)
	for _, s := range full.Stories {
		assert.Equal(t, model.StoryDone, s.Status)
	}
}

func TestVerifyRetryReRunsSameStoryWithFeedback(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	mustRun(t, e, "wf-verify-retry")

	plan, err := e.Claim(ctx, "planner")
	require.NoError(t, err)
	_, err = e.Complete(ctx, plan.StepInstanceID, "STATUS: done\nSTORIES_JSON: "+storiesJSON1())
	require.NoError(t, err)

	dev1, err := e.Claim(ctx, "dev")
	require.NoError(t, err)
	require.Equal(t, "US-1", *dev1.StoryID)
	_, err = e.Complete(ctx, dev1.StepInstanceID, "STATUS: done")
	require.NoError(t, err)

	verify1, err := e.Claim(ctx, "verifier")
	require.NoError(t, err)
	_, err = e.Complete(ctx, verify1.StepInstanceID, "STATUS: retry\nISSUES: missing tests")
	require.NoError(t, err)

	dev2, err := e.Claim(ctx, "dev")
	require.NoError(t, err)
	require.NotNil(t, dev2)
	require.NotNil(t, dev2.StoryID)
	assert.Equal(t, "US-1", *dev2.StoryID)
	assert.Contains(t, dev2.RenderedInput, "missing tests")
	assert.Contains(t, dev2.RenderedInput, "US-1")
}

func TestVerifyRetryExhaustionFailsStoryAndEscalates(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	spec := testSpec("wf-exhaust")
	// Tighten the loop step's retry budget (its stories inherit it) so the
	// second verify retry exhausts it, and escalate from the loop step.
	for i := range spec.Steps {
		if spec.Steps[i].ID == "implement" {
			spec.Steps[i].MaxRetries = 1
			spec.Steps[i].OnFail = &model.OnFail{EscalateTo: "planner"}
		}
	}
	require.NoError(t, e.InstallWorkflow(spec))
	run, err := e.RunWorkflow("wf-exhaust", "t", "planner", "s")
	require.NoError(t, err)

	plan, err := e.Claim(ctx, "planner")
	require.NoError(t, err)
	_, err = e.Complete(ctx, plan.StepInstanceID, "STATUS: done\nSTORIES_JSON: "+storiesJSON1())
	require.NoError(t, err)

	dev1, err := e.Claim(ctx, "dev")
	require.NoError(t, err)
	_, err = e.Complete(ctx, dev1.StepInstanceID, "STATUS: done")
	require.NoError(t, err)

	verify1, err := e.Claim(ctx, "verifier")
	require.NoError(t, err)
	_, err = e.Complete(ctx, verify1.StepInstanceID, "STATUS: retry\nISSUES: still broken")
	require.NoError(t, err)

	dev2, err := e.Claim(ctx, "dev")
	require.NoError(t, err)
	_, err = e.Complete(ctx, dev2.StepInstanceID, "STATUS: done")
	require.NoError(t, err)

	verify2, err := e.Claim(ctx, "verifier")
	require.NoError(t, err)
	_, err = e.Complete(ctx, verify2.StepInstanceID, "STATUS: retry\nISSUES: still broken")
	require.NoError(t, err)

	full, err := e.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunBlocked, full.Run.Status)
	for _, st := range full.Steps {
		if st.DefID == "implement" {
			assert.Equal(t, model.StepFailed, st.Status)
		}
	}
	for _, s := range full.Stories {
		if s.StoryID == "US-1" {
			assert.Equal(t, model.StoryFailed, s.Status)
		}
	}
	assert.Equal(t, "planner", full.Run.Context["escalate_to"])
}

func TestOnFailRetryStepRewindsEarlierStep(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	spec := testSpec("wf-rewind")
	for i := range spec.Steps {
		if spec.Steps[i].ID == "ship" {
			spec.Steps[i].MaxRetries = 1
			spec.Steps[i].OnFail = &model.OnFail{RetryStep: "plan"}
		}
	}
	require.NoError(t, e.InstallWorkflow(spec))
	run, err := e.RunWorkflow("wf-rewind", "t", "planner", "s")
	require.NoError(t, err)

	// Drive a single story through the whole pipeline to ship:
	// plan -> implement (one story) -> verify -> ship.
	plan, err := e.Claim(ctx, "planner")
	require.NoError(t, err)
	_, err = e.Complete(ctx, plan.StepInstanceID, "STATUS: done\nSTORIES_JSON: "+storiesJSON1())
	require.NoError(t, err)

	dev, err := e.Claim(ctx, "dev")
	require.NoError(t, err)
	_, err = e.Complete(ctx, dev.StepInstanceID, "STATUS: done")
	require.NoError(t, err)

	verify, err := e.Claim(ctx, "verifier")
	require.NoError(t, err)
	_, err = e.Complete(ctx, verify.StepInstanceID, "STATUS: done")
	require.NoError(t, err)

	ship, err := e.Claim(ctx, "dev")
	require.NoError(t, err)
	require.Equal(t, "ship", ship.StepDefID)

	// Fail ship once: its maxRetries is 1, so newRetryCount(1) <= 1 still
	// allows a plain retry (no rewind yet).
	_, err = e.Fail(ctx, ship.StepInstanceID, "deploy failed")
	require.NoError(t, err)

	ship2, err := e.Claim(ctx, "dev")
	require.NoError(t, err)
	require.Equal(t, "ship", ship2.StepDefID)

	// Second failure exceeds the budget and triggers onFail.retryStep.
	_, err = e.Fail(ctx, ship2.StepInstanceID, "deploy failed again")
	require.NoError(t, err)

	full, err := e.GetRun(run.ID)
	require.NoError(t, err)
	for _, st := range full.Steps {
		switch st.DefID {
		case "plan":
			assert.Equal(t, model.StepPending, st.Status)
			assert.Equal(t, 0, st.RetryCount)
		case "implement", "verify":
			assert.Equal(t, model.StepWaiting, st.Status)
		case "ship":
			assert.Equal(t, model.StepWaiting, st.Status)
		}
	}
}

func TestClaimReturnsNilWhenNothingPending(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	mustRun(t, e, "wf-nothing")

	claimed, err := e.Claim(ctx, "dev")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestCompleteOnNonRunningStepIsInvalidState(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	run := mustRun(t, e, "wf-bad-complete")

	// "implement" starts waiting: it has no running instance, so completing
	// it directly (without claiming first) must be rejected.
	rf, err := e.GetRun(run.ID)
	require.NoError(t, err)
	var implementStepID string
	for _, s := range rf.Steps {
		if s.DefID == "implement" {
			implementStepID = s.ID
		}
	}
	require.NotEmpty(t, implementStepID)

	result, err := e.Complete(ctx, implementStepID, "STATUS: done")
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "InvalidState")
}

func TestCompleteIsIdempotentOnAlreadyDoneStep(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	mustRun(t, e, "wf-idempotent")

	plan, err := e.Claim(ctx, "planner")
	require.NoError(t, err)

	first, err := e.Complete(ctx, plan.StepInstanceID, "STATUS: done")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := e.Complete(ctx, plan.StepInstanceID, "STATUS: done")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.Output, second.Output)
	assert.Equal(t, first.CompletedAt, second.CompletedAt)
}

func TestPlainStepRetryThenExhaustionWithoutOnFailBlocksRun(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	spec := testSpec("wf-plain-retry")
	for i := range spec.Steps {
		if spec.Steps[i].ID == "plan" {
			spec.Steps[i].MaxRetries = 1
		}
	}
	require.NoError(t, e.InstallWorkflow(spec))
	run, err := e.RunWorkflow("wf-plain-retry", "t", "planner", "s")
	require.NoError(t, err)

	plan, err := e.Claim(ctx, "planner")
	require.NoError(t, err)
	_, err = e.Fail(ctx, plan.StepInstanceID, "boom")
	require.NoError(t, err)

	plan2, err := e.Claim(ctx, "planner")
	require.NoError(t, err)
	require.NotNil(t, plan2)
	_, err = e.Fail(ctx, plan2.StepInstanceID, "boom again")
	require.NoError(t, err)

	full, err := e.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunBlocked, full.Run.Status)
	for _, s := range full.Steps {
		if s.DefID == "plan" {
			assert.Equal(t, model.StepFailed, s.Status)
		}
	}
}

func TestConcurrentClaimsByDifferentAgentsDoNotCollide(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	mustRun(t, e, "wf-concurrent")

	plan, err := e.Claim(ctx, "planner")
	require.NoError(t, err)
	_, err = e.Complete(ctx, plan.StepInstanceID, "STATUS: done\nSTORIES_JSON: "+storiesJSON1())
	require.NoError(t, err)

	results := make(chan *model.ClaimedWork, 2)
	errCh := make(chan error, 2)
	for _, agent := range []string{"dev", "verifier"} {
		go func() {
			c, err := e.Claim(ctx, agent)
			results <- c
			errCh <- err
		}()
	}

	var claims []*model.ClaimedWork
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errCh)
		if c := <-results; c != nil {
			claims = append(claims, c)
		}
	}
	require.Len(t, claims, 1)
	assert.Equal(t, "US-1", *claims[0].StoryID)
}

func TestProgressInjectedFromWorkspaceBridge(t *testing.T) {
	ctx := context.Background()
	st := store.OpenTest(t)
	dir := t.TempDir()
	b := workspace.New(dir)
	e := New(st, b, nil)

	spec := testSpec("wf-progress")
	require.NoError(t, e.InstallWorkflow(spec))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "workflows", "wf-progress", "dev"), 0o750))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "workflows", "wf-progress", "dev", "progress.txt"),
		[]byte("halfway through US-1"), 0o640,
	))

	_, err := e.RunWorkflow("wf-progress", "t", "planner", "s")
	require.NoError(t, err)

	plan, err := e.Claim(ctx, "planner")
	require.NoError(t, err)
	_, err = e.Complete(ctx, plan.StepInstanceID, "STATUS: done\nSTORIES_JSON: "+storiesJSON1())
	require.NoError(t, err)

	dev, err := e.Claim(ctx, "dev")
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.Contains(t, dev.RenderedInput, "halfway through US-1")
}

func storiesJSON() string {
	return `[{"id":"US-1","title":"First","description":"d","acceptanceCriteria":["a"]},` +
		`{"id":"US-2","title":"Second","description":"d","acceptanceCriteria":["a"]}]`
}

func storiesJSON1() string {
	return `[{"id":"US-1","title":"First","description":"d","acceptanceCriteria":["a"]}]`
}
