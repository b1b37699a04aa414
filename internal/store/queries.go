package store

import (
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/openclaw/antfarm/internal/errs"
	"github.com/openclaw/antfarm/internal/model"
)

// RunFull is a Run together with all of its steps and stories, the unit the
// engine reads at the start of every operation (§4.1: "read a run with all
// its steps and stories").
type RunFull struct {
	Run     model.Run
	Steps   []model.StepInstance
	Stories []model.Story
}

// InstallWorkflow persists a new WorkflowSpec.
func (s *Store) InstallWorkflow(spec model.WorkflowSpec) error {
	blob, err := json.Marshal(spec)
	if err != nil {
		return errs.Wrap(errs.CodeValidationError, "marshal workflow spec", err)
	}
	_, err = s.DB.Exec(
		`INSERT INTO workflows (id, name, version, spec_json) VALUES (?, ?, ?, ?)`,
		spec.ID, spec.Name, spec.Version, string(blob),
	)
	if err != nil {
		return errs.StoreError(err, "install workflow %s", spec.ID)
	}
	return nil
}

// UpdateWorkflow replaces an installed spec in place (used by `workflow
// update`). StepInstance rows of existing runs keep their own denormalized
// copy of type/loop/onFail/maxRetries (§3 invariant), but claim reads a
// step's input and expects from the installed spec, so later claims in
// existing runs render the updated text.
func (s *Store) UpdateWorkflow(spec model.WorkflowSpec) error {
	blob, err := json.Marshal(spec)
	if err != nil {
		return errs.Wrap(errs.CodeValidationError, "marshal workflow spec", err)
	}
	res, err := s.DB.Exec(
		`UPDATE workflows SET name = ?, version = ?, spec_json = ? WHERE id = ?`,
		spec.Name, spec.Version, string(blob), spec.ID,
	)
	if err != nil {
		return errs.StoreError(err, "update workflow %s", spec.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("workflow %s", spec.ID)
	}
	return nil
}

// UninstallWorkflow removes a workflow definition. Runs are never deleted:
// while any run references the workflow, the runs.workflow_id foreign key
// makes the delete fail and a StoreError is returned.
func (s *Store) UninstallWorkflow(id string) error {
	res, err := s.DB.Exec(`DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return errs.StoreError(err, "uninstall workflow %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("workflow %s", id)
	}
	return nil
}

// GetWorkflow loads one installed spec.
func (s *Store) GetWorkflow(id string) (*model.WorkflowSpec, error) {
	var blob string
	err := s.DB.QueryRow(`SELECT spec_json FROM workflows WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("workflow %s", id)
	}
	if err != nil {
		return nil, errs.StoreError(err, "get workflow %s", id)
	}
	var spec model.WorkflowSpec
	if err := json.Unmarshal([]byte(blob), &spec); err != nil {
		return nil, errs.Wrap(errs.CodeStoreError, "unmarshal workflow spec", err)
	}
	return &spec, nil
}

// TxGetWorkflow loads one installed spec within an existing transaction, so
// the engine can read it without starving the single-connection pool.
func (s *Store) TxGetWorkflow(tx *sql.Tx, id string) (*model.WorkflowSpec, error) {
	var blob string
	err := tx.QueryRow(`SELECT spec_json FROM workflows WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("workflow %s", id)
	}
	if err != nil {
		return nil, errs.StoreError(err, "get workflow %s", id)
	}
	var spec model.WorkflowSpec
	if err := json.Unmarshal([]byte(blob), &spec); err != nil {
		return nil, errs.Wrap(errs.CodeStoreError, "unmarshal workflow spec", err)
	}
	return &spec, nil
}

// ListWorkflows returns all installed specs.
func (s *Store) ListWorkflows() ([]model.WorkflowSpec, error) {
	rows, err := s.DB.Query(`SELECT spec_json FROM workflows ORDER BY created_at`)
	if err != nil {
		return nil, errs.StoreError(err, "list workflows")
	}
	defer rows.Close()

	var out []model.WorkflowSpec
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, errs.StoreError(err, "scan workflow")
		}
		var spec model.WorkflowSpec
		if err := json.Unmarshal([]byte(blob), &spec); err != nil {
			return nil, errs.Wrap(errs.CodeStoreError, "unmarshal workflow spec", err)
		}
		out = append(out, spec)
	}
	return out, rows.Err()
}

// CreateRun inserts a new run row plus one StepInstance per step in the
// spec, all `waiting` except the first which is `pending` (§3 Lifecycles).
func (s *Store) CreateRun(run model.Run, spec *model.WorkflowSpec) error {
	return Transact(s.DB, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO runs (id, workflow_id, task_title, lead_agent_id, session_label, status, current_step_index)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.WorkflowID, run.TaskTitle, run.LeadAgentID, run.SessionLabel, run.Status, run.CurrentStepIndex,
		)
		if err != nil {
			return errs.StoreError(err, "insert run %s", run.ID)
		}

		for i, def := range spec.Steps {
			status := model.StepWaiting
			if i == 0 {
				status = model.StepPending
			}
			maxRetries := def.MaxRetries
			if maxRetries == 0 {
				maxRetries = model.DefaultMaxRetries
			}
			loopJSON, onFailJSON, err := encodeStepDefBlobs(def)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(
				`INSERT INTO steps (id, run_id, def_id, agent_id, step_index, type, loop_json, on_fail_json, max_retries, status, retry_count)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
				newID(), run.ID, def.ID, def.Agent, i, string(def.Type), loopJSON, onFailJSON, maxRetries, status,
			); err != nil {
				return errs.StoreError(err, "insert step %s for run %s", def.ID, run.ID)
			}
		}
		return nil
	})
}

func encodeStepDefBlobs(def model.StepDef) (loopJSON, onFailJSON sql.NullString, err error) {
	if def.Loop != nil {
		b, e := json.Marshal(def.Loop)
		if e != nil {
			return loopJSON, onFailJSON, errs.Wrap(errs.CodeValidationError, "marshal loop config", e)
		}
		loopJSON = sql.NullString{String: string(b), Valid: true}
	}
	if def.OnFail != nil {
		b, e := json.Marshal(def.OnFail)
		if e != nil {
			return loopJSON, onFailJSON, errs.Wrap(errs.CodeValidationError, "marshal on_fail", e)
		}
		onFailJSON = sql.NullString{String: string(b), Valid: true}
	}
	return loopJSON, onFailJSON, nil
}

// GetRunFull loads a run together with its steps and stories.
func (s *Store) GetRunFull(runID string) (*RunFull, error) {
	run, err := s.getRun(s.DB, runID)
	if err != nil {
		return nil, err
	}
	steps, err := s.getSteps(s.DB, runID)
	if err != nil {
		return nil, err
	}
	stories, err := s.getStories(s.DB, runID)
	if err != nil {
		return nil, err
	}
	return &RunFull{Run: *run, Steps: steps, Stories: stories}, nil
}

func (s *Store) getRun(q queryer, runID string) (*model.Run, error) {
	var r model.Run
	err := q.QueryRow(
		`SELECT id, workflow_id, task_title, lead_agent_id, session_label, status, current_step_index, created_at, updated_at
		 FROM runs WHERE id = ?`, runID,
	).Scan(&r.ID, &r.WorkflowID, &r.TaskTitle, &r.LeadAgentID, &r.SessionLabel, &r.Status, &r.CurrentStepIndex, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("run %s", runID)
	}
	if err != nil {
		return nil, errs.StoreError(err, "get run %s", runID)
	}
	r.Context, err = s.getContext(q, runID)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) getContext(q queryer, runID string) (map[string]string, error) {
	rows, err := q.Query(`SELECT key, value FROM run_context WHERE run_id = ?`, runID)
	if err != nil {
		return nil, errs.StoreError(err, "get context for run %s", runID)
	}
	defer rows.Close()
	ctx := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errs.StoreError(err, "scan context row")
		}
		ctx[k] = v
	}
	return ctx, rows.Err()
}

// TxGetStep loads a single step instance by its own id.
func (s *Store) TxGetStep(tx *sql.Tx, stepID string) (*model.StepInstance, error) {
	row := tx.QueryRow(
		`SELECT id, run_id, def_id, agent_id, step_index, type, loop_json, on_fail_json, max_retries,
		        status, retry_count, current_story_id, created_at, updated_at
		 FROM steps WHERE id = ?`, stepID,
	)
	si, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("step %s", stepID)
	}
	if err != nil {
		return nil, errs.StoreError(err, "get step %s", stepID)
	}
	return si, nil
}

// TxGetStoryByStoryID loads a story by its human label within a run (the
// label stored as StepInstance.CurrentStoryID and rendered into
// current_story_id).
func (s *Store) TxGetStoryByStoryID(tx *sql.Tx, runID, storyID string) (*model.Story, error) {
	row := tx.QueryRow(
		`SELECT id, run_id, story_index, story_id, title, description, acceptance_criteria,
		        status, output, retry_count, max_retries, created_at
		 FROM stories WHERE run_id = ? AND story_id = ?`, runID, storyID,
	)
	st, err := scanStory(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("story %s in run %s", storyID, runID)
	}
	if err != nil {
		return nil, errs.StoreError(err, "get story %s in run %s", storyID, runID)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (*model.StepInstance, error) {
	var si model.StepInstance
	var loopJSON, onFailJSON, currentStoryID sql.NullString
	if err := row.Scan(&si.ID, &si.RunID, &si.DefID, &si.AgentID, &si.StepIndex, &si.Type,
		&loopJSON, &onFailJSON, &si.MaxRetries, &si.Status, &si.RetryCount, &currentStoryID,
		&si.CreatedAt, &si.UpdatedAt); err != nil {
		return nil, err
	}
	if loopJSON.Valid {
		var lc model.LoopConfig
		if err := json.Unmarshal([]byte(loopJSON.String), &lc); err != nil {
			return nil, err
		}
		si.Loop = &lc
	}
	if onFailJSON.Valid {
		var of model.OnFail
		if err := json.Unmarshal([]byte(onFailJSON.String), &of); err != nil {
			return nil, err
		}
		si.OnFail = &of
	}
	if currentStoryID.Valid {
		v := currentStoryID.String
		si.CurrentStoryID = &v
	}
	return &si, nil
}

func scanStory(row rowScanner) (*model.Story, error) {
	var st model.Story
	var acJSON string
	var output sql.NullString
	if err := row.Scan(&st.ID, &st.RunID, &st.StoryIndex, &st.StoryID, &st.Title, &st.Description,
		&acJSON, &st.Status, &output, &st.RetryCount, &st.MaxRetries, &st.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(acJSON), &st.AcceptanceCriteria); err != nil {
		return nil, err
	}
	if output.Valid {
		v := output.String
		st.Output = &v
	}
	return &st, nil
}

func (s *Store) getSteps(q queryer, runID string) ([]model.StepInstance, error) {
	rows, err := q.Query(
		`SELECT id, run_id, def_id, agent_id, step_index, type, loop_json, on_fail_json, max_retries,
		        status, retry_count, current_story_id, created_at, updated_at
		 FROM steps WHERE run_id = ? ORDER BY step_index`, runID,
	)
	if err != nil {
		return nil, errs.StoreError(err, "get steps for run %s", runID)
	}
	defer rows.Close()

	var out []model.StepInstance
	for rows.Next() {
		var si model.StepInstance
		var loopJSON, onFailJSON, currentStoryID sql.NullString
		if err := rows.Scan(&si.ID, &si.RunID, &si.DefID, &si.AgentID, &si.StepIndex, &si.Type,
			&loopJSON, &onFailJSON, &si.MaxRetries, &si.Status, &si.RetryCount, &currentStoryID,
			&si.CreatedAt, &si.UpdatedAt); err != nil {
			return nil, errs.StoreError(err, "scan step row")
		}
		if loopJSON.Valid {
			var lc model.LoopConfig
			if err := json.Unmarshal([]byte(loopJSON.String), &lc); err != nil {
				return nil, errs.Wrap(errs.CodeStoreError, "unmarshal loop config", err)
			}
			si.Loop = &lc
		}
		if onFailJSON.Valid {
			var of model.OnFail
			if err := json.Unmarshal([]byte(onFailJSON.String), &of); err != nil {
				return nil, errs.Wrap(errs.CodeStoreError, "unmarshal on_fail", err)
			}
			si.OnFail = &of
		}
		if currentStoryID.Valid {
			v := currentStoryID.String
			si.CurrentStoryID = &v
		}
		out = append(out, si)
	}
	return out, rows.Err()
}

func (s *Store) getStories(q queryer, runID string) ([]model.Story, error) {
	rows, err := q.Query(
		`SELECT id, run_id, story_index, story_id, title, description, acceptance_criteria,
		        status, output, retry_count, max_retries, created_at
		 FROM stories WHERE run_id = ? ORDER BY story_index`, runID,
	)
	if err != nil {
		return nil, errs.StoreError(err, "get stories for run %s", runID)
	}
	defer rows.Close()

	var out []model.Story
	for rows.Next() {
		var st model.Story
		var acJSON string
		var output sql.NullString
		if err := rows.Scan(&st.ID, &st.RunID, &st.StoryIndex, &st.StoryID, &st.Title, &st.Description,
			&acJSON, &st.Status, &output, &st.RetryCount, &st.MaxRetries, &st.CreatedAt); err != nil {
			return nil, errs.StoreError(err, "scan story row")
		}
		if err := json.Unmarshal([]byte(acJSON), &st.AcceptanceCriteria); err != nil {
			return nil, errs.Wrap(errs.CodeStoreError, "unmarshal acceptance criteria", err)
		}
		if output.Valid {
			v := output.String
			st.Output = &v
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// ListRuns returns every run, most recently created first.
func (s *Store) ListRuns() ([]model.Run, error) {
	rows, err := s.DB.Query(
		`SELECT id, workflow_id, task_title, lead_agent_id, session_label, status, current_step_index, created_at, updated_at
		 FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, errs.StoreError(err, "list runs")
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(&r.ID, &r.WorkflowID, &r.TaskTitle, &r.LeadAgentID, &r.SessionLabel,
			&r.Status, &r.CurrentStepIndex, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, errs.StoreError(err, "scan run row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FindClaimable returns the lowest-order pending StepInstance for agentID
// across all running runs, tie-broken by (run created_at, step_index), or
// nil if there is none. §4.4.1 step 1.
func (s *Store) FindClaimable(q queryer, agentID string) (*model.StepInstance, error) {
	rows, err := q.Query(
		`SELECT s.id, s.run_id, s.def_id, s.agent_id, s.step_index, s.type, s.loop_json, s.on_fail_json,
		        s.max_retries, s.status, s.retry_count, s.current_story_id, s.created_at, s.updated_at
		 FROM steps s
		 JOIN runs r ON r.id = s.run_id
		 WHERE s.agent_id = ? AND s.status = 'pending' AND r.status = 'running'
		 ORDER BY r.created_at ASC, s.step_index ASC
		 LIMIT 1`, agentID,
	)
	if err != nil {
		return nil, errs.StoreError(err, "find claimable step for agent %s", agentID)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, nil
	}
	var si model.StepInstance
	var loopJSON, onFailJSON, currentStoryID sql.NullString
	if err := rows.Scan(&si.ID, &si.RunID, &si.DefID, &si.AgentID, &si.StepIndex, &si.Type,
		&loopJSON, &onFailJSON, &si.MaxRetries, &si.Status, &si.RetryCount, &currentStoryID,
		&si.CreatedAt, &si.UpdatedAt); err != nil {
		return nil, errs.StoreError(err, "scan claimable step")
	}
	if loopJSON.Valid {
		var lc model.LoopConfig
		if err := json.Unmarshal([]byte(loopJSON.String), &lc); err != nil {
			return nil, errs.Wrap(errs.CodeStoreError, "unmarshal loop config", err)
		}
		si.Loop = &lc
	}
	if onFailJSON.Valid {
		var of model.OnFail
		if err := json.Unmarshal([]byte(onFailJSON.String), &of); err != nil {
			return nil, errs.Wrap(errs.CodeStoreError, "unmarshal on_fail", err)
		}
		si.OnFail = &of
	}
	if currentStoryID.Valid {
		v := currentStoryID.String
		si.CurrentStoryID = &v
	}
	return &si, nil
}

// UpdateStepStatus sets a step's status; current_story_id is left as is.
func (s *Store) UpdateStepStatus(tx *sql.Tx, stepID string, status model.StepStatus) error {
	_, err := tx.Exec(`UPDATE steps SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, stepID)
	if err != nil {
		return errs.StoreError(err, "update step %s status", stepID)
	}
	return nil
}

// SetCurrentStory sets or clears a step's current_story_id.
func (s *Store) SetCurrentStory(tx *sql.Tx, stepID string, storyID *string) error {
	_, err := tx.Exec(`UPDATE steps SET current_story_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, storyID, stepID)
	if err != nil {
		return errs.StoreError(err, "set current story for step %s", stepID)
	}
	return nil
}

// UpdateStepRetry sets a step's retry_count.
func (s *Store) UpdateStepRetry(tx *sql.Tx, stepID string, retryCount int) error {
	_, err := tx.Exec(`UPDATE steps SET retry_count = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, retryCount, stepID)
	if err != nil {
		return errs.StoreError(err, "update step %s retry count", stepID)
	}
	return nil
}

// ResetStep sets a step to the given status (waiting or pending during a
// rewind, §4.4.4), clears its retry count and its current_story_id.
func (s *Store) ResetStep(tx *sql.Tx, stepID string, status model.StepStatus) error {
	_, err := tx.Exec(
		`UPDATE steps SET status = ?, retry_count = 0, current_story_id = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, stepID,
	)
	if err != nil {
		return errs.StoreError(err, "reset step %s", stepID)
	}
	return nil
}

// InsertStories appends parsed stories for a run, continuing storyIndex
// from the current maximum (§9 open question 2: rewinds append, they don't
// replace). Each story's max_retries is taken from the run's loop step,
// or DefaultStoryMaxRetries when the run has no loop step.
func (s *Store) InsertStories(tx *sql.Tx, runID string, inputs []model.StoryInput) error {
	var nextIndex int
	err := tx.QueryRow(`SELECT COALESCE(MAX(story_index) + 1, 0) FROM stories WHERE run_id = ?`, runID).Scan(&nextIndex)
	if err != nil {
		return errs.StoreError(err, "compute next story index for run %s", runID)
	}
	storyMaxRetries := model.DefaultStoryMaxRetries
	err = tx.QueryRow(`SELECT max_retries FROM steps WHERE run_id = ? AND type = 'loop' ORDER BY step_index LIMIT 1`, runID).Scan(&storyMaxRetries)
	if err != nil && err != sql.ErrNoRows {
		return errs.StoreError(err, "read loop step retry budget for run %s", runID)
	}
	for i, in := range inputs {
		acJSON, err := json.Marshal(in.AcceptanceCriteria)
		if err != nil {
			return errs.Wrap(errs.CodeValidationError, "marshal acceptance criteria", err)
		}
		_, err = tx.Exec(
			`INSERT INTO stories (id, run_id, story_index, story_id, title, description, acceptance_criteria, status, retry_count, max_retries)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?)`,
			newID(), runID, nextIndex+i, in.ID, in.Title, in.Description, string(acJSON), storyMaxRetries,
		)
		if err != nil {
			return errs.StoreError(err, "insert story %s for run %s", in.ID, runID)
		}
	}
	return nil
}

// UpdateStoryStatus sets a story's status.
func (s *Store) UpdateStoryStatus(tx *sql.Tx, storyID string, status model.StoryStatus) error {
	_, err := tx.Exec(`UPDATE stories SET status = ? WHERE id = ?`, status, storyID)
	if err != nil {
		return errs.StoreError(err, "update story %s status", storyID)
	}
	return nil
}

// UpdateStoryOutput sets a story's status and output together (on completion).
func (s *Store) UpdateStoryOutput(tx *sql.Tx, storyID string, status model.StoryStatus, output string) error {
	_, err := tx.Exec(`UPDATE stories SET status = ?, output = ? WHERE id = ?`, status, output, storyID)
	if err != nil {
		return errs.StoreError(err, "update story %s output", storyID)
	}
	return nil
}

// UpdateStoryRetry sets a story's retry_count and status together.
func (s *Store) UpdateStoryRetry(tx *sql.Tx, storyID string, retryCount int, status model.StoryStatus) error {
	_, err := tx.Exec(`UPDATE stories SET retry_count = ?, status = ? WHERE id = ?`, retryCount, status, storyID)
	if err != nil {
		return errs.StoreError(err, "update story %s retry", storyID)
	}
	return nil
}

// NextPendingStory returns the lowest-storyIndex pending story for a run, or nil.
func (s *Store) NextPendingStory(tx *sql.Tx, runID string) (*model.Story, error) {
	row := tx.QueryRow(
		`SELECT id, run_id, story_index, story_id, title, description, acceptance_criteria, status, output, retry_count, max_retries, created_at
		 FROM stories WHERE run_id = ? AND status = 'pending' ORDER BY story_index ASC LIMIT 1`, runID,
	)
	var st model.Story
	var acJSON string
	var output sql.NullString
	err := row.Scan(&st.ID, &st.RunID, &st.StoryIndex, &st.StoryID, &st.Title, &st.Description,
		&acJSON, &st.Status, &output, &st.RetryCount, &st.MaxRetries, &st.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.StoreError(err, "find next pending story for run %s", runID)
	}
	if err := json.Unmarshal([]byte(acJSON), &st.AcceptanceCriteria); err != nil {
		return nil, errs.Wrap(errs.CodeStoreError, "unmarshal acceptance criteria", err)
	}
	if output.Valid {
		v := output.String
		st.Output = &v
	}
	return &st, nil
}

// HasPendingStories reports whether any story for a run is still pending.
func (s *Store) HasPendingStories(tx *sql.Tx, runID string) (bool, error) {
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM stories WHERE run_id = ? AND status = 'pending'`, runID).Scan(&n)
	if err != nil {
		return false, errs.StoreError(err, "count pending stories for run %s", runID)
	}
	return n > 0, nil
}

// MostRecentlyDoneStory returns the highest-storyIndex done story for a run.
func (s *Store) MostRecentlyDoneStory(tx *sql.Tx, runID string) (*model.Story, error) {
	row := tx.QueryRow(
		`SELECT id, run_id, story_index, story_id, title, description, acceptance_criteria, status, output, retry_count, max_retries, created_at
		 FROM stories WHERE run_id = ? AND status = 'done' ORDER BY story_index DESC LIMIT 1`, runID,
	)
	var st model.Story
	var acJSON string
	var output sql.NullString
	err := row.Scan(&st.ID, &st.RunID, &st.StoryIndex, &st.StoryID, &st.Title, &st.Description,
		&acJSON, &st.Status, &output, &st.RetryCount, &st.MaxRetries, &st.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.StoreError(err, "find most recently done story for run %s", runID)
	}
	if err := json.Unmarshal([]byte(acJSON), &st.AcceptanceCriteria); err != nil {
		return nil, errs.Wrap(errs.CodeStoreError, "unmarshal acceptance criteria", err)
	}
	if output.Valid {
		v := output.String
		st.Output = &v
	}
	return &st, nil
}

// MergeContext applies last-writer-wins key/value writes to a run's context (§3 invariant 6).
func (s *Store) MergeContext(tx *sql.Tx, runID string, kv map[string]string) error {
	for k, v := range kv {
		_, err := tx.Exec(
			`INSERT INTO run_context (run_id, key, value) VALUES (?, ?, ?)
			 ON CONFLICT (run_id, key) DO UPDATE SET value = excluded.value`,
			runID, k, v,
		)
		if err != nil {
			return errs.StoreError(err, "merge context key %s for run %s", k, runID)
		}
	}
	return nil
}

// ClearContextKey removes a context key (used to reset verify_feedback on a successful verify).
func (s *Store) ClearContextKey(tx *sql.Tx, runID, key string) error {
	_, err := tx.Exec(`DELETE FROM run_context WHERE run_id = ? AND key = ?`, runID, key)
	if err != nil {
		return errs.StoreError(err, "clear context key %s for run %s", key, runID)
	}
	return nil
}

// AppendStepResult appends an immutable StepResult row (§3: "append-only")
// and fills in the generated id and DB-assigned completed_at on res, so the
// caller's in-memory copy matches exactly what a later LastStepResult read
// would return.
func (s *Store) AppendStepResult(tx *sql.Tx, res *model.StepResult) error {
	id := newID()
	err := tx.QueryRow(
		`INSERT INTO step_results (id, run_id, step_def_id, agent_id, output, status, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 RETURNING id, completed_at`,
		id, res.RunID, res.StepDefID, res.AgentID, res.Output, res.Status, res.RetryCount,
	).Scan(&res.ID, &res.CompletedAt)
	if err != nil {
		return errs.StoreError(err, "append step result for run %s", res.RunID)
	}
	return nil
}

// LastStepResult returns the most recent StepResult for a step definition
// within a run, used for the idempotent-complete property (§8 property 5).
func (s *Store) LastStepResult(runID, stepDefID string) (*model.StepResult, error) {
	return scanLastStepResult(s.DB.QueryRow(
		`SELECT id, run_id, step_def_id, agent_id, output, status, retry_count, completed_at
		 FROM step_results WHERE run_id = ? AND step_def_id = ? ORDER BY completed_at DESC LIMIT 1`,
		runID, stepDefID,
	), runID, stepDefID)
}

// TxLastStepResult is LastStepResult run inside an existing transaction.
func (s *Store) TxLastStepResult(tx *sql.Tx, runID, stepDefID string) (*model.StepResult, error) {
	return scanLastStepResult(tx.QueryRow(
		`SELECT id, run_id, step_def_id, agent_id, output, status, retry_count, completed_at
		 FROM step_results WHERE run_id = ? AND step_def_id = ? ORDER BY completed_at DESC LIMIT 1`,
		runID, stepDefID,
	), runID, stepDefID)
}

func scanLastStepResult(row *sql.Row, runID, stepDefID string) (*model.StepResult, error) {
	var r model.StepResult
	err := row.Scan(&r.ID, &r.RunID, &r.StepDefID, &r.AgentID, &r.Output, &r.Status, &r.RetryCount, &r.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.StoreError(err, "get last step result for run %s step %s", runID, stepDefID)
	}
	return &r, nil
}

// SetRunStatus transitions a run's status.
func (s *Store) SetRunStatus(tx *sql.Tx, runID string, status model.RunStatus) error {
	_, err := tx.Exec(`UPDATE runs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, runID)
	if err != nil {
		return errs.StoreError(err, "set run %s status", runID)
	}
	return nil
}

// SetCurrentStepIndex advances a run's cursor.
func (s *Store) SetCurrentStepIndex(tx *sql.Tx, runID string, idx int) error {
	_, err := tx.Exec(`UPDATE runs SET current_step_index = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, idx, runID)
	if err != nil {
		return errs.StoreError(err, "set run %s step index", runID)
	}
	return nil
}

// TxGetRun loads a run, including its context, inside a transaction, for callers already holding tx.
func (s *Store) TxGetRun(tx *sql.Tx, runID string) (*model.Run, error) {
	return s.getRun(tx, runID)
}

// TxGetSteps loads steps inside a transaction.
func (s *Store) TxGetSteps(tx *sql.Tx, runID string) ([]model.StepInstance, error) {
	return s.getSteps(tx, runID)
}

// TxGetContext loads context inside a transaction.
func (s *Store) TxGetContext(tx *sql.Tx, runID string) (map[string]string, error) {
	return s.getContext(tx, runID)
}

// TxGetStories loads stories inside a transaction.
func (s *Store) TxGetStories(tx *sql.Tx, runID string) ([]model.Story, error) {
	return s.getStories(tx, runID)
}

func newID() string {
	return uuid.NewString()
}
