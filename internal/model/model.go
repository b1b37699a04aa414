// Package model holds the plain data Entities of the step-operations
// engine: workflow specs, runs, step instances, stories, and results.
// Types here carry no behavior; the engine in internal/engine operates on
// them.
package model

import "time"

// StepType distinguishes a step definition's execution shape.
type StepType string

const (
	StepTypeSingle StepType = "single"
	StepTypeLoop   StepType = "loop"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunBlocked   RunStatus = "blocked"
	RunCompleted RunStatus = "completed"
	RunCanceled  RunStatus = "canceled"
)

// StepStatus is the lifecycle state of a StepInstance.
type StepStatus string

const (
	StepWaiting StepStatus = "waiting"
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
)

// StoryStatus is the lifecycle state of a Story.
type StoryStatus string

const (
	StoryPending StoryStatus = "pending"
	StoryRunning StoryStatus = "running"
	StoryDone    StoryStatus = "done"
	StoryFailed  StoryStatus = "failed"
)

// StepResultStatus records the terminal outcome appended to a run's history.
type StepResultStatus string

const (
	ResultDone    StepResultStatus = "done"
	ResultRetry   StepResultStatus = "retry"
	ResultBlocked StepResultStatus = "blocked"
)

// Agent is one named participant a step can be assigned to.
type Agent struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Workspace   string `json:"workspace,omitempty" yaml:"workspace,omitempty"`
}

// LoopConfig is present on a step definition iff Type == StepTypeLoop.
type LoopConfig struct {
	Over         string `json:"over" yaml:"over"`               // always "stories"
	Completion   string `json:"completion" yaml:"completion"`   // always "all_done"
	FreshSession bool   `json:"freshSession" yaml:"freshSession"`
	VerifyEach   bool   `json:"verifyEach" yaml:"verifyEach"`
	VerifyStep   string `json:"verifyStep,omitempty" yaml:"verifyStep,omitempty"`
}

// OnFail describes escalation policy on retry exhaustion.
type OnFail struct {
	RetryStep  string `json:"retryStep,omitempty" yaml:"retryStep,omitempty"`
	EscalateTo string `json:"escalateTo,omitempty" yaml:"escalateTo,omitempty"`
}

// StepDef is one stage in an installed WorkflowSpec.
type StepDef struct {
	ID          string      `json:"id" yaml:"id"`
	Agent       string      `json:"agent" yaml:"agent"`
	Type        StepType    `json:"type" yaml:"type"`
	Loop        *LoopConfig `json:"loop,omitempty" yaml:"loop,omitempty"`
	Input       string      `json:"input" yaml:"input"`
	Expects     string      `json:"expects,omitempty" yaml:"expects,omitempty"`
	MaxRetries  int         `json:"maxRetries" yaml:"maxRetries"`
	OnFail      *OnFail     `json:"onFail,omitempty" yaml:"onFail,omitempty"`
}

// WorkflowSpec is an immutable, installed pipeline definition.
type WorkflowSpec struct {
	ID      string    `json:"id" yaml:"id"`
	Name    string    `json:"name" yaml:"name"`
	Version int       `json:"version" yaml:"version"`
	Agents  []Agent   `json:"agents" yaml:"agents"`
	Steps   []StepDef `json:"steps" yaml:"steps"`
}

// AgentByID returns the agent with the given id, or nil.
func (w *WorkflowSpec) AgentByID(id string) *Agent {
	for i := range w.Agents {
		if w.Agents[i].ID == id {
			return &w.Agents[i]
		}
	}
	return nil
}

// StepByID returns the step definition with the given id, or nil.
func (w *WorkflowSpec) StepByID(id string) *StepDef {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// StepIndex returns the ordinal position of the step with the given id, or -1.
func (w *WorkflowSpec) StepIndex(id string) int {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// Run is one execution of a WorkflowSpec.
type Run struct {
	ID                string
	WorkflowID        string
	TaskTitle         string
	LeadAgentID       string
	SessionLabel      string
	Status            RunStatus
	CurrentStepIndex  int
	Context           map[string]string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// StepInstance is one step per run, with its own runtime state.
type StepInstance struct {
	ID              string
	RunID           string
	DefID           string
	AgentID         string
	StepIndex       int
	Type            StepType
	Loop            *LoopConfig
	Status          StepStatus
	RetryCount      int
	MaxRetries      int
	OnFail          *OnFail
	CurrentStoryID  *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Story is one unit of work inside a loop step.
type Story struct {
	ID                 string
	RunID              string
	StoryIndex         int
	StoryID            string
	Title              string
	Description        string
	AcceptanceCriteria []string
	Status             StoryStatus
	Output             *string
	RetryCount         int
	MaxRetries         int
	CreatedAt          time.Time
}

// StepResult is an immutable record of one terminal step completion.
type StepResult struct {
	ID            string
	RunID         string
	StepDefID     string
	AgentID       string
	Output        string
	Status        StepResultStatus
	RetryCount    int
	CompletedAt   time.Time
}

// ClaimedWork is returned by claim: the rendered prompt for one step.
type ClaimedWork struct {
	StepInstanceID string
	RunID          string
	StepDefID      string
	AgentID        string
	RenderedInput  string
	Expects        string
	StoryID        *string // human label (e.g. "US-001"), set for loop steps
}

// StoryInput is one element of a parsed STORIES_JSON payload.
type StoryInput struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
}

const (
	// MaxStories is the upper bound on stories accepted from one STORIES_JSON payload.
	MaxStories = 20
	// DefaultMaxRetries is applied to a step definition when not specified.
	DefaultMaxRetries = 2
	// DefaultStoryMaxRetries is applied to a story when not specified.
	DefaultStoryMaxRetries = 2
)
