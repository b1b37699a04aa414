// Package manifest parses the declarative workflow manifest of §6 into an
// installed model.WorkflowSpec. The manifest is authored snake_case; the
// yaml tags on the wire types below do the snake_case -> camelCase mapping,
// grounded on the teacher's yaml-tagged node-config structs.
package manifest

import (
	"gopkg.in/yaml.v3"

	"github.com/openclaw/antfarm/internal/errs"
	"github.com/openclaw/antfarm/internal/model"
)

type doc struct {
	ID      string     `yaml:"id"`
	Name    string     `yaml:"name"`
	Version int        `yaml:"version"`
	Agents  []agentDoc `yaml:"agents"`
	Steps   []stepDoc  `yaml:"steps"`
}

type agentDoc struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Workspace   string `yaml:"workspace"`
}

type stepDoc struct {
	ID         string     `yaml:"id"`
	Agent      string     `yaml:"agent"`
	Type       string     `yaml:"type"`
	Loop       *loopDoc   `yaml:"loop"`
	Input      string     `yaml:"input"`
	Expects    string     `yaml:"expects"`
	MaxRetries int        `yaml:"max_retries"`
	OnFail     *onFailDoc `yaml:"on_fail"`
}

type loopDoc struct {
	Over         string `yaml:"over"`
	Completion   string `yaml:"completion"`
	FreshSession *bool  `yaml:"fresh_session"`
	VerifyEach   bool   `yaml:"verify_each"`
	VerifyStep   string `yaml:"verify_step"`
}

type onFailDoc struct {
	RetryStep   string       `yaml:"retry_step"`
	MaxRetries  int          `yaml:"max_retries"`
	OnExhausted *onExhausted `yaml:"on_exhausted"`
}

type onExhausted struct {
	EscalateTo string `yaml:"escalate_to"`
}

// Parse decodes a manifest document and validates every cross-reference,
// returning an installation-ready WorkflowSpec.
func Parse(data []byte) (*model.WorkflowSpec, error) {
	var d doc
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, errs.ValidationError("invalid manifest yaml: %v", err)
	}

	spec, err := toSpec(d)
	if err != nil {
		return nil, err
	}
	if err := validate(spec); err != nil {
		return nil, err
	}
	return spec, nil
}

func toSpec(d doc) (*model.WorkflowSpec, error) {
	spec := &model.WorkflowSpec{
		ID:      d.ID,
		Name:    d.Name,
		Version: d.Version,
	}
	if spec.Version == 0 {
		spec.Version = 1
	}

	for _, a := range d.Agents {
		spec.Agents = append(spec.Agents, model.Agent{
			ID:          a.ID,
			Name:        a.Name,
			Description: a.Description,
			Workspace:   a.Workspace,
		})
	}

	for _, s := range d.Steps {
		stepType := model.StepTypeSingle
		if s.Type == string(model.StepTypeLoop) {
			stepType = model.StepTypeLoop
		} else if s.Type != "" && s.Type != string(model.StepTypeSingle) {
			return nil, errs.ValidationError("step %q has unrecognized type %q", s.ID, s.Type)
		}

		maxRetries := s.MaxRetries
		if maxRetries == 0 {
			maxRetries = model.DefaultMaxRetries
		}

		def := model.StepDef{
			ID:         s.ID,
			Agent:      s.Agent,
			Type:       stepType,
			Input:      s.Input,
			Expects:    s.Expects,
			MaxRetries: maxRetries,
		}

		if s.Loop != nil {
			freshSession := true
			if s.Loop.FreshSession != nil {
				freshSession = *s.Loop.FreshSession
			}
			def.Loop = &model.LoopConfig{
				Over:         s.Loop.Over,
				Completion:   s.Loop.Completion,
				FreshSession: freshSession,
				VerifyEach:   s.Loop.VerifyEach,
				VerifyStep:   s.Loop.VerifyStep,
			}
		}

		if s.OnFail != nil {
			of := &model.OnFail{RetryStep: s.OnFail.RetryStep}
			if s.OnFail.OnExhausted != nil {
				of.EscalateTo = s.OnFail.OnExhausted.EscalateTo
			}
			def.OnFail = of
		}

		spec.Steps = append(spec.Steps, def)
	}

	return spec, nil
}

// validate checks every cross-reference named in §6: agent, verify_step,
// retry_step, and escalate_to must each resolve within the spec.
func validate(spec *model.WorkflowSpec) error {
	if spec.ID == "" {
		return errs.ValidationError("workflow manifest missing id")
	}
	if len(spec.Steps) == 0 {
		return errs.ValidationError("workflow %q has no steps", spec.ID)
	}

	agentIDs := make(map[string]bool, len(spec.Agents))
	for _, a := range spec.Agents {
		agentIDs[a.ID] = true
	}

	stepIDs := make(map[string]bool, len(spec.Steps))
	for _, s := range spec.Steps {
		if stepIDs[s.ID] {
			return errs.ValidationError("duplicate step id %q", s.ID)
		}
		stepIDs[s.ID] = true
	}

	for _, s := range spec.Steps {
		if !agentIDs[s.Agent] {
			return errs.ValidationError("step %q references unknown agent %q", s.ID, s.Agent)
		}
		if s.Type == model.StepTypeLoop {
			if s.Loop == nil {
				return errs.ValidationError("step %q is type loop but has no loop config", s.ID)
			}
			if s.Loop.Over != "stories" {
				return errs.ValidationError("step %q loop.over must be \"stories\", got %q", s.ID, s.Loop.Over)
			}
			if s.Loop.Completion != "all_done" {
				return errs.ValidationError("step %q loop.completion must be \"all_done\", got %q", s.ID, s.Loop.Completion)
			}
			if s.Loop.VerifyEach {
				if s.Loop.VerifyStep == "" {
					return errs.ValidationError("step %q has verify_each but no verify_step", s.ID)
				}
				if !stepIDs[s.Loop.VerifyStep] {
					return errs.ValidationError("step %q references unknown verify_step %q", s.ID, s.Loop.VerifyStep)
				}
			}
		}
		if s.OnFail != nil {
			if s.OnFail.RetryStep != "" && !stepIDs[s.OnFail.RetryStep] {
				return errs.ValidationError("step %q on_fail.retry_step references unknown step %q", s.ID, s.OnFail.RetryStep)
			}
			if s.OnFail.EscalateTo != "" && !agentIDs[s.OnFail.EscalateTo] {
				return errs.ValidationError("step %q on_fail.escalate_to references unknown agent %q", s.ID, s.OnFail.EscalateTo)
			}
		}
	}
	return nil
}
