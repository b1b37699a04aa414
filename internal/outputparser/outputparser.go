// Package outputparser interprets the free-text convention an agent's
// output follows (§4.3): an optional STATUS line, zero or more KEY: VALUE
// context writes, an optional multi-line STORIES_JSON payload, and an
// optional ISSUES block on retry. Grounded on the teacher's line-scanning
// node-output readers; no regex engine is used beyond the single
// character-class check the contract calls for (§9).
package outputparser

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/openclaw/antfarm/internal/errs"
	"github.com/openclaw/antfarm/internal/model"
)

// Status is the authoritative STATUS value of a parsed output.
type Status string

const (
	StatusDone    Status = "done"
	StatusRetry   Status = "retry"
	StatusBlocked Status = "blocked"
)

// Result is everything extracted from one agent output.
type Result struct {
	Status  Status
	Context map[string]string // KEY: VALUE context writes, key lower-cased
	Stories []model.StoryInput
	Issues  string // set only when Status == StatusRetry
}

var keyLine = regexp.MustCompile(`^([A-Z_][A-Z0-9_]*):\s?(.*)$`)

// Parse interprets raw agent output per §4.3. A malformed STORIES_JSON
// payload returns a ParseError; everything else degrades gracefully
// (missing STATUS defaults to done, an unrecognized STATUS value is
// treated as an error since the contract enumerates exactly three).
func Parse(output string) (*Result, error) {
	lines := strings.Split(output, "\n")

	res := &Result{Status: StatusDone, Context: map[string]string{}}
	statusSeen := false

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		m := keyLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key, rest := m[1], m[2]

		switch key {
		case "STATUS":
			status := Status(strings.ToLower(strings.TrimSpace(rest)))
			switch status {
			case StatusDone, StatusRetry, StatusBlocked:
				res.Status = status
				statusSeen = true
			default:
				return nil, errs.ParseError("unrecognized STATUS value %q", rest)
			}

		case "STORIES_JSON":
			span, consumed := captureSpan(rest, lines[i+1:])
			i += consumed
			stories, err := parseStories(span)
			if err != nil {
				return nil, err
			}
			res.Stories = stories

		case "ISSUES":
			span, consumed := captureSpan(rest, lines[i+1:])
			i += consumed
			res.Issues = strings.TrimSpace(span)

		default:
			res.Context[strings.ToLower(key)] = strings.TrimSpace(rest)
		}
	}

	if !statusSeen {
		res.Status = StatusDone
	}
	// §8 boundary: STATUS: done discards ISSUES even if present in the text.
	if res.Status != StatusRetry {
		res.Issues = ""
	}
	return res, nil
}

// captureSpan concatenates firstLine plus every following line up to (but
// not including) the next line that independently matches a KEY: line, or
// end of output. It returns the captured text and the number of following
// lines it consumed.
func captureSpan(firstLine string, following []string) (string, int) {
	var b strings.Builder
	b.WriteString(firstLine)

	consumed := 0
	for _, line := range following {
		if keyLine.MatchString(line) {
			break
		}
		b.WriteString("\n")
		b.WriteString(line)
		consumed++
	}
	return b.String(), consumed
}

func parseStories(span string) ([]model.StoryInput, error) {
	span = strings.TrimSpace(span)
	var stories []model.StoryInput
	if err := json.Unmarshal([]byte(span), &stories); err != nil {
		return nil, errs.ParseError("invalid STORIES_JSON payload: %v", err)
	}
	if len(stories) > model.MaxStories {
		return nil, errs.ParseError("STORIES_JSON has %d entries, exceeds the limit of %d", len(stories), model.MaxStories)
	}

	seen := make(map[string]bool, len(stories))
	for _, s := range stories {
		if s.ID == "" {
			return nil, errs.ParseError("STORIES_JSON entry missing id")
		}
		if seen[s.ID] {
			return nil, errs.ParseError("STORIES_JSON has duplicate id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Title == "" {
			return nil, errs.ParseError("STORIES_JSON entry %q missing title", s.ID)
		}
		if len(s.AcceptanceCriteria) == 0 {
			return nil, errs.ParseError("STORIES_JSON entry %q has no acceptance criteria", s.ID)
		}
	}
	return stories, nil
}
