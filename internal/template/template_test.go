package template_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openclaw/antfarm/internal/model"
	"github.com/openclaw/antfarm/internal/template"
)

func TestResolveSubstitutesKnownVars(t *testing.T) {
	out := template.Resolve("implement {{current_story_id}}: {{task}}", map[string]string{
		"current_story_id": "US-1",
		"task":              "add login",
	})
	assert.Equal(t, "implement US-1: add login", out)
}

func TestResolveUnresolvedBecomesEmpty(t *testing.T) {
	out := template.Resolve("hello {{unknown}}!", nil)
	assert.Equal(t, "hello !", out)
}

func TestResolveUnterminatedPlaceholderPassesThrough(t *testing.T) {
	out := template.Resolve("broken {{oops", map[string]string{"oops": "x"})
	assert.Equal(t, "broken {{oops", out)
}

func TestLoopVarsCountsPendingAndSummarizesDone(t *testing.T) {
	stories := []model.Story{
		{StoryID: "US-1", Title: "first", Status: model.StoryDone},
		{StoryID: "US-2", Title: "second", Status: model.StoryPending},
		{StoryID: "US-3", Title: "third", Status: model.StoryPending},
	}
	vars := template.LoopVars(stories, &stories[1], "")
	assert.Equal(t, "2", vars["stories_remaining"])
	assert.Equal(t, "- US-1: first", vars["completed_stories"])
	assert.Equal(t, "US-2", vars["current_story_id"])
	assert.Equal(t, "second", vars["current_story_title"])
}

func TestLoopVarsFormatsCurrentStoryWithNumberedCriteria(t *testing.T) {
	s := model.Story{
		StoryID: "US-1", Title: "login", Description: "add a login form",
		AcceptanceCriteria: []string{"form renders", "submits to /login"},
	}
	vars := template.LoopVars(nil, &s, "no tests")
	assert.Contains(t, vars["current_story"], "US-1: login")
	assert.Contains(t, vars["current_story"], "1. form renders")
	assert.Contains(t, vars["current_story"], "2. submits to /login")
	assert.Equal(t, "no tests", vars["verify_feedback"])
}
