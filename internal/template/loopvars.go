package template

import (
	"fmt"
	"strings"

	"github.com/openclaw/antfarm/internal/model"
)

// LoopVars builds the dynamic variables §4.2 requires when rendering a step
// inside a run that has stories: current_story, current_story_id,
// current_story_title, completed_stories, stories_remaining, and
// verify_feedback (progress is populated separately by the workspace
// bridge, since it requires a filesystem read).
func LoopVars(stories []model.Story, current *model.Story, verifyFeedback string) map[string]string {
	vars := map[string]string{
		"verify_feedback":   verifyFeedback,
		"stories_remaining": fmt.Sprintf("%d", countPending(stories)),
		"completed_stories": completedSummary(stories),
	}
	if current != nil {
		vars["current_story"] = formatStory(*current)
		vars["current_story_id"] = current.StoryID
		vars["current_story_title"] = current.Title
	}
	return vars
}

func countPending(stories []model.Story) int {
	n := 0
	for _, s := range stories {
		if s.Status == model.StoryPending {
			n++
		}
	}
	return n
}

func completedSummary(stories []model.Story) string {
	var b strings.Builder
	for _, s := range stories {
		if s.Status != model.StoryDone {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", s.StoryID, s.Title)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatStory(s model.Story) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", s.StoryID, s.Title)
	if s.Description != "" {
		fmt.Fprintf(&b, "%s\n", s.Description)
	}
	for i, ac := range s.AcceptanceCriteria {
		fmt.Fprintf(&b, "%d. %s\n", i+1, ac)
	}
	return strings.TrimRight(b.String(), "\n")
}
