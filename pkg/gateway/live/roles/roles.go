// Package roles decides which conversational role the tutor adopts for a
// session and renders the matching system prompt. Both operations are pure:
// callers own the context snapshot and compare results themselves.
package roles

import "strings"

type Role string

const (
	RoleInfoCollector Role = "InfoCollector"
	RoleGoalPlanner   Role = "GoalPlanner"
	RoleOralTutor     Role = "OralTutor"
	RoleSummaryExpert Role = "SummaryExpert"
)

// graduationProficiency is the score at which the active goal is considered
// achieved and the session moves to summary mode.
const graduationProficiency = 90

// Goal is the user's active learning goal, if any.
type Goal struct {
	ID                 int64  `json:"id"`
	Type               string `json:"type"`
	TargetLanguage     string `json:"target_language"`
	TargetLevel        string `json:"target_level"`
	CurrentProficiency int    `json:"current_proficiency"`
	Description        string `json:"description"`
	Interests          string `json:"interests"`
}

// Context is the slice of the user profile the role policy and prompt
// rendering consume. A zero Context is valid and means "nothing known".
type Context struct {
	Nickname       string `json:"nickname"`
	NativeLanguage string `json:"native_language"`
	TargetLanguage string `json:"target_language"`
	Interests      string `json:"interests"`
	HistorySummary string `json:"history_summary"`
	ActiveGoal     *Goal  `json:"active_goal"`
}

// Transcript is one prior conversation message embedded into a regenerated
// prompt so the upstream service keeps continuity across reconnects.
type Transcript struct {
	Role    string
	Content string
}

// Determine maps a context snapshot to a role. Rules are evaluated in order;
// the first match wins.
func Determine(ctx *Context) Role {
	if ctx == nil {
		return RoleInfoCollector
	}
	if strings.TrimSpace(ctx.NativeLanguage) == "" {
		return RoleInfoCollector
	}
	goal := ctx.ActiveGoal
	if goal == nil || strings.TrimSpace(goal.Type) == "" || strings.TrimSpace(goal.TargetLanguage) == "" {
		return RoleGoalPlanner
	}
	if goal.CurrentProficiency >= graduationProficiency {
		return RoleSummaryExpert
	}
	return RoleOralTutor
}
