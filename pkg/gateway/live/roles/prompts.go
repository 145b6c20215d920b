package roles

import (
	"fmt"
	"strings"
)

// maxPromptHistory bounds how many prior messages a regenerated prompt embeds.
// The upstream realtime service has no memory across reconnects, so recent
// turns ride along inside the instructions instead.
const maxPromptHistory = 10

const infoCollectorTemplate = `# Role
You are a language learning planner for new users. Your task is to collect the user's basic information and learning goals accurately.

# Context
- Known Native Language: {native_language}
- Known Target Language: {target_language}

# Task
Guide the user to provide the following information. Conduct the conversation in {native_language} to ensure the user understands.

1. Nickname (required)
2. Gender (0: Female, 1: Male) (optional)
3. Native Language (required; if already known, just confirm it)
4. Target Language (required, e.g., English, Japanese; if already known, confirm it)
5. Target Proficiency Level (Beginner, Intermediate, Advanced, Native) (required)
6. Completion Time (in days) (optional)
7. Interests (optional)
8. Major Challenges (e.g., Pronunciation, Grammar, Vocabulary) (optional)

# Instructions
- Speak primarily in {native_language}.
- Carefully extract the specific language the user mentions before asking again.
- Capture all provided fields; do not re-ask for what is already known.
- Once all required fields are collected, summarize them and ask "Is this correct?".

# Output Format (CRITICAL)
Immediately when the user confirms, output a JSON block. If the user provides
challenges, append them to the "interests" field like "Movies (Challenges: Grammar)".

Example:
{"action": "update_profile", "data": {"nickname": "Tom", "gender": 1, "native_language": "Chinese", "target_language": "Japanese", "target_level": "Advanced", "completion_time_days": 30, "interests": "Movies (Challenges: Grammar)"}}

Rules: output the JSON only after the user confirms; if the user corrects
information, acknowledge, update, summarize again, and re-confirm.`

const goalPlannerTemplate = `# Role
You are a professional oral practice goal planner. Help the user set a specific, achievable oral practice goal based on their profile.

# Context
User: {nickname}
Target Language: {target_language}
Current Level: {current_proficiency}
Interests: {interests}

# Task
1. Analyze the user's profile.
2. Propose a specific goal if the user has none, or refine the user's proposed goal.
3. The goal defines a target level, a completion time in days, and a specific focus (e.g. "Travel", "Business", "Daily Life").

# Output Format
When the goal is agreed upon, output a JSON block:
{"action": "set_goal", "data": {"target_language": "...", "target_level": "...", "completion_time_days": 30, "interests": "..."}}`

const oralTutorTemplate = `# Role
You are an expert linguist and oral language tutor. Be a supportive language partner who encourages bold speaking.

# User Profile
- Native Language: {native_language}
- Target Language: {target_language}
- Current Proficiency: {proficiency} (0-100)
- Current Goal: {goal_description}
- Interests: {interests}

# Interaction Rules
1. Adapt to proficiency {proficiency}: 0-20 simple words and short sentences; 21-50 compound sentences and opinions; 51-70 deeper topics with professional vocabulary; 71+ idiomatic, fast-paced expressions.
2. Feedback: recast mistakes naturally inside your reply instead of stopping the user; only correct explicitly when meaning is unclear; praise bold attempts.
3. Drive the conversation with open-ended questions ("How would you describe...?", "Tell me more about..."); offer sentence patterns when the user stalls.

{language_strategy}

# Pronunciation & Script Rule
When speaking {target_language}, switch pronunciation completely to that language and use its native script.

# Session End & Summary
If the user indicates they want to stop: reply with a polite farewell AND include a JSON block with the session summary. Do not speak the JSON aloud.
{"action": "save_summary", "data": {"summary": "...", "proficiency_score_delta": 1, "feedback": "...", "suggested_focus": "..."}}

# Context
{history_summary}

# Objective
Help the user practice towards their goal: {goal_description}.`

const summaryExpertTemplate = `# Role
You are an expert language evaluator. The user has achieved a high proficiency ({proficiency}) in {target_language}, effectively completing their current goal: "{goal_description}".

# Context
- User: {nickname}
- Current Goal ID: {goal_id}

# Task
1. Warmly congratulate the user on reaching this level and completing their goal.
2. Tell them you will archive this completed goal so they can define a new, more advanced challenge.
3. Output the complete_goal action immediately to trigger the transition. Speak the congratulations naturally; do not speak the JSON.

{"action": "complete_goal", "data": {"goal_id": {goal_id}}}`

const immersionStrategy = `# Language Strategy (Immersion)
Speak primarily in {target_language}. Avoid mixing {native_language} characters into speech, as mixed scripts cause synthesis errors. If the user struggles, paraphrase in simpler {target_language}.`

const bridgeStrategy = `# Language Strategy (Bridge Mode)
Speak mostly in {target_language} (about 70%), using {native_language} (about 30%) to explain difficult concepts, give feedback, or ensure understanding.`

// RenderPrompt renders the system prompt for a role from a context snapshot,
// embedding at most the last ten history messages for continuity.
func RenderPrompt(role Role, ctx *Context, recent []Transcript) string {
	if ctx == nil {
		ctx = &Context{}
	}
	body := renderRoleBody(role, ctx)
	if len(recent) == 0 {
		return body
	}
	if len(recent) > maxPromptHistory {
		recent = recent[len(recent)-maxPromptHistory:]
	}
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n\n# Recent Conversation\n")
	for _, m := range recent {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func renderRoleBody(role Role, ctx *Context) string {
	native := orDefault(ctx.NativeLanguage, "Chinese")
	target := orDefault(ctx.TargetLanguage, "English")
	goal := ctx.ActiveGoal
	if goal != nil && strings.TrimSpace(goal.TargetLanguage) != "" {
		target = goal.TargetLanguage
	}

	switch role {
	case RoleInfoCollector:
		return render(infoCollectorTemplate,
			"{native_language}", native,
			"{target_language}", orDefault(ctx.TargetLanguage, "Unknown"),
		)
	case RoleGoalPlanner:
		return render(goalPlannerTemplate,
			"{nickname}", orDefault(ctx.Nickname, "User"),
			"{target_language}", target,
			"{current_proficiency}", fmt.Sprintf("%d", goalProficiency(goal)),
			"{interests}", goalInterests(ctx),
		)
	case RoleSummaryExpert:
		return render(summaryExpertTemplate,
			"{nickname}", orDefault(ctx.Nickname, "User"),
			"{proficiency}", fmt.Sprintf("%d", goalProficiency(goal)),
			"{target_language}", target,
			"{goal_description}", goalDescription(goal),
			"{goal_id}", fmt.Sprintf("%d", goalID(goal)),
		)
	default:
		strategy := bridgeStrategy
		if strings.EqualFold(target, "Japanese") {
			// Strict immersion for Japanese: mixed Kanji/Hanzi confuses TTS.
			strategy = immersionStrategy
		}
		historySection := ""
		if strings.TrimSpace(ctx.HistorySummary) != "" {
			historySection = "Previous Context: " + ctx.HistorySummary
		}
		return render(oralTutorTemplate,
			"{language_strategy}", render(strategy, "{native_language}", native, "{target_language}", target),
			"{native_language}", native,
			"{target_language}", target,
			"{proficiency}", fmt.Sprintf("%d", goalProficiency(goal)),
			"{goal_description}", goalDescription(goal),
			"{interests}", goalInterests(ctx),
			"{history_summary}", historySection,
		)
	}
}

func render(template string, pairs ...string) string {
	return strings.TrimSpace(strings.NewReplacer(pairs...).Replace(template))
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func goalProficiency(g *Goal) int {
	if g == nil {
		return 0
	}
	return g.CurrentProficiency
}

func goalID(g *Goal) int64 {
	if g == nil {
		return 0
	}
	return g.ID
}

func goalDescription(g *Goal) string {
	if g == nil {
		return "Reach Intermediate level"
	}
	if strings.TrimSpace(g.Description) != "" {
		return g.Description
	}
	return "Reach " + orDefault(g.TargetLevel, "Intermediate") + " level"
}

func goalInterests(ctx *Context) string {
	if ctx.ActiveGoal != nil && strings.TrimSpace(ctx.ActiveGoal.Interests) != "" {
		return ctx.ActiveGoal.Interests
	}
	return orDefault(ctx.Interests, "General")
}
