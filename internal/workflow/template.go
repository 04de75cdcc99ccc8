package workflow

import "regexp"

// Prompt templates use {{name}} placeholders. The well-known variables are
// mission_prompt, context, worktree_path, and external_ref; workflows may
// document additional custom variables. Unknown variables render empty.
var templateVar = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Render substitutes {{var}} placeholders in text from vars.
func Render(text string, vars map[string]string) string {
	return templateVar.ReplaceAllStringFunc(text, func(match string) string {
		name := templateVar.FindStringSubmatch(match)[1]
		return vars[name]
	})
}

// Vars builds the substitution map for a mission-scoped render.
func Vars(missionPrompt, worktreePath, contextText, externalRef string) map[string]string {
	return map[string]string{
		"mission_prompt": missionPrompt,
		"worktree_path":  worktreePath,
		"context":        contextText,
		"external_ref":   externalRef,
	}
}
