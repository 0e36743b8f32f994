package phase

import (
	"fmt"
	"sort"
	"strings"

	"appforge/pkg/proto"
)

const planSystemPrompt = `You are planning one implementation phase of a generated web application.
Given the phase's planned files and the user's change requests, respond with JSON:
{"files": [{"path": "...", "purpose": "..."}]}
Include every planned file. You may add files the change requests require; never remove planned files.`

const fileSystemPrompt = `You are writing one source file of a generated web application.
Respond with the complete file contents only. No prose, no markdown fences, no explanations.`

const fixSystemPrompt = `You are repairing compiler diagnostics in a generated web application.
Respond with JSON: {"edits": [{"filePath": "...", "search": "...", "replacement": "..."}]}
Each search string must appear verbatim in the named file and will be replaced exactly once.
Make the smallest edits that clear the diagnostics. Respond with {"edits": []} if nothing can be fixed.`

func buildPlanPrompt(in Input) string {
	var sb strings.Builder
	writeProjectHeader(&sb, in)
	fmt.Fprintf(&sb, "\nPhase: %s\n%s\n\nPlanned files:\n", in.Phase.Name, in.Phase.Description)
	for _, f := range in.Phase.Files {
		fmt.Fprintf(&sb, "- %s: %s\n", f.Path, f.Purpose)
	}
	sb.WriteString("\nUser change requests to incorporate:\n")
	for _, s := range in.UserSuggestions {
		fmt.Fprintf(&sb, "- %s\n", s)
	}
	return sb.String()
}

func buildFilePrompt(in Input, file proto.FilePlan) string {
	var sb strings.Builder
	writeProjectHeader(&sb, in)
	fmt.Fprintf(&sb, "\nPhase: %s\n%s\n", in.Phase.Name, in.Phase.Description)

	if len(in.UserSuggestions) > 0 {
		sb.WriteString("\nUser change requests:\n")
		for _, s := range in.UserSuggestions {
			fmt.Fprintf(&sb, "- %s\n", s)
		}
	}

	if len(in.Files) > 0 {
		sb.WriteString("\nExisting project files:\n")
		for _, path := range sortedFilePaths(in.Files) {
			fmt.Fprintf(&sb, "--- %s ---\n%s\n", path, in.Files[path].Contents)
		}
	}

	fmt.Fprintf(&sb, "\nWrite the complete contents of %s.\nPurpose: %s\n", file.Path, file.Purpose)
	return sb.String()
}

func buildFixPrompt(in Input, files map[string]string, report proto.StaticAnalysisReport) string {
	var sb strings.Builder
	writeProjectHeader(&sb, in)

	sb.WriteString("\nRemaining diagnostics:\n")
	for _, issue := range report.AllIssues() {
		fmt.Fprintf(&sb, "- %s %s:%d %s\n", issue.RuleID, issue.FilePath, issue.Line, issue.Message)
	}

	// Only the files the diagnostics touch ride along; the rest is noise.
	flagged := make(map[string]bool)
	for _, issue := range report.AllIssues() {
		if issue.FilePath != "" {
			flagged[issue.FilePath] = true
		}
	}
	paths := make([]string, 0, len(flagged))
	for path := range flagged {
		if _, ok := files[path]; ok {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	sb.WriteString("\nAffected files:\n")
	for _, path := range paths {
		fmt.Fprintf(&sb, "--- %s ---\n%s\n", path, files[path])
	}
	return sb.String()
}

func writeProjectHeader(sb *strings.Builder, in Input) {
	fmt.Fprintf(sb, "Project request: %s\n", in.Query)
	if in.Blueprint != nil {
		fmt.Fprintf(sb, "App: %s\n%s\n", in.Blueprint.Title, in.Blueprint.Description)
		if len(in.Blueprint.Frameworks) > 0 {
			fmt.Fprintf(sb, "Frameworks: %s\n", strings.Join(in.Blueprint.Frameworks, ", "))
		}
	}
}

func sortedFilePaths(files map[string]proto.GeneratedFile) []string {
	out := make([]string, 0, len(files))
	for path := range files {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// stripCodeFences removes a single wrapping markdown fence if the model
// added one despite instructions.
func stripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return s
	}
	last := len(lines) - 1
	if strings.TrimSpace(lines[last]) != "```" {
		return s
	}
	return strings.Join(lines[1:last], "\n")
}
