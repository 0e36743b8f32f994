// Package fixer rewrites TypeScript sources to clear a fixed set of compiler
// diagnostics without invoking a model. It is stateless and deterministic:
// the same files and issues always produce the same output.
package fixer

import (
	"context"
	"sort"

	"appforge/pkg/logx"
	"appforge/pkg/proto"
)

// FileFetcher loads a file that is referenced but absent from the in-memory
// map. It is called at most once per path; results are cached for the run.
type FileFetcher func(ctx context.Context, path string) (string, bool)

// FixedIssue records a diagnostic the fixer cleared.
type FixedIssue struct {
	Issue proto.StaticIssue `json:"issue"`
	Note  string            `json:"note,omitempty"`
}

// UnfixableIssue records a diagnostic the fixer declined, with the reason.
type UnfixableIssue struct {
	Issue  proto.StaticIssue `json:"issue"`
	Reason string            `json:"reason"`
}

// FixResult is the outcome of one fixer run. ModifiedFiles maps path to the
// full new contents; merging across fixers is last-write-wins by path.
type FixResult struct {
	FixedIssues     []FixedIssue
	UnfixableIssues []UnfixableIssue
	ModifiedFiles   map[string]string
}

// outcome is what a single fixer returns for a single issue.
type outcome struct {
	fixed    bool
	reason   string // set when not fixed
	note     string
	modified map[string]string
}

// fixerFunc clears one diagnostic against the project, returning the files
// it rewrote. Implementations must not mutate proj.files directly.
type fixerFunc func(ctx context.Context, proj *project, issue proto.StaticIssue) outcome

// registry maps diagnostic codes to their fixers. Unregistered codes pass
// through as unfixable.
//
//nolint:gochecknoglobals // Static dispatch table
var registry = map[string]fixerFunc{
	"TS2307": fixCannotFindModule,
	"TS2613": fixImportKindMismatch,
	"TS2614": fixImportKindMismatch,
	"TS2304": fixCannotFindName,
	"TS2305": fixMissingExportedMember,
	"TS2724": fixMisspelledExportedMember,
}

// FixProjectIssues applies one deterministic fix pass over the project.
// Issues are processed in a stable order (sorted by file, line, rule);
// modified contents are threaded forward so later fixes see earlier ones.
// Applying the result a second time is a fixed point.
func FixProjectIssues(ctx context.Context, files map[string]string, issues []proto.StaticIssue, fetcher FileFetcher) (FixResult, error) {
	proj := newProject(files, fetcher)
	logger := logx.NewLogger("fixer")

	sorted := make([]proto.StaticIssue, len(issues))
	copy(sorted, issues)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].FilePath != sorted[j].FilePath {
			return sorted[i].FilePath < sorted[j].FilePath
		}
		if sorted[i].Line != sorted[j].Line {
			return sorted[i].Line < sorted[j].Line
		}
		return sorted[i].RuleID < sorted[j].RuleID
	})

	result := FixResult{ModifiedFiles: make(map[string]string)}
	for _, issue := range sorted {
		fix, ok := registry[issue.RuleID]
		if !ok {
			result.UnfixableIssues = append(result.UnfixableIssues, UnfixableIssue{Issue: issue, Reason: "No fixer available"})
			continue
		}

		out := fix(ctx, proj, issue)
		if !out.fixed {
			logger.Debug("%s in %s not fixed: %s", issue.RuleID, issue.FilePath, out.reason)
			result.UnfixableIssues = append(result.UnfixableIssues, UnfixableIssue{Issue: issue, Reason: out.reason})
			continue
		}

		result.FixedIssues = append(result.FixedIssues, FixedIssue{Issue: issue, Note: out.note})
		for path, contents := range out.modified {
			if !CanModifyFile(path) {
				continue
			}
			result.ModifiedFiles[path] = contents
			proj.put(path, contents)
		}
	}
	return result, nil
}
