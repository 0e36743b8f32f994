// Package sentinel classifies runtime errors from the deployed preview into
// a pipeline decision: ignore, run a review cycle, or re-loop the phase.
package sentinel

import (
	"strings"

	"appforge/pkg/proto"
)

// Action is what the session agent should do about a batch of errors.
type Action string

const (
	// ActionNone means the batch is empty or all noise.
	ActionNone Action = "none"
	// ActionCodeReview means errors are local; one model review cycle.
	ActionCodeReview Action = "code_review"
	// ActionPhaseLoop means errors look systemic; re-run the phase.
	ActionPhaseLoop Action = "phase_loop"
)

// systemicFileThreshold is the distinct-file count at which a batch stops
// looking like a local bug.
const systemicFileThreshold = 3

// ErrorSummary is one deduplicated error, condensed for prompts and the UI.
type ErrorSummary struct {
	Summary  string `json:"summary"`
	FilePath string `json:"filePath,omitempty"`
}

// Decision is the classifier output.
type Decision struct {
	Action Action         `json:"action"`
	Errors []ErrorSummary `json:"errors,omitempty"`
}

// bootstrapMarkers are substrings that indicate the app cannot start at
// all, which always warrants a phase loop.
//
//nolint:gochecknoglobals // Static classification table
var bootstrapMarkers = []string{
	"failed to fetch dynamically imported module",
	"cannot find module",
	"module not found",
	"unexpected token '<'",
	"is not defined",
	"failed to resolve import",
}

// Classify reduces an ordered error batch to a decision. Errors are
// deduplicated by (message, filePath|stackHash); order of first occurrence
// is preserved in the summaries.
func Classify(errors []proto.RuntimeError) Decision {
	if len(errors) == 0 {
		return Decision{Action: ActionNone}
	}

	seen := make(map[string]bool)
	files := make(map[string]bool)
	var summaries []ErrorSummary
	systemic := false

	for i := range errors {
		e := &errors[i]
		key := e.Message + "|" + e.FilePath
		if e.FilePath == "" {
			key = e.DedupKey()
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		if e.FilePath != "" {
			files[e.FilePath] = true
		}
		if isBootstrapFailure(e.Message) {
			systemic = true
		}
		summaries = append(summaries, ErrorSummary{
			Summary:  condense(e.Message),
			FilePath: e.FilePath,
		})
	}

	if len(summaries) == 0 {
		return Decision{Action: ActionNone}
	}
	if systemic || len(files) >= systemicFileThreshold {
		return Decision{Action: ActionPhaseLoop, Errors: summaries}
	}
	return Decision{Action: ActionCodeReview, Errors: summaries}
}

func isBootstrapFailure(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range bootstrapMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// condense trims an error message to its first line, capped for prompts.
func condense(message string) string {
	if idx := strings.IndexByte(message, '\n'); idx >= 0 {
		message = message[:idx]
	}
	const maxLen = 300
	if len(message) > maxLen {
		message = message[:maxLen] + "..."
	}
	return strings.TrimSpace(message)
}
