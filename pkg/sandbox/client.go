// Package sandbox defines the contract with the sandbox runner service that
// hosts generated applications, and provides the HTTP client plus an
// in-memory fake for tests.
package sandbox

import (
	"context"
	"errors"
	"time"

	"appforge/pkg/proto"
)

// CallBudget bounds every individual runner call.
const CallBudget = 30 * time.Second

// DeployBudget bounds deploy calls, which bundle and upload the app.
const DeployBudget = 60 * time.Second

// ErrSessionNotFound indicates the runner no longer knows the session, e.g.
// after a runner restart. Callers re-bootstrap and replay files.
var ErrSessionNotFound = errors.New("sandbox session not found")

// ExecResult is the outcome of a command run inside the sandbox.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Client is the sandbox runner contract. All calls are synchronous;
// implementations enforce the per-call budget internally.
type Client interface {
	// Bootstrap provisions a fresh dev session seeded from the named
	// template and returns its session id.
	Bootstrap(ctx context.Context, templateName string) (string, error)

	// WriteFile replaces one file in the session workspace.
	WriteFile(ctx context.Context, sessionID, path, contents string) error

	// WriteFiles replaces many files, in parallel where the implementation
	// supports it.
	WriteFiles(ctx context.Context, sessionID string, files map[string]string) error

	// ReadFile returns the contents of one workspace file.
	ReadFile(ctx context.Context, sessionID, path string) (string, error)

	// Exec runs a command in the session workspace.
	Exec(ctx context.Context, sessionID string, cmd []string) (ExecResult, error)

	// StaticAnalysis runs lint and typecheck over the workspace.
	StaticAnalysis(ctx context.Context, sessionID string) (proto.StaticAnalysisReport, error)

	// RuntimeErrors returns errors captured from the running preview. When
	// clear is set the runner's buffer is drained.
	RuntimeErrors(ctx context.Context, sessionID string, clear bool) ([]proto.RuntimeError, error)

	// DeployPreview publishes the session to an ephemeral preview URL.
	DeployPreview(ctx context.Context, sessionID string) (string, error)

	// DeployPermanent publishes the session to its durable URL.
	DeployPermanent(ctx context.Context, sessionID string) (string, error)

	// GetTemplate returns a template's metadata and seed files.
	GetTemplate(ctx context.Context, name string) (proto.TemplateDetails, error)
}
