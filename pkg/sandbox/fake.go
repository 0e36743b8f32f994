package sandbox

import (
	"context"
	"fmt"
	"sync"

	"appforge/pkg/proto"
)

// Fake is an in-memory Client for tests. It records writes and execs and
// replays scripted analysis reports, runtime errors and deploy URLs.
type Fake struct {
	mu sync.Mutex

	sessions  map[string]map[string]string // sessionID -> path -> contents
	templates map[string]proto.TemplateDetails
	nextID    int

	// Scripted behavior.
	Reports      []proto.StaticAnalysisReport // consumed per StaticAnalysis call; last repeats
	reportIdx    int
	Errors       []proto.RuntimeError
	PreviewURL   string
	PermanentURL string
	ExecResults  map[string]ExecResult // keyed by cmd[0]
	FailNext     map[string]error      // method name -> error returned once

	// Call records.
	ExecLog      [][]string
	BootstrapLog []string
}

// NewFake creates an empty fake with one default template registered.
func NewFake() *Fake {
	return &Fake{
		sessions: make(map[string]map[string]string),
		templates: map[string]proto.TemplateDetails{
			"vite-react": {
				Name: "vite-react",
				Files: []proto.TemplateFile{
					{Path: "src/App.tsx", Contents: "export default function App() { return null }\n"},
					{Path: "src/main.tsx", Contents: "import App from './App'\n"},
				},
			},
		},
		PreviewURL:   "https://preview.fake.dev",
		PermanentURL: "https://app.fake.dev",
		ExecResults:  make(map[string]ExecResult),
		FailNext:     make(map[string]error),
	}
}

// RegisterTemplate adds or replaces a template.
func (f *Fake) RegisterTemplate(t proto.TemplateDetails) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates[t.Name] = t
}

// Files returns a copy of a session's workspace.
func (f *Fake) Files(sessionID string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.sessions[sessionID]))
	for k, v := range f.sessions[sessionID] {
		out[k] = v
	}
	return out
}

func (f *Fake) failNext(method string) error {
	if err, ok := f.FailNext[method]; ok {
		delete(f.FailNext, method)
		return err
	}
	return nil
}

// Bootstrap implements Client.
func (f *Fake) Bootstrap(_ context.Context, templateName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext("Bootstrap"); err != nil {
		return "", err
	}

	tmpl, ok := f.templates[templateName]
	if !ok {
		return "", fmt.Errorf("template %q not found", templateName)
	}

	f.nextID++
	id := fmt.Sprintf("session-%d", f.nextID)
	workspace := make(map[string]string, len(tmpl.Files))
	for _, file := range tmpl.Files {
		workspace[file.Path] = file.Contents
	}
	f.sessions[id] = workspace
	f.BootstrapLog = append(f.BootstrapLog, templateName)
	return id, nil
}

// WriteFile implements Client.
func (f *Fake) WriteFile(_ context.Context, sessionID, path, contents string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext("WriteFile"); err != nil {
		return err
	}
	workspace, ok := f.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	workspace[path] = contents
	return nil
}

// WriteFiles implements Client.
func (f *Fake) WriteFiles(ctx context.Context, sessionID string, files map[string]string) error {
	for path, contents := range files {
		if err := f.WriteFile(ctx, sessionID, path, contents); err != nil {
			return err
		}
	}
	return nil
}

// ReadFile implements Client.
func (f *Fake) ReadFile(_ context.Context, sessionID, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	workspace, ok := f.sessions[sessionID]
	if !ok {
		return "", ErrSessionNotFound
	}
	contents, ok := workspace[path]
	if !ok {
		return "", fmt.Errorf("file %q not found", path)
	}
	return contents, nil
}

// Exec implements Client.
func (f *Fake) Exec(_ context.Context, sessionID string, cmd []string) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext("Exec"); err != nil {
		return ExecResult{}, err
	}
	if _, ok := f.sessions[sessionID]; !ok {
		return ExecResult{}, ErrSessionNotFound
	}
	f.ExecLog = append(f.ExecLog, cmd)
	if len(cmd) > 0 {
		if result, ok := f.ExecResults[cmd[0]]; ok {
			return result, nil
		}
	}
	return ExecResult{Stdout: "ok"}, nil
}

// StaticAnalysis implements Client.
func (f *Fake) StaticAnalysis(_ context.Context, sessionID string) (proto.StaticAnalysisReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext("StaticAnalysis"); err != nil {
		return proto.StaticAnalysisReport{}, err
	}
	if _, ok := f.sessions[sessionID]; !ok {
		return proto.StaticAnalysisReport{}, ErrSessionNotFound
	}
	if len(f.Reports) == 0 {
		return proto.StaticAnalysisReport{}, nil
	}
	report := f.Reports[f.reportIdx]
	if f.reportIdx < len(f.Reports)-1 {
		f.reportIdx++
	}
	return report, nil
}

// RuntimeErrors implements Client.
func (f *Fake) RuntimeErrors(_ context.Context, sessionID string, clear bool) ([]proto.RuntimeError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	out := make([]proto.RuntimeError, len(f.Errors))
	copy(out, f.Errors)
	if clear {
		f.Errors = nil
	}
	return out, nil
}

// DeployPreview implements Client.
func (f *Fake) DeployPreview(_ context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext("DeployPreview"); err != nil {
		return "", err
	}
	if _, ok := f.sessions[sessionID]; !ok {
		return "", ErrSessionNotFound
	}
	return f.PreviewURL, nil
}

// DeployPermanent implements Client.
func (f *Fake) DeployPermanent(_ context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext("DeployPermanent"); err != nil {
		return "", err
	}
	if _, ok := f.sessions[sessionID]; !ok {
		return "", ErrSessionNotFound
	}
	return f.PermanentURL, nil
}

// GetTemplate implements Client.
func (f *Fake) GetTemplate(_ context.Context, name string) (proto.TemplateDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tmpl, ok := f.templates[name]
	if !ok {
		return proto.TemplateDetails{}, fmt.Errorf("template %q not found", name)
	}
	return tmpl, nil
}
