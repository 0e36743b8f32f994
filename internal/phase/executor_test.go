package phase

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/llm"
	"appforge/pkg/proto"
	"appforge/pkg/sandbox"
)

func collectEmits(sink *[]proto.Message) EmitFunc {
	return func(msg proto.Message) { *sink = append(*sink, msg) }
}

func typeSequence(msgs []proto.Message) []proto.MsgType {
	out := make([]proto.MsgType, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func firstIndex(msgs []proto.Message, t proto.MsgType, match func(payload any) bool) int {
	for i, m := range msgs {
		if m.Type != t {
			continue
		}
		if match == nil || match(m.Payload) {
			return i
		}
	}
	return -1
}

func bootstrapSession(t *testing.T, fake *sandbox.Fake) string {
	t.Helper()
	sessionID, err := fake.Bootstrap(context.Background(), "vite-react")
	require.NoError(t, err)
	return sessionID
}

func twoFilePhase() proto.BlueprintPhase {
	return proto.BlueprintPhase{
		Name:        "Scaffold layout",
		Description: "Header and landing page",
		Files: []proto.FilePlan{
			{Path: "src/components/Header.tsx", Purpose: "top navigation"},
			{Path: "src/pages/Home.tsx", Purpose: "landing page"},
		},
	}
}

func TestExecuteCleanPhase(t *testing.T) {
	fake := sandbox.NewFake()
	sessionID := bootstrapSession(t, fake)

	header := "export const Header = () => <nav>app</nav>;\n"
	home := "export const Home = () => <main>welcome</main>;\n"
	mock := llm.NewMockClient(llm.MockText(header), llm.MockText(home))
	exec := NewExecutor(mock, fake)

	var msgs []proto.Message
	result, err := exec.Execute(context.Background(), Input{
		SessionID: sessionID,
		Query:     "build a landing page",
		Phase:     twoFilePhase(),
		Mode:      proto.ModeDeterministic,
	}, collectEmits(&msgs))
	require.NoError(t, err)

	assert.False(t, result.IssuesFound)
	assert.True(t, result.Phase.Completed)
	assert.Equal(t, "Scaffold layout", result.Phase.Name)
	require.Len(t, result.WrittenFiles, 2)
	assert.Equal(t, header, result.WrittenFiles["src/components/Header.tsx"])

	files := fake.Files(sessionID)
	assert.Equal(t, home, files["src/pages/Home.tsx"])

	seq := typeSequence(msgs)
	assert.Equal(t, proto.MsgPhaseGenerating, seq[0])
	assert.Equal(t, proto.MsgPhaseValidated, seq[len(seq)-1])

	// Per-file ordering: generating < every chunk < generated.
	forPath := func(path string) func(any) bool {
		return func(payload any) bool {
			switch p := payload.(type) {
			case *proto.FilePathPayload:
				return p.FilePath == path
			case *proto.FileChunkPayload:
				return p.FilePath == path
			case *proto.FilePayload:
				return p.File.FilePath == path
			default:
				return false
			}
		}
	}
	for _, path := range []string{"src/components/Header.tsx", "src/pages/Home.tsx"} {
		genIdx := firstIndex(msgs, proto.MsgFileGenerating, forPath(path))
		chunkIdx := firstIndex(msgs, proto.MsgFileChunkGenerated, forPath(path))
		doneIdx := firstIndex(msgs, proto.MsgFileGenerated, forPath(path))
		require.GreaterOrEqual(t, genIdx, 0, path)
		require.GreaterOrEqual(t, chunkIdx, 0, path)
		require.GreaterOrEqual(t, doneIdx, 0, path)
		assert.Less(t, genIdx, chunkIdx, path)
		assert.Less(t, chunkIdx, doneIdx, path)
	}

	reviewedIdx := firstIndex(msgs, proto.MsgCodeReviewed, nil)
	require.GreaterOrEqual(t, reviewedIdx, 0)
	review := msgs[reviewedIdx].Payload.(*proto.CodeReviewedPayload)
	assert.False(t, review.Review.IssuesFound)
}

func TestExecuteDeterministicFixPass(t *testing.T) {
	fake := sandbox.NewFake()
	sessionID := bootstrapSession(t, fake)

	broken := "import { toast } from '@/components/ui/sonner';\n\nexport const Home = () => { toast; return null; };\n"
	fake.Reports = []proto.StaticAnalysisReport{
		{TypeIssues: []proto.StaticIssue{{
			RuleID:   "TS2724",
			Message:  "'@/components/ui/sonner' has no exported member named 'toast'. Did you mean 'Toaster'?",
			FilePath: "src/pages/Home.tsx",
			Line:     1,
		}}},
		{},
	}

	mock := llm.NewMockClient(llm.MockText(broken))
	exec := NewExecutor(mock, fake)

	var msgs []proto.Message
	result, err := exec.Execute(context.Background(), Input{
		SessionID: sessionID,
		Query:     "home page",
		Phase: proto.BlueprintPhase{
			Name:  "Home",
			Files: []proto.FilePlan{{Path: "src/pages/Home.tsx", Purpose: "landing page"}},
		},
		Mode: proto.ModeDeterministic,
	}, collectEmits(&msgs))
	require.NoError(t, err)

	assert.False(t, result.IssuesFound)
	assert.True(t, result.Phase.Completed)
	assert.Contains(t, result.WrittenFiles["src/pages/Home.tsx"], "import { Toaster }")
	assert.Contains(t, fake.Files(sessionID)["src/pages/Home.tsx"], "import { Toaster }")

	assert.GreaterOrEqual(t, firstIndex(msgs, proto.MsgCodeReviewing, nil), 0)
	assert.GreaterOrEqual(t, firstIndex(msgs, proto.MsgFileRegenerated, nil), 0)

	// Only the file generation hit the model.
	assert.Len(t, mock.Requests(), 1)
}

func TestRegenerationAnnouncesBeforeRewrite(t *testing.T) {
	fake := sandbox.NewFake()
	sessionID := bootstrapSession(t, fake)

	broken := "import { toast } from '@/components/ui/sonner';\n\nexport const Home = () => { toast; return null; };\n"
	fake.Reports = []proto.StaticAnalysisReport{
		{TypeIssues: []proto.StaticIssue{{
			RuleID:   "TS2724",
			Message:  "'@/components/ui/sonner' has no exported member named 'toast'. Did you mean 'Toaster'?",
			FilePath: "src/pages/Home.tsx",
			Line:     1,
		}}},
		{},
	}

	mock := llm.NewMockClient(llm.MockText(broken))
	exec := NewExecutor(mock, fake)

	var msgs []proto.Message
	_, err := exec.Execute(context.Background(), Input{
		SessionID: sessionID,
		Query:     "home page",
		Phase: proto.BlueprintPhase{
			Name:  "Home",
			Files: []proto.FilePlan{{Path: "src/pages/Home.tsx", Purpose: "landing page"}},
		},
		Mode: proto.ModeDeterministic,
	}, collectEmits(&msgs))
	require.NoError(t, err)

	// Every rewritten file is announced before its new contents land.
	sameFile := func(path string) func(any) bool {
		return func(payload any) bool {
			switch p := payload.(type) {
			case *proto.FilePathPayload:
				return p.FilePath == path
			case *proto.FilePayload:
				return p.File.FilePath == path
			default:
				return false
			}
		}
	}
	for i, msg := range msgs {
		if msg.Type != proto.MsgFileRegenerated {
			continue
		}
		path := msg.Payload.(*proto.FilePayload).File.FilePath
		announceIdx := firstIndex(msgs, proto.MsgFileRegenerating, sameFile(path))
		require.GreaterOrEqual(t, announceIdx, 0, path)
		assert.Less(t, announceIdx, i, path)
	}
	require.GreaterOrEqual(t, firstIndex(msgs, proto.MsgFileRegenerated, nil), 0)
}

func TestExecuteStopsBetweenFiles(t *testing.T) {
	fake := sandbox.NewFake()
	sessionID := bootstrapSession(t, fake)

	mock := llm.NewMockClient(llm.MockText("// header\n"), llm.MockText("// home\n"))
	exec := NewExecutor(mock, fake)

	var generated int
	var msgs []proto.Message
	emit := func(msg proto.Message) {
		msgs = append(msgs, msg)
		if msg.Type == proto.MsgFileGenerated {
			generated++
		}
	}

	result, err := exec.Execute(context.Background(), Input{
		SessionID: sessionID,
		Query:     "landing page",
		Phase:     twoFilePhase(),
		Mode:      proto.ModeDeterministic,
		Stopped:   func() bool { return generated > 0 },
	}, emit)
	require.ErrorIs(t, err, ErrStopped)
	assert.Nil(t, result)

	// The file finished before the stop is flushed; the rest never runs.
	files := fake.Files(sessionID)
	assert.Contains(t, files, "src/components/Header.tsx")
	assert.NotContains(t, files, "src/pages/Home.tsx")
	assert.Len(t, mock.Requests(), 1)
	assert.Equal(t, -1, firstIndex(msgs, proto.MsgPhaseValidating, nil))
}

func TestExecuteSmartModePatchTurn(t *testing.T) {
	fake := sandbox.NewFake()
	sessionID := bootstrapSession(t, fake)

	fake.Reports = []proto.StaticAnalysisReport{
		{TypeIssues: []proto.StaticIssue{{
			RuleID:   "TS2551",
			Message:  "Property 'vlaue' does not exist. Did you mean 'value'?",
			FilePath: "src/pages/Home.tsx",
			Line:     3,
		}}},
		{},
	}

	generated := "export const Home = () => {\n  const state = { value: 1 };\n  return state.vlaue;\n};\n"
	patch := `{"edits": [{"filePath": "src/pages/Home.tsx", "search": "state.vlaue", "replacement": "state.value"}]}`
	mock := llm.NewMockClient(llm.MockText(generated), llm.MockText(patch))
	exec := NewExecutor(mock, fake)

	result, err := exec.Execute(context.Background(), Input{
		SessionID: sessionID,
		Query:     "home page",
		Phase: proto.BlueprintPhase{
			Name:  "Home",
			Files: []proto.FilePlan{{Path: "src/pages/Home.tsx", Purpose: "landing page"}},
		},
		Mode: proto.ModeSmart,
	}, nil)
	require.NoError(t, err)

	assert.False(t, result.IssuesFound)
	assert.Contains(t, fake.Files(sessionID)["src/pages/Home.tsx"], "state.value")
	assert.NotContains(t, fake.Files(sessionID)["src/pages/Home.tsx"], "state.vlaue")
	assert.Len(t, mock.Requests(), 2)
}

func TestExecuteDeterministicModeSurfacesUnfixables(t *testing.T) {
	fake := sandbox.NewFake()
	sessionID := bootstrapSession(t, fake)

	fake.Reports = []proto.StaticAnalysisReport{
		{TypeIssues: []proto.StaticIssue{{
			RuleID:   "TS2551",
			Message:  "Property 'vlaue' does not exist",
			FilePath: "src/pages/Home.tsx",
		}}},
	}

	mock := llm.NewMockClient(llm.MockText("export const Home = () => null;\n"))
	exec := NewExecutor(mock, fake)

	var msgs []proto.Message
	result, err := exec.Execute(context.Background(), Input{
		SessionID: sessionID,
		Query:     "home page",
		Phase: proto.BlueprintPhase{
			Name:  "Home",
			Files: []proto.FilePlan{{Path: "src/pages/Home.tsx", Purpose: "landing page"}},
		},
		Mode: proto.ModeDeterministic,
	}, collectEmits(&msgs))
	require.NoError(t, err)

	assert.True(t, result.IssuesFound)
	assert.True(t, result.Phase.Completed, "residual issues do not hold the phase open")
	assert.Equal(t, []string{"src/pages/Home.tsx"}, result.FilesToFix)

	reviewedIdx := firstIndex(msgs, proto.MsgCodeReviewed, nil)
	require.GreaterOrEqual(t, reviewedIdx, 0)
	review := msgs[reviewedIdx].Payload.(*proto.CodeReviewedPayload)
	assert.True(t, review.Review.IssuesFound)

	// No model patch turns in deterministic mode.
	assert.Len(t, mock.Requests(), 1)
}

func TestPlanFilesAcceptsAddsNotDeletes(t *testing.T) {
	fake := sandbox.NewFake()
	sessionID := bootstrapSession(t, fake)

	// The model "forgets" Home.tsx and adds a store; the planned files stay.
	planJSON := `{"files": [
		{"path": "src/components/Header.tsx", "purpose": "top navigation"},
		{"path": "src/lib/store.ts", "purpose": "dark mode state"}
	]}`
	mock := llm.NewMockClient(
		llm.MockText(planJSON),
		llm.MockText("// header\n"),
		llm.MockText("// home\n"),
		llm.MockText("// store\n"),
	)
	exec := NewExecutor(mock, fake)

	result, err := exec.Execute(context.Background(), Input{
		SessionID:       sessionID,
		Query:           "landing page",
		Phase:           twoFilePhase(),
		UserSuggestions: []string{"Add a dark mode toggle"},
		Mode:            proto.ModeDeterministic,
	}, nil)
	require.NoError(t, err)

	paths := make([]string, 0, len(result.Phase.Files))
	for _, f := range result.Phase.Files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{
		"src/components/Header.tsx",
		"src/pages/Home.tsx",
		"src/lib/store.ts",
	}, paths)
	assert.Len(t, result.WrittenFiles, 3)
}

func TestGenerateFileStripsFences(t *testing.T) {
	fake := sandbox.NewFake()
	sessionID := bootstrapSession(t, fake)

	fenced := "```tsx\nexport const Home = () => null;\n```"
	mock := llm.NewMockClient(llm.MockText(fenced))
	exec := NewExecutor(mock, fake)

	result, err := exec.Execute(context.Background(), Input{
		SessionID: sessionID,
		Query:     "home",
		Phase: proto.BlueprintPhase{
			Name:  "Home",
			Files: []proto.FilePlan{{Path: "src/pages/Home.tsx", Purpose: "landing page"}},
		},
		Mode: proto.ModeDeterministic,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "export const Home = () => null;", result.WrittenFiles["src/pages/Home.tsx"])
}

func TestGenerateBlueprint(t *testing.T) {
	blueprintJSON := `{
		"title": "Habit Tracker",
		"description": "Track daily habits.",
		"frameworks": ["react", "vite"],
		"phases": [
			{"name": "Scaffold", "description": "layout", "files": [{"path": "src/App.tsx", "purpose": "root"}]},
			{"name": "Habits", "description": "crud", "files": [{"path": "src/lib/habits.ts", "purpose": "state"}]}
		]
	}`
	mock := llm.NewMockClient(llm.MockText(blueprintJSON))

	var chunks int
	bp, err := GenerateBlueprint(context.Background(), mock, BlueprintRequest{
		Query:    "habit tracker",
		Template: proto.TemplateDetails{Name: "vite-react"},
	}, func(string) { chunks++ })
	require.NoError(t, err)

	assert.Equal(t, "Habit Tracker", bp.Title)
	require.Len(t, bp.Phases, 2)
	assert.Equal(t, "Scaffold", bp.Phases[0].Name)
	assert.Positive(t, chunks)
}

func TestGenerateBlueprintRejectsEmptyPlan(t *testing.T) {
	mock := llm.NewMockClient(llm.MockText(`{"title": "X", "description": "", "phases": []}`))
	_, err := GenerateBlueprint(context.Background(), mock, BlueprintRequest{Query: "x"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blueprint")
}

func TestGenerateBlueprintRejectsTooManyPhases(t *testing.T) {
	phases := ""
	for i := 0; i < MaxPhases+1; i++ {
		if i > 0 {
			phases += ","
		}
		phases += fmt.Sprintf(`{"name": "P%d", "description": "d", "files": [{"path": "src/p%d.ts", "purpose": "p"}]}`, i, i)
	}
	raw := `{"title": "X", "description": "d", "phases": [` + phases + `]}`
	mock := llm.NewMockClient(llm.MockText(raw))
	_, err := GenerateBlueprint(context.Background(), mock, BlueprintRequest{Query: "x"}, nil)
	require.Error(t, err)
}
