package sentinel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/proto"
)

func TestClassifyEmpty(t *testing.T) {
	assert.Equal(t, ActionNone, Classify(nil).Action)
	assert.Equal(t, ActionNone, Classify([]proto.RuntimeError{}).Action)
}

func TestClassifyLocalError(t *testing.T) {
	decision := Classify([]proto.RuntimeError{
		{Message: "Cannot read properties of undefined (reading 'map')", FilePath: "src/components/List.tsx"},
	})
	assert.Equal(t, ActionCodeReview, decision.Action)
	require.Len(t, decision.Errors, 1)
	assert.Equal(t, "src/components/List.tsx", decision.Errors[0].FilePath)
}

func TestClassifySystemicByFileCount(t *testing.T) {
	decision := Classify([]proto.RuntimeError{
		{Message: "x is undefined", FilePath: "src/a.tsx"},
		{Message: "y is undefined", FilePath: "src/b.tsx"},
		{Message: "z is undefined", FilePath: "src/c.tsx"},
	})
	assert.Equal(t, ActionPhaseLoop, decision.Action)
	assert.Len(t, decision.Errors, 3)
}

func TestClassifyBootstrapFailure(t *testing.T) {
	decision := Classify([]proto.RuntimeError{
		{Message: "Failed to resolve import \"@/lib/store\" from \"src/App.tsx\"", FilePath: "src/App.tsx"},
	})
	assert.Equal(t, ActionPhaseLoop, decision.Action)
}

func TestClassifyDeduplicates(t *testing.T) {
	err := proto.RuntimeError{Message: "boom", FilePath: "src/a.tsx"}
	decision := Classify([]proto.RuntimeError{err, err, err})
	assert.Equal(t, ActionCodeReview, decision.Action)
	assert.Len(t, decision.Errors, 1)
}

func TestClassifyDedupByStackWhenNoFile(t *testing.T) {
	a := proto.RuntimeError{Message: "boom", Stack: "at foo\nat bar"}
	b := proto.RuntimeError{Message: "boom", Stack: "at baz\nat qux"}
	decision := Classify([]proto.RuntimeError{a, a, b})
	assert.Len(t, decision.Errors, 2)
}

func TestCondenseTruncates(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	decision := Classify([]proto.RuntimeError{{Message: string(long), FilePath: "src/a.tsx"}})
	require.Len(t, decision.Errors, 1)
	assert.LessOrEqual(t, len(decision.Errors[0].Summary), 310)
}
