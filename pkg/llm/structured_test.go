package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/llm/llmerrors"
)

type planDoc struct {
	Name   string   `json:"name"`
	Phases []string `json:"phases"`
}

func TestExtractJSONObject(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", `Here is the plan: {"a":1} hope it helps`, `{"a":1}`},
		{"nested braces", `{"a":{"b":2}}`, `{"a":{"b":2}}`},
		{"brace in string", `{"a":"}"}`, `{"a":"}"}`},
		{"no object", "sorry, I cannot do that", ""},
		{"unbalanced", `{"a":1`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractJSONObject(tc.in))
		})
	}
}

func TestGenerateObjectParsesFirstTry(t *testing.T) {
	mock := NewMockClient(MockText(`{"name":"todo app","phases":["core","polish"]}`))

	var streamed string
	doc, err := GenerateObject[planDoc](context.Background(), mock, NewRequest(UserMessage("plan")), func(s string) {
		streamed += s
	})
	require.NoError(t, err)
	assert.Equal(t, "todo app", doc.Name)
	assert.Equal(t, []string{"core", "polish"}, doc.Phases)
	assert.Contains(t, streamed, "todo app")
}

func TestGenerateObjectRepairsOnce(t *testing.T) {
	mock := NewMockClient(
		MockText("Sure! Here you go: name and phases"),
		MockText(`{"name":"fixed","phases":[]}`),
	)

	doc, err := GenerateObject[planDoc](context.Background(), mock, NewRequest(UserMessage("plan")), nil)
	require.NoError(t, err)
	assert.Equal(t, "fixed", doc.Name)

	// The repair request must carry the malformed output back to the model.
	reqs := mock.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages
	assert.Equal(t, RoleAssistant, last[len(last)-2].Role)
	assert.Contains(t, last[len(last)-1].Content, "not valid JSON")
}

func TestGenerateObjectFailsAfterRepair(t *testing.T) {
	mock := NewMockClient(MockText("nope"), MockText("still nope"))

	_, err := GenerateObject[planDoc](context.Background(), mock, NewRequest(UserMessage("plan")), nil)
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeParse))
}
