package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/proto"
)

func TestHTTPClientBootstrapAndWrite(t *testing.T) {
	var gotTemplate string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Template string `json:"template"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotTemplate = req.Template
		_ = json.NewEncoder(w).Encode(map[string]string{"sessionId": "s-1"})
	})
	mux.HandleFunc("PUT /sessions/s-1/files", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewHTTPClient(srv.URL)
	id, err := client.Bootstrap(context.Background(), "vite-react")
	require.NoError(t, err)
	assert.Equal(t, "s-1", id)
	assert.Equal(t, "vite-react", gotTemplate)

	require.NoError(t, client.WriteFile(context.Background(), "s-1", "src/App.tsx", "x"))
}

func TestHTTPClientRetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(proto.StaticAnalysisReport{})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL)
	_, err := client.StaticAnalysis(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPClientDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL)
	_, err := client.Exec(context.Background(), "s-1", []string{"npm", "run", "build"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClientSessionNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL)
	_, err := client.ReadFile(context.Background(), "gone", "src/App.tsx")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFakeBootstrapSeedsTemplate(t *testing.T) {
	fake := NewFake()
	id, err := fake.Bootstrap(context.Background(), "vite-react")
	require.NoError(t, err)

	files := fake.Files(id)
	assert.Contains(t, files, "src/App.tsx")

	contents, err := fake.ReadFile(context.Background(), id, "src/main.tsx")
	require.NoError(t, err)
	assert.Contains(t, contents, "import App")
}

func TestFakeRuntimeErrorsClear(t *testing.T) {
	fake := NewFake()
	id, err := fake.Bootstrap(context.Background(), "vite-react")
	require.NoError(t, err)

	fake.Errors = []proto.RuntimeError{{Message: "boom", FilePath: "src/App.tsx"}}

	errs, err := fake.RuntimeErrors(context.Background(), id, true)
	require.NoError(t, err)
	require.Len(t, errs, 1)

	errs, err = fake.RuntimeErrors(context.Background(), id, false)
	require.NoError(t, err)
	assert.Empty(t, errs)
}
