package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const viteManifest = `name: vite-react
description: Vite + React starter
frameworks: [react, vite]
default: true
files:
  - path: src/App.tsx
    contents: |
      export default function App() { return null }
  - path: src/main.tsx
    contents: |
      import App from './App'
`

const astroManifest = `name: astro-basic
description: Astro starter
frameworks: [astro]
files:
  - path: src/pages/index.astro
    contents: "---\n---\n<h1>hi</h1>\n"
`

func writeCatalog(t *testing.T, manifests map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range manifests {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func TestLoadCatalog(t *testing.T) {
	dir := writeCatalog(t, map[string]string{
		"vite-react.yaml": viteManifest,
		"astro-basic.yml": astroManifest,
		"notes.txt":       "ignored",
		"README.md":       "ignored",
	})

	catalog, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"astro-basic", "vite-react"}, catalog.Names())
	assert.Equal(t, "vite-react", catalog.DefaultName())

	vite, err := catalog.Get("vite-react")
	require.NoError(t, err)
	assert.Equal(t, "Vite + React starter", vite.Description)
	require.Len(t, vite.Files, 2)
	assert.Contains(t, vite.Files[0].Contents, "export default function App")

	details := vite.Details()
	assert.Equal(t, "vite-react", details.Name)
	require.Len(t, details.Files, 2)
	assert.Equal(t, "src/App.tsx", details.Files[0].Path)
}

func TestResolve(t *testing.T) {
	dir := writeCatalog(t, map[string]string{
		"vite-react.yaml": viteManifest,
		"astro-basic.yml": astroManifest,
	})
	catalog, err := Load(dir)
	require.NoError(t, err)

	byDefault, err := catalog.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "vite-react", byDefault.Name)

	explicit, err := catalog.Resolve("astro-basic")
	require.NoError(t, err)
	assert.Equal(t, "astro-basic", explicit.Name)

	_, err = catalog.Resolve("does-not-exist")
	require.Error(t, err)
}

func TestLoadRejectsInvalidManifests(t *testing.T) {
	cases := map[string]string{
		"no name":    "description: x\nfiles:\n  - path: a.ts\n    contents: x\n",
		"no files":   "name: empty\n",
		"dup files":  "name: dup\nfiles:\n  - path: a.ts\n    contents: x\n  - path: a.ts\n    contents: y\n",
		"empty path": "name: bad\nfiles:\n  - path: \"\"\n    contents: x\n",
	}
	for label, body := range cases {
		t.Run(label, func(t *testing.T) {
			dir := writeCatalog(t, map[string]string{"bad.yaml": body})
			_, err := Load(dir)
			require.Error(t, err)
		})
	}
}

func TestLoadRejectsDuplicateDefaults(t *testing.T) {
	second := `name: other
default: true
files:
  - path: a.ts
    contents: x
`
	dir := writeCatalog(t, map[string]string{"vite-react.yaml": viteManifest, "other.yaml": second})
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default")
}

func TestLoadEmptyDirFails(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
}
