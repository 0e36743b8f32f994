package fixer

import (
	"context"
	"path"
	"strings"
)

// scriptExtensions are the file kinds the fixer is allowed to touch.
//
//nolint:gochecknoglobals // Static policy table
var scriptExtensions = map[string]bool{
	".ts":  true,
	".tsx": true,
	".js":  true,
	".jsx": true,
}

// forbiddenSegments are path components the fixer never writes under.
//
//nolint:gochecknoglobals // Static policy table
var forbiddenSegments = map[string]bool{
	"node_modules": true,
	"dist":         true,
	"build":        true,
	".git":         true,
}

// CanModifyFile reports whether the fixer may rewrite the given project
// path. Paths must stay inside the project (no absolute paths, no ".."
// escape), carry a script extension, and avoid generated/vendored trees.
func CanModifyFile(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") {
		return false
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return false
	}
	if !scriptExtensions[path.Ext(clean)] {
		return false
	}
	for _, segment := range strings.Split(clean, "/") {
		if forbiddenSegments[segment] {
			return false
		}
	}
	return true
}

// isExternalModule reports whether an import specifier refers to a package
// outside the project: a bare specifier that is not a project alias.
func isExternalModule(specifier string) bool {
	if specifier == "" {
		return true
	}
	if strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") || strings.HasPrefix(specifier, "/") {
		return false
	}
	// "@/..." is the conventional src alias in the scaffolded templates.
	if strings.HasPrefix(specifier, "@/") {
		return false
	}
	return true
}

// resolveSpecifier maps an import specifier in fromFile to a project path
// with extension, trying the usual resolution order. Missing candidates are
// offered to the project's fetcher. Returns "" when nothing matches.
func resolveSpecifier(ctx context.Context, proj *project, fromFile, specifier string) string {
	var base string
	switch {
	case strings.HasPrefix(specifier, "@/"):
		base = "src/" + strings.TrimPrefix(specifier, "@/")
	case strings.HasPrefix(specifier, "./"), strings.HasPrefix(specifier, "../"):
		base = path.Join(path.Dir(fromFile), specifier)
	default:
		return ""
	}
	base = path.Clean(base)

	for _, candidate := range orderCandidates(base) {
		if proj.ensure(ctx, candidate) {
			return candidate
		}
	}
	return ""
}

// orderCandidates puts the exact path first, then extension variants in a
// fixed preference order, then index files.
func orderCandidates(base string) []string {
	preference := []string{".tsx", ".ts", ".jsx", ".js"}
	out := []string{base}
	for _, ext := range preference {
		out = append(out, base+ext)
	}
	for _, ext := range preference {
		out = append(out, path.Join(base, "index"+ext))
	}
	return out
}

// specifierForPath converts a resolved project path back into the alias
// form used by the templates ("@/" for src), dropping the extension.
func specifierForPath(resolved string) string {
	trimmed := strings.TrimSuffix(resolved, path.Ext(resolved))
	trimmed = strings.TrimSuffix(trimmed, "/index")
	if strings.HasPrefix(trimmed, "src/") {
		return "@/" + strings.TrimPrefix(trimmed, "src/")
	}
	return "./" + trimmed
}
