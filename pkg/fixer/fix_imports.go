package fixer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"appforge/pkg/proto"
)

//nolint:gochecknoglobals // Compiled once; diagnostic formats are fixed
var (
	reDidYouMean     = regexp.MustCompile(`'([^']+)' has no exported member named '([^']+)'\. Did you mean '([^']+)'`)
	reNoMember       = regexp.MustCompile(`Module '"?([^'"]+)"?' has no exported member '([^']+)'`)
	reCannotFind     = regexp.MustCompile(`Cannot find module '([^']+)'`)
	reQuotedModule   = regexp.MustCompile(`'"?([^'"]+)"?'`)
	reMeantDefault   = regexp.MustCompile(`Did you mean to use 'import ([A-Za-z_$][\w$]*) from`)
	reUppercaseStart = regexp.MustCompile(`^[A-Z]`)
)

// findImport locates the import of the given module in a parsed file.
func findImport(parsed *parsedFile, module string) *importDecl {
	for i := range parsed.imports {
		if parsed.imports[i].Source == module {
			return &parsed.imports[i]
		}
	}
	return nil
}

// specText renders one named specifier, preserving an alias.
func specText(name, alias string) string {
	if alias != "" && alias != name {
		return fmt.Sprintf("%s as %s", name, alias)
	}
	return name
}

// fixMisspelledExportedMember handles TS2724: the compiler names the close
// match, so the rewrite is mechanical.
func fixMisspelledExportedMember(ctx context.Context, proj *project, issue proto.StaticIssue) outcome {
	m := reDidYouMean.FindStringSubmatch(issue.Message)
	if m == nil {
		return outcome{reason: "could not parse diagnostic message"}
	}
	module, wrong, suggested := m[1], m[2], m[3]
	return rewriteNamedSpecifier(ctx, proj, issue, module, wrong, suggested)
}

// fixMissingExportedMember handles TS2305 by looking for a similarly named
// export in the target module.
func fixMissingExportedMember(ctx context.Context, proj *project, issue proto.StaticIssue) outcome {
	m := reNoMember.FindStringSubmatch(issue.Message)
	if m == nil {
		return outcome{reason: "could not parse diagnostic message"}
	}
	module, missing := m[1], m[2]

	if isExternalModule(module) {
		return outcome{reason: "external module"}
	}
	resolved := resolveSpecifier(ctx, proj, issue.FilePath, module)
	if resolved == "" {
		return outcome{reason: fmt.Sprintf("module %q not found in project", module)}
	}
	target, ok := proj.get(ctx, resolved)
	if !ok {
		return outcome{reason: fmt.Sprintf("module %q not readable", resolved)}
	}
	exports, err := parseExports(ctx, resolved, target)
	if err != nil {
		return outcome{reason: err.Error()}
	}

	suggested := similarName(missing, exports.Named)
	if suggested == "" {
		return outcome{reason: fmt.Sprintf("no similar export to %q in %s", missing, resolved)}
	}
	out := rewriteNamedSpecifier(ctx, proj, issue, module, missing, suggested)
	if out.fixed {
		out.note = fmt.Sprintf("rewrote %s -> %s", missing, suggested)
	}
	return out
}

// rewriteNamedSpecifier swaps one named import specifier, keeping the local
// alias so the rest of the file keeps compiling.
func rewriteNamedSpecifier(ctx context.Context, proj *project, issue proto.StaticIssue, module, wrong, suggested string) outcome {
	src, ok := proj.get(ctx, issue.FilePath)
	if !ok {
		return outcome{reason: fmt.Sprintf("file %q not found", issue.FilePath)}
	}
	parsed, err := parseFile(ctx, issue.FilePath, src)
	if err != nil {
		return outcome{reason: err.Error()}
	}
	decl := findImport(parsed, module)
	if decl == nil {
		return outcome{reason: fmt.Sprintf("no import of %q in %s", module, issue.FilePath)}
	}

	for _, spec := range decl.Named {
		if spec.Name != wrong {
			continue
		}
		// `wrong as local` keeps local; plain `wrong` keeps the new name.
		alias := spec.Alias
		fixed := applyEdits(src, []edit{{start: spec.Start, end: spec.End, text: specText(suggested, alias)}})
		return outcome{fixed: true, modified: map[string]string{issue.FilePath: fixed}}
	}
	return outcome{reason: fmt.Sprintf("import of %q has no specifier %q", module, wrong)}
}

// similarName picks the closest export to the missing one. Candidates are
// scanned in sorted order so ties resolve deterministically.
func similarName(missing string, candidates []string) string {
	lower := strings.ToLower(missing)
	for _, c := range candidates {
		if strings.ToLower(c) == lower {
			return c
		}
	}
	for _, c := range candidates {
		cl := strings.ToLower(c)
		if strings.HasPrefix(cl, lower) || strings.HasPrefix(lower, cl) {
			return c
		}
	}
	for _, c := range candidates {
		if editDistance(lower, strings.ToLower(c)) <= 2 {
			return c
		}
	}
	return ""
}

func editDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// fixImportKindMismatch handles TS2613/TS2614: a default import of a module
// that only has named exports, or the reverse. The import clause is rebuilt
// to match the module's actual surface.
func fixImportKindMismatch(ctx context.Context, proj *project, issue proto.StaticIssue) outcome {
	m := reQuotedModule.FindStringSubmatch(issue.Message)
	if m == nil {
		return outcome{reason: "could not parse diagnostic message"}
	}
	module := m[1]
	if isExternalModule(module) {
		return outcome{reason: "external module"}
	}

	src, ok := proj.get(ctx, issue.FilePath)
	if !ok {
		return outcome{reason: fmt.Sprintf("file %q not found", issue.FilePath)}
	}
	parsed, err := parseFile(ctx, issue.FilePath, src)
	if err != nil {
		return outcome{reason: err.Error()}
	}
	decl := findImport(parsed, module)
	if decl == nil {
		return outcome{reason: fmt.Sprintf("no import of %q in %s", module, issue.FilePath)}
	}

	resolved := resolveSpecifier(ctx, proj, issue.FilePath, module)
	if resolved == "" {
		return outcome{reason: fmt.Sprintf("module %q not found in project", module)}
	}
	target, ok := proj.get(ctx, resolved)
	if !ok {
		return outcome{reason: fmt.Sprintf("module %q not readable", resolved)}
	}
	exports, err := parseExports(ctx, resolved, target)
	if err != nil {
		return outcome{reason: err.Error()}
	}

	switch {
	case decl.DefaultName != "" && !exports.HasDefault:
		// Default import of a named-only module.
		replacement, reason := defaultToNamed(decl, exports)
		if reason != "" {
			return outcome{reason: reason}
		}
		fixed := applyEdits(src, []edit{{start: decl.Start, end: decl.End, text: replacement}})
		return outcome{fixed: true, modified: map[string]string{issue.FilePath: fixed}}

	case len(decl.Named) > 0 && exports.HasDefault && len(exports.Named) == 0:
		// Named import of a default-only module.
		if len(decl.Named) != 1 {
			return outcome{reason: "multiple named imports but module only has a default export"}
		}
		spec := decl.Named[0]
		local := spec.Alias
		if local == "" {
			local = spec.Name
		}
		// A hinted local name from the compiler wins when present.
		if hint := reMeantDefault.FindStringSubmatch(issue.Message); hint != nil {
			local = hint[1]
		}
		replacement := fmt.Sprintf("import %s from '%s';", local, decl.Source)
		fixed := applyEdits(src, []edit{{start: decl.Start, end: decl.End, text: replacement}})
		return outcome{fixed: true, modified: map[string]string{issue.FilePath: fixed}}
	}
	return outcome{reason: "import kind already matches module exports"}
}

// defaultToNamed rebuilds `import D from 'X'` against a named-only module.
func defaultToNamed(decl *importDecl, exports exportShape) (replacement, reason string) {
	local := decl.DefaultName
	match := similarName(local, exports.Named)
	switch {
	case match == local:
		replacement = fmt.Sprintf("import { %s } from '%s';", local, decl.Source)
	case match != "":
		replacement = fmt.Sprintf("import { %s } from '%s';", specText(match, local), decl.Source)
	case len(exports.Named) == 1:
		replacement = fmt.Sprintf("import { %s } from '%s';", specText(exports.Named[0], local), decl.Source)
	default:
		return "", fmt.Sprintf("cannot pick among %d named exports for default import %q", len(exports.Named), local)
	}
	return replacement, ""
}

// fixCannotFindModule handles TS2307. Project-local specifiers are
// re-resolved and rewritten; if nothing matches, a stub module is
// synthesized with exports inferred from the import clause. Bare external
// specifiers are never touched.
func fixCannotFindModule(ctx context.Context, proj *project, issue proto.StaticIssue) outcome {
	m := reCannotFind.FindStringSubmatch(issue.Message)
	if m == nil {
		return outcome{reason: "could not parse diagnostic message"}
	}
	module := m[1]
	if isExternalModule(module) {
		return outcome{reason: "external module"}
	}

	src, ok := proj.get(ctx, issue.FilePath)
	if !ok {
		return outcome{reason: fmt.Sprintf("file %q not found", issue.FilePath)}
	}
	parsed, err := parseFile(ctx, issue.FilePath, src)
	if err != nil {
		return outcome{reason: err.Error()}
	}
	decl := findImport(parsed, module)
	if decl == nil {
		return outcome{reason: fmt.Sprintf("no import of %q in %s", module, issue.FilePath)}
	}

	// Case 1: the file exists under a variant spelling; fix the specifier.
	if resolved := resolveSpecifier(ctx, proj, issue.FilePath, module); resolved != "" {
		canonical := specifierForPath(resolved)
		if canonical == module {
			return outcome{reason: "specifier already canonical but module unresolved"}
		}
		fixed := applyEdits(src, []edit{{start: decl.SourceStart, end: decl.SourceEnd, text: canonical}})
		return outcome{
			fixed:    true,
			note:     fmt.Sprintf("rewrote specifier %q -> %q", module, canonical),
			modified: map[string]string{issue.FilePath: fixed},
		}
	}

	// Case 2: synthesize a stub module matching the import clause.
	stubPath, stub := synthesizeStub(module, decl)
	if stubPath == "" || !CanModifyFile(stubPath) {
		return outcome{reason: fmt.Sprintf("cannot synthesize module for %q", module)}
	}
	return outcome{
		fixed:    true,
		note:     fmt.Sprintf("synthesized stub %s", stubPath),
		modified: map[string]string{stubPath: stub},
	}
}

// synthesizeStub builds a minimal module whose export surface satisfies the
// import clause. Capitalized names become React component stubs since the
// generated apps are React projects.
func synthesizeStub(module string, decl *importDecl) (string, string) {
	var base string
	switch {
	case strings.HasPrefix(module, "@/"):
		base = "src/" + strings.TrimPrefix(module, "@/")
	case strings.HasPrefix(module, "./"), strings.HasPrefix(module, "../"):
		// Relative stubs would need the importer's directory resolved against
		// the project root; the alias form covers the generated apps.
		return "", ""
	default:
		return "", ""
	}

	componentLike := reUppercaseStart.MatchString(decl.DefaultName)
	for _, spec := range decl.Named {
		if reUppercaseStart.MatchString(spec.Name) {
			componentLike = true
		}
	}

	ext := ".ts"
	var sb strings.Builder
	if componentLike {
		ext = ".tsx"
		sb.WriteString("import React from 'react';\n\n")
	}
	for _, spec := range decl.Named {
		if reUppercaseStart.MatchString(spec.Name) {
			fmt.Fprintf(&sb, "export const %s: React.FC<Record<string, unknown>> = () => null;\n", spec.Name)
		} else {
			fmt.Fprintf(&sb, "export const %s: unknown = undefined;\n", spec.Name)
		}
	}
	if decl.DefaultName != "" {
		if reUppercaseStart.MatchString(decl.DefaultName) {
			fmt.Fprintf(&sb, "const %s: React.FC<Record<string, unknown>> = () => null;\nexport default %s;\n", decl.DefaultName, decl.DefaultName)
		} else {
			fmt.Fprintf(&sb, "const %s: unknown = undefined;\nexport default %s;\n", decl.DefaultName, decl.DefaultName)
		}
	}
	if sb.Len() == 0 {
		return "", ""
	}
	return base + ext, sb.String()
}
