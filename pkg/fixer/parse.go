package fixer

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// project is the in-memory view of the workspace for one fixer run. Files
// rewritten by earlier fixes replace the originals so later fixes see them.
type project struct {
	files   map[string]string
	fetcher FileFetcher
	fetched map[string]bool // paths already asked of the fetcher
}

func newProject(files map[string]string, fetcher FileFetcher) *project {
	copied := make(map[string]string, len(files))
	for k, v := range files {
		copied[k] = v
	}
	return &project{files: copied, fetcher: fetcher, fetched: make(map[string]bool)}
}

func (p *project) has(path string) bool {
	_, ok := p.files[path]
	return ok
}

// ensure reports whether a path is available, pulling it through the
// fetcher once if absent.
func (p *project) ensure(ctx context.Context, path string) bool {
	if p.has(path) {
		return true
	}
	_, ok := p.get(ctx, path)
	return ok
}

// get returns a file's contents, consulting the fetcher once for paths not
// in the map.
func (p *project) get(ctx context.Context, path string) (string, bool) {
	if contents, ok := p.files[path]; ok {
		return contents, true
	}
	if p.fetcher == nil || p.fetched[path] {
		return "", false
	}
	p.fetched[path] = true
	contents, ok := p.fetcher(ctx, path)
	if ok {
		p.files[path] = contents
	}
	return contents, ok
}

func (p *project) put(path, contents string) {
	p.files[path] = contents
}

// importSpec is one named specifier: `name` or `name as alias`.
type importSpec struct {
	Name  string
	Alias string
	Start int // byte span of the whole specifier
	End   int
}

// importDecl is one parsed import statement.
type importDecl struct {
	Source      string // specifier without quotes
	SourceStart int    // span of the text inside the quotes
	SourceEnd   int
	DefaultName string
	Namespace   string
	Named       []importSpec
	Start       int // span of the whole statement
	End         int
}

// parsedFile bundles a source with its import declarations.
type parsedFile struct {
	src           string
	imports       []importDecl
	lastImportEnd int // byte offset just past the final import statement
}

func languageFor(filePath string) *sitter.Language {
	if strings.HasSuffix(filePath, ".tsx") || strings.HasSuffix(filePath, ".jsx") {
		return tsx.GetLanguage()
	}
	return typescript.GetLanguage()
}

// parseTree parses one source file. The caller must Close the tree.
func parseTree(ctx context.Context, filePath, src string) (*sitter.Tree, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(languageFor(filePath))
	tree, err := parser.ParseCtx(ctx, nil, []byte(src))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path.Base(filePath), err)
	}
	return tree, nil
}

// parseFile extracts the import declarations of a source file.
func parseFile(ctx context.Context, filePath, src string) (*parsedFile, error) {
	tree, err := parseTree(ctx, filePath, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	out := &parsedFile{src: src}
	content := []byte(src)
	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		if node.Type() != "import_statement" {
			continue
		}
		decl := parseImportNode(node, content)
		out.imports = append(out.imports, decl)
		if decl.End > out.lastImportEnd {
			out.lastImportEnd = decl.End
		}
	}
	return out, nil
}

func parseImportNode(node *sitter.Node, content []byte) importDecl {
	decl := importDecl{Start: int(node.StartByte()), End: int(node.EndByte())}

	if source := node.ChildByFieldName("source"); source != nil {
		// Trim the surrounding quotes from the string node.
		start, end := int(source.StartByte()), int(source.EndByte())
		if end-start >= 2 {
			decl.SourceStart = start + 1
			decl.SourceEnd = end - 1
			decl.Source = string(content[decl.SourceStart:decl.SourceEnd])
		}
	}

	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child.Type() != "import_clause" {
			continue
		}
		for j := 0; j < int(child.NamedChildCount()); j++ {
			part := child.NamedChild(j)
			switch part.Type() {
			case "identifier":
				decl.DefaultName = string(content[part.StartByte():part.EndByte()])
			case "namespace_import":
				for k := 0; k < int(part.NamedChildCount()); k++ {
					if id := part.NamedChild(k); id.Type() == "identifier" {
						decl.Namespace = string(content[id.StartByte():id.EndByte()])
					}
				}
			case "named_imports":
				for k := 0; k < int(part.NamedChildCount()); k++ {
					spec := part.NamedChild(k)
					if spec.Type() != "import_specifier" {
						continue
					}
					entry := importSpec{Start: int(spec.StartByte()), End: int(spec.EndByte())}
					if name := spec.ChildByFieldName("name"); name != nil {
						entry.Name = string(content[name.StartByte():name.EndByte()])
					}
					if alias := spec.ChildByFieldName("alias"); alias != nil {
						entry.Alias = string(content[alias.StartByte():alias.EndByte()])
					}
					decl.Named = append(decl.Named, entry)
				}
			}
		}
	}
	return decl
}

// exportShape summarizes what a module exposes.
type exportShape struct {
	HasDefault bool
	Named      []string
}

// parseExports extracts the export surface of a module.
func parseExports(ctx context.Context, filePath, src string) (exportShape, error) {
	tree, err := parseTree(ctx, filePath, src)
	if err != nil {
		return exportShape{}, err
	}
	defer tree.Close()

	var shape exportShape
	content := []byte(src)
	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		if node.Type() != "export_statement" {
			continue
		}
		text := string(content[node.StartByte():node.EndByte()])
		if strings.HasPrefix(text, "export default") {
			shape.HasDefault = true
			continue
		}
		collectNamedExports(node, content, &shape.Named)
	}
	sort.Strings(shape.Named)
	return shape, nil
}

func collectNamedExports(node *sitter.Node, content []byte, out *[]string) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "export_clause":
			// export { a, b as c }
			for j := 0; j < int(child.NamedChildCount()); j++ {
				spec := child.NamedChild(j)
				if spec.Type() != "export_specifier" {
					continue
				}
				name := spec.ChildByFieldName("name")
				if alias := spec.ChildByFieldName("alias"); alias != nil {
					name = alias
				}
				if name != nil {
					*out = append(*out, string(content[name.StartByte():name.EndByte()]))
				}
			}
		case "function_declaration", "class_declaration", "interface_declaration",
			"type_alias_declaration", "enum_declaration":
			if name := child.ChildByFieldName("name"); name != nil {
				*out = append(*out, string(content[name.StartByte():name.EndByte()]))
			}
		case "lexical_declaration", "variable_declaration":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				declarator := child.NamedChild(j)
				if declarator.Type() != "variable_declarator" {
					continue
				}
				if name := declarator.ChildByFieldName("name"); name != nil && name.Type() == "identifier" {
					*out = append(*out, string(content[name.StartByte():name.EndByte()]))
				}
			}
		}
	}
}

// edit is one span replacement against a source string.
type edit struct {
	start int
	end   int
	text  string
}

// applyEdits applies non-overlapping span edits, later offsets first so
// earlier spans stay valid.
func applyEdits(src string, edits []edit) string {
	sort.Slice(edits, func(i, j int) bool { return edits[i].start > edits[j].start })
	for _, e := range edits {
		if e.start < 0 || e.end > len(src) || e.start > e.end {
			continue
		}
		src = src[:e.start] + e.text + src[e.end:]
	}
	return src
}
