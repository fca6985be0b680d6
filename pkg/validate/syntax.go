package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/css"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

func language(p string) *sitter.Language {
	switch strings.ToLower(path.Ext(p)) {
	case ".js", ".jsx", ".mjs", ".cjs":
		return javascript.GetLanguage()
	case ".ts", ".mts", ".cts":
		return typescript.GetLanguage()
	case ".tsx":
		return tsx.GetLanguage()
	case ".py":
		return python.GetLanguage()
	case ".go":
		return golang.GetLanguage()
	case ".css":
		return css.GetLanguage()
	}
	return nil
}

func isScript(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx", ".mts", ".cts":
		return true
	}
	return false
}

func isReactFile(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".jsx", ".tsx", ".js":
		return true
	}
	return false
}

func parse(ctx context.Context, p, content string) (*sitter.Tree, error) {
	lang := language(p)
	if lang == nil {
		return nil, nil
	}
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)
	return parser.ParseCtx(ctx, nil, []byte(content))
}

// checkSyntax returns a syntax issue for p, if any.
func checkSyntax(ctx context.Context, p, content string) (Issue, bool) {
	if strings.EqualFold(path.Ext(p), ".json") {
		var v any
		if err := json.Unmarshal([]byte(content), &v); err != nil {
			line := 0
			if se, ok := err.(*json.SyntaxError); ok {
				line = 1 + strings.Count(content[:min(int(se.Offset), len(content))], "\n")
			}
			return Issue{Path: p, Line: line, Kind: KindSyntax, Message: "invalid JSON: " + err.Error()}, true
		}
		return Issue{}, false
	}

	tree, err := parse(ctx, p, content)
	if err != nil || tree == nil {
		return Issue{}, false
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return Issue{}, false
	}
	bad := firstError(root)
	if bad == nil {
		return Issue{Path: p, Kind: KindSyntax, Message: "syntax error"}, true
	}
	msg := "syntax error"
	if bad.IsMissing() {
		msg = fmt.Sprintf("syntax error: missing %s", bad.Type())
	}
	return Issue{Path: p, Line: int(bad.StartPoint().Row) + 1, Kind: KindSyntax, Message: msg}, true
}

// firstError walks depth-first to the earliest ERROR or MISSING node.
func firstError(n *sitter.Node) *sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	if !n.HasError() {
		return nil
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if found := firstError(n.Child(i)); found != nil {
			return found
		}
	}
	return nil
}

type importRef struct {
	Source string
	Line   int
	Names  []string // named specifiers, e.g. useState in { useState }
}

// parseImports returns the static imports and re-exports of a JS/TS file.
func parseImports(ctx context.Context, p, content string) []importRef {
	tree, err := parse(ctx, p, content)
	if err != nil || tree == nil {
		return nil
	}
	defer tree.Close()

	src := []byte(content)
	var out []importRef
	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		switch n.Type() {
		case "import_statement", "export_statement":
		default:
			continue
		}
		source := n.ChildByFieldName("source")
		if source == nil {
			continue
		}
		ref := importRef{
			Source: strings.Trim(source.Content(src), `"'`+"`"),
			Line:   int(n.StartPoint().Row) + 1,
		}
		collectSpecifiers(n, src, &ref.Names)
		out = append(out, ref)
	}
	return out
}

func collectSpecifiers(n *sitter.Node, src []byte, names *[]string) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch c.Type() {
		case "import_specifier":
			name := c.ChildByFieldName("alias")
			if name == nil {
				name = c.ChildByFieldName("name")
			}
			if name != nil {
				*names = append(*names, name.Content(src))
			}
		case "import_clause", "named_imports":
			collectSpecifiers(c, src, names)
		case "identifier":
			// default import
			if n.Type() == "import_clause" {
				*names = append(*names, c.Content(src))
			}
		}
	}
}
