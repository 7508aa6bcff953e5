// Package editor rewrites agent and tool declarations in project source
// files. Edits are byte-range splices located through parsed positions,
// so formatting and comments outside the touched expressions survive
// untouched. Only the fields the studio PUT endpoints allow are ever
// written.
package editor

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"klisk/internal/logging"
)

// agentFieldOrder and toolFieldOrder fix the insertion order for fields
// not yet present in a literal. Request maps have no order of their own.
var agentFieldOrder = []string{"name", "instructions", "model", "temperature", "reasoning_effort"}

var toolFieldOrder = []string{"name", "description"}

var fieldIdents = map[string]string{
	"name":             "Name",
	"instructions":     "Instructions",
	"model":            "Model",
	"temperature":      "Temperature",
	"reasoning_effort": "ReasoningEffort",
	"description":      "Description",
}

// edit replaces src[start:end] with text. start == end inserts.
type edit struct {
	start, end int
	text       string
}

// UpdateAgent rewrites fields of the AgentSpec literal declaring the
// named agent. Recognized keys: name, instructions, model, temperature,
// reasoning_effort. Fields absent from the literal are appended.
func UpdateAgent(file, name string, fields map[string]any) error {
	return updateSpec(file, "AgentSpec", name, fields, agentFieldOrder)
}

// UpdateTool rewrites fields of the ToolSpec literal declaring the
// named tool. Recognized keys: name, description. Renaming a tool does
// not touch references; callers follow up with RenameToolRefs.
func UpdateTool(file, name string, fields map[string]any) error {
	return updateSpec(file, "ToolSpec", name, fields, toolFieldOrder)
}

func updateSpec(file, typeName, name string, fields map[string]any, order []string) error {
	src, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, file, src, parser.ParseComments)
	if err != nil {
		return fmt.Errorf("parse source: %w", err)
	}

	lit := findSpecLiteral(f, typeName, name)
	if lit == nil {
		return fmt.Errorf("no %s named %q in %s", typeName, name, filepath.Base(file))
	}

	offset := func(p token.Pos) int { return fset.Position(p).Offset }

	var edits []edit
	var added []string
	for _, key := range order {
		value, ok := fields[key]
		if !ok || value == nil {
			continue
		}
		text, err := fieldSource(key, value, specQualifier(lit))
		if err != nil {
			return err
		}
		if kv := specField(lit, fieldIdents[key]); kv != nil {
			edits = append(edits, edit{offset(kv.Value.Pos()), offset(kv.Value.End()), text})
		} else {
			added = append(added, fieldIdents[key]+": "+text)
		}
	}
	if len(added) > 0 {
		edits = append(edits, insertFields(src, fset, lit, added))
	}
	if len(edits) == 0 {
		return nil
	}

	if err := os.WriteFile(file, applyEdits(src, edits), 0644); err != nil {
		return fmt.Errorf("write source: %w", err)
	}
	logging.Get(logging.CategoryServer).Info("rewrote %s %q in %s", typeName, name, file)
	return nil
}

// RenameToolRefs rewrites sdk.Use("old") string arguments across the
// project tree after a tool rename. Hidden directories, vendor, and
// node_modules are skipped.
func RenameToolRefs(projectDir, oldName, newName string) error {
	return filepath.WalkDir(projectDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			base := d.Name()
			if path != projectDir && (strings.HasPrefix(base, ".") || base == "vendor" || base == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}
		return renameRefsInFile(path, oldName, newName)
	})
}

func renameRefsInFile(path, oldName, newName string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !strings.Contains(string(src), "Use(") {
		return nil
	}
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, path, src, parser.ParseComments)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	var edits []edit
	ast.Inspect(f, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok || !isCallTo(call, "Use") {
			return true
		}
		for _, arg := range call.Args {
			bl, ok := arg.(*ast.BasicLit)
			if !ok || bl.Kind != token.STRING {
				continue
			}
			if s, err := strconv.Unquote(bl.Value); err == nil && s == oldName {
				edits = append(edits, edit{
					fset.Position(bl.Pos()).Offset,
					fset.Position(bl.End()).Offset,
					strconv.Quote(newName),
				})
			}
		}
		return true
	})
	if len(edits) == 0 {
		return nil
	}
	return os.WriteFile(path, applyEdits(src, edits), 0644)
}

// FunctionSource returns the source text of the Tool call declaring the
// named tool, with the handler's function declaration appended when the
// spec references one by name. Empty without error when the file holds
// no such declaration.
func FunctionSource(file, name string) (string, error) {
	src, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("read source: %w", err)
	}
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, file, src, parser.ParseComments)
	if err != nil {
		return "", fmt.Errorf("parse source: %w", err)
	}

	offset := func(p token.Pos) int { return fset.Position(p).Offset }

	var call *ast.CallExpr
	var spec *ast.CompositeLit
	ast.Inspect(f, func(n ast.Node) bool {
		if call != nil {
			return false
		}
		c, ok := n.(*ast.CallExpr)
		if !ok || !isCallTo(c, "Tool") || len(c.Args) == 0 {
			return true
		}
		lit, ok := c.Args[0].(*ast.CompositeLit)
		if !ok || !isSpecType(lit.Type, "ToolSpec") || literalName(lit) != name {
			return true
		}
		call = c
		spec = lit
		return false
	})
	if call == nil {
		return "", nil
	}

	text := string(src[offset(call.Pos()):offset(call.End())])

	// A handler referenced by name lives elsewhere in the file; include
	// its declaration so the studio shows the whole tool.
	if kv := specField(spec, "Handler"); kv != nil {
		if ident, ok := kv.Value.(*ast.Ident); ok {
			if fd := findFuncDecl(f, ident.Name); fd != nil {
				start := fd.Pos()
				if fd.Doc != nil {
					start = fd.Doc.Pos()
				}
				text += "\n\n" + string(src[offset(start):offset(fd.End())])
			}
		}
	}
	return text, nil
}

func findFuncDecl(f *ast.File, name string) *ast.FuncDecl {
	for _, decl := range f.Decls {
		if fd, ok := decl.(*ast.FuncDecl); ok && fd.Recv == nil && fd.Name.Name == name {
			return fd
		}
	}
	return nil
}

func findSpecLiteral(f *ast.File, typeName, name string) *ast.CompositeLit {
	var found *ast.CompositeLit
	ast.Inspect(f, func(n ast.Node) bool {
		if found != nil {
			return false
		}
		lit, ok := n.(*ast.CompositeLit)
		if !ok || !isSpecType(lit.Type, typeName) || literalName(lit) != name {
			return true
		}
		found = lit
		return false
	})
	return found
}

// isSpecType matches both the qualified form sdk.AgentSpec and the bare
// identifier left by dot imports or aliases.
func isSpecType(expr ast.Expr, typeName string) bool {
	switch t := expr.(type) {
	case *ast.SelectorExpr:
		return t.Sel.Name == typeName
	case *ast.Ident:
		return t.Name == typeName
	}
	return false
}

func isCallTo(call *ast.CallExpr, name string) bool {
	switch fn := call.Fun.(type) {
	case *ast.SelectorExpr:
		return fn.Sel.Name == name
	case *ast.Ident:
		return fn.Name == name
	}
	return false
}

// literalName reads the Name field of a spec literal. Only literal
// strings identify a declaration; computed names never match.
func literalName(lit *ast.CompositeLit) string {
	kv := specField(lit, "Name")
	if kv == nil {
		return ""
	}
	bl, ok := kv.Value.(*ast.BasicLit)
	if !ok || bl.Kind != token.STRING {
		return ""
	}
	s, err := strconv.Unquote(bl.Value)
	if err != nil {
		return ""
	}
	return s
}

func specField(lit *ast.CompositeLit, ident string) *ast.KeyValueExpr {
	for _, elt := range lit.Elts {
		kv, ok := elt.(*ast.KeyValueExpr)
		if !ok {
			continue
		}
		if key, ok := kv.Key.(*ast.Ident); ok && key.Name == ident {
			return kv
		}
	}
	return nil
}

// specQualifier returns the package prefix of the literal's type, used
// when new field values need sdk helpers.
func specQualifier(lit *ast.CompositeLit) string {
	if sel, ok := lit.Type.(*ast.SelectorExpr); ok {
		if x, ok := sel.X.(*ast.Ident); ok {
			return x.Name + "."
		}
	}
	return ""
}

func fieldSource(key string, value any, qualifier string) (string, error) {
	if key == "temperature" {
		switch v := value.(type) {
		case float64:
			return qualifier + "Float(" + strconv.FormatFloat(v, 'g', -1, 64) + ")", nil
		case int:
			return fmt.Sprintf("%sFloat(%d)", qualifier, v), nil
		}
		return "", fmt.Errorf("temperature must be a number, got %T", value)
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, value)
	}
	return strconv.Quote(s), nil
}

// insertFields builds the edit that appends missing fields. Multi-line
// literals gain one line per field above the closing brace; single-line
// literals grow in place.
func insertFields(src []byte, fset *token.FileSet, lit *ast.CompositeLit, added []string) edit {
	rbrace := fset.Position(lit.Rbrace).Offset
	if fset.Position(lit.Lbrace).Line == fset.Position(lit.Rbrace).Line {
		text := strings.Join(added, ", ")
		if len(lit.Elts) > 0 {
			text = ", " + text
		}
		return edit{rbrace, rbrace, text}
	}

	lineStart := rbrace
	for lineStart > 0 && src[lineStart-1] != '\n' {
		lineStart--
	}
	indent := elementIndent(src, fset, lit)
	var b strings.Builder
	for _, field := range added {
		b.WriteString(indent)
		b.WriteString(field)
		b.WriteString(",\n")
	}
	return edit{lineStart, lineStart, b.String()}
}

func elementIndent(src []byte, fset *token.FileSet, lit *ast.CompositeLit) string {
	for _, elt := range lit.Elts {
		pos := fset.Position(elt.Pos())
		start := pos.Offset - (pos.Column - 1)
		end := start
		for end < len(src) && (src[end] == ' ' || src[end] == '\t') {
			end++
		}
		return string(src[start:end])
	}
	return "\t"
}

// applyEdits splices replacements back to front so earlier offsets stay
// valid.
func applyEdits(src []byte, edits []edit) []byte {
	sorted := make([]edit, len(edits))
	copy(sorted, edits)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start > sorted[j].start })

	out := src
	for _, e := range sorted {
		next := make([]byte, 0, len(out)+len(e.text))
		next = append(next, out[:e.start]...)
		next = append(next, e.text...)
		next = append(next, out[e.end:]...)
		out = next
	}
	return out
}
