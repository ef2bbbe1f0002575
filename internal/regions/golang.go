package regions

import (
	"go/ast"
	"go/parser"
	"go/token"
	"sort"
)

// analyzeGo walks the parsed syntax tree and emits one region per
// declaration plus one aggregated import region. Files that fail to parse
// fall through to the heuristic splitter.
func (a *Analyzer) analyzeGo(path, content string) []Region {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, content, parser.ParseComments)
	if err != nil {
		a.debugLog("[regions.analyzeGo] %s: parse failed (%v), using heuristics", path, err)
		return a.analyzeScript(path, content, goRules, goImportRe)
	}

	var regions []Region

	if len(file.Imports) > 0 {
		start := fset.Position(file.Imports[0].Pos()).Line
		end := fset.Position(file.Imports[len(file.Imports)-1].End()).Line
		// Widen to the enclosing import declaration including parens.
		for _, decl := range file.Decls {
			if gd, ok := decl.(*ast.GenDecl); ok && gd.Tok == token.IMPORT {
				if s := fset.Position(gd.Pos()).Line; s < start {
					start = s
				}
				if e := fset.Position(gd.End()).Line; e > end {
					end = e
				}
			}
		}
		var paths []string
		for _, imp := range file.Imports {
			paths = append(paths, imp.Path.Value)
		}
		regions = append(regions, Region{
			FilePath:  path,
			Kind:      KindImport,
			Name:      "imports",
			StartLine: start,
			EndLine:   end,
			Refs:      paths,
		})
	}

	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			regions = append(regions, Region{
				FilePath:  path,
				Kind:      KindFunction,
				Name:      funcName(d),
				StartLine: fset.Position(d.Pos()).Line,
				EndLine:   fset.Position(d.End()).Line,
				Refs:      declRefs(d, d.Name.Name),
			})
		case *ast.GenDecl:
			switch d.Tok {
			case token.TYPE:
				for _, spec := range d.Specs {
					ts, ok := spec.(*ast.TypeSpec)
					if !ok {
						continue
					}
					regions = append(regions, Region{
						FilePath:  path,
						Kind:      typeKind(ts),
						Name:      ts.Name.Name,
						StartLine: fset.Position(spec.Pos()).Line,
						EndLine:   fset.Position(spec.End()).Line,
						Refs:      declRefs(ts, ts.Name.Name),
					})
				}
			case token.VAR, token.CONST:
				name := ""
				if len(d.Specs) > 0 {
					if vs, ok := d.Specs[0].(*ast.ValueSpec); ok && len(vs.Names) > 0 {
						name = vs.Names[0].Name
					}
				}
				if name == "" {
					continue
				}
				regions = append(regions, Region{
					FilePath:  path,
					Kind:      KindVariable,
					Name:      name,
					StartLine: fset.Position(d.Pos()).Line,
					EndLine:   fset.Position(d.End()).Line,
					Refs:      declRefs(d, name),
				})
			}
		}
	}

	return regions
}

// funcName qualifies methods with their receiver type.
func funcName(d *ast.FuncDecl) string {
	if d.Recv == nil || len(d.Recv.List) == 0 {
		return d.Name.Name
	}
	recv := d.Recv.List[0].Type
	if star, ok := recv.(*ast.StarExpr); ok {
		recv = star.X
	}
	if ident, ok := recv.(*ast.Ident); ok {
		return ident.Name + "." + d.Name.Name
	}
	return d.Name.Name
}

func typeKind(ts *ast.TypeSpec) Kind {
	switch ts.Type.(type) {
	case *ast.StructType:
		return KindClass
	case *ast.InterfaceType:
		return KindInterface
	default:
		return KindType
	}
}

// declRefs collects every identifier mentioned inside a declaration.
func declRefs(node ast.Node, self string) []string {
	seen := make(map[string]bool)
	var refs []string
	ast.Inspect(node, func(n ast.Node) bool {
		ident, ok := n.(*ast.Ident)
		if !ok {
			return true
		}
		name := ident.Name
		if name == self || len(name) < 3 || seen[name] || commonKeywords[name] {
			return true
		}
		seen[name] = true
		refs = append(refs, name)
		return true
	})
	sort.Strings(refs)
	return refs
}
