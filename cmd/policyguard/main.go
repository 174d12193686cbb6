// Command policyguard scans Go sources for direct SQL statements against
// strict-session-only tables. Those tables accept mutations only through
// their submission procedures; a direct INSERT, UPDATE or DELETE in
// application code is a defect regardless of what the runtime check would
// say.
//
// Usage:
//
//	policyguard -registry config/writepolicy/tables.yaml ./internal/... ./cmd/...
//
// Arguments are directories walked recursively; _test.go files are
// skipped. Exits 1 when violations are found.
package main

import (
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/calderaops/caldera/pkg/tablepolicy"
)

type violation struct {
	pos   token.Position
	table string
	verb  string
}

func main() {
	registryPath := flag.String("registry", "config/writepolicy/tables.yaml", "write-policy registry to load strict tables from")
	flag.Parse()

	registry, err := tablepolicy.LoadRegistry(*registryPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "policyguard: %v\n", err)
		os.Exit(2)
	}
	strict := registry.StrictTables()
	if len(strict) == 0 {
		return
	}

	roots := flag.Args()
	if len(roots) == 0 {
		roots = []string{"."}
	}

	var violations []violation
	for _, root := range roots {
		root = strings.TrimSuffix(root, "/...")
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				name := d.Name()
				if name == "vendor" || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") && name != "." {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			vs, err := scanFile(path, strict)
			if err != nil {
				return err
			}
			violations = append(violations, vs...)
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "policyguard: %v\n", err)
			os.Exit(2)
		}
	}

	if len(violations) == 0 {
		return
	}
	for _, v := range violations {
		fmt.Fprintf(os.Stderr, "%s: direct %s against strict table %s (use the submission procedure)\n", v.pos, v.verb, v.table)
	}
	os.Exit(1)
}

// scanFile parses one source file and inspects every string literal for a
// mutation verb followed by a strict table name.
func scanFile(path string, strict []string) ([]violation, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, path, nil, 0)
	if err != nil {
		return nil, err
	}

	var out []violation
	ast.Inspect(f, func(n ast.Node) bool {
		lit, ok := n.(*ast.BasicLit)
		if !ok || lit.Kind != token.STRING {
			return true
		}
		s, err := strconv.Unquote(lit.Value)
		if err != nil {
			return true
		}
		for _, table := range strict {
			verb, hit := directMutation(s, table)
			if hit {
				out = append(out, violation{pos: fset.Position(lit.Pos()), table: table, verb: verb})
			}
		}
		return true
	})
	return out, nil
}

var mutationPatterns = map[string]*regexp.Regexp{}

func directMutation(sql string, table string) (string, bool) {
	sql = strings.ToLower(sql)
	table = strings.ToLower(table)
	if !strings.Contains(sql, table) {
		return "", false
	}
	for _, verb := range []string{"insert", "update", "delete"} {
		re, ok := mutationPatterns[verb+table]
		if !ok {
			var expr string
			switch verb {
			case "insert":
				expr = `\binsert\s+into\s+` + regexp.QuoteMeta(table) + `\b`
			case "update":
				expr = `\bupdate\s+` + regexp.QuoteMeta(table) + `\b`
			case "delete":
				expr = `\bdelete\s+from\s+` + regexp.QuoteMeta(table) + `\b`
			}
			re = regexp.MustCompile(expr)
			mutationPatterns[verb+table] = re
		}
		if re.MatchString(sql) {
			return strings.ToUpper(verb), true
		}
	}
	return "", false
}
