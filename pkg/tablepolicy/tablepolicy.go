// Package tablepolicy classifies protected tables into write-enforcement
// categories and guards mutation attempts against the wrong mechanism.
//
// The registry is a versioned, reviewed artifact loaded at startup; there
// is no runtime API to change a classification.
package tablepolicy

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

type Category string

const (
	// CategoryStrictSessionOnly tables accept mutations only through a
	// single procedural call that derives session context as its first
	// statement. Direct statements are rejected because a pooling proxy
	// gives no cross-statement connection affinity outside a transaction.
	CategoryStrictSessionOnly Category = "strict_session_only"
	// CategoryHybridWithFallback tables accept either mechanism and their
	// row predicates may fall back to cached claims on read paths.
	CategoryHybridWithFallback Category = "hybrid_with_fallback"
)

type Mechanism string

const (
	MechanismDirectStatement Mechanism = "direct_statement"
	MechanismProceduralCall  Mechanism = "procedural_call"
)

var (
	ErrUnclassifiedTable  = errors.New("tablepolicy: table not classified")
	ErrForbiddenMechanism = errors.New("tablepolicy: direct statement forbidden for strict table")
	ErrContextAbsent      = errors.New("tablepolicy: session context absent at write")
)

type Table struct {
	Name     string   `yaml:"name"`
	Category Category `yaml:"category"`
	// FallbackPredicate optionally narrows the claims read-fallback for a
	// hybrid table. CEL over a string map named ctx (keys: tenant_id,
	// actor_id, role). Empty means the fallback is always eligible.
	FallbackPredicate string `yaml:"fallback_predicate,omitempty"`
}

type registryFile struct {
	Version int     `yaml:"version"`
	Tables  []Table `yaml:"tables"`
}

type entry struct {
	table     Table
	predicate cel.Program
}

type Registry struct {
	byName map[string]entry
}

func ParseRegistryYAML(b []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	if f.Version != 1 {
		return nil, errors.New("tablepolicy: unsupported registry version")
	}
	if len(f.Tables) == 0 {
		return nil, errors.New("tablepolicy: empty registry")
	}

	env, err := newPredicateEnv()
	if err != nil {
		return nil, err
	}

	byName := make(map[string]entry, len(f.Tables))
	for _, t := range f.Tables {
		name := strings.ToLower(strings.TrimSpace(t.Name))
		if name == "" {
			return nil, errors.New("tablepolicy: table with empty name")
		}
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("tablepolicy: duplicate table %q", name)
		}
		switch t.Category {
		case CategoryStrictSessionOnly, CategoryHybridWithFallback:
		default:
			return nil, fmt.Errorf("tablepolicy: table %q has invalid category %q", name, t.Category)
		}
		if t.FallbackPredicate != "" && t.Category != CategoryHybridWithFallback {
			return nil, fmt.Errorf("tablepolicy: table %q: fallback_predicate is only valid for %s", name, CategoryHybridWithFallback)
		}

		e := entry{table: t}
		e.table.Name = name
		if t.FallbackPredicate != "" {
			prg, err := compilePredicate(env, t.FallbackPredicate)
			if err != nil {
				return nil, fmt.Errorf("tablepolicy: table %q: %w", name, err)
			}
			e.predicate = prg
		}
		byName[name] = e
	}
	return &Registry{byName: byName}, nil
}

func LoadRegistry(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRegistryYAML(b)
}

func (r *Registry) Classify(table string) (Category, bool) {
	e, ok := r.byName[strings.ToLower(strings.TrimSpace(table))]
	if !ok {
		return "", false
	}
	return e.table.Category, true
}

// CheckWrite applies the per-target state machine: an unclassified table
// or an absent context rejects outright, and a strict table rejects the
// direct-statement mechanism regardless of context.
func (r *Registry) CheckWrite(table string, m Mechanism, hasContext bool) error {
	cat, ok := r.Classify(table)
	if !ok {
		return ErrUnclassifiedTable
	}
	if !hasContext {
		return ErrContextAbsent
	}
	if cat == CategoryStrictSessionOnly && m != MechanismProceduralCall {
		return ErrForbiddenMechanism
	}
	return nil
}

// FallbackAllowed reports whether a read against table may be scoped by a
// cached claims snapshot instead of transaction-local context.
func (r *Registry) FallbackAllowed(table string, attrs map[string]string) (bool, error) {
	e, ok := r.byName[strings.ToLower(strings.TrimSpace(table))]
	if !ok {
		return false, ErrUnclassifiedTable
	}
	if e.table.Category != CategoryHybridWithFallback {
		return false, nil
	}
	if e.predicate == nil {
		return true, nil
	}
	return evalPredicate(e.predicate, attrs)
}

func (r *Registry) StrictTables() []string {
	var out []string
	for name, e := range r.byName {
		if e.table.Category == CategoryStrictSessionOnly {
			out = append(out, name)
		}
	}
	return out
}

func (r *Registry) Tables() []Table {
	out := make([]Table, 0, len(r.byName))
	for _, e := range r.byName {
		out = append(out, e.table)
	}
	return out
}
