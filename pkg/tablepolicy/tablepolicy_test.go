package tablepolicy

import (
	"errors"
	"testing"
)

const testRegistryYAML = `
version: 1
tables:
  - name: ops.player_notes
    category: strict_session_only
  - name: ops.financial_adjustments
    category: strict_session_only
  - name: ops.visit_summaries
    category: hybrid_with_fallback
  - name: ops.player_profiles
    category: hybrid_with_fallback
    fallback_predicate: 'ctx["role"] != "operator"'
`

func mustRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := ParseRegistryYAML([]byte(testRegistryYAML))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestParseRegistryYAML_Invalid(t *testing.T) {
	for name, in := range map[string]string{
		"bad version":          "version: 2\ntables:\n  - name: a\n    category: strict_session_only\n",
		"empty":                "version: 1\ntables: []\n",
		"empty name":           "version: 1\ntables:\n  - name: ''\n    category: strict_session_only\n",
		"bad category":         "version: 1\ntables:\n  - name: a\n    category: open\n",
		"duplicate":            "version: 1\ntables:\n  - name: a\n    category: strict_session_only\n  - name: A\n    category: strict_session_only\n",
		"predicate on strict":  "version: 1\ntables:\n  - name: a\n    category: strict_session_only\n    fallback_predicate: 'true'\n",
		"predicate not bool":   "version: 1\ntables:\n  - name: a\n    category: hybrid_with_fallback\n    fallback_predicate: 'ctx[\"role\"]'\n",
		"predicate bad syntax": "version: 1\ntables:\n  - name: a\n    category: hybrid_with_fallback\n    fallback_predicate: 'ctx[\"role\" =='\n",
	} {
		if _, err := ParseRegistryYAML([]byte(in)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestClassify(t *testing.T) {
	r := mustRegistry(t)

	cat, ok := r.Classify("ops.player_notes")
	if !ok || cat != CategoryStrictSessionOnly {
		t.Fatalf("cat=%q ok=%v", cat, ok)
	}
	cat, ok = r.Classify(" OPS.Visit_Summaries ")
	if !ok || cat != CategoryHybridWithFallback {
		t.Fatalf("cat=%q ok=%v", cat, ok)
	}
	if _, ok := r.Classify("ops.unknown"); ok {
		t.Fatal("expected ok=false")
	}
}

func TestCheckWrite(t *testing.T) {
	r := mustRegistry(t)

	for _, tc := range []struct {
		table      string
		mech       Mechanism
		hasContext bool
		want       error
	}{
		{"ops.player_notes", MechanismProceduralCall, true, nil},
		{"ops.player_notes", MechanismDirectStatement, true, ErrForbiddenMechanism},
		{"ops.player_notes", MechanismProceduralCall, false, ErrContextAbsent},
		{"ops.visit_summaries", MechanismDirectStatement, true, nil},
		{"ops.visit_summaries", MechanismProceduralCall, true, nil},
		{"ops.visit_summaries", MechanismDirectStatement, false, ErrContextAbsent},
		{"ops.unknown", MechanismProceduralCall, true, ErrUnclassifiedTable},
	} {
		got := r.CheckWrite(tc.table, tc.mech, tc.hasContext)
		if !errors.Is(got, tc.want) {
			t.Fatalf("CheckWrite(%q, %q, %v) = %v, want %v", tc.table, tc.mech, tc.hasContext, got, tc.want)
		}
	}
}

func TestFallbackAllowed(t *testing.T) {
	r := mustRegistry(t)

	if ok, err := r.FallbackAllowed("ops.player_notes", nil); err != nil || ok {
		t.Fatalf("strict table: ok=%v err=%v", ok, err)
	}
	if ok, err := r.FallbackAllowed("ops.visit_summaries", nil); err != nil || !ok {
		t.Fatalf("no predicate: ok=%v err=%v", ok, err)
	}
	if ok, err := r.FallbackAllowed("ops.player_profiles", map[string]string{"role": "operator"}); err != nil || ok {
		t.Fatalf("predicate deny: ok=%v err=%v", ok, err)
	}
	if ok, err := r.FallbackAllowed("ops.player_profiles", map[string]string{"role": "auditor"}); err != nil || !ok {
		t.Fatalf("predicate allow: ok=%v err=%v", ok, err)
	}
	if _, err := r.FallbackAllowed("ops.unknown", nil); !errors.Is(err, ErrUnclassifiedTable) {
		t.Fatalf("err=%v", err)
	}
}

func TestStrictTables(t *testing.T) {
	r := mustRegistry(t)
	got := r.StrictTables()
	if len(got) != 2 {
		t.Fatalf("got %d strict tables", len(got))
	}
	seen := map[string]bool{}
	for _, n := range got {
		seen[n] = true
	}
	if !seen["ops.player_notes"] || !seen["ops.financial_adjustments"] {
		t.Fatalf("got %v", got)
	}
}
