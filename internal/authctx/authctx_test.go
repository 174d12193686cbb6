package authctx

import "testing"

func TestParseRole(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Role
		ok   bool
	}{
		{"operator", RoleOperator, true},
		{" Supervisor ", RoleSupervisor, true},
		{"AUDITOR", RoleAuditor, true},
		{"admin", RoleAdmin, true},
		{"", "", false},
		{"root", "", false},
		{"operator;admin", "", false},
	} {
		got, err := ParseRole(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("ParseRole(%q) = %q, %v", tc.in, got, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("ParseRole(%q): expected error", tc.in)
		}
	}
}

func TestSessionContextComplete(t *testing.T) {
	c := SessionContext{ActorID: "a1", TenantID: "t1", Role: RoleOperator}
	if !c.Complete() {
		t.Fatal("expected complete")
	}
	for _, c := range []SessionContext{
		{TenantID: "t1", Role: RoleOperator},
		{ActorID: "a1", Role: RoleOperator},
		{ActorID: "a1", TenantID: "t1"},
		{ActorID: "a1", TenantID: "t1", Role: Role("root")},
	} {
		if c.Complete() {
			t.Fatalf("expected incomplete: %+v", c)
		}
	}
}
