package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleManager, ActionRead, true},
		{RoleManager, ActionAssign, true},
		{RoleManager, ActionDeleteAny, true},
		{RoleResearcher, ActionRead, true},
		{RoleResearcher, ActionComment, true},
		{RoleResearcher, ActionAssign, false},
		{RoleResearcher, ActionDeleteAny, false},
		{Role("ghost"), ActionRead, false},
	}
	for _, tc := range cases {
		if got := Can(tc.role, tc.action); got != tc.want {
			t.Errorf("Can(%s, %s) = %v, want %v", tc.role, tc.action, got, tc.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("manager"); got != RoleManager {
		t.Errorf("expected manager, got %s", got)
	}
	if got := Normalize("researcher"); got != RoleResearcher {
		t.Errorf("expected researcher, got %s", got)
	}
	if got := Normalize("admin"); got != RoleResearcher {
		t.Errorf("unknown roles should normalize to researcher, got %s", got)
	}
}
