package types

import "testing"

func TestRoleSatisfies(t *testing.T) {
	cases := []struct {
		have, required string
		want           bool
	}{
		{RoleAdmin, RoleAdmin, true},
		{RoleAdmin, RoleUser, true},
		{RoleUser, RoleUser, true},
		{RoleUser, RoleAdmin, false},
		{"", RoleUser, false},
	}
	for _, tc := range cases {
		if got := RoleSatisfies(tc.have, tc.required); got != tc.want {
			t.Errorf("RoleSatisfies(%q, %q) = %v, want %v", tc.have, tc.required, got, tc.want)
		}
	}
}

func TestValidRole(t *testing.T) {
	if !ValidRole(RoleAdmin) || !ValidRole(RoleUser) {
		t.Errorf("expected both tiers to be valid roles")
	}
	if ValidRole("superuser") || ValidRole("") {
		t.Errorf("unexpected role accepted")
	}
}
