package auth

import (
	"context"
	"testing"
)

func TestHasPermission(t *testing.T) {
	perms := NewPermissionSet("mcp:access", " ", "tenant:manage")
	cases := []struct {
		name             string
		super            string
		action, resource string
		want             bool
	}{
		{"exact", PermMCPAdmin, "access", "mcp", true},
		{"other action", PermMCPAdmin, "admin", "mcp", false},
		{"blank action", PermMCPAdmin, "", "mcp", false},
		{"super held", "tenant:manage", "delete", "anything", true},
		{"no super", "", "manage", "tenant", true},
		{"no patterns", PermMCPAdmin, "*", "mcp", false},
	}
	for _, tc := range cases {
		if got := HasPermission(perms, tc.super, tc.action, tc.resource); got != tc.want {
			t.Fatalf("%s: HasPermission = %v, want %v", tc.name, got, tc.want)
		}
	}
	if len(perms) != 2 {
		t.Fatalf("blank ids should be dropped, got %v", perms.Sorted())
	}
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	user := User{ID: "u1", TenantID: "T1", Permissions: []string{PermMCPAccess}}
	ctx := ContextWithPrincipal(context.Background(), NewPrincipal(user, "s1"))
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		t.Fatal("principal missing")
	}
	if p.SessionID != "s1" || !p.HasPermission(PermMCPAccess) || p.HasPermission(PermMCPAdmin) {
		t.Fatalf("unexpected principal %+v", p)
	}
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatal("empty context should have no principal")
	}

	ctx = ContextWithToken(ctx, "raw")
	if tok, ok := TokenFromContext(ctx); !ok || tok != "raw" {
		t.Fatalf("token = %q, %v", tok, ok)
	}
	if _, ok := TokenFromContext(ContextWithToken(context.Background(), "")); ok {
		t.Fatal("empty token should not be attached")
	}
}

func TestClientContext(t *testing.T) {
	if c := ClientFromContext(context.Background()); c != (Client{}) {
		t.Fatalf("expected zero client, got %+v", c)
	}
	ctx := ContextWithClient(context.Background(), Client{IP: "10.0.0.1", UserAgent: "curl/8"})
	if c := ClientFromContext(ctx); c.IP != "10.0.0.1" || c.UserAgent != "curl/8" {
		t.Fatalf("unexpected client %+v", c)
	}
}
