package authx

import (
	"context"
	"testing"
)

func TestParseRolesDedup(t *testing.T) {
	claims := map[string]any{
		"roles": []any{"ops_admin", "ops_viewer", "ops_admin"},
		"scp":   "ops_viewer ndr_write",
	}
	roles := parseRoles(claims)
	if len(roles) != 3 {
		t.Fatalf("expected 3 roles, got %v", roles)
	}
	if roles[0] != "ops_admin" || roles[1] != "ops_viewer" || roles[2] != "ndr_write" {
		t.Fatalf("unexpected roles %v", roles)
	}
}

func TestFromContextMissing(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("expected no auth context")
	}
}

func TestWithAuthRoundTrip(t *testing.T) {
	ctx := WithAuth(context.Background(), AuthContext{Subject: "user-1", Roles: []string{"ops_admin"}})
	auth, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected auth context")
	}
	if auth.Subject != "user-1" {
		t.Fatalf("unexpected subject %q", auth.Subject)
	}
}

func TestVerifyRejectsEmptyToken(t *testing.T) {
	v, err := NewJWTVerifier("https://issuer.example.com", "ndr-api", "", 300, 30)
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	if _, err := v.Verify(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestNewJWTVerifierRequiresIssuer(t *testing.T) {
	if _, err := NewJWTVerifier("", "ndr-api", "", 300, 0); err == nil {
		t.Fatal("expected error for missing issuer")
	}
}
