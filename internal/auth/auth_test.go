package auth

import (
	"context"
	stdErrors "errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTokenService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Mode: ModeToken,
		Tokens: []TokenConfig{
			{Subject: "operator", Token: "op-token", Permissions: []string{PermissionRead, PermissionWrite}},
			{Subject: "viewer", Token: "view-token", Permissions: []string{PermissionRead}},
			{Subject: "retired", Token: "old-token", Permissions: []string{PermissionAll}, Disabled: true},
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTokenService(t)
	ctx := context.Background()

	subject, err := svc.AuthenticateRequest(ctx, "Bearer op-token")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "operator" || !subject.HasPermission(PermissionWrite) || subject.HasPermission(PermissionCancel) {
		t.Fatalf("unexpected subject %+v", subject)
	}

	cases := map[string]error{
		"":                 ErrMissingToken,
		"Basic abc":        ErrMissingToken,
		"Bearer wrong":     ErrInvalidToken,
		"bearer old-token": ErrSubjectRevoked,
	}
	for header, want := range cases {
		if _, err := svc.AuthenticateRequest(ctx, header); !stdErrors.Is(err, want) {
			t.Fatalf("header %q: expected %v, got %v", header, want, err)
		}
	}
}

func TestNewServiceRejectsBadConfig(t *testing.T) {
	if _, err := NewService(Config{Mode: ModeToken}); err == nil {
		t.Fatalf("expected error without tokens")
	}
	if _, err := NewService(Config{Mode: ModeToken, Tokens: []TokenConfig{{Token: "a"}, {Token: "a"}}}); err == nil {
		t.Fatalf("expected error for duplicate tokens")
	}
	if _, err := NewService(Config{Mode: "jwt"}); err == nil {
		t.Fatalf("expected error for unsupported mode")
	}
	svc, err := NewService(Config{})
	if err != nil || svc.Mode() != ModeDisabled {
		t.Fatalf("empty mode should disable auth: %v, %v", svc, err)
	}
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	svc := newTokenService(t)
	var seen string
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {PermissionRead},
			http.MethodPost: {PermissionWrite},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectName(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	do := func(method, token string) int {
		req := httptest.NewRequest(method, "/api/v1/acquisitions", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do(http.MethodPost, "op-token"); code != http.StatusAccepted || seen != "operator" {
		t.Fatalf("operator post: code=%d subject=%q", code, seen)
	}
	if code := do(http.MethodPost, "view-token"); code != http.StatusForbidden {
		t.Fatalf("viewer post: expected 403, got %d", code)
	}
	if code := do(http.MethodGet, "view-token"); code != http.StatusAccepted {
		t.Fatalf("viewer get: expected 202, got %d", code)
	}
	if code := do(http.MethodGet, ""); code != http.StatusUnauthorized {
		t.Fatalf("anonymous get: expected 401, got %d", code)
	}
	if code := do(http.MethodGet, "old-token"); code != http.StatusForbidden {
		t.Fatalf("revoked get: expected 403, got %d", code)
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, _ := NewService(Config{Mode: ModeDisabled})
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if SubjectName(r.Context()) != "anonymous" {
			t.Errorf("unexpected subject")
		}
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestStaticProvider(t *testing.T) {
	creds, err := NewStaticProvider(Credentials{GUID: "g", Secret: "s"}).Credentials(context.Background())
	if err != nil || creds.GUID != "g" {
		t.Fatalf("unexpected credentials %v, %v", creds, err)
	}
	if _, err := NewStaticProvider(Credentials{GUID: "g"}).Credentials(context.Background()); !stdErrors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
	if got := (Credentials{GUID: "g", Secret: "hunter2"}).String(); got != "guid=g secret=***" {
		t.Fatalf("secret leaked: %s", got)
	}
}

func TestFileProviderReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.yaml")
	if err := os.WriteFile(path, []byte("guid: plugin-1\nsecret: first\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p := NewFileProvider(path)
	creds, err := p.Credentials(context.Background())
	if err != nil || creds.Secret != "first" {
		t.Fatalf("unexpected credentials %v, %v", creds, err)
	}

	if err := os.WriteFile(path, []byte(`{"guid":"plugin-1","secret":"second"}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	creds, err = p.Credentials(context.Background())
	if err != nil || creds.Secret != "second" {
		t.Fatalf("expected reloaded credentials, got %v, %v", creds, err)
	}
}

func TestFileProviderRejectsIncompleteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.yaml")
	if err := os.WriteFile(path, []byte("guid: only\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewFileProvider(path).Credentials(context.Background()); !stdErrors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}
