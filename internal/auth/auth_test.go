package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestVerifySecret(t *testing.T) {
	svc := NewService(Config{SharedSecret: "s3cret"})
	if err := svc.VerifySecret("s3cret"); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	for _, provided := range []string{"", "s3cre", "s3cret ", "S3CRET"} {
		if err := svc.VerifySecret(provided); !errors.Is(err, ErrSecretMismatch) {
			t.Fatalf("expected mismatch for %q, got %v", provided, err)
		}
	}
}

func TestAuthenticateRequest(t *testing.T) {
	ctx := context.Background()
	svc := NewService(Config{SharedSecret: "s", OperatorToken: "op-token"})
	if !svc.OperatorAuthEnabled() {
		t.Fatalf("expected operator auth to be enabled")
	}

	subject, err := svc.AuthenticateRequest(ctx, "Bearer op-token")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !subject.HasPermission(PermissionRunsCancel) {
		t.Fatalf("operator should be able to cancel runs")
	}
	if _, err := svc.AuthenticateRequest(ctx, ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Basic op-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid scheme, got %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Bearer wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestSubjectAuthorize(t *testing.T) {
	subject := &Subject{Name: "reader", Permissions: []string{" Runs:Read "}}
	if err := subject.Authorize(PermissionRunsRead); err != nil {
		t.Fatalf("authorize read: %v", err)
	}
	if err := subject.Authorize(PermissionRunsCancel); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	var nilSubject *Subject
	if err := nilSubject.Authorize(); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for nil subject, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	svc := NewService(Config{OperatorToken: "op-token"})
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{http.MethodGet: {PermissionRunsRead}},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer op-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 with token, got %d", rec.Code)
	}
	if seen == nil || seen.Name != "operator" {
		t.Fatalf("expected operator subject in context, got %+v", seen)
	}
}

func TestMiddlewareDisabledWithoutToken(t *testing.T) {
	svc := NewService(Config{})
	called := false
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	if !called {
		t.Fatalf("expected request to pass through when operator auth is disabled")
	}
}

func TestOperatorNameFallsBackToAnonymous(t *testing.T) {
	if got := OperatorName(context.Background()); got != AnonymousOperator {
		t.Fatalf("expected %q without subject, got %q", AnonymousOperator, got)
	}
	if got := OperatorName(WithSubject(context.Background(), nil)); got != AnonymousOperator {
		t.Fatalf("nil subject should not be stored, got %q", got)
	}
	ctx := WithSubject(context.Background(), &Subject{Name: "grader", Permissions: []string{PermissionRunsRead}})
	if got := OperatorName(ctx); got != "grader" {
		t.Fatalf("expected grader, got %q", got)
	}
	if subject := SubjectFromContext(ctx); subject == nil || !subject.HasPermission(PermissionRunsRead) {
		t.Fatalf("expected stored subject with read permission, got %+v", subject)
	}
}
