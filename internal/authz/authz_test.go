package authz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowAlwaysAuthorizes(t *testing.T) {
	ok, err := Allow(context.Background(), "repo", Write)
	if err != nil || !ok {
		t.Fatalf("Allow = %v, %v; want true, nil", ok, err)
	}
}

func TestJWTAuthorizerAcceptsValidToken(t *testing.T) {
	secret := []byte("a-test-secret-value")
	token, err := IssueToken(secret, "alice", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	authorize := NewJWTAuthorizer(secret)
	ctx := WithBearerToken(context.Background(), token)

	ok, err := authorize(ctx, "repo", Read)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !ok {
		t.Fatal("expected authorization to succeed with a valid token")
	}
}

func TestJWTAuthorizerRejectsMissingCredential(t *testing.T) {
	authorize := NewJWTAuthorizer([]byte("secret"))
	ok, err := authorize(context.Background(), "repo", Read)
	if ok || err != ErrMissingCredential {
		t.Fatalf("authorize = %v, %v; want false, %v", ok, err, ErrMissingCredential)
	}
}

func TestJWTAuthorizerRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken([]byte("secret-a-1234567890"), "bob", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	authorize := NewJWTAuthorizer([]byte("secret-b-0987654321"))
	ctx := WithBearerToken(context.Background(), token)

	ok, err := authorize(ctx, "repo", Write)
	if ok || err != ErrInvalidToken {
		t.Fatalf("authorize = %v, %v; want false, %v", ok, err, ErrInvalidToken)
	}
}

func TestJWTAuthorizerRejectsExpiredToken(t *testing.T) {
	secret := []byte("another-test-secret")
	token, err := IssueToken(secret, "carol", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	authorize := NewJWTAuthorizer(secret)
	ctx := WithBearerToken(context.Background(), token)

	ok, err := authorize(ctx, "repo", Read)
	if ok || err != ErrInvalidToken {
		t.Fatalf("authorize = %v, %v; want false, %v", ok, err, ErrInvalidToken)
	}
}

func TestBasicAuthorizerAcceptsKnownUser(t *testing.T) {
	hash, err := HashPassword("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	authorize := NewBasicAuthorizer(map[string]string{"alice": hash})
	ctx := WithBasicAuth(context.Background(), "alice", "correct-horse-battery-staple")

	ok, err := authorize(ctx, "repo", Write)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !ok {
		t.Fatal("expected authorization to succeed for a known user with the right password")
	}
}

func TestBasicAuthorizerRejectsWrongPassword(t *testing.T) {
	hash, err := HashPassword("right-password")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	authorize := NewBasicAuthorizer(map[string]string{"alice": hash})
	ctx := WithBasicAuth(context.Background(), "alice", "wrong-password")

	ok, err := authorize(ctx, "repo", Write)
	if ok || err != ErrInvalidCredential {
		t.Fatalf("authorize = %v, %v; want false, %v", ok, err, ErrInvalidCredential)
	}
}

func TestBasicAuthorizerRejectsUnknownUser(t *testing.T) {
	authorize := NewBasicAuthorizer(map[string]string{})
	ctx := WithBasicAuth(context.Background(), "nobody", "whatever")

	ok, err := authorize(ctx, "repo", Read)
	if ok || err != ErrInvalidCredential {
		t.Fatalf("authorize = %v, %v; want false, %v", ok, err, ErrInvalidCredential)
	}
}

func TestBasicAuthorizerRejectsMissingCredential(t *testing.T) {
	authorize := NewBasicAuthorizer(map[string]string{})
	ok, err := authorize(context.Background(), "repo", Read)
	if ok || err != ErrMissingCredential {
		t.Fatalf("authorize = %v, %v; want false, %v", ok, err, ErrMissingCredential)
	}
}

func TestExtractMiddlewarePopulatesBearerToken(t *testing.T) {
	secret := []byte("yet-another-test-secret")
	token, err := IssueToken(secret, "dave", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	authorize := NewJWTAuthorizer(secret)

	var authorized bool
	handler := Extract(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, err := authorize(r.Context(), "repo", Read)
		authorized = ok && err == nil
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/repo/info/refs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !authorized {
		t.Fatal("expected the bearer token to be extracted and accepted downstream")
	}
}

func TestExtractMiddlewarePopulatesBasicAuth(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	authorize := NewBasicAuthorizer(map[string]string{"erin": hash})

	var authorized bool
	handler := Extract(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, err := authorize(r.Context(), "repo", Write)
		authorized = ok && err == nil
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/repo/git-receive-pack", nil)
	req.SetBasicAuth("erin", "hunter2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !authorized {
		t.Fatal("expected basic-auth credentials to be extracted and accepted downstream")
	}
}

func TestExtractMiddlewarePassesThroughWithNoCredential(t *testing.T) {
	var reached bool
	handler := Extract(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/repo/info/refs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !reached {
		t.Fatal("expected the handler chain to run even without a credential")
	}
}
