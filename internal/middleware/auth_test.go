package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPBearerAuthMiddleware(t *testing.T) {
	tests := []struct {
		name          string
		header        string
		validator     *testTokenValidator
		wantStatus    int
		wantValidated bool
	}{
		{
			name:       "missing token",
			validator:  &testTokenValidator{},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "basic scheme",
			header:     "Basic dXNlcjpwYXNz",
			validator:  &testTokenValidator{},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:          "rejected token",
			header:        "Bearer bad",
			validator:     &testTokenValidator{expectedToken: "expected", principal: "key:abc"},
			wantStatus:    http.StatusUnauthorized,
			wantValidated: true,
		},
		{
			name:          "validator error",
			header:        "Bearer expected",
			validator:     &testTokenValidator{err: errors.New("lookup failed")},
			wantStatus:    http.StatusUnauthorized,
			wantValidated: true,
		},
		{
			name:          "empty principal",
			header:        "Bearer expected",
			validator:     &testTokenValidator{expectedToken: "expected"},
			wantStatus:    http.StatusUnauthorized,
			wantValidated: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler := HTTPBearerAuthMiddleware(tc.validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("expected next handler not to be called")
			}))

			req := httptest.NewRequest(http.MethodGet, "/v1/pages/home/cards", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
				t.Fatalf("WWW-Authenticate = %q, want Bearer", got)
			}
			if tc.validator.called != tc.wantValidated {
				t.Fatalf("validator called = %v, want %v", tc.validator.called, tc.wantValidated)
			}
		})
	}
}

func TestHTTPBearerAuthMiddlewareAcceptsValidToken(t *testing.T) {
	validator := &testTokenValidator{expectedToken: "key123.secret", principal: "key:key123"}

	var gotPrincipal, gotKeyID string
	handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrincipal, _ = PrincipalFromContext(r.Context())
		gotKeyID, _ = APIKeyIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/pages/home/cards", nil)
	req.Header.Set("Authorization", "bearer key123.secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if validator.gotToken != "key123.secret" {
		t.Fatalf("validator token = %q, want key123.secret", validator.gotToken)
	}
	if gotPrincipal != "key:key123" {
		t.Fatalf("principal = %q, want key:key123", gotPrincipal)
	}
	if gotKeyID != "key123" {
		t.Fatalf("api key id = %q, want key123", gotKeyID)
	}
}

func TestHTTPBearerAuthMiddlewareStaticTokenHasNoKeyID(t *testing.T) {
	validator := &testTokenValidator{expectedToken: "static-token", principal: "static"}

	handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		if _, ok := APIKeyIDFromContext(r.Context()); ok {
			t.Fatal("expected no api key id for a token without a key prefix")
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer static-token")
	handler.ServeHTTP(httptest.NewRecorder(), req)
}

func TestHTTPBearerAuthMiddlewareThrottlesRepeatedFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := NewRateLimiter(ctx, 2)
	defer limiter.Stop()

	failures := 0
	handler := HTTPBearerAuthMiddleware(
		&testTokenValidator{expectedToken: "good", principal: "static"},
		WithRateLimiter(limiter),
		WithOnAuthFailure(func() { failures++ }),
	)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	statuses := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:5000"
		req.Header.Set("Authorization", "Bearer bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	want := []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("attempt %d status = %d, want %d (all: %v)", i+1, statuses[i], want[i], statuses)
		}
	}
	if failures != 3 {
		t.Fatalf("failure callback count = %d, want 3", failures)
	}

	// A different address still gets through to the validator.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.1:5000"
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("other client status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatal("expected no principal in empty context")
	}

	ctx := NewContextWithPrincipal(context.Background(), "key:abc")
	got, ok := PrincipalFromContext(ctx)
	if !ok || got != "key:abc" {
		t.Fatalf("PrincipalFromContext() = (%q, %v), want (key:abc, true)", got, ok)
	}
}

func TestAPIKeyIDFromBearer(t *testing.T) {
	tests := map[string]string{
		"Bearer abc.secret": "abc",
		"Bearer abc":        "",
		"Bearer .secret":    "",
		"Basic abc.secret":  "",
		"":                  "",
	}
	for header, want := range tests {
		if got := apiKeyIDFromBearer(header); got != want {
			t.Fatalf("apiKeyIDFromBearer(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestSplitAPIKey(t *testing.T) {
	tests := []struct {
		token      string
		wantID     string
		wantSecret string
		wantOK     bool
	}{
		{token: "abc.secret", wantID: "abc", wantSecret: "secret", wantOK: true},
		{token: "abc.sec.ret", wantID: "abc", wantSecret: "sec.ret", wantOK: true},
		{token: "abc", wantOK: false},
		{token: "abc.", wantOK: false},
		{token: ".secret", wantOK: false},
		{token: " .secret", wantOK: false},
	}
	for _, tc := range tests {
		keyID, secret, ok := SplitAPIKey(tc.token)
		if keyID != tc.wantID || secret != tc.wantSecret || ok != tc.wantOK {
			t.Fatalf("SplitAPIKey(%q) = (%q, %q, %v), want (%q, %q, %v)", tc.token, keyID, secret, ok, tc.wantID, tc.wantSecret, tc.wantOK)
		}
		if ok && FormatAPIKey(keyID, secret) != tc.token {
			t.Fatalf("FormatAPIKey(%q, %q) = %q, want %q", keyID, secret, FormatAPIKey(keyID, secret), tc.token)
		}
	}
}

func TestSecretMatchesHash(t *testing.T) {
	hash, err := HashSecret("secret")
	if err != nil {
		t.Fatalf("HashSecret() error = %v, want nil", err)
	}
	if !strings.HasPrefix(hash, "$2") {
		t.Fatalf("HashSecret() = %q, want bcrypt hash", hash)
	}
	if !SecretMatchesHash(hash, "secret") {
		t.Fatal("expected secret to match hash")
	}
	if SecretMatchesHash(hash, "wrong") {
		t.Fatal("expected secret mismatch")
	}
	if SecretMatchesHash("2bb80d537b1da3e38bd30361aa855686bde0eacd7162fef6a25fe97bf527a25b", "secret") {
		t.Fatal("expected non-bcrypt hash to fail")
	}
	if _, err := HashSecret(strings.Repeat("x", 73)); err == nil {
		t.Fatal("expected over-long secret to be rejected")
	}
}

type testTokenValidator struct {
	expectedToken string
	principal     string
	err           error
	called        bool
	gotToken      string
}

func (v *testTokenValidator) ValidateToken(_ context.Context, token string) (string, error) {
	v.called = true
	v.gotToken = token
	if v.err != nil {
		return "", v.err
	}
	if v.expectedToken != "" && token != v.expectedToken {
		return "", errors.New("invalid token")
	}
	return v.principal, nil
}
