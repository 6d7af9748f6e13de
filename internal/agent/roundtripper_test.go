package agent

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthRoundTripper_InjectsBearerToken(t *testing.T) {
	var gotAuth, gotDelegated string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotDelegated = r.Header.Get(delegatedUserHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	auth := &fakeAuthorizer{token: "token-abc"}
	client := &http.Client{
		Transport: newAuthRoundTripper(auth, func() string { return "" }, nil),
	}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if gotAuth != "Bearer token-abc" {
		t.Errorf("expected bearer header, got %q", gotAuth)
	}
	if gotDelegated != "" {
		t.Errorf("expected no delegation header, got %q", gotDelegated)
	}
}

func TestAuthRoundTripper_DelegationHeader(t *testing.T) {
	var gotDelegated string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDelegated = r.Header.Get(delegatedUserHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	delegated := "alice@example.com"
	auth := &fakeAuthorizer{
		accessTokenFn: func(user string) (string, error) {
			if user != delegated {
				t.Errorf("expected delegated user %q passed to token source, got %q", delegated, user)
			}
			return "delegated-token", nil
		},
	}
	client := &http.Client{
		Transport: newAuthRoundTripper(auth, func() string { return delegated }, nil),
	}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if gotDelegated != delegated {
		t.Errorf("expected delegation header %q, got %q", delegated, gotDelegated)
	}
}

func TestAuthRoundTripper_DoesNotMutateOriginalRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	auth := &fakeAuthorizer{token: "token-abc"}
	rt := newAuthRoundTripper(auth, nil, nil)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	resp.Body.Close()

	if req.Header.Get("Authorization") != "" {
		t.Errorf("original request must not carry the injected header, got %q", req.Header.Get("Authorization"))
	}
}

func TestAuthRoundTripper_TokenSourceFailure(t *testing.T) {
	auth := &fakeAuthorizer{}
	client := &http.Client{
		Transport: newAuthRoundTripper(auth, nil, nil),
	}

	_, err := client.Get("http://127.0.0.1:0/never")
	if err == nil {
		t.Fatal("expected error when token source has no token")
	}
}
