package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

// mockAuthServer is an httptest-backed authorization server implementing
// metadata discovery, dynamic registration and the token endpoint grants the
// flow controller uses.
type mockAuthServer struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	codes         map[string]*issuedCode
	tokenCounter  int
	registrations int
	refreshCalls  int
	exchangeCalls int
	delegations   int

	// accessTokenTTL is the expires_in reported for issued tokens.
	accessTokenTTL int64
	// failRefresh makes the refresh_token grant return invalid_grant.
	failRefresh bool
	// refreshDelay stalls refresh handling, for overlap tests.
	refreshDelay time.Duration
	// omitRegistration drops registration_endpoint from metadata.
	omitRegistration bool
}

type issuedCode struct {
	challenge string
	used      bool
}

func newMockAuthServer(t *testing.T) *mockAuthServer {
	t.Helper()

	m := &mockAuthServer{
		t:              t,
		codes:          make(map[string]*issuedCode),
		accessTokenTTL: 3600,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", m.handleMetadata)
	mux.HandleFunc("/register", m.handleRegister)
	mux.HandleFunc("/token", m.handleToken)

	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockAuthServer) URL() string { return m.server.URL }

// issueCode mints an authorization code bound to a PKCE challenge, as the
// authorize endpoint would after user consent.
func (m *mockAuthServer) issueCode(challenge string) string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		m.t.Fatalf("failed to generate code: %v", err)
	}
	code := base64.RawURLEncoding.EncodeToString(buf)

	m.mu.Lock()
	m.codes[code] = &issuedCode{challenge: challenge}
	m.mu.Unlock()
	return code
}

func (m *mockAuthServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	md := map[string]any{
		"issuer":                           m.server.URL,
		"authorization_endpoint":           m.server.URL + "/authorize",
		"token_endpoint":                   m.server.URL + "/token",
		"code_challenge_methods_supported": []string{"S256"},
		"grant_types_supported": []string{
			"authorization_code", "refresh_token",
			"urn:ietf:params:oauth:grant-type:token-exchange",
		},
	}
	if !m.omitRegistration {
		md["registration_endpoint"] = m.server.URL + "/register"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(md)
}

func (m *mockAuthServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.registrations++
	n := m.registrations
	m.mu.Unlock()

	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if name, _ := req["client_name"].(string); name == "" {
		http.Error(w, "missing client_name", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"client_id":            fmt.Sprintf("client-%d", n),
		"client_id_issued_at":  time.Now().Unix(),
		"redirect_uris":        req["redirect_uris"],
		"grant_types":          req["grant_types"],
	})
}

func (m *mockAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	switch r.Form.Get("grant_type") {
	case "authorization_code":
		m.handleCodeExchange(w, r)
	case "refresh_token":
		m.handleRefresh(w, r)
	case "urn:ietf:params:oauth:grant-type:token-exchange":
		m.handleExchange(w, r)
	default:
		m.tokenError(w, "unsupported_grant_type", "")
	}
}

func (m *mockAuthServer) handleCodeExchange(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.exchangeCalls++
	code := m.codes[r.Form.Get("code")]
	if code == nil || code.used {
		m.mu.Unlock()
		m.tokenError(w, "invalid_grant", "unknown or reused code")
		return
	}
	code.used = true
	challenge := code.challenge
	m.mu.Unlock()

	verifier := r.Form.Get("code_verifier")
	hash := sha256.Sum256([]byte(verifier))
	if base64.RawURLEncoding.EncodeToString(hash[:]) != challenge {
		m.tokenError(w, "invalid_grant", "PKCE verification failed")
		return
	}

	m.writeToken(w, "access", true)
}

func (m *mockAuthServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if m.refreshDelay > 0 {
		time.Sleep(m.refreshDelay)
	}

	m.mu.Lock()
	m.refreshCalls++
	fail := m.failRefresh
	m.mu.Unlock()

	if fail {
		m.tokenError(w, "invalid_grant", "refresh token revoked")
		return
	}
	if r.Form.Get("refresh_token") == "" {
		m.tokenError(w, "invalid_request", "missing refresh_token")
		return
	}
	m.writeToken(w, "refreshed", true)
}

func (m *mockAuthServer) handleExchange(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.delegations++
	m.mu.Unlock()

	if r.Form.Get("subject_token") == "" {
		m.tokenError(w, "invalid_request", "missing subject_token")
		return
	}
	target := r.Form.Get("target_user")
	if target == "" {
		m.tokenError(w, "invalid_request", "missing target_user")
		return
	}
	m.writeToken(w, "delegated-"+target, false)
}

func (m *mockAuthServer) writeToken(w http.ResponseWriter, prefix string, withRefresh bool) {
	m.mu.Lock()
	m.tokenCounter++
	n := m.tokenCounter
	ttl := m.accessTokenTTL
	m.mu.Unlock()

	resp := map[string]any{
		"access_token": fmt.Sprintf("%s-token-%d", prefix, n),
		"token_type":   "Bearer",
		"expires_in":   ttl,
	}
	if withRefresh {
		resp["refresh_token"] = fmt.Sprintf("refresh-token-%d", n)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (m *mockAuthServer) tokenError(w http.ResponseWriter, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": desc,
	})
}

// newTestController builds a flow controller wired to the mock server with
// an isolated snapshot directory.
func newTestController(t *testing.T, m *mockAuthServer) *FlowController {
	t.Helper()
	return newTestControllerWithDir(t, m, t.TempDir())
}

func newTestControllerWithDir(t *testing.T, m *mockAuthServer, dir string) *FlowController {
	t.Helper()

	f, err := NewFlowController(FlowConfig{
		ClientName:  "mcp-assistant-test",
		RedirectURI: "http://localhost:8765/callback",
		SnapshotDir: dir,
		HTTPClient:  m.server.Client(),
	})
	if err != nil {
		t.Fatalf("NewFlowController() failed: %v", err)
	}
	return f
}

// drainFlow consumes a StartFlow channel and returns the events plus the
// parsed authorization URL parameters from the terminal event, if any.
func drainFlow(t *testing.T, events <-chan FlowEvent) ([]FlowEvent, url.Values) {
	t.Helper()

	var all []FlowEvent
	var params url.Values
	for ev := range events {
		all = append(all, ev)
		if ev.Step == StepAwaitingCode {
			raw, _ := ev.Data["authorization_url"].(string)
			u, err := url.Parse(raw)
			if err != nil {
				t.Fatalf("invalid authorization URL %q: %v", raw, err)
			}
			params = u.Query()
		}
	}
	return all, params
}
