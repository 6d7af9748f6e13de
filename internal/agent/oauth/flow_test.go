package oauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStartFlow_EventSequence(t *testing.T) {
	m := newMockAuthServer(t)
	f := newTestController(t, m)

	events, params := drainFlow(t, f.StartFlow(context.Background(), m.URL(), "", ""))

	wantSteps := []Step{
		StepDiscovering, StepDiscovered, StepRegistering, StepRegistered,
		StepAuthURLReady, StepAwaitingCode,
	}
	if len(events) != len(wantSteps) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(wantSteps), events)
	}
	lastProgress := -1
	for i, ev := range events {
		if ev.Step != wantSteps[i] {
			t.Errorf("event %d step = %q, want %q", i, ev.Step, wantSteps[i])
		}
		if ev.Progress < lastProgress {
			t.Errorf("event %d progress %d went backwards from %d", i, ev.Progress, lastProgress)
		}
		lastProgress = ev.Progress
	}

	if params.Get("response_type") != "code" {
		t.Errorf("response_type = %q, want code", params.Get("response_type"))
	}
	for _, key := range []string{"client_id", "state", "code_challenge", "redirect_uri"} {
		if params.Get(key) == "" {
			t.Errorf("authorization URL missing %s", key)
		}
	}
	if params.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q, want S256", params.Get("code_challenge_method"))
	}

	if got := f.Step(); got != StepAwaitingCode {
		t.Errorf("flow step = %q, want %q", got, StepAwaitingCode)
	}
}

func TestStartFlow_PreconfiguredClientSkipsRegistration(t *testing.T) {
	m := newMockAuthServer(t)

	f, err := NewFlowController(FlowConfig{
		ClientID:    "preset-client",
		RedirectURI: "http://localhost:8765/callback",
		SnapshotDir: t.TempDir(),
		HTTPClient:  m.server.Client(),
	})
	if err != nil {
		t.Fatalf("NewFlowController() failed: %v", err)
	}

	events, params := drainFlow(t, f.StartFlow(context.Background(), m.URL(), "", ""))

	for _, ev := range events {
		if ev.Step == StepRegistering {
			t.Error("registration step emitted despite preconfigured client ID")
		}
	}
	if m.registrations != 0 {
		t.Errorf("registration endpoint called %d times, want 0", m.registrations)
	}
	if got := params.Get("client_id"); got != "preset-client" {
		t.Errorf("client_id = %q, want preset-client", got)
	}
}

func TestStartFlow_NoRegistrationEndpoint(t *testing.T) {
	m := newMockAuthServer(t)
	m.omitRegistration = true
	f := newTestController(t, m)

	events, _ := drainFlow(t, f.StartFlow(context.Background(), m.URL(), "", ""))

	last := events[len(events)-1]
	if last.Step != StepError || last.Err == "" {
		t.Fatalf("expected terminal error event, got %+v", last)
	}
	if got := f.Step(); got != StepError {
		t.Errorf("flow step = %q, want %q", got, StepError)
	}
}

// completeInteractiveFlow drives a flow to awaiting_code and exchanges a
// freshly minted code, returning the code and state that were used.
func completeInteractiveFlow(t *testing.T, f *FlowController, m *mockAuthServer) (code, state string) {
	t.Helper()
	ctx := context.Background()

	_, params := drainFlow(t, f.StartFlow(ctx, m.URL(), "", ""))
	if params == nil {
		t.Fatal("flow never reached awaiting_code")
	}

	code = m.issueCode(params.Get("code_challenge"))
	state = params.Get("state")
	if err := f.CompleteFlow(ctx, code, state); err != nil {
		t.Fatalf("CompleteFlow() failed: %v", err)
	}
	return code, state
}

func TestCompleteFlow_Success(t *testing.T) {
	m := newMockAuthServer(t)
	f := newTestController(t, m)

	completeInteractiveFlow(t, f, m)

	if !f.Authenticated() {
		t.Error("controller not authenticated after successful exchange")
	}
	st := f.Status()
	if st.Step != StepAuthenticated || !st.Authenticated {
		t.Errorf("status = %+v, want authenticated", st)
	}
	if !st.HasRefreshToken {
		t.Error("status reports no refresh token")
	}
	if tok := f.Tokens().Get(); tok == nil || tok.AccessToken == "" {
		t.Error("token store empty after exchange")
	}
}

func TestCompleteFlow_StateMismatch(t *testing.T) {
	m := newMockAuthServer(t)
	f := newTestController(t, m)
	ctx := context.Background()

	_, params := drainFlow(t, f.StartFlow(ctx, m.URL(), "", ""))
	code := m.issueCode(params.Get("code_challenge"))

	err := f.CompleteFlow(ctx, code, "forged-state")
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("CompleteFlow() error = %v, want AuthorizationError", err)
	}

	// A rejected state must not consume the code.
	if err := f.CompleteFlow(ctx, code, params.Get("state")); err != nil {
		t.Errorf("CompleteFlow() with correct state failed after mismatch: %v", err)
	}
}

func TestCompleteFlow_CodeSingleUse(t *testing.T) {
	m := newMockAuthServer(t)
	f := newTestController(t, m)
	ctx := context.Background()

	code, state := completeInteractiveFlow(t, f, m)

	err := f.CompleteFlow(ctx, code, state)
	var exchangeErr *TokenExchangeError
	if !errors.As(err, &exchangeErr) {
		t.Fatalf("replayed code error = %v, want TokenExchangeError", err)
	}
}

func TestStartFlow_SupersedesPendingFlow(t *testing.T) {
	m := newMockAuthServer(t)
	f := newTestController(t, m)
	ctx := context.Background()

	_, firstParams := drainFlow(t, f.StartFlow(ctx, m.URL(), "", ""))
	_, secondParams := drainFlow(t, f.StartFlow(ctx, m.URL(), "", ""))

	if firstParams.Get("state") == secondParams.Get("state") {
		t.Fatal("both flows produced the same state")
	}

	// The first flow's callback is stale and must fail the state check.
	staleCode := m.issueCode(firstParams.Get("code_challenge"))
	err := f.CompleteFlow(ctx, staleCode, firstParams.Get("state"))
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("stale flow completion error = %v, want AuthorizationError", err)
	}

	// The superseding flow still completes.
	code := m.issueCode(secondParams.Get("code_challenge"))
	if err := f.CompleteFlow(ctx, code, secondParams.Get("state")); err != nil {
		t.Fatalf("superseding flow completion failed: %v", err)
	}
}

func TestRefresh_ReplacesExpiredToken(t *testing.T) {
	m := newMockAuthServer(t)
	// Within the expiry margin, so the token counts as expired immediately.
	m.accessTokenTTL = 30
	f := newTestController(t, m)

	completeInteractiveFlow(t, f, m)

	if !f.Tokens().IsExpired() {
		t.Fatal("short-lived token should report expired within the safety margin")
	}
	before := f.Tokens().Get().AccessToken

	m.accessTokenTTL = 3600
	if err := f.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}

	after := f.Tokens().Get()
	if after.AccessToken == before {
		t.Error("access token unchanged after refresh")
	}
	if f.Tokens().IsExpired() {
		t.Error("refreshed token reports expired")
	}
}

func TestRefresh_FailureClearsTokens(t *testing.T) {
	m := newMockAuthServer(t)
	f := newTestController(t, m)

	completeInteractiveFlow(t, f, m)
	m.failRefresh = true

	err := f.Refresh(context.Background())
	var refreshErr *TokenRefreshError
	if !errors.As(err, &refreshErr) {
		t.Fatalf("Refresh() error = %v, want TokenRefreshError", err)
	}
	if tok := f.Tokens().Get(); tok != nil {
		t.Errorf("tokens not cleared after failed refresh: %+v", tok)
	}
}

func TestRefresh_ConcurrentCallersShareOneRequest(t *testing.T) {
	m := newMockAuthServer(t)
	m.refreshDelay = 100 * time.Millisecond
	f := newTestController(t, m)

	completeInteractiveFlow(t, f, m)
	baseline := m.refreshCalls

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.Refresh(context.Background()); err != nil {
				t.Errorf("Refresh() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := m.refreshCalls - baseline; got != 1 {
		t.Errorf("refresh endpoint hit %d times by 5 concurrent callers, want 1", got)
	}
}

func TestRestoreOnStartup(t *testing.T) {
	m := newMockAuthServer(t)
	dir := t.TempDir()
	ctx := context.Background()

	first := newTestControllerWithDir(t, m, dir)
	completeInteractiveFlow(t, first, m)

	second := newTestControllerWithDir(t, m, dir)
	restored, err := second.RestoreOnStartup(ctx, m.URL())
	if err != nil {
		t.Fatalf("RestoreOnStartup() failed: %v", err)
	}
	if !restored || !second.Authenticated() {
		t.Error("snapshot did not restore an authenticated session")
	}
}

func TestRestoreOnStartup_RefreshesExpiredToken(t *testing.T) {
	m := newMockAuthServer(t)
	m.accessTokenTTL = 30
	dir := t.TempDir()
	ctx := context.Background()

	first := newTestControllerWithDir(t, m, dir)
	completeInteractiveFlow(t, first, m)

	m.accessTokenTTL = 3600
	second := newTestControllerWithDir(t, m, dir)
	restored, err := second.RestoreOnStartup(ctx, m.URL())
	if err != nil {
		t.Fatalf("RestoreOnStartup() failed: %v", err)
	}
	if !restored {
		t.Fatal("expired snapshot with refresh token was not restored")
	}
	if m.refreshCalls == 0 {
		t.Error("restore did not call the refresh grant")
	}
}

func TestRestoreOnStartup_DropsDeadSnapshot(t *testing.T) {
	m := newMockAuthServer(t)
	m.accessTokenTTL = 30
	dir := t.TempDir()
	ctx := context.Background()

	first := newTestControllerWithDir(t, m, dir)
	completeInteractiveFlow(t, first, m)

	m.failRefresh = true
	second := newTestControllerWithDir(t, m, dir)
	restored, err := second.RestoreOnStartup(ctx, m.URL())
	if err != nil {
		t.Fatalf("RestoreOnStartup() failed: %v", err)
	}
	if restored {
		t.Fatal("unrefreshable snapshot reported as restored")
	}

	// The snapshot must be gone; a third controller finds nothing.
	m.failRefresh = false
	third := newTestControllerWithDir(t, m, dir)
	restored, err = third.RestoreOnStartup(ctx, m.URL())
	if err != nil || restored {
		t.Errorf("dead snapshot survived: restored=%v err=%v", restored, err)
	}
}

func TestDelegate_CachesPerUser(t *testing.T) {
	m := newMockAuthServer(t)
	f := newTestController(t, m)
	ctx := context.Background()

	completeInteractiveFlow(t, f, m)

	tok1, err := f.Delegate(ctx, "alice")
	if err != nil {
		t.Fatalf("Delegate() failed: %v", err)
	}
	tok2, err := f.Delegate(ctx, "alice")
	if err != nil {
		t.Fatalf("Delegate() second call failed: %v", err)
	}
	if tok1.AccessToken != tok2.AccessToken {
		t.Error("cached delegation returned a different token")
	}
	if m.delegations != 1 {
		t.Errorf("token-exchange called %d times for one user, want 1", m.delegations)
	}

	if _, err := f.Delegate(ctx, "bob"); err != nil {
		t.Fatalf("Delegate() for second user failed: %v", err)
	}
	if m.delegations != 2 {
		t.Errorf("token-exchange called %d times for two users, want 2", m.delegations)
	}
}

func TestDelegate_RequiresAuthenticatedFlow(t *testing.T) {
	m := newMockAuthServer(t)
	f := newTestController(t, m)

	_, err := f.Delegate(context.Background(), "alice")
	var stateErr *FlowStateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("Delegate() on init flow error = %v, want FlowStateError", err)
	}
}

func TestReset(t *testing.T) {
	m := newMockAuthServer(t)
	dir := t.TempDir()
	f := newTestControllerWithDir(t, m, dir)
	ctx := context.Background()

	completeInteractiveFlow(t, f, m)

	if err := f.Reset(); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}
	if got := f.Step(); got != StepInit {
		t.Errorf("step after reset = %q, want %q", got, StepInit)
	}
	if f.Tokens().Get() != nil {
		t.Error("tokens survived reset")
	}

	fresh := newTestControllerWithDir(t, m, dir)
	restored, err := fresh.RestoreOnStartup(ctx, m.URL())
	if err != nil || restored {
		t.Errorf("snapshot survived reset: restored=%v err=%v", restored, err)
	}
}

func TestAccessToken_DelegatedUser(t *testing.T) {
	m := newMockAuthServer(t)
	f := newTestController(t, m)
	ctx := context.Background()

	completeInteractiveFlow(t, f, m)

	primary, err := f.AccessToken(ctx, "")
	if err != nil {
		t.Fatalf("AccessToken() failed: %v", err)
	}
	delegated, err := f.AccessToken(ctx, "alice")
	if err != nil {
		t.Fatalf("AccessToken(alice) failed: %v", err)
	}
	if primary == delegated {
		t.Error("delegated token identical to primary token")
	}
}
