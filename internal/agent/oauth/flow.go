package oauth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Step identifies where a flow controller is in the OAuth lifecycle.
type Step string

const (
	StepInit          Step = "init"
	StepDiscovering   Step = "discovering"
	StepDiscovered    Step = "discovered"
	StepRegistering   Step = "registering"
	StepRegistered    Step = "registered"
	StepAuthURLReady  Step = "auth_url_ready"
	StepAwaitingCode  Step = "awaiting_code"
	StepExchanging    Step = "exchanging"
	StepAuthenticated Step = "authenticated"
	StepError         Step = "error"
)

// FlowEvent is one progress update from StartFlow. Progress runs 0-100 over
// the whole flow; the awaiting_code event is terminal for the channel and
// carries the authorization URL in Data.
type FlowEvent struct {
	Step     Step           `json:"step"`
	Message  string         `json:"message"`
	Progress int            `json:"progress"`
	Data     map[string]any `json:"data,omitempty"`
	Err      string         `json:"error,omitempty"`
}

// FlowStatus is the redacted view of a controller returned by Status.
// It never carries tokens or client secrets.
type FlowStatus struct {
	Step             Step      `json:"step"`
	Authenticated    bool      `json:"authenticated"`
	ServerURL        string    `json:"server_url,omitempty"`
	Issuer           string    `json:"issuer,omitempty"`
	ClientID         string    `json:"client_id,omitempty"`
	AuthorizationURL string    `json:"authorization_url,omitempty"`
	TokenExpiry      time.Time `json:"token_expiry,omitzero"`
	HasRefreshToken  bool      `json:"has_refresh_token"`
	LastError        string    `json:"last_error,omitempty"`
}

// FlowConfig configures a FlowController.
type FlowConfig struct {
	// ClientName is the name submitted during dynamic client registration.
	ClientName string

	// RedirectURI receives the authorization callback. Usually the local
	// callback server's URL.
	RedirectURI string

	// Scope is the space-separated scope string requested during
	// authorization. Empty means the server's defaults.
	Scope string

	// ClientID and ClientSecret preconfigure a client identity, skipping
	// dynamic registration.
	ClientID     string
	ClientSecret string

	// SnapshotDir overrides where flow snapshots are persisted.
	SnapshotDir string

	// HTTPClient overrides the HTTP client used for metadata, registration
	// and token requests.
	HTTPClient *http.Client
}

// Validate checks the configuration and fills defaults.
func (c *FlowConfig) Validate() error {
	if c.ClientName == "" {
		c.ClientName = "mcp-assistant"
	}
	if c.ClientSecret != "" && c.ClientID == "" {
		return fmt.Errorf("client secret configured without a client ID")
	}
	if c.RedirectURI != "" {
		u, err := url.Parse(c.RedirectURI)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("redirect URI %q must be an absolute URL", c.RedirectURI)
		}
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return nil
}

// FlowController walks one MCP server from discovery to an authenticated
// session. It is safe for concurrent use; at most one authorization flow is
// in progress at a time, and starting a new flow discards the previous one.
type FlowController struct {
	cfg        FlowConfig
	httpClient *http.Client
	tokens     *TokenStore
	snapshots  *SnapshotStore
	logger     *slog.Logger

	mu               sync.Mutex
	step             Step
	serverURL        string
	metadata         *Metadata
	pkce             *PKCEChallenge
	state            string
	redirectURI      string
	authorizationURL string
	lastErr          error

	// flowGen invalidates in-flight StartFlow goroutines when a newer flow
	// begins.
	flowGen uint64

	// consumedCodes records every authorization code ever submitted for
	// exchange, successful or not. Codes are single-use.
	consumedCodes map[string]struct{}

	// delegated caches RFC 8693 exchanged tokens per target user. Never
	// persisted.
	delegated map[string]*oauth2.Token

	refreshGroup singleflight.Group
}

// NewFlowController creates a controller in the init step.
func NewFlowController(cfg FlowConfig) (*FlowController, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow config: %w", err)
	}

	snapshots, err := NewSnapshotStore(cfg.SnapshotDir)
	if err != nil {
		return nil, err
	}

	return &FlowController{
		cfg:           cfg,
		httpClient:    cfg.HTTPClient,
		tokens:        NewTokenStore(),
		snapshots:     snapshots,
		logger:        slog.Default().With("component", "oauth-flow"),
		step:          StepInit,
		consumedCodes: make(map[string]struct{}),
		delegated:     make(map[string]*oauth2.Token),
	}, nil
}

// Tokens exposes the underlying token store.
func (f *FlowController) Tokens() *TokenStore { return f.tokens }

// Step returns the current flow step.
func (f *FlowController) Step() Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

// Authenticated reports whether the controller holds a usable session.
func (f *FlowController) Authenticated() bool {
	f.mu.Lock()
	step := f.step
	f.mu.Unlock()
	return step == StepAuthenticated && !f.tokens.IsExpired()
}

// Discover locates authorization server metadata for serverURL and caches it
// on the controller. It moves the flow through discovering to discovered.
func (f *FlowController) Discover(ctx context.Context, serverURL string) (*Metadata, error) {
	f.mu.Lock()
	f.step = StepDiscovering
	f.serverURL = serverURL
	f.mu.Unlock()

	md, err := discoverMetadata(ctx, f.httpClient, serverURL)
	if err != nil {
		f.failLocked(err)
		return nil, err
	}

	f.mu.Lock()
	f.metadata = md
	f.step = StepDiscovered
	f.mu.Unlock()

	f.logger.Info("authorization server discovered",
		"server", serverURL, "issuer", md.Issuer)
	return md, nil
}

// StartFlow begins an authorization flow against serverURL and returns a
// channel of progress events. The channel is closed after the terminal
// awaiting_code event (or an error event). Any flow already in progress is
// discarded; its pending state can no longer complete.
//
// clientName and redirectURI override the configured defaults when non-empty.
func (f *FlowController) StartFlow(ctx context.Context, serverURL, clientName, redirectURI string) <-chan FlowEvent {
	if clientName == "" {
		clientName = f.cfg.ClientName
	}
	if redirectURI == "" {
		redirectURI = f.cfg.RedirectURI
	}

	events := make(chan FlowEvent, 8)

	f.mu.Lock()
	f.flowGen++
	gen := f.flowGen
	// Discard in-progress flow state. Completed sessions are unaffected;
	// tokens live in the store and survive until Reset.
	f.pkce = nil
	f.state = ""
	f.authorizationURL = ""
	f.redirectURI = redirectURI
	if f.serverURL != serverURL {
		f.metadata = nil
	}
	f.serverURL = serverURL
	f.step = StepInit
	f.lastErr = nil
	f.mu.Unlock()

	go f.runFlow(ctx, gen, serverURL, clientName, redirectURI, events)
	return events
}

// runFlow produces the event sequence for one StartFlow call. Every state
// mutation checks the flow generation so a superseded flow silently stops.
func (f *FlowController) runFlow(ctx context.Context, gen uint64, serverURL, clientName, redirectURI string, events chan<- FlowEvent) {
	defer close(events)

	emit := func(ev FlowEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	fail := func(step Step, err error) {
		f.mu.Lock()
		if f.flowGen == gen {
			f.step = StepError
			f.lastErr = err
		}
		f.mu.Unlock()
		emit(FlowEvent{Step: StepError, Message: "flow failed", Progress: 100, Err: err.Error()})
	}

	// Discovery. Reuse cached metadata when a prior flow against the same
	// server already discovered it.
	f.mu.Lock()
	md := f.metadata
	if f.flowGen != gen {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	if md == nil {
		if !f.advance(gen, StepDiscovering) {
			return
		}
		if !emit(FlowEvent{Step: StepDiscovering, Message: "discovering authorization server", Progress: 10}) {
			return
		}

		discovered, err := discoverMetadata(ctx, f.httpClient, serverURL)
		if err != nil {
			fail(StepDiscovering, err)
			return
		}
		md = discovered

		f.mu.Lock()
		if f.flowGen != gen {
			f.mu.Unlock()
			return
		}
		f.metadata = md
		f.step = StepDiscovered
		f.mu.Unlock()
	}
	if !emit(FlowEvent{Step: StepDiscovered, Message: "authorization server metadata resolved", Progress: 25, Data: map[string]any{
		"issuer":                 md.Issuer,
		"authorization_endpoint": md.AuthorizationEndpoint,
	}}) {
		return
	}

	// Registration. A preconfigured client identity or an earlier
	// registration for this server short-circuits DCR.
	reg := f.tokens.Registration()
	if f.cfg.ClientID != "" {
		reg = &ClientRegistration{ClientID: f.cfg.ClientID, ClientSecret: f.cfg.ClientSecret}
		f.tokens.SetRegistration(reg)
	}
	if reg == nil {
		if md.RegistrationEndpoint == "" {
			fail(StepRegistering, &RegistrationError{
				Endpoint: serverURL,
				Err:      fmt.Errorf("server offers no registration endpoint and no client ID is configured"),
			})
			return
		}
		if !f.advance(gen, StepRegistering) {
			return
		}
		if !emit(FlowEvent{Step: StepRegistering, Message: "registering OAuth client", Progress: 40}) {
			return
		}

		newReg, err := registerClient(ctx, f.httpClient, md.RegistrationEndpoint, clientName, redirectURI, f.cfg.Scope)
		if err != nil {
			fail(StepRegistering, err)
			return
		}
		reg = newReg
		f.tokens.SetRegistration(reg)
	}
	if !f.advance(gen, StepRegistered) {
		return
	}
	if !emit(FlowEvent{Step: StepRegistered, Message: "client registered", Progress: 55, Data: map[string]any{
		"client_id": reg.ClientID,
	}}) {
		return
	}

	// PKCE material and CSRF state.
	pkce, err := GeneratePKCE()
	if err != nil {
		fail(StepAuthURLReady, err)
		return
	}
	state, err := GenerateState()
	if err != nil {
		fail(StepAuthURLReady, err)
		return
	}

	authURL := buildAuthorizationURL(md.AuthorizationEndpoint, reg.ClientID, redirectURI, state, pkce, f.cfg.Scope)

	f.mu.Lock()
	if f.flowGen != gen {
		f.mu.Unlock()
		return
	}
	f.pkce = pkce
	f.state = state
	f.authorizationURL = authURL
	f.step = StepAuthURLReady
	f.mu.Unlock()

	if !emit(FlowEvent{Step: StepAuthURLReady, Message: "authorization URL ready", Progress: 70}) {
		return
	}

	if !f.advance(gen, StepAwaitingCode) {
		return
	}
	emit(FlowEvent{Step: StepAwaitingCode, Message: "waiting for authorization", Progress: 85, Data: map[string]any{
		"authorization_url": authURL,
	}})
}

// advance sets the step if this flow generation is still current.
func (f *FlowController) advance(gen uint64, step Step) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flowGen != gen {
		return false
	}
	f.step = step
	return true
}

func (f *FlowController) failLocked(err error) {
	f.mu.Lock()
	f.step = StepError
	f.lastErr = err
	f.mu.Unlock()
}

func buildAuthorizationURL(endpoint, clientID, redirectURI, state string, pkce *PKCEChallenge, scope string) string {
	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"state":                 {state},
		"code_challenge":        {pkce.CodeChallenge},
		"code_challenge_method": {pkce.CodeChallengeMethod},
	}
	if scope != "" {
		params.Set("scope", scope)
	}

	sep := "?"
	if u, err := url.Parse(endpoint); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return endpoint + sep + params.Encode()
}

// CompleteFlow finishes the flow with the callback's authorization code and
// state. The state must match the pending flow's (constant-time comparison),
// and a code can only ever be submitted once; a replay fails even after the
// original exchange succeeded.
func (f *FlowController) CompleteFlow(ctx context.Context, code, state string) error {
	f.mu.Lock()

	if _, used := f.consumedCodes[code]; used {
		f.mu.Unlock()
		return &TokenExchangeError{Reason: "authorization code already used"}
	}

	if subtle.ConstantTimeCompare([]byte(state), []byte(f.state)) != 1 || f.state == "" {
		f.mu.Unlock()
		return &AuthorizationError{Reason: "state parameter mismatch"}
	}

	if f.step != StepAwaitingCode {
		step := f.step
		f.mu.Unlock()
		return &FlowStateError{Step: step, Op: "complete flow"}
	}

	// The code is consumed by the exchange attempt, not its outcome.
	f.consumedCodes[code] = struct{}{}
	f.step = StepExchanging

	md := f.metadata
	pkce := f.pkce
	redirectURI := f.redirectURI
	serverURL := f.serverURL
	f.mu.Unlock()

	reg := f.tokens.Registration()
	if reg == nil || md == nil || pkce == nil {
		return &FlowStateError{Step: StepExchanging, Op: "complete flow"}
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {reg.ClientID},
		"code_verifier": {pkce.CodeVerifier},
	}
	if reg.ClientSecret != "" {
		form.Set("client_secret", reg.ClientSecret)
	}

	token, err := requestToken(ctx, f.httpClient, md.TokenEndpoint, form)
	if err != nil {
		f.failLocked(err)
		return &TokenExchangeError{Reason: "authorization code exchange rejected", Err: err}
	}

	f.tokens.Set(token)

	f.mu.Lock()
	f.step = StepAuthenticated
	f.pkce = nil
	f.state = ""
	f.lastErr = nil
	f.mu.Unlock()

	f.logger.Info("flow authenticated", "server", serverURL)
	f.persist()
	return nil
}

// Status returns the redacted state of the controller.
func (f *FlowController) Status() FlowStatus {
	f.mu.Lock()
	st := FlowStatus{
		Step:             f.step,
		ServerURL:        f.serverURL,
		AuthorizationURL: f.authorizationURL,
	}
	if f.metadata != nil {
		st.Issuer = f.metadata.Issuer
	}
	if f.lastErr != nil {
		st.LastError = f.lastErr.Error()
	}
	f.mu.Unlock()

	if reg := f.tokens.Registration(); reg != nil {
		st.ClientID = reg.ClientID
	}
	if tok := f.tokens.Get(); tok != nil {
		st.TokenExpiry = tok.Expiry
		st.HasRefreshToken = tok.RefreshToken != ""
	}
	st.Authenticated = st.Step == StepAuthenticated && !f.tokens.IsExpired()
	return st
}

// Reset clears tokens, registration, delegated tokens, pending flow state
// and the persisted snapshot, returning the controller to init.
func (f *FlowController) Reset() error {
	f.mu.Lock()
	f.flowGen++
	serverURL := f.serverURL
	f.step = StepInit
	f.metadata = nil
	f.pkce = nil
	f.state = ""
	f.authorizationURL = ""
	f.serverURL = ""
	f.lastErr = nil
	f.delegated = make(map[string]*oauth2.Token)
	f.mu.Unlock()

	f.tokens.Clear()

	if serverURL != "" {
		if err := f.snapshots.Delete(serverURL); err != nil {
			return err
		}
	}
	f.logger.Info("flow reset", "server", serverURL)
	return nil
}

// RestoreOnStartup rehydrates the controller from a persisted snapshot for
// serverURL. It returns true when an authenticated session was restored,
// refreshing an expired access token when a refresh token is available. A
// snapshot that can no longer produce a session is deleted.
func (f *FlowController) RestoreOnStartup(ctx context.Context, serverURL string) (bool, error) {
	snap, err := f.snapshots.Load(serverURL)
	if err != nil {
		return false, err
	}
	if snap == nil || snap.Token == nil {
		return false, nil
	}

	f.mu.Lock()
	f.serverURL = serverURL
	f.metadata = snap.Metadata
	f.mu.Unlock()
	f.tokens.SetRegistration(snap.Registration)
	f.tokens.Set(snap.Token)

	if !tokenExpired(snap.Token) {
		f.mu.Lock()
		f.step = StepAuthenticated
		f.mu.Unlock()
		f.logger.Info("session restored from snapshot", "server", serverURL)
		return true, nil
	}

	if snap.Token.RefreshToken == "" {
		f.dropRestored(serverURL)
		return false, nil
	}

	if err := f.Refresh(ctx); err != nil {
		f.logger.Warn("snapshot refresh failed, discarding", "server", serverURL, "error", err)
		f.dropRestored(serverURL)
		return false, nil
	}

	f.mu.Lock()
	f.step = StepAuthenticated
	f.mu.Unlock()
	f.logger.Info("session restored via refresh", "server", serverURL)
	return true, nil
}

func (f *FlowController) dropRestored(serverURL string) {
	f.tokens.Clear()
	f.mu.Lock()
	f.step = StepInit
	f.metadata = nil
	f.mu.Unlock()
	_ = f.snapshots.Delete(serverURL)
}

// Refresh exchanges the stored refresh token for a new token pair.
// Concurrent callers share a single token-endpoint request. On failure the
// stored tokens are cleared so the caller falls back to a full flow.
func (f *FlowController) Refresh(ctx context.Context) error {
	_, err, _ := f.refreshGroup.Do("refresh", func() (any, error) {
		tok := f.tokens.Get()
		if tok == nil || tok.RefreshToken == "" {
			return nil, &TokenRefreshError{Err: fmt.Errorf("no refresh token available")}
		}

		f.mu.Lock()
		md := f.metadata
		f.mu.Unlock()
		reg := f.tokens.Registration()
		if md == nil || reg == nil {
			return nil, &TokenRefreshError{Err: fmt.Errorf("flow has no discovered metadata or registration")}
		}

		form := url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {tok.RefreshToken},
			"client_id":     {reg.ClientID},
		}
		if reg.ClientSecret != "" {
			form.Set("client_secret", reg.ClientSecret)
		}

		fresh, err := requestToken(ctx, f.httpClient, md.TokenEndpoint, form)
		if err != nil {
			f.tokens.Set(nil)
			return nil, &TokenRefreshError{Err: err}
		}

		// Servers may rotate or omit the refresh token; keep the old one
		// when omitted.
		if fresh.RefreshToken == "" {
			fresh.RefreshToken = tok.RefreshToken
		}
		f.tokens.Set(fresh)
		f.logger.Info("access token refreshed", "expiry", fresh.Expiry)
		f.persist()
		return nil, nil
	})
	return err
}

// persist writes the current snapshot when the flow is authenticated.
func (f *FlowController) persist() {
	f.mu.Lock()
	snap := &Snapshot{
		Step:      f.step,
		ServerURL: f.serverURL,
		Metadata:  f.metadata,
	}
	f.mu.Unlock()

	snap.Registration = f.tokens.Registration()
	snap.Token = f.tokens.Get()

	if err := f.snapshots.Save(snap); err != nil {
		f.logger.Warn("failed to persist flow snapshot", "error", err)
	}
}
