package oauth

import (
	"context"
	"fmt"
	"net/url"

	"golang.org/x/oauth2"
)

const subjectTokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

// Delegate exchanges the current access token for one scoped to targetUser
// using the RFC 8693 token-exchange grant. Delegated tokens are cached in
// memory per user and never persisted; expired entries are re-exchanged on
// the next call.
func (f *FlowController) Delegate(ctx context.Context, targetUser string) (*oauth2.Token, error) {
	if targetUser == "" {
		return nil, &TokenExchangeError{Reason: "target user must not be empty"}
	}

	f.mu.Lock()
	if cached, ok := f.delegated[targetUser]; ok && !tokenExpired(cached) {
		t := *cached
		f.mu.Unlock()
		return &t, nil
	}
	md := f.metadata
	step := f.step
	f.mu.Unlock()

	if step != StepAuthenticated {
		return nil, &FlowStateError{Step: step, Op: "delegate"}
	}

	subject := f.tokens.Get()
	if subject == nil || subject.AccessToken == "" {
		return nil, &TokenExchangeError{Reason: "no subject token available"}
	}
	reg := f.tokens.Registration()
	if md == nil || reg == nil {
		return nil, &TokenExchangeError{Reason: "flow has no discovered metadata or registration"}
	}
	if !md.SupportsGrantType(grantTypeTokenExchange) {
		return nil, &TokenExchangeError{Reason: fmt.Sprintf("server does not support grant type %s", grantTypeTokenExchange)}
	}

	form := url.Values{
		"grant_type":         {grantTypeTokenExchange},
		"subject_token":      {subject.AccessToken},
		"subject_token_type": {subjectTokenTypeAccessToken},
		"target_user":        {targetUser},
		"client_id":          {reg.ClientID},
	}
	if reg.ClientSecret != "" {
		form.Set("client_secret", reg.ClientSecret)
	}
	if f.cfg.Scope != "" {
		form.Set("scope", f.cfg.Scope)
	}

	token, err := requestToken(ctx, f.httpClient, md.TokenEndpoint, form)
	if err != nil {
		return nil, &TokenExchangeError{Reason: fmt.Sprintf("delegation for %q rejected", targetUser), Err: err}
	}

	f.mu.Lock()
	f.delegated[targetUser] = token
	f.mu.Unlock()

	f.logger.Info("delegated token obtained", "target_user", targetUser, "expiry", token.Expiry)
	t := *token
	return &t, nil
}

// AccessToken returns a bearer token for requests. With an empty
// delegatedUser it returns the primary access token, refreshing it first
// when expired and a refresh token is available. With a delegated user it
// returns (exchanging if needed) that user's delegated token.
func (f *FlowController) AccessToken(ctx context.Context, delegatedUser string) (string, error) {
	if delegatedUser != "" {
		tok, err := f.Delegate(ctx, delegatedUser)
		if err != nil {
			return "", err
		}
		return tok.AccessToken, nil
	}

	if f.tokens.IsExpired() {
		if !f.tokens.HasRefreshToken() {
			return "", &TokenRefreshError{Err: fmt.Errorf("access token expired and no refresh token available")}
		}
		if err := f.Refresh(ctx); err != nil {
			return "", err
		}
	}

	tok := f.tokens.Get()
	if tok == nil || tok.AccessToken == "" {
		return "", &FlowStateError{Step: f.Step(), Op: "get access token"}
	}
	return tok.AccessToken, nil
}
