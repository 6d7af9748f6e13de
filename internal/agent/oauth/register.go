package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"

// ClientRegistration is the result of dynamic client registration (RFC 7591)
// or a preconfigured client identity.
type ClientRegistration struct {
	ClientID                string `json:"client_id"`
	ClientSecret            string `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64  `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64  `json:"client_secret_expires_at,omitempty"`
	RegistrationAccessToken string `json:"registration_access_token,omitempty"`
	RegistrationClientURI   string `json:"registration_client_uri,omitempty"`
}

// registrationRequest is the RFC 7591 client metadata we submit. The
// token-exchange grant is requested up front so delegation works without a
// second registration.
type registrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// registerClient performs dynamic client registration at the given endpoint.
func registerClient(ctx context.Context, httpClient *http.Client, endpoint, clientName, redirectURI, scope string) (*ClientRegistration, error) {
	reqBody := registrationRequest{
		ClientName:    clientName,
		RedirectURIs:  []string{redirectURI},
		GrantTypes:    []string{"authorization_code", "refresh_token", grantTypeTokenExchange},
		ResponseTypes: []string{"code"},
		// Public client; PKCE protects the code exchange.
		TokenEndpointAuthMethod: "none",
		Scope:                   scope,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &RegistrationError{Endpoint: endpoint, Err: fmt.Errorf("failed to marshal registration request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &RegistrationError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &RegistrationError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, &RegistrationError{Endpoint: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, &RegistrationError{
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("server response: %s", truncate(string(body), 256)),
		}
	}

	var reg ClientRegistration
	if err := json.Unmarshal(body, &reg); err != nil {
		return nil, &RegistrationError{Endpoint: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("failed to parse registration response: %w", err)}
	}
	if reg.ClientID == "" {
		return nil, &RegistrationError{Endpoint: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("registration response missing client_id")}
	}
	return &reg, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
