package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxMetadataSize limits how much of a metadata response is read, guarding
// against misbehaving servers.
const maxMetadataSize = 1024 * 1024

// Metadata is the authorization server metadata document (RFC 8414 / OIDC
// discovery) for an MCP server, plus whatever identity the server exposes
// about itself.
type Metadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`

	// Server describes the MCP server itself when it publishes identity
	// metadata alongside the OAuth document.
	Server ServerInfo `json:"server,omitempty"`
}

// ServerInfo is optional identity metadata published by an MCP server.
type ServerInfo struct {
	Name              string   `json:"name,omitempty"`
	Version           string   `json:"version,omitempty"`
	Description       string   `json:"description,omitempty"`
	SupportedFeatures []string `json:"supported_features,omitempty"`
}

// SupportsPKCE reports whether the server advertises S256 PKCE support.
// Servers that omit code_challenge_methods_supported are assumed to support
// it, per RFC 8414's defaulting rules for older deployments.
func (m *Metadata) SupportsPKCE() bool {
	if len(m.CodeChallengeMethodsSupported) == 0 {
		return true
	}
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == pkceMethodS256 {
			return true
		}
	}
	return false
}

// SupportsGrantType reports whether the server advertises the given grant
// type. An absent grant_types_supported list is treated as permissive.
func (m *Metadata) SupportsGrantType(grant string) bool {
	if len(m.GrantTypesSupported) == 0 {
		return true
	}
	for _, g := range m.GrantTypesSupported {
		if g == grant {
			return true
		}
	}
	return false
}

// metadataCandidates builds the ordered list of well-known URLs to probe for
// a server. Path-inserted forms come first per RFC 8414 section 3.1, then the
// root forms, then OpenID Connect discovery as a fallback.
func metadataCandidates(serverURL string) ([]string, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("server URL %q must be absolute", serverURL)
	}

	base := parsed.Scheme + "://" + parsed.Host
	path := strings.TrimSuffix(parsed.Path, "/")

	var candidates []string
	if path != "" {
		candidates = append(candidates,
			base+"/.well-known/oauth-authorization-server"+path,
			base+"/.well-known/openid-configuration"+path,
		)
	}
	candidates = append(candidates,
		base+"/.well-known/oauth-authorization-server",
		base+"/.well-known/openid-configuration",
	)
	return candidates, nil
}

// fetchMetadata retrieves and decodes one metadata document. A non-200
// status or a non-JSON content type is an error so the caller can try the
// next candidate.
func fetchMetadata(ctx context.Context, httpClient *http.Client, metadataURL string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata endpoint returned status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "application/json") {
		return nil, fmt.Errorf("metadata endpoint returned content type %q, expected application/json", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata response: %w", err)
	}

	var md Metadata
	if err := json.Unmarshal(body, &md); err != nil {
		return nil, fmt.Errorf("failed to parse metadata JSON: %w", err)
	}
	return &md, nil
}

// validateMetadata checks that a discovered document carries the endpoints
// the authorization-code flow needs.
func validateMetadata(md *Metadata) error {
	if md.AuthorizationEndpoint == "" {
		return fmt.Errorf("metadata missing authorization_endpoint")
	}
	if md.TokenEndpoint == "" {
		return fmt.Errorf("metadata missing token_endpoint")
	}
	for name, endpoint := range map[string]string{
		"authorization_endpoint": md.AuthorizationEndpoint,
		"token_endpoint":         md.TokenEndpoint,
	} {
		u, err := url.Parse(endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("metadata %s %q is not an absolute URL", name, endpoint)
		}
	}
	if !md.SupportsPKCE() {
		return fmt.Errorf("server does not support the S256 code challenge method")
	}
	return nil
}

// discoverMetadata probes the well-known candidates for serverURL and returns
// the first valid document. All probe failures are collected into the
// returned DiscoveryError.
func discoverMetadata(ctx context.Context, httpClient *http.Client, serverURL string) (*Metadata, error) {
	candidates, err := metadataCandidates(serverURL)
	if err != nil {
		return nil, &DiscoveryError{ServerURL: serverURL, Reason: "invalid server URL", Err: err}
	}

	var probeErrs []string
	for _, candidate := range candidates {
		md, err := fetchMetadata(ctx, httpClient, candidate)
		if err != nil {
			probeErrs = append(probeErrs, fmt.Sprintf("%s: %v", candidate, err))
			continue
		}
		if err := validateMetadata(md); err != nil {
			return nil, &DiscoveryError{ServerURL: serverURL, Reason: "invalid metadata", Err: err}
		}
		return md, nil
	}

	return nil, &DiscoveryError{
		ServerURL: serverURL,
		Reason:    "no authorization server metadata found",
		Err:       fmt.Errorf("probed %d endpoints: %s", len(candidates), strings.Join(probeErrs, "; ")),
	}
}
