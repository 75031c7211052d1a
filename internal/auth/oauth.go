// Package auth provides OIDC bearer-token verification for the
// orchestrator API. The orchestrator is a resource server only: it never
// performs a browser redirect login of its own, so (unlike a typical OIDC
// client) it carries no authorization-code-flow or token-exchange surface —
// only the verification path a request-scoped API actually needs.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Provider verifies bearer tokens presented to the orchestrator API against
// an OIDC issuer.
type Provider struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	config   *Config
}

// Config holds OIDC provider configuration.
type Config struct {
	// Issuer is the OIDC provider URL (e.g., https://auth.example.com)
	Issuer string

	// ClientID is the audience the orchestrator expects on incoming tokens.
	ClientID string

	// SkipIssuerCheck disables issuer validation (use only for testing)
	SkipIssuerCheck bool

	// SkipExpiryCheck disables expiry validation (use only for testing)
	SkipExpiryCheck bool
}

// NewProvider creates a new OIDC provider.
func NewProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}

	// Create OIDC provider (fetches discovery document)
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create oidc provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:          cfg.ClientID,
		SkipIssuerCheck:   cfg.SkipIssuerCheck,
		SkipExpiryCheck:   cfg.SkipExpiryCheck,
		SkipClientIDCheck: false,
	})

	return &Provider{
		provider: provider,
		verifier: verifier,
		config:   cfg,
	}, nil
}

// VerifyToken verifies an ID token and returns claims scoped to run/node
// actions.
func (p *Provider) VerifyToken(ctx context.Context, rawToken string) (*Claims, error) {
	rawToken = strings.TrimPrefix(rawToken, "Bearer ")
	rawToken = strings.TrimPrefix(rawToken, "bearer ")

	idToken, err := p.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extract claims: %w", err)
	}

	claims.Raw = idToken

	return &claims, nil
}

// VerifyAccessToken verifies an opaque access token via the userinfo
// endpoint, for callers that don't hand the orchestrator a JWT ID token.
func (p *Provider) VerifyAccessToken(ctx context.Context, accessToken string) (*Claims, error) {
	accessToken = strings.TrimPrefix(accessToken, "Bearer ")
	accessToken = strings.TrimPrefix(accessToken, "bearer ")

	userInfo, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
	}))
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}

	claims := &Claims{
		Subject: userInfo.Subject,
		Email:   userInfo.Email,
	}

	var extra map[string]interface{}
	if err := userInfo.Claims(&extra); err == nil {
		if name, ok := extra["name"].(string); ok {
			claims.Name = name
		}
		if scope, ok := extra["scope"].(string); ok {
			claims.Scope = scope
		}
		if groups, ok := extra["groups"].([]interface{}); ok {
			for _, g := range groups {
				if gs, ok := g.(string); ok {
					claims.Groups = append(claims.Groups, gs)
				}
			}
		}
	}

	return claims, nil
}

// Claims represents the subset of OIDC claims the orchestrator authorizes
// run/node actions against.
type Claims struct {
	Subject       string    `json:"sub"`
	Name          string    `json:"name,omitempty"`
	Email         string    `json:"email,omitempty"`
	EmailVerified bool      `json:"email_verified,omitempty"`
	Groups        []string  `json:"groups,omitempty"`
	Roles         []string  `json:"roles,omitempty"`
	// Scope is the space-separated OAuth2 scope string, readable through
	// HasScope. The auth Middleware does not check scopes.
	Scope     string    `json:"scope,omitempty"`
	Issuer    string    `json:"iss,omitempty"`
	Audience  []string  `json:"aud,omitempty"`
	Expiry    time.Time `json:"exp,omitempty"`
	IssuedAt  time.Time `json:"iat,omitempty"`

	// Raw is the underlying ID token
	Raw *oidc.IDToken `json:"-"`
}

// ScopeRunsWrite names the scope for creating, cancelling, or deleting a
// run. The Middleware does not enforce it; it is available to callers of
// HasScope.
const ScopeRunsWrite = "orchestrator:runs:write"

// HasScope reports whether the space-separated Scope claim contains scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range strings.Fields(c.Scope) {
		if s == scope {
			return true
		}
	}
	return false
}

// HasRole checks if the user has a specific role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasGroup checks if the user is in a specific group.
func (c *Claims) HasGroup(group string) bool {
	for _, g := range c.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// IsExpired checks if the token has expired.
func (c *Claims) IsExpired() bool {
	if c.Expiry.IsZero() {
		return false
	}
	return time.Now().After(c.Expiry)
}
