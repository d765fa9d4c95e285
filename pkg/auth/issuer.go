// Package auth issues and validates node credentials.
//
// Credentials are HS256 JWT pairs: a short-lived access token presented as
// a bearer on every forwarded call, and a refresh token exchanged at
// /auth/refresh. The signing secret is shared cluster-wide via
// configuration; per-node asymmetric keys are out of scope.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Token types carried in the "typ" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

const audience = "agentmesh"

// Credentials is an access/refresh token pair.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
}

// Issuer signs and validates node credentials.
type Issuer struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewIssuer creates an issuer. issuer is this node's slug.
func NewIssuer(secret, issuer string, accessTTL, refreshTTL time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth secret is required")
	}
	return &Issuer{
		secret:     []byte(secret),
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}, nil
}

// IssuePair mints a fresh credential pair for the given node slug.
// Re-registration calls this again, rotating both tokens.
func (i *Issuer) IssuePair(slug string) (*Credentials, error) {
	access, err := i.sign(slug, TokenTypeAccess, i.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := i.sign(slug, TokenTypeRefresh, i.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &Credentials{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(i.accessTTL.Seconds()),
	}, nil
}

// Refresh validates a refresh token and mints a new pair for its subject.
func (i *Issuer) Refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	slug, err := i.Verify(ctx, refreshToken, TokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	return i.IssuePair(slug)
}

// Verify validates a token of the given type and returns its subject slug.
func (i *Issuer) Verify(ctx context.Context, token, wantType string) (string, error) {
	parsed, err := jwt.Parse(
		[]byte(token),
		jwt.WithKey(jwa.HS256, i.secret),
		jwt.WithValidate(true),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(audience),
		jwt.WithContext(ctx),
	)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	typ, _ := parsed.Get("typ")
	if typ != wantType {
		return "", fmt.Errorf("token type mismatch: expected %s", wantType)
	}

	if parsed.Subject() == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return parsed.Subject(), nil
}

func (i *Issuer) sign(slug, typ string, ttl time.Duration) (string, error) {
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Issuer(i.issuer).
		Subject(slug).
		Audience([]string{audience}).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		JwtID(uuid.NewString()).
		Claim("typ", typ).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, i.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}
