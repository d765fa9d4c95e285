package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	issuer, err := NewIssuer("test-secret", "master", time.Minute, time.Hour)
	require.NoError(t, err)
	return issuer
}

func TestNewIssuer_RequiresSecret(t *testing.T) {
	_, err := NewIssuer("", "master", time.Minute, time.Hour)
	assert.Error(t, err)
}

func TestIssueAndVerify(t *testing.T) {
	issuer := newTestIssuer(t)
	ctx := context.Background()

	creds, err := issuer.IssuePair("mail")
	require.NoError(t, err)
	assert.NotEmpty(t, creds.AccessToken)
	assert.NotEmpty(t, creds.RefreshToken)
	assert.Equal(t, int64(60), creds.ExpiresIn)

	slug, err := issuer.Verify(ctx, creds.AccessToken, TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "mail", slug)
}

func TestVerify_RejectsWrongTokenType(t *testing.T) {
	issuer := newTestIssuer(t)
	ctx := context.Background()

	creds, err := issuer.IssuePair("mail")
	require.NoError(t, err)

	_, err = issuer.Verify(ctx, creds.RefreshToken, TokenTypeAccess)
	assert.ErrorContains(t, err, "token type mismatch")

	_, err = issuer.Verify(ctx, creds.AccessToken, TokenTypeRefresh)
	assert.Error(t, err)
}

func TestVerify_RejectsForeignSignature(t *testing.T) {
	issuer := newTestIssuer(t)
	other, err := NewIssuer("other-secret", "master", time.Minute, time.Hour)
	require.NoError(t, err)

	creds, err := other.IssuePair("mail")
	require.NoError(t, err)

	_, err = issuer.Verify(context.Background(), creds.AccessToken, TokenTypeAccess)
	assert.Error(t, err)
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	issuer, err := NewIssuer("test-secret", "master", -time.Minute, time.Hour)
	require.NoError(t, err)

	creds, err := issuer.IssuePair("mail")
	require.NoError(t, err)

	_, err = issuer.Verify(context.Background(), creds.AccessToken, TokenTypeAccess)
	assert.Error(t, err)
}

func TestVerify_RejectsGarbage(t *testing.T) {
	issuer := newTestIssuer(t)
	_, err := issuer.Verify(context.Background(), "not-a-token", TokenTypeAccess)
	assert.Error(t, err)
}

func TestRefresh_RotatesPair(t *testing.T) {
	issuer := newTestIssuer(t)
	ctx := context.Background()

	creds, err := issuer.IssuePair("mail")
	require.NoError(t, err)

	rotated, err := issuer.Refresh(ctx, creds.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, creds.AccessToken, rotated.AccessToken)
	assert.NotEqual(t, creds.RefreshToken, rotated.RefreshToken)

	slug, err := issuer.Verify(ctx, rotated.AccessToken, TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "mail", slug)
}

func TestRefresh_RejectsAccessToken(t *testing.T) {
	issuer := newTestIssuer(t)

	creds, err := issuer.IssuePair("mail")
	require.NoError(t, err)

	_, err = issuer.Refresh(context.Background(), creds.AccessToken)
	assert.Error(t, err, "an access token must not mint new credentials")
}
