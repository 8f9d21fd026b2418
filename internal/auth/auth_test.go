package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"llmgate/internal/store/sqlite"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestHashAPIKeyIsDeterministic(t *testing.T) {
	require.Equal(t, HashAPIKey("sk-abc"), HashAPIKey("sk-abc"))
	require.NotEqual(t, HashAPIKey("sk-abc"), HashAPIKey("sk-def"))
}

func TestCreateAndAuthenticatePrincipal(t *testing.T) {
	store := openTestStore(t)
	resolver := NewResolver(store)

	id, apiKey, err := resolver.CreatePrincipal(context.Background(), "alias")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Contains(t, apiKey, "sk-")

	p, err := resolver.Authenticate(context.Background(), apiKey)
	require.NoError(t, err)
	require.Equal(t, id, p.ID)
}

func TestAuthenticateRejectsUnknownOrEmptyKey(t *testing.T) {
	store := openTestStore(t)
	resolver := NewResolver(store)

	_, err := resolver.Authenticate(context.Background(), "")
	require.ErrorIs(t, err, ErrInvalidCredential)

	_, err = resolver.Authenticate(context.Background(), "sk-unknown")
	require.ErrorIs(t, err, ErrInvalidCredential)
}

func TestAuthenticateRejectsDisabledPrincipal(t *testing.T) {
	store := openTestStore(t)
	resolver := NewResolver(store)

	_, apiKey, err := resolver.CreatePrincipal(context.Background(), "alias")
	require.NoError(t, err)

	principals, err := store.ListPrincipals(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.SetPrincipalDisabled(context.Background(), principals[0].ID, true))

	_, err = resolver.Authenticate(context.Background(), apiKey)
	require.ErrorIs(t, err, ErrInvalidCredential)
}

func TestSessionIssuerRoundTrip(t *testing.T) {
	issuer, err := NewSessionIssuer("super-secret", time.Minute)
	require.NoError(t, err)

	token, err := issuer.IssueAdminToken()
	require.NoError(t, err)
	require.NoError(t, issuer.VerifyAdminToken(token))
}

func TestSessionIssuerRejectsWrongSecretOrMalformed(t *testing.T) {
	issuer, err := NewSessionIssuer("secret-a", time.Minute)
	require.NoError(t, err)
	token, err := issuer.IssueAdminToken()
	require.NoError(t, err)

	other, err := NewSessionIssuer("secret-b", time.Minute)
	require.NoError(t, err)
	require.Error(t, other.VerifyAdminToken(token))

	require.Error(t, other.VerifyAdminToken("not-a-jwt"))
}

func TestNewSessionIssuerRequiresSecret(t *testing.T) {
	_, err := NewSessionIssuer("", time.Minute)
	require.Error(t, err)
}
