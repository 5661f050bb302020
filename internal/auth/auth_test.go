package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticAuthenticatorNoHeader(t *testing.T) {
	s := Static{}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := s.Authenticate(r)
	assert.Equal(t, ErrNoAuth, err)
}

func TestStaticAuthenticatorUnknownID(t *testing.T) {
	s := Static{"known": {UserID: 1}}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Static-Auth-Id", "unknown")
	_, err := s.Authenticate(r)
	assert.Equal(t, ErrInvalidAuth, err)
}

func TestStaticAuthenticatorKnownID(t *testing.T) {
	s := Static{"known": {UserID: 42, Realm: "sync"}}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Static-Auth-Id", "known")

	ident, err := s.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, int64(42), ident.UserID)
	assert.Equal(t, "sync", ident.Realm)
}

func TestHMACCredentialSourceDerivesStableSecret(t *testing.T) {
	src := HMACCredentialSource{ServerSecret: []byte("shh"), Realm: "sync"}

	secret1, ident, err := src.Lookup("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), ident.UserID)

	secret2, _, err := src.Lookup("42")
	require.NoError(t, err)
	assert.Equal(t, secret1, secret2)

	secret3, _, err := src.Lookup("43")
	require.NoError(t, err)
	assert.NotEqual(t, secret1, secret3)
}

func TestHMACCredentialSourceRejectsNonNumericID(t *testing.T) {
	src := HMACCredentialSource{ServerSecret: []byte("shh"), Realm: "sync"}
	_, _, err := src.Lookup("not-a-number")
	assert.Error(t, err)
}

func TestHawkAuthenticatorRequiresAuthorizationHeader(t *testing.T) {
	h := NewHawkAuthenticator(HMACCredentialSource{ServerSecret: []byte("shh")}, 60)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := h.Authenticate(r)
	assert.Equal(t, ErrNoAuth, err)
}
