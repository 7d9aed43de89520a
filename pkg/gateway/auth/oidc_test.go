package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userInfoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return countingUserInfoServer(t, new(int32))
}

func countingUserInfoServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if r.URL.Path != "/userinfo" {
			http.NotFound(w, r)
			return
		}
		switch r.Header.Get("Authorization") {
		case "Bearer good-token":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"sub":"investigator-1","email":"pi@example.org"}`))
		case "Bearer no-subject":
			_, _ = w.Write([]byte(`{"email":"x@example.org"}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestValidateTokenAgainstUserInfo(t *testing.T) {
	srv := userInfoServer(t)
	a, err := NewOIDCAuthenticator(srv.URL+"/", "research-service", "secret")
	require.NoError(t, err)

	claims, err := a.ValidateToken(context.Background(), "good-token")
	require.NoError(t, err)
	assert.Equal(t, "investigator-1", claims["sub"])

	_, err = a.ValidateToken(context.Background(), "expired")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.ValidateToken(context.Background(), "no-subject")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.ValidateToken(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewOIDCAuthenticatorRequiresIssuer(t *testing.T) {
	_, err := NewOIDCAuthenticator("", "client", "secret")
	assert.Error(t, err)
	a, err := NewOIDCAuthenticator("https://idp.example.org", "client", "secret")
	require.NoError(t, err)
	assert.Equal(t, "https://idp.example.org/token", a.Config().Endpoint.TokenURL)
}

func TestValidateTokenCachesAcceptedClaims(t *testing.T) {
	var hits int32
	srv := countingUserInfoServer(t, &hits)
	a, err := NewOIDCAuthenticator(srv.URL, "research-service", "secret")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		claims, err := a.ValidateToken(context.Background(), "good-token")
		require.NoError(t, err)
		assert.Equal(t, "investigator-1", claims["sub"])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	for i := 0; i < 2; i++ {
		_, err := a.ValidateToken(context.Background(), "expired")
		assert.ErrorIs(t, err, ErrInvalidToken)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}
