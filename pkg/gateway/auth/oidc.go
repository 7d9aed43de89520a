package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/synaptica-ai/research-platform/pkg/common/logger"
	"github.com/synaptica-ai/research-platform/pkg/gateway/httpclient"
	"golang.org/x/oauth2"
)

var ErrInvalidToken = errors.New("invalid token")

const (
	claimsTTL          = time.Minute
	claimsCleanupEvery = 5 * time.Minute
)

// OIDCAuthenticator validates bearer tokens against the issuer's userinfo endpoint.
type OIDCAuthenticator struct {
	config      *oauth2.Config
	issuer      string
	userInfoURL string
	client      *http.Client
	claims      *cache.Cache
}

func NewOIDCAuthenticator(issuer, clientID, clientSecret string) (*OIDCAuthenticator, error) {
	if issuer == "" || clientID == "" {
		return nil, fmt.Errorf("OIDC configuration incomplete")
	}
	issuer = strings.TrimSuffix(issuer, "/")

	config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  fmt.Sprintf("%s/authorize", issuer),
			TokenURL: fmt.Sprintf("%s/token", issuer),
		},
		Scopes: []string{"openid", "profile", "email"},
	}

	return &OIDCAuthenticator{
		config:      config,
		issuer:      issuer,
		userInfoURL: fmt.Sprintf("%s/userinfo", issuer),
		client:      httpclient.New(5 * time.Second),
		claims:      cache.New(claimsTTL, claimsCleanupEvery),
	}, nil
}

func (a *OIDCAuthenticator) Config() *oauth2.Config {
	return a.config
}

// ValidateToken returns the userinfo claims of token. Network failures are
// retried; a rejection by the issuer is not. Accepted tokens are remembered
// for claimsTTL.
func (a *OIDCAuthenticator) ValidateToken(ctx context.Context, token string) (map[string]interface{}, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token is empty", ErrInvalidToken)
	}
	if cached, ok := a.claims.Get(token); ok {
		return cached.(map[string]interface{}), nil
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))

	var claims map[string]interface{}
	err := httpclient.Retry(ctx, 3, 100*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.userInfoURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			if httpclient.IsRetriable(err) {
				return err
			}
			return httpclient.Permanent(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return httpclient.Permanent(fmt.Errorf("%w: issuer returned %d", ErrInvalidToken, resp.StatusCode))
		case resp.StatusCode >= 500:
			return fmt.Errorf("userinfo returned %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return httpclient.Permanent(fmt.Errorf("userinfo returned %d", resp.StatusCode))
		}
		claims = nil
		if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
			return httpclient.Permanent(fmt.Errorf("decode userinfo: %w", err))
		}
		return nil
	})
	if err != nil {
		logger.Log.WithError(err).WithField("issuer", a.issuer).Debug("token validation failed")
		return nil, err
	}
	if sub, _ := claims["sub"].(string); sub == "" {
		return nil, fmt.Errorf("%w: userinfo without subject", ErrInvalidToken)
	}
	a.claims.SetDefault(token, claims)
	return claims, nil
}
