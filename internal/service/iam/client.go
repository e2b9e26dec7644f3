package iam

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
	"github.com/your-org/tokengate/pkg/errors"
)

const (
	// defaultExpiresIn is assumed when the token response omits expires_in.
	defaultExpiresIn = 900 * time.Second

	// expiryMargin is subtracted from the advertised lifetime so a token is
	// never presented moments before the identity provider rejects it.
	expiryMargin = 60 * time.Second

	defaultFetchTimeout = 10 * time.Second

	errorBodyLimit = 4 << 10
)

// FetchRequest carries everything one client-credentials fetch needs.
type FetchRequest struct {
	IAMURL       string
	Realm        string
	ClientID     string
	ClientSecret string
	Scope        string
	Timeout      time.Duration
}

// RequestFor builds the fetch parameters for a rule's gateway credentials.
func RequestFor(rule *config.TokenizationRule) FetchRequest {
	return FetchRequest{
		IAMURL:       rule.IAMServiceURL,
		Realm:        rule.TokenServiceAuthRealm,
		ClientID:     rule.TokenServiceAuthClientID,
		ClientSecret: rule.TokenServiceAuthSecret,
		Scope:        rule.TokenServiceScope,
		Timeout:      rule.TokenServiceTimeout,
	}
}

// Token is one issued access token with its usable lifetime.
type Token struct {
	AccessToken string
	Realm       string
	ExpiresAt   time.Time
}

// Valid reports whether the token can still be presented at now.
func (t *Token) Valid(now time.Time) bool {
	return t != nil && t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// Client fetches OAuth2 client-credentials tokens from the identity
// provider's realm token endpoint.
type Client struct {
	httpClient *http.Client
	now        func() time.Time
	log        *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client used for token requests.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithClock overrides the clock used to stamp token expiry.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates an identity provider client.
func NewClient(log *zap.Logger, opts ...ClientOption) *Client {
	if log == nil {
		log = zap.NewNop()
	}

	c := &Client{
		httpClient: &http.Client{Timeout: defaultFetchTimeout},
		now:        time.Now,
		log:        log.Named("iam-client"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// FetchToken performs one client-credentials exchange. The returned token
// expires a safety margin before the lifetime the provider advertised.
func (c *Client) FetchToken(ctx context.Context, fr FetchRequest) (*Token, error) {
	if fr.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fr.Timeout)
		defer cancel()
	}

	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", fr.ClientID)
	data.Set("client_secret", fr.ClientSecret)
	if fr.Scope != "" {
		data.Set("scope", fr.Scope)
	}

	endpoint := tokenEndpoint(fr.IAMURL, fr.Realm)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, errors.NewAuthError(0, "failed to build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewAuthError(0, "token request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		c.log.Warn("identity provider rejected token request",
			zap.String("realm", fr.Realm),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body),
		)
		return nil, errors.NewAuthError(resp.StatusCode,
			fmt.Sprintf("authentication failed with status %d", resp.StatusCode), nil)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, errors.NewAuthError(resp.StatusCode, "failed to decode token response", err)
	}

	if tr.AccessToken == "" {
		return nil, errors.NewAuthError(resp.StatusCode, "invalid token response", errors.ErrAccessTokenMissing)
	}

	expiresIn := time.Duration(tr.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}

	token := &Token{
		AccessToken: tr.AccessToken,
		Realm:       fr.Realm,
		ExpiresAt:   c.now().Add(expiresIn - expiryMargin),
	}

	c.log.Debug("access token fetched",
		zap.String("realm", fr.Realm),
		zap.Time("expires_at", token.ExpiresAt),
	)

	return token, nil
}

// tokenEndpoint builds the realm token URL the identity provider exposes.
func tokenEndpoint(iamURL, realm string) string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token",
		strings.TrimSuffix(iamURL, "/"), url.PathEscape(realm))
}
