package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// tokenExpiryBuffer is subtracted from the advertised lifetime so a token
// never expires while a request is in flight.
const tokenExpiryBuffer = time.Minute

// defaultTokenLifetime applies when the endpoint does not say how long a
// token lives.
const defaultTokenLifetime = 5 * time.Minute

// maxTokenResponse bounds how much of a token response is read.
const maxTokenResponse = 1 << 20

// errTokenRejected marks a token endpoint that answered but refused to
// issue a usable token.
var errTokenRejected = errors.New("token endpoint rejected the request")

// ClientCredentials configures the OAuth2 client credentials grant used to
// obtain a bearer token for webhook requests.
type ClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// tokenCache holds one access token shared by all dispatches and fetches a
// new one once it expires or an endpoint answers 401. Concurrent misses
// share a single fetch, and mu is never held across the network.
type tokenCache struct {
	creds  ClientCredentials
	client *http.Client
	now    func() time.Time
	group  singleflight.Group

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

func newTokenCache(creds ClientCredentials, client *http.Client) *tokenCache {
	return &tokenCache{creds: creds, client: client, now: time.Now}
}

// Token returns a valid access token, fetching one if necessary.
// It is safe for concurrent use. A caller whose ctx ends stops waiting, but
// the shared fetch carries on for the others.
func (tc *tokenCache) Token(ctx context.Context) (string, error) {
	if token, ok := tc.cached(); ok {
		return token, nil
	}

	ch := tc.group.DoChan("token", func() (any, error) {
		if token, ok := tc.cached(); ok {
			return token, nil
		}
		token, lifetime, err := tc.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}
		tc.store(token, lifetime)
		return token, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "waiting for token")
	}
}

func (tc *tokenCache) cached() (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.accessToken != "" && tc.now().Before(tc.expiresAt) {
		return tc.accessToken, true
	}
	return "", false
}

func (tc *tokenCache) store(token string, lifetime time.Duration) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.accessToken = token
	tc.expiresAt = tc.now().Add(lifetime)
}

// Invalidate drops token if it is still the cached one. The next Token
// call fetches a fresh token; nothing is retried here.
func (tc *tokenCache) Invalidate(token string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.accessToken == token {
		tc.accessToken = ""
		tc.expiresAt = time.Time{}
	}
}

// tokenLifetime is how long a token is reused given the advertised
// expires_in. A missing value gets defaultTokenLifetime. Short lifetimes
// are halved instead of losing the whole buffer, so every token is reused
// for a while.
func tokenLifetime(expiresIn int) time.Duration {
	advertised := time.Duration(expiresIn) * time.Second
	switch {
	case advertised <= 0:
		return defaultTokenLifetime
	case advertised <= 2*tokenExpiryBuffer:
		return advertised / 2
	default:
		return advertised - tokenExpiryBuffer
	}
}

// fetch requests a token from the token endpoint.
func (tc *tokenCache) fetch(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {tc.creds.ClientID},
		"client_secret": {tc.creds.ClientSecret},
	}
	if tc.creds.Scope != "" {
		form.Set("scope", tc.creds.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.creds.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, errors.Wrap(err, "create token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tc.client.Do(req)
	if err != nil {
		return "", 0, errors.Wrap(err, "token request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return "", 0, errors.Wrap(err, "read token response")
	}

	if resp.StatusCode != http.StatusOK {
		return "", 0, errors.Wrapf(errTokenRejected, "HTTP %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, errors.Wrapf(errTokenRejected, "parse token response: %v", err)
	}
	if tr.AccessToken == "" {
		return "", 0, errors.Wrap(errTokenRejected, "token response missing access_token")
	}

	return tr.AccessToken, tokenLifetime(tr.ExpiresIn), nil
}
