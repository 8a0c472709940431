package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	identitycache "github.com/walletkit/identity-cache"
	"github.com/walletkit/identity-cache/registry"
)

const (
	// DefaultUpstreamTimeout is the default timeout for wallet API requests.
	DefaultUpstreamTimeout = 30 * time.Second
)

// ErrUpstreamNotFound is returned when the wallet API has no data for an
// identity.
var ErrUpstreamNotFound = errors.New("not found")

// Upstream fetches wallet data for an identity from the upstream wallet API.
type Upstream struct {
	baseURL string
	token   string
	client  *http.Client
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithBaseURL sets the wallet API base URL.
func WithBaseURL(url string) UpstreamOption {
	return func(u *Upstream) {
		u.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(u *Upstream) {
		u.client = client
	}
}

// WithBearerToken sets the bearer token for upstream authentication.
func WithBearerToken(token string) UpstreamOption {
	return func(u *Upstream) {
		u.token = token
	}
}

// NewUpstream creates a wallet API client.
func NewUpstream(opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		client: &http.Client{
			Timeout: DefaultUpstreamTimeout,
		},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Fetchers returns the registry collaborators backed by this client.
func (u *Upstream) Fetchers() registry.Fetchers {
	return registry.Fetchers{
		Balances: func(ctx context.Context, id identitycache.IdentityID) (identitycache.Balances, error) {
			var out identitycache.Balances
			err := u.getJSON(ctx, fmt.Sprintf("/identities/%s/balances", id), &out)
			return out, err
		},
		Permissions: func(ctx context.Context, id identitycache.IdentityID) (identitycache.Permissions, error) {
			var out identitycache.Permissions
			err := u.getJSON(ctx, fmt.Sprintf("/identities/%s/permissions", id), &out)
			return out, err
		},
		Risk: func(ctx context.Context, id identitycache.IdentityID) (identitycache.RiskAssessment, error) {
			var out identitycache.RiskAssessment
			err := u.getJSON(ctx, fmt.Sprintf("/identities/%s/risk", id), &out)
			return out, err
		},
	}
}

func (u *Upstream) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrUpstreamNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
