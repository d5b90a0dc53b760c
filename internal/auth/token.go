// Package auth supplies HAT access tokens to the sync pipeline.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/whiteshadow-gr/Hospify-sub000/internal/logging"
)

// ErrNoToken is returned when no usable token can be produced.
var ErrNoToken = errors.New("no access token available")

// Provider supplies a bearer access token for the user's HAT.
type Provider interface {
	Token(ctx context.Context) (string, error)
	// Invalidate drops any cached token after the HAT rejected it.
	Invalidate()
}

// StaticProvider returns a fixed token.
type StaticProvider struct {
	token string
}

// NewStaticProvider returns a provider for a pre-issued token.
func NewStaticProvider(token string) *StaticProvider {
	return &StaticProvider{token: token}
}

func (p *StaticProvider) Token(ctx context.Context) (string, error) {
	if p.token == "" {
		return "", ErrNoToken
	}
	return p.token, nil
}

// Invalidate is a no-op: a static token cannot be refreshed.
func (p *StaticProvider) Invalidate() {}

// refreshMargin renews a cached token this long before it expires.
const refreshMargin = time.Minute

// defaultTokenTTL applies when the token carries no readable exp claim.
const defaultTokenTTL = 10 * time.Minute

// MarketProvider exchanges a market-level credential for the user's HAT access token.
type MarketProvider struct {
	baseURL     string
	tokenPath   string
	marketToken string
	httpClient  *http.Client
	logger      *zap.Logger
	now         func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewMarketProvider creates a provider fetching from {baseURL}{tokenPath}.
func NewMarketProvider(baseURL, tokenPath, marketToken string, httpClient *http.Client, logger *zap.Logger) *MarketProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MarketProvider{
		baseURL:     baseURL,
		tokenPath:   tokenPath,
		marketToken: marketToken,
		httpClient:  httpClient,
		logger:      logger.Named("auth"),
		now:         time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"accessToken"`
}

// Token returns the cached token or fetches a new one.
func (p *MarketProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Before(p.expiresAt.Add(-refreshMargin)) {
		return p.token, nil
	}

	token, err := p.fetch(ctx)
	if err != nil {
		return "", err
	}

	p.token = token
	p.expiresAt = p.expiry(token)

	p.logger.Debug("Fetched HAT access token", zap.Time("expires_at", p.expiresAt))
	return token, nil
}

// Invalidate forgets the cached token.
func (p *MarketProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
	p.expiresAt = time.Time{}
}

func (p *MarketProvider) fetch(ctx context.Context) (string, error) {
	if p.marketToken == "" {
		return "", ErrNoToken
	}

	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	u.Path = path.Join("/", u.Path, p.tokenPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Auth-Token", p.marketToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("Token exchange rejected", zap.Int("status", resp.StatusCode))
		return "", fmt.Errorf("token fetch failed: status %d", resp.StatusCode)
	}

	var result tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %s", logging.SanitizeError(err))
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("accessToken not found in server response")
	}
	return result.AccessToken, nil
}

// expiry reads the exp claim without verifying the signature; the HAT verifies it.
func (p *MarketProvider) expiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return p.now().Add(defaultTokenTTL)
}

var (
	_ Provider = (*StaticProvider)(nil)
	_ Provider = (*MarketProvider)(nil)
)
