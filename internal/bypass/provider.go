package bypass

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dealcycle/identity-gateway/internal/telemetry"
)

const (
	defaultTTL     = 15 * time.Minute
	defaultTimeout = 5 * time.Second
	maxTokenBody   = 1 << 20
)

// ProviderConfig holds the admin credential and the auth service endpoint.
type ProviderConfig struct {
	TokenURL string
	Email    string
	Password string
	TTL      time.Duration
	Timeout  time.Duration
}

// Provider supplies a standing administrative token for requests that carry none.
// Concurrent cache misses share a single fetch.
type Provider struct {
	cfg     ProviderConfig
	client  *http.Client
	cache   Cache
	group   singleflight.Group
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewProvider builds a provider. A nil cache selects MemoryCache and a nil client a
// client bounded by cfg.Timeout.
func NewProvider(cfg ProviderConfig, cache Cache, client *http.Client, metrics *telemetry.Metrics) *Provider {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Provider{
		cfg:     cfg,
		client:  client,
		cache:   cache,
		metrics: metrics,
		now:     time.Now,
	}
}

// Token returns a bypass token, or "" when none can be obtained. Failures are logged,
// never returned: the caller decides via Policy whether absence is fatal.
func (p *Provider) Token(ctx context.Context) string {
	if tok, ok := p.cache.Get(ctx); ok {
		p.record("cache_hit")
		return tok.Value
	}

	// The shared fetch must not die with whichever caller happened to start it.
	fetchCtx := context.WithoutCancel(ctx)
	v, _, shared := p.group.Do("token", func() (interface{}, error) {
		// Another flight may have filled the cache while this one was queued.
		if tok, ok := p.cache.Get(fetchCtx); ok {
			return tok.Value, nil
		}
		value, err := p.fetch(fetchCtx)
		if err != nil {
			slog.Warn("bypass token fetch failed", "error", err, "token_url", p.cfg.TokenURL)
			p.record("error")
			return "", nil
		}
		tok := Token{Value: value, FetchedAt: p.now()}
		if err := p.cache.Set(fetchCtx, tok, p.cfg.TTL); err != nil {
			slog.Warn("bypass token cache write failed", "error", err)
		}
		p.record("fetched")
		slog.Info("bypass token fetched", "ttl", p.cfg.TTL.String())
		return value, nil
	})
	if shared {
		p.record("shared")
	}
	value, _ := v.(string)
	return value
}

// Invalidate drops the cached token after a downstream service rejected it. A token
// refreshed since the rejected one was handed out is kept.
func (p *Provider) Invalidate(ctx context.Context, rejected string) {
	if rejected == "" {
		return
	}
	if tok, ok := p.cache.Get(ctx); !ok || tok.Value != rejected {
		return
	}
	if err := p.cache.Clear(ctx, rejected); err != nil {
		slog.Warn("bypass token invalidation failed", "error", err)
		return
	}
	p.record("invalidated")
	slog.Info("bypass token invalidated")
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken      string `json:"access_token"`
	AccessTokenCamel string `json:"accessToken"`
	Token            string `json:"token"`
}

func (r loginResponse) value() string {
	for _, v := range []string{r.AccessToken, r.AccessTokenCamel, r.Token} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func (p *Provider) fetch(ctx context.Context) (string, error) {
	if p.cfg.TokenURL == "" || p.cfg.Email == "" || p.cfg.Password == "" {
		return "", fmt.Errorf("bypass credentials not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(loginRequest{Email: p.cfg.Email, Password: p.cfg.Password})
	if err != nil {
		return "", fmt.Errorf("marshal login request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call auth service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return "", fmt.Errorf("read auth response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("auth service returned status %d", resp.StatusCode)
	}

	var lr loginResponse
	if err := json.Unmarshal(data, &lr); err != nil {
		return "", fmt.Errorf("decode auth response: %w", err)
	}
	tok := lr.value()
	if tok == "" {
		return "", fmt.Errorf("auth response carried no token")
	}
	return tok, nil
}

func (p *Provider) record(result string) {
	if p.metrics != nil {
		p.metrics.RecordBypassToken(result)
	}
}
