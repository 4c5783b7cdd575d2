package bypass

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dealcycle/identity-gateway/internal/telemetry"
)

// authServer is a fake auth service login endpoint.
type authServer struct {
	*httptest.Server
	calls atomic.Int32
	delay time.Duration
	body  map[string]string
	code  int
}

func newAuthServer(t *testing.T, body map[string]string) *authServer {
	t.Helper()
	a := &authServer{body: body, code: http.StatusOK}
	a.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.calls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode login body: %v", err)
		}
		if req.Email != "admin@dealcycle.test" || req.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if a.delay > 0 {
			time.Sleep(a.delay)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(a.code)
		json.NewEncoder(w).Encode(a.body)
	}))
	t.Cleanup(a.Close)
	return a
}

func testConfig(url string) ProviderConfig {
	return ProviderConfig{
		TokenURL: url + "/auth/login",
		Email:    "admin@dealcycle.test",
		Password: "secret",
		TTL:      time.Minute,
		Timeout:  time.Second,
	}
}

func TestProvider_FetchesAndCaches(t *testing.T) {
	srv := newAuthServer(t, map[string]string{"access_token": "admin-token"})
	p := NewProvider(testConfig(srv.URL), nil, nil, nil)

	for i := 0; i < 3; i++ {
		if got := p.Token(context.Background()); got != "admin-token" {
			t.Fatalf("Token() = %q, want admin-token", got)
		}
	}
	if n := srv.calls.Load(); n != 1 {
		t.Errorf("expected 1 auth call, got %d", n)
	}
}

func TestProvider_ResponseFieldVariants(t *testing.T) {
	tests := []struct {
		name string
		body map[string]string
		want string
	}{
		{"snake case", map[string]string{"access_token": "a"}, "a"},
		{"camel case", map[string]string{"accessToken": "b"}, "b"},
		{"plain token", map[string]string{"token": "c"}, "c"},
		{"no token field", map[string]string{"message": "ok"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newAuthServer(t, tt.body)
			p := NewProvider(testConfig(srv.URL), nil, nil, nil)
			if got := p.Token(context.Background()); got != tt.want {
				t.Errorf("Token() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProvider_ConcurrentMissesShareOneFetch(t *testing.T) {
	srv := newAuthServer(t, map[string]string{"access_token": "admin-token"})
	srv.delay = 50 * time.Millisecond
	p := NewProvider(testConfig(srv.URL), nil, nil, nil)

	var wg sync.WaitGroup
	results := make([]string, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Token(context.Background())
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		if got != "admin-token" {
			t.Errorf("caller %d got %q", i, got)
		}
	}
	if n := srv.calls.Load(); n != 1 {
		t.Errorf("expected exactly 1 auth call, got %d", n)
	}
}

func TestProvider_RefetchesAfterTTL(t *testing.T) {
	srv := newAuthServer(t, map[string]string{"access_token": "admin-token"})
	cache := NewMemoryCache()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	cache.now = clock

	p := NewProvider(testConfig(srv.URL), cache, nil, nil)
	p.now = clock

	p.Token(context.Background())
	now = now.Add(30 * time.Second)
	p.Token(context.Background())
	if n := srv.calls.Load(); n != 1 {
		t.Fatalf("expected cached token within TTL, got %d calls", n)
	}

	now = now.Add(time.Minute)
	p.Token(context.Background())
	if n := srv.calls.Load(); n != 2 {
		t.Errorf("expected refetch after TTL, got %d calls", n)
	}
}

func TestProvider_Invalidate(t *testing.T) {
	srv := newAuthServer(t, map[string]string{"access_token": "admin-token"})
	m := telemetry.NewMetrics(prometheus.NewRegistry())
	p := NewProvider(testConfig(srv.URL), nil, nil, m)

	tok := p.Token(context.Background())
	p.Invalidate(context.Background(), tok)
	p.Token(context.Background())

	if n := srv.calls.Load(); n != 2 {
		t.Errorf("expected refetch after invalidation, got %d calls", n)
	}
}

func TestProvider_InvalidateKeepsRefreshedToken(t *testing.T) {
	srv := newAuthServer(t, map[string]string{"access_token": "admin-token"})
	cache := NewMemoryCache()
	p := NewProvider(testConfig(srv.URL), cache, nil, nil)
	ctx := context.Background()

	stale := p.Token(ctx)
	// Another request refreshed the token while a slow one still held the old value.
	cache.Set(ctx, Token{Value: "fresh-token", FetchedAt: time.Now()}, time.Minute)

	p.Invalidate(ctx, stale)
	if got := p.Token(ctx); got != "fresh-token" {
		t.Errorf("token = %q, want the refreshed token kept", got)
	}
	p.Invalidate(ctx, "")
	if got := p.Token(ctx); got != "fresh-token" {
		t.Errorf("empty rejection must not clear, got %q", got)
	}
	if n := srv.calls.Load(); n != 1 {
		t.Errorf("expected no extra login, got %d calls", n)
	}
}

func TestProvider_SoftFailures(t *testing.T) {
	t.Run("auth rejects credentials", func(t *testing.T) {
		srv := newAuthServer(t, map[string]string{"access_token": "x"})
		cfg := testConfig(srv.URL)
		cfg.Password = "wrong"
		if got := NewProvider(cfg, nil, nil, nil).Token(context.Background()); got != "" {
			t.Errorf("expected empty token, got %q", got)
		}
	})

	t.Run("auth returns 500", func(t *testing.T) {
		srv := newAuthServer(t, map[string]string{"access_token": "x"})
		srv.code = http.StatusInternalServerError
		if got := NewProvider(testConfig(srv.URL), nil, nil, nil).Token(context.Background()); got != "" {
			t.Errorf("expected empty token, got %q", got)
		}
	})

	t.Run("connection refused", func(t *testing.T) {
		if got := NewProvider(testConfig(closedURL(t)), nil, nil, nil).Token(context.Background()); got != "" {
			t.Errorf("expected empty token, got %q", got)
		}
	})

	t.Run("not configured", func(t *testing.T) {
		if got := NewProvider(ProviderConfig{}, nil, nil, nil).Token(context.Background()); got != "" {
			t.Errorf("expected empty token, got %q", got)
		}
	})

	t.Run("failure is not cached", func(t *testing.T) {
		srv := newAuthServer(t, map[string]string{"access_token": "x"})
		srv.code = http.StatusBadGateway
		p := NewProvider(testConfig(srv.URL), nil, nil, nil)
		p.Token(context.Background())
		p.Token(context.Background())
		if n := srv.calls.Load(); n != 2 {
			t.Errorf("expected each miss to retry, got %d calls", n)
		}
	})
}

func TestProvider_CallerCancellationDoesNotAbortFetch(t *testing.T) {
	srv := newAuthServer(t, map[string]string{"access_token": "admin-token"})
	p := NewProvider(testConfig(srv.URL), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := p.Token(ctx); got != "admin-token" {
		t.Errorf("Token() = %q, want admin-token", got)
	}
}

// closedURL returns the URL of a listener that has already been closed.
func closedURL(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return "http://" + addr
}

func TestMemoryCache(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if _, ok := c.Get(ctx); ok {
		t.Fatal("expected empty cache to miss")
	}
	c.Set(ctx, Token{Value: "v", FetchedAt: now}, time.Minute)
	if tok, ok := c.Get(ctx); !ok || tok.Value != "v" {
		t.Fatalf("expected hit, got %+v %v", tok, ok)
	}
	now = now.Add(time.Minute)
	if _, ok := c.Get(ctx); ok {
		t.Error("expected miss at expiry")
	}
	c.Set(ctx, Token{Value: "w", FetchedAt: now}, time.Minute)
	c.Clear(ctx, "other")
	if _, ok := c.Get(ctx); !ok {
		t.Error("Clear with a different value must keep the token")
	}
	c.Clear(ctx, "w")
	if _, ok := c.Get(ctx); ok {
		t.Error("expected miss after Clear")
	}
}
