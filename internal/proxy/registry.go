package proxy

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dealcycle/identity-gateway/internal/config"
)

var paramPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Service is one downstream domain service with its own HTTP client.
type Service struct {
	Name    string
	BaseURL string
	Headers map[string]string
	Client  *http.Client
}

// Route maps an inbound path to an upstream path template on a Service.
type Route struct {
	Name     string
	Service  string
	Path     string
	Upstream string
	Methods  []string
	Query    []string
	Params   []string
}

// Allows reports whether method is permitted on the route.
func (rt *Route) Allows(method string) bool {
	for _, m := range rt.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Registry is an immutable snapshot of services and routes built from services.yaml.
type Registry struct {
	services map[string]*Service
	routes   []*Route
}

// BuildFromConfig builds one client per service, bounded by the service timeout.
func BuildFromConfig(cfg *config.ServicesConfig) (*Registry, error) {
	reg := &Registry{services: make(map[string]*Service)}
	for name, sc := range cfg.Services {
		base, err := url.Parse(sc.BaseURL)
		if err != nil || base.Scheme == "" || base.Host == "" {
			return nil, fmt.Errorf("service %s: invalid base_url %q", name, sc.BaseURL)
		}
		timeout := sc.Timeout
		if timeout <= 0 {
			timeout = config.DefaultServiceTimeout
		}
		maxConns := sc.MaxConcurrent
		if maxConns <= 0 {
			maxConns = 20
		}
		reg.services[name] = &Service{
			Name:    name,
			BaseURL: strings.TrimRight(sc.BaseURL, "/"),
			Headers: sc.Headers,
			Client: &http.Client{
				Timeout: timeout,
				Transport: &http.Transport{
					Proxy:               http.ProxyFromEnvironment,
					MaxIdleConns:        maxConns,
					MaxIdleConnsPerHost: maxConns,
					MaxConnsPerHost:     maxConns,
					IdleConnTimeout:     90 * time.Second,
					ForceAttemptHTTP2:   true,
				},
				// Redirects are relayed to the caller, not followed.
				CheckRedirect: func(*http.Request, []*http.Request) error {
					return http.ErrUseLastResponse
				},
			},
		}

		for _, rc := range sc.Routes {
			methods := make([]string, len(rc.Methods))
			for i, m := range rc.Methods {
				methods[i] = strings.ToUpper(strings.TrimSpace(m))
			}
			rt := &Route{
				Name:     rc.Name,
				Service:  name,
				Path:     rc.Path,
				Upstream: rc.Upstream,
				Methods:  methods,
				Query:    rc.Query,
			}
			for _, m := range paramPattern.FindAllStringSubmatch(rc.Upstream, -1) {
				rt.Params = append(rt.Params, m[1])
			}
			if rt.Name == "" {
				rt.Name = rt.Path
			}
			reg.routes = append(reg.routes, rt)
		}
	}
	// Stable order keeps route registration deterministic across reloads.
	sort.Slice(reg.routes, func(i, j int) bool { return reg.routes[i].Path < reg.routes[j].Path })
	return reg, nil
}

func (r *Registry) Service(name string) (*Service, bool) {
	s, ok := r.services[name]
	return s, ok
}

func (r *Registry) Routes() []*Route {
	return r.routes
}

// ServiceNames returns the configured service names in sorted order.
func (r *Registry) ServiceNames() []string {
	names := make([]string, 0, len(r.services))
	for n := range r.services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close releases idle connections held by every service client.
func (r *Registry) Close() {
	for _, s := range r.services {
		s.Client.CloseIdleConnections()
	}
}

// TargetURL expands the upstream template with params and appends the allow-listed
// subset of query.
func (rt *Route) TargetURL(base string, params map[string]string, query url.Values) (string, error) {
	var missing []string
	path := paramPattern.ReplaceAllStringFunc(rt.Upstream, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := params[name]
		if !ok || v == "" {
			missing = append(missing, name)
			return m
		}
		return url.PathEscape(v)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("route %s: missing path parameters %v", rt.Name, missing)
	}

	target := base + path
	if q := rt.filterQuery(query); len(q) > 0 {
		target += "?" + q.Encode()
	}
	return target, nil
}

func (rt *Route) filterQuery(query url.Values) url.Values {
	out := url.Values{}
	for _, key := range rt.Query {
		if vs, ok := query[key]; ok && len(vs) > 0 {
			out[key] = vs
		}
	}
	return out
}
