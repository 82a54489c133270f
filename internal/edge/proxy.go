package edge

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"krepost.org/internal/authz"
)

// Route binds a path prefix to one backend service.
type Route struct {
	// Name is the logical service name used for endpoint-rule lookup
	// and breaker labeling.
	Name string
	// Prefix is the leading path owned by the service, e.g. "/api/v1/users".
	Prefix string
	// Target is the backend base URL.
	Target *url.URL
	// Fallback is returned while the breaker is open. Optional.
	Fallback []byte
}

// Proxy is the terminal pipeline stage: it selects the route by longest
// matching prefix, consults the route's breaker, forwards the request
// with identity headers injected, and feeds the outcome back into the
// breaker. Backend timeouts count as failures.
type Proxy struct {
	routes   []Route
	breakers map[string]*Breaker
	proxies  map[string]*httputil.ReverseProxy
	timeout  time.Duration
}

// ProxyConfig tunes breaker and timeout behavior.
type ProxyConfig struct {
	Timeout          time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// NewProxy constructs the proxy stage with one breaker per route.
func NewProxy(routes []Route, cfg ProxyConfig) *Proxy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	p := &Proxy{
		routes:   routes,
		breakers: make(map[string]*Breaker, len(routes)),
		proxies:  make(map[string]*httputil.ReverseProxy, len(routes)),
		timeout:  cfg.Timeout,
	}
	for _, route := range routes {
		p.breakers[route.Name] = NewBreaker(route.Name, cfg.BreakerThreshold, cfg.BreakerCooldown)
		rp := httputil.NewSingleHostReverseProxy(route.Target)
		rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			// Mark the outcome for the breaker; response is written by
			// ServeHTTP after the proxy returns.
			if o, ok := outcomeFromContext(r.Context()); ok {
				o.failed = true
			}
			writeError(w, r, http.StatusBadGateway, CodeUpstreamUnavailable, "upstream unavailable")
		}
		p.proxies[route.Name] = rp
	}
	return p
}

// RouteFor returns the logical service name owning the path, or "" when
// no route matches. Longest prefix wins.
func (p *Proxy) RouteFor(path string) string {
	best := ""
	bestLen := -1
	for _, route := range p.routes {
		if strings.HasPrefix(path, route.Prefix) && len(route.Prefix) > bestLen {
			best = route.Name
			bestLen = len(route.Prefix)
		}
	}
	return best
}

type outcome struct{ failed bool }

type outcomeContextKey struct{}

func outcomeFromContext(ctx context.Context) (*outcome, bool) {
	o, ok := ctx.Value(outcomeContextKey{}).(*outcome)
	return o, ok
}

// ServeHTTP forwards the request to its route's backend.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := p.RouteFor(r.URL.Path)
	if name == "" {
		writeError(w, r, http.StatusNotFound, CodeRuleNotFound, "no route for this path")
		return
	}
	breaker := p.breakers[name]
	if !breaker.Allow() {
		p.fallback(w, r, name)
		return
	}

	// Identity and correlation headers for the downstream service.
	r.Header.Del(HeaderUserID)
	r.Header.Del(HeaderUserRoles)
	if principal, ok := authz.PrincipalFromContext(r.Context()); ok {
		r.Header.Set(HeaderUserID, principal.SubjectID)
		r.Header.Set(HeaderUserRoles, strings.Join(principal.Authorities, ","))
	}
	r.Header.Set(HeaderRequestID, RequestIDFromContext(r.Context()))
	r.Header.Set(HeaderTraceID, TraceIDFromContext(r.Context()))

	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()
	o := &outcome{}
	ctx = context.WithValue(ctx, outcomeContextKey{}, o)

	sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
	p.proxies[name].ServeHTTP(sw, r.WithContext(ctx))

	// 5xx from the backend and transport errors (including timeouts,
	// which surface through ErrorHandler) both count as failures.
	breaker.Record(!o.failed && sw.code < http.StatusInternalServerError)
}

func (p *Proxy) fallback(w http.ResponseWriter, r *http.Request, name string) {
	for _, route := range p.routes {
		if route.Name == name && len(route.Fallback) > 0 {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(route.Fallback)
			return
		}
	}
	writeError(w, r, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "service temporarily unavailable")
}
