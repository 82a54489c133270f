package edge

import (
	"net/http"

	"krepost.org/internal/endpoint"
	"krepost.org/internal/obs"
	"krepost.org/internal/token"
)

// Pipeline composes the fixed per-request filter order:
//
//	correlation -> authentication -> authorization -> rate limit -> breaker+proxy
//
// Any filter writing a terminal response short-circuits the rest.
type Pipeline struct {
	handler http.Handler
	proxy   *Proxy
}

// PipelineConfig wires the pipeline's collaborators.
type PipelineConfig struct {
	Tokens      *token.Service
	Registry    *endpoint.Registry
	Limiter     Limiter
	Routes      []Route
	PublicPaths []string
	Proxy       ProxyConfig
}

// NewPipeline assembles the filter chain around the terminal proxy.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	proxy := NewProxy(cfg.Routes, cfg.Proxy)

	authn := NewAuthenticator(cfg.Tokens, cfg.PublicPaths)
	authz := NewAuthorizer(cfg.Registry, func(r *http.Request) string {
		return proxy.RouteFor(r.URL.Path)
	})

	var h http.Handler = proxy
	h = RateLimit(cfg.Limiter)(h)
	h = authz.Filter(h)
	h = authn.Filter(h)
	h = Correlation(h)
	h = obs.Instrument(h)

	return &Pipeline{handler: h, proxy: proxy}
}

// Handler returns the assembled chain.
func (p *Pipeline) Handler() http.Handler { return p.handler }
