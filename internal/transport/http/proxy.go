package http

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
	"github.com/your-org/tokengate/internal/service/body"
	"github.com/your-org/tokengate/internal/service/intercept"
	respond "github.com/your-org/tokengate/pkg/httputil"
	"github.com/your-org/tokengate/pkg/logger"
)

// TraceIDHeader carries the tokenization service trace identifier on
// responses for intercepted requests.
const TraceIDHeader = "x-trace-id"

// ProxyHandler forwards proxy listener traffic to the configured upstream,
// running every request through the tokenization interceptor first.
//
// The upstream is held behind an atomic pointer so configuration reloads can
// swap it without disturbing in-flight requests.
type ProxyHandler struct {
	interceptor *intercept.Interceptor
	log         *zap.Logger

	upstream atomic.Pointer[upstreamState]
}

// upstreamState bundles a built reverse proxy with the config that produced
// it, so reloads can detect no-op updates.
type upstreamState struct {
	proxy *httputil.ReverseProxy
	cfg   config.UpstreamConfig
}

// NewProxyHandler creates the proxy handler for the given upstream.
func NewProxyHandler(cfg config.UpstreamConfig, interceptor *intercept.Interceptor, log *zap.Logger) (*ProxyHandler, error) {
	if log == nil {
		log = logger.Named("proxy")
	}

	p := &ProxyHandler{
		interceptor: interceptor,
		log:         log,
	}

	proxy, err := p.createProxy(cfg)
	if err != nil {
		return nil, err
	}
	p.upstream.Store(&upstreamState{proxy: proxy, cfg: cfg})

	return p, nil
}

// UpdateUpstream rebuilds the reverse proxy when a configuration reload
// changed the upstream. Unchanged configs are a no-op so rules-only reloads
// do not churn connection pools.
func (p *ProxyHandler) UpdateUpstream(cfg config.UpstreamConfig) error {
	current := p.upstream.Load()
	if current != nil && current.cfg == cfg {
		return nil
	}

	proxy, err := p.createProxy(cfg)
	if err != nil {
		return err
	}

	old := p.upstream.Swap(&upstreamState{proxy: proxy, cfg: cfg})
	if old != nil {
		if t, ok := old.proxy.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}

	p.log.Info("upstream updated",
		logger.String("url", cfg.URL),
	)
	return nil
}

// Target returns the current upstream URL.
func (p *ProxyHandler) Target() string {
	if state := p.upstream.Load(); state != nil {
		return state.cfg.URL
	}
	return ""
}

// createProxy creates an httputil.ReverseProxy for the upstream.
func (p *ProxyHandler) createProxy(cfg config.UpstreamConfig) (*httputil.ReverseProxy, error) {
	targetURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %s: %w", cfg.URL, err)
	}
	if targetURL.Scheme == "" || targetURL.Host == "" {
		return nil, fmt.Errorf("upstream URL %q must be absolute", cfg.URL)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.Timeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if cfg.TLS.InsecureSkipVerify || cfg.TLS.CACert != "" {
		tlsConfig := &tls.Config{
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		}

		if cfg.TLS.CACert != "" {
			caCert, err := os.ReadFile(cfg.TLS.CACert)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA cert: %w", err)
			}
			caCertPool := x509.NewCertPool()
			if !caCertPool.AppendCertsFromPEM(caCert) {
				return nil, fmt.Errorf("no certificates parsed from %s", cfg.TLS.CACert)
			}
			tlsConfig.RootCAs = caCertPool
		}

		transport.TLSClientConfig = tlsConfig
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = transport

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.log.Error("proxy error",
			logger.String("upstream", cfg.URL),
			logger.String("path", r.URL.Path),
			logger.Err(err),
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	proxy.ModifyResponse = func(resp *http.Response) error {
		if reqID := middleware.GetReqID(resp.Request.Context()); reqID != "" {
			resp.Header.Set("X-Request-ID", reqID)
		}
		return nil
	}

	return proxy, nil
}

// ServeHTTP runs the request through the interceptor and forwards it.
func (p *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	outcome := p.interceptor.Process(r.Context(), r)

	if outcome.TraceID != "" {
		w.Header().Set(TraceIDHeader, outcome.TraceID)
	}

	if outcome.Rejected() {
		respond.WriteErrorCode(w, outcome.ShortCircuit.Status, outcome.ShortCircuit.ErrorCode)
		return
	}

	if outcome.Mutated() {
		body.Replace(r, outcome.Body)
	}

	state := p.upstream.Load()
	if state == nil {
		p.log.Error("no upstream configured",
			logger.String("path", r.URL.Path),
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	applyForwardHeaders(r)
	state.proxy.ServeHTTP(w, r)
}

// applyForwardHeaders sets standard proxy headers when absent. The reverse
// proxy itself maintains X-Forwarded-For.
func applyForwardHeaders(r *http.Request) {
	if r.Header.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if r.TLS != nil {
			proto = "https"
		}
		r.Header.Set("X-Forwarded-Proto", proto)
	}
	if r.Header.Get("X-Forwarded-Host") == "" {
		r.Header.Set("X-Forwarded-Host", r.Host)
	}
}
