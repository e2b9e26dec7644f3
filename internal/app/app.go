// Package app provides application lifecycle management and dependency injection.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/your-org/tokengate/internal/config"
	"github.com/your-org/tokengate/internal/service/audit"
	"github.com/your-org/tokengate/internal/service/body"
	"github.com/your-org/tokengate/internal/service/iam"
	"github.com/your-org/tokengate/internal/service/intercept"
	"github.com/your-org/tokengate/internal/service/metrics"
	"github.com/your-org/tokengate/internal/service/policy"
	"github.com/your-org/tokengate/internal/service/signature"
	"github.com/your-org/tokengate/internal/service/tenant"
	"github.com/your-org/tokengate/internal/service/token"
	httpTransport "github.com/your-org/tokengate/internal/transport/http"
	"github.com/your-org/tokengate/pkg/logger"
	"github.com/your-org/tokengate/pkg/resilience/circuitbreaker"
	"github.com/your-org/tokengate/pkg/resilience/ratelimit"
)

// BuildInfo holds application build information.
type BuildInfo struct {
	Version   string
	BuildTime string
	GitCommit string
}

// App represents the application with all its services and dependencies.
type App struct {
	cfg    *config.EnvironmentConfig
	loader *config.Loader

	// Servers
	proxyServer      *httpTransport.Server
	managementServer *httpTransport.ManagementServer
	proxy            *httpTransport.ProxyHandler

	// Services
	interceptor     *intercept.Interceptor
	exchangeService *token.ExchangeService
	credentialCache *iam.Cache
	credentialStore iam.Store
	tenantResolver  *tenant.Resolver
	tenantVerifier  *tenant.Verifier
	auditService    *audit.Service
	sigVerifier     *signature.Verifier

	// Resilience components
	rateLimiter    *ratelimit.Limiter
	circuitBreaker *circuitbreaker.Manager

	// Observability
	metrics *metrics.Metrics

	// Build info
	buildInfo BuildInfo

	reloadStop chan struct{}
	stopOnce   sync.Once
}

// Option is a functional option for configuring the App.
type Option func(*App)

// WithBuildInfo sets the build information.
func WithBuildInfo(info BuildInfo) Option {
	return func(a *App) {
		a.buildInfo = info
	}
}

// WithLoader sets the configuration loader the app reads rules from and
// subscribes to for hot reload.
func WithLoader(loader *config.Loader) Option {
	return func(a *App) {
		a.loader = loader
	}
}

// New creates a new App instance with the given configuration and options.
func New(cfg *config.EnvironmentConfig, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("environment configuration is required")
	}

	app := &App{
		cfg: cfg,
		buildInfo: BuildInfo{
			Version:   "dev",
			BuildTime: "unknown",
			GitCommit: "unknown",
		},
	}

	// Apply options
	for _, opt := range opts {
		opt(app)
	}

	return app, nil
}

// Initialize initializes all application services.
func (a *App) Initialize(ctx context.Context) error {
	if a.loader == nil {
		return fmt.Errorf("configuration loader is required")
	}

	rules := a.loader.GetRules()
	if rules == nil {
		return fmt.Errorf("tokenization rules are not loaded")
	}

	// Log security warnings for insecure configurations
	a.logSecurityWarnings(rules)

	a.metrics = metrics.DefaultMetrics

	var err error

	// Initialize rate limiter if enabled
	if a.cfg.RateLimit.Enabled {
		a.rateLimiter, err = ratelimit.NewLimiter(a.cfg.RateLimit, logger.L())
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		logger.Info("rate limiter initialized",
			logger.String("rate", a.cfg.RateLimit.Rate),
			logger.String("store", a.cfg.RateLimit.Store),
		)
	}

	// Initialize circuit breaker manager if enabled
	if a.cfg.CircuitBreaker.Enabled {
		a.circuitBreaker = circuitbreaker.NewManager(a.cfg.CircuitBreaker, logger.L())
		logger.Info("circuit breaker manager initialized",
			logger.Duration("interval", a.cfg.CircuitBreaker.Interval),
			logger.Duration("timeout", a.cfg.CircuitBreaker.Timeout),
		)
	}

	// Initialize audit service
	a.auditService = audit.NewService(a.cfg.Audit, logger.L())
	if err := a.auditService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start audit service: %w", err)
	}

	// Initialize IAM credential store, client, and cache
	a.credentialStore, err = iam.NewStore(a.cfg.CredentialStore, logger.L())
	if err != nil {
		return fmt.Errorf("failed to create credential store: %w", err)
	}

	cacheOpts := []iam.CacheOption{
		iam.WithStore(a.credentialStore),
		iam.WithMetrics(a.metrics),
		iam.WithAuditor(a.auditService),
	}
	if a.circuitBreaker != nil {
		cacheOpts = append(cacheOpts, iam.WithBreakers(a.circuitBreaker))
	}
	a.credentialCache = iam.NewCache(iam.NewClient(logger.L()), logger.L(), cacheOpts...)
	logger.Info("credential cache initialized",
		logger.String("store", a.cfg.CredentialStore.Type),
	)

	// Initialize tokenization exchange service
	exchangeOpts := []token.Option{token.WithMetrics(a.metrics)}
	if a.circuitBreaker != nil {
		exchangeOpts = append(exchangeOpts, token.WithBreakers(a.circuitBreaker))
	}
	a.exchangeService = token.NewExchangeService(logger.L(), exchangeOpts...)

	// Initialize tenant resolver, with JWT verification when configured
	resolverOpts := []tenant.Option{tenant.WithMetrics(a.metrics)}
	if a.cfg.TenantVerification.Enabled {
		a.tenantVerifier, err = tenant.NewVerifier(a.cfg.TenantVerification, logger.L())
		if err != nil {
			return fmt.Errorf("failed to create tenant verifier: %w", err)
		}
		if err := a.tenantVerifier.Start(ctx); err != nil {
			return fmt.Errorf("failed to start tenant verifier: %w", err)
		}
		resolverOpts = append(resolverOpts, tenant.WithVerifier(a.tenantVerifier))
		logger.Info("tenant verification enabled",
			logger.String("jwks_url", a.cfg.TenantVerification.JWKSURL),
		)
	}
	a.tenantResolver = tenant.NewResolver(logger.L(), resolverOpts...)

	// Initialize the interceptor with the response policy engine
	a.interceptor = intercept.NewInterceptor(
		a.tenantResolver,
		a.credentialCache,
		a.exchangeService,
		policy.NewEngine(logger.L()),
		intercept.WithLogger(logger.L()),
		intercept.WithBodyExtractor(body.NewExtractor(a.cfg.Server.HTTP.MaxBodyBytes, logger.L())),
		intercept.WithMetrics(a.metrics),
		intercept.WithAuditor(a.auditService),
	)
	if err := a.interceptor.UpdateRules(rules); err != nil {
		return fmt.Errorf("failed to load tokenization rules: %w", err)
	}
	logger.Info("interceptor initialized",
		logger.Int("rules", a.interceptor.RuleCount()),
		logger.String("rules_version", rules.Version),
	)

	// Initialize the reverse proxy and its listener
	a.proxy, err = httpTransport.NewProxyHandler(rules.Upstream, a.interceptor, logger.L())
	if err != nil {
		return fmt.Errorf("failed to create proxy handler: %w", err)
	}

	serverOpts := []httpTransport.ServerOption{
		httpTransport.WithMetrics(a.metrics),
		httpTransport.WithLogger(logger.L()),
	}
	if a.rateLimiter != nil {
		serverOpts = append(serverOpts, httpTransport.WithRateLimiter(a.rateLimiter))
	}
	if a.cfg.Signature.Enabled {
		a.sigVerifier, err = signature.NewVerifier(a.cfg.Signature, logger.L())
		if err != nil {
			return fmt.Errorf("failed to create signature verifier: %w", err)
		}
		serverOpts = append(serverOpts, httpTransport.WithSignatureVerifier(a.sigVerifier))
		logger.Info("request signature verification enabled",
			logger.String("header", a.sigVerifier.Header()),
		)
	}
	a.proxyServer = httpTransport.NewServer(a.cfg.Server.HTTP, a.proxy, serverOpts...)

	// Initialize management server if enabled
	if a.cfg.Management.Enabled {
		a.managementServer = httpTransport.NewManagementServer(
			a.cfg.Management,
			a.loader,
			a, // App implements AppInfo
			httpTransport.BuildInfo{
				Version:   a.buildInfo.Version,
				BuildTime: a.buildInfo.BuildTime,
				GitCommit: a.buildInfo.GitCommit,
			},
			logger.L(),
		)
		logger.Info("management server initialized",
			logger.String("addr", a.cfg.Management.Addr),
		)
	}

	// Watch for rule updates pushed by the config source
	if err := a.loader.StartWatching(ctx); err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	a.reloadStop = make(chan struct{})
	go a.watchConfigUpdates(a.loader.Subscribe())

	logger.Info("application initialized",
		logger.String("version", a.buildInfo.Version),
		logger.String("commit", a.buildInfo.GitCommit),
		logger.String("upstream", a.proxy.Target()),
	)

	return nil
}

// watchConfigUpdates applies rules updates published by the loader. The
// loader validates updates before publishing, so a delivered snapshot is
// safe to apply. Environment configuration is static and needs a restart.
func (a *App) watchConfigUpdates(updates <-chan config.ConfigUpdate) {
	for {
		select {
		case <-a.reloadStop:
			return

		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Type != config.ConfigTypeRules {
				logger.Debug("ignoring non-rules config update, changes require a restart",
					logger.String("type", string(update.Type)),
				)
				continue
			}
			rules, valid := update.Config.(*config.RulesConfig)
			if !valid || rules == nil {
				continue
			}
			a.applyRules(rules, update.Source)
		}
	}
}

// applyRules swaps the interception rules and the upstream target. In-flight
// requests finish with the snapshot they started with.
func (a *App) applyRules(rules *config.RulesConfig, source string) {
	if err := a.interceptor.UpdateRules(rules); err != nil {
		logger.Error("failed to apply updated rules",
			logger.String("version", rules.Version),
			logger.Err(err),
		)
		a.metrics.RecordConfigReload(source, false)
		return
	}

	if err := a.proxy.UpdateUpstream(rules.Upstream); err != nil {
		logger.Error("failed to apply updated upstream",
			logger.String("upstream_url", rules.Upstream.URL),
			logger.Err(err),
		)
		a.metrics.RecordConfigReload(source, false)
		return
	}

	a.metrics.RecordConfigReload(source, true)
	logger.Info("tokenization rules reloaded",
		logger.String("version", rules.Version),
		logger.Int("rules", a.interceptor.RuleCount()),
		logger.String("upstream", a.proxy.Target()),
	)
}

// Start starts all application servers.
func (a *App) Start() error {
	// Start proxy server in goroutine
	if a.proxyServer != nil {
		go func() {
			if err := a.proxyServer.Start(); err != nil {
				logger.Error("proxy server error", logger.Err(err))
			}
		}()
	}

	// Start management server in goroutine
	if a.managementServer != nil {
		go func() {
			if err := a.managementServer.Start(); err != nil {
				logger.Error("management server error", logger.Err(err))
			}
		}()
	}

	logger.Info("application started",
		logger.String("proxy_addr", a.cfg.Server.HTTP.Addr),
		logger.String("management_addr", a.cfg.Management.Addr),
	)
	return nil
}

// Shutdown gracefully shuts down all application services.
func (a *App) Shutdown(ctx context.Context) error {
	logger.Info("shutting down application")

	// Flip readiness first so load balancers drain before the listener closes
	if a.managementServer != nil {
		a.managementServer.SetDraining(true)
	}

	a.stopOnce.Do(func() {
		if a.reloadStop != nil {
			close(a.reloadStop)
		}
	})

	// Shutdown proxy server (waits for in-flight requests)
	if a.proxyServer != nil {
		if err := a.proxyServer.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown proxy server", logger.Err(err))
		}
	}

	// Shutdown management server after the proxy so probes stay observable
	if a.managementServer != nil {
		if err := a.managementServer.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown management server", logger.Err(err))
		}
	}

	// Stop config loader
	if a.loader != nil {
		if err := a.loader.Stop(); err != nil {
			logger.Error("failed to stop config loader", logger.Err(err))
		}
	}

	// Stop tenant verifier background refresh
	if a.tenantVerifier != nil {
		a.tenantVerifier.Stop()
	}

	// Stop audit service (flushes buffered events)
	if a.auditService != nil {
		if err := a.auditService.Stop(); err != nil {
			logger.Error("failed to stop audit service", logger.Err(err))
		}
	}

	// Close credential store
	if a.credentialStore != nil {
		if err := a.credentialStore.Close(); err != nil {
			logger.Error("failed to close credential store", logger.Err(err))
		}
	}

	logger.Info("application shutdown complete")
	return nil
}

// Health reports the state of each dependency the proxy needs to serve
// traffic. Used by the management readiness endpoint.
func (a *App) Health(ctx context.Context) map[string]httpTransport.CheckResult {
	checks := make(map[string]httpTransport.CheckResult)

	if a.loader != nil && a.loader.GetRules() != nil {
		checks["rules"] = httpTransport.CheckResult{Status: httpTransport.CheckStatusOK}
	} else {
		checks["rules"] = httpTransport.CheckResult{
			Status:  "error",
			Message: "tokenization rules not loaded",
		}
	}

	if a.credentialStore != nil {
		if err := a.credentialStore.Health(ctx); err != nil {
			checks["credential_store"] = httpTransport.CheckResult{
				Status:  "error",
				Message: err.Error(),
			}
		} else {
			checks["credential_store"] = httpTransport.CheckResult{Status: httpTransport.CheckStatusOK}
		}
	}

	if a.proxy != nil {
		if a.proxy.Target() == "" {
			checks["upstream"] = httpTransport.CheckResult{
				Status:  "error",
				Message: "upstream not configured",
			}
		} else {
			checks["upstream"] = httpTransport.CheckResult{Status: httpTransport.CheckStatusOK}
		}
	}

	return checks
}

// Healthy returns true if all critical services are healthy.
func (a *App) Healthy(ctx context.Context) bool {
	for _, check := range a.Health(ctx) {
		if check.Status != httpTransport.CheckStatusOK {
			return false
		}
	}
	return true
}

// RuleCount returns the number of active tokenization rules.
func (a *App) RuleCount() int {
	if a.interceptor == nil {
		return 0
	}
	return a.interceptor.RuleCount()
}

// Upstream returns the current upstream target.
func (a *App) Upstream() string {
	if a.proxy == nil {
		return ""
	}
	return a.proxy.Target()
}

// BreakerStates returns the state of every circuit breaker created so far.
func (a *App) BreakerStates() map[string]string {
	if a.circuitBreaker == nil {
		return nil
	}
	return a.circuitBreaker.States()
}

// Server returns the proxy listener.
func (a *App) Server() *httpTransport.Server {
	return a.proxyServer
}

// Management returns the management listener, nil when disabled.
func (a *App) Management() *httpTransport.ManagementServer {
	return a.managementServer
}

// RateLimiter returns the rate limiter instance.
func (a *App) RateLimiter() *ratelimit.Limiter {
	return a.rateLimiter
}

// CircuitBreaker returns the circuit breaker manager.
func (a *App) CircuitBreaker() *circuitbreaker.Manager {
	return a.circuitBreaker
}

// logSecurityWarnings logs warnings for insecure configurations.
func (a *App) logSecurityWarnings(rules *config.RulesConfig) {
	if rules.Upstream.TLS.InsecureSkipVerify {
		logger.Warn("SECURITY WARNING: upstream TLS certificate verification is disabled",
			logger.String("upstream_url", rules.Upstream.URL),
			logger.String("setting", "upstream.tls.insecure_skip_verify"),
		)
	}

	if !a.cfg.SensitiveData.Enabled {
		logger.Warn("SECURITY WARNING: sensitive data masking is disabled, card data may reach logs",
			logger.String("setting", "sensitive_data.enabled"),
		)
	}
}
