package iam

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
	"github.com/your-org/tokengate/internal/domain"
	"github.com/your-org/tokengate/internal/service/metrics"
	"github.com/your-org/tokengate/pkg/errors"
	"github.com/your-org/tokengate/pkg/resilience/circuitbreaker"
)

// fetcher is the token acquisition dependency, satisfied by Client.
type fetcher interface {
	FetchToken(ctx context.Context, fr FetchRequest) (*Token, error)
}

// Auditor records credential refresh events.
type Auditor interface {
	Record(ctx context.Context, event *domain.AuditEvent)
}

// Cache serves access tokens from a single-slot store, fetching a fresh one
// when the slot is empty, expired or issued for another realm. The lock is
// held across the whole check, fetch and store, so concurrent requests for
// the same realm collapse into one upstream fetch instead of a stampede.
type Cache struct {
	client   fetcher
	store    Store
	now      func() time.Time
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	auditor  Auditor
	log      *zap.Logger

	mu sync.Mutex
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithStore overrides the token store. The default is an in-process slot.
func WithStore(store Store) CacheOption {
	return func(c *Cache) {
		c.store = store
	}
}

// WithCacheClock overrides the clock used for expiry checks.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *metrics.Metrics) CacheOption {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithAuditor records CREDENTIAL_REFRESH audit events.
func WithAuditor(a Auditor) CacheOption {
	return func(c *Cache) {
		c.auditor = a
	}
}

// WithBreakers protects identity provider fetches with a circuit breaker.
func WithBreakers(m *circuitbreaker.Manager) CacheOption {
	return func(c *Cache) {
		c.breakers = m
	}
}

// NewCache creates a credential cache around the given client.
func NewCache(client fetcher, log *zap.Logger, opts ...CacheOption) *Cache {
	if log == nil {
		log = zap.NewNop()
	}

	c := &Cache{
		client:  client,
		store:   NewMemoryStore(),
		now:     time.Now,
		metrics: metrics.DefaultMetrics,
		log:     log.Named("credential-cache"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Token returns a usable access token for the request's realm, fetching and
// storing a fresh one when the cached token cannot be used. A fetch failure
// leaves the slot untouched.
func (c *Cache) Token(ctx context.Context, fr FetchRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, err := c.store.Get(ctx, fr.Realm)
	if err != nil {
		// Store trouble degrades to a refetch, not a request failure.
		c.log.Warn("credential store read failed",
			zap.String("realm", fr.Realm),
			zap.Error(err),
		)
	}
	if cached.Valid(c.now()) && cached.Realm == fr.Realm {
		return cached.AccessToken, nil
	}

	token, err := circuitbreaker.Execute(c.breakers, "iam", func() (*Token, error) {
		return c.client.FetchToken(ctx, fr)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpenState) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			err = errors.NewAuthError(0, "identity provider circuit open", err)
		}
		c.metrics.RecordCredentialRefresh(fr.Realm, false)
		c.auditRefresh(ctx, fr.Realm, err)
		return "", err
	}

	c.metrics.RecordCredentialRefresh(fr.Realm, true)
	c.auditRefresh(ctx, fr.Realm, nil)

	if err := c.store.Set(ctx, fr.Realm, token); err != nil {
		c.log.Warn("credential store write failed",
			zap.String("realm", fr.Realm),
			zap.Error(err),
		)
	}

	return token.AccessToken, nil
}

// AccessToken implements the credential provider the interceptor consumes.
func (c *Cache) AccessToken(ctx context.Context, rule *config.TokenizationRule) (string, error) {
	return c.Token(ctx, RequestFor(rule))
}

// Invalidate clears the slot, forcing the next request to fetch.
func (c *Cache) Invalidate(ctx context.Context, realm string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Delete(ctx, realm); err != nil {
		c.log.Warn("credential store invalidation failed",
			zap.String("realm", realm),
			zap.Error(err),
		)
	}
}

func (c *Cache) auditRefresh(ctx context.Context, realm string, fetchErr error) {
	if c.auditor == nil {
		return
	}

	event := domain.NewAuditEvent(domain.AuditEventCredentialRefresh)
	event.Tenant.Realm = realm
	if fetchErr != nil {
		event.Outcome.ErrorCode = errors.CodeOf(fetchErr)
	}

	c.auditor.Record(ctx, event)
}
