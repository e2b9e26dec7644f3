package iam

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
	"github.com/your-org/tokengate/internal/domain"
	tokErrors "github.com/your-org/tokengate/pkg/errors"
)

// fakeClock is a manually advanced clock for expiry tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeFetcher hands out sequential tokens and counts fetches.
type fakeFetcher struct {
	mu      sync.Mutex
	clock   *fakeClock
	fetches int
	lastReq FetchRequest
	err     error
	delay   time.Duration
}

func (f *fakeFetcher) FetchToken(ctx context.Context, fr FetchRequest) (*Token, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastReq = fr
	if f.err != nil {
		return nil, f.err
	}

	f.fetches++
	return &Token{
		AccessToken: fmt.Sprintf("tok-%d", f.fetches),
		Realm:       fr.Realm,
		ExpiresAt:   f.clock.Now().Add(840 * time.Second),
	}, nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeFetcher) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []*domain.AuditEvent
}

func (a *recordingAuditor) Record(ctx context.Context, event *domain.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func newTestCache(t *testing.T, opts ...CacheOption) (*Cache, *fakeFetcher, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	f := &fakeFetcher{clock: clock}
	opts = append([]CacheOption{WithCacheClock(clock.Now)}, opts...)
	return NewCache(f, zap.NewNop(), opts...), f, clock
}

func realmRequest(realm string) FetchRequest {
	return FetchRequest{
		IAMURL:       "https://iam.internal",
		Realm:        realm,
		ClientID:     "tokengate",
		ClientSecret: "s3cret",
		Scope:        "openid",
	}
}

func TestCache_Token_FetchesOnceWhileValid(t *testing.T) {
	cache, f, _ := newTestCache(t)
	ctx := context.Background()

	first, err := cache.Token(ctx, realmRequest("core-apps"))
	require.NoError(t, err)

	second, err := cache.Token(ctx, realmRequest("core-apps"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.count())
}

func TestCache_Token_RefetchesAfterExpiry(t *testing.T) {
	cache, f, clock := newTestCache(t)
	ctx := context.Background()

	first, err := cache.Token(ctx, realmRequest("core-apps"))
	require.NoError(t, err)

	// Tokens live 840s here; just before expiry the slot is still used.
	clock.Advance(839 * time.Second)
	cached, err := cache.Token(ctx, realmRequest("core-apps"))
	require.NoError(t, err)
	assert.Equal(t, first, cached)
	assert.Equal(t, 1, f.count())

	clock.Advance(2 * time.Second)
	fresh, err := cache.Token(ctx, realmRequest("core-apps"))
	require.NoError(t, err)
	assert.NotEqual(t, first, fresh)
	assert.Equal(t, 2, f.count())
}

// The slot holds one token total, not one per realm: switching realms
// always refetches.
func TestCache_Token_SingleSlotAcrossRealms(t *testing.T) {
	cache, f, _ := newTestCache(t)
	ctx := context.Background()

	_, err := cache.Token(ctx, realmRequest("core-apps"))
	require.NoError(t, err)

	_, err = cache.Token(ctx, realmRequest("payments"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.count())

	_, err = cache.Token(ctx, realmRequest("core-apps"))
	require.NoError(t, err)
	assert.Equal(t, 3, f.count())
}

func TestCache_Token_FailureLeavesSlotUntouched(t *testing.T) {
	cache, f, clock := newTestCache(t)
	ctx := context.Background()

	first, err := cache.Token(ctx, realmRequest("core-apps"))
	require.NoError(t, err)

	// While the cached token is valid a broken provider is never consulted.
	f.fail(tokErrors.NewAuthError(503, "authentication failed with status 503", nil))
	cached, err := cache.Token(ctx, realmRequest("core-apps"))
	require.NoError(t, err)
	assert.Equal(t, first, cached)

	// Once expired, the failure surfaces and nothing replaces the slot.
	clock.Advance(time.Hour)
	_, err = cache.Token(ctx, realmRequest("core-apps"))
	require.Error(t, err)
	assert.Equal(t, tokErrors.CodeAuthFailure, tokErrors.CodeOf(err))

	// Recovery fetches a fresh token.
	f.fail(nil)
	fresh, err := cache.Token(ctx, realmRequest("core-apps"))
	require.NoError(t, err)
	assert.NotEqual(t, first, fresh)
	assert.Equal(t, 2, f.count())
}

func TestCache_Token_ConcurrentRequestsCollapse(t *testing.T) {
	clock := newFakeClock()
	f := &fakeFetcher{clock: clock, delay: 20 * time.Millisecond}
	cache := NewCache(f, zap.NewNop(), WithCacheClock(clock.Now))

	const workers = 10
	tokens := make([]string, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := cache.Token(context.Background(), realmRequest("core-apps"))
			assert.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.count())
	for _, token := range tokens {
		assert.Equal(t, tokens[0], token)
	}
}

func TestCache_Invalidate(t *testing.T) {
	cache, f, _ := newTestCache(t)
	ctx := context.Background()

	_, err := cache.Token(ctx, realmRequest("core-apps"))
	require.NoError(t, err)

	cache.Invalidate(ctx, "core-apps")

	_, err = cache.Token(ctx, realmRequest("core-apps"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.count())
}

func TestCache_AccessToken_UsesRuleParameters(t *testing.T) {
	cache, f, _ := newTestCache(t)

	rule := &config.TokenizationRule{
		IAMServiceURL:            "https://iam.internal",
		TokenServiceAuthRealm:    "payments",
		TokenServiceAuthClientID: "gw",
		TokenServiceAuthSecret:   "s",
		TokenServiceScope:        "openid",
		TokenServiceTimeout:      5 * time.Second,
	}

	token, err := cache.AccessToken(context.Background(), rule)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "payments", f.lastReq.Realm)
	assert.Equal(t, "gw", f.lastReq.ClientID)
	assert.Equal(t, 5*time.Second, f.lastReq.Timeout)
}

func TestCache_Token_AuditsRefreshes(t *testing.T) {
	auditor := &recordingAuditor{}
	cache, f, clock := newTestCache(t, WithAuditor(auditor))
	ctx := context.Background()

	_, err := cache.Token(ctx, realmRequest("core-apps"))
	require.NoError(t, err)

	require.Len(t, auditor.events, 1)
	assert.Equal(t, domain.AuditEventCredentialRefresh, auditor.events[0].EventType)
	assert.Equal(t, "core-apps", auditor.events[0].Tenant.Realm)
	assert.Empty(t, auditor.events[0].Outcome.ErrorCode)

	// Served from the slot: no new event.
	_, err = cache.Token(ctx, realmRequest("core-apps"))
	require.NoError(t, err)
	assert.Len(t, auditor.events, 1)

	clock.Advance(time.Hour)
	f.fail(tokErrors.NewAuthError(401, "authentication failed with status 401", nil))
	_, err = cache.Token(ctx, realmRequest("core-apps"))
	require.Error(t, err)

	require.Len(t, auditor.events, 2)
	assert.Equal(t, tokErrors.CodeAuthFailure, auditor.events[1].Outcome.ErrorCode)
}
