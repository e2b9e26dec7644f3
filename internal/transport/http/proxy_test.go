package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
	"github.com/your-org/tokengate/internal/domain"
	"github.com/your-org/tokengate/internal/service/intercept"
	"github.com/your-org/tokengate/internal/service/policy"
	"github.com/your-org/tokengate/pkg/errors"
)

// =============================================================================
// Pipeline stubs and fixtures shared by the transport tests
// =============================================================================

type stubResolver struct {
	tenant *domain.TenantContext
	err    error
}

func (s *stubResolver) Resolve(*http.Request, []byte, *config.TokenizationRule) (*domain.TenantContext, error) {
	return s.tenant, s.err
}

type stubCredentials struct{ token string }

func (s *stubCredentials) AccessToken(context.Context, *config.TokenizationRule) (string, error) {
	return s.token, nil
}

type stubExchanger struct {
	reply *domain.ExchangeReply
	err   error
}

func (s *stubExchanger) Exchange(context.Context, *config.TokenizationRule, []byte, *domain.TenantContext, string) (*domain.ExchangeReply, error) {
	return s.reply, s.err
}

// upstreamRecorder captures what the proxied backend received.
type upstreamRecorder struct {
	mu     sync.Mutex
	hits   int
	body   []byte
	header http.Header
	path   string
	query  string
}

func (u *upstreamRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.hits++
		u.body = b
		u.header = r.Header.Clone()
		u.path = r.URL.Path
		u.query = r.URL.RawQuery
		u.mu.Unlock()

		w.Header().Set("X-Upstream", "payments")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"accepted"}`))
	}
}

func (u *upstreamRecorder) snapshot() (int, []byte, http.Header) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits, u.body, u.header
}

func boolPtr(b bool) *bool { return &b }

func paymentsRule() config.TokenizationRule {
	return config.TokenizationRule{
		Name:                       "cards",
		InterceptPathPatternList:   []string{"^/api/v1/payments"},
		InterceptObjectKey:         "payment.card",
		TokenServiceEndpoint:       "http://tokenizer:8443/tokenize",
		HasTenantGUID:              true,
		TenantInformationLocation:  config.TenantLocationHeaders,
		TenantInformationReference: "X-Tenant-Id",
	}
}

func newTestInterceptor(t *testing.T, exchanger intercept.Exchanger, rules ...config.TokenizationRule) *intercept.Interceptor {
	t.Helper()

	i := intercept.NewInterceptor(
		&stubResolver{tenant: domain.GUIDTenant("tenant-1")},
		&stubCredentials{},
		exchanger,
		policy.NewEngine(zap.NewNop()),
		intercept.WithLogger(zap.NewNop()),
	)
	require.NoError(t, i.UpdateRules(&config.RulesConfig{Rules: rules}))
	return i
}

func newTestProxy(t *testing.T, upstreamURL string, exchanger intercept.Exchanger, rules ...config.TokenizationRule) *ProxyHandler {
	t.Helper()

	p, err := NewProxyHandler(
		config.UpstreamConfig{URL: upstreamURL, Timeout: 5 * time.Second, MaxIdleConns: 10},
		newTestInterceptor(t, exchanger, rules...),
		zap.NewNop(),
	)
	require.NoError(t, err)
	return p
}

func postPayment(payload string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// =============================================================================
// Construction
// =============================================================================

func TestNewProxyHandler_InvalidUpstream(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"relative url", "/just/a/path"},
		{"missing host", "http://"},
		{"unparseable", "http://bad url with spaces"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProxyHandler(
				config.UpstreamConfig{URL: tt.url},
				newTestInterceptor(t, &stubExchanger{}),
				zap.NewNop(),
			)
			assert.Error(t, err)
		})
	}
}

// =============================================================================
// Forwarding
// =============================================================================

func TestProxyHandler_PassthroughForwardsOriginal(t *testing.T) {
	rec := &upstreamRecorder{}
	upstream := httptest.NewServer(rec.handler())
	defer upstream.Close()

	p := newTestProxy(t, upstream.URL, &stubExchanger{}, paymentsRule())

	payload := `{"order": {"total": 12}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "payments", w.Header().Get("X-Upstream"))
	assert.Empty(t, w.Header().Get(TraceIDHeader))

	hits, got, header := rec.snapshot()
	require.Equal(t, 1, hits)
	assert.JSONEq(t, payload, string(got))
	assert.Equal(t, "http", header.Get("X-Forwarded-Proto"))
	assert.NotEmpty(t, header.Get("X-Forwarded-Host"))
	assert.NotEmpty(t, header.Get("X-Forwarded-For"))
}

func TestProxyHandler_TokenizedBodyForwarded(t *testing.T) {
	rec := &upstreamRecorder{}
	upstream := httptest.NewServer(rec.handler())
	defer upstream.Close()

	exchanger := &stubExchanger{
		reply: &domain.ExchangeReply{Raw: []byte(`{"pciObject": {"token": "tok_abc"}, "traceId": "tr-9"}`)},
	}
	p := newTestProxy(t, upstream.URL, exchanger, paymentsRule())

	w := httptest.NewRecorder()
	p.ServeHTTP(w, postPayment(`{"payment": {"card": {"number": "4111111111111111"}, "amount": 120}}`))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "tr-9", w.Header().Get(TraceIDHeader))

	hits, got, header := rec.snapshot()
	require.Equal(t, 1, hits)
	assert.Equal(t, "tok_abc", gjson.GetBytes(got, "payment.card.token").String())
	assert.False(t, gjson.GetBytes(got, "payment.card.number").Exists(), "card data must not reach the upstream")
	assert.Equal(t, int64(120), gjson.GetBytes(got, "payment.amount").Int())

	// The replacement also fixed the declared length.
	assert.Equal(t, strconv.Itoa(len(got)), header.Get("Content-Length"))
}

func TestProxyHandler_RejectedShortCircuits(t *testing.T) {
	rec := &upstreamRecorder{}
	upstream := httptest.NewServer(rec.handler())
	defer upstream.Close()

	exchanger := &stubExchanger{
		reply: &domain.ExchangeReply{Raw: []byte(`{"errorObject": {"errorCode": "CARD_EXPIRED", "errorMessage": "card expired"}, "traceId": "tr-2"}`)},
	}
	p := newTestProxy(t, upstream.URL, exchanger, paymentsRule())

	w := httptest.NewRecorder()
	p.ServeHTTP(w, postPayment(`{"payment": {"card": {"number": "4111111111111111"}}}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"errorCode": "CARD_EXPIRED"}`, w.Body.String())
	assert.Equal(t, "tr-2", w.Header().Get(TraceIDHeader))

	hits, _, _ := rec.snapshot()
	assert.Equal(t, 0, hits, "rejected requests never reach the upstream")
}

func TestProxyHandler_ServiceFailureShortCircuits(t *testing.T) {
	rec := &upstreamRecorder{}
	upstream := httptest.NewServer(rec.handler())
	defer upstream.Close()

	exchanger := &stubExchanger{err: errors.NewServiceError(0, "tokenization service unreachable", nil)}
	p := newTestProxy(t, upstream.URL, exchanger, paymentsRule())

	w := httptest.NewRecorder()
	p.ServeHTTP(w, postPayment(`{"payment": {"card": {"number": "4111111111111111"}}}`))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"errorCode": "`+errors.CodeServiceFailure+`"}`, w.Body.String())

	hits, _, _ := rec.snapshot()
	assert.Equal(t, 0, hits)
}

func TestProxyHandler_FailOpenForwardsAnnotatedBody(t *testing.T) {
	rec := &upstreamRecorder{}
	upstream := httptest.NewServer(rec.handler())
	defer upstream.Close()

	rule := paymentsRule()
	rule.RejectOnError = boolPtr(false)

	exchanger := &stubExchanger{
		reply: &domain.ExchangeReply{Raw: []byte(`{"errorObject": {"errorCode": "CARD_EXPIRED", "errorMessage": "card expired"}, "traceId": "tr-2"}`)},
	}
	p := newTestProxy(t, upstream.URL, exchanger, rule)

	w := httptest.NewRecorder()
	p.ServeHTTP(w, postPayment(`{"payment": {"card": {"number": "4111111111111111"}, "amount": 5}}`))

	assert.Equal(t, http.StatusAccepted, w.Code, "fail-open requests still forward")
	assert.Equal(t, "tr-2", w.Header().Get(TraceIDHeader))

	hits, got, _ := rec.snapshot()
	require.Equal(t, 1, hits)
	assert.False(t, gjson.GetBytes(got, "payment.card").Exists(), "sensitive field must be stripped")
	assert.Equal(t, "CARD_EXPIRED", gjson.GetBytes(got, "payment.errorObject.errorCode").String())
	assert.Equal(t, int64(5), gjson.GetBytes(got, "payment.amount").Int())
}

func TestProxyHandler_UnrecognizedReplyForwardsOriginal(t *testing.T) {
	rec := &upstreamRecorder{}
	upstream := httptest.NewServer(rec.handler())
	defer upstream.Close()

	exchanger := &stubExchanger{reply: &domain.ExchangeReply{Raw: []byte(`{"status": "done"}`)}}
	p := newTestProxy(t, upstream.URL, exchanger, paymentsRule())

	payload := `{"payment": {"card": {"number": "4111111111111111"}}}`
	w := httptest.NewRecorder()
	p.ServeHTTP(w, postPayment(payload))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, w.Header().Get(TraceIDHeader))

	hits, got, _ := rec.snapshot()
	require.Equal(t, 1, hits)
	assert.JSONEq(t, payload, string(got), "unrecognized replies forward the original body")
}

// =============================================================================
// Upstream lifecycle
// =============================================================================

func TestProxyHandler_UpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	upstream.Close() // connection refused from here on

	p := newTestProxy(t, upstream.URL, &stubExchanger{}, paymentsRule())

	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "Bad Gateway")
}

func TestProxyHandler_UpdateUpstream(t *testing.T) {
	recA := &upstreamRecorder{}
	upstreamA := httptest.NewServer(recA.handler())
	defer upstreamA.Close()

	recB := &upstreamRecorder{}
	upstreamB := httptest.NewServer(recB.handler())
	defer upstreamB.Close()

	p := newTestProxy(t, upstreamA.URL, &stubExchanger{}, paymentsRule())
	assert.Equal(t, upstreamA.URL, p.Target())

	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	hitsA, _, _ := recA.snapshot()
	assert.Equal(t, 1, hitsA)

	// Swap to the second backend.
	cfgB := config.UpstreamConfig{URL: upstreamB.URL, Timeout: 5 * time.Second, MaxIdleConns: 10}
	require.NoError(t, p.UpdateUpstream(cfgB))
	assert.Equal(t, upstreamB.URL, p.Target())

	w = httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	hitsA, _, _ = recA.snapshot()
	hitsB, _, _ := recB.snapshot()
	assert.Equal(t, 1, hitsA, "old upstream no longer receives traffic")
	assert.Equal(t, 1, hitsB)

	// Reapplying the same config is a no-op.
	require.NoError(t, p.UpdateUpstream(cfgB))
	assert.Equal(t, upstreamB.URL, p.Target())

	// A broken config is refused and the current upstream stays.
	require.Error(t, p.UpdateUpstream(config.UpstreamConfig{URL: "/relative"}))
	assert.Equal(t, upstreamB.URL, p.Target())
}
