package intercept

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
	"github.com/your-org/tokengate/internal/domain"
	"github.com/your-org/tokengate/internal/service/policy"
	"github.com/your-org/tokengate/pkg/errors"
)

type stubResolver struct {
	tenant *domain.TenantContext
	err    error
	calls  int
}

func (s *stubResolver) Resolve(_ *http.Request, _ []byte, _ *config.TokenizationRule) (*domain.TenantContext, error) {
	s.calls++
	return s.tenant, s.err
}

type stubCredentials struct {
	token string
	err   error
	calls int
}

func (s *stubCredentials) AccessToken(_ context.Context, _ *config.TokenizationRule) (string, error) {
	s.calls++
	return s.token, s.err
}

type stubExchanger struct {
	reply *domain.ExchangeReply
	err   error
	calls int

	gotPCI    []byte
	gotTenant *domain.TenantContext
	gotToken  string
}

func (s *stubExchanger) Exchange(_ context.Context, _ *config.TokenizationRule, pciObject []byte, tenant *domain.TenantContext, accessToken string) (*domain.ExchangeReply, error) {
	s.calls++
	s.gotPCI = pciObject
	s.gotTenant = tenant
	s.gotToken = accessToken
	return s.reply, s.err
}

type stubAuditor struct {
	events []*domain.AuditEvent
}

func (s *stubAuditor) Record(_ context.Context, event *domain.AuditEvent) {
	s.events = append(s.events, event)
}

func boolPtr(b bool) *bool { return &b }

func cardsRule() config.TokenizationRule {
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

func newTestInterceptor(t *testing.T, rule config.TokenizationRule, resolver TenantResolver, credentials CredentialProvider, exchanger Exchanger) (*Interceptor, *stubAuditor) {
	t.Helper()

	auditor := &stubAuditor{}
	i := NewInterceptor(resolver, credentials, exchanger, policy.NewEngine(zap.NewNop()),
		WithLogger(zap.NewNop()),
		WithAuditor(auditor),
	)
	require.NoError(t, i.UpdateRules(rulesWith(rule)))
	return i, auditor
}

func postJSON(path, payload string) *http.Request {
	req := httptest.NewRequest("POST", path, strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func successReply(pciObject, traceID string) *domain.ExchangeReply {
	return &domain.ExchangeReply{Raw: []byte(`{"pciObject": ` + pciObject + `, "traceId": "` + traceID + `"}`)}
}

func TestInterceptor_Passthrough(t *testing.T) {
	const payload = `{"payment": {"card": "4111111111111111"}}`

	tests := []struct {
		name string
		rule func() config.TokenizationRule
		req  func() *http.Request
	}{
		{
			name: "no rule matches the path",
			rule: cardsRule,
			req:  func() *http.Request { return postJSON("/api/v1/orders", payload) },
		},
		{
			name: "empty body",
			rule: cardsRule,
			req:  func() *http.Request { return postJSON("/api/v1/payments", "") },
		},
		{
			name: "body is not valid JSON",
			rule: cardsRule,
			req:  func() *http.Request { return postJSON("/api/v1/payments", `{"payment": {`) },
		},
		{
			name: "sensitive path absent",
			rule: cardsRule,
			req:  func() *http.Request { return postJSON("/api/v1/payments", `{"order": {"total": 12}}`) },
		},
		{
			name: "graphql operation not in allow list",
			rule: func() config.TokenizationRule {
				r := cardsRule()
				r.IsGraphQLRequest = true
				r.GraphQLOperationNames = []string{"StoreCard"}
				r.InterceptObjectKey = "variables.card"
				return r
			},
			req: func() *http.Request {
				return postJSON("/api/v1/payments", `{"query": "query GetCard { card { id } }", "variables": {"card": "4111111111111111"}}`)
			},
		},
		{
			name: "graphql request cannot be classified",
			rule: func() config.TokenizationRule {
				r := cardsRule()
				r.IsGraphQLRequest = true
				r.InterceptObjectKey = "variables.card"
				return r
			},
			req: func() *http.Request {
				return postJSON("/api/v1/payments", `{"variables": {"card": "4111111111111111"}}`)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &stubResolver{tenant: domain.GUIDTenant("tenant-1")}
			exchanger := &stubExchanger{}
			i, auditor := newTestInterceptor(t, tt.rule(), resolver, &stubCredentials{}, exchanger)

			outcome := i.Process(context.Background(), tt.req())

			assert.False(t, outcome.Intercepted)
			assert.False(t, outcome.Rejected())
			assert.Nil(t, outcome.Body)
			assert.Equal(t, 0, exchanger.calls, "exchange must not run on passthrough")
			assert.Empty(t, auditor.events, "passthrough is not audited")
		})
	}
}

func TestInterceptor_SuccessfulTokenization(t *testing.T) {
	resolver := &stubResolver{tenant: domain.GUIDTenant("tenant-1")}
	exchanger := &stubExchanger{reply: successReply(`{"token": "tok_abc"}`, "tr-9")}
	i, auditor := newTestInterceptor(t, cardsRule(), resolver, &stubCredentials{}, exchanger)

	req := postJSON("/api/v1/payments", `{"payment": {"card": "4111111111111111", "amount": 120}}`)
	outcome := i.Process(context.Background(), req)

	require.True(t, outcome.Intercepted)
	require.False(t, outcome.Rejected())
	assert.Equal(t, "tr-9", outcome.TraceID)

	require.True(t, outcome.Mutated())
	assert.Equal(t, "tok_abc", gjson.GetBytes(outcome.Body, "payment.card.token").String())
	assert.Equal(t, int64(120), gjson.GetBytes(outcome.Body, "payment.amount").Int(), "untouched fields survive")

	// The exchange received the raw sensitive value and the tenant.
	assert.Equal(t, `"4111111111111111"`, string(exchanger.gotPCI))
	require.NotNil(t, exchanger.gotTenant)
	assert.Equal(t, "tenant-1", exchanger.gotTenant.Value)
	assert.Empty(t, exchanger.gotToken, "no bearer token outside gateway mode")

	require.Len(t, auditor.events, 1)
	assert.Equal(t, domain.AuditEventTokenizationSuccess, auditor.events[0].EventType)
	assert.Equal(t, "tr-9", auditor.events[0].Outcome.TraceID)
	assert.True(t, auditor.events[0].Outcome.Forwarded)
}

func TestInterceptor_RootPathReplacesWholeBody(t *testing.T) {
	rule := cardsRule()
	rule.InterceptObjectKey = "root"

	resolver := &stubResolver{tenant: domain.GUIDTenant("tenant-1")}
	exchanger := &stubExchanger{reply: successReply(`{"token": "tok_whole"}`, "")}
	i, _ := newTestInterceptor(t, rule, resolver, &stubCredentials{}, exchanger)

	req := postJSON("/api/v1/payments", `{"pan": "4111111111111111"}`)
	outcome := i.Process(context.Background(), req)

	require.True(t, outcome.Intercepted)
	require.True(t, outcome.Mutated())
	assert.JSONEq(t, `{"token": "tok_whole"}`, string(outcome.Body))
	assert.Equal(t, `{"pan": "4111111111111111"}`, string(exchanger.gotPCI))
}

func TestInterceptor_GatewayModePassesBearerToken(t *testing.T) {
	rule := cardsRule()
	rule.IsTokenGatewayURL = true
	rule.IAMServiceURL = "http://iam:8080/auth"
	rule.TokenServiceAuthRealm = "core-apps"

	resolver := &stubResolver{tenant: domain.GUIDTenant("tenant-1")}
	credentials := &stubCredentials{token: "bearer-xyz"}
	exchanger := &stubExchanger{reply: successReply(`{"token": "tok_abc"}`, "")}
	i, _ := newTestInterceptor(t, rule, resolver, credentials, exchanger)

	outcome := i.Process(context.Background(), postJSON("/api/v1/payments", `{"payment": {"card": "4111"}}`))

	require.True(t, outcome.Intercepted)
	assert.Equal(t, 1, credentials.calls)
	assert.Equal(t, "bearer-xyz", exchanger.gotToken)
}

func TestInterceptor_TenantFailure(t *testing.T) {
	t.Run("fail closed rejects with 400", func(t *testing.T) {
		resolver := &stubResolver{err: errors.NewTenantError("tenant extraction failed", nil)}
		exchanger := &stubExchanger{}
		i, auditor := newTestInterceptor(t, cardsRule(), resolver, &stubCredentials{}, exchanger)

		outcome := i.Process(context.Background(), postJSON("/api/v1/payments", `{"payment": {"card": "4111"}}`))

		require.True(t, outcome.Rejected())
		assert.Equal(t, http.StatusBadRequest, outcome.ShortCircuit.Status)
		assert.Equal(t, errors.CodeTenantExtraction, outcome.ShortCircuit.ErrorCode)
		assert.Equal(t, 0, exchanger.calls, "no exchange without a tenant")

		require.Len(t, auditor.events, 1)
		assert.Equal(t, domain.AuditEventTokenizationFailure, auditor.events[0].EventType)
		assert.False(t, auditor.events[0].Outcome.Forwarded)
	})

	t.Run("fail open strips the field and annotates", func(t *testing.T) {
		rule := cardsRule()
		rule.RejectOnError = boolPtr(false)

		resolver := &stubResolver{err: errors.NewTenantError("tenant extraction failed", nil)}
		i, _ := newTestInterceptor(t, rule, resolver, &stubCredentials{}, &stubExchanger{})

		outcome := i.Process(context.Background(), postJSON("/api/v1/payments", `{"payment": {"card": "4111", "amount": 5}}`))

		require.True(t, outcome.Intercepted)
		require.False(t, outcome.Rejected())
		require.True(t, outcome.Mutated())

		assert.False(t, gjson.GetBytes(outcome.Body, "payment.card").Exists(), "sensitive field must be stripped")
		assert.Equal(t, errors.CodeTenantExtraction, gjson.GetBytes(outcome.Body, "payment.errorObject.errorCode").String())
		assert.Equal(t, "tenant extraction failed", gjson.GetBytes(outcome.Body, "payment.errorObject.errorMessage").String())
		assert.Equal(t, int64(5), gjson.GetBytes(outcome.Body, "payment.amount").Int())
	})
}

func TestInterceptor_CredentialFailure(t *testing.T) {
	rule := cardsRule()
	rule.IsTokenGatewayURL = true
	rule.IAMServiceURL = "http://iam:8080/auth"
	rule.TokenServiceAuthRealm = "core-apps"

	resolver := &stubResolver{tenant: domain.GUIDTenant("tenant-1")}
	credentials := &stubCredentials{err: errors.NewAuthError(403, "authentication failed with status 403", nil)}
	exchanger := &stubExchanger{}
	i, _ := newTestInterceptor(t, rule, resolver, credentials, exchanger)

	outcome := i.Process(context.Background(), postJSON("/api/v1/payments", `{"payment": {"card": "4111"}}`))

	require.True(t, outcome.Rejected())
	assert.Equal(t, http.StatusUnauthorized, outcome.ShortCircuit.Status)
	assert.Equal(t, errors.CodeAuthFailure, outcome.ShortCircuit.ErrorCode)
	assert.Equal(t, 0, exchanger.calls)
}

func TestInterceptor_ExchangeFailure(t *testing.T) {
	resolver := &stubResolver{tenant: domain.GUIDTenant("tenant-1")}
	exchanger := &stubExchanger{err: errors.NewServiceError(0, "tokenization service unreachable", nil)}
	i, auditor := newTestInterceptor(t, cardsRule(), resolver, &stubCredentials{}, exchanger)

	outcome := i.Process(context.Background(), postJSON("/api/v1/payments", `{"payment": {"card": "4111"}}`))

	require.True(t, outcome.Rejected())
	assert.Equal(t, http.StatusServiceUnavailable, outcome.ShortCircuit.Status)
	assert.Equal(t, errors.CodeServiceFailure, outcome.ShortCircuit.ErrorCode)

	require.Len(t, auditor.events, 1)
	assert.Equal(t, domain.AuditEventTokenizationFailure, auditor.events[0].EventType)
	assert.Equal(t, errors.CodeServiceFailure, auditor.events[0].Outcome.ErrorCode)
}

func TestInterceptor_BusinessError(t *testing.T) {
	reply := &domain.ExchangeReply{Raw: []byte(`{"errorObject": {"errorCode": "CARD_EXPIRED", "errorMessage": "card expired"}, "traceId": "tr-2"}`)}

	t.Run("fail closed rejects with the business code", func(t *testing.T) {
		resolver := &stubResolver{tenant: domain.GUIDTenant("tenant-1")}
		i, auditor := newTestInterceptor(t, cardsRule(), resolver, &stubCredentials{}, &stubExchanger{reply: reply})

		outcome := i.Process(context.Background(), postJSON("/api/v1/payments", `{"payment": {"card": "4111"}}`))

		require.True(t, outcome.Rejected())
		assert.Equal(t, http.StatusBadRequest, outcome.ShortCircuit.Status)
		assert.Equal(t, "CARD_EXPIRED", outcome.ShortCircuit.ErrorCode)

		require.Len(t, auditor.events, 1)
		assert.Equal(t, domain.AuditEventBusinessError, auditor.events[0].EventType)
	})

	t.Run("fail open carries the service errorObject", func(t *testing.T) {
		rule := cardsRule()
		rule.RejectOnError = boolPtr(false)

		resolver := &stubResolver{tenant: domain.GUIDTenant("tenant-1")}
		i, _ := newTestInterceptor(t, rule, resolver, &stubCredentials{}, &stubExchanger{reply: reply})

		outcome := i.Process(context.Background(), postJSON("/api/v1/payments", `{"payment": {"card": "4111"}}`))

		require.False(t, outcome.Rejected())
		require.True(t, outcome.Mutated())
		assert.False(t, gjson.GetBytes(outcome.Body, "payment.card").Exists())
		assert.Equal(t, "CARD_EXPIRED", gjson.GetBytes(outcome.Body, "payment.errorObject.errorCode").String())
		assert.Equal(t, "tr-2", outcome.TraceID)
	})
}

func TestInterceptor_UnrecognizedReplyForwardsOriginal(t *testing.T) {
	reply := &domain.ExchangeReply{Raw: []byte(`{"status": "done"}`)}

	for _, failClosed := range []bool{true, false} {
		rule := cardsRule()
		rule.RejectOnError = boolPtr(failClosed)

		resolver := &stubResolver{tenant: domain.GUIDTenant("tenant-1")}
		i, auditor := newTestInterceptor(t, rule, resolver, &stubCredentials{}, &stubExchanger{reply: reply})

		outcome := i.Process(context.Background(), postJSON("/api/v1/payments", `{"payment": {"card": "4111"}}`))

		require.True(t, outcome.Intercepted)
		assert.False(t, outcome.Rejected(), "unrecognized replies never reject, reject_on_error=%v", failClosed)
		assert.Nil(t, outcome.Body, "original body forwards unchanged")

		require.Len(t, auditor.events, 1)
		assert.Equal(t, domain.AuditEventProtocolViolation, auditor.events[0].EventType)
	}
}

func TestInterceptor_UpdateRules(t *testing.T) {
	resolver := &stubResolver{tenant: domain.GUIDTenant("tenant-1")}
	i, _ := newTestInterceptor(t, cardsRule(), resolver, &stubCredentials{}, &stubExchanger{})
	assert.Equal(t, 1, i.RuleCount())

	other := cardsRule()
	other.Name = "accounts"
	other.InterceptPathPatternList = []string{"^/api/v1/accounts"}

	require.NoError(t, i.UpdateRules(rulesWith(cardsRule(), other)))
	assert.Equal(t, 2, i.RuleCount())

	// A snapshot that bypassed validation is refused and the old rules stay.
	bad := cardsRule()
	bad.InterceptPathPatternList = []string{"([unclosed"}
	require.Error(t, i.UpdateRules(rulesWith(bad)))
	assert.Equal(t, 2, i.RuleCount())
}

func TestInterceptor_AuditEventFields(t *testing.T) {
	resolver := &stubResolver{tenant: domain.GUIDTenant("tenant-7")}
	exchanger := &stubExchanger{reply: successReply(`{"token": "tok"}`, "tr-1")}
	i, auditor := newTestInterceptor(t, cardsRule(), resolver, &stubCredentials{}, exchanger)

	req := postJSON("/api/v1/payments", `{"payment": {"card": "4111"}}`)
	i.Process(context.Background(), req)

	require.Len(t, auditor.events, 1)
	event := auditor.events[0]

	assert.Equal(t, "^/api/v1/payments", event.Rule.Pattern)
	assert.Equal(t, "payment.card", event.Rule.ObjectKey)
	assert.Equal(t, "guid", event.Tenant.Type)
	assert.Equal(t, "tenant-7", event.Tenant.Value)
	assert.Equal(t, "POST", event.Request.Method)
	assert.Equal(t, "/api/v1/payments", event.Request.Path)
	assert.True(t, event.Outcome.RejectOnError)
	assert.GreaterOrEqual(t, event.Outcome.DurationMs, 0.0)
}
