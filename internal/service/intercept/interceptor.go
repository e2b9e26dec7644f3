package intercept

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
	"github.com/your-org/tokengate/internal/domain"
	"github.com/your-org/tokengate/internal/service/body"
	"github.com/your-org/tokengate/internal/service/metrics"
	"github.com/your-org/tokengate/internal/service/policy"
	"github.com/your-org/tokengate/pkg/errors"
	"github.com/your-org/tokengate/pkg/jsonpath"
	"github.com/your-org/tokengate/pkg/logger"
)

// TenantResolver extracts the tenant identity for an intercepted request.
type TenantResolver interface {
	Resolve(r *http.Request, doc []byte, rule *config.TokenizationRule) (*domain.TenantContext, error)
}

// CredentialProvider supplies bearer tokens for gateway-mode tokenization
// endpoints.
type CredentialProvider interface {
	AccessToken(ctx context.Context, rule *config.TokenizationRule) (string, error)
}

// Exchanger calls the tokenization service and decodes its reply.
type Exchanger interface {
	Exchange(ctx context.Context, rule *config.TokenizationRule, pciObject []byte, tenant *domain.TenantContext, accessToken string) (*domain.ExchangeReply, error)
}

// Auditor records tokenization audit events.
type Auditor interface {
	Record(ctx context.Context, event *domain.AuditEvent)
}

// Interceptor runs the interception pipeline: match, inspect, extract the
// tenant, exchange the sensitive object, and apply the response policy.
type Interceptor struct {
	matcher atomic.Pointer[Matcher]

	extractor   *body.Extractor
	classifier  *OperationClassifier
	tenants     TenantResolver
	credentials CredentialProvider
	exchanger   Exchanger
	engine      *policy.Engine

	metrics *metrics.Metrics
	auditor Auditor
	log     *zap.Logger
}

// Option is a functional option for configuring the interceptor.
type Option func(*Interceptor)

// WithLogger sets the interceptor logger.
func WithLogger(log *zap.Logger) Option {
	return func(i *Interceptor) {
		if log != nil {
			i.log = log.Named("interceptor")
		}
	}
}

// WithBodyExtractor sets the body extractor.
func WithBodyExtractor(e *body.Extractor) Option {
	return func(i *Interceptor) {
		i.extractor = e
	}
}

// WithOperationClassifier sets the GraphQL operation classifier.
func WithOperationClassifier(c *OperationClassifier) Option {
	return func(i *Interceptor) {
		i.classifier = c
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Interceptor) {
		i.metrics = m
	}
}

// WithAuditor sets the audit sink.
func WithAuditor(a Auditor) Option {
	return func(i *Interceptor) {
		i.auditor = a
	}
}

// NewInterceptor creates the interception pipeline. The rules snapshot is
// installed separately via UpdateRules so hot reloads reuse the same path.
func NewInterceptor(tenants TenantResolver, credentials CredentialProvider, exchanger Exchanger, engine *policy.Engine, opts ...Option) *Interceptor {
	i := &Interceptor{
		tenants:     tenants,
		credentials: credentials,
		exchanger:   exchanger,
		engine:      engine,
		log:         logger.Named("interceptor"),
	}

	for _, opt := range opts {
		opt(i)
	}

	if i.extractor == nil {
		i.extractor = body.NewExtractor(body.DefaultMaxBytes, i.log)
	}
	if i.classifier == nil {
		i.classifier = NewOperationClassifier(DefaultOperationCacheSize)
	}
	if i.metrics == nil {
		i.metrics = metrics.DefaultMetrics
	}

	i.matcher.Store(&Matcher{})

	return i
}

// UpdateRules swaps in a new rules snapshot. In-flight requests finish with
// the matcher they started with.
func (i *Interceptor) UpdateRules(cfg *config.RulesConfig) error {
	matcher, err := NewMatcher(cfg)
	if err != nil {
		return err
	}
	i.matcher.Store(matcher)
	i.log.Info("interception rules updated",
		zap.Int("rules", matcher.Len()),
	)
	return nil
}

// RuleCount returns the number of active interception rules.
func (i *Interceptor) RuleCount() int {
	return i.matcher.Load().Len()
}

// Process evaluates one request against the active rules and returns how the
// proxy should dispose of it. A request that no rule claims, or that a
// matching rule cannot inspect, forwards unchanged.
func (i *Interceptor) Process(ctx context.Context, r *http.Request) *domain.Outcome {
	compiled := i.matcher.Load().Match(r.URL.Path)
	if compiled == nil {
		return domain.Forward()
	}
	rule := compiled.Rule

	payload, err := i.extractor.Capture(r)
	if err != nil {
		i.log.Warn("request body not inspectable, forwarding without interception",
			zap.String("rule", rule.Name),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		return i.passthrough(rule)
	}
	if payload == nil {
		return i.passthrough(rule)
	}

	if !jsonpath.Valid(payload) {
		i.log.Debug("request body is not valid JSON, forwarding without interception",
			zap.String("rule", rule.Name),
			zap.String("path", r.URL.Path),
		)
		return i.passthrough(rule)
	}

	if rule.IsGraphQLRequest && !i.classifier.Allowed(payload, rule.GraphQLOperationNames) {
		return i.passthrough(rule)
	}

	pci, present := jsonpath.Get(payload, rule.InterceptObjectKey)
	if !present {
		return i.passthrough(rule)
	}

	start := time.Now()

	tenant, err := i.tenants.Resolve(r, payload, rule)
	if err != nil {
		i.log.Warn("tenant extraction failed",
			zap.String("rule", rule.Name),
			zap.Error(err),
		)
		return i.finish(ctx, r, compiled, nil, start, i.engine.ApplyError(rule, payload, err))
	}

	var accessToken string
	if rule.IsTokenGatewayURL {
		accessToken, err = i.credentials.AccessToken(ctx, rule)
		if err != nil {
			i.log.Error("credential acquisition failed",
				zap.String("rule", rule.Name),
				zap.String("realm", rule.TokenServiceAuthRealm),
				zap.Error(err),
			)
			return i.finish(ctx, r, compiled, tenant, start, i.engine.ApplyError(rule, payload, err))
		}
	}

	reply, err := i.exchanger.Exchange(ctx, rule, []byte(pci.Raw), tenant, accessToken)
	if err != nil {
		i.log.Error("tokenization exchange failed",
			zap.String("rule", rule.Name),
			zap.Error(err),
		)
		return i.finish(ctx, r, compiled, tenant, start, i.engine.ApplyError(rule, payload, err))
	}

	return i.finish(ctx, r, compiled, tenant, start, i.engine.Apply(rule, payload, reply))
}

// passthrough records a matched-but-not-intercepted request.
func (i *Interceptor) passthrough(rule *config.TokenizationRule) *domain.Outcome {
	i.metrics.RecordInterception(rule.Name, metrics.ResultPassthrough)
	return domain.Forward()
}

// finish records metrics and audit for an intercepted request and returns
// its outcome.
func (i *Interceptor) finish(ctx context.Context, r *http.Request, compiled *CompiledRule, tenant *domain.TenantContext, start time.Time, res *policy.Resolution) *domain.Outcome {
	result, eventType := disposition(res)

	i.metrics.RecordInterception(compiled.Rule.Name, result)
	if res.Outcome.Rejected() {
		i.metrics.RecordShortCircuit(compiled.Rule.Name, rejectionCode(res))
	}
	if res.Shape == domain.ReplyShapeUnrecognized {
		i.metrics.RecordProtocolViolation(compiled.Rule.Name)
	}

	if i.auditor != nil {
		i.auditor.Record(ctx, i.buildEvent(ctx, r, compiled, tenant, start, res, eventType))
	}

	return res.Outcome
}

// rejectionCode maps a rejection to its stable gateway code for metrics.
// Business errors report the gateway class rather than the upstream's own
// code, which is unbounded.
func rejectionCode(res *policy.Resolution) string {
	if res.Shape == domain.ReplyShapeBusinessError {
		return errors.CodeBusinessError
	}
	return res.ErrorCode
}

// disposition maps a policy resolution to its metrics result and audit
// event type.
func disposition(res *policy.Resolution) (string, domain.AuditEventType) {
	switch res.Shape {
	case domain.ReplyShapeSuccess:
		return metrics.ResultTokenized, domain.AuditEventTokenizationSuccess
	case domain.ReplyShapeBusinessError:
		if res.Outcome.Rejected() {
			return metrics.ResultRejected, domain.AuditEventBusinessError
		}
		return metrics.ResultFailedOpen, domain.AuditEventBusinessError
	case domain.ReplyShapeUnrecognized:
		return metrics.ResultUnrecognized, domain.AuditEventProtocolViolation
	default:
		if res.Outcome.Rejected() {
			return metrics.ResultRejected, domain.AuditEventTokenizationFailure
		}
		return metrics.ResultFailedOpen, domain.AuditEventTokenizationFailure
	}
}

func (i *Interceptor) buildEvent(ctx context.Context, r *http.Request, compiled *CompiledRule, tenant *domain.TenantContext, start time.Time, res *policy.Resolution, eventType domain.AuditEventType) *domain.AuditEvent {
	rule := compiled.Rule

	event := domain.NewAuditEvent(eventType)
	event.Rule = domain.AuditRule{
		Pattern:   matchedPattern(compiled, r.URL.Path),
		ObjectKey: rule.InterceptObjectKey,
	}
	event.Outcome = domain.AuditOutcome{
		Forwarded:     !res.Outcome.Rejected(),
		ErrorCode:     res.ErrorCode,
		TraceID:       res.Outcome.TraceID,
		RejectOnError: rule.FailClosed(),
		DurationMs:    float64(time.Since(start).Microseconds()) / 1000.0,
	}
	event.Request = domain.AuditRequest{
		ID:       logger.CorrelationIDFromContext(ctx),
		Method:   r.Method,
		Path:     r.URL.Path,
		SourceIP: r.RemoteAddr,
	}

	if tenant != nil {
		event.Tenant = domain.AuditTenant{
			Type:  string(tenant.Type),
			Value: tenant.Value,
		}
	}
	if rule.IsTokenGatewayURL {
		event.Tenant.Realm = rule.TokenServiceAuthRealm
	}

	return event
}

// matchedPattern re-scans the compiled patterns to name the one that claimed
// the path. Only runs on the audit path.
func matchedPattern(compiled *CompiledRule, path string) string {
	for idx, p := range compiled.patterns {
		if p.MatchString(path) {
			return compiled.Rule.InterceptPathPatternList[idx]
		}
	}
	return ""
}
