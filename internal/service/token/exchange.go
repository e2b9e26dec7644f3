package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
	"github.com/your-org/tokengate/internal/domain"
	"github.com/your-org/tokengate/internal/service/metrics"
	"github.com/your-org/tokengate/pkg/errors"
	"github.com/your-org/tokengate/pkg/resilience/circuitbreaker"
)

// maxReplyBytes caps how much of a tokenization response is read.
const maxReplyBytes = 10 << 20

// exchangePayload is the document posted to the tokenization service: the
// sensitive object exactly as found in the request, and the tenant it
// belongs to.
type exchangePayload struct {
	PCIObject    json.RawMessage       `json:"pciObject"`
	TenantObject *domain.TenantContext `json:"tenantObject"`
}

// ExchangeService posts sensitive objects to the tokenization service and
// classifies what comes back. A 200 with a JSON body is handed to the
// policy engine untouched; everything else becomes a service error.
type ExchangeService struct {
	client   *http.Client
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// Option configures an ExchangeService.
type Option func(*ExchangeService)

// WithHTTPClient overrides the HTTP client used for exchange calls.
func WithHTTPClient(client *http.Client) Option {
	return func(s *ExchangeService) {
		s.client = client
	}
}

// WithBreakers protects exchange calls with circuit breakers.
func WithBreakers(m *circuitbreaker.Manager) Option {
	return func(s *ExchangeService) {
		s.breakers = m
	}
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ExchangeService) {
		s.metrics = m
	}
}

// NewExchangeService creates a tokenization exchange client. Calls are
// bounded by each rule's timeout, so the client itself carries none.
func NewExchangeService(log *zap.Logger, opts ...Option) *ExchangeService {
	if log == nil {
		log = zap.NewNop()
	}

	s := &ExchangeService{
		client:  &http.Client{},
		metrics: metrics.DefaultMetrics,
		log:     log.Named("token-exchange"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Exchange performs one tokenization call for the rule. accessToken, when
// non-empty, is presented as a bearer token.
func (s *ExchangeService) Exchange(ctx context.Context, rule *config.TokenizationRule, pciObject []byte, tenant *domain.TenantContext, accessToken string) (*domain.ExchangeReply, error) {
	start := time.Now()

	reply, err := circuitbreaker.Execute(s.breakers, "tokenization:"+rule.Name, func() (*domain.ExchangeReply, error) {
		return s.exchange(ctx, rule, pciObject, tenant, accessToken)
	})
	if err != nil && (errors.Is(err, circuitbreaker.ErrOpenState) || errors.Is(err, circuitbreaker.ErrTooManyRequests)) {
		err = errors.NewServiceError(0, "tokenization service circuit open", err)
	}

	s.metrics.RecordExchange(rule.Name, exchangeStatus(reply, err), time.Since(start))

	if err != nil {
		s.log.Warn("tokenization exchange failed",
			zap.String("rule", rule.Name),
			zap.String("endpoint", rule.TokenServiceEndpoint),
			zap.Error(err),
		)
	}

	return reply, err
}

func (s *ExchangeService) exchange(ctx context.Context, rule *config.TokenizationRule, pciObject []byte, tenant *domain.TenantContext, accessToken string) (*domain.ExchangeReply, error) {
	timeout := rule.TokenServiceTimeout
	if timeout <= 0 {
		timeout = config.DefaultTokenServiceTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(exchangePayload{
		PCIObject:    pciObject,
		TenantObject: tenant,
	})
	if err != nil {
		return nil, errors.NewServiceError(0, "failed to encode exchange request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rule.TokenServiceEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.NewServiceError(0, "failed to build exchange request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.NewServiceError(0, "tokenization service unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, errors.NewServiceError(0, "failed to read tokenization response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewServiceError(resp.StatusCode, upstreamMessage(body, resp.StatusCode), nil)
	}

	reply := bytes.TrimSpace(body)
	if len(reply) == 0 {
		return nil, errors.NewServiceError(resp.StatusCode, "invalid tokenization service response", errors.ErrEmptyResponse)
	}
	if !gjson.ValidBytes(reply) {
		return nil, errors.NewServiceError(resp.StatusCode, "invalid tokenization service response", errors.ErrInvalidJSON)
	}

	return &domain.ExchangeReply{Raw: reply}, nil
}

// upstreamMessage pulls the most specific error text a failed response
// offers: error_msg, then error, then message.
func upstreamMessage(body []byte, status int) string {
	for _, key := range []string{"error_msg", "error", "message"} {
		if v := gjson.GetBytes(body, key); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return fmt.Sprintf("tokenization failed with status %d", status)
}

func exchangeStatus(reply *domain.ExchangeReply, err error) string {
	if err != nil {
		switch {
		case errors.Is(err, errors.ErrEmptyResponse), errors.Is(err, errors.ErrInvalidJSON):
			return metrics.StatusInvalidResponse
		default:
			var te *errors.TokenizationError
			if errors.As(err, &te) && te.Status != 0 {
				return metrics.StatusHTTPError
			}
			return metrics.StatusTransportError
		}
	}

	if reply.Shape() == domain.ReplyShapeBusinessError {
		return metrics.StatusBusinessError
	}
	return metrics.StatusSuccess
}
