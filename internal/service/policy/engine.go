// Package policy turns tokenization service replies and pipeline failures
// into request outcomes, honoring each rule's reject_on_error setting.
package policy

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
	"github.com/your-org/tokengate/internal/domain"
	"github.com/your-org/tokengate/pkg/errors"
	"github.com/your-org/tokengate/pkg/jsonpath"
)

// Resolution pairs an outcome with its classification so callers can record
// metrics and audit events without re-inspecting the reply.
type Resolution struct {
	Outcome *domain.Outcome

	// Shape is the tokenization reply classification. Empty when the
	// exchange itself failed before a decodable reply arrived.
	Shape domain.ReplyShape

	// ErrorCode is the business or gateway error code. Empty on success.
	ErrorCode string
}

// Engine applies the response policy for intercepted requests.
type Engine struct {
	log *zap.Logger
}

// NewEngine creates a response policy engine.
func NewEngine(log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{log: log.Named("policy-engine")}
}

// Apply resolves a decoded tokenization reply against the request document.
//
// A success reply replaces the sensitive object at the rule's path with the
// returned pciObject. A business error reply either rejects the request with
// HTTP 400 (fail-closed) or strips the sensitive object and annotates the
// document with the service's errorObject (fail-open). A reply of neither
// shape forwards the original document untokenized regardless of
// reject_on_error; that is a contract violation by the tokenization service
// and is logged at error level.
func (e *Engine) Apply(rule *config.TokenizationRule, doc []byte, reply *domain.ExchangeReply) *Resolution {
	shape := reply.Shape()

	switch shape {
	case domain.ReplyShapeSuccess:
		return e.applySuccess(rule, doc, reply)

	case domain.ReplyShapeBusinessError:
		return e.applyBusinessError(rule, doc, reply)

	default:
		e.log.Error("tokenization service reply has neither pciObject nor errorObject, forwarding original request untokenized",
			zap.String("rule", rule.Name),
			zap.Int("reply_bytes", len(reply.Raw)),
		)
		return &Resolution{
			Outcome: domain.ForwardIntercepted(nil, ""),
			Shape:   domain.ReplyShapeUnrecognized,
		}
	}
}

// ApplyError resolves a pipeline failure: tenant extraction, credential
// acquisition, or the exchange itself. Fail-closed rules reject with the
// status mapped from the error code; fail-open rules strip the sensitive
// object and annotate the document so the upstream sees what happened
// without ever seeing the raw data.
func (e *Engine) ApplyError(rule *config.TokenizationRule, doc []byte, err error) *Resolution {
	code := errors.CodeOf(err)

	if rule.FailClosed() {
		return &Resolution{
			Outcome:   domain.Reject(errors.HTTPStatus(code), code, ""),
			ErrorCode: code,
		}
	}

	annotation := errorAnnotation{
		ErrorCode:    code,
		ErrorMessage: errors.Description(code),
		Error:        errorDetail(err),
	}
	mutated, aerr := e.stripAndAnnotate(rule, doc, mustMarshal(annotation))
	if aerr != nil {
		e.log.Error("failed to annotate document after tokenization failure, forwarding original",
			zap.String("rule", rule.Name),
			zap.Error(aerr),
		)
		return &Resolution{
			Outcome:   domain.ForwardIntercepted(nil, ""),
			ErrorCode: code,
		}
	}

	return &Resolution{
		Outcome:   domain.ForwardIntercepted(mutated, ""),
		ErrorCode: code,
	}
}

func (e *Engine) applySuccess(rule *config.TokenizationRule, doc []byte, reply *domain.ExchangeReply) *Resolution {
	mutated, err := jsonpath.SetRaw(doc, rule.InterceptObjectKey, reply.PCIObject())
	if err != nil {
		// The path resolved before the exchange, so this does not happen in
		// practice. Treat it as a service failure rather than forward raw data.
		e.log.Error("failed to apply tokenized object",
			zap.String("rule", rule.Name),
			zap.String("path", rule.InterceptObjectKey),
			zap.Error(err),
		)
		return e.ApplyError(rule, doc, errors.NewServiceError(0, "failed to apply tokenized object", err))
	}

	return &Resolution{
		Outcome: domain.ForwardIntercepted(mutated, reply.TraceID()),
		Shape:   domain.ReplyShapeSuccess,
	}
}

func (e *Engine) applyBusinessError(rule *config.TokenizationRule, doc []byte, reply *domain.ExchangeReply) *Resolution {
	code := reply.ErrorCode()
	if code == "" {
		code = errors.CodeBusinessError
	}

	if rule.FailClosed() {
		return &Resolution{
			Outcome:   domain.Reject(http.StatusBadRequest, code, reply.TraceID()),
			Shape:     domain.ReplyShapeBusinessError,
			ErrorCode: code,
		}
	}

	mutated, err := e.stripAndAnnotate(rule, doc, reply.ErrorObject())
	if err != nil {
		e.log.Error("failed to annotate document after business error, forwarding original",
			zap.String("rule", rule.Name),
			zap.Error(err),
		)
		return &Resolution{
			Outcome:   domain.ForwardIntercepted(nil, reply.TraceID()),
			Shape:     domain.ReplyShapeBusinessError,
			ErrorCode: code,
		}
	}

	return &Resolution{
		Outcome:   domain.ForwardIntercepted(mutated, reply.TraceID()),
		Shape:     domain.ReplyShapeBusinessError,
		ErrorCode: code,
	}
}

// stripAndAnnotate removes the sensitive object and writes errObject as its
// sibling, so the upstream receives the request shorn of raw data but
// annotated with the failure.
func (e *Engine) stripAndAnnotate(rule *config.TokenizationRule, doc, errObject []byte) ([]byte, error) {
	mutated, err := jsonpath.Delete(doc, rule.InterceptObjectKey)
	if err != nil {
		return nil, err
	}
	return jsonpath.SetRaw(mutated, siblingErrorPath(rule.InterceptObjectKey), errObject)
}

// siblingErrorPath places errorObject next to the removed field: the parent
// of the sensitive path, or the document root for top-level paths.
func siblingErrorPath(key string) string {
	if jsonpath.IsRoot(key) {
		return "errorObject"
	}
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '.' {
			return key[:i+1] + "errorObject"
		}
	}
	return "errorObject"
}

// errorAnnotation is the fail-open error object written into the document
// when the pipeline fails before a business reply was received.
type errorAnnotation struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	Error        string `json:"error"`
}

func errorDetail(err error) string {
	var te *errors.TokenizationError
	if errors.As(err, &te) {
		return te.Detail()
	}
	return err.Error()
}

func mustMarshal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return raw
}
