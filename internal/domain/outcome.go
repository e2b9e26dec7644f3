package domain

// Outcome is the result of running the interception pipeline against a
// single request.
type Outcome struct {
	// Intercepted indicates whether a rule matched and the tokenization
	// exchange was attempted.
	Intercepted bool `json:"intercepted"`

	// Body is the request body to forward upstream. Nil means the
	// original body is forwarded unchanged.
	Body []byte `json:"-"`

	// TraceID carries the tokenization trace identifier. When non-empty
	// it is emitted as the x-trace-id response header.
	TraceID string `json:"trace_id,omitempty"`

	// ShortCircuit, when non-nil, stops the request at the gateway: the
	// client receives the rejection and nothing reaches the upstream.
	ShortCircuit *Rejection `json:"short_circuit,omitempty"`
}

// Rejection describes a fail-closed short circuit.
type Rejection struct {
	// Status is the HTTP status returned to the caller
	Status int `json:"status"`

	// ErrorCode is the stable gateway error code placed in the body
	ErrorCode string `json:"error_code"`
}

// Forward creates an outcome that forwards the original body untouched.
func Forward() *Outcome {
	return &Outcome{}
}

// ForwardIntercepted creates an outcome for an intercepted request that
// still forwards upstream. A nil body forwards the original unchanged.
func ForwardIntercepted(body []byte, traceID string) *Outcome {
	return &Outcome{
		Intercepted: true,
		Body:        body,
		TraceID:     traceID,
	}
}

// Reject creates a fail-closed outcome with the given status and error code.
func Reject(status int, errorCode, traceID string) *Outcome {
	return &Outcome{
		Intercepted: true,
		TraceID:     traceID,
		ShortCircuit: &Rejection{
			Status:    status,
			ErrorCode: errorCode,
		},
	}
}

// Rejected reports whether the outcome short-circuits the request.
func (o *Outcome) Rejected() bool {
	return o.ShortCircuit != nil
}

// Mutated reports whether the outcome carries a rewritten body.
func (o *Outcome) Mutated() bool {
	return o.Body != nil
}
