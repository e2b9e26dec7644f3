package domain

import "time"

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	AuditEventTokenizationSuccess AuditEventType = "TOKENIZATION_SUCCESS"
	AuditEventBusinessError       AuditEventType = "TOKENIZATION_BUSINESS_ERROR"
	AuditEventTokenizationFailure AuditEventType = "TOKENIZATION_FAILURE"
	AuditEventProtocolViolation   AuditEventType = "PROTOCOL_VIOLATION"
	AuditEventCredentialRefresh   AuditEventType = "CREDENTIAL_REFRESH"
)

// AuditEvent records one tokenization-relevant occurrence. Events never
// carry PCI payloads, only identifiers and classification.
type AuditEvent struct {
	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`

	// EventID is a unique identifier for this event
	EventID string `json:"event_id"`

	// EventType is the type of event
	EventType AuditEventType `json:"event_type"`

	// Tenant identifies whose data was processed
	Tenant AuditTenant `json:"tenant"`

	// Rule describes the interception rule that fired
	Rule AuditRule `json:"rule"`

	// Outcome describes how the request was disposed of
	Outcome AuditOutcome `json:"outcome"`

	// Request contains request metadata
	Request AuditRequest `json:"request,omitempty"`

	// Metadata contains additional event metadata
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AuditTenant identifies the tenant a request was tokenized for.
type AuditTenant struct {
	// Type is "guid" or "string"
	Type string `json:"type,omitempty"`

	// Value is the extracted tenant identifier
	Value string `json:"value,omitempty"`

	// Realm is the IAM realm used for gateway authentication
	Realm string `json:"realm,omitempty"`
}

// AuditRule describes the interception rule that matched.
type AuditRule struct {
	// Pattern is the URI pattern that matched
	Pattern string `json:"pattern,omitempty"`

	// ObjectKey is the configured sensitive-object path
	ObjectKey string `json:"object_key,omitempty"`
}

// AuditOutcome describes the disposition of the request.
type AuditOutcome struct {
	// Forwarded indicates whether the request continued upstream
	Forwarded bool `json:"forwarded"`

	// ErrorCode is the gateway or business error code, if any
	ErrorCode string `json:"error_code,omitempty"`

	// TraceID is the tokenization trace identifier, if any
	TraceID string `json:"trace_id,omitempty"`

	// RejectOnError records the fail-closed/fail-open policy in effect
	RejectOnError bool `json:"reject_on_error"`

	// DurationMs is how long the exchange took
	DurationMs float64 `json:"duration_ms"`
}

// AuditRequest contains request metadata for audit.
type AuditRequest struct {
	// ID is the correlation ID of the request
	ID string `json:"id"`

	// Method is the HTTP method
	Method string `json:"method,omitempty"`

	// Path is the request URI path
	Path string `json:"path,omitempty"`

	// SourceIP is the client IP address
	SourceIP string `json:"source_ip,omitempty"`
}

// NewAuditEvent creates a new audit event with defaults.
func NewAuditEvent(eventType AuditEventType) *AuditEvent {
	return &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Metadata:  make(map[string]any),
	}
}

// SetMetadata sets a metadata value.
func (e *AuditEvent) SetMetadata(key string, value any) *AuditEvent {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}
