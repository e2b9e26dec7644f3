package domain

import "github.com/tidwall/gjson"

// ReplyShape classifies a tokenization service response body.
type ReplyShape string

const (
	ReplyShapeSuccess       ReplyShape = "success"
	ReplyShapeBusinessError ReplyShape = "business_error"
	ReplyShapeUnrecognized  ReplyShape = "unrecognized"
)

// ExchangeReply is a decoded HTTP 200 response from the tokenization
// service. Raw holds the full response document; the accessors read it
// in place so the reply is never re-marshalled.
type ExchangeReply struct {
	Raw []byte
}

// Shape classifies the reply by its top-level keys. pciObject wins when
// both pciObject and errorObject are present.
func (r *ExchangeReply) Shape() ReplyShape {
	if gjson.GetBytes(r.Raw, "pciObject").Exists() {
		return ReplyShapeSuccess
	}
	if gjson.GetBytes(r.Raw, "errorObject").Exists() {
		return ReplyShapeBusinessError
	}
	return ReplyShapeUnrecognized
}

// PCIObject returns the raw JSON of the tokenized object, or nil when
// the reply carries none.
func (r *ExchangeReply) PCIObject() []byte {
	if v := gjson.GetBytes(r.Raw, "pciObject"); v.Exists() {
		return []byte(v.Raw)
	}
	return nil
}

// ErrorObject returns the raw JSON of the business error object, or nil
// when the reply carries none.
func (r *ExchangeReply) ErrorObject() []byte {
	if v := gjson.GetBytes(r.Raw, "errorObject"); v.Exists() {
		return []byte(v.Raw)
	}
	return nil
}

// ErrorCode returns errorObject.errorCode, or "" when absent.
func (r *ExchangeReply) ErrorCode() string {
	return gjson.GetBytes(r.Raw, "errorObject.errorCode").String()
}

// TraceID returns the reply's traceId, or "" when absent. The trace id
// is best effort: a reply without one still classifies by its object
// keys.
func (r *ExchangeReply) TraceID() string {
	return gjson.GetBytes(r.Raw, "traceId").String()
}
