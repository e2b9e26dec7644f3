// Package body provides request body capture for interception.
// Bodies are buffered in memory up to a configured cap and restored to the
// request so the proxy can still forward the original bytes.
package body

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ErrBodyTooLarge is returned when the request body exceeds the capture cap.
// The body is restored before returning so the request can still be forwarded.
var ErrBodyTooLarge = errors.New("request body exceeds maximum size")

// DefaultMaxBytes caps body capture when no limit is configured.
const DefaultMaxBytes int64 = 1 << 20 // 1 MiB

// Extractor buffers request bodies for inspection and mutation.
type Extractor struct {
	maxBytes int64
	log      *zap.Logger
}

// NewExtractor creates a body extractor with the given capture cap.
func NewExtractor(maxBytes int64, log *zap.Logger) *Extractor {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{
		maxBytes: maxBytes,
		log:      log.Named("body-extractor"),
	}
}

// Capture reads the request body into memory and restores it on the request.
// It returns (nil, nil) when there is nothing to inspect: no body, an empty
// body, or a content type that cannot carry JSON. Oversized bodies return
// ErrBodyTooLarge with the request body reassembled for streaming passthrough.
func (e *Extractor) Capture(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return nil, nil
	}

	if !isJSONContentType(r.Header.Get("Content-Type")) {
		return nil, nil
	}

	// Declared length already over the cap: leave the body untouched.
	if r.ContentLength > e.maxBytes {
		return nil, ErrBodyTooLarge
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, e.maxBytes+1))
	if err != nil {
		return nil, err
	}

	if int64(len(payload)) > e.maxBytes {
		// Chunked request that turned out too large. Stitch the consumed
		// prefix back in front of the unread remainder.
		rest := r.Body
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(payload), rest), rest}
		return nil, ErrBodyTooLarge
	}

	if len(payload) == 0 {
		return nil, nil
	}

	Restore(r, payload)
	return payload, nil
}

// Restore puts payload back as the request body without changing its length
// metadata. Used after Capture so downstream readers see the original bytes.
func Restore(r *http.Request, payload []byte) {
	r.Body = io.NopCloser(bytes.NewReader(payload))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
}

// Replace installs payload as the request body and updates the length
// metadata. Used when interception rewrote the body before forwarding.
func Replace(r *http.Request, payload []byte) {
	Restore(r, payload)
	r.ContentLength = int64(len(payload))
	r.Header.Set("Content-Length", strconv.Itoa(len(payload)))
}

// MaxBytes returns the configured capture cap.
func (e *Extractor) MaxBytes() int64 {
	return e.maxBytes
}

// isJSONContentType reports whether the media type can carry a JSON document.
// An absent content type is treated as inspectable; some clients omit it.
func isJSONContentType(contentType string) bool {
	if contentType == "" {
		return true
	}

	mediaType := strings.Split(contentType, ";")[0]
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))

	switch mediaType {
	case "application/json", "text/json", "application/graphql":
		return true
	}
	return strings.HasSuffix(mediaType, "+json")
}
