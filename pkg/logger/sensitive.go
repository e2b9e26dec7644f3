package logger

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// SensitiveDataConfig configures sensitive data masking in logs.
// This is a local copy to avoid import cycles with internal/config.
type SensitiveDataConfig struct {
	Enabled     bool              `mapstructure:"enabled" yaml:"enabled"`
	MaskValue   string            `mapstructure:"mask_value" yaml:"mask_value"`
	Fields      []string          `mapstructure:"fields" yaml:"fields"`
	Headers     []string          `mapstructure:"headers" yaml:"headers"`
	MaskJWT     bool              `mapstructure:"mask_jwt" yaml:"mask_jwt"`
	MaskPAN     bool              `mapstructure:"mask_pan" yaml:"mask_pan"`
	PartialMask PartialMaskConfig `mapstructure:"partial_mask" yaml:"partial_mask"`
}

// PartialMaskConfig configures partial masking behavior.
type PartialMaskConfig struct {
	Enabled   bool `mapstructure:"enabled" yaml:"enabled"`
	ShowFirst int  `mapstructure:"show_first" yaml:"show_first"`
	ShowLast  int  `mapstructure:"show_last" yaml:"show_last"`
	MinLength int  `mapstructure:"min_length" yaml:"min_length"`
}

// DefaultSensitiveDataConfig returns masking defaults for a gateway that
// handles payment card data. Card material is never logged raw.
func DefaultSensitiveDataConfig() SensitiveDataConfig {
	return SensitiveDataConfig{
		Enabled:   true,
		MaskValue: "****",
		Fields: []string{
			"card", "pan", "cvv", "cvc", "track",
			"secret", "password", "access_token", "client_secret",
		},
		Headers: []string{
			"authorization", "cookie", "x-api-key", "x-hmac-signature",
		},
		MaskJWT: true,
		MaskPAN: true,
	}
}

// SensitiveMasker masks sensitive data in log values.
type SensitiveMasker struct {
	cfg           SensitiveDataConfig
	fieldPatterns []*regexp.Regexp
	headerSet     map[string]struct{}
}

var globalMasker *SensitiveMasker

// panPattern matches a bare 13-19 digit primary account number.
var panPattern = regexp.MustCompile(`^\d{13,19}$`)

// InitMasker initializes the global sensitive data masker.
func InitMasker(cfg SensitiveDataConfig) {
	globalMasker = NewSensitiveMasker(cfg)
}

// NewSensitiveMasker creates a new sensitive data masker.
func NewSensitiveMasker(cfg SensitiveDataConfig) *SensitiveMasker {
	m := &SensitiveMasker{
		cfg:           cfg,
		fieldPatterns: make([]*regexp.Regexp, 0, len(cfg.Fields)),
		headerSet:     make(map[string]struct{}, len(cfg.Headers)),
	}

	// Compile field patterns (case-insensitive)
	for _, field := range cfg.Fields {
		pattern := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(field))
		m.fieldPatterns = append(m.fieldPatterns, pattern)
	}

	// Build header set (lowercase for case-insensitive comparison)
	for _, header := range cfg.Headers {
		m.headerSet[strings.ToLower(header)] = struct{}{}
	}

	return m
}

// MaskString masks a sensitive string value.
func (m *SensitiveMasker) MaskString(value string) string {
	if !m.cfg.Enabled || value == "" {
		return value
	}

	if m.cfg.MaskPAN && panPattern.MatchString(value) {
		return m.MaskPAN(value)
	}

	if m.cfg.PartialMask.Enabled && len(value) >= m.cfg.PartialMask.MinLength {
		return m.partialMask(value)
	}

	return m.cfg.MaskValue
}

// partialMask applies partial masking to a value.
func (m *SensitiveMasker) partialMask(value string) string {
	showFirst := m.cfg.PartialMask.ShowFirst
	showLast := m.cfg.PartialMask.ShowLast

	if showFirst+showLast >= len(value) {
		return m.cfg.MaskValue
	}

	return value[:showFirst] + m.cfg.MaskValue + value[len(value)-showLast:]
}

// MaskPAN masks a primary account number, keeping the issuer prefix (first
// six) and the last four digits, per PCI DSS display rules.
func (m *SensitiveMasker) MaskPAN(pan string) string {
	if !m.cfg.Enabled || pan == "" {
		return pan
	}
	if !panPattern.MatchString(pan) {
		return m.cfg.MaskValue
	}
	return pan[:6] + strings.Repeat("*", len(pan)-10) + pan[len(pan)-4:]
}

// MaskJWT masks a JWT token, keeping header visible.
func (m *SensitiveMasker) MaskJWT(token string) string {
	if !m.cfg.Enabled || !m.cfg.MaskJWT || token == "" {
		return token
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		// Not a valid JWT format, mask entirely
		return m.cfg.MaskValue
	}

	// Keep header, mask payload and signature
	return parts[0] + "." + m.cfg.MaskValue + "." + m.cfg.MaskValue[:len(m.cfg.MaskValue)/2]
}

// IsSensitiveField checks if a field name is sensitive.
func (m *SensitiveMasker) IsSensitiveField(fieldName string) bool {
	if !m.cfg.Enabled {
		return false
	}

	fieldLower := strings.ToLower(fieldName)
	for _, pattern := range m.fieldPatterns {
		if pattern.MatchString(fieldLower) {
			return true
		}
	}
	return false
}

// IsSensitiveHeader checks if a header name is sensitive.
func (m *SensitiveMasker) IsSensitiveHeader(headerName string) bool {
	if !m.cfg.Enabled {
		return false
	}

	_, exists := m.headerSet[strings.ToLower(headerName)]
	return exists
}

// MaskHeaderSlice masks sensitive headers from a map with slice values.
func (m *SensitiveMasker) MaskHeaderSlice(headers map[string][]string) map[string][]string {
	if !m.cfg.Enabled || headers == nil {
		return headers
	}

	masked := make(map[string][]string, len(headers))
	for k, values := range headers {
		if m.IsSensitiveHeader(k) {
			maskedValues := make([]string, len(values))
			for i, v := range values {
				maskedValues[i] = m.MaskString(v)
			}
			masked[k] = maskedValues
		} else {
			masked[k] = values
		}
	}
	return masked
}

// Global masking functions using the global masker

// MaskSensitive masks a value if it's sensitive.
func MaskSensitive(value string) string {
	if globalMasker == nil {
		return value
	}
	return globalMasker.MaskString(value)
}

// MaskJWTToken masks a JWT token.
func MaskJWTToken(token string) string {
	if globalMasker == nil {
		return token
	}
	return globalMasker.MaskJWT(token)
}

// MaskCardNumber masks a primary account number.
func MaskCardNumber(pan string) string {
	if globalMasker == nil {
		return pan
	}
	return globalMasker.MaskPAN(pan)
}

// SensitiveString creates a zap field with masked value if the field name is sensitive.
func SensitiveString(key, value string) zap.Field {
	if globalMasker != nil && globalMasker.IsSensitiveField(key) {
		return zap.String(key, globalMasker.MaskString(value))
	}
	return zap.String(key, value)
}

// SensitiveHeader creates a zap field for a header, masking if sensitive.
func SensitiveHeader(headerName, value string) zap.Field {
	if globalMasker != nil && globalMasker.IsSensitiveHeader(headerName) {
		return zap.String(headerName, globalMasker.MaskString(value))
	}
	return zap.String(headerName, value)
}

// Token creates a zap field for a token, applying JWT masking if configured.
func Token(key, value string) zap.Field {
	if globalMasker != nil {
		// Check if it looks like a JWT
		if strings.Count(value, ".") == 2 {
			return zap.String(key, globalMasker.MaskJWT(value))
		}
		return zap.String(key, globalMasker.MaskString(value))
	}
	return zap.String(key, value)
}
