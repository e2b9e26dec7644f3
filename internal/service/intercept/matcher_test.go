package intercept

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/tokengate/internal/config"
)

func rulesWith(rules ...config.TokenizationRule) *config.RulesConfig {
	return &config.RulesConfig{
		Upstream: config.UpstreamConfig{URL: "http://backend:8080"},
		Rules:    rules,
	}
}

func TestNewMatcher(t *testing.T) {
	t.Run("nil config yields empty matcher", func(t *testing.T) {
		m, err := NewMatcher(nil)
		require.NoError(t, err)
		assert.Equal(t, 0, m.Len())
		assert.Nil(t, m.Match("/api/v1/payments"))
	})

	t.Run("invalid pattern is refused", func(t *testing.T) {
		_, err := NewMatcher(rulesWith(config.TokenizationRule{
			Name:                     "broken",
			InterceptPathPatternList: []string{"([unclosed"},
		}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken")
	})
}

func TestMatcher_Match(t *testing.T) {
	m, err := NewMatcher(rulesWith(
		config.TokenizationRule{
			Name:                     "cards",
			InterceptPathPatternList: []string{"^/api/v1/payments$", "^/api/v1/payments/"},
		},
		config.TokenizationRule{
			Name:                     "accounts",
			InterceptPathPatternList: []string{"^/api/v1/accounts"},
		},
		config.TokenizationRule{
			Name:                     "payments-shadow",
			InterceptPathPatternList: []string{"^/api/v1/payments"},
		},
	))
	require.NoError(t, err)

	tests := []struct {
		name     string
		path     string
		wantRule string
	}{
		{"exact match", "/api/v1/payments", "cards"},
		{"second pattern of first rule", "/api/v1/payments/123", "cards"},
		{"second rule", "/api/v1/accounts", "accounts"},
		{"prefix pattern", "/api/v1/accounts/42/cards", "accounts"},
		{"no match", "/api/v1/orders", ""},
		{"case sensitive", "/API/V1/PAYMENTS", ""},
		{"unanchored substring does not match prefix", "/internal/api/v1/payments", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Match(tt.path)
			if tt.wantRule == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantRule, got.Rule.Name)
		})
	}
}

func TestMatcher_FirstRuleWins(t *testing.T) {
	// Both rules claim the same path; configuration order decides.
	m, err := NewMatcher(rulesWith(
		config.TokenizationRule{
			Name:                     "first",
			InterceptPathPatternList: []string{"^/api/v1/payments"},
		},
		config.TokenizationRule{
			Name:                     "second",
			InterceptPathPatternList: []string{"^/api/v1/payments"},
		},
	))
	require.NoError(t, err)

	got := m.Match("/api/v1/payments")
	require.NotNil(t, got)
	assert.Equal(t, "first", got.Rule.Name)
}

func TestCompiledRule_MatchPath(t *testing.T) {
	m, err := NewMatcher(rulesWith(config.TokenizationRule{
		Name:                     "cards",
		InterceptPathPatternList: []string{"^/a$", "^/b$"},
	}))
	require.NoError(t, err)

	rule := m.Match("/a")
	require.NotNil(t, rule)
	assert.True(t, rule.MatchPath("/a"))
	assert.True(t, rule.MatchPath("/b"))
	assert.False(t, rule.MatchPath("/c"))
}

func BenchmarkMatcher_Match(b *testing.B) {
	m, err := NewMatcher(rulesWith(
		config.TokenizationRule{
			Name:                     "cards",
			InterceptPathPatternList: []string{"^/api/v1/payments$", "^/api/v1/payments/"},
		},
		config.TokenizationRule{
			Name:                     "accounts",
			InterceptPathPatternList: []string{"^/api/v1/accounts"},
		},
	))
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Match("/api/v1/accounts/42")
	}
}
