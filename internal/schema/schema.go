// Package schema provides JSON Schema generation for configuration and rules.
package schema

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/your-org/tokengate/internal/config"
)

// SchemaType represents the type of schema to generate.
type SchemaType string

const (
	SchemaTypeEnvironment SchemaType = "environment"
	SchemaTypeRules       SchemaType = "rules"
)

// Generator generates JSON schemas for tokengate configuration files.
type Generator struct {
	reflector *jsonschema.Reflector
}

// NewGenerator creates a new schema generator.
func NewGenerator() *Generator {
	r := &jsonschema.Reflector{
		ExpandedStruct: false,
		// Only mark fields as required if they have explicit jsonschema:"required" tag
		// This makes all fields optional by default (they have defaults in setDefaults)
		RequiredFromJSONSchemaTags: true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			// Handle time.Duration
			if t == reflect.TypeOf(time.Duration(0)) {
				return &jsonschema.Schema{
					Type:        "string",
					Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
					Description: "Duration string (e.g., '30s', '5m', '1h')",
					Examples:    []interface{}{"10s", "5m", "1h", "30s"},
				}
			}
			return nil
		},
	}

	return &Generator{reflector: r}
}

// Generate generates a JSON schema for the specified type.
func (g *Generator) Generate(schemaType SchemaType) ([]byte, error) {
	var schema *jsonschema.Schema

	switch schemaType {
	case SchemaTypeRules:
		schema = g.generateRulesSchema()
	case SchemaTypeEnvironment:
		schema = g.generateEnvironmentSchema()
	default:
		schema = g.generateEnvironmentSchema()
	}

	// Marshal with indentation
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, err
	}

	// Post-process to fix naming
	output := g.postProcessJSON(string(data), schemaType)

	return []byte(output), nil
}

// generateRulesSchema generates schema for rules.yaml.
func (g *Generator) generateRulesSchema() *jsonschema.Schema {
	schema := g.reflector.Reflect(&config.RulesConfig{})
	g.processSchema(schema)

	schema.Title = "TokenGate Tokenization Rules"
	schema.Description = "Tokenization rules and upstream settings for the gateway.\n\n" +
		"The first rule whose path pattern matches the request decides interception.\n" +
		"This configuration is runtime-updatable (x-runtime-updatable: true)."
	schema.ID = "https://github.com/your-org/tokengate/schemas/rules.schema.json"

	// Add x-runtime-updatable to root
	if schema.Extras == nil {
		schema.Extras = make(map[string]interface{})
	}
	schema.Extras["x-runtime-updatable"] = true

	// Add examples
	schema.Examples = []interface{}{
		map[string]interface{}{
			"version": "1.0",
			"upstream": map[string]interface{}{
				"url":     "http://payments-api:8080",
				"timeout": "30s",
			},
			"rules": []interface{}{
				map[string]interface{}{
					"name":                         "card-payments",
					"intercept_path_pattern_list":  []string{"^/api/v1/payments$", "^/api/v1/payments/"},
					"intercept_object_key":         "payment.card",
					"token_service_endpoint":       "https://tokenizer.internal/v1/tokenize",
					"is_token_gateway_url":         true,
					"iam_service_url":              "https://iam.internal/auth",
					"token_service_auth_client_id": "tokengate",
					"token_service_auth_secret":    "${TOKEN_SERVICE_SECRET}",
					"has_tenant_guid":              true,
					"tenant_information_location":  "headers",
					"tenant_information_reference": "X-Tenant-Id",
					"reject_on_error":              true,
				},
				map[string]interface{}{
					"name":                         "graphql-cards",
					"intercept_path_pattern_list":  []string{"^/graphql$"},
					"intercept_object_key":         "variables.card",
					"is_graphql_request":           true,
					"graphql_operation_names":      []string{"StoreCard", "UpdateCard"},
					"token_service_endpoint":       "https://tokenizer.internal/v1/tokenize",
					"has_tenant":                   true,
					"tenant_information_location":  "jwt",
					"tenant_information_reference": "merchant.id",
					"reject_on_error":              false,
				},
			},
		},
	}

	return schema
}

// generateEnvironmentSchema generates schema for environment.yaml.
func (g *Generator) generateEnvironmentSchema() *jsonschema.Schema {
	schema := g.reflector.Reflect(&config.EnvironmentConfig{})
	g.processSchema(schema)

	schema.Title = "TokenGate Environment Configuration"
	schema.Description = "Static environment configuration that requires service restart to change.\n\n" +
		"This configuration includes listener, logging, masking, and config source settings.\n" +
		"Environment variables with the TOKENGATE_ prefix override file values.\n" +
		"All properties are marked as x-runtime-updatable: false."
	schema.ID = "https://github.com/your-org/tokengate/schemas/environment.schema.json"

	// Add x-runtime-updatable to root
	if schema.Extras == nil {
		schema.Extras = make(map[string]interface{})
	}
	schema.Extras["x-runtime-updatable"] = false

	return schema
}

// processSchema recursively processes schema definitions.
func (g *Generator) processSchema(schema *jsonschema.Schema) {
	if schema == nil {
		return
	}

	if schema.Definitions != nil {
		for _, def := range schema.Definitions {
			g.processSchemaProperties(def)
		}
	}

	g.processSchemaProperties(schema)
}

func (g *Generator) processSchemaProperties(schema *jsonschema.Schema) {
	if schema == nil || schema.Properties == nil {
		return
	}

	newProps := jsonschema.NewProperties()
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		key := pair.Key
		value := pair.Value

		snakeKey := toSnakeCase(key)
		newProps.Set(snakeKey, value)

		if value != nil {
			g.processSchemaProperties(value)
		}
	}
	schema.Properties = newProps

	if len(schema.Required) > 0 {
		newRequired := make([]string, len(schema.Required))
		for i, req := range schema.Required {
			newRequired[i] = toSnakeCase(req)
		}
		schema.Required = newRequired
	}
}

// postProcessJSON fixes PascalCase references in the JSON.
func (g *Generator) postProcessJSON(jsonStr string, schemaType SchemaType) string {
	var typeNames []string

	switch schemaType {
	case SchemaTypeRules:
		typeNames = rulesTypeNames()
	case SchemaTypeEnvironment:
		typeNames = environmentTypeNames()
	}

	result := jsonStr

	for _, name := range typeNames {
		snake := toSnakeCase(name)
		result = strings.ReplaceAll(result, `"#/$defs/`+name+`"`, `"#/$defs/`+snake+`"`)
		result = strings.ReplaceAll(result, `"`+name+`":`, `"`+snake+`":`)
	}

	// Handle external package types
	for qualified, snake := range map[string]string{
		"github.com/your-org/tokengate/pkg/logger.Config":              "logger_config",
		"github.com/your-org/tokengate/pkg/logger.SensitiveDataConfig": "sensitive_data_config",
		"github.com/your-org/tokengate/pkg/logger.PartialMaskConfig":   "partial_mask_config",
	} {
		result = strings.ReplaceAll(result, `"#/$defs/`+qualified+`"`, `"#/$defs/`+snake+`"`)
		result = strings.ReplaceAll(result, `"`+qualified+`":`, `"`+snake+`":`)
	}

	return result
}

func rulesTypeNames() []string {
	return []string{
		"RulesConfig", "UpstreamConfig", "UpstreamTLSConfig", "TokenizationRule",
	}
}

func environmentTypeNames() []string {
	return []string{
		"EnvironmentConfig", "EnvConfig", "ServerConfig", "HTTPServerConfig",
		"ManagementConfig", "AuditConfig", "ExportConfig", "StdoutExportConfig",
		"SignatureConfig", "RateLimitConfig", "CircuitBreakerConfig",
		"CredentialStoreConfig", "RedisConfig", "TenantVerificationConfig",
		"ConfigSourceSettings", "FileSourceSettings", "RemoteSourceSettings",
		"RemoteAuthSettings", "PollingSettings", "RetrySettings",
		"SensitiveDataConfig", "PartialMaskConfig", "Config",
	}
}

// toSnakeCase converts PascalCase/camelCase to snake_case.
// Handles special cases like IDs, URLs, acronym runs correctly.
func toSnakeCase(s string) string {
	// Special cases mapping
	special := map[string]string{
		"HTTPServerConfig": "http_server_config",
		"HTTPServer":       "http_server",
		"JWKSURL":          "jwks_url",
		"IAMServiceURL":    "iam_service_url",
		"JWKS":             "jwks",
		"TTL":              "ttl",
		"URL":              "url",
		"ID":               "id",
		"JWT":              "jwt",
		"DB":               "db",
	}

	// Check for special cases first
	if val, ok := special[s]; ok {
		return val
	}

	// Standard conversion
	var result strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			prev := rune(s[i-1])
			// Add underscore before uppercase if previous was lowercase
			// or if this starts a new word (uppercase followed by lowercase)
			if prev >= 'a' && prev <= 'z' {
				result.WriteByte('_')
			} else if i+1 < len(s) {
				next := rune(s[i+1])
				if next >= 'a' && next <= 'z' && prev >= 'A' && prev <= 'Z' {
					result.WriteByte('_')
				}
			}
		}
		if r >= 'A' && r <= 'Z' {
			result.WriteRune(r + 32) // toLower
		} else {
			result.WriteRune(r)
		}
	}

	return result.String()
}

// GetAvailableSchemas returns list of available schema types.
func GetAvailableSchemas() []SchemaType {
	return []SchemaType{
		SchemaTypeEnvironment,
		SchemaTypeRules,
	}
}

// ParseSchemaType parses a string to SchemaType.
func ParseSchemaType(s string) (SchemaType, bool) {
	switch strings.ToLower(s) {
	case "rules":
		return SchemaTypeRules, true
	case "environment":
		return SchemaTypeEnvironment, true
	default:
		return "", false
	}
}
