package help

import (
	"fmt"
	"strings"
)

// AppInfo contains application metadata.
type AppInfo struct {
	Name        string
	Description string
	Version     string
	BuildTime   string
	GitCommit   string
	DocsURL     string
}

// Generator generates help text for the application.
type Generator struct {
	appInfo      AppInfo
	envVarPrefix string
	envVars      []EnvVar
}

// NewGenerator creates a new help generator.
func NewGenerator(appInfo AppInfo, envVarPrefix string) *Generator {
	return &Generator{
		appInfo:      appInfo,
		envVarPrefix: envVarPrefix,
	}
}

// SetEnvVars sets the environment variables extracted from config.
func (g *Generator) SetEnvVars(vars []EnvVar) {
	g.envVars = vars
}

// ExtractEnvVars extracts environment variables from a config struct.
func (g *Generator) ExtractEnvVars(cfg interface{}) {
	extractor := NewEnvVarExtractor(g.envVarPrefix)
	g.envVars = extractor.Extract(cfg)
}

// PrintVersion prints version information.
func (g *Generator) PrintVersion() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s %s\n", g.appInfo.Name, g.appInfo.Version))
	sb.WriteString(fmt.Sprintf("  Build time: %s\n", g.appInfo.BuildTime))
	sb.WriteString(fmt.Sprintf("  Git commit: %s\n", g.appInfo.GitCommit))
	return sb.String()
}

// PrintUsage prints basic usage information.
func (g *Generator) PrintUsage() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Usage: %s [OPTIONS]\n\n", g.appInfo.Name))
	sb.WriteString(fmt.Sprintf("%s\n\n", g.appInfo.Description))
	sb.WriteString("Options:\n")
	sb.WriteString("  See below for available flags.\n\n")
	sb.WriteString("Use --help for detailed configuration documentation\n")
	return sb.String()
}

// PrintEnvVars prints only the environment variables documentation.
func (g *Generator) PrintEnvVars() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("\n%s - Environment Variables\n", strings.ToUpper(g.appInfo.Name)))
	sb.WriteString(strings.Repeat("=", 80) + "\n\n")

	sb.WriteString(fmt.Sprintf("Prefix: %s\n", g.envVarPrefix))
	sb.WriteString(fmt.Sprintf("Total variables: %d\n\n", len(g.envVars)))

	sb.WriteString("Pattern: " + g.envVarPrefix + "_<SECTION>_<SUBSECTION>_<KEY>\n\n")

	sb.WriteString("Notes:\n")
	sb.WriteString("  - All keys are converted to UPPER_SNAKE_CASE\n")
	sb.WriteString("  - Nested keys use underscore as separator\n")
	sb.WriteString("  - Boolean values: true, false, 1, 0\n")
	sb.WriteString("  - Duration values: 10s, 5m, 1h, 100ms\n\n")

	sb.WriteString(strings.Repeat("-", 80) + "\n")

	// Grouped env vars
	if len(g.envVars) > 0 {
		sb.WriteString(FormatEnvVarsGrouped(g.envVars))
	}

	return sb.String()
}

// PrintExtendedHelp prints detailed help with all configuration options.
func (g *Generator) PrintExtendedHelp() string {
	var sb strings.Builder

	// Header
	sb.WriteString(g.header())
	sb.WriteString("\n")

	// Description section
	sb.WriteString("DESCRIPTION\n")
	sb.WriteString(fmt.Sprintf("    %s\n\n", g.appInfo.Description))

	// Usage section
	sb.WriteString("USAGE\n")
	sb.WriteString(fmt.Sprintf("    %s [OPTIONS]\n\n", g.appInfo.Name))

	// Options section
	sb.WriteString("OPTIONS\n")
	sb.WriteString(g.optionsSection())
	sb.WriteString("\n")

	// Separator
	sb.WriteString(g.separator())

	// Configuration methods section
	sb.WriteString("CONFIGURATION METHODS\n\n")
	sb.WriteString(g.configMethodsSection())
	sb.WriteString("\n")

	// Separator
	sb.WriteString(g.separator())

	// Environment variables section (brief)
	sb.WriteString("ENVIRONMENT VARIABLES\n\n")
	sb.WriteString("    Pattern: " + g.envVarPrefix + "_<SECTION>_<SUBSECTION>_<KEY>\n\n")
	sb.WriteString("    Notes:\n")
	sb.WriteString("    - All keys are converted to UPPER_SNAKE_CASE\n")
	sb.WriteString("    - Nested keys use underscore as separator\n")
	sb.WriteString("    - Boolean values: true, false, 1, 0\n")
	sb.WriteString("    - Duration values: 10s, 5m, 1h, 100ms\n\n")
	sb.WriteString(fmt.Sprintf("    Use --help-env to see all %d environment variables with descriptions.\n\n", len(g.envVars)))

	// Separator
	sb.WriteString(g.separator())

	// Secrets management section
	sb.WriteString("SECRETS MANAGEMENT\n\n")
	sb.WriteString(g.secretsSection())
	sb.WriteString("\n")

	// Separator
	sb.WriteString(g.separator())

	// Request flow section
	sb.WriteString("REQUEST FLOW\n\n")
	sb.WriteString(g.requestFlowSection())
	sb.WriteString("\n")

	// Separator
	sb.WriteString(g.separator())

	// Tokenization rules section
	sb.WriteString("TOKENIZATION RULES\n\n")
	sb.WriteString(g.rulesSection())
	sb.WriteString("\n")

	// Separator
	sb.WriteString(g.separator())

	// JSON Schema generation section
	sb.WriteString("JSON SCHEMA GENERATION\n\n")
	sb.WriteString(g.schemaGenerationSection())
	sb.WriteString("\n")

	// Separator
	sb.WriteString(g.separator())

	// Examples section
	sb.WriteString("EXAMPLES\n\n")
	sb.WriteString(g.examplesSection())
	sb.WriteString("\n")

	// Separator
	sb.WriteString(g.separator())

	// Files and signals section
	sb.WriteString("FILES\n\n")
	sb.WriteString(g.filesSection())
	sb.WriteString("\n")

	sb.WriteString("SIGNALS\n\n")
	sb.WriteString("    SIGTERM, SIGINT           Graceful shutdown (configurable timeout)\n\n")

	sb.WriteString("MANAGEMENT ENDPOINTS\n\n")
	sb.WriteString("    GET /healthz              Liveness probe\n")
	sb.WriteString("    GET /readyz               Readiness probe\n")
	sb.WriteString("    GET /metrics              Prometheus metrics\n")
	sb.WriteString("    GET /server_info          Build, uptime, and config versions\n")
	sb.WriteString("    GET /config_dump          Running configuration with secrets masked\n")
	sb.WriteString("    GET/POST /logging         Read or change the log level at runtime\n")
	sb.WriteString("    GET /schema/config        JSON schema for the environment config\n")
	sb.WriteString("    POST /drain               Mark not-ready ahead of shutdown\n\n")

	// Separator
	sb.WriteString(g.separator())

	// Version section
	sb.WriteString("VERSION\n")
	sb.WriteString(fmt.Sprintf("    %s (%s)\n", g.appInfo.Version, g.appInfo.GitCommit))
	sb.WriteString(fmt.Sprintf("    Built: %s\n\n", g.appInfo.BuildTime))

	sb.WriteString("DOCUMENTATION\n")
	sb.WriteString(fmt.Sprintf("    %s\n\n", g.appInfo.DocsURL))

	return sb.String()
}

// header generates the header box.
func (g *Generator) header() string {
	width := 80
	title := strings.ToUpper(g.appInfo.Name)
	subtitle := g.appInfo.Description

	// Truncate if needed
	if len(subtitle) > width-4 {
		subtitle = subtitle[:width-7] + "..."
	}

	var sb strings.Builder
	sb.WriteString("\n")

	// Top border
	sb.WriteString("+" + strings.Repeat("-", width-2) + "+\n")

	// Title centered
	titlePadding := (width - 2 - len(title)) / 2
	sb.WriteString("|" + strings.Repeat(" ", titlePadding) + title + strings.Repeat(" ", width-2-titlePadding-len(title)) + "|\n")

	// Subtitle centered
	subtitlePadding := (width - 2 - len(subtitle)) / 2
	sb.WriteString("|" + strings.Repeat(" ", subtitlePadding) + subtitle + strings.Repeat(" ", width-2-subtitlePadding-len(subtitle)) + "|\n")

	// Bottom border
	sb.WriteString("+" + strings.Repeat("-", width-2) + "+\n")

	return sb.String()
}

// separator generates a section separator line.
func (g *Generator) separator() string {
	return strings.Repeat("-", 80) + "\n\n"
}

// optionsSection generates the options section.
func (g *Generator) optionsSection() string {
	return `    --config <path>       Path to environment YAML configuration file
    --version             Show version information
    --help, -h            Show this help message
    --help-env            Show all environment variables with descriptions
    --schema <type>       Generate JSON Schema (environment, rules)
    --schema-output <file> Output file for schema (default: stdout)
    --validate            Validate configuration and exit
`
}

// configMethodsSection generates the configuration methods section.
func (g *Generator) configMethodsSection() string {
	return fmt.Sprintf(`    Configuration can be provided through multiple sources (in order of priority):

    1. COMMAND LINE FLAGS
       Highest priority. Override all other configuration.

       Example:
         %s --config /etc/tokengate/environment.yaml

    2. ENVIRONMENT VARIABLES
       Middle priority. Override config file values.

       Pattern: %s_<SECTION>_<SUBSECTION>_<KEY>

       Examples:
         %s_SERVER_HTTP_ADDR=:8080
         %s_SERVER_HTTP_READ_TIMEOUT=30s
         %s_MANAGEMENT_ADDR=:15020
         %s_CREDENTIAL_STORE_TYPE=redis
         %s_RATE_LIMIT_ENABLED=true
         %s_LOGGING_LEVEL=debug

    3. CONFIGURATION FILE (YAML)
       Lowest priority. Base configuration.

       Default paths searched:
         ./environment.yaml
         ./configs/environment.yaml
         /etc/tokengate/environment.yaml

    Tokenization rules live in a separate file (config_source.file.rules_path,
    default /etc/tokengate/rules.yaml) and are hot reloaded on change.
`, g.appInfo.Name, g.envVarPrefix, g.envVarPrefix, g.envVarPrefix, g.envVarPrefix, g.envVarPrefix, g.envVarPrefix, g.envVarPrefix)
}

// requestFlowSection generates the request flow section.
func (g *Generator) requestFlowSection() string {
	return `    Every request passes through the gateway on its way to the backend:

        Client -> ` + g.appInfo.Name + ` -> Backend
                      |
                      +-> Tokenization Service (matched requests only)

    1. The request URI is tested against the rules, first match wins.
    2. The PCI object is read from the body at intercept_object_key.
    3. The tenant is resolved (headers, body, or JWT claim).
    4. An OAuth2 client-credentials token is fetched and cached per realm.
    5. The PCI object is exchanged for a token, the body is rewritten,
       and the request is forwarded upstream with an x-trace-id header.

    Requests that match no rule, or carry no PCI object, pass through
    byte for byte.
`
}

// rulesSection generates the tokenization rules section.
func (g *Generator) rulesSection() string {
	return `    Rules are an ordered list in rules.yaml. Each rule names:

      intercept_path_pattern_list   URI regexes that select requests
      intercept_object_key          Dotted path of the PCI object in the body
      token_service_endpoint        Tokenization exchange endpoint
      iam_service_url               OAuth2 token endpoint for service credentials
      tenant_information_location   Where the tenant lives (headers, body, jwt)
      reject_on_error               true rejects with 400 when the exchange
                                    reports a business error, false strips the
                                    PCI object and forwards with an errorObject

    GraphQL endpoints set is_graphql_request and list the operation names
    that should be intercepted in graphql_operation_names.
`
}

// schemaGenerationSection generates the JSON schema generation section.
func (g *Generator) schemaGenerationSection() string {
	return fmt.Sprintf(`    Generate JSON schemas for IDE autocomplete and validation:

    # Generate environment config schema
    %s --schema environment > environment.schema.json

    # Generate rules schema
    %s --schema rules > rules.schema.json

    # Write to specific file
    %s --schema environment --schema-output /etc/tokengate/environment.schema.json

    Use in YAML files (VS Code, JetBrains):
    # yaml-language-server: $schema=./environment.schema.json
`, g.appInfo.Name, g.appInfo.Name, g.appInfo.Name)
}

// examplesSection generates the examples section.
func (g *Generator) examplesSection() string {
	return fmt.Sprintf(`    # Start with config file
    %s --config /etc/tokengate/environment.yaml

    # Validate configuration
    %s --config environment.yaml --validate

    # Override with environment variables
    %s_SERVER_HTTP_ADDR=:9090 \
    %s_LOGGING_LEVEL=debug \
    %s --config environment.yaml

    # Generate schemas
    %s --schema environment > environment.schema.json
    %s --schema rules > rules.schema.json

    # Docker with environment variables
    docker run -e %s_SERVER_HTTP_ADDR=:8080 \
               -e %s_CONFIG_SOURCE_FILE_RULES_PATH=/etc/tokengate/rules.yaml \
               %s:latest
`, g.appInfo.Name, g.appInfo.Name, g.envVarPrefix, g.envVarPrefix, g.appInfo.Name,
		g.appInfo.Name, g.appInfo.Name, g.envVarPrefix, g.envVarPrefix, g.appInfo.Name)
}

// filesSection generates the files section.
func (g *Generator) filesSection() string {
	return `    /etc/tokengate/environment.yaml    Environment configuration
    /etc/tokengate/rules.yaml          Tokenization rules (hot reloaded)
`
}

// secretsSection generates the secrets management section.
func (g *Generator) secretsSection() string {
	return fmt.Sprintf(`    NEVER store secrets in configuration files! Use environment variables instead.

    SENSITIVE ENVIRONMENT VARIABLES:

    Redis (credential store):
      %s_CREDENTIAL_STORE_REDIS_PASSWORD   Redis password for the token cache

    Redis (rate limiting):
      %s_RATE_LIMIT_REDIS_PASSWORD         Redis password for rate limiting

    Request signatures:
      %s_SIGNATURE_SECRETS                 HMAC secrets accepted on inbound requests

    Tokenization service credentials (token_service_auth_secret) belong in
    rules.yaml. Deliver that file through a secret mount or the remote config
    source, never bake it into an image.

    SECURITY BEST PRACTICES:

    1. Use Kubernetes secrets mounted as env vars:
       env:
         - name: %s_CREDENTIAL_STORE_REDIS_PASSWORD
           valueFrom:
             secretKeyRef:
               name: tokengate-secrets
               key: redis-password

    2. Mount rules.yaml from a Kubernetes secret or sealed secret

    3. Use HashiCorp Vault or similar secret managers

    4. Rotate secrets regularly and monitor for unauthorized access
`, g.envVarPrefix, g.envVarPrefix, g.envVarPrefix, g.envVarPrefix)
}
