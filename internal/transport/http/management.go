package http

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/your-org/tokengate/internal/config"
	"github.com/your-org/tokengate/internal/schema"
	"github.com/your-org/tokengate/pkg/httputil"
	"github.com/your-org/tokengate/pkg/logger"
)

// BuildInfo contains build-time information.
type BuildInfo struct {
	Version   string
	BuildTime string
	GitCommit string
}

// AppInfo exposes running application state to the management endpoints.
type AppInfo interface {
	// Health reports per-component readiness checks.
	Health(ctx context.Context) map[string]CheckResult
	// RuleCount is the number of active interception rules.
	RuleCount() int
	// Upstream is the current proxy target.
	Upstream() string
	// BreakerStates lists circuit breaker states by outbound target.
	BreakerStates() map[string]string
}

// ManagementServer serves operational endpoints on a dedicated listener:
// health probes, Prometheus metrics, config introspection, runtime log
// level, and pprof. It is never exposed to gateway traffic.
type ManagementServer struct {
	httpServer *http.Server

	cfg       config.ManagementConfig
	loader    *config.Loader
	app       AppInfo
	buildInfo BuildInfo
	masker    *logger.SensitiveMasker
	log       *zap.Logger

	draining  atomic.Bool
	startTime time.Time
}

// NewManagementServer creates the management server with all endpoints
// registered.
func NewManagementServer(
	cfg config.ManagementConfig,
	loader *config.Loader,
	app AppInfo,
	buildInfo BuildInfo,
	log *zap.Logger,
) *ManagementServer {
	if log == nil {
		log = logger.Named("management")
	}

	// The config dump always masks secrets, even when log masking is off.
	maskCfg := logger.DefaultSensitiveDataConfig()
	if loader != nil {
		if env := loader.GetEnvironment(); env != nil {
			maskCfg = env.SensitiveData
		}
	}
	maskCfg.Enabled = true

	m := &ManagementServer{
		cfg:       cfg,
		loader:    loader,
		app:       app,
		buildInfo: buildInfo,
		masker:    logger.NewSensitiveMasker(maskCfg),
		log:       log,
		startTime: time.Now(),
	}

	r := chi.NewRouter()

	// Minimal middleware for the management listener
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", m.handleRoot)
	r.Get("/help", m.handleRoot)
	r.Get("/healthz", m.handleHealthz)
	r.Get("/readyz", m.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/server_info", m.handleServerInfo)
	r.Get("/config_dump", m.handleConfigDump)
	r.Get("/logging", m.handleLoggingGet)
	r.Post("/logging", m.handleLoggingPost)
	r.Get("/schema/config", m.handleSchemaConfig)
	r.Post("/drain", m.handleDrain)
	r.Mount("/debug", middleware.Profiler())

	m.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second, // pprof profiles run long
		IdleTimeout:  120 * time.Second,
	}

	return m
}

// Handler exposes the assembled router, mainly for tests.
func (m *ManagementServer) Handler() http.Handler {
	return m.httpServer.Handler
}

// Start starts the management server.
func (m *ManagementServer) Start() error {
	m.log.Info("starting management listener",
		zap.String("addr", m.cfg.Addr),
	)

	if err := m.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the management server.
func (m *ManagementServer) Shutdown(ctx context.Context) error {
	m.log.Info("shutting down management listener")
	return m.httpServer.Shutdown(ctx)
}

// SetDraining flips the drain flag. While draining, /readyz reports 503 so
// load balancers stop routing new traffic; /healthz stays green.
func (m *ManagementServer) SetDraining(draining bool) {
	m.draining.Store(draining)
}

// IsDraining returns true if the server is in drain mode.
func (m *ManagementServer) IsDraining() bool {
	return m.draining.Load()
}

// handleRoot handles GET / - shows available endpoints.
func (m *ManagementServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	help := `<!DOCTYPE html>
<html>
<head><title>Tokengate Management</title></head>
<body>
<h1>Tokengate Management Interface</h1>
<h2>Available Endpoints</h2>
<ul>
  <li><a href="/healthz">/healthz</a> - Liveness probe</li>
  <li><a href="/readyz">/readyz</a> - Readiness with component checks</li>
  <li><a href="/metrics">/metrics</a> - Prometheus metrics</li>
  <li><a href="/server_info">/server_info</a> - Version, uptime, rules, breakers</li>
  <li><a href="/config_dump">/config_dump</a> - Active configuration (YAML, secrets masked)</li>
  <li><a href="/logging">/logging</a> - Log level (GET/POST)</li>
  <li><a href="/schema/config">/schema/config</a> - Config JSON schema</li>
  <li><a href="/debug/pprof/">/debug/pprof/</a> - Profiling</li>
</ul>
<h2>Actions</h2>
<ul>
  <li>POST /drain - Start graceful drain</li>
  <li>POST /logging?level=debug - Change log level</li>
</ul>
<h2>Query Parameters</h2>
<ul>
  <li>/config_dump?resource=environment - Filter by resource type</li>
  <li>/config_dump?resource=rules</li>
  <li>/schema/config?type=rules - Rules file schema (default: environment)</li>
</ul>
</body>
</html>`
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(help))
}

// handleHealthz handles GET /healthz. Liveness only: the process is up and
// serving. Draining does not affect it.
func (m *ManagementServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteText(w, http.StatusOK, "ok")
}

// handleReadyz handles GET /readyz.
func (m *ManagementServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ready",
		Checks:    map[string]CheckResult{},
		Timestamp: time.Now().UTC(),
	}

	if m.draining.Load() {
		resp.Status = "draining"
		httputil.WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	status := http.StatusOK
	if m.app != nil {
		resp.Checks = m.app.Health(r.Context())
		for _, check := range resp.Checks {
			if check.Status != CheckStatusOK {
				resp.Status = "unhealthy"
				status = http.StatusServiceUnavailable
				break
			}
		}
	}

	httputil.WriteJSON(w, status, resp)
}

// handleServerInfo handles GET /server_info.
func (m *ManagementServer) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()

	resp := ServerInfoResponse{
		Version:   m.buildInfo.Version,
		BuildTime: m.buildInfo.BuildTime,
		GitCommit: m.buildInfo.GitCommit,
		GoVersion: runtime.Version(),
		StartTime: m.startTime,
		Uptime:    time.Since(m.startTime).Round(time.Second).String(),
		Hostname:  hostname,
		State:     "LIVE",
	}
	if m.draining.Load() {
		resp.State = "DRAINING"
	}

	if m.loader != nil {
		if env := m.loader.GetEnvironment(); env != nil {
			resp.Environment = env.Env.Name
			resp.Region = env.Env.Region
		}
		resp.ConfigVersion = m.loader.GetConfigVersion()
	}

	if m.app != nil {
		resp.Rules = m.app.RuleCount()
		resp.Upstream = m.app.Upstream()
		resp.Breakers = m.app.BreakerStates()
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}

// handleConfigDump handles GET /config_dump. The active configuration is
// rendered as YAML with values under sensitive keys masked.
func (m *ManagementServer) handleConfigDump(w http.ResponseWriter, r *http.Request) {
	resource := strings.ToLower(r.URL.Query().Get("resource"))

	docs := map[string]any{}

	if m.loader != nil {
		var err error
		switch resource {
		case "environment":
			docs["environment"], err = m.maskedTree(m.loader.GetEnvironment())
		case "rules":
			docs["rules"], err = m.maskedTree(m.loader.GetRules())
		case "", "all":
			if docs["environment"], err = m.maskedTree(m.loader.GetEnvironment()); err == nil {
				docs["rules"], err = m.maskedTree(m.loader.GetRules())
			}
		default:
			httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{
				"error":           "invalid resource type",
				"valid_resources": "environment, rules",
			})
			return
		}
		if err != nil {
			m.log.Error("config dump failed", zap.Error(err))
			httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to render configuration",
			})
			return
		}
	}

	out, err := yaml.Marshal(docs)
	if err != nil {
		m.log.Error("config dump failed", zap.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to render configuration",
		})
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// maskedTree renders a config struct to a generic YAML tree and masks every
// value that sits under a sensitive key.
func (m *ManagementServer) maskedTree(v any) (any, error) {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return nil, err
	}

	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}

	return m.maskNode(tree, false), nil
}

// maskNode walks a decoded YAML tree. Once a sensitive key is seen, every
// string underneath it is masked, so secret lists and nested blocks are
// covered too.
func (m *ManagementServer) maskNode(node any, sensitive bool) any {
	switch v := node.(type) {
	case map[string]any:
		for key, val := range v {
			v[key] = m.maskNode(val, sensitive || m.masker.IsSensitiveField(key))
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = m.maskNode(item, sensitive)
		}
		return v
	case string:
		if sensitive {
			return m.masker.MaskString(v)
		}
		return v
	default:
		return node
	}
}

// handleLoggingGet handles GET /logging.
func (m *ManagementServer) handleLoggingGet(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, LoggingResponse{
		Level: logger.GetLevel(),
	})
}

// handleLoggingPost handles POST /logging. The level comes from the query
// parameter when present, otherwise from a JSON body.
func (m *ManagementServer) handleLoggingPost(w http.ResponseWriter, r *http.Request) {
	level := r.URL.Query().Get("level")

	if level == "" {
		var req LoggingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			level = req.Level
		}
	}

	if level == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error":        "level is required",
			"valid_levels": "debug, info, warn, error",
		})
		return
	}

	if err := logger.SetLevel(level); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{
			"error":        "invalid log level",
			"valid_levels": "debug, info, warn, error",
		})
		return
	}

	m.log.Info("log level changed", zap.String("level", level))

	httputil.WriteJSON(w, http.StatusOK, LoggingResponse{
		Level: logger.GetLevel(),
	})
}

// handleSchemaConfig handles GET /schema/config.
func (m *ManagementServer) handleSchemaConfig(w http.ResponseWriter, r *http.Request) {
	schemaType := schema.SchemaTypeEnvironment
	if q := r.URL.Query().Get("type"); q != "" {
		parsed, ok := schema.ParseSchemaType(q)
		if !ok {
			httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{
				"error":       "unknown schema type: " + q,
				"valid_types": "environment, rules",
			})
			return
		}
		schemaType = parsed
	}

	out, err := schema.NewGenerator().Generate(schemaType)
	if err != nil {
		m.log.Error("schema generation failed", zap.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to generate schema",
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// handleDrain handles POST /drain.
func (m *ManagementServer) handleDrain(w http.ResponseWriter, r *http.Request) {
	if m.draining.Load() {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "draining",
			"message": "already draining",
		})
		return
	}

	m.draining.Store(true)
	m.log.Info("drain mode activated")

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "draining",
		"message": "drain mode activated, readiness now reports unavailable",
	})
}
