package config

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// RemoteConfigSource fetches rules from a remote HTTP service and polls it
// for changes. Polling is ETag aware: unchanged rules answer 304 and cost
// nothing to parse.
type RemoteConfigSource struct {
	settings RemoteSourceSettings
	log      *zap.Logger
	client   *http.Client

	version string
	etag    string
	mu      sync.RWMutex

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	updatesCh chan ConfigUpdate
}

// NewRemoteConfigSource creates a new remote configuration source.
func NewRemoteConfigSource(settings RemoteSourceSettings, log *zap.Logger) (*RemoteConfigSource, error) {
	if settings.Endpoint == "" {
		return nil, fmt.Errorf("remote config endpoint is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	client, err := createHTTPClient(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	// Set default path
	if settings.Path == "" {
		settings.Path = "/api/v1/configs/tokengate/rules"
	}

	// Set default polling settings
	if settings.Polling.Interval == 0 {
		settings.Polling.Interval = 30 * time.Second
	}
	if settings.Polling.Timeout == 0 {
		settings.Polling.Timeout = 10 * time.Second
	}
	if settings.Polling.Retry.MaxAttempts == 0 {
		settings.Polling.Retry.MaxAttempts = 3
	}
	if settings.Polling.Retry.Backoff == 0 {
		settings.Polling.Retry.Backoff = time.Second
	}
	if settings.Polling.Retry.MaxBackoff == 0 {
		settings.Polling.Retry.MaxBackoff = 30 * time.Second
	}

	return &RemoteConfigSource{
		settings:  settings,
		log:       log.Named("remote-config-source"),
		client:    client,
		updatesCh: make(chan ConfigUpdate, 10),
	}, nil
}

// Load fetches the rules from the remote service, retrying with backoff.
func (s *RemoteConfigSource) Load(ctx context.Context) (*RulesConfig, error) {
	var lastErr error
	backoff := s.settings.Polling.Retry.Backoff

	for attempt := 0; attempt <= s.settings.Polling.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			s.log.Info("retrying rules fetch",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > s.settings.Polling.Retry.MaxBackoff {
				backoff = s.settings.Polling.Retry.MaxBackoff
			}
		}

		// No ETag on an explicit load; a 304 without cached rules is useless.
		rules, version, etag, err := s.fetchRules(ctx, "")
		if err != nil {
			lastErr = err
			s.log.Warn("failed to fetch rules", zap.Error(err))
			continue
		}

		s.mu.Lock()
		s.version = version
		s.etag = etag
		s.mu.Unlock()

		s.log.Info("loaded rules from remote",
			zap.String("version", version),
			zap.Int("rules", len(rules.Rules)))

		return rules, nil
	}

	return nil, fmt.Errorf("failed to load rules after %d attempts: %w",
		s.settings.Polling.Retry.MaxAttempts, lastErr)
}

// Watch starts polling the remote service for rule changes.
func (s *RemoteConfigSource) Watch(ctx context.Context) (<-chan ConfigUpdate, error) {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return s.updatesCh, nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if !s.settings.Polling.Enabled {
		s.log.Info("remote polling is disabled")
		return nil, nil
	}

	go s.watchPolling()

	return s.updatesCh, nil
}

// watchPolling periodically checks the remote service for new rules.
func (s *RemoteConfigSource) watchPolling() {
	ticker := time.NewTicker(s.settings.Polling.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pollForUpdate()
		}
	}
}

// pollForUpdate fetches the rules conditionally and publishes an update
// when they changed.
func (s *RemoteConfigSource) pollForUpdate() {
	ctx, cancel := context.WithTimeout(s.ctx, s.settings.Polling.Timeout)
	defer cancel()

	s.mu.RLock()
	currentVersion := s.version
	currentETag := s.etag
	s.mu.RUnlock()

	rules, version, etag, err := s.fetchRules(ctx, currentETag)
	if err != nil {
		s.log.Warn("failed to poll rules", zap.Error(err))
		return
	}
	if rules == nil {
		// Not modified
		return
	}

	if version == currentVersion {
		return
	}

	s.mu.Lock()
	s.version = version
	s.etag = etag
	s.mu.Unlock()

	select {
	case s.updatesCh <- ConfigUpdate{
		Type:      ConfigTypeRules,
		Version:   version,
		Config:    rules,
		Timestamp: time.Now(),
		Source:    "polling",
	}:
		s.log.Info("rules update detected",
			zap.String("old_version", currentVersion),
			zap.String("new_version", version))
	default:
		s.log.Warn("update channel full, dropping poll update")
	}
}

// fetchRules performs one conditional GET. A nil *RulesConfig with a nil
// error means the server answered 304 Not Modified.
func (s *RemoteConfigSource) fetchRules(ctx context.Context, etag string) (*RulesConfig, string, string, error) {
	url := strings.TrimSuffix(s.settings.Endpoint, "/") + s.settings.Path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/yaml, application/json")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	s.addAuthHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, "", etag, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, "", "", fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to read response: %w", err)
	}

	newETag := resp.Header.Get("ETag")

	// Get version from header, falling back to the ETag
	version := resp.Header.Get("X-Config-Version")
	if version == "" {
		version = newETag
	}
	if version == "" {
		version = time.Now().Format(time.RFC3339)
	}

	rules, err := s.parseRules(body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to parse rules: %w", err)
	}

	return rules, version, newETag, nil
}

// parseRules parses a rules document. Parsing goes through viper for both
// formats so duration strings like "5s" unmarshal the same way they do
// from files.
func (s *RemoteConfigSource) parseRules(data []byte, contentType string) (*RulesConfig, error) {
	format := "yaml"
	if strings.Contains(contentType, "json") {
		format = "json"
	}

	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to read %s document: %w", format, err)
	}

	var rules RulesConfig
	if err := v.Unmarshal(&rules); err != nil {
		return nil, err
	}
	rules.Normalize()
	return &rules, nil
}

// addAuthHeaders adds authentication headers to request.
func (s *RemoteConfigSource) addAuthHeaders(req *http.Request) {
	auth := s.settings.Auth

	switch auth.Type {
	case "token":
		token := auth.Token
		if token == "" && auth.TokenFile != "" {
			if data, err := os.ReadFile(auth.TokenFile); err == nil {
				token = strings.TrimSpace(string(data))
			}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
}

// Close stops watching and releases resources.
func (s *RemoteConfigSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	close(s.updatesCh)
	s.log.Info("remote config source closed")
	return nil
}

// Version returns the version of the most recently loaded rules.
func (s *RemoteConfigSource) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// createHTTPClient creates an HTTP client with proper TLS configuration.
func createHTTPClient(settings RemoteSourceSettings) (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  false,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	// Configure TLS for mTLS authentication
	if settings.Auth.Type == "mtls" {
		tlsConfig := &tls.Config{}

		// Load client certificate
		if settings.Auth.ClientCert != "" && settings.Auth.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(settings.Auth.ClientCert, settings.Auth.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}

		// Load CA certificate
		if settings.Auth.CACert != "" {
			caCert, err := os.ReadFile(settings.Auth.CACert)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA certificate: %w", err)
			}
			caCertPool := x509.NewCertPool()
			if !caCertPool.AppendCertsFromPEM(caCert) {
				return nil, fmt.Errorf("failed to parse CA certificate")
			}
			tlsConfig.RootCAs = caCertPool
		}

		transport.TLSClientConfig = tlsConfig
	}

	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}, nil
}
