package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ConfigSource supplies the dynamic rules configuration.
// It supports both initial loading and watching for changes.
type ConfigSource interface {
	// Load loads the current rules configuration.
	Load(ctx context.Context) (*RulesConfig, error)

	// Watch starts watching for configuration changes.
	// Returns a channel that receives updates when the rules change.
	Watch(ctx context.Context) (<-chan ConfigUpdate, error)

	// Close stops watching and releases resources.
	Close() error

	// Version returns the version of the most recently loaded rules.
	Version() string
}

// =============================================================================
// File Config Source
// =============================================================================

// FileConfigSource loads rules from a local file and reloads on change.
type FileConfigSource struct {
	settings FileSourceSettings
	log      *zap.Logger
	watcher  *fsnotify.Watcher
	version  string
	mu       sync.RWMutex
	closed   bool
	closeCh  chan struct{}
}

// NewFileConfigSource creates a new file-based configuration source.
func NewFileConfigSource(settings FileSourceSettings, log *zap.Logger) (*FileConfigSource, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if settings.RulesPath == "" {
		return nil, fmt.Errorf("rules path not configured")
	}

	source := &FileConfigSource{
		settings: settings,
		log:      log.Named("file-config-source"),
		closeCh:  make(chan struct{}),
	}

	return source, nil
}

// Load reads and parses the rules file. The file may be YAML or JSON;
// viper picks the format from the extension.
func (s *FileConfigSource) Load(ctx context.Context) (*RulesConfig, error) {
	path := s.settings.RulesPath

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat rules file %s: %w", path, err)
	}

	// Use modification time as version
	version := info.ModTime().Format(time.RFC3339Nano)

	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}

	var rules RulesConfig
	if err := v.Unmarshal(&rules); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rules config: %w", err)
	}
	rules.Normalize()
	if rules.Version == "" {
		rules.Version = version
	}

	s.mu.Lock()
	s.version = version
	s.mu.Unlock()

	s.log.Info("loaded rules from file",
		zap.String("path", path),
		zap.String("version", version),
		zap.Int("rules", len(rules.Rules)))

	return &rules, nil
}

// Watch starts watching the rules file for changes.
func (s *FileConfigSource) Watch(ctx context.Context) (<-chan ConfigUpdate, error) {
	if !s.settings.WatchEnabled {
		s.log.Info("file watching is disabled")
		return nil, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	updates := make(chan ConfigUpdate, 10)

	// Watch the directory containing the file (for atomic writes)
	dir := filepath.Dir(s.settings.RulesPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	s.log.Info("watching rules file", zap.String("path", s.settings.RulesPath))

	go s.watchLoop(ctx, watcher, updates)

	return updates, nil
}

func (s *FileConfigSource) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, updates chan<- ConfigUpdate) {
	defer close(updates)

	// Debounce timer to avoid multiple reloads for the same save
	var (
		debounceMu    sync.Mutex
		debounceTimer *time.Timer
	)

	rulesAbs, _ := filepath.Abs(s.settings.RulesPath)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("stopping file watcher due to context cancellation")
			return

		case <-s.closeCh:
			s.log.Info("stopping file watcher due to close")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			// Only events for the rules file matter; the directory watch
			// also reports sibling files and editor temp files.
			absPath, _ := filepath.Abs(event.Name)
			if event.Name != s.settings.RulesPath && absPath != rulesAbs {
				continue
			}

			// Only handle write/create events
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			debounceMu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(100*time.Millisecond, func() {
				s.handleFileChange(ctx, updates)
			})
			debounceMu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Error("file watcher error", zap.Error(err))
		}
	}
}

func (s *FileConfigSource) handleFileChange(ctx context.Context, updates chan<- ConfigUpdate) {
	rules, err := s.Load(ctx)
	if err != nil {
		s.log.Error("failed to reload rules", zap.Error(err))
		return
	}

	update := ConfigUpdate{
		Type:      ConfigTypeRules,
		Version:   s.Version(),
		Config:    rules,
		Timestamp: time.Now(),
		Source:    "file",
	}

	select {
	case updates <- update:
		s.log.Info("rules update sent", zap.String("version", update.Version))
	case <-ctx.Done():
		return
	default:
		s.log.Warn("rules update channel full, dropping update")
	}
}

// Close stops watching and releases resources.
func (s *FileConfigSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	close(s.closeCh)

	if s.watcher != nil {
		return s.watcher.Close()
	}

	return nil
}

// Version returns the version of the most recently loaded rules.
func (s *FileConfigSource) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
