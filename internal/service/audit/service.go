package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
	"github.com/your-org/tokengate/internal/domain"
	"github.com/your-org/tokengate/pkg/logger"
)

// Exporter defines the interface for audit event exporters.
type Exporter interface {
	// Export exports an audit event.
	Export(ctx context.Context, event *domain.AuditEvent) error

	// Name returns the exporter name.
	Name() string

	// Close closes the exporter.
	Close() error
}

// Service fans audit events out to the configured exporters. It is the
// audit sink for the interception pipeline and the credential cache.
type Service struct {
	exporters     []Exporter
	enabledEvents map[domain.AuditEventType]bool
	enabled       bool
	log           *zap.Logger
}

// NewService creates a new audit service.
func NewService(cfg config.AuditConfig, log *zap.Logger) *Service {
	if log == nil {
		log = logger.Named("audit")
	}

	s := &Service{
		enabledEvents: make(map[domain.AuditEventType]bool),
		enabled:       cfg.Enabled,
		log:           log,
	}

	// An empty event list exports everything.
	for _, event := range cfg.Events {
		s.enabledEvents[domain.AuditEventType(event)] = true
	}

	if cfg.Export.Stdout.Enabled {
		s.exporters = append(s.exporters, NewStdoutExporter(cfg.Export.Stdout, log))
	}

	return s
}

// Start initializes the audit service.
func (s *Service) Start(ctx context.Context) error {
	s.log.Info("audit service started",
		zap.Bool("enabled", s.enabled),
		zap.Int("exporters", len(s.exporters)),
	)
	return nil
}

// Stop shuts down the audit service.
func (s *Service) Stop() error {
	for _, exp := range s.exporters {
		if err := exp.Close(); err != nil {
			s.log.Warn("error closing exporter",
				zap.String("exporter", exp.Name()),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Record exports an audit event to all configured exporters. Events that
// lack an ID or timestamp get them assigned here.
func (s *Service) Record(ctx context.Context, event *domain.AuditEvent) {
	if !s.enabled || event == nil {
		return
	}

	if len(s.enabledEvents) > 0 && !s.enabledEvents[event.EventType] {
		return
	}

	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	for _, exp := range s.exporters {
		if err := exp.Export(ctx, event); err != nil {
			s.log.Warn("failed to export audit event",
				zap.String("exporter", exp.Name()),
				zap.String("event_type", string(event.EventType)),
				zap.Error(err),
			)
		}
	}
}

// StdoutExporter exports audit events as structured log entries.
type StdoutExporter struct {
	format string
	log    *zap.Logger
}

// NewStdoutExporter creates a new stdout exporter.
func NewStdoutExporter(cfg config.StdoutExportConfig, log *zap.Logger) *StdoutExporter {
	if log == nil {
		log = logger.Named("audit")
	}
	return &StdoutExporter{
		format: cfg.Format,
		log:    log,
	}
}

// Export exports an event to stdout.
func (e *StdoutExporter) Export(ctx context.Context, event *domain.AuditEvent) error {
	if e.format == "json" {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		e.log.Info("audit",
			zap.String("event_type", string(event.EventType)),
			zap.Any("data", json.RawMessage(data)),
		)
	} else {
		e.log.Info("audit",
			zap.String("event_type", string(event.EventType)),
			zap.String("event_id", event.EventID),
			zap.String("tenant", event.Tenant.Value),
			zap.String("pattern", event.Rule.Pattern),
			zap.Bool("forwarded", event.Outcome.Forwarded),
			zap.String("error_code", event.Outcome.ErrorCode),
		)
	}
	return nil
}

// Name returns the exporter name.
func (e *StdoutExporter) Name() string {
	return "stdout"
}

// Close closes the exporter.
func (e *StdoutExporter) Close() error {
	return nil
}
