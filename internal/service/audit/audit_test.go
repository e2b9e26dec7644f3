package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/tokengate/internal/config"
	"github.com/your-org/tokengate/internal/domain"
)

// =============================================================================
// Service Tests
// =============================================================================

func TestNewService(t *testing.T) {
	cfg := config.AuditConfig{
		Enabled: true,
		Events:  []string{"TOKENIZATION_SUCCESS", "TOKENIZATION_FAILURE"},
		Export: config.ExportConfig{
			Stdout: config.StdoutExportConfig{
				Enabled: true,
				Format:  "json",
			},
		},
	}

	svc := NewService(cfg, zap.NewNop())

	require.NotNil(t, svc)
	assert.True(t, svc.enabled)
	assert.Len(t, svc.enabledEvents, 2)
	assert.Len(t, svc.exporters, 1)
}

func TestNewService_Disabled(t *testing.T) {
	svc := NewService(config.AuditConfig{Enabled: false}, zap.NewNop())

	require.NotNil(t, svc)
	assert.False(t, svc.enabled)
}

func TestNewService_NoExporters(t *testing.T) {
	cfg := config.AuditConfig{
		Enabled: true,
		Events:  []string{"TOKENIZATION_SUCCESS"},
	}

	svc := NewService(cfg, zap.NewNop())

	require.NotNil(t, svc)
	assert.Empty(t, svc.exporters)
}

func TestService_StartAndStop(t *testing.T) {
	cfg := config.AuditConfig{
		Enabled: true,
		Export: config.ExportConfig{
			Stdout: config.StdoutExportConfig{Enabled: true, Format: "json"},
		},
	}
	svc := NewService(cfg, zap.NewNop())

	assert.NoError(t, svc.Start(context.Background()))
	assert.NoError(t, svc.Stop())
}

func TestService_Record_Disabled(t *testing.T) {
	svc := NewService(config.AuditConfig{Enabled: false}, zap.NewNop())
	mock := &mockExporter{name: "mock"}
	svc.exporters = []Exporter{mock}

	svc.Record(context.Background(), domain.NewAuditEvent(domain.AuditEventTokenizationSuccess))

	assert.Empty(t, mock.exported)
}

func TestService_Record_EventTypeNotEnabled(t *testing.T) {
	cfg := config.AuditConfig{
		Enabled: true,
		Events:  []string{"CREDENTIAL_REFRESH"},
	}
	svc := NewService(cfg, zap.NewNop())
	mock := &mockExporter{name: "mock"}
	svc.exporters = []Exporter{mock}

	svc.Record(context.Background(), domain.NewAuditEvent(domain.AuditEventTokenizationSuccess))
	svc.Record(context.Background(), domain.NewAuditEvent(domain.AuditEventCredentialRefresh))

	require.Len(t, mock.exported, 1)
	assert.Equal(t, domain.AuditEventCredentialRefresh, mock.exported[0].EventType)
}

// An empty event filter exports every event type.
func TestService_Record_EmptyFilterExportsAll(t *testing.T) {
	svc := NewService(config.AuditConfig{Enabled: true}, zap.NewNop())
	mock := &mockExporter{name: "mock"}
	svc.exporters = []Exporter{mock}

	svc.Record(context.Background(), domain.NewAuditEvent(domain.AuditEventTokenizationSuccess))
	svc.Record(context.Background(), domain.NewAuditEvent(domain.AuditEventProtocolViolation))

	assert.Len(t, mock.exported, 2)
}

func TestService_Record_SetsEventID(t *testing.T) {
	svc := NewService(config.AuditConfig{Enabled: true}, zap.NewNop())

	event := domain.NewAuditEvent(domain.AuditEventTokenizationSuccess)
	event.EventID = ""

	svc.Record(context.Background(), event)

	assert.NotEmpty(t, event.EventID)
}

func TestService_Record_KeepsExistingEventID(t *testing.T) {
	svc := NewService(config.AuditConfig{Enabled: true}, zap.NewNop())

	event := domain.NewAuditEvent(domain.AuditEventTokenizationSuccess)
	event.EventID = "evt-1"

	svc.Record(context.Background(), event)

	assert.Equal(t, "evt-1", event.EventID)
}

func TestService_Record_SetsTimestamp(t *testing.T) {
	svc := NewService(config.AuditConfig{Enabled: true}, zap.NewNop())

	event := domain.NewAuditEvent(domain.AuditEventTokenizationSuccess)
	event.Timestamp = time.Time{}

	svc.Record(context.Background(), event)

	assert.False(t, event.Timestamp.IsZero())
}

func TestService_Record_NilEvent(t *testing.T) {
	svc := NewService(config.AuditConfig{Enabled: true}, zap.NewNop())

	// Should not panic
	svc.Record(context.Background(), nil)
}

// =============================================================================
// StdoutExporter Tests
// =============================================================================

func TestNewStdoutExporter(t *testing.T) {
	exp := NewStdoutExporter(config.StdoutExportConfig{Enabled: true, Format: "json"}, zap.NewNop())

	require.NotNil(t, exp)
	assert.Equal(t, "json", exp.format)
}

func TestStdoutExporter_Name(t *testing.T) {
	exp := NewStdoutExporter(config.StdoutExportConfig{}, zap.NewNop())

	assert.Equal(t, "stdout", exp.Name())
}

func TestStdoutExporter_Close(t *testing.T) {
	exp := NewStdoutExporter(config.StdoutExportConfig{}, zap.NewNop())

	assert.NoError(t, exp.Close())
}

func TestStdoutExporter_Export_JSON(t *testing.T) {
	exp := NewStdoutExporter(config.StdoutExportConfig{Format: "json"}, zap.NewNop())

	event := domain.NewAuditEvent(domain.AuditEventTokenizationSuccess)
	event.EventID = "test-id"
	event.Tenant = domain.AuditTenant{Type: "guid", Value: "t-1"}

	assert.NoError(t, exp.Export(context.Background(), event))
}

func TestStdoutExporter_Export_Text(t *testing.T) {
	exp := NewStdoutExporter(config.StdoutExportConfig{Format: "text"}, zap.NewNop())

	event := domain.NewAuditEvent(domain.AuditEventBusinessError)
	event.EventID = "test-id"
	event.Tenant = domain.AuditTenant{Type: "string", Value: "acme"}
	event.Rule = domain.AuditRule{Pattern: "/v1/payments.*"}
	event.Outcome = domain.AuditOutcome{Forwarded: false, ErrorCode: "CARD_EXPIRED"}

	assert.NoError(t, exp.Export(context.Background(), event))
}

// =============================================================================
// Mock Exporter for Testing
// =============================================================================

type mockExporter struct {
	name      string
	exported  []*domain.AuditEvent
	closeErr  error
	exportErr error
}

func (m *mockExporter) Export(ctx context.Context, event *domain.AuditEvent) error {
	if m.exportErr != nil {
		return m.exportErr
	}
	m.exported = append(m.exported, event)
	return nil
}

func (m *mockExporter) Name() string {
	return m.name
}

func (m *mockExporter) Close() error {
	return m.closeErr
}

func TestService_Record_ExporterError(t *testing.T) {
	svc := NewService(config.AuditConfig{Enabled: true}, zap.NewNop())

	// Replace with failing mock
	mock := &mockExporter{name: "mock", exportErr: assert.AnError}
	svc.exporters = []Exporter{mock}

	// Should not panic even with error
	svc.Record(context.Background(), domain.NewAuditEvent(domain.AuditEventTokenizationFailure))
}

func TestService_Stop_ExporterError(t *testing.T) {
	svc := NewService(config.AuditConfig{Enabled: true}, zap.NewNop())

	// Replace with failing mock
	mock := &mockExporter{name: "mock", closeErr: assert.AnError}
	svc.exporters = []Exporter{mock}

	// Should not fail, just log warning
	assert.NoError(t, svc.Stop())
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkService_Record(b *testing.B) {
	cfg := config.AuditConfig{
		Enabled: true,
		Events:  []string{"TOKENIZATION_SUCCESS"},
	}
	svc := NewService(cfg, zap.NewNop())
	ctx := context.Background()

	event := domain.NewAuditEvent(domain.AuditEventTokenizationSuccess)
	event.EventID = "bench-event"
	event.Timestamp = time.Now()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		svc.Record(ctx, event)
	}
}

func BenchmarkStdoutExporter_Export_JSON(b *testing.B) {
	exp := NewStdoutExporter(config.StdoutExportConfig{Format: "json"}, zap.NewNop())
	ctx := context.Background()

	event := domain.NewAuditEvent(domain.AuditEventTokenizationSuccess)
	event.EventID = "bench-event"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		exp.Export(ctx, event)
	}
}
