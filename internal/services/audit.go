package services

import (
	"context"
	"log/slog"

	"scriptgate/internal/abuse"
	"scriptgate/internal/clock"
	"scriptgate/internal/infrastructure"
	"scriptgate/internal/store"
	"scriptgate/pkg/contracts/domain"
)

// auditor appends security events and feeds anomalies to the guard.
// Failures here never change a protocol outcome; they are logged.
type auditor struct {
	events  store.AuditStore
	guard   *abuse.Guard
	metrics *infrastructure.ProtocolMetrics
	clock   clock.Clock
	logger  *slog.Logger
}

type incident struct {
	eventType string
	severity  domain.Severity
	clientID  string
	scriptID  string
	keyID     string
	details   map[string]string
	anomaly   abuse.Anomaly
}

func (a *auditor) record(ctx context.Context, in incident) {
	event := &domain.SecurityEvent{
		EventType: in.eventType,
		Severity:  in.severity,
		IPAddress: in.clientID,
		ScriptID:  in.scriptID,
		Details:   in.details,
		CreatedAt: a.clock.Now(),
	}
	if in.keyID != "" {
		keyID := in.keyID
		event.KeyID = &keyID
	}
	if err := a.events.RecordEvent(ctx, event); err != nil {
		a.logger.ErrorContext(ctx, "Failed to record security event",
			slog.String("event_type", in.eventType),
			slog.String("error", err.Error()))
	}
	infrastructure.Count(ctx, a.metrics.SecurityEvents, "type", in.eventType)

	if in.anomaly != "" {
		a.report(ctx, in.clientID, in.anomaly)
	}
}

func (a *auditor) report(ctx context.Context, clientID string, anomaly abuse.Anomaly) {
	if a.guard == nil || clientID == "" {
		return
	}
	if _, err := a.guard.ReportAnomaly(ctx, clientID, anomaly); err != nil {
		a.logger.WarnContext(ctx, "Failed to report anomaly",
			slog.String("anomaly", string(anomaly)),
			slog.String("error", err.Error()))
	}
}
