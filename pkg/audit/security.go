// Package audit provides security audit logging for SIEM consumption.
// It logs security-relevant events in structured JSON format for easy parsing
// and integration with security information and event management systems.
package audit

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/mirage/pkg/logging"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventInjectionAttempt is logged when libinjection detects SQL
	// injection or XSS patterns in the inbound request text.
	EventInjectionAttempt SecurityEventType = "injection_attempt"
	// EventFramingAnomaly is logged when the engine emits a malformed
	// status line or no framed response at all.
	EventFramingAnomaly SecurityEventType = "framing_anomaly"
	// EventRequestServed is logged per request for audit trail (optional, can be high volume).
	EventRequestServed SecurityEventType = "request_served"
)

// SecurityEvent represents an auditable security event with all relevant context
// for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType SecurityEventType `json:"event_type"`
	SessionID string            `json:"session_id,omitempty"`
	ClientIP  string            `json:"client_ip,omitempty"`
	Method    string            `json:"method,omitempty"`
	Path      string            `json:"path,omitempty"`
	Details   any               `json:"details"`
	Severity  string            `json:"severity"` // info, warning, critical
}

// SecurityAuditor logs security events for SIEM consumption. Since every
// inbound request is handed to the engine as raw text, injection findings
// here are advisory: they flag hostile traffic for analysis, they do not
// block it.
type SecurityAuditor struct {
	logger  *zap.Logger
	enabled bool
}

// NewSecurityAuditor creates a security auditor with a dedicated logger
// namespace for easy filtering in SIEM systems. When disabled, every
// method is a no-op.
func NewSecurityAuditor(logger *zap.Logger, enabled bool) *SecurityAuditor {
	return &SecurityAuditor{
		logger:  logger.Named("security_audit"),
		enabled: enabled,
	}
}

// LogInjectionAttempt records findings from scanning the inbound request
// text. Logged at ERROR level with "critical" severity for immediate
// alerting.
func (a *SecurityAuditor) LogInjectionAttempt(sessionID, clientIP, method, path string, findings []Finding) {
	if !a.enabled || len(findings) == 0 {
		return
	}

	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventInjectionAttempt,
		SessionID: sessionID,
		ClientIP:  clientIP,
		Method:    method,
		Path:      path,
		Details:   findings,
		Severity:  "critical",
	}

	// Marshaling known types should never fail
	eventJSON, _ := json.Marshal(event)

	a.logger.Error("Injection attempt detected",
		zap.String("event_json", string(eventJSON)),
		zap.String("session_id", sessionID),
		zap.String("client_ip", clientIP),
		zap.Int("findings", len(findings)),
		zap.String("first_fingerprint", findings[0].Fingerprint),
		zap.String("severity", "critical"),
	)
}

// LogFramingAnomaly records a malformed or missing response frame from
// the engine. Logged at WARN level; the transcoder has already degraded
// gracefully by the time this fires.
func (a *SecurityAuditor) LogFramingAnomaly(sessionID, clientIP, method, path, detail string) {
	if !a.enabled {
		return
	}

	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventFramingAnomaly,
		SessionID: sessionID,
		ClientIP:  clientIP,
		Method:    method,
		Path:      path,
		Details:   map[string]string{"detail": detail},
		Severity:  "warning",
	}

	eventJSON, _ := json.Marshal(event)

	a.logger.Warn("Response framing anomaly",
		zap.String("event_json", string(eventJSON)),
		zap.String("session_id", sessionID),
		zap.String("detail", detail),
		zap.String("severity", "warning"),
	)
}

// LogRequestServed records one served request for the audit trail.
// Logged at INFO level. Note: this generates one line per request.
func (a *SecurityAuditor) LogRequestServed(sessionID, clientIP, method, path string, status int, rawRequest string) {
	if !a.enabled {
		return
	}

	event := SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventRequestServed,
		SessionID: sessionID,
		ClientIP:  clientIP,
		Method:    method,
		Path:      path,
		Details: map[string]any{
			"status": status,
			"request_excerpt": logging.TruncateString(
				logging.SanitizeRequestText(rawRequest), logging.MaxBodyLogLength),
		},
		Severity: "info",
	}

	eventJSON, _ := json.Marshal(event)

	a.logger.Info("Request served",
		zap.String("event_json", string(eventJSON)),
		zap.String("session_id", sessionID),
		zap.Int("status", status),
		zap.String("severity", "info"),
	)
}
