package domain

import "time"

// Severity grades a security event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Security event types
const (
	EventInvalidSignature  = "invalid_signature"
	EventIPMismatch        = "ip_mismatch"
	EventTokenReuse        = "token_reuse"
	EventHWIDMismatch      = "hwid_mismatch"
	EventBannedKeyProbe    = "banned_key_probe"
	EventUnknownKeyProbe   = "unknown_key_probe"
	EventRateLimited       = "rate_limited"
	EventReplay            = "replay"
	EventIPBlocked         = "ip_blocked"
	EventNonExecutorClient = "non_executor_client"
	EventDelivery          = "delivery"
	EventPaymentActivated  = "payment_activated"
)

// SecurityEvent is an append-only audit record.
type SecurityEvent struct {
	ID        int64             `json:"id" db:"id"`
	EventType string            `json:"event_type" db:"event_type"`
	Severity  Severity          `json:"severity" db:"severity"`
	IPAddress string            `json:"ip_address" db:"ip_address"`
	ScriptID  string            `json:"script_id,omitempty" db:"script_id"`
	KeyID     *string           `json:"key_id,omitempty" db:"key_id"`
	Details   map[string]string `json:"details,omitempty" db:"details"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// CDNNode is a delivery node. Health is maintained by an external monitor.
type CDNNode struct {
	ID          string `json:"id" yaml:"id"`
	Region      string `json:"region" yaml:"region"`
	URL         string `json:"url" yaml:"url"`
	HealthScore int    `json:"healthScore" yaml:"health_score"`
}
