package model

import "time"

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelBlock Level = "block"
)

// Reasons recorded on security events and returned in 429 bodies.
const (
	ReasonBlocked            = "Blocked IP (rate limit / suspicious)"
	ReasonRateLimit          = "Rate limit exceeded"
	ReasonSuspicious         = "Too many suspicious requests"
	ReasonLoginFailed        = "Failed admin login"
	ReasonLoginSuccess       = "Admin login success"
	ReasonUnauthorizedAccess = "Unauthorized admin access"
)

// SecurityEvent is immutable once recorded.
type SecurityEvent struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	ClientAddress string    `json:"client_address"`
	RequestPath   string    `json:"request_path"`
	Reason        string    `json:"reason"`
	Level         Level     `json:"level"`
}

type Decision struct {
	Admitted bool   `json:"admitted"`
	Reason   string `json:"reason,omitempty"`
}

func Admitted() Decision {
	return Decision{Admitted: true}
}

func Blocked(reason string) Decision {
	return Decision{Reason: reason}
}

type ClientStat struct {
	ClientAddress   string    `json:"client_address"`
	RequestCount    int       `json:"request_count"`
	SuspiciousCount int       `json:"suspicious_count"`
	WindowStart     time.Time `json:"window_start"`
	BlockedUntil    time.Time `json:"blocked_until,omitzero"`
	Blocked         bool      `json:"blocked"`
}

type Task struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Done  bool   `json:"done"`
}
