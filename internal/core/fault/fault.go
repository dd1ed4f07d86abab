package fault

import (
	"fmt"
	"time"
)

// Kind classifies a failure. The set is closed: every error the engine
// surfaces carries exactly one of these.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindAuth       Kind = "auth"
	KindServer     Kind = "server"
	KindConfig     Kind = "config"
	KindCache      Kind = "cache"
	KindValidation Kind = "validation"
	KindUnknown    Kind = "unknown"
)

// Severity ranks how strongly a failure should surface to the user.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is the classified failure every engine operation surfaces.
type Error struct {
	Kind       Kind      `json:"kind"`
	Severity   Severity  `json:"severity"`
	Op         string    `json:"op"`
	ServerID   string    `json:"server_id,omitempty"`
	Message    string    `json:"message"`
	Suggestion string    `json:"suggestion"`
	Retryable  bool      `json:"retryable"`
	Timestamp  time.Time `json:"timestamp"`
	Cause      error     `json:"-"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Message)
	if e.ServerID != "" {
		msg = fmt.Sprintf("%s: server %s: %s", e.Op, e.ServerID, e.Message)
	}
	// Classified raw errors carry the cause's text as their message;
	// appending the cause again would print it twice.
	if e.Cause != nil && e.Cause.Error() != e.Message {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error with kind-derived severity, retryability
// and user suggestion.
func New(kind Kind, op, serverID, message string) *Error {
	return &Error{
		Kind:       kind,
		Severity:   SeverityFor(kind, false),
		Op:         op,
		ServerID:   serverID,
		Message:    message,
		Suggestion: SuggestionFor(kind),
		Retryable:  IsRetryable(kind),
		Timestamp:  time.Now(),
	}
}

// Wrap classifies and wraps an underlying cause.
func Wrap(err error, kind Kind, op, serverID, message string) *Error {
	e := New(kind, op, serverID, message)
	e.Cause = err
	return e
}

// Elevate recomputes severity for the switching context, where auth,
// config and server failures rank higher.
func (e *Error) Elevate() *Error {
	e.Severity = SeverityFor(e.Kind, true)
	return e
}

// SeverityFor maps a kind to its severity. Switching elevates auth to
// critical and config/server/validation to high.
func SeverityFor(kind Kind, switching bool) Severity {
	if switching {
		switch kind {
		case KindAuth:
			return SeverityCritical
		case KindConfig, KindServer, KindValidation:
			return SeverityHigh
		}
	}
	switch kind {
	case KindNetwork, KindTimeout:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// IsRetryable reports whether failures of this kind are transient.
func IsRetryable(kind Kind) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindServer, KindCache:
		return true
	default:
		return false
	}
}

// SuggestionFor returns the user-facing next step for a kind.
func SuggestionFor(kind Kind) string {
	switch kind {
	case KindNetwork:
		return "Check the device's WiFi connection and try again."
	case KindTimeout:
		return "The server is slow to respond. Try again shortly."
	case KindAuth:
		return "Sign in again to refresh your credentials."
	case KindServer:
		return "The server reported a problem. Try again or pick another server."
	case KindConfig:
		return "Review the server profile settings."
	case KindCache:
		return "Clear the local cache from settings if this persists."
	case KindValidation:
		return "Correct the reported profile fields."
	default:
		return "Try again. Contact support if the problem persists."
	}
}
