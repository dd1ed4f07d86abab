package fault

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
)

// KindForStatus maps an HTTP response status onto the kind set.
func KindForStatus(code int) Kind {
	switch {
	case code == 401 || code == 403:
		return KindAuth
	case code == 408:
		return KindTimeout
	case code == 429:
		return KindServer
	case code >= 500:
		return KindServer
	case code >= 400:
		return KindConfig
	default:
		return KindUnknown
	}
}

// Classify maps a raw error onto the kind set. Structured signals
// (typed errors, net.Error) win; message matching is the last tier.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	var ue *url.Error
	if errors.As(err, &ue) {
		return KindNetwork
	}
	var de *net.DNSError
	if errors.As(err, &de) {
		return KindNetwork
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return KindNetwork
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timed out") || strings.Contains(s, "timeout"):
		return KindTimeout
	case strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "no such host") ||
		strings.Contains(s, "network is unreachable") ||
		strings.Contains(s, "broken pipe"):
		return KindNetwork
	case strings.Contains(s, "unauthorized") || strings.Contains(s, "forbidden"):
		return KindAuth
	case strings.Contains(s, "not configured") ||
		strings.Contains(s, "misconfigured") ||
		strings.Contains(s, "configuration") ||
		strings.Contains(s, "validation failed"):
		return KindConfig
	case strings.Contains(s, "corrupt") ||
		strings.Contains(s, "storage") ||
		strings.Contains(s, "database"):
		return KindCache
	default:
		return KindUnknown
	}
}

// From normalizes an arbitrary error into a classified one. Errors that
// already carry a classification pass through unchanged.
func From(err error, op, serverID string) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Wrap(err, Classify(err), op, serverID, err.Error())
}
