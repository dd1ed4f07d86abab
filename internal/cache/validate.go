package cache

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/wardline/failover/internal/core/domain"
)

var validate *validator.Validate

var serverIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

func init() {
	validate = validator.New()
	validate.RegisterValidation("server_id", func(fl validator.FieldLevel) bool {
		return serverIDPattern.MatchString(fl.Field().String())
	})
	validate.RegisterValidation("http_url", func(fl validator.FieldLevel) bool {
		return wellFormedURL(fl.Field().String(), "http", "https")
	})
	validate.RegisterValidation("ws_url", func(fl validator.FieldLevel) bool {
		return wellFormedURL(fl.Field().String(), "ws", "wss")
	})
}

func wellFormedURL(s string, schemes ...string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme {
			return true
		}
	}
	return false
}

// ValidateNow structurally validates a profile without touching the
// cache. Out-of-range timeout and retry settings produce warnings, not
// errors; so does an unencrypted base URL on a non-loopback host.
func ValidateNow(profile *domain.ServerProfile) *domain.ValidationResult {
	result := &domain.ValidationResult{Valid: true}

	if err := validate.Struct(profile); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			result.Valid = false
			for _, fe := range errs {
				result.Errors = append(result.Errors, fieldMessage(fe))
			}
		} else {
			result.Valid = false
			result.Errors = append(result.Errors, err.Error())
		}
	}

	if unencryptedRemote(profile.BaseURL) {
		result.Warnings = append(result.Warnings,
			"base_url is plain http on a non-loopback host; credentials transit unencrypted")
	}
	if profile.Timeout != 0 && (profile.Timeout < time.Second || profile.Timeout > 2*time.Minute) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("timeout %s outside the recommended 1s-2m range", profile.Timeout))
	}
	if profile.RetryAttempts > 10 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("retry_attempts %d above the recommended ceiling of 10", profile.RetryAttempts))
	}

	return result
}

// unencryptedRemote reports whether the URL is plain http to a host
// other than localhost.
func unencryptedRemote(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "http" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return false
	}
	return true
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "server_id":
		return "ID must be lowercase letters, digits, dot, dash or underscore"
	case "http_url":
		return fmt.Sprintf("%s must be a well-formed http(s):// URL", fe.Field())
	case "ws_url":
		return fmt.Sprintf("%s must be a well-formed ws(s):// URL", fe.Field())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s needs at least %s entry", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
