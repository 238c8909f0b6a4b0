package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/astralis-ai/astralis/internal/provider"
	"github.com/astralis-ai/astralis/internal/quota"
)

// Kind classifies a gateway failure for callers.
type Kind int

// Kind constants enumerate the gateway failure taxonomy.
const (
	// KindUnknown marks an unclassified failure.
	KindUnknown Kind = iota
	// KindConfiguration marks a missing entitlement or comparable setup
	// fault. Fatal and not retryable.
	KindConfiguration
	// KindQuotaExceeded marks a request or token limit reached under the
	// active cap mode.
	KindQuotaExceeded
	// KindTokenBudgetExceeded marks a pre-flight estimate exceeding the
	// remaining token budget.
	KindTokenBudgetExceeded
	// KindProviderRateLimited marks a transient provider 429.
	KindProviderRateLimited
	// KindProviderAuth marks a provider credential failure on the service
	// side.
	KindProviderAuth
	// KindProviderInvalid marks a malformed or disallowed request.
	KindProviderInvalid
	// KindStreamAborted marks caller-initiated cancellation.
	KindStreamAborted
	// KindTransport marks network or timeout failures.
	KindTransport
)

// String returns a stable identifier for the kind.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration_error"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindTokenBudgetExceeded:
		return "token_budget_exceeded"
	case KindProviderRateLimited:
		return "provider_rate_limited"
	case KindProviderAuth:
		return "provider_auth_failure"
	case KindProviderInvalid:
		return "provider_request_invalid"
	case KindStreamAborted:
		return "stream_aborted"
	case KindTransport:
		return "transport_error"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by the gateway. Quota carries
// remaining-quota and reset-time information for quota kinds.
type Error struct {
	Kind    Kind
	Message string
	Quota   *quota.CheckResult
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("gateway: %s", e.Kind)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from an error chain.
func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindUnknown
}

// classifyProviderError translates provider-level failures into the
// taxonomy. Caller-initiated cancellation maps to StreamAborted.
func classifyProviderError(err error) *Error {
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindStreamAborted, Message: "request canceled", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransport, Message: "provider timeout", Err: err}
	}

	var statusErr *provider.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return &Error{Kind: KindProviderRateLimited, Message: statusErr.Message, Err: err}
		case statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden:
			return &Error{Kind: KindProviderAuth, Message: statusErr.Message, Err: err}
		case statusErr.StatusCode >= 400 && statusErr.StatusCode < 500:
			return &Error{Kind: KindProviderInvalid, Message: statusErr.Message, Err: err}
		}
		return &Error{Kind: KindTransport, Message: statusErr.Message, Err: err}
	}

	return &Error{Kind: KindTransport, Message: err.Error(), Err: err}
}
