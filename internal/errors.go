package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies errors so callers can decide whether to retry, degrade to a
// cached tier, or surface the failure.
type Kind uint8

const (
	KindNone Kind = iota

	// KindUpstreamUnreachable covers network, DNS and TLS failures, plus 5xx
	// responses. Retryable.
	KindUpstreamUnreachable

	// KindUpstreamBlocked means we detected an interception challenge page.
	// Not retryable; the operator needs to rotate the egress path.
	KindUpstreamBlocked

	// KindUpstreamRateLimited is a 429 (or equivalent). Retryable after the
	// limiter widens.
	KindUpstreamRateLimited

	// KindUpstreamInvalid means the response parsed but failed validation:
	// empty chapter list, truncated content, missing required fields.
	KindUpstreamInvalid

	// KindStoreBusy is transient write contention in the durable store.
	KindStoreBusy

	// KindStoreFatal is a schema-level or otherwise terminal store error.
	KindStoreFatal

	// KindNotFound means the resource is absent upstream and in the store.
	KindNotFound

	// KindCancelled is cooperative cancellation.
	KindCancelled

	// KindConflict means a mutation raced with an owning component's
	// in-flight operation, e.g. force-resync while a sync is active.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindUpstreamUnreachable:
		return "upstream_unreachable"
	case KindUpstreamBlocked:
		return "upstream_blocked"
	case KindUpstreamRateLimited:
		return "upstream_rate_limited"
	case KindUpstreamInvalid:
		return "upstream_invalid"
	case KindStoreBusy:
		return "store_busy"
	case KindStoreFatal:
		return "store_fatal"
	case KindNotFound:
		return "not_found"
	case KindCancelled:
		return "cancelled"
	case KindConflict:
		return "conflict"
	}
	return "unknown"
}

type kindErr struct {
	kind Kind
	err  error
}

func (e *kindErr) Error() string { return e.err.Error() }

func (e *kindErr) Unwrap() error { return e.err }

// Is allows errors.Is comparisons against another kinded error, so sentinel
// values like errNotFound match any error of the same kind.
func (e *kindErr) Is(target error) bool {
	var k *kindErr
	if errors.As(target, &k) {
		return k.kind == e.kind
	}
	return false
}

// Errf creates a new error of the given kind.
func Errf(kind Kind, format string, args ...any) error {
	return &kindErr{kind: kind, err: fmt.Errorf(format, args...)}
}

// WithKind wraps err with a kind while preserving the original chain.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindErr{kind: kind, err: err}
}

// KindOf walks the error chain and returns the first recognized kind.
// Context cancellation is folded into KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var k *kindErr
	if errors.As(err, &k) {
		return k.kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindNone
}

var errNotFound = Errf(KindNotFound, "not found")

// statusErr wraps an upstream HTTP status so it can be propagated verbatim.
type statusErr int

func (s statusErr) Error() string { return fmt.Sprintf("upstream status %d", int(s)) }

// Status returns the underlying HTTP status code.
func (s statusErr) Status() int { return int(s) }

// statusFor maps the error taxonomy to the status code we serve.
func statusFor(err error) int {
	switch KindOf(err) {
	case KindNone:
		return http.StatusInternalServerError
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamBlocked, KindUpstreamRateLimited:
		return http.StatusServiceUnavailable
	case KindUpstreamUnreachable:
		return http.StatusBadGateway
	case KindUpstreamInvalid:
		return http.StatusBadGateway
	case KindStoreBusy:
		return http.StatusServiceUnavailable
	case KindStoreFatal:
		return http.StatusInternalServerError
	case KindCancelled:
		return 499 // Client closed request, nginx-style.
	case KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// retryable reports whether a fetch attempt with this error is worth
// repeating.
func retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamUnreachable, KindUpstreamRateLimited, KindStoreBusy:
		return true
	}
	return false
}
