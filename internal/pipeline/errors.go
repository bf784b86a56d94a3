package pipeline

import (
	"fmt"
	"net/http"
	"time"

	"proofmint/internal/domain"
)

// Kind classifies a rejected submission for the caller.
type Kind string

// Rejection kinds.
const (
	KindInputError       Kind = "INPUT_ERROR"
	KindDuplicate        Kind = "DUPLICATE"
	KindCooldown         Kind = "COOLDOWN"
	KindForbiddenContent Kind = "FORBIDDEN_CONTENT"
	KindUpstreamFailure  Kind = "UPSTREAM_FAILURE"
	KindNoValue          Kind = "NO_VALUE"
	KindStorageError     Kind = "STORAGE_ERROR"
)

// HTTPStatus maps a kind to its response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInputError, KindForbiddenContent:
		return http.StatusBadRequest
	case KindDuplicate:
		return http.StatusConflict
	case KindCooldown:
		return http.StatusTooManyRequests
	case KindUpstreamFailure:
		return http.StatusBadGateway
	case KindNoValue:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Rejection is returned by Submit for every submission that did not mint.
// Message is safe to show to callers; Err carries the underlying cause for logs.
type Rejection struct {
	Kind         Kind
	Reason       domain.RejectReason // empty for input and storage errors
	Message      string
	RetryAfter   time.Duration // set for cooldown rejections
	SubmissionID string        // set when a ledger record was written
	Err          error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %s: %v", r.Code(), r.Message, r.Err)
	}
	return fmt.Sprintf("%s: %s", r.Code(), r.Message)
}

func (r *Rejection) Unwrap() error { return r.Err }

// Code is the machine-readable error code: the ledger reason when there is
// one, the kind otherwise.
func (r *Rejection) Code() string {
	if r.Reason != "" {
		return string(r.Reason)
	}
	return string(r.Kind)
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (r *Rejection) RetryAfterSeconds() int64 {
	if r.RetryAfter <= 0 {
		return 0
	}
	secs := int64(r.RetryAfter / time.Second)
	if r.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

func inputError(msg string, err error) *Rejection {
	return &Rejection{Kind: KindInputError, Message: msg, Err: err}
}

func storageError(msg string, err error) *Rejection {
	return &Rejection{Kind: KindStorageError, Message: msg, Err: err}
}

// kindFor maps a ledger reason to the rejection kind reported to callers.
func kindFor(reason domain.RejectReason) Kind {
	switch reason {
	case domain.ReasonDuplicate:
		return KindDuplicate
	case domain.ReasonCooldown:
		return KindCooldown
	case domain.ReasonForbiddenContent:
		return KindForbiddenContent
	case domain.ReasonZeroValue:
		return KindNoValue
	default:
		return KindUpstreamFailure
	}
}
