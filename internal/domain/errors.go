package domain

import "errors"

// Sentinel errors the persistence port and engine use to classify failures
// per spec.md §7's error taxonomy. Handlers map these to HTTP status codes
// and error kind strings (see internal/handler/errors.go); callers
// elsewhere should compare with errors.Is, never string matching.
var (
	// ErrNotFound means a referenced conversation or message doesn't exist,
	// or doesn't belong to the calling user. HTTP 404, conversation_not_found.
	ErrNotFound = errors.New("not found")

	// ErrConflict means an optimistic-lock or uniqueness check failed (a
	// stale seq, a duplicate title). HTTP 409, seq_mismatch/not_last_message.
	ErrConflict = errors.New("conflict")

	// ErrValidation means the request itself is malformed. HTTP 400,
	// invalid_request_error.
	ErrValidation = errors.New("validation error")

	// ErrUnauthorized means the caller isn't authenticated.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means the caller is authenticated but doesn't own the
	// resource.
	ErrForbidden = errors.New("forbidden")

	// ErrLimitExceeded means a persistence-enforced quota (messages per
	// conversation, conversations per session) was hit. HTTP 429.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrAbort marks a turn that ended because the client disconnected or
	// the caller cancelled its context, distinguishing that from a genuine
	// upstream failure.
	ErrAbort = errors.New("aborted")

	// ErrInvalidConfig means the engine's own configuration rules out the
	// requested turn (e.g. a zero iteration cap). HTTP 400, invalid_config.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrInvalidPreviousResponse means the provider rejected the
	// previous_response_id the request carried. Handled internally: the
	// orchestrator rebuilds the request from full history and reissues once.
	ErrInvalidPreviousResponse = errors.New("invalid previous_response_id")

	// ErrUpstream wraps a non-retryable provider failure. HTTP 502,
	// upstream_error.
	ErrUpstream = errors.New("upstream error")
)
