package errors

// ErrorCode represents a machine-readable error identifier for client error handling.
type ErrorCode string

// Validation errors: malformed input, missing fields, out-of-range values.
const (
	ErrCodeMissingField ErrorCode = "missing_field"
	ErrCodeInvalidField ErrorCode = "invalid_field"
	ErrCodeInvalidLimit ErrorCode = "invalid_limit"
)

// Auth errors: missing/invalid credential.
const (
	ErrCodeMissingAPIKey   ErrorCode = "missing_api_key"
	ErrCodeInvalidAPIKey   ErrorCode = "invalid_api_key"
	ErrCodeInvalidAdminKey ErrorCode = "invalid_admin_key"
	ErrCodeInvalidClient   ErrorCode = "invalid_client"
	ErrCodeInvalidToken    ErrorCode = "invalid_token"
)

// Policy denial reasons, surfaced through Gate decisions as JSON-RPC -32402.
const (
	ErrCodeInsufficientCredits ErrorCode = "insufficient_credits"
	ErrCodeRateLimited         ErrorCode = "rate_limited"
	ErrCodeQuotaExceeded       ErrorCode = "quota_exceeded"
	ErrCodeToolNotAllowed      ErrorCode = "tool_not_allowed"
	ErrCodeIPNotAllowed        ErrorCode = "ip_not_allowed"
	ErrCodeKeySuspended        ErrorCode = "key_suspended"
	ErrCodeKeyExpired          ErrorCode = "key_expired"
	ErrCodeSpendingLimit       ErrorCode = "spending_limit"
	ErrCodeRevoked             ErrorCode = "revoked"
	ErrCodeUnknownKey          ErrorCode = "unknown_key"
)

// Resource errors.
const (
	ErrCodeKeyNotFound     ErrorCode = "key_not_found"
	ErrCodeGroupNotFound   ErrorCode = "group_not_found"
	ErrCodeSessionNotFound ErrorCode = "session_not_found"
	ErrCodeFilterNotFound  ErrorCode = "filter_not_found"
	ErrCodeClientNotFound  ErrorCode = "client_not_found"
)

// Conflict errors.
const (
	ErrCodeDuplicateName  ErrorCode = "duplicate_name"
	ErrCodeDuplicateAlias ErrorCode = "duplicate_alias"
	ErrCodeMaxKeysReached ErrorCode = "max_keys_reached"
)

// Rate-limit / throttling errors on public endpoints.
const (
	ErrCodePublicRateLimited ErrorCode = "public_rate_limited"
)

// Upstream / internal errors.
const (
	ErrCodeUpstreamError ErrorCode = "upstream_error"
	ErrCodeInternalError ErrorCode = "internal_error"
)

// IsRetryable returns whether an error code represents a transient condition
// worth retrying.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeUpstreamError, ErrCodePublicRateLimited, ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the HTTP status code this error maps to for plain HTTP
// endpoints. JSON-RPC responses carry their own numeric code instead; see
// package jsonrpc.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeMissingField, ErrCodeInvalidField, ErrCodeInvalidLimit,
		ErrCodeDuplicateName, ErrCodeDuplicateAlias:
		return 400

	case ErrCodeMaxKeysReached:
		return 409

	case ErrCodeMissingAPIKey, ErrCodeInvalidAPIKey, ErrCodeInvalidAdminKey,
		ErrCodeInvalidClient, ErrCodeInvalidToken:
		return 401

	case ErrCodeKeyNotFound, ErrCodeGroupNotFound, ErrCodeSessionNotFound,
		ErrCodeFilterNotFound, ErrCodeClientNotFound:
		return 404

	case ErrCodePublicRateLimited:
		return 429

	case ErrCodeUpstreamError:
		return 502

	case ErrCodeInsufficientCredits, ErrCodeRateLimited, ErrCodeQuotaExceeded,
		ErrCodeToolNotAllowed, ErrCodeIPNotAllowed, ErrCodeKeySuspended,
		ErrCodeKeyExpired, ErrCodeSpendingLimit, ErrCodeRevoked, ErrCodeUnknownKey:
		// Policy denials on the JSON-RPC surface are carried in a 200 + -32402
		// envelope (see pkg/jsonrpc); this mapping only matters when a
		// PolicyDenial is surfaced on a plain HTTP admin/self-service path.
		return 403

	default:
		return 500
	}
}
