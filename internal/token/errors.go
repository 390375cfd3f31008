package token

import "errors"

// Validation failures are collapsed to these sentinels so callers can pick a
// user-facing response (prompt re-login vs. plain reject) without seeing
// library internals. None of them is retryable.
var (
	// ErrTokenExpired indicates a well-formed token past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidSignature indicates the signature did not verify under the
	// secret for the claimed role class.
	ErrInvalidSignature = errors.New("invalid token signature")

	// ErrMalformedToken indicates the input is not a parseable token.
	ErrMalformedToken = errors.New("malformed token")

	// ErrUnknownRole indicates the token carries a role the issuer has no
	// secret for.
	ErrUnknownRole = errors.New("unknown role claim")

	// ErrForbidden indicates a valid token whose role does not satisfy the
	// required tier.
	ErrForbidden = errors.New("role does not satisfy requirement")
)
