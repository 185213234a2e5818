package auth

import "errors"

var (
	// ErrInvalidCredentials is returned for an unknown user or a wrong password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrTokenInvalid is returned for a token that fails signature, expiry
	// or claim checks.
	ErrTokenInvalid = errors.New("auth: invalid token")

	// ErrInvalidHash is returned when a stored password hash is not an
	// Argon2id PHC string.
	ErrInvalidHash = errors.New("auth: invalid password hash")

	// ErrDuplicateOperator is returned when two operators share a username.
	ErrDuplicateOperator = errors.New("auth: duplicate operator")
)
