package permission

import "errors"

var (
	// ErrInvalidSchema is returned when a grants document does not match
	// the grants schema.
	ErrInvalidSchema = errors.New("permission: invalid schema")

	// ErrLoadFailed is returned when a grants document cannot be read or
	// downloaded.
	ErrLoadFailed = errors.New("permission: load failed")
)
