// Package auth authenticates station operators for the HTTP API.
//
// Operators are declared in config.yaml with an Argon2id password hash.
// A successful login returns a short-lived HS256 JWT whose subject is the
// operator's HWM user ID; that ID is what the permission grants and the
// session schedule refer to. Admin operators may also reload grants and
// override device status.
package auth
