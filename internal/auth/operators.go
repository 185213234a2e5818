package auth

import (
	"fmt"
	"sync"
	"time"
)

// Operator is an API login.
type Operator struct {
	Username     string
	UserID       string // defaults to Username
	PasswordHash string
	Admin        bool
}

// Authenticator checks operator logins and issues tokens.
type Authenticator struct {
	issuer    *Issuer
	operators map[string]Operator

	dummyOnce sync.Once
	dummyHash string
}

// NewAuthenticator indexes operators by username.
func NewAuthenticator(issuer *Issuer, operators []Operator) (*Authenticator, error) {
	a := &Authenticator{issuer: issuer, operators: make(map[string]Operator, len(operators))}
	for _, op := range operators {
		if _, dup := a.operators[op.Username]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateOperator, op.Username)
		}
		if _, _, _, err := decodePHC(op.PasswordHash); err != nil {
			return nil, fmt.Errorf("operator %s: %w", op.Username, err)
		}
		if op.UserID == "" {
			op.UserID = op.Username
		}
		a.operators[op.Username] = op
	}
	return a, nil
}

// Login verifies a username and password and returns a signed token and
// its expiry. Unknown users and wrong passwords both give
// ErrInvalidCredentials and take comparable time.
func (a *Authenticator) Login(username, password string) (string, time.Time, Operator, error) {
	op, ok := a.operators[username]
	if !ok {
		_, _ = VerifyPassword(password, a.dummy()) //nolint:errcheck // timing equalisation
		return "", time.Time{}, Operator{}, ErrInvalidCredentials
	}

	match, err := VerifyPassword(password, op.PasswordHash)
	if err != nil {
		return "", time.Time{}, Operator{}, err
	}
	if !match {
		return "", time.Time{}, Operator{}, ErrInvalidCredentials
	}

	token, expires, err := a.issuer.Issue(op)
	if err != nil {
		return "", time.Time{}, Operator{}, err
	}
	return token, expires, op, nil
}

// Verify parses an access token.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	return a.issuer.Parse(token)
}

func (a *Authenticator) dummy() string {
	a.dummyOnce.Do(func() {
		h, err := HashPassword("not-a-real-operator")
		if err == nil {
			a.dummyHash = h
		}
	})
	return a.dummyHash
}
