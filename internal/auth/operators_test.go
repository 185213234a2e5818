package auth

import (
	"errors"
	"testing"
	"time"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	a, err := NewAuthenticator(NewIssuer(testSecret, time.Hour), []Operator{
		{Username: "alice", PasswordHash: hash},
		{Username: "ops", UserID: "usr-ops", PasswordHash: hash, Admin: true},
	})
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	return a
}

func TestLogin(t *testing.T) {
	a := newTestAuthenticator(t)

	token, _, op, err := a.Login("ops", "s3cret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if op.UserID != "usr-ops" || !op.Admin {
		t.Errorf("operator = %+v", op)
	}
	claims, err := a.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.UserID() != "usr-ops" {
		t.Errorf("UserID() = %q, want usr-ops", claims.UserID())
	}

	_, _, op, err = a.Login("alice", "s3cret")
	if err != nil {
		t.Fatalf("Login(alice) error = %v", err)
	}
	if op.UserID != "alice" {
		t.Errorf("UserID defaults to username, got %q", op.UserID)
	}
}

func TestLogin_Failures(t *testing.T) {
	a := newTestAuthenticator(t)
	for _, tt := range []struct{ user, pass string }{
		{"alice", "wrong"},
		{"mallory", "s3cret"},
		{"", ""},
	} {
		if _, _, _, err := a.Login(tt.user, tt.pass); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Login(%q, %q) error = %v, want ErrInvalidCredentials", tt.user, tt.pass, err)
		}
	}
}

func TestNewAuthenticator_Errors(t *testing.T) {
	hash, err := HashPassword("x")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	issuer := NewIssuer(testSecret, 0)

	_, err = NewAuthenticator(issuer, []Operator{{Username: "a", PasswordHash: hash}, {Username: "a", PasswordHash: hash}})
	if !errors.Is(err, ErrDuplicateOperator) {
		t.Errorf("duplicate error = %v, want ErrDuplicateOperator", err)
	}

	_, err = NewAuthenticator(issuer, []Operator{{Username: "a", PasswordHash: "plaintext"}})
	if !errors.Is(err, ErrInvalidHash) {
		t.Errorf("bad hash error = %v, want ErrInvalidHash", err)
	}
}
