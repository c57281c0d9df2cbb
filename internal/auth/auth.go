// Package auth decides whether a peer's claimed identity is allowed to
// hold a session.
//
// Possession of the shared secret is proven by the channel itself; this
// package only compares names.
package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrWrongIdentity = errors.New("auth: wrong client name")

// Validator checks a claimed peer identity.
type Validator interface {
	Validate(identity string) error
}

// StaticIdentity accepts exactly one configured name. The comparison is
// exact, case-sensitive and constant-time. An empty Name accepts nobody.
type StaticIdentity struct {
	Name string
}

func (s StaticIdentity) Validate(identity string) error {
	if s.Name == "" {
		return ErrWrongIdentity
	}
	if subtle.ConstantTimeCompare([]byte(s.Name), []byte(identity)) != 1 {
		return ErrWrongIdentity
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(identity string) error

func (f FuncValidator) Validate(identity string) error {
	return f(identity)
}
