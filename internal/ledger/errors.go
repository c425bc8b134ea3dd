package ledger

import (
	"errors"
	"fmt"

	"github.com/Lllllllleong/invoiceingest/internal/ledger/token"
)

// Kind classifies a ledger failure for the caller's retry decision.
type Kind string

const (
	// KindAuth is an authorization failure that survived one refresh, or an
	// unauthenticated credential.
	KindAuth Kind = "auth"
	// KindTransient covers network errors, timeouts, 429 and 5xx after the
	// bounded retry was exhausted.
	KindTransient Kind = "transient"
	// KindValidation is a request the ledger will never accept as sent.
	KindValidation Kind = "validation"
)

// Error is the classified error returned by every Client call.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ledger %s (%s, HTTP %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ledger %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or "" when err is not a ledger error.
func KindOf(err error) Kind {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Kind
	}
	return ""
}

func tokenError(op string, err error) error {
	if errors.Is(err, token.ErrUnauthenticated) {
		return &Error{Kind: KindAuth, Op: op, Err: err}
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}
