// Package errs defines the error taxonomy shared by legosec components.
//
// Every failure surfaced by a network, crypto or persistence operation is an
// *Error carrying a Kind. Callers branch with errors.Is against the kind
// sentinels; matching works through any depth of wrapping, so a handshake
// failure caused by a decrypt failure matches both ErrHandshake and ErrCrypto.
package errs

import (
	"errors"
	"strings"
)

// Kind classifies an error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindCrypto
	KindHandshake
	KindStore
	KindAuthorization
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindCrypto:
		return "crypto"
	case KindHandshake:
		return "handshake"
	case KindStore:
		return "store"
	case KindAuthorization:
		return "authorization"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is a classified failure of operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

var (
	ErrCrypto        = &Error{Kind: KindCrypto}
	ErrHandshake     = &Error{Kind: KindHandshake}
	ErrStore         = &Error{Kind: KindStore}
	ErrAuthorization = &Error{Kind: KindAuthorization}
	ErrIO            = &Error{Kind: KindIO}
)

// E wraps err as a failure of kind k in operation op. A nil err yields nil.
func E(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err}
}

// New returns a failure of kind k in operation op with a plain message.
func New(k Kind, op, msg string) error {
	return &Error{Kind: k, Op: op, Err: errors.New(msg)}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches kind sentinels: a target with no Op and no Err matches any
// *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op == "" && t.Err == nil {
		return t.Kind == e.Kind
	}
	return t == e
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
