// Package errs holds the error taxonomy shared by the relay, cipher, job and
// chat layers. Every error keeps its cause so callers can tell a wrong key
// from an unreachable relay from a malformed result.
package errs

import (
	"errors"
	"strings"
)

type Kind uint8

const (
	Other Kind = iota
	InvalidInput
	Encrypt
	Decrypt
	Request
	Publish
	Timeout
	Protocol
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid input"
	case Encrypt:
		return "encrypt error"
	case Decrypt:
		return "decrypt error"
	case Request:
		return "request error"
	case Publish:
		return "publish error"
	case Timeout:
		return "timeout"
	case Protocol:
		return "protocol error"
	}
	return "error"
}

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Wrap(kind Kind, op, msg string, err error) error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf reports the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
