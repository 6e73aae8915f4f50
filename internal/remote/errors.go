package remote

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrNotFound reports that the remote store has no entity with the id.
var ErrNotFound = errors.New("remote entity not found")

// Class buckets remote failures by how the sync engine reacts to them.
type Class int

const (
	// Transient failures are retried on the next sync cycle.
	Transient Class = iota
	// Permanent failures are attached to the entity for the user to fix.
	Permanent
	// Unauthorized failures halt sync for the owner.
	Unauthorized
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Unauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Error is a classified remote failure.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error.
func Errorf(class Class, op string, format string, args ...any) error {
	return &Error{Class: class, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a class to err, leaving nil untouched.
func Wrap(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err}
}

// ClassOf classifies any error returned by a Store. Errors that carry no
// classification are treated as Transient so they get retried rather than
// surfaced to the user.
func ClassOf(err error) Class {
	if err == nil {
		return Transient
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Class
	}
	if errors.Is(err, ErrNotFound) {
		return Permanent
	}
	return Transient
}

// IsConnectionError reports whether err looks like a network-level failure.
func IsConnectionError(err error) bool {
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "connection closed", "closed network connection", "broken pipe", "no such host", "i/o timeout", "eof"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
