package ws

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyConnected = errors.New("ws: already connected")
	ErrNotConnected     = errors.New("ws: not connected")
	ErrSendTimeout      = errors.New("ws: send timeout")
)

type ConnectErrorKind int

const (
	ConnectHandshake ConnectErrorKind = iota + 1
	ConnectUnauthorized
	ConnectTimeout
	ConnectCanceled
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectHandshake:
		return "handshake"
	case ConnectUnauthorized:
		return "unauthorized"
	case ConnectTimeout:
		return "timeout"
	case ConnectCanceled:
		return "canceled"
	}
	return fmt.Sprintf("ConnectErrorKind(%d)", int(k))
}

// ConnectError is a failed Connect. StatusCode is the upgrade response status, 0 if none.
type ConnectError struct {
	Kind       ConnectErrorKind
	StatusCode int
	Err        error
}

func (e *ConnectError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("ws: connect %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ws: connect %s: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Retryable reports whether dialing again may succeed without user action.
func (e *ConnectError) Retryable() bool {
	return e.Kind == ConnectHandshake || e.Kind == ConnectTimeout
}

type SendErrorKind int

const (
	SendNotConnected SendErrorKind = iota + 1
	SendTimeout
	SendEncode
	SendCanceled
	SendWrite
)

func (k SendErrorKind) String() string {
	switch k {
	case SendNotConnected:
		return "not connected"
	case SendTimeout:
		return "timeout"
	case SendEncode:
		return "encode"
	case SendCanceled:
		return "canceled"
	case SendWrite:
		return "write"
	}
	return fmt.Sprintf("SendErrorKind(%d)", int(k))
}

type SendError struct {
	Kind SendErrorKind
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("ws: send %s: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

func (e *SendError) Is(target error) bool {
	switch target {
	case ErrNotConnected:
		return e.Kind == SendNotConnected
	case ErrSendTimeout:
		return e.Kind == SendTimeout
	}
	return false
}
