package common

import (
	"errors"
	"fmt"
	"strings"
)

// --------------------------------------------------------------------------
// Error kinds
// --------------------------------------------------------------------------

// Kind classifies every failure the harness can report
type Kind uint8

const (
	// KindTest is a failed assertion of a scenario step
	KindTest Kind = iota
	// KindTransport is a connect failure, a reset or a timeout
	KindTransport
	// KindProtocol is a malformed frame sent by the server
	KindProtocol
	// KindServerFault is a well-formed error reply that was not expected
	KindServerFault
	// KindIntegrity is a mismatch between the oracle and the server dump
	KindIntegrity
	// KindThroughput is a stress worker that did not reach the ops floor
	KindThroughput
	// KindTimeout is a scenario that ran out of its wall-clock budget
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTest:
		return "TestError"
	case KindTransport:
		return "TransportError"
	case KindProtocol:
		return "ProtocolError"
	case KindServerFault:
		return "ServerFault"
	case KindIntegrity:
		return "IntegrityError"
	case KindThroughput:
		return "ThroughputError"
	case KindTimeout:
		return "TimeoutError"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// --------------------------------------------------------------------------
// Sentinel causes
// --------------------------------------------------------------------------

var (
	ErrConnectTimeout   = errors.New("connect timeout")
	ErrConnectRefused   = errors.New("connection refused")
	ErrTransportTimeout = errors.New("transport timeout")
	ErrConnectionClosed = errors.New("connection closed")
	ErrInvalidUTF8      = errors.New("invalid utf-8")
	ErrScenarioTimeout  = errors.New("scenario timeout")
)

// --------------------------------------------------------------------------
// Error
// --------------------------------------------------------------------------

// Error is the tagged error type of the harness. The cause chain is explicit:
// Cause holds the underlying error (a sentinel, a ServerFault or another Error).
type Error struct {
	Kind  Kind
	Op    string
	Msg   string
	Cause error
}

// NewError creates a new error of the given kind
func NewError(kind Kind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Cause: cause}
}

// Errorf creates a new error of the given kind with a formatted message
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// TestErrorf is a shorthand for Errorf(KindTest, ...)
func TestErrorf(format string, args ...any) *Error {
	return Errorf(KindTest, format, args...)
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithCause returns a copy of the error with the cause replaced
func (e *Error) WithCause(cause error) *Error {
	c := *e
	c.Cause = cause
	return &c
}

// KindOf returns the kind of the outermost tagged error in the chain
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	var f *ServerFault
	if errors.As(err, &f) {
		return KindServerFault, true
	}
	return 0, false
}

// IsKind reports whether the outermost tagged error in the chain is of the
// given kind
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Describe renders an error as "<Kind>: <message>". Untagged errors are
// rendered with their Go type.
func Describe(err error) string {
	if k, ok := KindOf(err); ok {
		return k.String() + ": " + err.Error()
	}
	return fmt.Sprintf("%T: %v", err, err)
}

// --------------------------------------------------------------------------
// Server fault
// --------------------------------------------------------------------------

// ServerFault is a well-formed non zero status reply. Cmd, Key and Value
// describe the command that caused it.
type ServerFault struct {
	ErrNum  int
	ErrCode string
	Payload []byte
	Cmd     string
	Key     string
	Value   []byte
}

func (f *ServerFault) Error() string {
	return fmt.Sprintf("%d %s payload=%s cmd=%s key=%s value=%s",
		f.ErrNum, f.ErrCode,
		Printable(f.Payload, 32),
		f.Cmd,
		PrintableString(f.Key, 32),
		Printable(f.Value, 10))
}

// Is matches two faults with the same error code. This allows
// errors.Is(err, &ServerFault{ErrCode: "KEY_ERROR"}).
func (f *ServerFault) Is(target error) bool {
	t, ok := target.(*ServerFault)
	if !ok {
		return false
	}
	return t.ErrCode == f.ErrCode
}

// Unexpected converts a fault nobody asserted against into a test error
func (f *ServerFault) Unexpected() *Error {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Server sent unexpected error %d: %s.", f.ErrNum, f.ErrCode))
	if f.Cmd != "" {
		valfmt := ""
		if len(f.Value) > 0 {
			valfmt = Printable(f.Value, 10)
		}
		sb.WriteString(fmt.Sprintf("\nCommand: %s %s %s", f.Cmd, PrintableString(f.Key, 32), valfmt))
	}
	if len(f.Payload) > 0 {
		sb.WriteString(fmt.Sprintf("\nServer payload: %s", f.Payload))
	}
	return NewError(KindTest, "", sb.String(), f)
}

// AsFault returns the server fault of the error chain, if any
func AsFault(err error) (*ServerFault, bool) {
	var f *ServerFault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
