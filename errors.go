package ircsession

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionClosed is returned to callers whose operation was cut short
	// because the connection went away.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotOnline is returned by operations that require a registered,
	// online session.
	ErrNotOnline = errors.New("session not online")

	// ErrPipelineClosed is returned by the pipeline once it has been shut down
	// and all queued inbound messages have been consumed.
	ErrPipelineClosed = errors.New("pipeline closed")
)

// ParseErrorKind classifies a decode failure.
type ParseErrorKind int

const (
	// ParseArgumentCount means the argument count fell outside the command's bounds.
	ParseArgumentCount ParseErrorKind = iota + 1
	// ParseInvalidNick means a token did not resolve to name:deviceId.
	ParseInvalidNick
	// ParseInvalidChannel means a channel name failed validation.
	ParseInvalidChannel
	// ParseInvalidTarget means a message recipient was neither a nick nor a channel.
	ParseInvalidTarget
	// ParseUnknownCapability means a CAP line carried an unknown subcommand.
	ParseUnknownCapability
	// ParseMissingCommand means the line had no command token.
	ParseMissingCommand
	// ParseInvalidTag means the tag block was malformed.
	ParseInvalidTag
	// ParseLineTooLong means a line exceeded the pipeline's maximum length.
	ParseLineTooLong
)

// String returns the kind name.
func (k ParseErrorKind) String() string {
	switch k {
	case ParseArgumentCount:
		return "argumentCount"
	case ParseInvalidNick:
		return "invalidNick"
	case ParseInvalidChannel:
		return "invalidChannel"
	case ParseInvalidTarget:
		return "invalidTarget"
	case ParseUnknownCapability:
		return "unknownCapability"
	case ParseMissingCommand:
		return "missingCommand"
	case ParseInvalidTag:
		return "invalidTag"
	case ParseLineTooLong:
		return "lineTooLong"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseError reports a malformed wire line. The offending line is dropped
// and the connection continues.
type ParseError struct {
	Kind    ParseErrorKind
	Command string
	Msg     string
}

func (e *ParseError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("parse %s: %s: %s", e.Command, e.Kind, e.Msg)
	}
	return fmt.Sprintf("parse: %s: %s", e.Kind, e.Msg)
}

func parseErr(kind ParseErrorKind, command, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Command: command, Msg: fmt.Sprintf(format, args...)}
}

// IsParseError reports whether err is a ParseError of the given kind.
func IsParseError(err error, kind ParseErrorKind) bool {
	var pe *ParseError
	return errors.As(err, &pe) && pe.Kind == kind
}

// TransportError wraps a socket or TLS failure. It terminates the pipeline.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StateError reports a handler that fired in an unexpected connection state.
// These are logged and ignored.
type StateError struct {
	Op    string
	State ConnState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: unexpected state %s", e.Op, e.State)
}

// ProtocolError reports a packet that is missing a required field or was
// rejected by the peer. The operation that produced it is aborted.
type ProtocolError struct {
	Op  string
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %s", e.Op, e.Msg)
}

// TimeoutError is returned when a correlated request gets no reply before
// its ceiling.
type TimeoutError struct {
	Op    string
	ID    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: no reply after %v", e.Op, e.ID, e.After)
}

// Timeout reports true so TimeoutError satisfies net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// IllegalTransitionError is returned by StateMachine.Transition when the
// requested edge is not in the transition graph.
type IllegalTransitionError struct {
	From ConnState
	To   ConnState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}
