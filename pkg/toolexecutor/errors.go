package toolexecutor

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a tool could not run.
type ErrorKind string

const (
	KindNotFound         ErrorKind = "not_found"
	KindDenied           ErrorKind = "denied"
	KindInvalidArguments ErrorKind = "invalid_arguments"
	KindTimeout          ErrorKind = "timeout"
	KindCancelled        ErrorKind = "cancelled"
	KindExecution        ErrorKind = "execution"
)

var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrToolDenied       = errors.New("tool not allowed")
	ErrInvalidArguments = errors.New("invalid tool arguments")
	ErrToolTimeout      = errors.New("tool timed out")
	ErrToolCancelled    = errors.New("tool cancelled")
	ErrToolExecution    = errors.New("tool execution failed")
)

var kindSentinels = map[ErrorKind]error{
	KindNotFound:         ErrToolNotFound,
	KindDenied:           ErrToolDenied,
	KindInvalidArguments: ErrInvalidArguments,
	KindTimeout:          ErrToolTimeout,
	KindCancelled:        ErrToolCancelled,
	KindExecution:        ErrToolExecution,
}

// ToolError reports that a tool could not run. Message is the text surfaced
// to the model; Err is the underlying cause, if any.
type ToolError struct {
	Kind    ErrorKind
	Tool    string
	Message string
	Err     error
}

// NewToolError builds a ToolError with a formatted message.
func NewToolError(kind ErrorKind, format string, args ...interface{}) *ToolError {
	return &ToolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *ToolError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Tool == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Tool, msg)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *ToolError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// KindOf returns the kind of a ToolError in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
