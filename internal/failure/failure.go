// Package failure classifies the ways a funnel run can fail.
package failure

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
)

type Kind string

const (
	KindInput               Kind = "InputError"
	KindNavigationTimeout   Kind = "NavigationTimeout"
	KindElementNotFound     Kind = "ElementNotFound"
	KindConfirmationTimeout Kind = "ConfirmationTimeout"
	KindUnhandledFault      Kind = "UnhandledFault"
)

var (
	ErrNoURL          = errors.New("no URL provided")
	ErrNoProductFound = errors.New("no product links found on the page")
)

// Error carries the failure kind plus enough context to explain it in a report.
type Error struct {
	Kind    Kind
	Op      string
	Element string
	Tried   []string
	Err     error
	Stack   []Frame
}

// Frame is one captured stack frame.
type Frame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	case e.Element != "":
		fmt.Fprintf(&b, "%s not found", e.Element)
	default:
		b.WriteString(string(e.Kind))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Input(err error) *Error {
	return &Error{Kind: KindInput, Op: "input", Err: err}
}

func NavigationTimeout(op string, err error) *Error {
	return &Error{Kind: KindNavigationTimeout, Op: op, Err: err}
}

func ConfirmationTimeout(op string, err error) *Error {
	return &Error{Kind: KindConfirmationTimeout, Op: op, Err: err}
}

// ElementNotFound reports that every candidate selector for element was exhausted.
func ElementNotFound(op, element string, tried []string) *Error {
	return &Error{
		Kind:    KindElementNotFound,
		Op:      op,
		Element: element,
		Tried:   append([]string(nil), tried...),
	}
}

// Unhandled wraps a recovered panic value, capturing the stack at the recovery site.
func Unhandled(op string, v any) *Error {
	err, ok := v.(error)
	if !ok {
		err = fmt.Errorf("%v", v)
	}
	return &Error{Kind: KindUnhandledFault, Op: op, Err: err, Stack: captureStack(3)}
}

// KindOf classifies err. Untyped errors are UnhandledFault, except bare
// deadline errors which are treated as navigation timeouts.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, ErrNoURL) {
		return KindInput
	}
	if errors.Is(err, ErrNoProductFound) {
		return KindElementNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNavigationTimeout
	}
	return KindUnhandledFault
}

// As returns the typed failure in err's chain, if any.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

func captureStack(skip int) []Frame {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]Frame, 0, n)
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") {
			out = append(out, Frame{Function: f.Function, File: f.File, Line: f.Line})
		}
		if !more {
			break
		}
	}
	return out
}
