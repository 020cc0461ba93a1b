package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrTimeout       = errors.New("browser operation timed out")
	ErrSessionClosed = errors.New("browser session closed")
)

type Viewport struct {
	Width  int
	Height int
}

type StartOptions struct {
	Headless bool
	Args     []string
	Viewport Viewport
	// Protocol bounds launch and raw protocol calls.
	Protocol   time.Duration
	Action     time.Duration
	Navigation time.Duration
}

type Engine interface {
	Start(ctx context.Context, opts StartOptions) (Session, error)
}

// Session owns one browser and one page. Every blocking call is bounded by
// an explicit timeout; Close is idempotent.
type Session interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	WaitFor(ctx context.Context, selector string, opts WaitOptions) error
	Click(ctx context.Context, selector string, opts ActionOptions) error
	Type(ctx context.Context, selector string, text string, opts ActionOptions) error
	Select(ctx context.Context, selector string, value string, timeout time.Duration) error
	Evaluate(ctx context.Context, js string, arg any) (json.RawMessage, error)
	WaitForFunction(ctx context.Context, js string, timeout time.Duration) error
	// ExpectResponse arms a listener for a response whose URL matches pattern.
	// It must be called before the action that triggers the request.
	ExpectResponse(pattern *regexp.Regexp) Signal
	// ExpectNavigation arms a listener for the next main-frame navigation; the
	// returned signal resolves once that navigation has also gone quiet.
	ExpectNavigation(timeout time.Duration) Signal
	Screenshot(ctx context.Context, path string, timeout time.Duration) error
	URL() string
	Close() error
}

type WaitOptions struct {
	Timeout time.Duration
	Visible bool
}

type ActionOptions struct {
	Timeout time.Duration
	Delay   time.Duration
}

// Timeout marks err as a timeout while keeping its message.
func Timeout(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
}

// IsTimeout reports whether err looks like a bounded wait giving up.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// Remaining returns the time left before ctx's deadline, capped at limit.
func Remaining(ctx context.Context, limit time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return limit
	}
	left := time.Until(deadline)
	if left <= 0 {
		return time.Millisecond
	}
	if limit > 0 && left > limit {
		return limit
	}
	return left
}

func millis(d time.Duration) float64 {
	return float64(d.Milliseconds())
}
