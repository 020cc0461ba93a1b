// Package resolve picks the first selector, out of an ordered candidate
// list, that shows up on the page.
package resolve

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/patrickjm/funnelcheck/internal/browser"
	"github.com/patrickjm/funnelcheck/internal/failure"
)

// Waiter is the slice of a browser session the resolver needs.
type Waiter interface {
	WaitFor(ctx context.Context, selector string, opts browser.WaitOptions) error
}

type Options struct {
	// Timeout bounds the wait for each candidate, not the whole list.
	Timeout time.Duration
	Visible bool
	Logger  *zap.Logger
}

// Outcome is either Found (Selector set) or NotFound.
type Outcome struct {
	Selector string
	Index    int
	Tried    []string
}

func (o Outcome) Found() bool {
	return o.Selector != ""
}

// Resolve tries candidates in order and stops at the first one that appears.
// A candidate that fails for any reason other than the caller's context
// ending falls through to the next one.
func Resolve(ctx context.Context, w Waiter, candidates []string, opts Options) (Outcome, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	out := Outcome{Index: -1}
	for i, sel := range candidates {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out.Tried = append(out.Tried, sel)
		err := w.WaitFor(ctx, sel, browser.WaitOptions{Timeout: opts.Timeout, Visible: opts.Visible})
		if err == nil {
			out.Selector = sel
			out.Index = i
			return out, nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return out, err
		}
		logger.Debug("selector candidate missed", zap.String("candidate", sel), zap.Int("index", i), zap.Error(err))
	}
	return out, nil
}

// NotFound turns an exhausted outcome into an ElementNotFound failure.
func NotFound(op, element string, out Outcome) error {
	return failure.ElementNotFound(op, element, out.Tried)
}
