// Package funnel drives one storefront purchase funnel run: homepage,
// product page, add to cart, checkout and order placement.
package funnel

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patrickjm/funnelcheck/internal/browser"
	"github.com/patrickjm/funnelcheck/internal/config"
	"github.com/patrickjm/funnelcheck/internal/failure"
	"github.com/patrickjm/funnelcheck/internal/report"
)

type State string

const (
	StateInit          State = "Init"
	StateNavigating    State = "Navigating"
	StateProductSearch State = "ProductSearch"
	StateAddingToCart  State = "AddingToCart"
	StateCheckout      State = "Checkout"
	StateFillingForm   State = "FillingForm"
	StateDone          State = "Done"
	StateAborted       State = "Aborted"
)

// Runner executes the funnel once per Run call. The zero values of Now,
// Rand, Sleep and NewID fall back to the real clock, RNG and uuid.
type Runner struct {
	Engine browser.Engine
	Config config.Config
	Logger *zap.Logger
	Now    func() time.Time
	Rand   *rand.Rand
	Sleep  func(ctx context.Context, d time.Duration) error
	NewID  func() string
}

func (r Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Runner) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

func (r Runner) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run validates target, launches a browser and walks the funnel until it
// completes or a step fails. The returned report is always finalized; err
// is the failure that aborted the run, if any.
func (r Runner) Run(ctx context.Context, target string) (rep report.Report, err error) {
	runID := uuid.NewString()
	if r.NewID != nil {
		runID = r.NewID()
	}
	target = strings.TrimSpace(target)
	rep = report.New(runID, target, r.Config.Engine, r.now())
	logger := r.logger().With(zap.String("run_id", runID), zap.String("url", target))

	if err := ValidateURL(target); err != nil {
		rep = rep.WithError(rep.ErrorFrom(string(StateInit), err, r.now()))
		return rep.Finalize(r.now()), err
	}

	session, err := r.launch(ctx, logger)
	if err != nil {
		rep = rep.WithError(rep.ErrorFrom(string(StateInit), err, r.now()))
		logger.Error("run aborted", zap.String("state", string(StateAborted)), zap.Error(err))
		return rep.Finalize(r.now()), err
	}

	steps := Steps{Session: session, Config: r.Config, Logger: logger, Now: r.now, Rand: r.Rand}
	state := StateInit
	rep, err = r.walk(ctx, steps, rep, target, &state)

	if cerr := session.Close(); cerr != nil {
		logger.Warn("browser teardown", zap.Error(cerr))
	}

	if err != nil {
		rep = rep.WithError(rep.ErrorFrom(string(state), err, r.now()))
		logger.Error("run aborted", zap.String("state", string(state)), zap.String("step", rep.LastStep()), zap.Error(err))
		state = StateAborted
	} else {
		state = StateDone
	}
	rep = rep.Finalize(r.now())
	logger.Info("run finished", zap.String("state", string(state)), zap.Bool("success", rep.Success), zap.Int64("total_ms", rep.TotalTime))
	return rep, err
}

// walk moves through the states in order; the first error stops it with
// *state left at the state that failed. A panic inside a step still records
// that step as failed.
func (r Runner) walk(ctx context.Context, s Steps, rep report.Report, target string, state *State) (out report.Report, err error) {
	out = rep
	var current string
	var started time.Time
	defer func() {
		if v := recover(); v != nil {
			err = failure.Unhandled("run "+string(*state), v)
			if current != "" {
				out = out.WithStep(report.Failed(current, started, s.now(), err))
			}
		}
	}()

	enter := func(next State, step string) {
		*state = next
		current, started = step, s.now()
		s.Logger.Debug("state", zap.String("state", string(next)))
	}

	enter(StateNavigating, report.StepHomepage)
	if out, err = s.Navigate(ctx, out, target, report.StepHomepage); err != nil {
		return out, err
	}

	// Product lookup records no outcome of its own.
	enter(StateProductSearch, "")
	link, err := s.FindProductLink(ctx)
	if err != nil {
		return out, err
	}
	current, started = report.StepProductPage, s.now()
	if out, err = s.Navigate(ctx, out, link, report.StepProductPage); err != nil {
		return out, err
	}

	enter(StateAddingToCart, report.StepAddToCart)
	if out, err = s.AddToCart(ctx, out); err != nil {
		return out, err
	}

	enter(StateCheckout, report.StepGoToCheckout)
	if out, err = s.GoToCheckout(ctx, out); err != nil {
		return out, err
	}

	enter(StateFillingForm, report.StepFillCheckoutForm)
	if out, err = s.FillCheckoutForm(ctx, out); err != nil {
		return out, err
	}
	return out, nil
}

// launch starts a session, retrying per the configured retry policy.
func (r Runner) launch(ctx context.Context, logger *zap.Logger) (browser.Session, error) {
	if r.Engine == nil {
		return nil, failure.New(failure.KindUnhandledFault, "launch browser", errors.New("no browser engine configured"))
	}
	opts := browser.StartOptions{
		Headless: r.Config.Headless,
		Args:     r.Config.BrowserArgs,
		Viewport: browser.Viewport{
			Width:  r.Config.Viewport.Width,
			Height: r.Config.Viewport.Height,
		},
		Protocol:   r.Config.Timeouts.Protocol,
		Action:     r.Config.Timeouts.Action,
		Navigation: r.Config.Timeouts.Navigation,
	}
	attempts := r.Config.Retry.Max
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		session, err := r.Engine.Start(ctx, opts)
		if err == nil {
			if attempt > 1 {
				logger.Info("browser launched after retry", zap.Int("attempt", attempt))
			}
			return session, nil
		}
		lastErr = err
		logger.Warn("browser launch failed", zap.Int("attempt", attempt), zap.Int("max", attempts), zap.Error(err))
		if attempt == attempts {
			break
		}
		if err := r.sleep(ctx, r.Config.Retry.Delay); err != nil {
			lastErr = err
			break
		}
	}
	return nil, failure.New(failure.KindUnhandledFault, "launch browser", fmt.Errorf("after %d attempts: %w", attempts, lastErr))
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(target string) error {
	if strings.TrimSpace(target) == "" {
		return failure.Input(failure.ErrNoURL)
	}
	u, err := url.Parse(target)
	if err != nil {
		return failure.Input(fmt.Errorf("invalid URL %q: %w", target, err))
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return failure.Input(fmt.Errorf("invalid URL %q: must be an absolute http(s) URL", target))
	}
	return nil
}
