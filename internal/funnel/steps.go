package funnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/patrickjm/funnelcheck/internal/browser"
	"github.com/patrickjm/funnelcheck/internal/config"
	"github.com/patrickjm/funnelcheck/internal/failure"
	"github.com/patrickjm/funnelcheck/internal/report"
	"github.com/patrickjm/funnelcheck/internal/resolve"
)

const productHrefsJS = `(sel) => Array.from(document.querySelectorAll(sel)).map((a) => a.href).filter((h) => typeof h === "string" && h !== "")`

const addedToCartJS = `() => {
  const msg = document.querySelector(".woocommerce-message");
  if (msg && /added to your cart/i.test(msg.textContent || "")) return true;
  if (document.querySelector(".added_to_cart")) return true;
  const count = document.querySelector(".cart-contents-count");
  if (count) {
    const n = parseInt((count.textContent || "").trim(), 10);
    return !isNaN(n) && n > 0;
  }
  return false;
}`

// Terms is the outcome of the optional terms checkbox probe.
type Terms int

const (
	TermsPresent Terms = iota
	TermsAbsent
	TermsError
)

func (t Terms) String() string {
	switch t {
	case TermsPresent:
		return "present"
	case TermsAbsent:
		return "absent"
	default:
		return "error"
	}
}

// Steps runs the individual funnel stages against one session. Every step
// that records an outcome takes the report by value and returns the next one.
type Steps struct {
	Session browser.Session
	Config  config.Config
	Logger  *zap.Logger
	Now     func() time.Time
	Rand    *rand.Rand
}

func (s Steps) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Steps) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

func (s Steps) resolve(ctx context.Context, candidates []string, visible bool) (resolve.Outcome, error) {
	return resolve.Resolve(ctx, s.Session, candidates, resolve.Options{
		Timeout: s.Config.Timeouts.Action,
		Visible: visible,
		Logger:  s.logger(),
	})
}

func (s Steps) click(ctx context.Context, selector string) error {
	return s.Session.Click(ctx, selector, browser.ActionOptions{
		Timeout: s.Config.Timeouts.Action,
		Delay:   s.Config.Timeouts.ClickDelay,
	})
}

// fail records a failed outcome for name, optionally after a diagnostic
// screenshot, and hands err back for propagation.
func (s Steps) fail(ctx context.Context, r report.Report, name string, start time.Time, err error, shot bool) (report.Report, error) {
	if shot {
		s.screenshot(ctx, name)
	}
	s.logger().Warn("step failed", zap.String("step", name), zap.Error(err))
	return r.WithStep(report.Failed(name, start, s.now(), err)), err
}

func (s Steps) screenshot(ctx context.Context, name string) {
	path := filepath.Join(s.Config.ScreenshotDir, "error_"+name+".png")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Config.Timeouts.Screenshot)
	defer cancel()
	if err := s.Session.Screenshot(sctx, path, s.Config.Timeouts.Screenshot); err != nil {
		s.logger().Warn("failure screenshot", zap.String("path", path), zap.Error(err))
		return
	}
	s.logger().Info("failure screenshot saved", zap.String("path", path))
}

// Navigate loads target and waits for the network to settle, recording the
// outcome under name whether or not it succeeds.
func (s Steps) Navigate(ctx context.Context, r report.Report, target, name string) (report.Report, error) {
	start := s.now()
	s.logger().Debug("navigate", zap.String("step", name), zap.String("url", target))
	if err := s.Session.Navigate(ctx, target, s.Config.Timeouts.Navigation); err != nil {
		// Hard load errors (DNS, refused) share the navigation kind with timeouts.
		err = failure.NavigationTimeout("navigate "+target, err)
		out := report.Failed(name, start, s.now(), err)
		out.URL = target
		s.logger().Warn("step failed", zap.String("step", name), zap.Error(err))
		return r.WithStep(out), err
	}
	out := report.Completed(name, start, s.now())
	out.URL = target
	s.logger().Info("step completed", zap.String("step", name), zap.Int64("duration_ms", out.Duration))
	return r.WithStep(out), nil
}

// FindProductLink picks one product link, uniformly at random, from the first
// candidate selector that matches anything with an href. It records no
// outcome of its own; the product page navigation that follows does.
func (s Steps) FindProductLink(ctx context.Context) (string, error) {
	candidates := s.Config.Selectors.ProductLink
	var tried []string
	for len(candidates) > 0 {
		out, err := s.resolve(ctx, candidates, false)
		tried = append(tried, out.Tried...)
		if err != nil {
			return "", err
		}
		if !out.Found() {
			break
		}
		hrefs, err := s.productHrefs(ctx, out.Selector)
		if err != nil {
			s.logger().Debug("product link candidate unreadable", zap.String("candidate", out.Selector), zap.Error(err))
		}
		if len(hrefs) > 0 {
			href := hrefs[s.pick(len(hrefs))]
			link, err := s.absolute(href)
			if err != nil {
				return "", fmt.Errorf("product link %q: %w", href, err)
			}
			s.logger().Debug("product link chosen", zap.String("selector", out.Selector), zap.Int("matches", len(hrefs)), zap.String("url", link))
			return link, nil
		}
		candidates = candidates[out.Index+1:]
	}
	return "", &failure.Error{
		Kind:    failure.KindElementNotFound,
		Op:      "find product link",
		Element: "product link",
		Tried:   tried,
		Err:     failure.ErrNoProductFound,
	}
}

func (s Steps) productHrefs(ctx context.Context, selector string) ([]string, error) {
	raw, err := s.Session.Evaluate(ctx, productHrefsJS, selector)
	if err != nil {
		return nil, err
	}
	var hrefs []string
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &hrefs); err != nil {
		return nil, err
	}
	return hrefs, nil
}

func (s Steps) pick(n int) int {
	if s.Rand != nil {
		return s.Rand.IntN(n)
	}
	return rand.IntN(n)
}

func (s Steps) absolute(href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(s.Session.URL())
	if err != nil || !base.IsAbs() {
		return "", errors.New("relative link without a page URL")
	}
	return base.ResolveReference(ref).String(), nil
}

// AddToCart clicks the first visible add-to-cart control, then requires both
// the add-to-cart network response and a DOM confirmation within the action
// timeout.
func (s Steps) AddToCart(ctx context.Context, r report.Report) (report.Report, error) {
	name := report.StepAddToCart
	start := s.now()
	out, err := s.resolve(ctx, s.Config.Selectors.AddToCart, true)
	if err != nil {
		return s.fail(ctx, r, name, start, err, true)
	}
	if !out.Found() {
		return s.fail(ctx, r, name, start, resolve.NotFound("find add to cart", "add to cart button", out), true)
	}

	response := s.Session.ExpectResponse(s.Config.AddToCartPattern())
	if err := s.click(ctx, out.Selector); err != nil {
		return s.fail(ctx, r, name, start, actionError("click add to cart", out.Selector, err), true)
	}

	jctx, cancel := context.WithTimeout(ctx, s.Config.Timeouts.Action)
	defer cancel()
	g, gctx := errgroup.WithContext(jctx)
	g.Go(guard("await add to cart response", func() error {
		if err := response.Wait(gctx); err != nil {
			return fmt.Errorf("add to cart response: %w", err)
		}
		return nil
	}))
	g.Go(guard("await cart confirmation", func() error {
		if err := s.Session.WaitForFunction(gctx, addedToCartJS, s.Config.Timeouts.Action); err != nil {
			return fmt.Errorf("cart confirmation: %w", err)
		}
		return nil
	}))
	if err := g.Wait(); err != nil {
		return s.fail(ctx, r, name, start, confirmationError("confirm add to cart", err), true)
	}

	o := report.Completed(name, start, s.now())
	s.logger().Info("step completed", zap.String("step", name), zap.String("selector", out.Selector), zap.Int64("duration_ms", o.Duration))
	return r.WithStep(o), nil
}

// GoToCheckout clicks the checkout control while waiting for the navigation
// it starts, then checks that the checkout form is on the new page.
func (s Steps) GoToCheckout(ctx context.Context, r report.Report) (report.Report, error) {
	name := report.StepGoToCheckout
	start := s.now()
	out, err := s.resolve(ctx, s.Config.Selectors.Checkout, true)
	if err != nil {
		return s.fail(ctx, r, name, start, err, true)
	}
	if !out.Found() {
		return s.fail(ctx, r, name, start, resolve.NotFound("find checkout", "checkout button", out), true)
	}

	nav := s.Session.ExpectNavigation(s.Config.Timeouts.Action)
	jctx, cancel := context.WithTimeout(ctx, s.Config.Timeouts.Action)
	defer cancel()
	g, gctx := errgroup.WithContext(jctx)
	var clickErr error
	g.Go(guard("click checkout", func() error {
		if err := s.click(gctx, out.Selector); err != nil {
			clickErr = actionError("click checkout", out.Selector, err)
			return clickErr
		}
		return nil
	}))
	g.Go(guard("await checkout navigation", func() error {
		if err := nav.Wait(gctx); err != nil {
			return fmt.Errorf("checkout navigation: %w", err)
		}
		return nil
	}))
	if err := g.Wait(); err != nil {
		if clickErr == nil {
			err = confirmationError("confirm checkout", err)
		} else {
			err = clickErr
		}
		return s.fail(ctx, r, name, start, err, true)
	}

	form, err := s.resolve(ctx, s.Config.Selectors.CheckoutForm, false)
	if err != nil {
		return s.fail(ctx, r, name, start, err, true)
	}
	if !form.Found() {
		err := failure.ConfirmationTimeout("confirm checkout", fmt.Errorf("checkout form did not appear (tried %d selectors)", len(form.Tried)))
		return s.fail(ctx, r, name, start, err, true)
	}

	o := report.Completed(name, start, s.now())
	o.URL = s.Session.URL()
	s.logger().Info("step completed", zap.String("step", name), zap.String("selector", out.Selector), zap.Int64("duration_ms", o.Duration))
	return r.WithStep(o), nil
}

// FillCheckoutForm fills the configured fields, picks a payment method,
// accepts the terms when they are shown, places the order and waits for the
// order confirmation.
func (s Steps) FillCheckoutForm(ctx context.Context, r report.Report) (report.Report, error) {
	name := report.StepFillCheckoutForm
	start := s.now()
	if err := s.fillCheckoutForm(ctx); err != nil {
		return s.fail(ctx, r, name, start, err, true)
	}
	o := report.Completed(name, start, s.now())
	s.logger().Info("step completed", zap.String("step", name), zap.Int64("duration_ms", o.Duration))
	return r.WithStep(o), nil
}

func (s Steps) fillCheckoutForm(ctx context.Context) error {
	form, err := s.resolve(ctx, s.Config.Selectors.CheckoutForm, false)
	if err != nil {
		return err
	}
	if !form.Found() {
		return resolve.NotFound("find checkout form", "checkout form", form)
	}

	for _, f := range s.Config.CheckoutForm {
		switch f.Action {
		case config.ActionSelect:
			err = s.Session.Select(ctx, f.Selector, f.Value, s.Config.Timeouts.Action)
		default:
			err = s.Session.Type(ctx, f.Selector, f.Value, browser.ActionOptions{
				Timeout: s.Config.Timeouts.Action,
				Delay:   s.Config.Timeouts.TypeDelay,
			})
		}
		if err != nil {
			return actionError("fill "+f.Selector, f.Selector, err)
		}
	}

	payment, err := s.resolve(ctx, s.Config.Selectors.PaymentMethod, false)
	if err != nil {
		return err
	}
	if !payment.Found() {
		return resolve.NotFound("find payment method", "payment method", payment)
	}
	if err := s.click(ctx, payment.Selector); err != nil {
		return actionError("select payment method", payment.Selector, err)
	}

	if terms, err := s.AcceptTerms(ctx); terms == TermsError {
		return err
	}

	place, err := s.resolve(ctx, s.Config.Selectors.PlaceOrder, true)
	if err != nil {
		return err
	}
	if !place.Found() {
		return resolve.NotFound("find place order", "place order button", place)
	}
	if err := s.click(ctx, place.Selector); err != nil {
		return actionError("place order", place.Selector, err)
	}

	done, err := s.resolve(ctx, s.Config.Selectors.OrderConfirmation, false)
	if err != nil {
		return err
	}
	if !done.Found() {
		return failure.ConfirmationTimeout("confirm order", fmt.Errorf("order confirmation did not appear (tried %d selectors)", len(done.Tried)))
	}
	return nil
}

// AcceptTerms ticks the terms checkbox if it shows up within the terms
// timeout. Only TermsError carries an error.
func (s Steps) AcceptTerms(ctx context.Context) (Terms, error) {
	if len(s.Config.Selectors.Terms) == 0 {
		return TermsAbsent, nil
	}
	out, err := resolve.Resolve(ctx, s.Session, s.Config.Selectors.Terms, resolve.Options{
		Timeout: s.Config.Timeouts.Terms,
		Logger:  s.logger(),
	})
	if err != nil {
		return TermsError, err
	}
	if !out.Found() {
		s.logger().Info("terms checkbox absent, continuing")
		return TermsAbsent, nil
	}
	if err := s.click(ctx, out.Selector); err != nil {
		return TermsError, actionError("accept terms", out.Selector, err)
	}
	return TermsPresent, nil
}

// actionError classifies a failed interaction with an element that was
// already resolved. Timeouts and rejections (detached, covered, disabled)
// both mean the element could not be used. Cancellation and a closed
// session are not about the element and pass through.
func actionError(op, selector string, err error) error {
	if _, ok := failure.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, browser.ErrSessionClosed) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &failure.Error{Kind: failure.KindElementNotFound, Op: op, Element: selector, Tried: []string{selector}, Err: err}
}

func confirmationError(op string, err error) error {
	if _, ok := failure.As(err); ok {
		return err
	}
	return failure.ConfirmationTimeout(op, err)
}

// guard turns a panic inside a joined goroutine into an UnhandledFault so
// the orchestrator can still report it.
func guard(op string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if v := recover(); v != nil {
				err = failure.Unhandled(op, v)
			}
		}()
		return fn()
	}
}
