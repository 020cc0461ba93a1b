package browser

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightEngine drives a browser through the Playwright driver.
type PlaywrightEngine struct {
	Browser string
}

func (e PlaywrightEngine) Start(ctx context.Context, opts StartOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, err
	}
	bt, err := browserType(pw, e.Browser)
	if err != nil {
		pw.Stop()
		return nil, err
	}
	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     opts.Args,
	}
	if opts.Protocol > 0 {
		launchOpts.Timeout = playwright.Float(millis(opts.Protocol))
	}
	browser, err := bt.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, err
	}
	ctxOpts := playwright.BrowserNewContextOptions{}
	if opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
		ctxOpts.Viewport = &playwright.Size{Width: opts.Viewport.Width, Height: opts.Viewport.Height}
	}
	bctx, err := browser.NewContext(ctxOpts)
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, err
	}
	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		pw.Stop()
		return nil, err
	}
	if opts.Action > 0 {
		page.SetDefaultTimeout(millis(opts.Action))
	}
	if opts.Navigation > 0 {
		page.SetDefaultNavigationTimeout(millis(opts.Navigation))
	}
	return &playwrightSession{pw: pw, browser: browser, ctx: bctx, page: page}, nil
}

type playwrightSession struct {
	pw        *playwright.Playwright
	browser   playwright.Browser
	ctx       playwright.BrowserContext
	page      playwright.Page
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func (s *playwrightSession) live(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return ctx.Err()
}

func (s *playwrightSession) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if err := s.live(ctx); err != nil {
		return err
	}
	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   playwright.Float(millis(Remaining(ctx, timeout))),
	})
	if IsTimeout(err) {
		return Timeout("navigate "+url, err)
	}
	return err
}

func (s *playwrightSession) WaitFor(ctx context.Context, selector string, opts WaitOptions) error {
	if err := s.live(ctx); err != nil {
		return err
	}
	state := playwright.WaitForSelectorStateAttached
	if opts.Visible {
		state = playwright.WaitForSelectorStateVisible
	}
	_, err := s.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   state,
		Timeout: playwright.Float(millis(Remaining(ctx, opts.Timeout))),
	})
	if IsTimeout(err) {
		return Timeout("wait for "+selector, err)
	}
	return err
}

func (s *playwrightSession) Click(ctx context.Context, selector string, opts ActionOptions) error {
	if err := s.live(ctx); err != nil {
		return err
	}
	return s.page.Click(selector, playwright.PageClickOptions{
		Delay:   playwright.Float(millis(opts.Delay)),
		Timeout: playwright.Float(millis(Remaining(ctx, opts.Timeout))),
	})
}

func (s *playwrightSession) Type(ctx context.Context, selector string, text string, opts ActionOptions) error {
	if err := s.live(ctx); err != nil {
		return err
	}
	return s.page.Locator(selector).First().PressSequentially(text, playwright.LocatorPressSequentiallyOptions{
		Delay:   playwright.Float(millis(opts.Delay)),
		Timeout: playwright.Float(millis(Remaining(ctx, opts.Timeout))),
	})
}

func (s *playwrightSession) Select(ctx context.Context, selector string, value string, timeout time.Duration) error {
	if err := s.live(ctx); err != nil {
		return err
	}
	values := []string{value}
	_, err := s.page.SelectOption(selector, playwright.SelectOptionValues{Values: &values}, playwright.PageSelectOptionOptions{
		Timeout: playwright.Float(millis(Remaining(ctx, timeout))),
	})
	return err
}

func (s *playwrightSession) Evaluate(ctx context.Context, js string, arg any) (json.RawMessage, error) {
	if err := s.live(ctx); err != nil {
		return nil, err
	}
	v, err := s.page.Evaluate(js, arg)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *playwrightSession) WaitForFunction(ctx context.Context, js string, timeout time.Duration) error {
	if err := s.live(ctx); err != nil {
		return err
	}
	_, err := s.page.WaitForFunction(js, nil, playwright.PageWaitForFunctionOptions{
		Timeout: playwright.Float(millis(Remaining(ctx, timeout))),
	})
	if IsTimeout(err) {
		return Timeout("wait for function", err)
	}
	return err
}

func (s *playwrightSession) ExpectResponse(pattern *regexp.Regexp) Signal {
	l := newLatch()
	s.page.OnResponse(func(r playwright.Response) {
		if pattern.MatchString(r.URL()) {
			l.fire(nil)
		}
	})
	return l
}

func (s *playwrightSession) ExpectNavigation(timeout time.Duration) Signal {
	l := newLatch()
	main := s.page.MainFrame()
	s.page.OnFrameNavigated(func(f playwright.Frame) {
		if f == main {
			l.fire(nil)
		}
	})
	return SignalFunc(func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := l.Wait(wctx); err != nil {
			return err
		}
		err := s.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateNetworkidle,
			Timeout: playwright.Float(millis(Remaining(wctx, timeout))),
		})
		if err != nil {
			return Timeout("wait for navigation", err)
		}
		return nil
	})
}

func (s *playwrightSession) Screenshot(ctx context.Context, path string, timeout time.Duration) error {
	if err := s.live(ctx); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	_, err := s.page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(path),
		FullPage: playwright.Bool(true),
		Timeout:  playwright.Float(millis(Remaining(ctx, timeout))),
	})
	return err
}

func (s *playwrightSession) URL() string {
	if s.closed.Load() {
		return ""
	}
	return s.page.URL()
}

func (s *playwrightSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		var errs []error
		if s.ctx != nil {
			errs = append(errs, s.ctx.Close())
		}
		if s.browser != nil {
			errs = append(errs, s.browser.Close())
		}
		if s.pw != nil {
			errs = append(errs, s.pw.Stop())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func browserType(pw *playwright.Playwright, name string) (playwright.BrowserType, error) {
	switch name {
	case "chromium", "":
		return pw.Chromium, nil
	case "firefox":
		return pw.Firefox, nil
	case "webkit":
		return pw.WebKit, nil
	default:
		return nil, errors.New("unknown browser: " + name)
	}
}
