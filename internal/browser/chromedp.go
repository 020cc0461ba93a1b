package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// quietWindow is how long the network must stay idle to count as settled.
const quietWindow = 500 * time.Millisecond

// ChromedpEngine drives Chrome over the DevTools protocol directly.
type ChromedpEngine struct {
	ExecPath string
}

func (e ChromedpEngine) Start(ctx context.Context, opts StartOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts, chromedp.Flag("headless", opts.Headless))
	if opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
		allocOpts = append(allocOpts, chromedp.WindowSize(opts.Viewport.Width, opts.Viewport.Height))
	}
	if e.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(e.ExecPath))
	}
	for _, arg := range opts.Args {
		name, value := splitFlag(arg)
		if name == "" {
			continue
		}
		allocOpts = append(allocOpts, chromedp.Flag(name, value))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	s := &chromedpSession{
		ctx:      tabCtx,
		cancel:   func() { tabCancel(); allocCancel() },
		inflight: make(map[network.RequestID]struct{}),
		action:   opts.Action,
	}
	chromedp.ListenTarget(tabCtx, s.onEvent)

	// The first Run allocates the browser and must not see a derived timeout
	// context, or the browser dies with it; bound it from the outside instead.
	errCh := make(chan error, 1)
	go func() {
		errCh <- chromedp.Run(tabCtx, network.Enable())
	}()
	limit := opts.Protocol
	if limit <= 0 {
		limit = 2 * time.Minute
	}
	timer := time.NewTimer(Remaining(ctx, limit))
	defer timer.Stop()
	select {
	case err := <-errCh:
		if err != nil {
			s.cancel()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
	case <-timer.C:
		s.cancel()
		return nil, Timeout("start chrome", context.DeadlineExceeded)
	case <-ctx.Done():
		s.cancel()
		return nil, ctx.Err()
	}
	return s, nil
}

// splitFlag turns "--name=value" into a chromedp flag; bare flags become true.
func splitFlag(arg string) (string, any) {
	arg = strings.TrimLeft(arg, "-")
	if arg == "" {
		return "", nil
	}
	if name, value, ok := strings.Cut(arg, "="); ok {
		return name, value
	}
	return arg, true
}

type chromedpSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	action time.Duration

	mu        sync.Mutex
	inflight  map[network.RequestID]struct{}
	lastBusy  time.Time
	responses []responseWatch
	navs      []*latch

	closed    atomic.Bool
	closeOnce sync.Once
}

type responseWatch struct {
	pattern *regexp.Regexp
	latch   *latch
}

func (s *chromedpSession) onEvent(ev any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		s.inflight[e.RequestID] = struct{}{}
		s.lastBusy = time.Now()
	case *network.EventLoadingFinished:
		delete(s.inflight, e.RequestID)
		s.lastBusy = time.Now()
	case *network.EventLoadingFailed:
		delete(s.inflight, e.RequestID)
		s.lastBusy = time.Now()
	case *network.EventResponseReceived:
		if e.Response == nil {
			return
		}
		for _, w := range s.responses {
			if w.pattern.MatchString(e.Response.URL) {
				w.latch.fire(nil)
			}
		}
	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		for _, l := range s.navs {
			l.fire(nil)
		}
		s.navs = nil
	}
}

// waitQuiet polls until no request has been in flight for quietWindow.
func (s *chromedpSession) waitQuiet(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		idle := len(s.inflight) == 0 && time.Since(s.lastBusy) >= quietWindow
		s.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Timeout("wait for network idle", ctx.Err())
		}
	}
}

func (s *chromedpSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(s.ctx, Remaining(ctx, timeout))
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Run(rctx, actions...)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(rctx.Err(), context.DeadlineExceeded)) {
		return Timeout("chromedp", err)
	}
	return err
}

func (s *chromedpSession) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	nctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.run(nctx, timeout, chromedp.Navigate(url)); err != nil {
		return err
	}
	return s.waitQuiet(nctx)
}

func (s *chromedpSession) WaitFor(ctx context.Context, selector string, opts WaitOptions) error {
	if opts.Visible {
		return s.run(ctx, opts.Timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
	}
	return s.run(ctx, opts.Timeout, chromedp.WaitReady(selector, chromedp.ByQuery))
}

func (s *chromedpSession) Click(ctx context.Context, selector string, opts ActionOptions) error {
	actions := []chromedp.Action{chromedp.WaitVisible(selector, chromedp.ByQuery)}
	if opts.Delay > 0 {
		actions = append(actions, chromedp.Sleep(opts.Delay))
	}
	actions = append(actions, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
	return s.run(ctx, opts.Timeout, actions...)
}

func (s *chromedpSession) Type(ctx context.Context, selector string, text string, opts ActionOptions) error {
	actions := []chromedp.Action{chromedp.WaitVisible(selector, chromedp.ByQuery)}
	for _, r := range text {
		actions = append(actions, chromedp.SendKeys(selector, string(r), chromedp.ByQuery))
		if opts.Delay > 0 {
			actions = append(actions, chromedp.Sleep(opts.Delay))
		}
	}
	return s.run(ctx, opts.Timeout, actions...)
}

func (s *chromedpSession) Select(ctx context.Context, selector string, value string, timeout time.Duration) error {
	sel, _ := json.Marshal(selector)
	val, _ := json.Marshal(value)
	js := fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) throw new Error("select: element not found");
  el.value = %s;
  el.dispatchEvent(new Event("input", { bubbles: true }));
  el.dispatchEvent(new Event("change", { bubbles: true }));
  return el.value;
})()`, sel, val)
	var got string
	return s.run(ctx, timeout,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Evaluate(js, &got),
	)
}

func (s *chromedpSession) Evaluate(ctx context.Context, js string, arg any) (json.RawMessage, error) {
	argJSON, err := json.Marshal(arg)
	if err != nil {
		return nil, err
	}
	var raw []byte
	expr := "(" + js + ")(" + string(argJSON) + ")"
	if err := s.run(ctx, s.action, chromedp.Evaluate(expr, &raw)); err != nil {
		return nil, err
	}
	return raw, nil
}

func (s *chromedpSession) WaitForFunction(ctx context.Context, js string, timeout time.Duration) error {
	return s.run(ctx, timeout, chromedp.Poll("("+js+")()", nil,
		chromedp.WithPollingInterval(100*time.Millisecond),
		chromedp.WithPollingTimeout(timeout),
	))
}

func (s *chromedpSession) ExpectResponse(pattern *regexp.Regexp) Signal {
	l := newLatch()
	s.mu.Lock()
	s.responses = append(s.responses, responseWatch{pattern: pattern, latch: l})
	s.mu.Unlock()
	return l
}

func (s *chromedpSession) ExpectNavigation(timeout time.Duration) Signal {
	l := newLatch()
	s.mu.Lock()
	s.navs = append(s.navs, l)
	s.mu.Unlock()
	return SignalFunc(func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := l.Wait(wctx); err != nil {
			return err
		}
		if err := s.run(wctx, timeout, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
			return err
		}
		return s.waitQuiet(wctx)
	})
}

func (s *chromedpSession) Screenshot(ctx context.Context, path string, timeout time.Duration) error {
	var buf []byte
	// Any quality below 100 makes chromedp encode JPEG.
	if err := s.run(ctx, timeout, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return fmt.Errorf("capture screenshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

func (s *chromedpSession) URL() string {
	var url string
	if err := s.run(context.Background(), s.action, chromedp.Location(&url)); err != nil {
		return ""
	}
	return url
}

func (s *chromedpSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		_ = chromedp.Cancel(s.ctx)
		s.cancel()
	})
	return nil
}
