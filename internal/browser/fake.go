package browser

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"time"
)

type FakeEngine struct {
	Session   *FakeSession
	StartErrs []error
	Starts    int
	Options   StartOptions
}

func (f *FakeEngine) Start(ctx context.Context, opts StartOptions) (Session, error) {
	f.Starts++
	f.Options = opts
	if f.Starts <= len(f.StartErrs) {
		if err := f.StartErrs[f.Starts-1]; err != nil {
			return nil, err
		}
	}
	if f.Session == nil {
		f.Session = NewFakeSession()
	}
	return f.Session, nil
}

// FakeSession is a scripted page. Selectors in Present exist (true means
// visible); clicks can fire responses, navigations and reveal new elements.
type FakeSession struct {
	mu sync.Mutex

	URLValue       string
	Present        map[string]bool
	NavigateErrs   map[string]error
	ClickErrs      map[string]error
	ClickResponses map[string][]string
	ClickNavigates map[string]string
	ClickReveals   map[string][]string
	FunctionOK     bool
	EvalFunc       func(js string, arg any) (any, error)
	PanicOnClick   string

	Calls      []string
	Waits      []string
	Clicks     []string
	Typed      []string
	Selected   []string
	Shots      []string
	CloseCount int

	responses []responseWatch
	navs      []*latch
}

func NewFakeSession() *FakeSession {
	return &FakeSession{
		Present:        map[string]bool{},
		NavigateErrs:   map[string]error{},
		ClickErrs:      map[string]error{},
		ClickResponses: map[string][]string{},
		ClickNavigates: map[string]string{},
		ClickReveals:   map[string][]string{},
	}
}

// Show marks selectors as present and visible.
func (f *FakeSession) Show(selectors ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sel := range selectors {
		f.Present[sel] = true
	}
}

// Attach marks selectors as present but not visible.
func (f *FakeSession) Attach(selectors ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sel := range selectors {
		f.Present[sel] = false
	}
}

func (f *FakeSession) record(call string) {
	f.Calls = append(f.Calls, call)
}

func (f *FakeSession) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("navigate " + url)
	if err := f.NavigateErrs[url]; err != nil {
		return err
	}
	f.URLValue = url
	return nil
}

func (f *FakeSession) WaitFor(ctx context.Context, selector string, opts WaitOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("wait " + selector)
	f.Waits = append(f.Waits, selector)
	visible, ok := f.Present[selector]
	if !ok || (opts.Visible && !visible) {
		return Timeout("wait for "+selector, context.DeadlineExceeded)
	}
	return nil
}

func (f *FakeSession) Click(ctx context.Context, selector string, opts ActionOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("click " + selector)
	if f.PanicOnClick != "" && f.PanicOnClick == selector {
		panic("fake: click exploded on " + selector)
	}
	if err := f.ClickErrs[selector]; err != nil {
		return err
	}
	if _, ok := f.Present[selector]; !ok {
		return Timeout("click "+selector, context.DeadlineExceeded)
	}
	f.Clicks = append(f.Clicks, selector)
	for _, sel := range f.ClickReveals[selector] {
		f.Present[sel] = true
	}
	for _, url := range f.ClickResponses[selector] {
		for _, w := range f.responses {
			if w.pattern.MatchString(url) {
				w.latch.fire(nil)
			}
		}
	}
	if url, ok := f.ClickNavigates[selector]; ok {
		f.URLValue = url
		for _, l := range f.navs {
			l.fire(nil)
		}
		f.navs = nil
	}
	return nil
}

func (f *FakeSession) Type(ctx context.Context, selector string, text string, opts ActionOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("type " + selector)
	if _, ok := f.Present[selector]; !ok {
		return Timeout("type "+selector, context.DeadlineExceeded)
	}
	f.Typed = append(f.Typed, selector+"="+text)
	return nil
}

func (f *FakeSession) Select(ctx context.Context, selector string, value string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("select " + selector)
	if _, ok := f.Present[selector]; !ok {
		return Timeout("select "+selector, context.DeadlineExceeded)
	}
	f.Selected = append(f.Selected, selector+"="+value)
	return nil
}

func (f *FakeSession) Evaluate(ctx context.Context, js string, arg any) (json.RawMessage, error) {
	f.mu.Lock()
	eval := f.EvalFunc
	f.record("evaluate")
	f.mu.Unlock()
	if eval == nil {
		return nil, errors.New("no eval result")
	}
	v, err := eval(js, arg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (f *FakeSession) WaitForFunction(ctx context.Context, js string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("wait function")
	if !f.FunctionOK {
		return Timeout("wait for function", context.DeadlineExceeded)
	}
	return nil
}

func (f *FakeSession) ExpectResponse(pattern *regexp.Regexp) Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := newLatch()
	f.responses = append(f.responses, responseWatch{pattern: pattern, latch: l})
	return l
}

func (f *FakeSession) ExpectNavigation(timeout time.Duration) Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := newLatch()
	f.navs = append(f.navs, l)
	return SignalFunc(func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return l.Wait(wctx)
	})
}

func (f *FakeSession) Screenshot(ctx context.Context, path string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("shot " + path)
	f.Shots = append(f.Shots, path)
	return nil
}

func (f *FakeSession) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.URLValue
}

func (f *FakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CloseCount++
	return nil
}
