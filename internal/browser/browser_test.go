package browser

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"
)

func TestLatchWait(t *testing.T) {
	l := newLatch()
	go l.fire(nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !l.fired() {
		t.Fatalf("expected latch fired")
	}
	l.fire(errors.New("late"))
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("second fire must be ignored, got %v", err)
	}
}

func TestLatchTimeout(t *testing.T) {
	l := newLatch()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !IsTimeout(err) {
		t.Fatalf("IsTimeout should accept %v", err)
	}
}

func TestRemaining(t *testing.T) {
	if d := Remaining(context.Background(), 5*time.Second); d != 5*time.Second {
		t.Fatalf("expected limit without deadline, got %s", d)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if d := Remaining(ctx, time.Minute); d > time.Second {
		t.Fatalf("expected deadline to cap, got %s", d)
	}
	if d := Remaining(ctx, 10*time.Millisecond); d != 10*time.Millisecond {
		t.Fatalf("expected limit to cap, got %s", d)
	}
}

func TestSplitFlag(t *testing.T) {
	name, value := splitFlag("--no-sandbox")
	if name != "no-sandbox" || value != true {
		t.Fatalf("unexpected bare flag: %s=%v", name, value)
	}
	name, value = splitFlag("--window-size=800,600")
	if name != "window-size" || value != "800,600" {
		t.Fatalf("unexpected valued flag: %s=%v", name, value)
	}
	if name, _ := splitFlag("--"); name != "" {
		t.Fatalf("expected empty flag to be skipped")
	}
}

func TestFakeClickFiresArmedSignals(t *testing.T) {
	s := NewFakeSession()
	s.Show("#buy", "#go")
	s.ClickResponses["#buy"] = []string{"https://shop.test/?wc-ajax=add_to_cart"}
	s.ClickNavigates["#go"] = "https://shop.test/checkout"

	resp := s.ExpectResponse(regexp.MustCompile(`add_to_cart`))
	nav := s.ExpectNavigation(time.Second)
	ctx := context.Background()
	if err := s.Click(ctx, "#buy", ActionOptions{}); err != nil {
		t.Fatalf("click: %v", err)
	}
	if err := s.Click(ctx, "#go", ActionOptions{}); err != nil {
		t.Fatalf("click: %v", err)
	}
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := resp.Wait(wctx); err != nil {
		t.Fatalf("response signal: %v", err)
	}
	if err := nav.Wait(wctx); err != nil {
		t.Fatalf("navigation signal: %v", err)
	}
	if s.URL() != "https://shop.test/checkout" {
		t.Fatalf("expected navigation to update url, got %s", s.URL())
	}
}

func TestFakeWaitVisibility(t *testing.T) {
	s := NewFakeSession()
	s.Attach(".hidden")
	ctx := context.Background()
	if err := s.WaitFor(ctx, ".hidden", WaitOptions{}); err != nil {
		t.Fatalf("attached element should satisfy presence: %v", err)
	}
	if err := s.WaitFor(ctx, ".hidden", WaitOptions{Visible: true}); !IsTimeout(err) {
		t.Fatalf("expected visibility timeout, got %v", err)
	}
	if err := s.WaitFor(ctx, ".missing", WaitOptions{}); !IsTimeout(err) {
		t.Fatalf("expected missing timeout, got %v", err)
	}
}

func TestFakeEngineStartErrors(t *testing.T) {
	engine := &FakeEngine{StartErrs: []error{errors.New("launch failed"), nil}}
	if _, err := engine.Start(context.Background(), StartOptions{}); err == nil {
		t.Fatalf("expected first start to fail")
	}
	s, err := engine.Start(context.Background(), StartOptions{Headless: true})
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if s == nil || engine.Starts != 2 || !engine.Options.Headless {
		t.Fatalf("unexpected engine state: %+v", engine)
	}
}
