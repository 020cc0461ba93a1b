package resolve

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/patrickjm/funnelcheck/internal/browser"
	"github.com/patrickjm/funnelcheck/internal/failure"
)

func TestResolveStopsAtFirstMatch(t *testing.T) {
	s := browser.NewFakeSession()
	s.Show(".third", ".fourth")
	candidates := []string{".first", ".second", ".third", ".fourth"}

	out, err := Resolve(context.Background(), s, candidates, Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !out.Found() || out.Selector != ".third" || out.Index != 2 {
		t.Fatalf("expected .third at index 2, got %+v", out)
	}
	want := []string{".first", ".second", ".third"}
	if len(s.Waits) != len(want) {
		t.Fatalf("expected %d waits, got %v", len(want), s.Waits)
	}
	for i, sel := range want {
		if s.Waits[i] != sel {
			t.Fatalf("wait %d: expected %s, got %s", i, sel, s.Waits[i])
		}
	}
}

func TestResolveVisibility(t *testing.T) {
	s := browser.NewFakeSession()
	s.Attach(".hidden")
	s.Show(".shown")

	out, err := Resolve(context.Background(), s, []string{".hidden", ".shown"}, Options{Visible: true})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Selector != ".shown" {
		t.Fatalf("expected hidden candidate to be skipped, got %+v", out)
	}
}

func TestResolveExhausted(t *testing.T) {
	s := browser.NewFakeSession()
	candidates := []string{".a", ".b"}
	out, err := Resolve(context.Background(), s, candidates, Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Found() {
		t.Fatalf("expected not found, got %+v", out)
	}
	if len(out.Tried) != 2 {
		t.Fatalf("expected both candidates tried, got %v", out.Tried)
	}
	err = NotFound("find add to cart", "add to cart button", out)
	if failure.KindOf(err) != failure.KindElementNotFound {
		t.Fatalf("expected ElementNotFound, got %v", failure.KindOf(err))
	}
	fe, _ := failure.As(err)
	if len(fe.Tried) != 2 || fe.Tried[1] != ".b" {
		t.Fatalf("expected tried selectors in error, got %v", fe.Tried)
	}
}

func TestResolveEmptyList(t *testing.T) {
	out, err := Resolve(context.Background(), browser.NewFakeSession(), nil, Options{})
	if err != nil || out.Found() {
		t.Fatalf("expected empty not found, got %+v %v", out, err)
	}
}

type cancelWaiter struct {
	cancel context.CancelFunc
	calls  int
}

func (w *cancelWaiter) WaitFor(ctx context.Context, selector string, opts browser.WaitOptions) error {
	w.calls++
	w.cancel()
	return ctx.Err()
}

func TestResolveStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &cancelWaiter{cancel: cancel}
	_, err := Resolve(ctx, w, []string{".a", ".b", ".c"}, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if w.calls != 1 {
		t.Fatalf("expected no candidates after cancel, got %d calls", w.calls)
	}
}
