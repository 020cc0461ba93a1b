package report

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/patrickjm/funnelcheck/internal/failure"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return t0.Add(time.Duration(ms) * time.Millisecond)
}

func TestWithStepDoesNotAlias(t *testing.T) {
	base := New("run", "https://shop.test", "playwright", t0)
	a := base.WithStep(Completed(StepHomepage, at(0), at(10)))
	b := a.WithStep(Completed(StepProductPage, at(10), at(30)))
	c := a.WithStep(Failed(StepProductPage, at(10), at(20), errors.New("boom")))

	if len(base.Steps) != 0 || len(a.Steps) != 1 {
		t.Fatalf("earlier values changed: base=%d a=%d", len(base.Steps), len(a.Steps))
	}
	if b.Steps[1].Status != StatusCompleted || c.Steps[1].Status != StatusFailed {
		t.Fatalf("sibling reports share storage: %+v %+v", b.Steps[1], c.Steps[1])
	}
}

func TestFinalizeTotalsAndSuccess(t *testing.T) {
	r := New("run", "https://shop.test", "playwright", t0)
	for i, name := range Steps {
		r = r.WithStep(Completed(name, at(i*100), at(i*100+40+i)))
	}
	r = r.Finalize(at(900))

	var sum int64
	for _, s := range r.Steps {
		sum += s.Duration
	}
	if r.TotalTime != sum || sum != 5*40+0+1+2+3+4 {
		t.Fatalf("expected total %d, got %d", sum, r.TotalTime)
	}
	if !r.Success || r.State != StateDone {
		t.Fatalf("expected success, got %+v", r)
	}
	if !r.EndTime.Equal(at(900)) {
		t.Fatalf("unexpected end time %s", r.EndTime)
	}
}

func TestFinalizeFailure(t *testing.T) {
	r := New("run", "https://shop.test", "playwright", t0)
	r = r.WithStep(Completed(StepHomepage, at(0), at(15)))
	r = r.WithStep(Failed(StepProductPage, at(15), at(40), errors.New("nav timeout")))
	r = r.WithError(r.ErrorFrom("Navigating", failure.NavigationTimeout("navigate", errors.New("slow")), at(41)))
	r = r.Finalize(at(50))

	if r.Success || r.State != StateAborted {
		t.Fatalf("expected aborted run, got %+v", r)
	}
	if r.TotalTime != 40 {
		t.Fatalf("expected 40ms total, got %d", r.TotalTime)
	}
	if got := r.Errors[0]; got.Step != StepProductPage || got.Kind != failure.KindNavigationTimeout {
		t.Fatalf("unexpected error record %+v", got)
	}
	if s, ok := r.FailedStep(); !ok || s.Name != StepProductPage || s.Error != "nav timeout" {
		t.Fatalf("unexpected failed step %+v", s)
	}
}

func TestFinalizeOnce(t *testing.T) {
	r := New("run", "u", "e", t0).WithStep(Completed(StepHomepage, at(0), at(5)))
	r = r.Finalize(at(10))
	again := r.WithStep(Completed(StepProductPage, at(5), at(50))).WithError(ErrorRecord{Error: "late"}).Finalize(at(99))
	if len(again.Steps) != 1 || len(again.Errors) != 0 || !again.EndTime.Equal(at(10)) {
		t.Fatalf("finalized report was modified: %+v", again)
	}
}

func TestErrorFromUnknownStep(t *testing.T) {
	r := New("run", "", "e", t0)
	rec := r.ErrorFrom("Init", failure.Input(failure.ErrNoURL), at(1))
	if rec.Step != UnknownStep || rec.Kind != failure.KindInput {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestErrorFromContext(t *testing.T) {
	r := New("run", "u", "e", t0).WithStep(Completed(StepHomepage, at(0), at(5)))
	rec := r.ErrorFrom("ProductSearch", failure.ElementNotFound("find product link", "product link", []string{".a", ".b"}), at(6))
	if rec.Context["element"] != "product link" {
		t.Fatalf("missing element context: %+v", rec.Context)
	}
	tried, _ := rec.Context["tried"].([]string)
	if len(tried) != 2 {
		t.Fatalf("missing tried context: %+v", rec.Context)
	}
}

func TestJSONShape(t *testing.T) {
	r := New("run", "https://shop.test", "playwright", t0).Finalize(at(1))
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, key := range []string{`"url"`, `"startTime"`, `"endTime"`, `"totalTime"`, `"steps":[]`, `"errors":[]`, `"success"`} {
		if !strings.Contains(string(b), key) {
			t.Fatalf("expected %s in %s", key, b)
		}
	}
	parsed, err := Parse(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Finalized() || parsed.URL != r.URL {
		t.Fatalf("unexpected parsed report %+v", parsed)
	}
}

func TestTimestampsAreUTC(t *testing.T) {
	zone := time.FixedZone("BRT", -3*60*60)
	start := time.Now().In(zone)
	end := start.Add(1500 * time.Millisecond)

	r := New("run", "https://shop.test", "playwright", start)
	r = r.WithStep(Completed(StepHomepage, start, end))
	r = r.Finalize(end)

	if r.StartTime.Location() != time.UTC || r.EndTime.Location() != time.UTC {
		t.Fatalf("expected UTC run times, got %s %s", r.StartTime.Location(), r.EndTime.Location())
	}
	if r.Steps[0].Timestamp.Location() != time.UTC || !r.Steps[0].Timestamp.Equal(end) {
		t.Fatalf("unexpected step timestamp %s", r.Steps[0].Timestamp)
	}
	if r.Steps[0].Duration != 1500 {
		t.Fatalf("expected 1500ms, got %d", r.Steps[0].Duration)
	}
}
