// Package report holds the per-run result document and the value-style
// builder the funnel threads through its steps.
package report

import (
	"encoding/json"
	"time"

	"github.com/patrickjm/funnelcheck/internal/failure"
)

const (
	StepHomepage         = "homepage"
	StepProductPage      = "product_page"
	StepAddToCart        = "add_to_cart"
	StepGoToCheckout     = "go_to_checkout"
	StepFillCheckoutForm = "fill_checkout_form"

	StatusCompleted = "completed"
	StatusFailed    = "failed"

	StateDone    = "done"
	StateAborted = "aborted"

	// UnknownStep names the step of an error raised before any step was recorded.
	UnknownStep = "unknown"
)

// Steps lists every funnel step in the order a full run records them.
var Steps = []string{StepHomepage, StepProductPage, StepAddToCart, StepGoToCheckout, StepFillCheckoutForm}

type Report struct {
	RunID     string        `json:"runId,omitempty"`
	URL       string        `json:"url"`
	Engine    string        `json:"engine,omitempty"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	TotalTime int64         `json:"totalTime"`
	Steps     []StepOutcome `json:"steps"`
	Errors    []ErrorRecord `json:"errors"`
	Success   bool          `json:"success"`
	State     string        `json:"state,omitempty"`

	finalized bool
}

type StepOutcome struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	// Duration is in milliseconds.
	Duration int64  `json:"duration"`
	URL      string `json:"url,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s StepOutcome) Completed() bool {
	return s.Status == StatusCompleted
}

type ErrorRecord struct {
	Step      string          `json:"step"`
	Stage     string          `json:"stage,omitempty"`
	Kind      failure.Kind    `json:"kind,omitempty"`
	Error     string          `json:"error"`
	Context   map[string]any  `json:"context,omitempty"`
	Stack     []failure.Frame `json:"stack,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func New(runID, url, engine string, start time.Time) Report {
	return Report{
		RunID:     runID,
		URL:       url,
		Engine:    engine,
		StartTime: start.UTC(),
		Steps:     []StepOutcome{},
		Errors:    []ErrorRecord{},
	}
}

// Completed builds a successful outcome for a step that started at start.
func Completed(name string, start, end time.Time) StepOutcome {
	return StepOutcome{Name: name, Status: StatusCompleted, Timestamp: end.UTC(), Duration: elapsedMillis(start, end)}
}

// Failed builds a failed outcome carrying err's message.
func Failed(name string, start, end time.Time, err error) StepOutcome {
	out := StepOutcome{Name: name, Status: StatusFailed, Timestamp: end.UTC(), Duration: elapsedMillis(start, end)}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// elapsedMillis relies on the monotonic readings in start and end when both
// come from time.Now.
func elapsedMillis(start, end time.Time) int64 {
	d := end.Sub(start).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}

// WithStep returns a copy of r with outcome appended. The receiver is left untouched.
func (r Report) WithStep(outcome StepOutcome) Report {
	if r.finalized {
		return r
	}
	steps := make([]StepOutcome, len(r.Steps), len(r.Steps)+1)
	copy(steps, r.Steps)
	r.Steps = append(steps, outcome)
	return r
}

// WithError returns a copy of r with rec appended.
func (r Report) WithError(rec ErrorRecord) Report {
	if r.finalized {
		return r
	}
	errs := make([]ErrorRecord, len(r.Errors), len(r.Errors)+1)
	copy(errs, r.Errors)
	r.Errors = append(errs, rec)
	return r
}

// LastStep names the most recently recorded step, or UnknownStep.
func (r Report) LastStep() string {
	if len(r.Steps) == 0 {
		return UnknownStep
	}
	return r.Steps[len(r.Steps)-1].Name
}

// ErrorFrom classifies err into a record attributed to the last recorded step.
func (r Report) ErrorFrom(stage string, err error, at time.Time) ErrorRecord {
	rec := ErrorRecord{
		Step:      r.LastStep(),
		Stage:     stage,
		Kind:      failure.KindOf(err),
		Timestamp: at.UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if fe, ok := failure.As(err); ok {
		if fe.Element != "" || len(fe.Tried) > 0 {
			rec.Context = map[string]any{}
			if fe.Element != "" {
				rec.Context["element"] = fe.Element
			}
			if len(fe.Tried) > 0 {
				rec.Context["tried"] = append([]string(nil), fe.Tried...)
			}
		}
		rec.Stack = fe.Stack
	}
	return rec
}

// Finalize stamps end time, total time and success. Only the first call has
// any effect.
func (r Report) Finalize(end time.Time) Report {
	if r.finalized {
		return r
	}
	var total int64
	allCompleted := true
	for _, s := range r.Steps {
		total += s.Duration
		if !s.Completed() {
			allCompleted = false
		}
	}
	r.EndTime = end.UTC()
	r.TotalTime = total
	r.Success = len(r.Errors) == 0 && allCompleted
	if r.Success {
		r.State = StateDone
	} else {
		r.State = StateAborted
	}
	r.finalized = true
	return r
}

func (r Report) Finalized() bool {
	return r.finalized
}

// FailedStep returns the first failed step, if any.
func (r Report) FailedStep() (StepOutcome, bool) {
	for _, s := range r.Steps {
		if !s.Completed() {
			return s, true
		}
	}
	return StepOutcome{}, false
}

// Parse reads a report written by MarshalIndent. Parsed reports count as finalized.
func Parse(b []byte) (Report, error) {
	var r Report
	if err := json.Unmarshal(b, &r); err != nil {
		return Report{}, err
	}
	r.finalized = true
	return r, nil
}
