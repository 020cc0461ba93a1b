// Package invoker runs the funnel in a child process under a wall-clock
// budget, the way a caller of the run command would.
package invoker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/patrickjm/funnelcheck/internal/report"
)

// DefaultBudget is the wall clock a caller gives one run.
const DefaultBudget = 30 * time.Second

var ErrBudgetExceeded = errors.New("run exceeded its time budget")

// ExitError is a run that finished with a non-zero status.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("run exited with status %d", e.Code)
	}
	return fmt.Sprintf("run exited with status %d: %s", e.Code, lastLine(msg))
}

type Result struct {
	Report   report.Report
	Raw      []byte
	ExitCode int
	Stderr   string
	Elapsed  time.Duration
}

// HasReport reports whether the child printed a parsable report.
func (r Result) HasReport() bool {
	return len(r.Raw) > 0
}

type Invoker struct {
	// BinaryPath defaults to the running executable.
	BinaryPath string
	// Args go before "run URL", e.g. --config or --engine.
	Args    []string
	Budget  time.Duration
	Env     []string
	WaitFor time.Duration
}

func (i Invoker) budget() time.Duration {
	if i.Budget > 0 {
		return i.Budget
	}
	return DefaultBudget
}

// Run executes "<binary> [args] run url" and parses the report from stdout.
// A report is returned alongside ExitError when the run failed but still
// printed one.
func (i Invoker) Run(ctx context.Context, url string) (Result, error) {
	bin := i.BinaryPath
	if bin == "" {
		path, err := os.Executable()
		if err != nil {
			return Result{}, err
		}
		bin = path
	}
	budget := i.budget()
	rctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	args := append(append([]string{}, i.Args...), "run", url)
	cmd := exec.CommandContext(rctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = nil
	if len(i.Env) > 0 {
		cmd.Env = append(os.Environ(), i.Env...)
	}
	killGroup(cmd)
	cmd.WaitDelay = i.WaitFor
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	start := time.Now()
	runErr := cmd.Run()
	res := Result{Stderr: stderr.String(), Elapsed: time.Since(start)}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return res, fmt.Errorf("%w (%s)", ErrBudgetExceeded, budget)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		rep, err := report.Parse(out)
		if err != nil {
			if runErr == nil {
				return res, fmt.Errorf("parse report: %w", err)
			}
		} else {
			res.Report = rep
			res.Raw = out
		}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return res, &ExitError{Code: res.ExitCode, Stderr: res.Stderr}
		}
		return res, runErr
	}
	if !res.HasReport() {
		return res, errors.New("run printed no report")
	}
	return res, nil
}

func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
