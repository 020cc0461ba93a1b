package invoker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess stands in for the funnelcheck binary when re-executed
// by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("FUNNELCHECK_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "run" {
		args = args[1:]
	}
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, `{"status":"error","message":"no URL provided"}`)
		os.Exit(1)
	}
	switch args[1] {
	case "https://ok.test/":
		fmt.Println(`{"runId":"r1","url":"https://ok.test/","startTime":"2024-05-01T12:00:00Z","endTime":"2024-05-01T12:00:01Z","totalTime":900,"steps":[{"name":"homepage","status":"completed","timestamp":"2024-05-01T12:00:01Z","duration":900}],"errors":[],"success":true}`)
		os.Exit(0)
	case "https://fail.test/":
		fmt.Println(`{"url":"https://fail.test/","startTime":"2024-05-01T12:00:00Z","endTime":"2024-05-01T12:00:01Z","totalTime":10,"steps":[],"errors":[{"step":"unknown","kind":"UnhandledFault","error":"launch browser: no chrome","timestamp":"2024-05-01T12:00:01Z"}],"success":false}`)
		fmt.Fprintln(os.Stderr, "launch failed")
		os.Exit(1)
	case "https://garbage.test/":
		fmt.Println("not json")
		os.Exit(0)
	case "https://slow.test/":
		time.Sleep(10 * time.Second)
		os.Exit(0)
	}
	os.Exit(3)
}

func helper() Invoker {
	return Invoker{
		BinaryPath: os.Args[0],
		Args:       []string{"-test.run=TestHelperProcess", "--"},
		Env:        []string{"FUNNELCHECK_HELPER_PROCESS=1"},
		Budget:     5 * time.Second,
	}
}

func TestRunSuccess(t *testing.T) {
	res, err := helper().Run(context.Background(), "https://ok.test/")
	require.NoError(t, err)
	require.True(t, res.HasReport())
	assert.True(t, res.Report.Success)
	assert.Equal(t, "r1", res.Report.RunID)
	assert.Equal(t, int64(900), res.Report.TotalTime)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunFailureKeepsReport(t *testing.T) {
	res, err := helper().Run(context.Background(), "https://fail.test/")
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "expected ExitError, got %v", err)
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, exitErr.Error(), "launch failed")
	require.True(t, res.HasReport())
	assert.False(t, res.Report.Success)
	require.Len(t, res.Report.Errors, 1)
	assert.Equal(t, "unknown", res.Report.Errors[0].Step)
}

func TestRunUnparsableOutput(t *testing.T) {
	_, err := helper().Run(context.Background(), "https://garbage.test/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse report")
}

func TestRunBudgetExceeded(t *testing.T) {
	inv := helper()
	inv.Budget = 200 * time.Millisecond
	start := time.Now()
	_, err := inv.Run(context.Background(), "https://slow.test/")
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := helper().Run(ctx, "https://ok.test/")
	require.ErrorIs(t, err, context.Canceled)
}
