package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/patrickjm/funnelcheck/internal/browser"
	"github.com/patrickjm/funnelcheck/internal/config"
	"github.com/patrickjm/funnelcheck/internal/failure"
	"github.com/patrickjm/funnelcheck/internal/funnel"
	"github.com/patrickjm/funnelcheck/internal/history"
	"github.com/patrickjm/funnelcheck/internal/invoker"
	"github.com/patrickjm/funnelcheck/internal/logging"
	"github.com/patrickjm/funnelcheck/internal/server"
)

type GlobalFlags struct {
	Config        string
	Engine        string
	Browser       string
	Headed        bool
	ScreenshotDir string
	DataDir       string
	JSON          bool
	Quiet         bool
	Verbose       bool
	LogJSON       bool
	Save          bool
	Addr          string
	Budget        string
	MaxConcurrent int
}

type App struct {
	Out io.Writer
	Err io.Writer
	// Engine overrides the browser engine picked from config.
	Engine browser.Engine
}

type env struct {
	cfg    config.Config
	store  history.Store
	logger *zap.Logger
}

func (a App) prepare(flags GlobalFlags) (env, error) {
	cfg, err := config.Load(flags.Config, config.Overrides{
		Engine:        flags.Engine,
		Browser:       flags.Browser,
		Headed:        flags.Headed,
		ScreenshotDir: flags.ScreenshotDir,
		DataDir:       flags.DataDir,
	})
	if err != nil {
		return env{}, err
	}
	logger := logging.New(a.Err, logging.Options{Verbose: flags.Verbose, Quiet: flags.Quiet, JSON: flags.LogJSON})
	store := history.Store{Root: cfg.DataDir, DefaultTTL: cfg.HistoryTTL}
	return env{cfg: cfg, store: store, logger: logger}, nil
}

const (
	exitSuccess  = 0
	exitFailure  = 1
	exitUsage    = 2
	exitNotFound = 3
)

func (a App) engine(cfg config.Config) browser.Engine {
	if a.Engine != nil {
		return a.Engine
	}
	if cfg.Engine == config.EngineChromedp {
		return browser.ChromedpEngine{}
	}
	return browser.PlaywrightEngine{Browser: cfg.Browser}
}

type errorOutput struct {
	Status  string       `json:"status"`
	Kind    failure.Kind `json:"kind,omitempty"`
	Message string       `json:"message"`
	Error   string       `json:"error,omitempty"`
}

func (a App) printError(out errorOutput) {
	b, _ := json.Marshal(out)
	fmt.Fprintln(a.Err, string(b))
}

// runFunnel prints exactly one report on stdout, or a JSON error on stderr
// when no report could be built.
func (a App) runFunnel(ctx context.Context, e env, flags GlobalFlags, args []string) (code int) {
	defer func() {
		if v := recover(); v != nil {
			err := failure.Unhandled("run", v)
			a.printError(errorOutput{Status: "error", Kind: failure.KindUnhandledFault, Message: "unhandled fault", Error: err.Error()})
			code = exitFailure
		}
	}()

	target := ""
	if len(args) > 0 {
		target = strings.TrimSpace(args[0])
	}
	if err := funnel.ValidateURL(target); err != nil {
		msg := failure.ErrNoURL.Error()
		if !errors.Is(err, failure.ErrNoURL) {
			msg = "invalid URL"
		}
		a.printError(errorOutput{Status: "error", Message: msg, Error: errorDetail(err, msg)})
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := funnel.Runner{Engine: a.engine(e.cfg), Config: e.cfg, Logger: e.logger}
	rep, runErr := runner.Run(ctx, target)

	b, err := json.Marshal(rep)
	if err != nil {
		a.printError(errorOutput{Status: "error", Kind: failure.KindUnhandledFault, Message: "encode report", Error: err.Error()})
		return exitFailure
	}
	fmt.Fprintln(a.Out, string(b))

	if flags.Save {
		if entry, err := e.store.Save(rep); err != nil {
			e.logger.Warn("save history", zap.Error(err))
		} else {
			e.logger.Info("report saved", zap.String("id", entry.ID))
		}
	}
	if runErr != nil || !rep.Success {
		return exitFailure
	}
	return exitSuccess
}

func errorDetail(err error, msg string) string {
	if err.Error() == msg || strings.HasSuffix(err.Error(), ": "+msg) {
		return ""
	}
	return err.Error()
}

func (a App) runServe(ctx context.Context, e env, flags GlobalFlags) int {
	budget := invoker.DefaultBudget
	if strings.TrimSpace(flags.Budget) != "" {
		d, err := time.ParseDuration(flags.Budget)
		if err != nil || d <= 0 {
			fmt.Fprintf(a.Err, "invalid budget %q\n", flags.Budget)
			return exitUsage
		}
		budget = d
	}
	inv := invoker.Invoker{Args: childArgs(flags), Budget: budget}
	store := e.store
	srv := server.New(server.Options{
		Runner:        inv,
		History:       &store,
		Logger:        e.logger,
		MaxConcurrent: flags.MaxConcurrent,
		Backlog:       flags.MaxConcurrent * 4,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.ListenAndServe(ctx, flags.Addr); err != nil {
		e.logger.Error("serve", zap.Error(err))
		return exitFailure
	}
	return exitSuccess
}

// childArgs forwards the flags that shape a run to the re-executed binary.
func childArgs(flags GlobalFlags) []string {
	args := []string{"--quiet"}
	if flags.Config != "" {
		args = append(args, "--config", flags.Config)
	}
	if flags.Engine != "" {
		args = append(args, "--engine", flags.Engine)
	}
	if flags.Browser != "" {
		args = append(args, "--browser", flags.Browser)
	}
	if flags.Headed {
		args = append(args, "--headed")
	}
	if flags.ScreenshotDir != "" {
		args = append(args, "--screenshot-dir", flags.ScreenshotDir)
	}
	if flags.DataDir != "" {
		args = append(args, "--data-dir", flags.DataDir)
	}
	return args
}

func (a App) runHistoryList(e env, flags GlobalFlags) int {
	entries, err := e.store.List()
	if err != nil {
		fmt.Fprintln(a.Err, err)
		return exitFailure
	}
	if flags.JSON {
		b, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Fprintln(a.Out, string(b))
		return exitSuccess
	}
	for _, entry := range entries {
		status := "ok"
		if !entry.Success {
			status = "failed"
			if step, ok := entry.Report.FailedStep(); ok {
				status = "failed@" + step.Name
			}
		}
		fmt.Fprintf(a.Out, "%s %s saved_at=%s total=%dms %s\n", entry.ID, status, entry.SavedAt.Format(time.RFC3339), entry.Report.TotalTime, entry.URL)
	}
	return exitSuccess
}

func (a App) runHistoryShow(e env, flags GlobalFlags, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(a.Err, "run id required")
		return exitUsage
	}
	entry, err := e.store.Load(args[0])
	if err != nil {
		fmt.Fprintln(a.Err, err)
		return exitNotFound
	}
	if flags.JSON {
		b, _ := json.MarshalIndent(entry.Report, "", "  ")
		fmt.Fprintln(a.Out, string(b))
		return exitSuccess
	}
	rep := entry.Report
	fmt.Fprintf(a.Out, "id=%s\n", entry.ID)
	fmt.Fprintf(a.Out, "url=%s\n", rep.URL)
	fmt.Fprintf(a.Out, "engine=%s\n", rep.Engine)
	fmt.Fprintf(a.Out, "success=%t\n", rep.Success)
	fmt.Fprintf(a.Out, "total=%dms\n", rep.TotalTime)
	fmt.Fprintf(a.Out, "ttl=%s\n", history.FormatTTL(entry.TTL))
	for _, step := range rep.Steps {
		line := fmt.Sprintf("step %s %s %dms", step.Name, step.Status, step.Duration)
		if step.Error != "" {
			line += " error=" + step.Error
		}
		fmt.Fprintln(a.Out, line)
	}
	for _, rec := range rep.Errors {
		fmt.Fprintf(a.Out, "error step=%s kind=%s %s\n", rec.Step, rec.Kind, rec.Error)
	}
	return exitSuccess
}

func (a App) runHistoryPrune(e env, flags GlobalFlags, dryRun bool) int {
	removed, err := e.store.Prune(dryRun)
	if err != nil {
		fmt.Fprintln(a.Err, err)
		return exitFailure
	}
	if flags.JSON {
		b, _ := json.MarshalIndent(removed, "", "  ")
		fmt.Fprintln(a.Out, string(b))
		return exitSuccess
	}
	for _, entry := range removed {
		fmt.Fprintf(a.Out, "pruned %s\n", entry.ID)
	}
	return exitSuccess
}

func (a App) runInstall(flags GlobalFlags) int {
	browsers := []string{}
	if flags.Browser != "" {
		browsers = append(browsers, flags.Browser)
	}
	opts := &playwright.RunOptions{}
	if len(browsers) > 0 {
		opts.Browsers = browsers
	}
	if err := playwright.Install(opts); err != nil {
		fmt.Fprintln(a.Err, err)
		return exitFailure
	}
	if !flags.Quiet {
		if len(browsers) == 0 {
			fmt.Fprintln(a.Out, "Playwright installed")
		} else {
			fmt.Fprintf(a.Out, "Playwright installed: %s\n", strings.Join(browsers, ", "))
		}
	}
	return exitSuccess
}

type doctorResult struct {
	ConfigSource          string `json:"config_source"`
	Engine                string `json:"engine"`
	Browser               string `json:"browser"`
	ScreenshotDir         string `json:"screenshot_dir"`
	ScreenshotDirWritable bool   `json:"screenshot_dir_writable"`
	DataDir               string `json:"data_dir"`
	DataDirWritable       bool   `json:"data_dir_writable"`
	PlaywrightOK          bool   `json:"playwright_ok"`
	BrowsersPath          string `json:"browsers_path,omitempty"`
}

func (a App) runDoctor(e env, flags GlobalFlags) int {
	cfg := e.cfg
	source := cfg.Source
	if source == "" {
		source = "defaults"
	}
	res := doctorResult{
		ConfigSource:          source,
		Engine:                cfg.Engine,
		Browser:               cfg.Browser,
		ScreenshotDir:         cfg.ScreenshotDir,
		ScreenshotDirWritable: config.IsWritableDir(cfg.ScreenshotDir),
		DataDir:               cfg.DataDir,
		DataDirWritable:       config.IsWritableDir(cfg.DataDir),
		BrowsersPath:          os.Getenv("PLAYWRIGHT_BROWSERS_PATH"),
	}
	if pw, err := playwright.Run(); err == nil {
		res.PlaywrightOK = true
		pw.Stop()
	}
	if flags.JSON {
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Fprintln(a.Out, string(b))
	} else {
		fmt.Fprintf(a.Out, "config_source=%s\n", res.ConfigSource)
		fmt.Fprintf(a.Out, "engine=%s browser=%s\n", res.Engine, res.Browser)
		fmt.Fprintf(a.Out, "screenshot_dir=%s writable=%t\n", res.ScreenshotDir, res.ScreenshotDirWritable)
		fmt.Fprintf(a.Out, "data_dir=%s writable=%t\n", res.DataDir, res.DataDirWritable)
		fmt.Fprintf(a.Out, "playwright_ok=%t\n", res.PlaywrightOK)
		if res.BrowsersPath != "" {
			fmt.Fprintf(a.Out, "browsers_path=%s\n", res.BrowsersPath)
		}
	}
	if !res.ScreenshotDirWritable || !res.DataDirWritable {
		return exitFailure
	}
	return exitSuccess
}
