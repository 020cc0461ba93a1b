package app

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit %d", e.code)
}

var Version = "dev"

func Execute(args []string, out io.Writer, errOut io.Writer) int {
	return App{Out: out, Err: errOut}.Execute(args)
}

func (a App) Execute(args []string) int {
	out, errOut := a.Out, a.Err
	flags := GlobalFlags{}
	var showVersion bool

	root := &cobra.Command{
		Use:           "funnelcheck",
		Short:         "Walk a storefront purchase funnel in a headless browser",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().BoolVarP(&showVersion, "version", "V", false, "version")
	root.PersistentFlags().StringVarP(&flags.Config, "config", "C", "", "config file (.toml, .yaml)")
	root.PersistentFlags().StringVarP(&flags.Engine, "engine", "e", "", "browser engine (playwright, chromedp)")
	root.PersistentFlags().StringVarP(&flags.Browser, "browser", "b", "", "browser type (chromium, firefox, webkit)")
	root.PersistentFlags().BoolVarP(&flags.Headed, "headed", "E", false, "run headed")
	root.PersistentFlags().StringVar(&flags.ScreenshotDir, "screenshot-dir", "", "directory for failure screenshots")
	root.PersistentFlags().StringVarP(&flags.DataDir, "data-dir", "D", "", "directory for run history")
	root.PersistentFlags().BoolVarP(&flags.JSON, "json", "j", false, "json output")
	root.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "quiet output")
	root.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "verbose output")
	root.PersistentFlags().BoolVar(&flags.LogJSON, "log-json", false, "structured json logs on stderr")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if showVersion {
			fmt.Fprintln(out, Version)
			return exitError{code: exitSuccess}
		}
		return nil
	}

	runCmd := &cobra.Command{
		Use:   "run URL",
		Short: "Run the purchase funnel against URL and print the report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEnv(flags, func(e env) int {
				return a.runFunnel(cmd.Context(), e, flags, args)
			})
		},
	}
	runCmd.Flags().BoolVarP(&flags.Save, "save", "s", false, "store the report in run history")
	root.AddCommand(runCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the crawl endpoint over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEnv(flags, func(e env) int {
				return a.runServe(cmd.Context(), e, flags)
			})
		},
	}
	serveCmd.Flags().StringVarP(&flags.Addr, "addr", "a", "127.0.0.1:8080", "listen address")
	serveCmd.Flags().StringVarP(&flags.Budget, "budget", "t", "", "wall clock per run (default 30s)")
	serveCmd.Flags().IntVar(&flags.MaxConcurrent, "max-concurrent", 2, "simultaneous runs")
	root.AddCommand(serveCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect stored run reports",
	}
	historyCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEnv(flags, func(e env) int {
				return a.runHistoryList(e, flags)
			})
		},
	})
	historyCmd.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "Print a stored report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEnv(flags, func(e env) int {
				return a.runHistoryShow(e, flags, args)
			})
		},
	})
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove expired runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			return a.withEnv(flags, func(e env) int {
				return a.runHistoryPrune(e, flags, dryRun)
			})
		},
	}
	pruneCmd.Flags().Bool("dry-run", false, "only list what would be removed")
	historyCmd.AddCommand(pruneCmd)
	root.AddCommand(historyCmd)

	root.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install Playwright driver and browsers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code := a.runInstall(flags)
			return exitOrNil(code)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "doctor",
		Short: "Check install and environment health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEnv(flags, func(e env) int {
				return a.runDoctor(e, flags)
			})
		},
	})

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			return exit.code
		}
		fmt.Fprintln(errOut, err)
		return exitUsage
	}
	return exitSuccess
}

// withEnv loads config and logging for a subcommand and maps fn's exit
// code onto cobra's error return.
func (a App) withEnv(flags GlobalFlags, fn func(e env) int) error {
	e, err := a.prepare(flags)
	if err != nil {
		fmt.Fprintln(a.Err, err)
		return exitError{code: exitFailure}
	}
	defer e.logger.Sync()
	return exitOrNil(fn(e))
}

func exitOrNil(code int) error {
	if code == exitSuccess {
		return nil
	}
	return exitError{code: code}
}
