// Package cli is the cmsfleet command tree. Commands only parse
// parameters and call the orchestrator; results are printed to stdout and
// progress goes through the logger on stderr.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tis24dev/cmsfleet/internal/config"
	"github.com/tis24dev/cmsfleet/internal/logging"
	"github.com/tis24dev/cmsfleet/internal/orchestrator"
	"github.com/tis24dev/cmsfleet/internal/types"
	"github.com/tis24dev/cmsfleet/internal/version"
)

const configEnvVar = "CMSFLEET_CONFIG"

// configError marks failures that happen before any instance is touched.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// app is the state shared by the commands of one invocation.
type app struct {
	stdout, stderr io.Writer
	stdin          io.Reader

	configPath string
	logLevel   string

	cfg     *config.Config
	logger  *logging.Logger
	orch    *orchestrator.Orchestrator
	closeDB func() error

	// exit is the code of the last batch run; commands that return an
	// error take the code of the error instead.
	exit types.ExitCode
}

// NewRootCmd returns the root command writing to stdout and stderr.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd, _ := newRoot(stdout, stderr, os.Stdin)
	return cmd
}

func newRoot(stdout, stderr io.Writer, stdin io.Reader) (*cobra.Command, *app) {
	a := &app{stdout: stdout, stderr: stderr, stdin: stdin}
	cmd := &cobra.Command{
		Use:           "cmsfleet",
		Short:         "Back up, restore, clone, update and verify a fleet of CMS instances",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.teardown()
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", os.Getenv(configEnvVar), "Path to the configuration file (env: "+configEnvVar+")")
	flags.StringVarP(&a.logLevel, "log-level", "l", "", "Log level (debug|info|warning|error|critical)")

	cmd.AddCommand(
		a.newInstanceCmd(),
		a.newBackupCmd(),
		a.newRestoreCmd(),
		a.newRevertCmd(),
		a.newCloneCmd(),
		a.newUpdateCmd(),
		a.newUpgradeCmd(),
		a.newTargetsCmd(),
		a.newCheckCmd(),
		a.newBisectCmd(),
		a.newVersionsCmd(),
		a.newArchivesCmd(),
	)
	return cmd, a
}

// Execute runs the command line in args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd, a := newRoot(stdout, stderr, stdin)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		// PersistentPostRunE does not run after a failed RunE.
		a.teardown()
		fmt.Fprintln(stderr, "Error:", err)
		return exitCode(err).Int()
	}
	return a.exit.Int()
}

func exitCode(err error) types.ExitCode {
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		return types.ExitConfigError
	}
	return orchestrator.ExitCodeFor(err)
}

func (a *app) setup() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return &configError{err}
	}
	level := cfg.DebugLevel
	if a.logLevel != "" {
		level = types.ParseLogLevel(a.logLevel)
	}
	useColor := cfg.UseColor
	if f, ok := a.stderr.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		useColor = false
	}
	logger := logging.New(level, useColor)
	logger.SetOutput(a.stderr)
	if cfg.LogPath != "" {
		if err := logger.OpenLogFile(cfg.LogPath); err != nil {
			return &configError{fmt.Errorf("open log file: %w", err)}
		}
	}
	logging.SetDefaultLogger(logger)
	a.cfg, a.logger = cfg, logger
	return nil
}

func (a *app) teardown() error {
	var err error
	if a.closeDB != nil {
		err = a.closeDB()
		a.closeDB = nil
	}
	if a.logger != nil {
		a.logger.CloseLogFile()
	}
	return err
}

// orchestrator opens the database on first use.
func (a *app) orchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	if a.orch != nil {
		return a.orch, nil
	}
	o, closeFn, err := orchestrator.Open(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, &configError{err}
	}
	a.orch, a.closeDB = o, closeFn
	return o, nil
}

// finish prints a batch summary and keeps its exit code.
func (a *app) finish(sum *orchestrator.Summary) error {
	for _, line := range sum.Lines() {
		fmt.Fprintln(a.stdout, line)
	}
	a.exit = sum.ExitCode()
	return nil
}

// single prints the outcome of a one-instance run.
func (a *app) single(res orchestrator.InstanceResult, err error) error {
	if err != nil {
		return err
	}
	status := "ok"
	if res.Warning != nil {
		status = "warning: " + res.Warning.Error()
	}
	fmt.Fprintf(a.stdout, "%s %d-%s: %s\n", res.Operation, res.InstanceID, res.Name, status)
	return nil
}
