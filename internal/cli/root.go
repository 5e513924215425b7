// Package cli implements the almanac command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mesh-intelligence/almanac/internal/logging"
	"github.com/mesh-intelligence/almanac/internal/paths"
	"github.com/mesh-intelligence/almanac/internal/view"
	"github.com/mesh-intelligence/almanac/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// Version is the almanac release.
const Version = "0.1.0"

const modulePath = "github.com/mesh-intelligence/almanac"

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func userError(err error) error { return &exitError{code: exitUserError, err: err} }
func sysError(err error) error  { return &exitError{code: exitSysError, err: err} }

// classify picks the exit code for an error returned by the core. Anything
// the user can fix by changing the command is a user error.
func classify(err error) error {
	var ee *exitError
	if err == nil || errors.As(err, &ee) {
		return err
	}
	switch {
	case errors.Is(err, types.ErrValidation),
		errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrUnknownKind),
		errors.Is(err, types.ErrInvalidID),
		errors.Is(err, types.ErrUnauthorized),
		errors.Is(err, view.ErrInvalidQuery):
		return userError(err)
	}
	return sysError(err)
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// cobra argument and flag errors
	return exitUserError
}

// app holds the global flag values and the state built before a command
// runs.
type app struct {
	configDir string
	dataDir   string
	jsonMode  bool
	remoteURL string
	token     string

	cfg *viper.Viper
	log *logrus.Logger
	out io.Writer
	err io.Writer
}

// NewRootCmd creates the top-level "almanac" command with global flags and
// all subcommands registered.
func NewRootCmd() *cobra.Command {
	a := &app{out: os.Stdout, err: os.Stderr}
	root := &cobra.Command{
		Use:   "almanac",
		Short: "Tasks, calendar, goals, habits, notes, health and finance records",
		Long: `Almanac manages a personal record set kept in sync with a data service.
Without --remote it runs the data service in-process on the local data
directory; with --remote it talks to an "almanac serve" instance.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.out = cmd.OutOrStdout()
			a.err = cmd.ErrOrStderr()
			return a.setup()
		},
	}

	root.PersistentFlags().StringVar(&a.configDir, "config-dir", "", "configuration directory (default: platform config dir)")
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "data directory (default: $(CWD)/"+paths.DefaultDataDirName+")")
	root.PersistentFlags().BoolVar(&a.jsonMode, "json", false, "output as JSON")
	root.PersistentFlags().StringVar(&a.remoteURL, "remote", "", "URL of a remote almanac server")
	root.PersistentFlags().StringVar(&a.token, "token", "", "bearer token for the remote server")

	root.AddCommand(
		newVersionCmd(a),
		newInitCmd(a),
		newServeCmd(a),
		newTokenCmd(a),
		newCreateCmd(a),
		newListCmd(a),
		newUpdateCmd(a),
		newCompleteCmd(a),
		newDeleteCmd(a),
		newWatchCmd(a),
		newExportCmd(a),
		newImportCmd(a),
	)
	return root
}

// Execute runs the root command and returns the process exit code. Errors
// are printed to stderr.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := NewRootCmd().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "almanac:", err)
	}
	return ExitCode(err)
}

// setup resolves the config directory, loads config.yaml and builds the
// logger.
func (a *app) setup() error {
	configDir, err := paths.ResolveConfigDir(a.configDir)
	if err != nil {
		return sysError(fmt.Errorf("resolve config dir: %w", err))
	}
	a.configDir = configDir

	cfg, err := loadConfig(configDir)
	if err != nil {
		return sysError(err)
	}
	a.cfg = cfg

	log, err := logging.New(a.err, cfg.GetString(cfgKeyLogLevel), cfg.GetString(cfgKeyLogFormat))
	if err != nil {
		return userError(err)
	}
	a.log = log
	return nil
}

// resolveDataDir follows --data-dir > config data_dir > ALMANAC_DATA_DIR >
// $(CWD)/.almanac-data.
func (a *app) resolveDataDir() (string, error) {
	return paths.ResolveDataDir(a.dataDir, a.cfg.GetString(cfgKeyDataDir))
}
