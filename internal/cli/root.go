package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Root    string // store root; holds the socket and the on-disk store
	Config  string // configuration file, YAML or CUE

	v *viper.Viper
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// EnvPrefix prefixes environment overrides, e.g. SUBSTRATE_ROOT.
const EnvPrefix = "SUBSTRATE"

// NewRootCommand creates the root command for the substrate CLI.
func NewRootCommand() *cobra.Command {
	cmd, _ := newRoot()
	return cmd
}

// Execute runs the CLI with args and returns the process exit code.
// Errors are rendered in the selected format: JSON on stdout, text on
// stderr.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd, opts := newRoot()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	f := &OutputFormatter{Format: opts.Format, Writer: stderr, Verbose: opts.Verbose}
	if opts.Format == "json" {
		f.Writer = stdout
	}
	_ = f.Error(ErrorCode(err), err.Error(), nil)
	return GetExitCode(err)
}

func newRoot() (*cobra.Command, *RootOptions) {
	opts := &RootOptions{v: viper.New()}

	cmd := &cobra.Command{
		Use:   "substrate",
		Short: "substrate - a personal data substrate",
		Long: `A single process owning a hierarchical, self-describing data tree.

Every datum is addressed by an identifier such as home/4/config/name:
a namespace, a store key and a path into the stored value. Clients and
peer instances read, write and subscribe through the same protocol.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.resolve(); err != nil {
				return err
			}
			setupLogging(cmd.ErrOrStderr(), opts.Verbose)
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Root, "root", defaultRoot(), "store root directory")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "configuration file (.yaml or .cue)")

	opts.v.SetEnvPrefix(EnvPrefix)
	opts.v.AutomaticEnv()
	_ = opts.v.BindPFlags(cmd.PersistentFlags())

	// Add subcommands
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewSetCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewIsRunningCommand(opts))

	return cmd, opts
}

// resolve applies environment overrides and validates the result.
func (o *RootOptions) resolve() error {
	if o.v != nil {
		o.Root = o.v.GetString("root")
		o.Config = o.v.GetString("config")
		o.Format = o.v.GetString("format")
		o.Verbose = o.v.GetBool("verbose")
	}
	if !isValidFormat(o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}
	if o.Root == "" {
		return NewExitError(ExitCommandError, "no store root: set --root or "+EnvPrefix+"_ROOT")
	}
	return nil
}

// formatter returns an output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// setupLogging installs the default slog handler. Logs always go to w so
// JSON output on stdout stays clean.
func setupLogging(w io.Writer, verbose bool) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

func defaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".substrate")
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
