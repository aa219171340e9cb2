package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/instance"
	"github.com/roach88/substrate/internal/transport"
)

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	Count int
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a value and every change to it",
		Long: `Subscribe to an identifier on the running instance. The current value
is printed first, then the full value again after every change at, above
or below the identifier. Runs until interrupted.

Example:
  substrate show home/4
  substrate show 4 --count 1`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd, opts, args[0])
		},
	}

	cmd.Flags().IntVar(&opts.Count, "count", 0, "exit after this many changes (0 = run until interrupted)")

	return cmd
}

func runShow(cmd *cobra.Command, opts *ShowOptions, arg string) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := opts.connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	f := opts.formatter(cmd)
	item := c.inst.Get(id)

	updates := make(chan instance.Update, 64)
	done := make(chan struct{})
	defer close(done)

	// Register for the GIVE before asking, so the first reply is ours.
	first := c.inst.GiveMsgWait(item.ID())
	if err := c.inst.SubRemote(item.ID(), instance.Channel(updates, done)); err != nil {
		c.inst.CancelGiveWait(item.ID(), first)
		return WrapExitError(ExitFailure, "subscribe "+item.String(), err)
	}

	select {
	case v := <-first:
		if err := f.Value(v); err != nil {
			return err
		}
	case <-ctx.Done():
		c.inst.CancelGiveWait(item.ID(), first)
		return nil
	case <-c.peer.Done():
		return NewExitError(ExitFailure, "instance closed the connection")
	}

	for seen := 0; opts.Count == 0 || seen < opts.Count; seen++ {
		select {
		case u := <-updates:
			if err := f.Value(u.Value); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		case <-c.peer.Done():
			return NewExitError(ExitFailure, "instance closed the connection")
		}
	}
	return nil
}

// NewIsRunningCommand creates the is-running command.
func NewIsRunningCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "is-running",
		Short:         "Exit 0 when an instance answers on the socket",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}
			path := rootOpts.socketPath(cfg)
			if !transport.Probe(path) {
				return WrapExitError(ExitFailure, "no instance running at "+path, fault.New(fault.KindIO, "socket did not answer"))
			}
			return rootOpts.formatter(cmd).Success("running")
		},
	}
}
