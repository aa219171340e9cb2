package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/substrate/internal/value"
)

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print the value at an identifier",
		Long: `Print the full value at an identifier from the running instance.

Identifiers without a namespace use the instance's default namespace.

Example:
  substrate get home/4
  substrate get 4/config/name --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, rootOpts, args[0])
		},
	}
}

func runGet(cmd *cobra.Command, opts *RootOptions, arg string) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), requestTimeout)
	defer cancel()

	c, err := opts.connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	v, err := c.inst.Get(id).AsDataFull(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "get "+id.String(), err)
	}
	return opts.formatter(cmd).Value(v)
}

// NewSetCommand creates the set command.
func NewSetCommand(rootOpts *RootOptions) *cobra.Command {
	var asText bool

	cmd := &cobra.Command{
		Use:   "set <id> <value>",
		Short: "Merge a value into an identifier",
		Long: `Write a value at an identifier and wait until it is applied.

The value is coerced: true and false become booleans, integers become
integers, anything else is text. Use --text to keep it as text.

Example:
  substrate set home/4/config/name kitchen
  substrate set 4/config/level 3`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := value.Parse(args[1])
			if asText {
				v = value.Text(args[1])
			}
			return runSet(cmd, rootOpts, args[0], v)
		},
	}

	cmd.Flags().BoolVar(&asText, "text", false, "store the value as text without coercion")

	return cmd
}

func runSet(cmd *cobra.Command, opts *RootOptions, arg string, v value.Value) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), requestTimeout)
	defer cancel()

	c, err := opts.connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	item := c.inst.Get(id)
	if err := item.SetBlocking(ctx, v); err != nil {
		return WrapExitError(ExitFailure, "set "+item.String(), err)
	}
	return opts.formatter(cmd).Success(idResult{ID: item.String()})
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Reserve a fresh item and print its identifier",
		Long: `Ask the running instance for an unused store key in its default
namespace and print the new identifier.

Example:
  substrate create
  substrate set "$(substrate create)/name" lamp`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd, rootOpts)
		},
	}
}

func runCreate(cmd *cobra.Command, opts *RootOptions) error {
	ctx, cancel := context.WithTimeout(commandContext(cmd), requestTimeout)
	defer cancel()

	c, err := opts.connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	item, err := c.inst.NewItem(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "create", err)
	}
	return opts.formatter(cmd).Success(idResult{ID: item.String()})
}
