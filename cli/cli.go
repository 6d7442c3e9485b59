// Package cli provides the command-line interface for livequery.
// It exports Run() and RunWithHooks() so wrapper projects can embed the
// server with their own functions or add commands.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version is the release reported by the version command.
var Version = "v0.1.0"

// Hooks allows extending the CLI.
type Hooks struct {
	// Commands returns additional subcommands.
	Commands func() []*cobra.Command

	// Options adjusts the server options before serve builds the server,
	// for example to install Go functions.
	Options func(opts *ServerOptions)

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes the CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	root := NewRootCommand(hooks, os.Stdout)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// NewRootCommand builds the command tree writing results to out.
func NewRootCommand(hooks *Hooks, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "livequery",
		Short: "Live query server and client",
		Long: `livequery serves named functions and observable queries over WebSocket
and HTTP. Observers receive the current value of a query followed by
compact diffs whenever it changes.

Examples:
  livequery serve --port 8080 --functions functions/
  livequery call echo '{"x":1}'
  livequery get clock
  livequery observe clock '{"tz":"UTC"}' --count 3`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.AddCommand(newServeCommand(hooks))
	root.AddCommand(newClientCommands()...)
	root.AddCommand(newVersionCommand(hooks))
	if hooks != nil && hooks.Commands != nil {
		root.AddCommand(hooks.Commands()...)
	}
	return root
}

func newVersionCommand(hooks *Hooks) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "livequery", Version)
			if hooks != nil && hooks.CustomVersion != nil {
				fmt.Fprintln(cmd.OutOrStdout(), hooks.CustomVersion())
			}
		},
	}
}
