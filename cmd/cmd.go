// Package cmd wires the nsfs command surface from spec.md §6 on top of
// spf13/cobra, following the per-command package-level cobra.Command
// idiom rclone's backend subcommands use.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/doriancodes/nsfs/internal/nserrors"
	"github.com/doriancodes/nsfs/internal/nslog"
)

var (
	verbose bool
	quiet   bool
)

// Root is the top-level nsfs command; every subcommand registers
// itself onto it from its own init().
var Root = &cobra.Command{
	Use:   "nsfs",
	Short: "Per-session namespace manager backed by FUSE",
	Long: `
nsfs builds a private, per-session view of the filesystem by binding
directories together in priority order, the way Plan 9's bind and mount
calls build a process's namespace. Each session owns one mount point
and a FUSE driver serving the union of its bindings.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(command *cobra.Command, args []string) {
		nslog.SetVerbosity(verbose, quiet)
	},
}

func init() {
	Root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print debug level logs")
	Root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only print error level logs")
}

// exactArgs returns a cobra.PositionalArgs validator that behaves like
// cobra.ExactArgs(n) but tags a mismatch as nserrors.KindUsage, so
// Execute maps it onto exit code 2 instead of the generic 1.
func exactArgs(n int) cobra.PositionalArgs {
	return func(command *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(command, args); err != nil {
			return nserrors.Wrap(command.Name(), nserrors.KindUsage, err)
		}
		return nil
	}
}

// maximumNArgs is cobra.MaximumNArgs's usage-tagged counterpart to exactArgs.
func maximumNArgs(n int) cobra.PositionalArgs {
	return func(command *cobra.Command, args []string) error {
		if err := cobra.MaximumNArgs(n)(command, args); err != nil {
			return nserrors.Wrap(command.Name(), nserrors.KindUsage, err)
		}
		return nil
	}
}

// looksLikeUsageError recognizes the plain-text errors cobra raises
// itself while resolving a command or parsing flags, before any
// command's own Args validator or RunE ever runs, so they carry no
// nserrors.Kind to begin with.
func looksLikeUsageError(err error) bool {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "unknown command"),
		strings.HasPrefix(msg, "unknown flag:"),
		strings.HasPrefix(msg, "unknown shorthand flag:"),
		strings.Contains(msg, "flag needs an argument"),
		strings.HasPrefix(msg, "invalid argument"):
		return true
	default:
		return false
	}
}

// Execute runs Root, translating a returned error into the matching
// process exit code from spec.md §7 before the process exits.
func Execute() {
	err := Root.Execute()
	if err == nil {
		return
	}
	if nserrors.KindOf(err) == nserrors.KindOther && looksLikeUsageError(err) {
		err = nserrors.Wrap("cmd", nserrors.KindUsage, err)
	}
	fmt.Fprintln(os.Stderr, "nsfs:", err)
	os.Exit(nserrors.ExitCode(err))
}
