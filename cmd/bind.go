package cmd

import (
	"github.com/spf13/cobra"

	"github.com/doriancodes/nsfs/internal/nstable"
)

var (
	bindBefore  bool
	bindAfter   bool
	bindReplace bool
	bindCreate  bool
)

func init() {
	flags := bindCommand.Flags()
	flags.BoolVarP(&bindBefore, "before", "b", false, "Insert source ahead of whatever is already bound at target (default)")
	flags.BoolVarP(&bindAfter, "after", "a", false, "Insert source behind whatever is already bound at target")
	flags.BoolVarP(&bindReplace, "replace", "r", false, "Replace whatever is already bound at target with source")
	flags.BoolVarP(&bindCreate, "create", "c", false, "Create target if it doesn't already exist, then bind source there")
	Root.AddCommand(bindCommand)
}

var bindCommand = &cobra.Command{
	Use:   "bind <source> <target>",
	Short: "Bind source into the namespace at target",
	Long: `
bind adds source to the ordered stack of backing directories at target,
under one of four disciplines: Before (default), After, Replace, or
Create. target must already be inside a session's mount point.`,
	Args: exactArgs(2),
	RunE: func(command *cobra.Command, args []string) error {
		source, target := args[0], args[1]

		mode := nstable.Before
		switch {
		case bindAfter:
			mode = nstable.After
		case bindReplace:
			mode = nstable.Replace
		case bindCreate:
			mode = nstable.Create
		}

		sv, err := newSupervisor()
		if err != nil {
			return err
		}
		rec, err := lookupOwningSession(sv, target)
		if err != nil {
			return err
		}
		return callBind(rec, source, target, mode.String(), false)
	},
}
