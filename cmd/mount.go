package cmd

import (
	"github.com/spf13/cobra"

	"github.com/doriancodes/nsfs/internal/nstable"
)

func init() {
	Root.AddCommand(mountCommand)
}

var mountCommand = &cobra.Command{
	Use:   "mount <source> <mount_point>",
	Short: "Create or reuse a session rooted at source and mounted at mount_point",
	Long: `
mount ensures a session exists for mount_point, spawning one rooted at
source if none does yet, then binds source over the mount point with
Replace discipline so the session's root view matches source.`,
	Args: exactArgs(2),
	RunE: func(command *cobra.Command, args []string) error {
		source, mountPoint := args[0], args[1]

		sv, err := newSupervisor()
		if err != nil {
			return err
		}

		sessionID, err := sv.EnsureSession(mountPoint, source)
		if err != nil {
			return err
		}

		rec, err := sv.Registry.FindByID(sessionID)
		if err != nil {
			return err
		}
		return callBind(rec, source, mountPoint, nstable.Replace.String(), false)
	},
}
