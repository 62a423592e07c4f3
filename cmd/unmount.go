package cmd

import (
	"github.com/spf13/cobra"
)

var unmountForce bool

func init() {
	unmountCommand.Flags().BoolVarP(&unmountForce, "force", "f", false, "Force the unmount even if the mount point is busy")
	Root.AddCommand(unmountCommand)
}

var unmountCommand = &cobra.Command{
	Use:   "unmount <mount_point>",
	Short: "Tear down the session or kernel mount at mount_point",
	Args:  exactArgs(1),
	RunE: func(command *cobra.Command, args []string) error {
		sv, err := newSupervisor()
		if err != nil {
			return err
		}
		return sv.Unmount(args[0], unmountForce)
	},
}
