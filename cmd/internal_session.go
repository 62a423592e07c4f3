package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/doriancodes/nsfs/internal/session"
)

var sessionCfg session.Config

// internalSessionCommand is the hidden re-exec target a Supervisor
// spawns for every new session process. It is never invoked directly
// by a user, the same way rclone's own daemonizing commands hide their
// worker re-exec behind an unadvertised flag set.
var internalSessionCommand = &cobra.Command{
	Use:    "__session",
	Hidden: true,
	RunE: func(command *cobra.Command, args []string) error {
		// Session.Run installs its own SIGTERM/SIGINT handling and
		// turns it into a graceful Shutdown command, so the re-exec
		// entrypoint passes a plain background context that is never
		// cancelled, not another signal handler layered on top.
		s, err := session.New(sessionCfg)
		if err != nil {
			return err
		}
		return s.Run(context.Background())
	},
}

func init() {
	flags := internalSessionCommand.Flags()
	flags.StringVar(&sessionCfg.SessionID, "session-id", "", "")
	flags.StringVar(&sessionCfg.MountPoint, "mount", "", "")
	flags.StringVar(&sessionCfg.RootSource, "source", "", "")
	flags.StringVar(&sessionCfg.RegistryDir, "registry", "", "")
	flags.StringVar(&sessionCfg.ControlFIFO, "control-fifo", "", "")
	flags.StringVar(&sessionCfg.ReplyFIFO, "reply-fifo", "", "")
	flags.BoolVar(&sessionCfg.Debug, "debug", false, "")
	Root.AddCommand(internalSessionCommand)
}
