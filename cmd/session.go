package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	sessionList  bool
	sessionKill  string
	sessionPurge bool
)

func init() {
	flags := sessionCommand.Flags()
	flags.BoolVarP(&sessionList, "list", "l", false, "List every live session")
	flags.StringVarP(&sessionKill, "kill", "k", "", "Kill the session with this id")
	flags.BoolVarP(&sessionPurge, "purge", "p", false, "Reap every session whose owner process is dead")
	Root.AddCommand(sessionCommand)
}

var sessionCommand = &cobra.Command{
	Use:   "session [session_id]",
	Short: "Inspect or manage sessions",
	Long: `
session lists live sessions, kills one by id, purges every dead one, or
prints the full record for a given session id.`,
	Args: maximumNArgs(1),
	RunE: func(command *cobra.Command, args []string) error {
		sv, err := newSupervisor()
		if err != nil {
			return err
		}

		switch {
		case sessionPurge:
			killed, err := sv.Purge()
			if err != nil {
				return err
			}
			fmt.Printf("purged %d dead session(s)\n", killed)
			return nil

		case sessionKill != "":
			return sv.Kill(sessionKill)

		case sessionList:
			records, err := sv.Registry.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tMOUNT POINT\tSTATE\tPID")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", rec.SessionID, rec.MountPoint, rec.State, rec.OwnerPID)
			}
			return w.Flush()

		case len(args) == 1:
			rec, err := sv.Registry.FindByID(args[0])
			if err != nil {
				return err
			}
			payload, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(payload))
			return nil

		default:
			return command.Help()
		}
	},
}
