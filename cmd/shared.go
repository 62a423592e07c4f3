package cmd

import (
	"strings"

	"github.com/doriancodes/nsfs/internal/control"
	"github.com/doriancodes/nsfs/internal/nserrors"
	"github.com/doriancodes/nsfs/internal/registry"
	"github.com/doriancodes/nsfs/internal/supervisor"
)

// newSupervisor opens the default on-disk registry and returns a
// Supervisor over it, the entrypoint every CLI command but __session
// goes through.
func newSupervisor() (*supervisor.Supervisor, error) {
	reg, err := registry.Open(registry.DefaultRoot)
	if err != nil {
		return nil, err
	}
	return supervisor.New(reg, verbose)
}

// lookupOwningSession finds the live session whose mount point is the
// longest prefix of virtualPath, since a bind target need not be a
// mount point itself, only somewhere inside one session's namespace.
func lookupOwningSession(sv *supervisor.Supervisor, virtualPath string) (registry.Record, error) {
	records, err := sv.Registry.List()
	if err != nil {
		return registry.Record{}, err
	}
	var best registry.Record
	found := false
	for _, rec := range records {
		if rec.MountPoint == virtualPath || strings.HasPrefix(virtualPath, rec.MountPoint+"/") {
			if !found || len(rec.MountPoint) > len(best.MountPoint) {
				best = rec
				found = true
			}
		}
	}
	if !found {
		return registry.Record{}, nserrors.New("lookupOwningSession", nserrors.KindNotFound)
	}
	return best, nil
}

// callBind sends a Bind command to rec's control FIFO and translates
// any Error reply into a Go error.
func callBind(rec registry.Record, source, target, mode string, force bool) error {
	reply, err := control.Call(rec.ControlFIFOPath, rec.ReplyFIFOPath, control.Command{
		Kind:   control.CommandBind,
		Source: source,
		Target: target,
		Mode:   mode,
		Force:  force,
	})
	if err != nil {
		return err
	}
	return reply.AsError("bind")
}

// callUnbind sends an Unbind command to rec's control FIFO.
func callUnbind(rec registry.Record, source, target string) error {
	reply, err := control.Call(rec.ControlFIFOPath, rec.ReplyFIFOPath, control.Command{
		Kind:   control.CommandUnbind,
		Source: source,
		Target: target,
	})
	if err != nil {
		return err
	}
	return reply.AsError("unbind")
}
