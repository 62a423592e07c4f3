// Package supervisor implements the session lifecycle operations from
// spec.md §4.6: ensuring a session exists for a mount point, killing
// one gracefully then forcefully, purging every dead session, and
// unmounting a mount point whether or not nsfs owns it.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/doriancodes/nsfs/internal/control"
	"github.com/doriancodes/nsfs/internal/nserrors"
	"github.com/doriancodes/nsfs/internal/nslog"
	"github.com/doriancodes/nsfs/internal/registry"
)

var log = nslog.For("supervisor")

// spawnPollInterval and spawnTimeout bound how long EnsureSession waits
// for a freshly exec'd session to reach Running, per spec.md §4.6.
const (
	spawnPollInterval = 50 * time.Millisecond
	spawnTimeout      = 10 * time.Second

	gracefulWait = 5 * time.Second
	forcedWait   = 2 * time.Second
)

// Supervisor spawns, kills, and reaps session processes on behalf of
// the CLI entrypoints in cmd/.
type Supervisor struct {
	Registry *registry.Registry
	SelfExe  string
	Debug    bool
}

// New resolves the running binary's own path, since spawning a session
// means re-exec'ing ourselves with the hidden __session subcommand.
func New(reg *registry.Registry, debug bool) (*Supervisor, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve self executable: %w", err)
	}
	return &Supervisor{Registry: reg, SelfExe: self, Debug: debug}, nil
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func fifoPaths(registryDir, sessionID string) (control, reply string) {
	return registryDir + "/" + sessionID + ".ctl", registryDir + "/" + sessionID + ".rpl"
}

// EnsureSession returns the id of the live session already bound at
// mountPoint, spawning a new one rooted at rootSource if none exists,
// per spec.md §4.6 "mount creates a session only if one doesn't already
// own the target".
func (sv *Supervisor) EnsureSession(mountPoint, rootSource string) (string, error) {
	if rec, err := sv.Registry.LookupByMount(mountPoint); err == nil {
		return rec.SessionID, nil
	}
	return sv.spawn(mountPoint, rootSource)
}

// spawn re-execs the binary as a hidden __session subcommand and
// polls the registry until the new session reaches Running.
func (sv *Supervisor) spawn(mountPoint, rootSource string) (string, error) {
	sessionID := newSessionID()
	controlFIFO, replyFIFO := fifoPaths(sv.Registry.Dir(), sessionID)

	args := []string{
		"__session",
		"--session-id", sessionID,
		"--mount", mountPoint,
		"--source", rootSource,
		"--registry", sv.Registry.Dir(),
		"--control-fifo", controlFIFO,
		"--reply-fifo", replyFIFO,
	}
	if sv.Debug {
		args = append(args, "--debug")
	}

	cmd := exec.Command(sv.SelfExe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return "", nserrors.Wrap("supervisor.spawn", nserrors.KindMountFailed, err)
	}
	// The session process outlives this call; release it instead of
	// reaping its exit status here.
	if err := cmd.Process.Release(); err != nil {
		log.WithError(err).Warn("failed to release spawned session process")
	}

	deadline := time.Now().Add(spawnTimeout)
	for time.Now().Before(deadline) {
		rec, err := sv.Registry.FindByID(sessionID)
		if err == nil {
			switch rec.State {
			case registry.StateRunning:
				log.WithFields(map[string]interface{}{
					"session_id":  sessionID,
					"mount_point": mountPoint,
				}).Info("session spawned")
				return sessionID, nil
			case registry.StateDead:
				return "", nserrors.New("supervisor.spawn", nserrors.KindMountFailed)
			}
		}
		time.Sleep(spawnPollInterval)
	}
	return "", nserrors.New("supervisor.spawn", nserrors.KindMountFailed)
}

// Kill stops sessionID: a graceful Shutdown over its control FIFO,
// escalating to a forced Shutdown and then SIGKILL if the process
// doesn't exit within the respective grace windows, per spec.md §4.6.
func (sv *Supervisor) Kill(sessionID string) error {
	rec, err := sv.Registry.FindByID(sessionID)
	if err != nil {
		if nserrors.KindOf(err) == nserrors.KindNotFound {
			return nil
		}
		return err
	}

	if reply, callErr := control.Call(rec.ControlFIFOPath, rec.ReplyFIFOPath,
		control.Command{Kind: control.CommandShutdown, Force: false}); callErr == nil {
		if err := reply.AsError("supervisor.Kill"); err != nil {
			log.WithError(err).Warn("graceful shutdown rejected")
		}
	} else {
		log.WithError(callErr).Warn("graceful shutdown call failed")
	}

	if sv.waitGone(rec.OwnerPID, gracefulWait) {
		return nil
	}

	if reply, callErr := control.Call(rec.ControlFIFOPath, rec.ReplyFIFOPath,
		control.Command{Kind: control.CommandShutdown, Force: true}); callErr == nil {
		_ = reply.AsError("supervisor.Kill")
	} else {
		log.WithError(callErr).Warn("forced shutdown call failed")
	}

	if sv.waitGone(rec.OwnerPID, forcedWait) {
		return nil
	}

	log.WithField("pid", rec.OwnerPID).Warn("session unresponsive to shutdown, sending SIGKILL")
	if err := syscall.Kill(rec.OwnerPID, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return nserrors.Wrap("supervisor.Kill", nserrors.KindSessionUnresponsive, err)
	}

	_, err = sv.Registry.ReapDead(sv.forceUnmount)
	return err
}

// waitGone polls until pid is no longer alive or timeout elapses.
func (sv *Supervisor) waitGone(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !registry.IsAlive(pid) {
			return true
		}
		time.Sleep(spawnPollInterval)
	}
	return !registry.IsAlive(pid)
}

// Purge reaps every session whose owner process is no longer alive,
// returning how many were reaped, per testable scenario 6. Sessions
// whose owner process is still running are left untouched.
func (sv *Supervisor) Purge() (int, error) {
	return sv.Registry.ReapDead(sv.forceUnmount)
}

// Unmount tears down mountPoint, whether or not nsfs currently owns a
// live session there. If a live session is found, Unmount routes
// through Kill so the control channel and registry stay consistent;
// otherwise it unmounts the kernel mount directly, surfacing Busy if
// the mount point is in use, per spec.md §4.6 and testable property 8.
func (sv *Supervisor) Unmount(mountPoint string, force bool) error {
	rec, err := sv.Registry.LookupByMount(mountPoint)
	if err == nil {
		return sv.Kill(rec.SessionID)
	}
	if nserrors.KindOf(err) != nserrors.KindNotFound {
		return err
	}
	return unmountHost(mountPoint, force)
}

// forceUnmount is the callback ReapDead uses to tear down the kernel
// mount of a session whose owner process has already died.
func (sv *Supervisor) forceUnmount(mountPoint string) error {
	return unmountHost(mountPoint, true)
}

// rawUnmount is the host unmount(2) syscall, extracted into a variable
// so tests can substitute a fake that returns EBUSY without needing a
// real kernel mount to provoke it.
var rawUnmount = unix.Unmount

// unmountHost issues the host unmount(2) syscall directly, mapping
// EBUSY onto the typed Busy error per spec.md testable property 8.
func unmountHost(mountPoint string, force bool) error {
	flags := 0
	if force {
		flags = unix.MNT_FORCE
	}
	if err := rawUnmount(mountPoint, flags); err != nil {
		if err == unix.EBUSY {
			return nserrors.Wrap("supervisor.Unmount", nserrors.KindBusy, err)
		}
		return nserrors.Wrap("supervisor.Unmount", nserrors.KindMountFailed, err)
	}
	return nil
}
