package supervisor

import (
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doriancodes/nsfs/internal/nserrors"
	"github.com/doriancodes/nsfs/internal/registry"
)

// deadPID runs a subprocess that exits immediately and returns its pid,
// guaranteed to no longer be alive by the time it returns.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("/bin/true")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.NoError(t, cmd.Wait())
	return pid
}

func TestNewSessionIDHasNoDashes(t *testing.T) {
	id := newSessionID()
	assert.NotContains(t, id, "-")
	assert.Len(t, id, 32)
}

func TestNewSessionIDUnique(t *testing.T) {
	a := newSessionID()
	b := newSessionID()
	assert.NotEqual(t, a, b)
}

func TestFifoPathsDeriveFromRegistryDir(t *testing.T) {
	ctl, rpl := fifoPaths("/tmp/nsfs/sessions", "abc123")
	assert.Equal(t, "/tmp/nsfs/sessions/abc123.ctl", ctl)
	assert.Equal(t, "/tmp/nsfs/sessions/abc123.rpl", rpl)
}

func TestKillOnUnknownSessionIsNoop(t *testing.T) {
	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	sv := &Supervisor{Registry: reg, SelfExe: "/bin/true"}

	err = sv.Kill("does-not-exist")
	assert.NoError(t, err)
}

func TestPurgeWithEmptyRegistryReapsNothing(t *testing.T) {
	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	sv := &Supervisor{Registry: reg, SelfExe: "/bin/true"}

	n, err := sv.Purge()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPurgeReapsDeadSessionAndCallsForceUnmount(t *testing.T) {
	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	sv := &Supervisor{Registry: reg, SelfExe: "/bin/true"}

	require.NoError(t, reg.Write(registry.Record{
		SessionID:  "dead-sess",
		OwnerPID:   deadPID(t),
		MountPoint: "/mnt/dead",
		CreatedAt:  time.Now(),
		State:      registry.StateRunning,
	}))

	var unmountedForced bool
	restore := rawUnmount
	rawUnmount = func(target string, flags int) error {
		assert.Equal(t, "/mnt/dead", target)
		unmountedForced = flags&unix.MNT_FORCE != 0
		return nil
	}
	defer func() { rawUnmount = restore }()

	n, err := sv.Purge()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, unmountedForced)

	_, err = reg.FindByID("dead-sess")
	assert.Equal(t, nserrors.KindNotFound, nserrors.KindOf(err))
}

func TestUnmountHostMapsEBUSYToKindBusy(t *testing.T) {
	restore := rawUnmount
	rawUnmount = func(target string, flags int) error { return unix.EBUSY }
	defer func() { rawUnmount = restore }()

	err := unmountHost("/mnt/busy", false)
	assert.Equal(t, nserrors.KindBusy, nserrors.KindOf(err))
}

func TestUnmountHostForcedRecoversFromBusy(t *testing.T) {
	restore := rawUnmount
	attempt := 0
	rawUnmount = func(target string, flags int) error {
		attempt++
		if flags&unix.MNT_FORCE == 0 {
			return unix.EBUSY
		}
		return nil
	}
	defer func() { rawUnmount = restore }()

	err := unmountHost("/mnt/busy", false)
	require.Equal(t, nserrors.KindBusy, nserrors.KindOf(err))

	err = unmountHost("/mnt/busy", true)
	require.NoError(t, err)
	assert.Equal(t, 2, attempt)
}

func TestUnmountRoutesThroughUnmountHostWhenNoSessionOwnsIt(t *testing.T) {
	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	sv := &Supervisor{Registry: reg, SelfExe: "/bin/true"}

	restore := rawUnmount
	rawUnmount = func(target string, flags int) error { return unix.EBUSY }
	defer func() { rawUnmount = restore }()

	err = sv.Unmount("/mnt/unowned", false)
	assert.Equal(t, nserrors.KindBusy, nserrors.KindOf(err))
}
