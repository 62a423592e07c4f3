package registry

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doriancodes/nsfs/internal/nserrors"
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

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(t.TempDir())
	require.NoError(t, err)
	return reg
}

func TestWriteAndFindByID(t *testing.T) {
	reg := newTestRegistry(t)
	rec := Record{
		SessionID:  "sess-1",
		OwnerPID:   os.Getpid(),
		MountPoint: "/mnt/a",
		RootSource: "/src/a",
		CreatedAt:  time.Now(),
		State:      StateRunning,
	}
	require.NoError(t, reg.Write(rec))

	got, err := reg.FindByID("sess-1")
	require.NoError(t, err)
	assert.Equal(t, rec.SessionID, got.SessionID)
	assert.Equal(t, rec.MountPoint, got.MountPoint)
}

func TestFindByIDNotFound(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.FindByID("does-not-exist")
	assert.Equal(t, nserrors.KindNotFound, nserrors.KindOf(err))
}

func TestIsAliveCurrentProcess(t *testing.T) {
	assert.True(t, IsAlive(os.Getpid()))
}

func TestIsAliveDeadPID(t *testing.T) {
	assert.False(t, IsAlive(deadPID(t)))
}

func TestListFiltersDeadSessions(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Write(Record{
		SessionID:  "alive",
		OwnerPID:   os.Getpid(),
		MountPoint: "/mnt/alive",
		CreatedAt:  time.Now(),
		State:      StateRunning,
	}))
	require.NoError(t, reg.Write(Record{
		SessionID:  "dead",
		OwnerPID:   deadPID(t),
		MountPoint: "/mnt/dead",
		CreatedAt:  time.Now(),
		State:      StateRunning,
	}))

	live, err := reg.List()
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "alive", live[0].SessionID)
}

func TestLookupByMountRepairsDuplicates(t *testing.T) {
	reg := newTestRegistry(t)
	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	require.NoError(t, reg.Write(Record{
		SessionID:  "dup-old",
		OwnerPID:   os.Getpid(),
		MountPoint: "/mnt/shared",
		CreatedAt:  older,
		State:      StateRunning,
	}))
	require.NoError(t, reg.Write(Record{
		SessionID:  "dup-new",
		OwnerPID:   os.Getpid(),
		MountPoint: "/mnt/shared",
		CreatedAt:  newer,
		State:      StateRunning,
	}))

	// The first lookup detects the duplicate, repairs it, and reports
	// the corruption rather than silently picking a winner.
	_, err := reg.LookupByMount("/mnt/shared")
	require.Equal(t, nserrors.KindRegistryCorrupt, nserrors.KindOf(err))

	// Repair already removed the stale record, so the next lookup
	// succeeds and returns the one that was created more recently.
	rec, err := reg.LookupByMount("/mnt/shared")
	require.NoError(t, err)
	assert.Equal(t, "dup-new", rec.SessionID)

	_, err = reg.FindByID("dup-old")
	assert.Equal(t, nserrors.KindNotFound, nserrors.KindOf(err))
}

func TestLookupByMountNotFound(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.LookupByMount("/mnt/nowhere")
	assert.Equal(t, nserrors.KindNotFound, nserrors.KindOf(err))
}

func TestReapDeadRemovesRecordAndFIFOsAndCallsUnmount(t *testing.T) {
	reg := newTestRegistry(t)
	dir := t.TempDir()
	controlFIFO := filepath.Join(dir, "ctl")
	replyFIFO := filepath.Join(dir, "rpl")
	require.NoError(t, os.WriteFile(controlFIFO, nil, 0o600))
	require.NoError(t, os.WriteFile(replyFIFO, nil, 0o600))

	require.NoError(t, reg.Write(Record{
		SessionID:       "dead-sess",
		OwnerPID:        deadPID(t),
		MountPoint:      "/mnt/dead",
		CreatedAt:       time.Now(),
		ControlFIFOPath: controlFIFO,
		ReplyFIFOPath:   replyFIFO,
		State:           StateRunning,
	}))
	require.NoError(t, reg.Write(Record{
		SessionID:  "alive-sess",
		OwnerPID:   os.Getpid(),
		MountPoint: "/mnt/alive",
		CreatedAt:  time.Now(),
		State:      StateRunning,
	}))

	var unmounted []string
	reaped, err := reg.ReapDead(func(mountPoint string) error {
		unmounted = append(unmounted, mountPoint)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)
	assert.Equal(t, []string{"/mnt/dead"}, unmounted)

	_, err = reg.FindByID("dead-sess")
	assert.Equal(t, nserrors.KindNotFound, nserrors.KindOf(err))
	_, err = reg.FindByID("alive-sess")
	assert.NoError(t, err)

	assert.NoFileExists(t, controlFIFO)
	assert.NoFileExists(t, replyFIFO)
}

func TestReapDeadSurvivesUnmountError(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Write(Record{
		SessionID:  "dead-sess",
		OwnerPID:   deadPID(t),
		MountPoint: "/mnt/busy",
		CreatedAt:  time.Now(),
		State:      StateRunning,
	}))

	reaped, err := reg.ReapDead(func(mountPoint string) error {
		return nserrors.New("unmount", nserrors.KindBusy)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	_, err = reg.FindByID("dead-sess")
	assert.Equal(t, nserrors.KindNotFound, nserrors.KindOf(err))
}
