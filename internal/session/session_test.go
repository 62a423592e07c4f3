package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doriancodes/nsfs/internal/control"
	"github.com/doriancodes/nsfs/internal/nserrors"
	"github.com/doriancodes/nsfs/internal/nstable"
	"github.com/doriancodes/nsfs/internal/registry"
)

// newTestSession builds a Session with a real table and registry but no
// FUSE server, so handle() can be exercised without a kernel mount.
func newTestSession(t *testing.T) *Session {
	t.Helper()
	mountPoint := t.TempDir()
	rootSource := t.TempDir()

	table, err := nstable.New(mountPoint, rootSource)
	require.NoError(t, err)

	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)

	return &Session{
		cfg: Config{
			SessionID:  "test-session",
			MountPoint: mountPoint,
			RootSource: rootSource,
		},
		reg:       reg,
		table:     table,
		state:     registry.StateRunning,
		inboundCh: make(chan inbound, 1),
	}
}

func TestHandleBindInsertsEntry(t *testing.T) {
	s := newTestSession(t)
	extra := t.TempDir()

	reply := s.handle(control.Command{
		Kind:   control.CommandBind,
		Source: extra,
		Target: s.cfg.MountPoint,
		Mode:   "Before",
	})
	assert.Equal(t, control.ReplyOk, reply.Kind)

	bindings := s.table.RootBindings()
	require.Len(t, bindings, 2)
	assert.Equal(t, extra, bindings[0].BackingDirectory)
}

func TestHandleBindInvalidModeRejected(t *testing.T) {
	s := newTestSession(t)

	reply := s.handle(control.Command{
		Kind:   control.CommandBind,
		Source: t.TempDir(),
		Target: s.cfg.MountPoint,
		Mode:   "Sideways",
	})
	require.Equal(t, control.ReplyError, reply.Kind)
	assert.Equal(t, nserrors.KindInvalidPath, reply.Error.Kind)
}

func TestHandleUnbindRootDownToZeroRejected(t *testing.T) {
	s := newTestSession(t)

	reply := s.handle(control.Command{
		Kind:   control.CommandUnbind,
		Target: s.cfg.MountPoint,
	})
	require.Equal(t, control.ReplyError, reply.Kind)
	assert.Equal(t, nserrors.KindCannotRemoveRoot, reply.Error.Kind)
}

func TestHandleStatReturnsMarshaledRecord(t *testing.T) {
	s := newTestSession(t)

	reply := s.handle(control.Command{Kind: control.CommandStat})
	require.Equal(t, control.ReplySessionInfo, reply.Kind)

	var rec registry.Record
	require.NoError(t, json.Unmarshal(reply.Session, &rec))
	assert.Equal(t, s.cfg.SessionID, rec.SessionID)
	assert.Equal(t, s.cfg.MountPoint, rec.MountPoint)
	assert.Len(t, rec.Bindings, 1)
}

func TestHandleShutdownTransitionsToDraining(t *testing.T) {
	s := newTestSession(t)

	reply := s.handle(control.Command{Kind: control.CommandShutdown, Force: true})
	assert.Equal(t, control.ReplyOk, reply.Kind)
	assert.True(t, s.isDraining())
}
