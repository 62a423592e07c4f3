package control

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doriancodes/nsfs/internal/nserrors"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cmd := Command{Kind: CommandBind, Source: "/src", Target: "/mnt", Mode: "Before"}
	require.NoError(t, WriteFrame(&buf, cmd))

	var got Command
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Equal(t, cmd, got)
}

func TestCallRoundTrip(t *testing.T) {
	dir := t.TempDir()
	controlPath := filepath.Join(dir, "control")
	replyPath := filepath.Join(dir, "reply")
	require.NoError(t, CreateFIFO(controlPath))
	require.NoError(t, CreateFIFO(replyPath))

	serverDone := make(chan error, 1)
	go func() {
		cf, err := os.OpenFile(controlPath, os.O_RDONLY, 0)
		if err != nil {
			serverDone <- err
			return
		}
		defer cf.Close()
		var cmd Command
		if err := ReadFrame(cf, &cmd); err != nil {
			serverDone <- err
			return
		}
		rf, err := os.OpenFile(replyPath, os.O_WRONLY, 0)
		if err != nil {
			serverDone <- err
			return
		}
		defer rf.Close()
		serverDone <- WriteFrame(rf, Reply{Kind: ReplyOk})
	}()

	reply, err := Call(controlPath, replyPath, Command{Kind: CommandBind, Source: "/src", Target: "/mnt"})
	require.NoError(t, err)
	require.NoError(t, <-serverDone)
	assert.Equal(t, ReplyOk, reply.Kind)
}

func TestCallSessionUnreachableWhenNoReader(t *testing.T) {
	dir := t.TempDir()
	controlPath := filepath.Join(dir, "control")
	replyPath := filepath.Join(dir, "reply")
	require.NoError(t, CreateFIFO(controlPath))
	require.NoError(t, CreateFIFO(replyPath))

	_, err := Call(controlPath, replyPath, Command{Kind: CommandStat})
	require.Error(t, err)
	assert.Equal(t, nserrors.KindSessionUnreachable, nserrors.KindOf(err))
}
