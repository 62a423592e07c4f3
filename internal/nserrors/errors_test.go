package nserrors

import (
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfUnwrapsChain(t *testing.T) {
	base := New("resolve", KindNotFound)
	wrapped := fmt.Errorf("lookup %s: %w", "/mnt/a.txt", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
}

func TestKindOfDefaultsToOther(t *testing.T) {
	assert.Equal(t, KindOther, KindOf(fmt.Errorf("plain error")))
	assert.Equal(t, KindOther, KindOf(nil))
}

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		code int
	}{
		{KindOther, 1},
		{KindSessionUnreachable, 3},
		{KindSessionUnresponsive, 3},
		{KindMountFailed, 4},
		{KindSourceMissing, 5},
		{KindBusy, 6},
	}
	for _, c := range cases {
		t.Run(c.kind.String(), func(t *testing.T) {
			assert.Equal(t, c.code, ExitCode(New("op", c.kind)))
		})
	}
	require.Equal(t, 0, ExitCode(nil))
}

func TestErrnoMapping(t *testing.T) {
	assert.Equal(t, syscall.ENOENT, Errno(New("resolve", KindNotFound)))
	assert.Equal(t, syscall.EINVAL, Errno(New("insert", KindInvalidPath)))
	assert.Equal(t, syscall.EBUSY, Errno(New("unmount", KindBusy)))
	assert.Equal(t, syscall.EPERM, Errno(New("remove", KindCannotRemoveRoot)))
	assert.Equal(t, syscall.Errno(0), Errno(nil))
	assert.Equal(t, syscall.EIO, Errno(fmt.Errorf("unclassified")))
}

func TestKindTextRoundTrip(t *testing.T) {
	for k := range kindNames {
		text, err := k.MarshalText()
		require.NoError(t, err)
		var got Kind
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, k, got)
	}
}
