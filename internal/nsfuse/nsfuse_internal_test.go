package nsfuse

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInodeMapRootIsOne(t *testing.T) {
	m := newInodeMap("/mnt")
	assert.Equal(t, uint64(1), m.inoFor("/mnt"))
}

func TestInodeMapAssignsMonotonicNeverRecycled(t *testing.T) {
	m := newInodeMap("/mnt")

	a := m.inoFor("/mnt/a")
	b := m.inoFor("/mnt/b")
	assert.NotEqual(t, a, b)
	assert.Greater(t, a, uint64(1))
	assert.Greater(t, b, uint64(1))

	// Re-surfacing the same virtual path returns the same inode.
	again := m.inoFor("/mnt/a")
	assert.Equal(t, a, again)
}

func TestStatAttrFillsModeAndSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	var out fuse.Attr
	errno := statAttr(path, &out)
	assert.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint64(5), out.Size)
	assert.Equal(t, uint32(syscall.S_IFREG), out.Mode&syscall.S_IFMT)
}

func TestStatAttrNotFound(t *testing.T) {
	var out fuse.Attr
	errno := statAttr(filepath.Join(t.TempDir(), "missing"), &out)
	assert.Equal(t, syscall.ENOENT, errno)
}
