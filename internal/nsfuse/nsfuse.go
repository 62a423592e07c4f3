// Package nsfuse implements the kernel user-space filesystem callback
// surface from spec.md §4.2 on top of github.com/hanwen/go-fuse/v2,
// delegating every lookup/readdir/read/write to a session's
// nstable.PathTable resolver. The node tree is discovered dynamically
// (Lookup/Readdir), the same pattern hanwen/go-fuse's own loopback and
// "dynamic discovery" examples use, rather than built up front: the
// union view can change shape at any moment as binds are inserted or
// removed.
package nsfuse

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/doriancodes/nsfs/internal/nserrors"
	"github.com/doriancodes/nsfs/internal/nslog"
	"github.com/doriancodes/nsfs/internal/nstable"
)

var log = nslog.For("nsfuse")

// inodeMap assigns a monotonic, never-recycled inode number to each
// virtual path the first time it is surfaced, per spec.md §4.2. Inode 1
// is reserved for the mount root.
type inodeMap struct {
	mu     sync.Mutex
	next   uint64
	byPath map[string]uint64
}

func newInodeMap(root string) *inodeMap {
	return &inodeMap{
		next:   2,
		byPath: map[string]uint64{root: 1},
	}
}

func (m *inodeMap) inoFor(virtualPath string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ino, ok := m.byPath[virtualPath]; ok {
		return ino
	}
	ino := m.next
	m.next++
	m.byPath[virtualPath] = ino
	return ino
}

// Node is one node of the FUSE tree. Every Node in a session's tree
// shares the same PathTable and inodeMap; only virtualPath differs.
type Node struct {
	fs.Inode

	table       *nstable.PathTable
	virtualPath string
	inodes      *inodeMap
}

var (
	_ fs.InodeEmbedder = (*Node)(nil)
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.NodeRenamer   = (*Node)(nil)
)

// NewRoot builds the root node of the FUSE tree over table, seeded at
// table.Root() per spec.md §4.2 "inode 1 is the mount root".
func NewRoot(table *nstable.PathTable) *Node {
	return &Node{
		table:       table,
		virtualPath: table.Root(),
		inodes:      newInodeMap(table.Root()),
	}
}

func (n *Node) child(virtualPath string) *Node {
	return &Node{table: n.table, virtualPath: virtualPath, inodes: n.inodes}
}

// statAttr lstat's backing and fills out with its raw attributes, per
// spec.md §4.2 "surface mode, uid, gid, size, timestamps verbatim".
func statAttr(backing string, out *fuse.Attr) syscall.Errno {
	var st syscall.Stat_t
	if err := syscall.Lstat(backing, &st); err != nil {
		return nserrors.Errno(err)
	}
	out.FromStat(&st)
	return 0
}

// Lookup resolves parent-relative name against the path table and
// surfaces the chosen backing's attributes, per spec.md §4.2.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := filepath.Join(n.virtualPath, name)
	backing, err := n.table.Resolve(childPath)
	if err != nil {
		log.WithField("virtual_path", childPath).Debug("lookup miss")
		return nil, nserrors.Errno(err)
	}
	if errno := statAttr(backing, &out.Attr); errno != 0 {
		return nil, errno
	}
	stable := fs.StableAttr{
		Mode: out.Attr.Mode & syscall.S_IFMT,
		Ino:  n.inodes.inoFor(childPath),
	}
	child := n.NewInode(ctx, n.child(childPath), stable)
	return child, 0
}

// Getattr stats the resolved backing for this node's own virtual path.
func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	backing, err := n.table.Resolve(n.virtualPath)
	if err != nil {
		return nserrors.Errno(err)
	}
	return statAttr(backing, &out.Attr)
}

// Readdir enumerates the union of every existing backing directory at
// this node's virtual path, stably sorted by name with duplicates
// collapsed by first-priority rule (nstable.Enumerate already applies
// that rule), per spec.md §4.2 and testable property 4.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	names, err := n.table.Enumerate(n.virtualPath)
	if err != nil {
		return nil, nserrors.Errno(err)
	}
	sort.Strings(names)

	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		childPath := filepath.Join(n.virtualPath, name)
		backing, err := n.table.Resolve(childPath)
		if err != nil {
			// raced out from under us between enumerate and resolve
			continue
		}
		var st syscall.Stat_t
		if err := syscall.Lstat(backing, &st); err != nil {
			continue
		}
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Ino:  n.inodes.inoFor(childPath),
			Mode: st.Mode & syscall.S_IFMT,
		})
	}
	return fs.NewListDirStream(entries), 0
}

// Open opens the resolved backing path with flags, per spec.md §4.2.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	backing, err := n.table.Resolve(n.virtualPath)
	if err != nil {
		return nil, 0, nserrors.Errno(err)
	}
	f, oerr := os.OpenFile(backing, int(flags)&^os.O_CREATE, 0)
	if oerr != nil {
		return nil, 0, nserrors.Errno(oerr)
	}
	return &fileHandle{f: f}, 0, 0
}

// Mkdir creates name inside the highest-priority backing whose parent
// directory already exists, per spec.md §4.2.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	backingDir, err := n.table.Resolve(n.virtualPath)
	if err != nil {
		return nil, nserrors.Errno(err)
	}
	backing := filepath.Join(backingDir, name)
	if err := os.Mkdir(backing, os.FileMode(mode)); err != nil {
		return nil, nserrors.Errno(err)
	}
	childPath := filepath.Join(n.virtualPath, name)
	if errno := statAttr(backing, &out.Attr); errno != 0 {
		return nil, errno
	}
	stable := fs.StableAttr{Mode: syscall.S_IFDIR, Ino: n.inodes.inoFor(childPath)}
	return n.NewInode(ctx, n.child(childPath), stable), 0
}

// Create creates and opens name, per spec.md §4.2 "create targets the
// highest-priority backing whose parent directory exists".
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	backingDir, err := n.table.Resolve(n.virtualPath)
	if err != nil {
		return nil, nil, 0, nserrors.Errno(err)
	}
	backing := filepath.Join(backingDir, name)
	f, oerr := os.OpenFile(backing, int(flags)|os.O_CREATE, os.FileMode(mode))
	if oerr != nil {
		return nil, nil, 0, nserrors.Errno(oerr)
	}
	childPath := filepath.Join(n.virtualPath, name)
	if errno := statAttr(backing, &out.Attr); errno != 0 {
		f.Close()
		return nil, nil, 0, errno
	}
	stable := fs.StableAttr{Mode: out.Attr.Mode & syscall.S_IFMT, Ino: n.inodes.inoFor(childPath)}
	child := n.NewInode(ctx, n.child(childPath), stable)
	return child, &fileHandle{f: f}, 0, 0
}

// Unlink removes name's resolved backing file.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	childPath := filepath.Join(n.virtualPath, name)
	backing, err := n.table.Resolve(childPath)
	if err != nil {
		return nserrors.Errno(err)
	}
	return nserrors.Errno(os.Remove(backing))
}

// Rmdir removes name's resolved backing directory.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	childPath := filepath.Join(n.virtualPath, name)
	backing, err := n.table.Resolve(childPath)
	if err != nil {
		return nserrors.Errno(err)
	}
	return nserrors.Errno(os.Remove(backing))
}

// Rename moves name to newName under newParent, failing with EXDEV if
// the two resolve to different backing directories, per spec.md §4.2.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	oldBacking, err := n.table.Resolve(filepath.Join(n.virtualPath, name))
	if err != nil {
		return nserrors.Errno(err)
	}

	newParentNode, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}
	newParentBacking, err := n.table.Resolve(newParentNode.virtualPath)
	if err != nil {
		return nserrors.Errno(err)
	}

	if filepath.Dir(oldBacking) != newParentBacking {
		return syscall.EXDEV
	}
	newBacking := filepath.Join(newParentBacking, newName)
	return nserrors.Errno(os.Rename(oldBacking, newBacking))
}

// fileHandle is the FileHandle returned by Open/Create: reads and
// writes delegate to the backing *os.File, per spec.md §4.2.
type fileHandle struct {
	f *os.File
}

var (
	_ fs.FileHandle   = (*fileHandle)(nil)
	_ fs.FileReader   = (*fileHandle)(nil)
	_ fs.FileWriter   = (*fileHandle)(nil)
	_ fs.FileReleaser = (*fileHandle)(nil)
	_ fs.FileFlusher  = (*fileHandle)(nil)
	_ fs.FileFsyncer  = (*fileHandle)(nil)
)

// Read delegates to the backing file. Short reads at EOF are permitted
// per spec.md §4.2.
func (fh *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := fh.f.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return nil, nserrors.Errno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (fh *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := fh.f.WriteAt(data, off)
	return uint32(n), nserrors.Errno(err)
}

func (fh *fileHandle) Release(ctx context.Context) syscall.Errno {
	return nserrors.Errno(fh.f.Close())
}

func (fh *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

func (fh *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return nserrors.Errno(fh.f.Sync())
}

// Mount mounts root at mountPoint and returns the running *fuse.Server.
// Callers unmount with srv.Unmount() and block on srv.Wait() until the
// kernel tears the mount down, per spec.md §4.3.
func Mount(mountPoint string, table *nstable.PathTable, debug bool) (*fuse.Server, error) {
	root := NewRoot(table)
	sec := time.Second
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName: "nsfs",
			Name:   "nsfs",
			Debug:  debug,
		},
		EntryTimeout: &sec,
		AttrTimeout:  &sec,
	}
	srv, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return nil, nserrors.Wrap("nsfuse.Mount", nserrors.KindMountFailed, err)
	}
	log.WithField("mount_point", mountPoint).Info("fuse mount established")
	return srv, nil
}
