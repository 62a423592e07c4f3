// Package nstable implements the path table and resolver described in
// spec.md §4.1: an ordered, per-virtual-path stack of backing
// directories combined under one of four binding disciplines, searched
// first-found the way backend/union's "ff"/"epff" policies walk their
// upstream candidates.
package nstable

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/doriancodes/nsfs/internal/nserrors"
)

// Mode is a binding discipline: how a new BackingEntry combines with
// whatever is already bound at a virtual path.
type Mode int

// The four binding disciplines from spec.md §3/§6.
const (
	Before Mode = iota
	After
	Replace
	Create
)

var modeNames = map[Mode]string{
	Before:  "Before",
	After:   "After",
	Replace: "Replace",
	Create:  "Create",
}

// String implements fmt.Stringer.
func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return "Unknown"
}

// ParseMode maps a binding-discipline name from the CLI or a control
// frame back onto its Mode, the inverse of String.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, nserrors.New("ParseMode", nserrors.KindInvalidPath)
}

// BackingEntry is one binding: a backing directory mounted under a mode
// at a given insertion order. Immutable after creation.
type BackingEntry struct {
	BackingDirectory string
	Mode             Mode
	InsertionOrder   int
}

// PathTable maps virtual paths to an ordered sequence of BackingEntry.
// The mount point's own path (Root) always keeps at least one entry for
// the lifetime of the table.
type PathTable struct {
	mu      sync.RWMutex
	root    string
	entries map[string][]BackingEntry
	seq     int
}

// New creates a PathTable for mountPoint, seeded with
// (mountPoint -> [(rootSource, Replace)]) per spec.md §4.3 step 0.
func New(mountPoint, rootSource string) (*PathTable, error) {
	mp, err := normalizeVirtual(mountPoint)
	if err != nil {
		return nil, nserrors.Wrap("new", nserrors.KindInvalidPath, err)
	}
	src, err := normalizeHost(rootSource)
	if err != nil {
		return nil, nserrors.Wrap("new", nserrors.KindInvalidPath, err)
	}
	if err := statDir(src); err != nil {
		return nil, nserrors.Wrap("new", nserrors.KindSourceMissing, err)
	}
	t := &PathTable{
		root:    mp,
		entries: make(map[string][]BackingEntry),
	}
	t.entries[mp] = []BackingEntry{{BackingDirectory: src, Mode: Replace, InsertionOrder: 0}}
	t.seq = 1
	return t, nil
}

// Root returns the mount point this table was created for.
func (t *PathTable) Root() string {
	return t.root
}

// Insert adds backingDirectory at virtualPath under mode, per the
// combination rules in spec.md §4.1. Mutation is atomic: readers see
// either the pre- or post-state, never a partial list.
func (t *PathTable) Insert(virtualPath, backingDirectory string, mode Mode) error {
	vp, err := normalizeVirtual(virtualPath)
	if err != nil {
		return nserrors.Wrap("insert", nserrors.KindInvalidPath, err)
	}
	bd, err := normalizeHost(backingDirectory)
	if err != nil {
		return nserrors.Wrap("insert", nserrors.KindInvalidPath, err)
	}
	if mode == Create {
		if err := statDir(bd); err != nil {
			return nserrors.Wrap("insert", nserrors.KindSourceMissing, err)
		}
		if err := os.MkdirAll(vp, 0o755); err != nil {
			return nserrors.Wrap("insert", nserrors.KindCreateFailed, err)
		}
	} else {
		if err := statDir(bd); err != nil {
			return nserrors.Wrap("insert", nserrors.KindSourceMissing, err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry := BackingEntry{BackingDirectory: bd, Mode: mode, InsertionOrder: t.seq}
	t.seq++

	switch mode {
	case Replace, Create:
		t.entries[vp] = []BackingEntry{entry}
	case Before:
		t.entries[vp] = append([]BackingEntry{entry}, t.entries[vp]...)
	case After:
		t.entries[vp] = append(t.entries[vp], entry)
	}
	return nil
}

// Remove deletes the matching entry (or all entries, if backingDirectory
// is empty) at virtualPath. The mount point's own binding cannot be
// removed down to zero entries; that fails with CannotRemoveRoot.
func (t *PathTable) Remove(virtualPath, backingDirectory string) error {
	vp, err := normalizeVirtual(virtualPath)
	if err != nil {
		return nserrors.Wrap("remove", nserrors.KindInvalidPath, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing := t.entries[vp]
	var remaining []BackingEntry
	if backingDirectory == "" {
		remaining = nil
	} else {
		bd, err := normalizeHost(backingDirectory)
		if err != nil {
			return nserrors.Wrap("remove", nserrors.KindInvalidPath, err)
		}
		for _, e := range existing {
			if e.BackingDirectory != bd {
				remaining = append(remaining, e)
			}
		}
	}

	if vp == t.root && len(remaining) == 0 {
		return nserrors.New("remove", nserrors.KindCannotRemoveRoot)
	}

	if len(remaining) == 0 {
		delete(t.entries, vp)
	} else {
		t.entries[vp] = remaining
	}
	return nil
}

// Snapshot returns a copy of the entry list bound at virtualPath,
// searching for the longest registered prefix of virtualPath and
// reporting the suffix still to walk underneath it. Taken under the
// read lock only; callers must not hold it across a syscall.
func (t *PathTable) Snapshot(virtualPath string) (prefix string, suffix string, entries []BackingEntry, ok bool) {
	vp, err := normalizeVirtual(virtualPath)
	if err != nil {
		return "", "", nil, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	prefix = vp
	for {
		if es, found := t.entries[prefix]; found {
			suffix = strings.TrimPrefix(vp, prefix)
			cp := make([]BackingEntry, len(es))
			copy(cp, es)
			return prefix, suffix, cp, true
		}
		if prefix == "/" {
			return "", "", nil, false
		}
		prefix = filepath.Dir(prefix)
	}
}

// Resolve returns the first backing candidate that exists on the host
// filesystem for virtualPath, walking entries in priority order. The
// entry-list snapshot is taken under the read lock and released before
// any stat runs, per spec.md §4.1/§5.
func (t *PathTable) Resolve(virtualPath string) (string, error) {
	_, suffix, entries, ok := t.Snapshot(virtualPath)
	if !ok {
		return "", nserrors.New("resolve", nserrors.KindNotFound)
	}
	for _, e := range entries {
		candidate := filepath.Join(e.BackingDirectory, suffix)
		if _, err := os.Lstat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nserrors.New("resolve", nserrors.KindNotFound)
}

// RootBindings returns a copy of the entry list currently bound at the
// table's root, for SessionRecord snapshots.
func (t *PathTable) RootBindings() []BackingEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	es := t.entries[t.root]
	cp := make([]BackingEntry, len(es))
	copy(cp, es)
	return cp
}

// Enumerate returns the union of child names across every backing
// directory that currently exists for virtualDirectory. Entries that
// are themselves virtual sub-bindings nested under virtualDirectory are
// not included here; callers combine Enumerate with the registered
// child virtual paths when needed.
func (t *PathTable) Enumerate(virtualDirectory string) ([]string, error) {
	_, suffix, entries, ok := t.Snapshot(virtualDirectory)
	if !ok {
		return nil, nserrors.New("enumerate", nserrors.KindNotFound)
	}

	seen := make(map[string]bool)
	var names []string
	for _, e := range entries {
		candidate := filepath.Join(e.BackingDirectory, suffix)
		infos, err := os.ReadDir(candidate)
		if err != nil {
			continue
		}
		for _, info := range infos {
			name := info.Name()
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names, nil
}

func statDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return os.ErrInvalid
	}
	return nil
}

func normalizeHost(p string) (string, error) {
	if !filepath.IsAbs(p) {
		return "", os.ErrInvalid
	}
	if err := rejectTraversal(p); err != nil {
		return "", err
	}
	return strings.TrimSuffix(filepath.Clean(p), "/"), nil
}

func normalizeVirtual(p string) (string, error) {
	if !filepath.IsAbs(p) {
		return "", os.ErrInvalid
	}
	if err := rejectTraversal(p); err != nil {
		return "", err
	}
	clean := filepath.Clean(p)
	if clean == "/" {
		return "/", nil
	}
	return strings.TrimSuffix(clean, "/"), nil
}

func rejectTraversal(p string) error {
	for _, part := range strings.Split(p, "/") {
		if part == "." || part == ".." {
			return os.ErrInvalid
		}
	}
	return nil
}
