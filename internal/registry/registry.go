// Package registry implements the on-disk session registry from
// spec.md §4.4: one file per live session, discoverable by mount point
// or id, with advisory (not authoritative) liveness checking.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/doriancodes/nsfs/internal/nserrors"
	"github.com/doriancodes/nsfs/internal/nslog"
)

var log = nslog.For("registry")

// State is a session's lifecycle state, per spec.md §3.
type State string

// The four states a Session moves through.
const (
	StateStarting State = "Starting"
	StateRunning  State = "Running"
	StateDraining State = "Draining"
	StateDead     State = "Dead"
)

// Binding is the on-disk snapshot of one BackingEntry, recorded in a
// Record so `session <id>` can print the current stack without talking
// to the owning process.
type Binding struct {
	BackingDirectory string `json:"backing_directory"`
	Mode             string `json:"mode"`
}

// Record is the on-disk SessionRecord from spec.md §3: one JSON file
// per session inside the registry directory.
type Record struct {
	SessionID       string    `json:"session_id"`
	OwnerPID        int       `json:"owner_pid"`
	MountPoint      string    `json:"mount_point"`
	RootSource      string    `json:"root_source"`
	CreatedAt       time.Time `json:"created_at"`
	ControlFIFOPath string    `json:"control_fifo_path"`
	ReplyFIFOPath   string    `json:"reply_fifo_path"`
	State           State     `json:"state"`
	Bindings        []Binding `json:"bindings"`
}

// Registry is a handle on the on-disk directory of SessionRecord files.
// It carries no package-level mutable state: callers construct one at
// startup and thread it through the supervisor, per spec.md §9.
type Registry struct {
	dir string
}

// DefaultRoot is the registry root spec.md §6 specifies
// (`/tmp/<tool>/sessions`), overridable at build time.
const DefaultRoot = "/tmp/nsfs/sessions"

// Open returns a Registry rooted at dir, creating it if necessary.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("open registry %s: %w", dir, err)
	}
	return &Registry{dir: dir}, nil
}

// Dir returns the registry's root directory, so callers (the
// supervisor) can derive per-session FIFO paths alongside it.
func (r *Registry) Dir() string {
	return r.dir
}

func (r *Registry) path(sessionID string) string {
	return filepath.Join(r.dir, sessionID)
}

func (r *Registry) lockPath() string {
	return filepath.Join(r.dir, "registry.lock")
}

// Write atomically persists rec, replacing any previous record for the
// same session id. It is called after every successful namespace
// mutation (spec.md §3).
func (r *Registry) Write(rec Record) error {
	payload, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.SessionID, err)
	}
	tmp, err := os.CreateTemp(r.dir, rec.SessionID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("chmod temp record: %w", err)
	}
	if err := os.Rename(tmpPath, r.path(rec.SessionID)); err != nil {
		return fmt.Errorf("rename record %s: %w", rec.SessionID, err)
	}
	return nil
}

// Remove deletes the record for sessionID, ignoring a not-exist error.
func (r *Registry) Remove(sessionID string) error {
	if err := os.Remove(r.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove record %s: %w", sessionID, err)
	}
	return nil
}

// FindByID returns the record for sessionID, or NotFound.
func (r *Registry) FindByID(sessionID string) (Record, error) {
	data, err := os.ReadFile(r.path(sessionID))
	if err != nil {
		return Record{}, nserrors.Wrap("registry.FindByID", nserrors.KindNotFound, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, nserrors.Wrap("registry.FindByID", nserrors.KindRegistryCorrupt, err)
	}
	return rec, nil
}

// readAll parses every well-formed record file in the registry
// directory. Non-regular files (such as the sessions' FIFOs) are not
// opened; unparseable files are treated as stale and skipped with a
// warning, per spec.md §4.4.
func (r *Registry) readAll() ([]Record, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read registry dir: %w", err)
	}
	var records []Record
	for _, e := range entries {
		if !e.Type().IsRegular() || e.Name() == "registry.lock" || strings.Contains(e.Name(), ".tmp-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			log.WithField("file", e.Name()).Warn("unparseable session record, treating as stale")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// List returns every session that is both present on disk and whose
// owner process is alive and running the nsfs binary, per spec.md
// §4.4 and testable property 6.
func (r *Registry) List() ([]Record, error) {
	all, err := r.readAll()
	if err != nil {
		return nil, err
	}
	var live []Record
	for _, rec := range all {
		if IsAlive(rec.OwnerPID) {
			live = append(live, rec)
		}
	}
	return live, nil
}

// LookupByMount returns the single live session bound at mountPoint, if
// any. Multiple hits indicate a corrupt registry and trigger a repair
// scan under the registry's advisory lock.
func (r *Registry) LookupByMount(mountPoint string) (Record, error) {
	live, err := r.List()
	if err != nil {
		return Record{}, err
	}
	var matches []Record
	for _, rec := range live {
		if rec.MountPoint == mountPoint {
			matches = append(matches, rec)
		}
	}
	switch len(matches) {
	case 0:
		return Record{}, nserrors.New("registry.LookupByMount", nserrors.KindNotFound)
	case 1:
		return matches[0], nil
	default:
		if err := r.repair(mountPoint, matches); err != nil {
			return Record{}, err
		}
		return Record{}, nserrors.Wrap("registry.LookupByMount", nserrors.KindRegistryCorrupt,
			fmt.Errorf("%d live sessions claimed %s", len(matches), mountPoint))
	}
}

// repair keeps the most recently created record for mountPoint and
// removes the rest, under the global registry lock.
func (r *Registry) repair(mountPoint string, matches []Record) error {
	return r.withLock(func() error {
		newest := matches[0]
		for _, rec := range matches[1:] {
			if rec.CreatedAt.After(newest.CreatedAt) {
				newest = rec
			}
		}
		for _, rec := range matches {
			if rec.SessionID == newest.SessionID {
				continue
			}
			log.WithFields(map[string]interface{}{
				"mount_point": mountPoint,
				"session_id":  rec.SessionID,
			}).Warn("registry repair: removing duplicate session record")
			if err := r.Remove(rec.SessionID); err != nil {
				return err
			}
		}
		return nil
	})
}

// withLock serializes repair scans across processes using an advisory
// flock on registry.lock, per spec.md §5.
func (r *Registry) withLock(fn func() error) error {
	f, err := os.OpenFile(r.lockPath(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open registry lock: %w", err)
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return fn()
}

// IsAlive reports whether pid identifies a running nsfs process:
// signal 0 must succeed and /proc/<pid>/exe must resolve to an
// executable with the same base name as this binary, per spec.md §4.4.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	target, err := os.Readlink("/proc/" + strconv.Itoa(pid) + "/exe")
	if err != nil {
		// /proc may be unavailable (permission, non-Linux); fall back
		// to the signal-0 check alone rather than declaring the
		// session dead on a liveness check we can't perform.
		return true
	}
	self, err := os.Executable()
	if err != nil {
		return true
	}
	return filepath.Base(target) == filepath.Base(self)
}

// ReapDead removes the on-disk record and FIFOs for every session whose
// owner process is gone, invoking unmount(mountPoint, true) first so a
// leftover kernel mount doesn't outlive its session, per spec.md §4.4
// and testable scenario 6.
func (r *Registry) ReapDead(unmount func(mountPoint string) error) (int, error) {
	all, err := r.readAll()
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, rec := range all {
		if IsAlive(rec.OwnerPID) {
			continue
		}
		log.WithFields(map[string]interface{}{
			"session_id":  rec.SessionID,
			"mount_point": rec.MountPoint,
		}).Info("reaping dead session")
		if unmount != nil {
			if err := unmount(rec.MountPoint); err != nil {
				log.WithError(err).Warn("forced unmount during reap failed")
			}
		}
		_ = os.Remove(rec.ControlFIFOPath)
		_ = os.Remove(rec.ReplyFIFOPath)
		if err := r.Remove(rec.SessionID); err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}
