package control

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fifoMode is the permission every control/reply FIFO is created with,
// per spec.md §4.3 step 2 and §6 "Persisted state".
const fifoMode = 0o600

// CreateFIFO creates a named pipe at path with mode 0600, replacing any
// stale file left over from a previous, crashed session.
func CreateFIFO(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale fifo %s: %w", path, err)
	}
	if err := unix.Mkfifo(path, fifoMode); err != nil {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return nil
}

// RemoveFIFO deletes the FIFO at path, ignoring a not-exist error so
// teardown is idempotent.
func RemoveFIFO(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove fifo %s: %w", path, err)
	}
	return nil
}
