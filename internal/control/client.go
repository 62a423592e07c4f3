package control

import (
	"fmt"
	"os"
	"time"

	"github.com/doriancodes/nsfs/internal/nserrors"
)

// Client timeouts and retry schedule from spec.md §4.5.
const (
	writeOpenTimeout = 2 * time.Second
	readOpenTimeout  = 5 * time.Second
)

var writeRetryBackoff = []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1 * time.Second}

// openWithTimeout opens path with flag, abandoning the attempt if it
// doesn't complete within timeout. A FIFO open for write blocks until a
// reader is present, and open(2) itself cannot be cancelled, so the
// open runs in a goroutine that is raced against the deadline; a
// timed-out open is left to complete in the background and its file
// descriptor is closed once it does, so the goroutine cannot leak past
// process exit but the unblocked open never strands an open FIFO end.
func openWithTimeout(path string, flag int, timeout time.Duration) (*os.File, error) {
	type result struct {
		f   *os.File
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := os.OpenFile(path, flag, 0)
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		return r.f, r.err
	case <-time.After(timeout):
		go func() {
			if r := <-ch; r.f != nil {
				_ = r.f.Close()
			}
		}()
		return nil, fmt.Errorf("open %s: timed out after %s", path, timeout)
	}
}

// Call sends cmd to the session whose control/reply FIFOs are at
// controlPath/replyPath and returns its reply. It implements the full
// client protocol from spec.md §4.5: retry the write-open phase up to
// three times with exponential backoff if the reader is transiently
// absent, then read exactly one reply frame without retry.
func Call(controlPath, replyPath string, cmd Command) (*Reply, error) {
	var (
		cf  *os.File
		err error
	)
	for attempt := 0; ; attempt++ {
		cf, err = openWithTimeout(controlPath, os.O_WRONLY, writeOpenTimeout)
		if err == nil {
			break
		}
		if attempt >= len(writeRetryBackoff) {
			return nil, nserrors.Wrap("control.Call", nserrors.KindSessionUnreachable, err)
		}
		time.Sleep(writeRetryBackoff[attempt])
	}
	defer cf.Close()

	if err := WriteFrame(cf, cmd); err != nil {
		return nil, nserrors.Wrap("control.Call", nserrors.KindSessionUnreachable, err)
	}

	rf, err := openWithTimeout(replyPath, os.O_RDONLY, readOpenTimeout)
	if err != nil {
		return nil, nserrors.Wrap("control.Call", nserrors.KindSessionUnresponsive, err)
	}
	defer rf.Close()

	var reply Reply
	if err := ReadFrame(rf, &reply); err != nil {
		return nil, nserrors.Wrap("control.Call", nserrors.KindSessionUnresponsive, err)
	}
	return &reply, nil
}
