// Package control implements the framed FIFO protocol used to deliver
// commands from CLI invocations to the session process that owns a
// mount point, per spec.md §4.5/§6.
package control

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/doriancodes/nsfs/internal/nserrors"
)

// maxFrameSize bounds a single frame so a corrupt length prefix cannot
// make a reader allocate unbounded memory.
const maxFrameSize = 16 << 20

// CommandKind discriminates the Command variants from spec.md §4.3/§6.
type CommandKind string

// The four commands the session command loop accepts.
const (
	CommandBind     CommandKind = "Bind"
	CommandUnbind   CommandKind = "Unbind"
	CommandStat     CommandKind = "Stat"
	CommandShutdown CommandKind = "Shutdown"
)

// Command is one frame sent from a CLI invocation to a session's
// control FIFO. Fields unused by Kind are left zero.
type Command struct {
	Kind   CommandKind `json:"kind"`
	Source string      `json:"source,omitempty"`
	Target string      `json:"target,omitempty"`
	Mode   string      `json:"mode,omitempty"`
	Force  bool        `json:"force,omitempty"`
}

// ReplyKind discriminates the Reply variants from spec.md §6.
type ReplyKind string

// The three reply shapes a session can send back.
const (
	ReplyOk          ReplyKind = "Ok"
	ReplyError       ReplyKind = "Error"
	ReplySessionInfo ReplyKind = "SessionInfo"
)

// Reply is one frame sent back from the session process to the client
// that issued a Command.
type Reply struct {
	Kind    ReplyKind       `json:"kind"`
	Error   *ReplyError     `json:"error,omitempty"`
	Session json.RawMessage `json:"session,omitempty"`
}

// ReplyError carries the typed failure taxonomy across the wire.
type ReplyError struct {
	Kind    nserrors.Kind `json:"kind"`
	Message string        `json:"message"`
}

// AsError turns a ReplyKind=Error reply into a Go error the caller can
// test with nserrors.KindOf.
func (r *Reply) AsError(op string) error {
	if r.Kind != ReplyError || r.Error == nil {
		return nil
	}
	return nserrors.Wrap(op, r.Error.Kind, fmt.Errorf("%s", r.Error.Message))
}

// WriteFrame writes v as length-prefixed JSON: a 4-byte big-endian
// length followed by that many bytes of payload.
func WriteFrame(w io.Writer, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and decodes it into v.
func ReadFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return fmt.Errorf("read frame: length %d exceeds max frame size", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
