// Package localsocket implements the binary-framed local client channel
// (spec §6): a Unix socket carrying typed frames, JSON control frames for
// session lifecycle (create/attach/detach/resize/error) and raw binary
// frames for PTY output/stdin, consumed by the core identically to the
// HTTP/WebSocket surface. Grounded on internal/session/daemon.go's
// socket-directory creation and net.Listen("unix", ...) bind sequence,
// generalized from a stat-and-fail probe (`socketdir.ProbeSocket`, whose
// body is not present anywhere in the retrieved pack) to a real advisory
// file lock.
package localsocket

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/gofrs/flock"
)

// Frame type tags (spec §6: "Types 0x01-0x07 carry JSON control frames
// ...; 0x10/0x11 carry raw PTY output and stdin").
const (
	FrameCreate byte = 0x01
	FrameAttach byte = 0x02
	FrameDetach byte = 0x03
	FrameResize byte = 0x04
	FrameError  byte = 0x05
	FrameAck    byte = 0x06
	FrameOp     byte = 0x07 // generic operation envelope for everything not named above

	FramePTYOutput byte = 0x10
	FrameStdin     byte = 0x11
)

// MaxPayload bounds a single frame's payload (spec §6: "payload<=16MiB").
const MaxPayload = 16 * 1024 * 1024

// Frame is one decoded [type:u8][len:u32be][payload] unit.
type Frame struct {
	Type    byte
	Payload []byte
}

// ReadFrame decodes one frame from r, rejecting any payload over MaxPayload
// before allocating a buffer for it.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	typ := header[0]
	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxPayload {
		return Frame{}, fmt.Errorf("localsocket: frame payload %d exceeds max %d", length, MaxPayload)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	return Frame{Type: typ, Payload: payload}, nil
}

// WriteFrame encodes and writes one frame to w.
func WriteFrame(w io.Writer, typ byte, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("localsocket: frame payload %d exceeds max %d", len(payload), MaxPayload)
	}
	header := make([]byte, 5, 5+len(payload))
	header[0] = typ
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	_, err := w.Write(append(header, payload...))
	return err
}

// Conn wraps one accepted local client connection with frame-level and
// JSON-control-frame-level helpers.
type Conn struct {
	nc net.Conn
}

// NewConn wraps an already-accepted net.Conn.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

func (c *Conn) ReadFrame() (Frame, error) {
	return ReadFrame(c.nc)
}

func (c *Conn) WriteFrame(typ byte, payload []byte) error {
	return WriteFrame(c.nc, typ, payload)
}

// WriteJSON marshals v and writes it as a control frame of the given type.
func (c *Conn) WriteJSON(typ byte, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteFrame(typ, payload)
}

// WriteStdout writes a chunk of raw PTY output.
func (c *Conn) WriteStdout(data []byte) error {
	return c.WriteFrame(FramePTYOutput, data)
}

func (c *Conn) SetDeadline(t time.Time) error { return c.nc.SetDeadline(t) }
func (c *Conn) Close() error                  { return c.nc.Close() }

// Listener binds a Unix socket at path, guarded by an advisory lock file
// beside it so a second daemon instance started against the same path
// fails fast instead of silently racing the first for accept()s. The
// teacher's own guard (`socketdir.ProbeSocket`) does a stat-and-fail check
// without a real lock; a lock file closes the race window a stat can't.
type Listener struct {
	ln   net.Listener
	lock *flock.Flock
	path string
}

// Bind acquires the lock and starts listening. A stale socket file left
// behind by an unclean shutdown is removed only after the lock is held, so
// removal only happens when we're certain no other process owns it.
func Bind(path string) (*Listener, error) {
	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("localsocket: acquire lock for %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("localsocket: socket %s is already bound by another process", path)
	}

	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("localsocket: listen on %s: %w", path, err)
	}
	return &Listener{ln: ln, lock: fl, path: path}, nil
}

// Accept blocks for the next client connection.
func (l *Listener) Accept() (*Conn, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(nc), nil
}

// Close stops accepting, removes the socket file, and releases the lock.
func (l *Listener) Close() error {
	l.ln.Close()
	os.Remove(l.path)
	os.Remove(l.path + ".lock")
	return l.lock.Unlock()
}
