// Package toolserver exposes a single tool DLCI over a local stream
// socket (spec.md §4.7), using golang.org/x/sys/unix directly rather
// than net.Listen, since the event loop (internal/eventloop) dispatches
// on raw file descriptors and needs Accept4's SOCK_NONBLOCK flag on the
// accepted connection, not just the listener.
package toolserver

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"

	"golang.org/x/sys/unix"
)

// maxEnvelope bounds a single tool-channel message, matching
// internal/linkmux's MaxFramePayload so a session can never queue more
// than one frame's worth of unread data.
const maxEnvelope = 512

// Server listens on a UNIX stream socket and holds the sessions
// currently accepted on it. A Server is registered with the event loop
// on its own listening fd; sessions are registered on their own fds as
// they're accepted.
type Server struct {
	path string
	fd   int

	sessions map[int]*Session

	// OnSessionOpen/OnSessionClose are for telemetry; either may be nil.
	OnSessionOpen  func(fd int)
	OnSessionClose func(fd int)
}

// Session is one accepted tool-channel connection. Writes queue
// length-prefixed envelopes; reads accumulate into a small buffer since
// a client may write less than a full envelope per syscall.
type Session struct {
	fd int

	rxBuf []byte // accumulates a pending envelope's length prefix + body
	tx    []byte // pending outbound bytes

	// OnFrame is invoked with a complete envelope's payload once its
	// 2-byte big-endian length prefix and body have both arrived.
	OnFrame func(payload []byte)
	// OnWantWrite mirrors internal/linkmux's convention: called when tx
	// transitions empty<->non-empty so the orchestrator can toggle this
	// session fd's WRITE interest.
	OnWantWrite func(want bool)
}

// Listen unlinks any stale socket at path (spec.md §4.7: a prior run's
// socket file left behind after a crash must not block a fresh bind),
// then creates, binds and listens on a non-blocking UNIX stream socket.
func Listen(path string) (*Server, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("toolserver: unlink stale socket %s: %w", path, err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("toolserver: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("toolserver: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 4); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("toolserver: listen %s: %w", path, err)
	}
	return &Server{path: path, fd: fd, sessions: make(map[int]*Session)}, nil
}

// Fd returns the listening socket's fd for event-loop registration.
func (s *Server) Fd() int { return s.fd }

// Accept accepts as many pending connections as are queued, returning
// the newly accepted sessions. The orchestrator calls this from the
// listener fd's READ readiness callback and registers each returned
// Session with the event loop.
func (s *Server) Accept() []*Session {
	var accepted []*Session
	for {
		connFd, _, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			log.Printf("toolserver: accept on %s: %v", s.path, err)
			break
		}
		sess := &Session{fd: connFd}
		s.sessions[connFd] = sess
		accepted = append(accepted, sess)
		if s.OnSessionOpen != nil {
			s.OnSessionOpen(connFd)
		}
	}
	return accepted
}

// SessionsSnapshot returns the currently open sessions. Callers that
// fan a frame out to every session (internal/orchestrator's LinkMux
// receive callback) should use this rather than holding their own copy,
// since sessions come and go between frames.
func (s *Server) SessionsSnapshot() []*Session {
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Close closes a session and unlinks it from the server's bookkeeping.
// The orchestrator calls this after unregistering the session's fd from
// the event loop (e.g. on read EOF or a write error).
func (s *Server) Close(sess *Session) {
	delete(s.sessions, sess.fd)
	unix.Close(sess.fd)
	if s.OnSessionClose != nil {
		s.OnSessionClose(sess.fd)
	}
}

// Shutdown closes the listening socket and unlinks the socket path so a
// subsequent run can rebind it (spec.md §4.7, SPEC_FULL.md §4's SIGINT
// handling).
func (s *Server) Shutdown() {
	unix.Close(s.fd)
	os.Remove(s.path)
}

// Fd returns the session's connection fd for event-loop registration.
func (sess *Session) Fd() int { return sess.fd }

// OnReadable reads whatever is available and feeds complete envelopes to
// OnFrame. It returns io.EOF-equivalent via a plain error when the peer
// has closed the connection (a zero-byte non-error read).
func (sess *Session) OnReadable() error {
	var buf [maxEnvelope + 2]byte
	n, err := unix.Read(sess.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		return fmt.Errorf("toolserver: read: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("toolserver: session closed by peer")
	}
	sess.rxBuf = append(sess.rxBuf, buf[:n]...)
	return sess.drainFrames()
}

func (sess *Session) drainFrames() error {
	for {
		if len(sess.rxBuf) < 2 {
			return nil
		}
		length := int(binary.BigEndian.Uint16(sess.rxBuf[0:2]))
		if length > maxEnvelope {
			log.Printf("toolserver: envelope of %d bytes exceeds max %d, dropping connection", length, maxEnvelope)
			sess.rxBuf = sess.rxBuf[:0]
			return fmt.Errorf("toolserver: envelope of %d bytes exceeds max %d", length, maxEnvelope)
		}
		if len(sess.rxBuf) < 2+length {
			return nil
		}
		payload := make([]byte, length)
		copy(payload, sess.rxBuf[2:2+length])
		sess.rxBuf = sess.rxBuf[2+length:]
		if sess.OnFrame != nil {
			sess.OnFrame(payload)
		}
	}
}

// Enqueue queues payload as a length-prefixed envelope for delivery to
// this session (e.g. a frame fanned out from a tool DLCI).
func (sess *Session) Enqueue(payload []byte) error {
	if len(payload) > maxEnvelope {
		return fmt.Errorf("toolserver: payload of %d bytes exceeds max %d", len(payload), maxEnvelope)
	}
	wasEmpty := len(sess.tx) == 0
	prefix := make([]byte, 2)
	binary.BigEndian.PutUint16(prefix, uint16(len(payload)))
	sess.tx = append(sess.tx, prefix...)
	sess.tx = append(sess.tx, payload...)
	if wasEmpty && sess.OnWantWrite != nil {
		sess.OnWantWrite(true)
	}
	return nil
}

// OnWritable flushes as much of the pending transmit buffer as the
// socket will currently accept.
func (sess *Session) OnWritable() error {
	if len(sess.tx) == 0 {
		return nil
	}
	n, err := unix.Write(sess.fd, sess.tx)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		return fmt.Errorf("toolserver: write: %w", err)
	}
	sess.tx = sess.tx[n:]
	if len(sess.tx) == 0 && sess.OnWantWrite != nil {
		sess.OnWantWrite(false)
	}
	return nil
}
