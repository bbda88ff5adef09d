package toolserver

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	assert.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestSessionReadsEnvelope(t *testing.T) {
	a, b := socketpair(t)

	sess := &Session{fd: a}
	var got []byte
	sess.OnFrame = func(payload []byte) { got = payload }

	prefix := make([]byte, 2)
	binary.BigEndian.PutUint16(prefix, 3)
	_, err := unix.Write(b, append(prefix, 0xAA, 0xBB, 0xCC))
	assert.NoError(t, err)

	assert.NoError(t, sess.OnReadable())
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, got)
}

func TestSessionReadsSplitAcrossTwoWrites(t *testing.T) {
	a, b := socketpair(t)

	sess := &Session{fd: a}
	var got []byte
	sess.OnFrame = func(payload []byte) { got = payload }

	prefix := make([]byte, 2)
	binary.BigEndian.PutUint16(prefix, 2)
	unix.Write(b, prefix)
	assert.NoError(t, sess.OnReadable())
	assert.Nil(t, got)

	unix.Write(b, []byte{0x01, 0x02})
	assert.NoError(t, sess.OnReadable())
	assert.Equal(t, []byte{0x01, 0x02}, got)
}

func TestSessionEnqueueAndWritable(t *testing.T) {
	a, b := socketpair(t)

	sess := &Session{fd: a}
	wantWrite := false
	sess.OnWantWrite = func(w bool) { wantWrite = w }

	assert.NoError(t, sess.Enqueue([]byte{0xDE, 0xAD}))
	assert.True(t, wantWrite)

	assert.NoError(t, sess.OnWritable())
	assert.False(t, wantWrite)

	buf := make([]byte, 16)
	n, err := unix.Read(b, buf)
	assert.NoError(t, err)
	assert.Equal(t, uint16(2), binary.BigEndian.Uint16(buf[:2]))
	assert.Equal(t, []byte{0xDE, 0xAD}, buf[2:n])
}

func TestSessionReadEOFReturnsError(t *testing.T) {
	a, b := socketpair(t)
	unix.Close(b)

	sess := &Session{fd: a}
	err := sess.OnReadable()
	assert.Error(t, err)
}

func TestEnqueueRejectsOversizedPayload(t *testing.T) {
	sess := &Session{fd: -1}
	err := sess.Enqueue(make([]byte, maxEnvelope+1))
	assert.Error(t, err)
}

func TestListenUnlinksStaleSocket(t *testing.T) {
	path := t.TempDir() + "/stale.sock"
	srv1, err := Listen(path)
	assert.NoError(t, err)
	defer srv1.Shutdown()

	srv2, err := Listen(path)
	assert.NoError(t, err)
	defer srv2.Shutdown()
}
