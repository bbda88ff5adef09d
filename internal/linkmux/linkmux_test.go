package linkmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func drainAll(m *Mux) []byte {
	var out []byte
	buf := make([]byte, 64)
	for {
		n, hasMore := m.Pull(buf)
		out = append(out, buf[:n]...)
		if !hasMore {
			return out
		}
	}
}

func TestEnqueuePullRoundTrip(t *testing.T) {
	m := New()
	var got []byte
	m.RegisterRx(7, func(payload []byte) { got = payload })

	assert.NoError(t, m.Enqueue(7, []byte{0xAA, 0xBB, 0xCC}))
	wire := drainAll(m)

	m.Feed(wire)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, got)
}

func TestByteStuffingOfReservedBytes(t *testing.T) {
	m := New()
	var got []byte
	m.RegisterRx(1, func(payload []byte) { got = payload })

	payload := []byte{flagByte, escByte, 0x11, 0x13, 0x00}
	assert.NoError(t, m.Enqueue(1, payload))
	wire := drainAll(m)

	// every reserved byte in the payload must have been escaped, so the
	// only unescaped flag bytes left are the two frame delimiters.
	flagCount := 0
	for _, b := range wire {
		if b == flagByte {
			flagCount++
		}
	}
	assert.Equal(t, 2, flagCount)

	m.Feed(wire)
	assert.Equal(t, payload, got)
}

func TestOversizedPayloadRejected(t *testing.T) {
	m := New()
	err := m.Enqueue(1, make([]byte, MaxFramePayload+1))
	assert.Error(t, err)
}

func TestBadChecksumDropped(t *testing.T) {
	m := New()
	called := false
	m.RegisterRx(1, func(payload []byte) { called = true })

	assert.NoError(t, m.Enqueue(1, []byte{0x01, 0x02}))
	wire := drainAll(m)
	wire[len(wire)-2] ^= 0xFF // corrupt the checksum byte (just before trailing flag)

	m.Feed(wire)
	assert.False(t, called)
}

func TestUnroutableDlciDropsSilently(t *testing.T) {
	m := New()
	assert.NoError(t, m.Enqueue(99, []byte{0x01}))
	wire := drainAll(m)

	assert.NotPanics(t, func() { m.Feed(wire) })
}

func TestOnWantWriteTogglesOnEnqueueAndDrain(t *testing.T) {
	m := New()
	var states []bool
	m.OnWantWrite = func(want bool) { states = append(states, want) }

	assert.NoError(t, m.Enqueue(1, []byte{0x01}))
	buf := make([]byte, 64)
	m.Pull(buf)

	assert.Equal(t, []bool{true, false}, states)
}

func TestMultipleFramesInOneFeed(t *testing.T) {
	m := New()
	var got [][]byte
	m.RegisterRx(2, func(payload []byte) { got = append(got, payload) })

	assert.NoError(t, m.Enqueue(2, []byte{0x01}))
	assert.NoError(t, m.Enqueue(2, []byte{0x02, 0x03}))
	wire := drainAll(m)

	m.Feed(wire)
	assert.Equal(t, [][]byte{{0x01}, {0x02, 0x03}}, got)
}
