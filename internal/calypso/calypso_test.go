package calypso

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/librescoot/baseband-loader/internal/image"
)

type fakePort struct {
	writes [][]byte
}

func (f *fakePort) Write(b []byte) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	f.writes = append(f.writes, cp)
	return len(b), nil
}

type noopTiming struct{}

func (noopTiming) SleepBeaconIntervals(int) {}

func newTestLoader(t *testing.T, size int) (*Loader, *fakePort) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.bin")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	port := &fakePort{}
	l := New(port, noopTiming{}, path, image.ModeRomload)
	l.SetBaud = func(int) error { return nil }
	return l, port
}

func paramAckBytes(size uint16) []byte {
	out := []byte(">p")
	lenBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBuf, size)
	return append(out, lenBuf...)
}

func TestIdentAckSendsParamPacket(t *testing.T) {
	l, port := newTestLoader(t, 32)
	l.Feed([]byte(">i"))

	assert.Equal(t, WaitingParamAck, l.State())
	assert.Len(t, port.writes, 1)
	assert.Equal(t, []byte{0x3C, 0x70, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00}, port.writes[0])
}

func TestParamAckSetsBlockSizeAndBuildsBlock0(t *testing.T) {
	l, _ := newTestLoader(t, 32)
	l.Feed([]byte(">i"))
	l.Feed(paramAckBytes(20))

	assert.Equal(t, SendingBlocks, l.State())
	assert.Equal(t, 10, l.payloadSize)
	assert.Equal(t, uint32(ROMLoadAddress), l.curBlock.addr)
}

func TestParamNackIsDetectedDespiteShortWindow(t *testing.T) {
	l, _ := newTestLoader(t, 32)
	l.Feed([]byte(">i"))
	l.Feed([]byte(">P"))

	assert.Equal(t, WaitingIdentification, l.State())
	assert.Equal(t, 1, l.Attempts())
}

func TestBlockAckBuildsNextBlock(t *testing.T) {
	l, _ := newTestLoader(t, 25)
	l.Feed([]byte(">i"))
	l.Feed(paramAckBytes(20)) // payloadSize = 10, so block 0 holds 10 bytes of the 28-byte image, 18 remain

	assert.False(t, l.curBlock.last)
	l.state = WaitingBlockAck
	l.Feed([]byte(">w"))

	assert.Equal(t, 1, l.curBlock.index)
	assert.Equal(t, uint32(ROMLoadAddress+10), l.curBlock.addr)
}

func TestLastBlockSentSendsChecksum(t *testing.T) {
	l, port := newTestLoader(t, 6) // 9-byte image fits entirely in block 0
	l.Feed([]byte(">i"))
	l.Feed(paramAckBytes(20))
	assert.True(t, l.curBlock.last)

	l.state = LastBlockSent
	l.Feed([]byte(">w"))

	assert.Equal(t, WaitingChecksumAck, l.State())
	last := port.writes[len(port.writes)-1]
	assert.Equal(t, byte('<'), last[0])
	assert.Equal(t, byte('c'), last[1])
	assert.Equal(t, l.AggregateChecksum(), last[2])
}

func TestChecksumNackIsDetectedDespiteShortWindow(t *testing.T) {
	l, _ := newTestLoader(t, 8)
	l.Feed([]byte(">i"))
	l.Feed(paramAckBytes(20))
	l.state = WaitingChecksumAck
	l.Feed([]byte(">C"))
	l.Feed([]byte{0x7F})

	assert.Equal(t, WaitingIdentification, l.State())
	assert.Equal(t, 1, l.Attempts())
}

func TestChecksumAckSendsBranch(t *testing.T) {
	l, port := newTestLoader(t, 8)
	l.Feed([]byte(">i"))
	l.Feed(paramAckBytes(20))
	l.state = WaitingChecksumAck
	l.Feed([]byte(">c"))

	assert.Equal(t, WaitingBranchAck, l.State())
	last := port.writes[len(port.writes)-1]
	assert.Equal(t, byte('<'), last[0])
	assert.Equal(t, byte('b'), last[1])
	assert.Equal(t, uint32(ROMLoadAddress), binary.BigEndian.Uint32(last[2:6]))
}

func TestBranchAckFinishesAndHandsOver(t *testing.T) {
	l, _ := newTestLoader(t, 8)
	handedOver := false
	l.OnHandover = func() { handedOver = true }

	l.Feed([]byte(">i"))
	l.Feed(paramAckBytes(20))
	l.state = WaitingBranchAck
	l.Feed([]byte(">b"))

	assert.Equal(t, Finished, l.State())
	assert.True(t, handedOver)
}

func TestBlockNackRollsBackAndLowersBaud(t *testing.T) {
	l, _ := newTestLoader(t, 25)
	loweredBaud := 0
	l.SetBaud = func(rate int) error { loweredBaud = rate; return nil }

	l.Feed([]byte(">i"))
	l.Feed(paramAckBytes(20))
	l.state = WaitingBlockAck
	l.Feed([]byte(">W"))

	assert.Equal(t, WaitingIdentification, l.State())
	assert.Equal(t, 19200, loweredBaud)
	assert.Equal(t, 1, l.Attempts())
}

func TestAggregateChecksumDoubleComplement(t *testing.T) {
	l := &Loader{}
	l.blockChecksums = []byte{0x10, 0x20}

	// per-block checksums are already complemented; the aggregate
	// complements their sum once more: ~(0x10 + 0x20) = ~0x30 = 0xCF.
	want := byte(0xCF)
	assert.Equal(t, want, l.AggregateChecksum())
}

func TestBlockAddressFormula(t *testing.T) {
	l, _ := newTestLoader(t, 100)
	l.Feed([]byte(">i"))
	l.Feed(paramAckBytes(20)) // payloadSize = 10

	for k := 0; k < 3; k++ {
		b := l.buildBlock(k)
		assert.Equal(t, uint32(ROMLoadAddress+k*10), b.addr)
	}
}

func TestWireBytesUsesHardCodedBlockNumber(t *testing.T) {
	l, _ := newTestLoader(t, 20)
	l.Feed([]byte(">i"))
	l.Feed(paramAckBytes(20))

	wire := l.curBlock.wireBytes()
	assert.Equal(t, byte(hardCodedBlockNumber), wire[2])
}
