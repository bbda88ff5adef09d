package compal

import (
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

func newTestLoader(t *testing.T, mode image.Mode, size int) (*Loader, *fakePort) {
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
	return New(port, path, mode), port
}

func TestPrompt1SendsDnloadCmd(t *testing.T) {
	l, port := newTestLoader(t, image.ModeC123, 128)
	l.Feed(prompt1)

	assert.Equal(t, WaitingPrompt2, l.State())
	assert.Len(t, port.writes, 1)
	assert.Equal(t, dnloadCmd, port.writes[0])
	assert.NotNil(t, l.img)
}

func TestPrompt2EntersDownloadingAndRequestsWrite(t *testing.T) {
	l, _ := newTestLoader(t, image.ModeC123, 128)
	wantWrite := false
	l.OnWantWrite = func(w bool) { wantWrite = w }

	l.Feed(prompt1)
	l.Feed(prompt2)

	assert.Equal(t, Downloading, l.State())
	assert.True(t, wantWrite)
}

func TestOnWritableStreamsXorSeedThenBody(t *testing.T) {
	l, port := newTestLoader(t, image.ModeC155, 10)
	l.Feed(prompt1)
	l.Feed(prompt2)

	assert.NoError(t, l.OnWritable())
	assert.Equal(t, []byte{0x02}, port.writes[len(port.writes)-1])
	assert.Equal(t, 0, l.cursor)

	assert.NoError(t, l.OnWritable())
	assert.Equal(t, l.img, port.writes[len(port.writes)-1])
	assert.Equal(t, len(l.img), l.cursor)
}

func TestOnWritableNonSeedModeSkipsSeedByte(t *testing.T) {
	l, port := newTestLoader(t, image.ModeC123, 10)
	l.Feed(prompt1)
	l.Feed(prompt2)

	assert.NoError(t, l.OnWritable())
	assert.Equal(t, l.img, port.writes[len(port.writes)-1])
}

func TestAckHandsOver(t *testing.T) {
	l, _ := newTestLoader(t, image.ModeC123, 10)
	handedOver := false
	l.OnHandover = func() { handedOver = true }

	l.Feed(prompt1)
	l.Feed(prompt2)
	l.Feed(ack)

	assert.Equal(t, Handover, l.State())
	assert.True(t, handedOver)
}

func TestNackRollsBackAndFreesImage(t *testing.T) {
	l, _ := newTestLoader(t, image.ModeC123, 10)
	l.Feed(prompt1)
	l.Feed(prompt2)
	l.Feed(nack)

	assert.Equal(t, WaitingPrompt1, l.State())
	assert.Nil(t, l.img)
	assert.Equal(t, 1, l.Attempts())
}

func TestMagicNackAndFtmtoolAlsoRollBack(t *testing.T) {
	l, _ := newTestLoader(t, image.ModeC123, 10)
	l.Feed(prompt1)
	l.Feed(magicNack)
	assert.Equal(t, WaitingPrompt1, l.State())
	assert.Equal(t, 1, l.Attempts())

	l.Feed(prompt1)
	l.Feed(ftmtool)
	assert.Equal(t, WaitingPrompt1, l.State())
	assert.Equal(t, 2, l.Attempts())
}
