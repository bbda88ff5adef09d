// Package compal drives the compal ramloader dialect of spec.md §4.4: a
// fixed handshake over a rolling 7-byte receive window, followed by a
// streamed UploadImage. States are modeled as a discriminated Go
// constant set (design note spec.md §9 — "illegal transitions
// unrepresentable") with a single exported State type and a table of
// literal byte sequences the window is compared against, the same
// tabular approach gocanopen's SDO block transfer uses for its own
// state-keyed request/response handling (pkg/sdo/download_block.go).
package compal

import (
	"bytes"
	"fmt"
	"log"

	"github.com/librescoot/baseband-loader/internal/image"
)

// State is the compal loader's state alphabet (spec.md §4.4).
type State int

const (
	WaitingPrompt1 State = iota
	WaitingPrompt2
	Downloading
	Handover
)

func (s State) String() string {
	switch s {
	case WaitingPrompt1:
		return "WAITING_PROMPT1"
	case WaitingPrompt2:
		return "WAITING_PROMPT2"
	case Downloading:
		return "DOWNLOADING"
	case Handover:
		return "HANDOVER"
	default:
		return "UNKNOWN"
	}
}

const windowSize = 7
const chunkSize = 4096

var (
	prompt1    = []byte{0x1B, 0xF6, 0x02, 0x00, 0x41, 0x01, 0x40}
	dnloadCmd  = []byte{0x1B, 0xF6, 0x02, 0x00, 0x52, 0x01, 0x53}
	prompt2    = []byte{0x1B, 0xF6, 0x02, 0x00, 0x41, 0x02, 0x43}
	ack        = []byte{0x1B, 0xF6, 0x02, 0x00, 0x41, 0x03, 0x42}
	nack       = []byte{0x1B, 0xF6, 0x02, 0x00, 0x45, 0x53, 0x16}
	magicNack  = []byte{0x1B, 0xF6, 0x02, 0x00, 0x41, 0x03, 0x57}
	ftmtool    = []byte("ftmtool")
)

// Writer is the minimal serial-port surface the loader needs to stream
// a chunk of the image.
type Writer interface {
	Write([]byte) (int, error)
}

// Loader is the compal ramloader protocol state machine.
type Loader struct {
	imagePath string
	mode      image.Mode

	port Writer

	state  State
	window []byte

	img       []byte
	cursor    int
	wroteSeed bool

	attempts int

	// OnHandover is invoked once when ACK is seen and the loader is done
	// driving the UART (spec.md §4.4 "terminal state: none; the process
	// continues as a link-mux endpoint after ACK").
	OnHandover func()
	// OnWantWrite toggles the UART's WRITE interest for the orchestrator.
	OnWantWrite func(want bool)
}

// New creates a compal loader bound to imagePath/mode but performs no I/O;
// the first UploadImage is built lazily when PROMPT1 arrives, per
// spec.md §4.4.
func New(port Writer, imagePath string, mode image.Mode) *Loader {
	return &Loader{
		port:      port,
		imagePath: imagePath,
		mode:      mode,
		state:     WaitingPrompt1,
		window:    make([]byte, 0, windowSize),
	}
}

// State returns the current protocol state, mainly for logging/telemetry.
func (l *Loader) State() State { return l.state }

// Feed absorbs bytes read from the UART, sliding them through the 7-byte
// receive window and firing whichever literal (if any) the window now
// equals.
func (l *Loader) Feed(data []byte) {
	for _, b := range data {
		l.window = append(l.window, b)
		if len(l.window) > windowSize {
			l.window = l.window[len(l.window)-windowSize:]
		}
		l.matchWindow()
	}
}

func (l *Loader) matchWindow() {
	switch {
	case bytes.Equal(l.window, prompt1):
		l.onPrompt1()
	case bytes.Equal(l.window, prompt2):
		l.onPrompt2()
	case bytes.Equal(l.window, ack):
		l.onAck()
	case bytes.Equal(l.window, nack):
		l.onNack("NACK")
	case bytes.Equal(l.window, magicNack):
		l.onNack("MAGIC_NACK (address 0x803CE0 lacks ASCII \"1003\")")
	case bytes.HasSuffix(l.window, ftmtool):
		l.onNack("ftmtool (ramloader aborted)")
	}
}

func (l *Loader) onPrompt1() {
	if l.state != WaitingPrompt1 {
		return
	}
	img, err := image.Build(l.imagePath, l.mode)
	if err != nil {
		log.Printf("compal: failed to build upload image: %v", err)
		return
	}
	l.img = img
	l.cursor = 0
	l.wroteSeed = false
	if _, err := l.port.Write(dnloadCmd); err != nil {
		log.Printf("compal: failed to send DNLOAD_CMD: %v", err)
		return
	}
	l.window = l.window[:0]
	l.state = WaitingPrompt2
	log.Printf("compal: PROMPT1 seen, image rebuilt (%d bytes), sent DNLOAD_CMD", len(img))
}

func (l *Loader) onPrompt2() {
	if l.state != WaitingPrompt2 {
		return
	}
	l.window = l.window[:0]
	l.state = Downloading
	if l.OnWantWrite != nil {
		l.OnWantWrite(true)
	}
	log.Printf("compal: PROMPT2 seen, streaming %d bytes", len(l.img))
}

func (l *Loader) onAck() {
	log.Printf("compal: ACK, handing over to link mux")
	l.state = Handover
	if l.OnWantWrite != nil {
		l.OnWantWrite(false)
	}
	if l.OnHandover != nil {
		l.OnHandover()
	}
}

func (l *Loader) onNack(reason string) {
	l.attempts++
	log.Printf("compal: upload rejected (%s), rolling back to WAITING_PROMPT1 (attempt %d)", reason, l.attempts)
	l.img = nil
	l.cursor = 0
	l.window = l.window[:0]
	l.state = WaitingPrompt1
	if l.OnWantWrite != nil {
		l.OnWantWrite(false)
	}
}

// OnWritable streams up to chunkSize bytes of the image per invocation,
// matching the DOWNLOADING row of spec.md §4.4's state table. Modes
// C155/C123xor additionally transmit a single 0x02 sync byte ahead of
// the image body, consuming its own writable event.
func (l *Loader) OnWritable() error {
	if l.state != Downloading {
		return nil
	}

	if l.cursor == 0 && image.UsesXorSeed(l.mode) && !l.wroteSeed {
		n, err := l.port.Write([]byte{0x02})
		if err != nil {
			return fmt.Errorf("compal: write xor seed: %w", err)
		}
		if n > 0 {
			l.wroteSeed = true
		}
		return nil
	}

	if l.cursor >= len(l.img) {
		l.state = WaitingPrompt1
		if l.OnWantWrite != nil {
			l.OnWantWrite(false)
		}
		return nil
	}

	end := l.cursor + chunkSize
	if end > len(l.img) {
		end = len(l.img)
	}
	n, err := l.port.Write(l.img[l.cursor:end])
	if err != nil {
		return fmt.Errorf("compal: write image chunk: %w", err)
	}
	l.cursor += n
	if l.cursor >= len(l.img) {
		l.state = WaitingPrompt1
		if l.OnWantWrite != nil {
			l.OnWantWrite(false)
		}
	}
	return nil
}

// Attempts reports how many times the image has been rolled back and
// rebuilt, surfaced for logging/telemetry only (no retry is attempted by
// this package itself; spec.md §7 "no retries are attempted").
func (l *Loader) Attempts() int { return l.attempts }
