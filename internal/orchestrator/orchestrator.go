// Package orchestrator wires SerialPort, EventLoop, the selected loader
// state machine, LinkMux and the two ToolServers together, and owns the
// single top-level phase transition described in spec.md §4.8:
// upload (driven by a loader state machine) followed by handover
// (driven by LinkMux). It is the only package that imports both a
// loader package and linkmux/toolserver, matching the "Orchestrator
// owns the above" ownership note of spec.md §3.
package orchestrator

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/librescoot/baseband-loader/internal/calypso"
	"github.com/librescoot/baseband-loader/internal/compal"
	"github.com/librescoot/baseband-loader/internal/config"
	"github.com/librescoot/baseband-loader/internal/eventloop"
	"github.com/librescoot/baseband-loader/internal/image"
	"github.com/librescoot/baseband-loader/internal/linkmux"
	"github.com/librescoot/baseband-loader/internal/serialport"
	"github.com/librescoot/baseband-loader/internal/telemetry"
	"github.com/librescoot/baseband-loader/internal/toolserver"
)

// Reserved DLCI values (spec.md §6's "agreed with the on-target
// software, not invented here"). spec.md does not print their numeric
// assignment, so this repository fixes one; see DESIGN.md.
const (
	DLCIConsole byte = 0
	DLCIDebug   byte = 1
	DLCIL1AL23  byte = 2
	DLCILoader  byte = 3
)

const readBufSize = 4096

// protocolLoader is the minimal surface both compal.Loader and
// calypso.Loader expose to the orchestrator.
type protocolLoader interface {
	Feed(data []byte)
	OnWritable() error
}

type realTiming struct{}

func (realTiming) SleepBeaconIntervals(n int) {
	time.Sleep(time.Duration(n) * calypso.BeaconIntervalUsec * time.Microsecond)
}

// Orchestrator drives one upload-then-handover run to completion.
type Orchestrator struct {
	cfg *config.Config

	port *serialport.Port
	loop *eventloop.Loop
	mux  *linkmux.Mux
	tele *telemetry.Sink

	loader     protocolLoader
	calypsoLdr *calypso.Loader // non-nil only for ROMLOAD, to reach Beacon/State
	handedOver bool

	l1aServer    *toolserver.Server
	loaderServer *toolserver.Server

	shutdownR *os.File
	shutdownW *os.File

	exitCode int
}

// New builds an Orchestrator from cfg but performs no I/O.
func New(cfg *config.Config) *Orchestrator {
	return &Orchestrator{cfg: cfg}
}

// Run opens the UART, wires every component for cfg.Mode, and drives the
// event loop until a fatal error or EOF, returning the process exit code
// (spec.md §7).
func (o *Orchestrator) Run() int {
	o.tele = telemetry.New(o.cfg.TelemetryAddr)
	defer o.tele.Close()

	port, err := serialport.Open(o.cfg.SerialPath)
	if err != nil {
		log.Printf("orchestrator: %v", err)
		return config.ExitFatal
	}
	o.port = port
	defer o.port.Close()

	o.loop = eventloop.New()
	o.mux = linkmux.New()

	if image.IsCompal(o.cfg.Mode) {
		o.setupCompal()
	} else {
		o.setupCalypso()
	}

	o.l1aServer, err = o.setupToolServer(o.cfg.L1AL23Socket, DLCIL1AL23)
	if err != nil {
		log.Printf("orchestrator: %v", err)
		return config.ExitFatal
	}
	o.loaderServer, err = o.setupToolServer(o.cfg.LoaderSocket, DLCILoader)
	if err != nil {
		log.Printf("orchestrator: %v", err)
		return config.ExitFatal
	}

	o.mux.RegisterRx(DLCIConsole, func(payload []byte) {
		os.Stdout.Write(payload)
	})
	o.mux.OnWantWrite = func(want bool) {
		o.setSerialMask(want)
	}

	o.loop.Register(o.port.Fd(), eventloop.Read, o.onSerialReadable)
	o.setSerialMask(false)

	r, w, err := os.Pipe()
	if err != nil {
		log.Printf("orchestrator: %v", err)
		return config.ExitFatal
	}
	o.shutdownR, o.shutdownW = r, w
	o.loop.Register(int(o.shutdownR.Fd()), eventloop.Read, o.onShutdownSignal)

	o.emit(telemetry.KindAttach, o.cfg.SerialPath)

	if err := o.loop.Run(); err != nil && err != eventloop.ErrStop {
		log.Printf("orchestrator: event loop error: %v", err)
		return config.ExitFatal
	}
	return o.exitCode
}

func (o *Orchestrator) setupCompal() {
	l := compal.New(o.port, o.cfg.ImagePath, o.cfg.Mode)
	l.OnWantWrite = func(want bool) { o.setSerialMask(want) }
	l.OnHandover = func() {
		o.emit(telemetry.KindHandover, "compal")
		o.enterHandover()
	}
	o.loader = l
}

func (o *Orchestrator) setupCalypso() {
	l := calypso.New(o.port, realTiming{}, o.cfg.ImagePath, o.cfg.Mode)
	l.SetBaud = o.port.SetBaud
	l.OnWantWrite = func(want bool) { o.setSerialMask(want) }
	l.OnHandover = func() {
		o.emit(telemetry.KindHandover, "calypso")
		o.enterHandover()
	}
	o.loader = l
	o.calypsoLdr = l

	if err := o.loop.ArmTimer(calypso.BeaconIntervalUsec, l.Beacon); err != nil {
		log.Printf("orchestrator: failed to arm beacon timer: %v", err)
	}
}

func (o *Orchestrator) setupToolServer(path string, dlci byte) (*toolserver.Server, error) {
	srv, err := toolserver.Listen(path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	srv.OnSessionOpen = func(fd int) {
		o.emit(telemetry.KindToolSessionOpen, fmt.Sprintf("dlci=%d fd=%d", dlci, fd))
	}
	srv.OnSessionClose = func(fd int) {
		o.emit(telemetry.KindToolSessionClose, fmt.Sprintf("dlci=%d fd=%d", dlci, fd))
	}

	o.mux.RegisterRx(dlci, func(payload []byte) {
		for _, sess := range srv.SessionsSnapshot() {
			if err := sess.Enqueue(payload); err != nil {
				log.Printf("orchestrator: tool session fd=%d: %v", sess.Fd(), err)
			}
		}
	})

	o.loop.Register(srv.Fd(), eventloop.Read, func(ready eventloop.Mask) {
		for _, sess := range srv.Accept() {
			o.registerToolSession(srv, dlci, sess)
		}
	})
	return srv, nil
}

func (o *Orchestrator) registerToolSession(srv *toolserver.Server, dlci byte, sess *toolserver.Session) {
	sess.OnFrame = func(payload []byte) {
		if err := o.mux.Enqueue(dlci, payload); err != nil {
			log.Printf("orchestrator: %v", err)
		}
	}
	sess.OnWantWrite = func(want bool) {
		mask := eventloop.Read
		if want {
			mask |= eventloop.Write
		}
		o.loop.SetMask(sess.Fd(), mask)
	}
	closeSession := func() {
		o.loop.Unregister(sess.Fd())
		srv.Close(sess)
	}
	o.loop.Register(sess.Fd(), eventloop.Read, func(ready eventloop.Mask) {
		if ready&eventloop.Read != 0 {
			if err := sess.OnReadable(); err != nil {
				closeSession()
				return
			}
		}
		if ready&eventloop.Write != 0 {
			if err := sess.OnWritable(); err != nil {
				closeSession()
				return
			}
		}
	})
}

// emit stamps ts_unix_ms here rather than inside package telemetry,
// since SPEC_FULL.md §3.2 keeps time.Now() out of that package and has
// the caller supply wall-clock time.
func (o *Orchestrator) emit(kind, detail string) {
	o.tele.Publish(telemetry.Event{Kind: kind, TsUnixMs: uint64(time.Now().UnixMilli()), Detail: detail})
}

func (o *Orchestrator) setSerialMask(write bool) {
	mask := eventloop.Read
	if write {
		mask |= eventloop.Write
	}
	o.loop.SetMask(o.port.Fd(), mask)
}

func (o *Orchestrator) onSerialReadable(ready eventloop.Mask) {
	if ready&eventloop.Write != 0 {
		o.onSerialWritable()
	}
	if ready&eventloop.Read == 0 {
		return
	}
	var buf [readBufSize]byte
	n, err := o.port.Read(buf[:])
	if err != nil {
		log.Printf("orchestrator: serial read error: %v", err)
		o.exitCode = config.ExitUsage
		o.loop.Stop()
		return
	}
	if n == 0 {
		return // non-blocking read saw EAGAIN, not EOF
	}
	if o.handedOver {
		o.mux.Feed(buf[:n])
	} else {
		o.loader.Feed(buf[:n])
	}
}

func (o *Orchestrator) onSerialWritable() {
	if o.handedOver {
		var buf [readBufSize]byte
		n, hasMore := o.mux.Pull(buf[:])
		if n == 0 {
			return
		}
		if _, err := o.port.Write(buf[:n]); err != nil {
			log.Printf("orchestrator: serial write error: %v", err)
		}
		_ = hasMore // WRITE interest is managed by linkmux.OnWantWrite
		return
	}
	if err := o.loader.OnWritable(); err != nil {
		log.Printf("orchestrator: %v", err)
	}
}

// RequestShutdown asks the running event loop to stop and tear down the
// tool servers' listening sockets before Run returns (SPEC_FULL.md §4's
// supplemented graceful-shutdown behavior). It is the only Orchestrator
// method safe to call from outside the goroutine running Run — it just
// writes one byte to a self-pipe the loop polls, the same way the beacon
// timer hoists SIGALRM-shaped work onto the loop instead of handling it
// in signal context (spec.md §9).
func (o *Orchestrator) RequestShutdown() {
	if o.shutdownW == nil {
		return
	}
	o.shutdownW.Write([]byte{0})
}

func (o *Orchestrator) onShutdownSignal(ready eventloop.Mask) {
	var buf [8]byte
	o.shutdownR.Read(buf[:])
	log.Printf("orchestrator: shutdown requested, closing tool sockets")
	if o.l1aServer != nil {
		o.l1aServer.Shutdown()
	}
	if o.loaderServer != nil {
		o.loaderServer.Shutdown()
	}
	o.exitCode = config.ExitUsage
	o.loop.Stop()
}

func (o *Orchestrator) enterHandover() {
	o.handedOver = true
	if o.calypsoLdr != nil {
		o.loop.DisarmTimer()
	}
	o.setSerialMask(false)
}
