// Command baseband-loader drives a GSM baseband target's first-stage
// bootstrap loader over a UART, then hands off to a link multiplexer
// exposing console and tool channels on local stream sockets
// (spec.md §1-2). Flag handling and the signal-driven shutdown below
// follow the teacher's cmd/bluetooth-service/main.go.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/librescoot/baseband-loader/internal/config"
	"github.com/librescoot/baseband-loader/internal/orchestrator"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg, exitCode := config.Parse(os.Args[1:])
	if cfg == nil {
		os.Exit(exitCode)
	}

	log.Printf("baseband-loader starting: device=%s mode=%s image=%s", cfg.SerialPath, cfg.Mode, cfg.ImagePath)

	orch := orchestrator.New(cfg)

	done := make(chan int, 1)
	go func() {
		done <- orch.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case code := <-done:
		os.Exit(code)
	case <-sigCh:
		log.Printf("signal received, shutting down")
		orch.RequestShutdown()
		os.Exit(<-done)
	}
}
