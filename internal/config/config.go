// Package config parses the command-line surface of spec.md §6 with a
// flag.FlagSet built inside Parse, followed by explicit validation.
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/librescoot/baseband-loader/internal/image"
)

// Version is printed by -v. There is no release process for a bring-up
// tool like this one; it is a fixed string rather than something
// injected by a build pipeline.
const Version = "baseband-loader 0.1.0"

// ExitUsage/ExitFatal are the two non-zero exit codes spec.md §6/§7
// define. ExitUsage also covers a clean UART EOF (§7's SerialEof).
const (
	ExitUsage = 2
	ExitFatal = 1
)

// Config is the parsed, validated command line.
type Config struct {
	SerialPath    string
	Mode          image.Mode
	L1AL23Socket  string
	LoaderSocket  string
	TelemetryAddr string
	ImagePath     string
}

// Parse parses args (typically os.Args[1:]) and validates the result.
// On a usage error, bad mode, -h or -v it prints the version to stdout or
// the usage/error text to stderr and returns (nil, ExitUsage); callers
// should os.Exit with
// the returned code without treating it as an error to log.
func Parse(args []string) (*Config, int) {
	fs := flag.NewFlagSet("baseband-loader", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	serialPath := fs.String("p", "/dev/ttyUSB1", "UART device path")
	mode := fs.String("m", "c123", "upload mode: c123, c123xor, c140, c140xor, c155, romload")
	l1aSocket := fs.String("s", "/tmp/osmocom_l2", "L1A↔L23 tool socket path")
	loaderSocket := fs.String("l", "/tmp/osmocom_loader", "loader tool socket path")
	telemetryAddr := fs.String("telemetry-addr", "", "optional redis address for telemetry events (disabled if empty)")
	showVersion := fs.Bool("v", false, "print version and exit")
	showHelp := fs.Bool("h", false, "print usage and exit")

	if err := fs.Parse(args); err != nil {
		return nil, ExitUsage
	}
	if *showVersion {
		fmt.Println(Version)
		return nil, ExitUsage
	}
	if *showHelp {
		fs.Usage()
		return nil, ExitUsage
	}

	m, err := image.ParseMode(*mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "baseband-loader: %v\n", err)
		fs.Usage()
		return nil, ExitUsage
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "baseband-loader: exactly one positional image path is required")
		fs.Usage()
		return nil, ExitUsage
	}
	imagePath := fs.Arg(0)
	if st, err := os.Stat(imagePath); err != nil {
		fmt.Fprintf(os.Stderr, "baseband-loader: %v\n", err)
		return nil, ExitUsage
	} else if st.Size() > image.MaxFileSize {
		fmt.Fprintf(os.Stderr, "baseband-loader: %s is %d bytes, exceeds %d byte limit\n", imagePath, st.Size(), image.MaxFileSize)
		return nil, ExitUsage
	}

	return &Config{
		SerialPath:    *serialPath,
		Mode:          m,
		L1AL23Socket:  *l1aSocket,
		LoaderSocket:  *loaderSocket,
		TelemetryAddr: *telemetryAddr,
		ImagePath:     imagePath,
	}, 0
}
