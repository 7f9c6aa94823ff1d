// voxbridge pipes a locally attached recorder's Jensen byte stream to
// stdin/stdout, so a remote voxctl can drive the device over SSH.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/voxlink/go-jensen/jensen"
)

var (
	verbose = flag.Bool("v", false, "verbose logging to stderr")
	help    = flag.Bool("h", false, "show help")
)

func main() {
	flag.Parse()
	if *help {
		fmt.Fprintf(os.Stderr, `voxbridge - expose a local recorder over stdio

Usage: %s [options]

Options:
  -v    verbose logging to stderr
  -h    show this help message

Typically invoked remotely: ssh host voxbridge
`, os.Args[0])
		os.Exit(0)
	}

	log := zerolog.Nop()
	if *verbose {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigChan
		cancel()
	}()

	tr := jensen.NewUSBTransport(jensen.WithUSBLogger(log))
	if err := tr.Open(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		os.Exit(1)
	}
	defer tr.Close()
	log.Info().Str("model", tr.Model()).Msg("device opened")

	errCh := make(chan error, 2)

	// Host -> device.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := tr.Write(ctx, buf[:n]); werr != nil {
					errCh <- werr
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	// Device -> host.
	go func() {
		for {
			data, err := tr.Read(ctx, 4096)
			if err != nil {
				errCh <- err
				return
			}
			if len(data) == 0 {
				continue
			}
			if _, werr := os.Stdout.Write(data); werr != nil {
				errCh <- werr
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		// The peer hanging up is a normal shutdown, not a fault.
		if err != nil && err != io.EOF {
			log.Error().Err(err).Msg("bridge stopped")
			fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
			os.Exit(1)
		}
	}
}
