package main

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/astigmatism/benchd/internal/serialport"
)

// AttachCmd opens an interactive raw session against a device's serial
// port directly, bypassing the supervisor's line framing — useful for
// bench debugging a device's wire protocol by hand. It puts the operator's
// own terminal into raw mode and relays bytes in both directions until
// Ctrl-] is pressed or the port closes.
type AttachCmd struct {
	Path string `arg:"" help:"serial device path, e.g. /dev/ttyUSB0"`
	Baud int    `default:"115200" help:"baud rate"`
}

const detachByte = 0x1d // Ctrl-]

func (c *AttachCmd) Run(cctx *Context) error {
	port, err := serialport.Open(serialport.Config{Path: c.Path, Baud: c.Baud})
	if err != nil {
		return fmt.Errorf("attach: open %s: %w", c.Path, err)
	}
	defer port.Close()

	stdinFD := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(stdinFD)
	if err != nil {
		return fmt.Errorf("attach: enter raw mode: %w", err)
	}
	defer term.Restore(stdinFD, oldState)

	fmt.Fprintf(os.Stderr, "\r\nattached to %s at %d baud. press ctrl-] to detach.\r\n", c.Path, c.Baud)

	done := make(chan error, 2)
	go func() {
		_, err := io.Copy(os.Stdout, port)
		done <- err
	}()
	go func() {
		done <- relayWithDetach(port, os.Stdin)
	}()

	return <-done
}

// relayWithDetach copies src to dst one byte at a time, stopping cleanly
// when it sees the detach byte rather than forwarding it to the device.
func relayWithDetach(dst io.Writer, src io.Reader) error {
	buf := make([]byte, 1)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if buf[0] == detachByte {
				return nil
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
