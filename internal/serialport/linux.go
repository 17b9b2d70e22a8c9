//go:build linux

package serialport

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type unixPort struct {
	f *os.File
}

func (p *unixPort) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *unixPort) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *unixPort) Close() error                { return p.f.Close() }

func init() {
	Open = openLinux
}

func openLinux(cfg Config) (Port, error) {
	f, err := os.OpenFile(cfg.Path, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", cfg.Path, err)
	}
	if err := setRaw8N1(int(f.Fd()), cfg.Baud); err != nil {
		f.Close()
		return nil, fmt.Errorf("serialport: configure %s: %w", cfg.Path, err)
	}
	return &unixPort{f: f}, nil
}

func setRaw8N1(fd, baud int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	rate, err := baudConstant(baud)
	if err != nil {
		return err
	}

	// cfmakeraw-equivalent: no line discipline, no echo, no signal
	// generation, 8 bits, no parity, 1 stop bit.
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	t.Ispeed = rate
	t.Ospeed = rate

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

func baudConstant(baud int) (uint32, error) {
	switch baud {
	case 1200:
		return unix.B1200, nil
	case 2400:
		return unix.B2400, nil
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	default:
		return 0, fmt.Errorf("unsupported baud rate %d", baud)
	}
}
