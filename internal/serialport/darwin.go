//go:build darwin

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
	Open = openDarwin
}

func openDarwin(cfg Config) (Port, error) {
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
	t, err := unix.IoctlGetTermios(fd, unix.TIOCGETA)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	rate, err := baudConstant(baud)
	if err != nil {
		return err
	}

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

	if err := unix.IoctlSetTermios(fd, unix.TIOCSETA, t); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

func baudConstant(baud int) (uint64, error) {
	switch baud {
	case 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200:
		return uint64(baud), nil
	default:
		return 0, fmt.Errorf("unsupported baud rate %d", baud)
	}
}
