package device

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// ErrTimeout is returned by Port.Read when no byte arrived within the read
// timeout. It is transient.
var ErrTimeout = errors.New("device: read timeout")

// Port is the byte transport under a Link. Read follows a stricter contract
// than io.Reader: a timeout is reported as ErrTimeout (or another error for
// which IsTransient is true), and a zero-length read with a nil error means
// the device went away.
type Port interface {
	io.ReadWriteCloser
}

// IsTransient reports whether a read error should be ignored by the read
// loop.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.EINTR)
}

// serialPort adapts go.bug.st/serial to the Port contract. That library
// reports a timeout as (0, nil) and a vanished device as PortClosed, so the
// two are swapped here.
type serialPort struct {
	serial.Port
}

func (p *serialPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if err != nil {
		var perr *serial.PortError
		if errors.As(err, &perr) && perr.Code() == serial.PortClosed {
			return 0, nil
		}
		return n, err
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return n, nil
}

// OpenPort opens path at baud, 8 data bits, no parity, one stop bit, no
// flow control, with the given read timeout.
func OpenPort(path string, baud int, readTimeout time.Duration) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
	}
	return &serialPort{Port: p}, nil
}

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"isUsb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

// ListPorts enumerates the serial ports on the host.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}
