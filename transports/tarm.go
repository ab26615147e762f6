package transports

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// tarmPort is the part of *serial.Port the transport uses.
type tarmPort interface {
	io.ReadWriteCloser
	Flush() error
}

// TarmTransport implements Transport on top of github.com/tarm/serial.
//
// tarm/serial fixes the read timeout when the port is opened. Open it with
// the shortest timeout any caller will request; Read then repeats the
// underlying read until data arrives or the timeout set by SetReadTimeout
// has passed. On POSIX systems the underlying timeout has a 100ms floor.
type TarmTransport struct {
	port     tarmPort
	portName string
	timeout  time.Duration
}

// OpenTarm opens a serial port through tarm/serial, 8-N-1.
func OpenTarm(cfg SerialConfig) (*TarmTransport, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.BaudRate,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}

	return &TarmTransport{
		port:     port,
		portName: cfg.Port,
		timeout:  cfg.Timeout,
	}, nil
}

func (t *TarmTransport) Read(p []byte) (int, error) {
	deadline := time.Now().Add(t.timeout)
	for {
		n, err := t.port.Read(p)
		if n > 0 || (err != nil && !errors.Is(err, io.EOF)) {
			return n, err
		}
		// Timed out with nothing read: POSIX reports io.EOF, Windows (0, nil).
		if !time.Now().Before(deadline) {
			return 0, err
		}
	}
}

func (t *TarmTransport) Write(p []byte) (int, error) {
	return t.port.Write(p)
}

func (t *TarmTransport) Close() error {
	if t.port != nil {
		return t.port.Close()
	}
	return nil
}

// SetReadTimeout bounds the next reads. It cannot shorten a single
// underlying read below the timeout the port was opened with.
func (t *TarmTransport) SetReadTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("invalid read timeout %v", timeout)
	}
	t.timeout = timeout
	return nil
}

// Flush discards data written but not transmitted and data received but not read.
func (t *TarmTransport) Flush() error {
	return t.port.Flush()
}

// Drain is a no-op: tarm/serial writes go straight to the file descriptor.
func (t *TarmTransport) Drain() error {
	return nil
}

// PortName returns the serial port name.
func (t *TarmTransport) PortName() string {
	return t.portName
}
