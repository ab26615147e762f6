package transports

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Default line settings for the controller firmware.
const (
	DefaultBaudRate = 9600
	DefaultTimeout  = time.Second
)

// SerialTransport implements Transport using a hardware serial port.
type SerialTransport struct {
	port     serial.Port
	portName string
	timeout  time.Duration
}

// SerialConfig holds configuration for opening a serial port.
type SerialConfig struct {
	Port     string
	BaudRate int
	Timeout  time.Duration
}

func (cfg *SerialConfig) applyDefaults() error {
	if cfg.Port == "" {
		return errors.New("serial port path is required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return nil
}

// OpenSerial opens a serial port with the given configuration, 8-N-1.
func OpenSerial(cfg SerialConfig) (*SerialTransport, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}

	if err := port.SetReadTimeout(cfg.Timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &SerialTransport{
		port:     port,
		portName: cfg.Port,
		timeout:  cfg.Timeout,
	}, nil
}

func (t *SerialTransport) Read(p []byte) (int, error) {
	return t.port.Read(p)
}

func (t *SerialTransport) Write(p []byte) (int, error) {
	return t.port.Write(p)
}

func (t *SerialTransport) Close() error {
	return t.port.Close()
}

func (t *SerialTransport) SetReadTimeout(timeout time.Duration) error {
	if timeout == t.timeout {
		return nil
	}
	t.timeout = timeout
	return t.port.SetReadTimeout(timeout)
}

// Flush discards any buffered input data.
func (t *SerialTransport) Flush() error {
	return t.port.ResetInputBuffer()
}

// Drain blocks until all buffered output has been transmitted.
func (t *SerialTransport) Drain() error {
	return t.port.Drain()
}

// PortName returns the serial port name.
func (t *SerialTransport) PortName() string {
	return t.portName
}
