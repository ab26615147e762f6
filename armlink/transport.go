package armlink

import (
	"fmt"
	"io"
	"time"

	"github.com/pr-citrate/arm-control/transports"
)

// Transport is the interface for low-level communication with the controller.
// This abstraction allows for testing with mock implementations.
type Transport interface {
	io.ReadWriteCloser

	// SetReadTimeout sets the read timeout duration.
	SetReadTimeout(timeout time.Duration) error

	// Flush discards any buffered input data.
	Flush() error

	// Drain blocks until buffered output has been transmitted.
	Drain() error
}

// Opener opens a Transport on the named port. timeout is the shortest read
// timeout the Link will request; reads set their own timeout afterwards.
type Opener func(port string, baudRate int, timeout time.Duration) (Transport, error)

// Serial backend names accepted by Config.Backend.
const (
	BackendBugst = "bugst"
	BackendTarm  = "tarm"
)

// OpenerFor returns the Opener for a serial backend name.
// An empty name selects BackendBugst.
func OpenerFor(backend string) (Opener, error) {
	switch backend {
	case "", BackendBugst:
		return openBugst, nil
	case BackendTarm:
		return openTarm, nil
	default:
		return nil, fmt.Errorf("unknown serial backend %q", backend)
	}
}

func openBugst(port string, baudRate int, timeout time.Duration) (Transport, error) {
	t, err := transports.OpenSerial(transports.SerialConfig{
		Port:     port,
		BaudRate: baudRate,
		Timeout:  timeout,
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func openTarm(port string, baudRate int, timeout time.Duration) (Transport, error) {
	t, err := transports.OpenTarm(transports.SerialConfig{
		Port:     port,
		BaudRate: baudRate,
		Timeout:  timeout,
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}
