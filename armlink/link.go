package armlink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// LinkState is the connection state of a Link.
type LinkState int

const (
	StateDisconnected LinkState = iota
	StateConnected
)

func (s LinkState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// StateEvent describes one link state transition.
type StateEvent struct {
	At    time.Time `json:"at"`
	Port  string    `json:"port"`
	State LinkState `json:"state"`
	Err   error     `json:"-"` // Cause of an unplanned disconnect
}

// Stats holds byte counters for a Link.
type Stats struct {
	BytesSent     uint64
	BytesReceived uint64
}

// Link owns the serial channel to the controller board.
//
// Every method that touches the channel runs inside one critical section, so
// a foreground caller and the background Poller never interleave on the wire.
// The channel is never handed out.
type Link struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	transport Transport
	port      string
	buf       []byte
	capture   *bytes.Buffer

	// txMu serializes request/response exchanges; never held by the Poller.
	txMu sync.Mutex

	connected     atomic.Bool
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

// NewLink creates a disconnected Link.
func NewLink(cfg Config) (*Link, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Link{
		cfg: cfg,
		log: cfg.logger("link"),
		buf: make([]byte, readBufferSize),
	}, nil
}

// Layout returns the frame layout used for the handshake.
func (l *Link) Layout() Layout {
	return l.cfg.Layout
}

// Connect opens port and, unless disabled, primes the board with the
// neutral command. An already open channel is closed first.
func (l *Link) Connect(ctx context.Context, port string) error {
	if err := ctx.Err(); err != nil {
		return &ConnectError{Port: port, Err: err}
	}

	var events []StateEvent
	defer func() { l.notify(events...) }()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.transport != nil {
		if ev, ok := l.closeLocked(nil); ok {
			events = append(events, ev)
		}
	}

	l.log.Debug().Str("port", port).Int("baud", l.cfg.BaudRate).Msg("Opening serial port")
	t, err := l.cfg.Opener(port, l.cfg.BaudRate, l.openTimeout())
	if err != nil {
		l.log.Warn().Err(err).Str("port", port).Msg("Connect failed")
		return &ConnectError{Port: port, Err: err}
	}

	l.transport = t
	l.port = port
	l.capture = nil
	l.connected.Store(true)
	events = append(events, StateEvent{At: time.Now(), Port: port, State: StateConnected})
	l.log.Info().Str("port", port).Msg("Serial port opened")

	if !l.cfg.SkipHandshake {
		frame, err := EncodeCommand(NeutralCommand(l.cfg.Layout), l.cfg.Layout)
		if err == nil {
			err = l.writeLocked(frame, &events)
		}
		if err != nil {
			if ev, ok := l.closeLocked(err); ok {
				events = append(events, ev)
			}
			return &ConnectError{Port: port, Err: err}
		}
	}

	return nil
}

// Disconnect closes the channel. It is safe to call when already disconnected.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	ev, ok := l.closeLocked(nil)
	l.mu.Unlock()

	if ok {
		l.notify(ev)
		if ev.Err != nil {
			return ev.Err
		}
	}
	return nil
}

// Write sends p and waits until it has been transmitted. A failed write
// closes the link; the bytes are never resent.
func (l *Link) Write(p []byte) error {
	var events []StateEvent

	l.mu.Lock()
	var err error
	if l.transport == nil {
		err = ErrNotConnected
	} else {
		err = l.writeLocked(p, &events)
	}
	l.mu.Unlock()

	l.notify(events...)
	return err
}

// ReadAvailable performs one read bounded by timeout and returns whatever
// arrived. A timeout or an empty read yields an empty slice and no error.
// A timeout of zero or less uses the configured ReadTimeout.
func (l *Link) ReadAvailable(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = l.cfg.ReadTimeout
	}
	var events []StateEvent

	l.mu.Lock()
	data, err := l.readLocked(timeout, &events)
	l.mu.Unlock()

	l.notify(events...)
	return data, err
}

// FlushInput discards bytes received but not yet read.
func (l *Link) FlushInput() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.transport == nil {
		return ErrNotConnected
	}
	return l.transport.Flush()
}

// Transact flushes stale input, writes request, waits settle without holding
// the channel, then reads until a complete frame arrives or timeout expires.
//
// Bytes that the Poller reads while the exchange is pending are captured as
// well, so a reply is never lost to the background drain.
func (l *Link) Transact(ctx context.Context, request []byte, settle, timeout time.Duration) ([]byte, error) {
	l.txMu.Lock()
	defer l.txMu.Unlock()

	if timeout <= 0 {
		timeout = l.cfg.ReadTimeout
	}

	var events []StateEvent
	capture := &bytes.Buffer{}

	l.mu.Lock()
	var err error
	if l.transport == nil {
		err = ErrNotConnected
	} else {
		if ferr := l.transport.Flush(); ferr != nil {
			l.log.Debug().Err(ferr).Msg("Input flush failed")
		}
		err = l.writeLocked(request, &events)
		if err == nil {
			l.capture = capture
		}
	}
	l.mu.Unlock()
	l.notify(events...)
	if err != nil {
		return nil, err
	}

	defer func() {
		l.mu.Lock()
		if l.capture == capture {
			l.capture = nil
		}
		l.mu.Unlock()
	}()

	if err := sleepCtx(ctx, settle); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		l.mu.Lock()
		_, done := FindFrame(capture.Bytes())
		l.mu.Unlock()
		if done {
			break
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Short steps keep the channel free for the Poller between reads.
		if _, err := l.ReadAvailable(min(remaining, 50*time.Millisecond)); err != nil {
			return nil, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return bytes.Clone(capture.Bytes()), nil
}

// State returns the current link state.
func (l *Link) State() LinkState {
	if l.connected.Load() {
		return StateConnected
	}
	return StateDisconnected
}

// Connected reports whether a channel is open.
func (l *Link) Connected() bool {
	return l.connected.Load()
}

// Port returns the name of the open port, or "" when disconnected.
func (l *Link) Port() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

// Stats returns the byte counters since the Link was created.
func (l *Link) Stats() Stats {
	return Stats{
		BytesSent:     l.bytesSent.Load(),
		BytesReceived: l.bytesReceived.Load(),
	}
}

// Internal methods

// openTimeout is the shortest read timeout the link requests, for backends
// that fix the timeout when the port is opened.
func (l *Link) openTimeout() time.Duration {
	return min(l.cfg.ReadTimeout, l.cfg.PollReadTimeout)
}

func (l *Link) writeLocked(p []byte, events *[]StateEvent) error {
	n, err := l.transport.Write(p)
	l.bytesSent.Add(uint64(max(n, 0)))
	if err == nil && n != len(p) {
		err = io.ErrShortWrite
	}
	if err == nil {
		err = l.transport.Drain()
	}
	if err == nil {
		return nil
	}

	commErr := &CommError{Op: "write", Err: err}
	l.log.Error().Err(err).Str("port", l.port).Int("written", n).Int("size", len(p)).Msg("Write failed, closing link")
	if ev, ok := l.closeLocked(commErr); ok {
		*events = append(*events, ev)
	}
	return commErr
}

func (l *Link) readLocked(timeout time.Duration, events *[]StateEvent) ([]byte, error) {
	if l.transport == nil {
		return nil, ErrNotConnected
	}

	var data []byte
	err := l.transport.SetReadTimeout(timeout)
	if err == nil {
		var n int
		n, err = l.transport.Read(l.buf)
		if n > 0 {
			data = bytes.Clone(l.buf[:n])
			l.bytesReceived.Add(uint64(n))
			if l.capture != nil {
				l.capture.Write(data)
			}
		}
	}
	if err == nil || isBenignReadError(err) {
		return data, nil
	}

	commErr := &CommError{Op: "read", Err: err}
	l.log.Error().Err(err).Str("port", l.port).Msg("Read failed, closing link")
	if ev, ok := l.closeLocked(commErr); ok {
		*events = append(*events, ev)
	}
	return data, commErr
}

// closeLocked releases the channel. cause is nil for a requested disconnect.
func (l *Link) closeLocked(cause error) (StateEvent, bool) {
	if l.transport == nil {
		return StateEvent{}, false
	}

	closeErr := l.transport.Close()
	port := l.port
	l.transport = nil
	l.port = ""
	l.capture = nil
	l.connected.Store(false)

	ev := StateEvent{At: time.Now(), Port: port, State: StateDisconnected, Err: cause}
	if cause == nil && closeErr != nil {
		ev.Err = closeErr
	}
	l.log.Info().Str("port", port).AnErr("cause", cause).Msg("Serial port closed")
	return ev, true
}

func (l *Link) notify(events ...StateEvent) {
	if l.cfg.OnStateChange == nil {
		return
	}
	for _, ev := range events {
		l.cfg.OnStateChange(ev)
	}
}

// isBenignReadError reports read errors that only mean "nothing arrived".
func isBenignReadError(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
