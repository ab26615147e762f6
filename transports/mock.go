package transports

import (
	"io"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Op is one recorded call against a MockTransport.
type Op struct {
	Kind string // "read" or "write"
	Data []byte
}

// MockTransport implements Transport for testing.
//
// Every call is appended to Ops once it completes. Calls that overlap in time
// increment Overlaps, which lets tests assert that callers serialize access.
type MockTransport struct {
	ReadData    []byte
	ReadErr     error
	WriteData   []byte
	WriteErr    error
	DrainErr    error
	Closed      bool
	ReadTimeout time.Duration
	Flushed     bool
	Drained     int

	// ReadFunc allows custom read behavior for complex tests
	ReadFunc func(p []byte) (int, error)

	// OnWrite is called with each written chunk; it may queue a reply.
	OnWrite func(m *MockTransport, p []byte)

	// OpDelay stretches every read and write so overlapping callers show up.
	OpDelay time.Duration

	Ops      []Op
	Overlaps atomic.Int32

	inFlight atomic.Int32
	mu       sync.Mutex
}

func (m *MockTransport) enter() func() {
	if m.inFlight.Inc() > 1 {
		m.Overlaps.Inc()
	}
	if m.OpDelay > 0 {
		time.Sleep(m.OpDelay)
	}
	return func() { m.inFlight.Dec() }
}

func (m *MockTransport) record(kind string, p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Ops = append(m.Ops, Op{Kind: kind, Data: append([]byte(nil), p...)})
}

func (m *MockTransport) Read(p []byte) (int, error) {
	defer m.enter()()

	if m.ReadFunc != nil {
		n, err := m.ReadFunc(p)
		if n > 0 {
			m.record("read", p[:n])
		}
		return n, err
	}
	if m.ReadErr != nil {
		return 0, m.ReadErr
	}
	m.mu.Lock()
	n := copy(p, m.ReadData)
	m.ReadData = m.ReadData[n:]
	m.mu.Unlock()
	if n == 0 {
		return 0, io.EOF
	}
	m.record("read", p[:n])
	return n, nil
}

func (m *MockTransport) Write(p []byte) (int, error) {
	defer m.enter()()

	if m.WriteErr != nil {
		return 0, m.WriteErr
	}
	m.mu.Lock()
	m.WriteData = append(m.WriteData, p...)
	m.mu.Unlock()
	m.record("write", p)
	if m.OnWrite != nil {
		m.OnWrite(m, p)
	}
	return len(p), nil
}

// Queue appends bytes that later reads will return.
func (m *MockTransport) Queue(p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadData = append(m.ReadData, p...)
}

// Written returns a copy of everything written so far.
func (m *MockTransport) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.WriteData...)
}

// Recorded returns a copy of the call log.
func (m *MockTransport) Recorded() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Op(nil), m.Ops...)
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (m *MockTransport) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Closed
}

func (m *MockTransport) SetReadTimeout(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadTimeout = timeout
	return nil
}

func (m *MockTransport) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Flushed = true
	// Don't clear ReadData - tests need to preserve mock response data
	return nil
}

func (m *MockTransport) Drain() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DrainErr != nil {
		return m.DrainErr
	}
	m.Drained++
	return nil
}
