package armlink

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pr-citrate/arm-control/transports"
)

const testPort = "/dev/ttyUSB0"

// mockOpener hands out the same mock on every open and records the ports.
type mockOpener struct {
	mu       sync.Mutex
	mock     *transports.MockTransport
	err      error
	ports    []string
	timeouts []time.Duration
}

func (o *mockOpener) open(port string, baudRate int, timeout time.Duration) (Transport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ports = append(o.ports, port)
	o.timeouts = append(o.timeouts, timeout)
	if o.err != nil {
		return nil, o.err
	}
	return o.mock, nil
}

// stateRecorder collects state events from OnStateChange.
type stateRecorder struct {
	mu     sync.Mutex
	events []StateEvent
}

func (r *stateRecorder) record(ev StateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *stateRecorder) states() []LinkState {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]LinkState, len(r.events))
	for i, ev := range r.events {
		states[i] = ev.State
	}
	return states
}

func testConfig(opener *mockOpener) Config {
	nop := zerolog.Nop()
	return Config{
		Opener:          opener.open,
		Logger:          &nop,
		SkipHandshake:   true,
		PollInterval:    time.Millisecond,
		PollReadTimeout: time.Millisecond,
		StatusDelay:     time.Millisecond,
		ReadTimeout:     100 * time.Millisecond,
	}
}

func newTestLink(t *testing.T, mock *transports.MockTransport) *Link {
	t.Helper()
	link, err := NewLink(testConfig(&mockOpener{mock: mock}))
	require.NoError(t, err)
	return link
}

func newTestController(t *testing.T, mock *transports.MockTransport, mutate ...func(*Config)) *Controller {
	t.Helper()
	cfg := testConfig(&mockOpener{mock: mock})
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := NewController(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// replyWith queues reply after every write, like the firmware answering a command.
func replyWith(reply string) func(*transports.MockTransport, []byte) {
	return func(m *transports.MockTransport, _ []byte) {
		m.Queue([]byte(reply))
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var errDeviceGone = errors.New("device disconnected")
