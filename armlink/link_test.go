package armlink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pr-citrate/arm-control/transports"
)

func TestLink_ConnectWritesHandshake(t *testing.T) {
	mock := &transports.MockTransport{}
	opener := &mockOpener{mock: mock}
	cfg := testConfig(opener)
	cfg.SkipHandshake = false

	link, err := NewLink(cfg)
	require.NoError(t, err)

	require.NoError(t, link.Connect(context.Background(), testPort))

	assert.True(t, link.Connected())
	assert.Equal(t, StateConnected, link.State())
	assert.Equal(t, testPort, link.Port())
	assert.Equal(t, []string{testPort}, opener.ports)
	assert.Equal(t, "S90,90,90,90,90,90,0,0,0E\n", string(mock.Written()))
	assert.Equal(t, 1, mock.Drained)
	assert.Equal(t, uint64(26), link.Stats().BytesSent)
}

func TestLink_ConnectOpensWithShortestTimeout(t *testing.T) {
	opener := &mockOpener{mock: &transports.MockTransport{}}
	cfg := testConfig(opener)
	cfg.ReadTimeout = time.Second
	cfg.PollReadTimeout = 10 * time.Millisecond
	link, err := NewLink(cfg)
	require.NoError(t, err)

	require.NoError(t, link.Connect(context.Background(), testPort))
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, opener.timeouts)

	cfg.PollReadTimeout = 5 * time.Second
	link, err = NewLink(cfg)
	require.NoError(t, err)
	require.NoError(t, link.Connect(context.Background(), testPort))
	assert.Equal(t, time.Second, opener.timeouts[1])
}

func TestLink_ConnectFailure(t *testing.T) {
	opener := &mockOpener{err: fmt.Errorf("permission denied")}
	link, err := NewLink(testConfig(opener))
	require.NoError(t, err)

	err = link.Connect(context.Background(), "/dev/ttyACM3")

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "/dev/ttyACM3", connErr.Port)
	assert.EqualError(t, connErr.Err, "permission denied")
	assert.False(t, link.Connected())
	assert.Equal(t, StateDisconnected, link.State())
}

func TestLink_ConnectHandshakeFailure(t *testing.T) {
	mock := &transports.MockTransport{WriteErr: errDeviceGone}
	cfg := testConfig(&mockOpener{mock: mock})
	cfg.SkipHandshake = false
	link, err := NewLink(cfg)
	require.NoError(t, err)

	err = link.Connect(context.Background(), testPort)

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, errDeviceGone)
	assert.False(t, link.Connected())
	assert.True(t, mock.IsClosed())
}

func TestLink_ConnectCanceledContext(t *testing.T) {
	opener := &mockOpener{mock: &transports.MockTransport{}}
	link, err := NewLink(testConfig(opener))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = link.Connect(ctx, testPort)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, opener.ports)
}

func TestLink_ReconnectClosesPreviousHandle(t *testing.T) {
	first := &transports.MockTransport{}
	second := &transports.MockTransport{}
	opener := &mockOpener{mock: first}
	link, err := NewLink(testConfig(opener))
	require.NoError(t, err)

	require.NoError(t, link.Connect(context.Background(), "/dev/ttyUSB0"))
	opener.mock = second
	require.NoError(t, link.Connect(context.Background(), "/dev/ttyUSB1"))

	assert.True(t, first.IsClosed())
	assert.False(t, second.IsClosed())
	assert.Equal(t, "/dev/ttyUSB1", link.Port())
}

func TestLink_NotConnected(t *testing.T) {
	link := newTestLink(t, &transports.MockTransport{})

	assert.ErrorIs(t, link.Write([]byte("S1E\n")), ErrNotConnected)

	data, err := link.ReadAvailable(time.Millisecond)
	assert.True(t, IsNotConnected(err))
	assert.Empty(t, data)

	assert.ErrorIs(t, link.FlushInput(), ErrNotConnected)

	_, err = link.Transact(context.Background(), []byte("S1E\n"), 0, time.Millisecond)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestLink_DisconnectIdempotent(t *testing.T) {
	mock := &transports.MockTransport{}
	rec := &stateRecorder{}
	cfg := testConfig(&mockOpener{mock: mock})
	cfg.OnStateChange = rec.record
	link, err := NewLink(cfg)
	require.NoError(t, err)

	assert.NoError(t, link.Disconnect())

	require.NoError(t, link.Connect(context.Background(), testPort))
	assert.NoError(t, link.Disconnect())
	assert.NoError(t, link.Disconnect())

	assert.True(t, mock.IsClosed())
	assert.False(t, link.Connected())
	assert.Equal(t, "", link.Port())
	assert.Equal(t, []LinkState{StateConnected, StateDisconnected}, rec.states())
}

func TestLink_WriteFlushesAndCounts(t *testing.T) {
	mock := &transports.MockTransport{}
	link := newTestLink(t, mock)
	require.NoError(t, link.Connect(context.Background(), testPort))

	require.NoError(t, link.Write([]byte("S1,2E\n")))
	require.NoError(t, link.Write([]byte("S3,4E\n")))

	assert.Equal(t, "S1,2E\nS3,4E\n", string(mock.Written()))
	assert.Equal(t, 2, mock.Drained)
	assert.Equal(t, uint64(12), link.Stats().BytesSent)
}

func TestLink_WriteFailureDisconnects(t *testing.T) {
	mock := &transports.MockTransport{}
	rec := &stateRecorder{}
	cfg := testConfig(&mockOpener{mock: mock})
	cfg.OnStateChange = rec.record
	link, err := NewLink(cfg)
	require.NoError(t, err)
	require.NoError(t, link.Connect(context.Background(), testPort))

	mock.WriteErr = errDeviceGone
	err = link.Write([]byte("S90E\n"))

	commErr, ok := GetCommError(err)
	require.True(t, ok)
	assert.Equal(t, "write", commErr.Op)
	assert.ErrorIs(t, err, errDeviceGone)
	assert.False(t, link.Connected())
	assert.True(t, mock.IsClosed())

	// The failed bytes are not retried on the next call.
	assert.ErrorIs(t, link.Write([]byte("S90E\n")), ErrNotConnected)
	assert.Equal(t, []LinkState{StateConnected, StateDisconnected}, rec.states())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.ErrorIs(t, rec.events[1].Err, errDeviceGone)
}

func TestLink_DrainFailureDisconnects(t *testing.T) {
	mock := &transports.MockTransport{}
	link := newTestLink(t, mock)
	require.NoError(t, link.Connect(context.Background(), testPort))

	mock.DrainErr = errDeviceGone
	err := link.Write([]byte("S90E\n"))

	assert.ErrorIs(t, err, errDeviceGone)
	assert.False(t, link.Connected())
}

func TestLink_ShortWrite(t *testing.T) {
	mock := &transports.MockTransport{}
	link := newTestLink(t, mock)
	require.NoError(t, link.Connect(context.Background(), testPort))

	short := &shortWriter{MockTransport: mock}
	link.mu.Lock()
	link.transport = short
	link.mu.Unlock()

	err := link.Write([]byte("S90,90E\n"))
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.False(t, link.Connected())
}

type shortWriter struct {
	*transports.MockTransport
}

func (s *shortWriter) Write(p []byte) (int, error) {
	return s.MockTransport.Write(p[:len(p)/2])
}

func TestLink_ReadAvailable(t *testing.T) {
	mock := &transports.MockTransport{ReadData: []byte("Arduino Ready\r\n")}
	link := newTestLink(t, mock)
	require.NoError(t, link.Connect(context.Background(), testPort))

	data, err := link.ReadAvailable(20 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "Arduino Ready\r\n", string(data))
	assert.Equal(t, 20*time.Millisecond, mock.ReadTimeout)
	assert.Equal(t, uint64(15), link.Stats().BytesReceived)

	// Nothing left: the mock reports io.EOF, which is an empty read.
	data, err = link.ReadAvailable(20 * time.Millisecond)
	assert.NoError(t, err)
	assert.Empty(t, data)
	assert.True(t, link.Connected())
}

func TestLink_ReadAvailableDefaultTimeout(t *testing.T) {
	mock := &transports.MockTransport{}
	link := newTestLink(t, mock)
	require.NoError(t, link.Connect(context.Background(), testPort))

	_, err := link.ReadAvailable(0)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, mock.ReadTimeout)
}

func TestLink_ReadTimeoutIsEmpty(t *testing.T) {
	mock := &transports.MockTransport{ReadErr: timeoutError{}}
	link := newTestLink(t, mock)
	require.NoError(t, link.Connect(context.Background(), testPort))

	data, err := link.ReadAvailable(time.Millisecond)
	assert.NoError(t, err)
	assert.Empty(t, data)
	assert.True(t, link.Connected())
}

func TestLink_ReadFailureDisconnects(t *testing.T) {
	mock := &transports.MockTransport{ReadErr: errDeviceGone}
	link := newTestLink(t, mock)
	require.NoError(t, link.Connect(context.Background(), testPort))

	_, err := link.ReadAvailable(time.Millisecond)

	commErr, ok := GetCommError(err)
	require.True(t, ok)
	assert.Equal(t, "read", commErr.Op)
	assert.False(t, link.Connected())
	assert.True(t, mock.IsClosed())
}

func TestLink_ConcurrentAccessNeverInterleaves(t *testing.T) {
	const writers, readers = 16, 16

	mock := &transports.MockTransport{OpDelay: 200 * time.Microsecond}
	for i := 0; i < readers; i++ {
		mock.Queue([]byte(fmt.Sprintf("S%d,%d,%d,%d,%d,%d,0,0,0,0,0,0E\n", i, i, i, i, i, i)))
	}
	link := newTestLink(t, mock)
	require.NoError(t, link.Connect(context.Background(), testPort))

	frames := make([][]byte, writers)
	for i := range frames {
		cmd := NeutralCommand(DefaultLayout)
		cmd.Angles[0] = i
		frame, err := EncodeCommand(cmd, DefaultLayout)
		require.NoError(t, err)
		frames[i] = frame
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(frame []byte) {
			defer wg.Done()
			<-start
			assert.NoError(t, link.Write(frame))
		}(frames[i])
	}
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := link.ReadAvailable(time.Millisecond)
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Zero(t, mock.Overlaps.Load(), "transport calls overlapped")

	written := mock.Written()
	total := 0
	for _, frame := range frames {
		assert.True(t, bytes.Contains(written, frame), "frame %q not written contiguously", frame)
		total += len(frame)
	}
	assert.Len(t, written, total)

	writes := 0
	for _, op := range mock.Recorded() {
		if op.Kind == "write" {
			assert.True(t, IsFrame(bytes.TrimSpace(op.Data)), "partial write %q", op.Data)
			writes++
		}
	}
	assert.Equal(t, writers, writes)
}

func TestLink_TransactReadsReply(t *testing.T) {
	mock := &transports.MockTransport{
		ReadData: []byte("stale\n"),
		OnWrite:  replyWith("S10,20,30,40,50,60,1,0,1,1,0,1E\r\n"),
	}
	link := newTestLink(t, mock)
	require.NoError(t, link.Connect(context.Background(), testPort))

	data, err := link.Transact(context.Background(), []byte("S90,90,90,90,90,90,0,0,0E\n"), time.Millisecond, 100*time.Millisecond)
	require.NoError(t, err)

	assert.True(t, mock.Flushed)
	frame, ok := FindFrame(data)
	require.True(t, ok)
	assert.Equal(t, "S10,20,30,40,50,60,1,0,1,1,0,1E", string(frame))
}

func TestLink_TransactTimesOutWithoutFrame(t *testing.T) {
	mock := &transports.MockTransport{OnWrite: replyWith("ERR:Invalid protocol format\r\n")}
	link := newTestLink(t, mock)
	require.NoError(t, link.Connect(context.Background(), testPort))

	begin := time.Now()
	data, err := link.Transact(context.Background(), []byte("S1E\n"), 0, 30*time.Millisecond)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(begin), 30*time.Millisecond)
	assert.Equal(t, "ERR:Invalid protocol format\r\n", string(data))
}

func TestLink_TransactHonorsContext(t *testing.T) {
	mock := &transports.MockTransport{}
	link := newTestLink(t, mock)
	require.NoError(t, link.Connect(context.Background(), testPort))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := link.Transact(ctx, []byte("S1E\n"), time.Second, time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	link.mu.Lock()
	defer link.mu.Unlock()
	assert.Nil(t, link.capture)
}

func TestLinkState_String(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
}
