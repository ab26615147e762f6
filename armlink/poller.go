package armlink

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// ErrPollerRunning is returned by Run when the poller is already running.
var ErrPollerRunning = errors.New("poller already running")

// Poller drains unsolicited data from a Link into a Relay.
//
// Each cycle reads until the link has nothing more to give, pushes every
// chunk as an Event and then sleeps. The link is released before the push
// and before the sleep. A disconnected link makes a cycle a no-op, so the
// poller keeps running across reconnects.
type Poller struct {
	link        *Link
	relay       *Relay
	layout      Layout
	interval    time.Duration
	readTimeout time.Duration
	maxReads    int
	maxLine     int
	log         zerolog.Logger

	running atomic.Bool
	cycles  atomic.Uint64

	// pending holds a partial line between reads; owned by the running loop.
	pending []byte

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller using the link's configuration.
func NewPoller(link *Link, relay *Relay) *Poller {
	cfg := link.cfg
	return &Poller{
		link:        link,
		relay:       relay,
		layout:      cfg.Layout,
		interval:    cfg.PollInterval,
		readTimeout: cfg.PollReadTimeout,
		maxReads:    cfg.MaxDrainReads,
		maxLine:     cfg.MaxLineLength,
		log:         cfg.logger("poller"),
	}
}

// Run polls until ctx is done. Only one Run may be active at a time.
func (p *Poller) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrPollerRunning
	}
	defer p.running.Store(false)

	p.log.Debug().Dur("interval", p.interval).Msg("Poller started")
	defer p.log.Debug().Msg("Poller stopped")

	for {
		if _, err := p.cycle(ctx); err != nil {
			if errors.Is(err, ErrRelayClosed) {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		if err := sleepCtx(ctx, p.interval); err != nil {
			return err
		}
	}
}

// Start runs the poller in a goroutine. Calling Start on a running poller
// does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	go func() {
		defer close(done)
		if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Warn().Err(err).Msg("Poller exited")
		}
	}()
}

// Stop cancels a poller started with Start and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether Run is active.
func (p *Poller) Running() bool {
	return p.running.Load()
}

// Cycles returns the number of completed drain cycles.
func (p *Poller) Cycles() uint64 {
	return p.cycles.Load()
}

// cycle drains the link once and returns the number of events pushed.
func (p *Poller) cycle(ctx context.Context) (int, error) {
	defer p.cycles.Inc()

	if !p.link.Connected() {
		p.pending = p.pending[:0]
		return 0, nil
	}

	pushed := 0
	for i := 0; i < p.maxReads; i++ {
		data, err := p.link.ReadAvailable(p.readTimeout)
		if len(data) > 0 {
			if perr := p.relay.Push(ctx, p.event(data)); perr != nil {
				return pushed, perr
			}
			pushed++
		}
		if err != nil {
			if !IsNotConnected(err) {
				p.log.Warn().Err(err).Msg("Poll read failed")
			}
			p.pending = p.pending[:0]
			return pushed, nil
		}
		if len(data) == 0 {
			break
		}
	}
	return pushed, nil
}

// event wraps a chunk and decodes the last complete status line it finishes.
func (p *Poller) event(data []byte) Event {
	ev := Event{At: time.Now(), Raw: data}

	p.pending = append(p.pending, data...)
	for {
		i := bytes.IndexByte(p.pending, LineTerminator)
		if i < 0 {
			break
		}
		line := p.pending[:i+1]
		if rec, err := DecodeStatus(line, p.layout); err == nil {
			ev.Status = &rec
		} else if len(bytes.TrimSpace(line)) > 0 {
			p.log.Debug().Err(err).Bytes("line", bytes.TrimSpace(line)).Msg("Ignoring unsolicited line")
		}
		p.pending = p.pending[i+1:]
	}

	if len(p.pending) > p.maxLine {
		p.log.Debug().Int("size", len(p.pending)).Msg("Dropping oversized partial line")
		p.pending = nil
	}
	p.pending = append([]byte(nil), p.pending...)
	return ev
}
