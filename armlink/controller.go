package armlink

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

const stateEventBuffer = 16

// Controller is the surface a front end talks to. It owns one Link, the
// Relay for unsolicited data and the Poller that feeds it.
type Controller struct {
	cfg    Config
	link   *Link
	relay  *Relay
	poller *Poller
	arm    *Arm
	log    zerolog.Logger

	// poseMu serializes pose changes with their writes; taken before the link lock.
	poseMu sync.Mutex
	pose   ServoCommand

	mu     sync.Mutex
	states chan StateEvent
	closed bool
}

// NewController creates a disconnected controller. Call Start to begin polling.
func NewController(cfg Config) (*Controller, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:    cfg,
		log:    cfg.logger("controller"),
		pose:   NeutralCommand(cfg.Layout),
		states: make(chan StateEvent, stateEventBuffer),
	}

	userHook := cfg.OnStateChange
	linkCfg := cfg
	linkCfg.OnStateChange = func(ev StateEvent) {
		c.publishState(ev)
		if userHook != nil {
			userHook(ev)
		}
	}

	c.link, err = NewLink(linkCfg)
	if err != nil {
		return nil, err
	}
	c.relay = NewRelay(cfg.RelayCapacity)
	c.poller = NewPoller(c.link, c.relay)
	c.arm = newArm(c, cfg.Limits)
	return c, nil
}

// Start launches the background poller. It runs until Close or ctx ends.
func (c *Controller) Start(ctx context.Context) {
	c.poller.Start(ctx)
}

// ListPorts enumerates serial endpoints.
func (c *Controller) ListPorts(opts ListOptions) ([]string, error) {
	return ListPorts(opts)
}

// Connect opens port. Any previous connection is closed first.
//
// Opening the port resets the board to its neutral pose, so the cached pose
// is reset as well, with or without the handshake.
func (c *Controller) Connect(ctx context.Context, port string) error {
	c.poseMu.Lock()
	defer c.poseMu.Unlock()

	if err := c.link.Connect(ctx, port); err != nil {
		return err
	}
	c.pose = NeutralCommand(c.cfg.Layout)
	return nil
}

// Disconnect closes the link. The poller stays idle until the next Connect.
func (c *Controller) Disconnect() error {
	return c.link.Disconnect()
}

// SendCommand encodes cmd and writes it to the board. Once written, cmd is
// folded into the cached pose: a ServoCommand replaces it, a ServoMove sets
// one angle and a DigitalWrite to one of Config.OutputPins sets one output.
func (c *Controller) SendCommand(ctx context.Context, cmd Command) error {
	c.poseMu.Lock()
	defer c.poseMu.Unlock()
	return c.sendLocked(ctx, cmd)
}

// Pose returns a copy of the last commanded pose. It is the neutral pose
// after every Connect.
func (c *Controller) Pose() ServoCommand {
	c.poseMu.Lock()
	defer c.poseMu.Unlock()
	return c.pose.Clone()
}

// ReadStatus asks the board for its state and decodes the reply.
//
// The probe re-sends the cached pose so the arm does not move.
func (c *Controller) ReadStatus(ctx context.Context) (StatusRecord, error) {
	probe, err := EncodeCommand(c.Pose(), c.cfg.Layout)
	if err != nil {
		return StatusRecord{}, err
	}

	data, err := c.link.Transact(ctx, probe, c.cfg.StatusDelay, c.cfg.ReadTimeout)
	if err != nil {
		return StatusRecord{}, err
	}

	rec, err := DecodeStatus(data, c.cfg.Layout)
	if err != nil {
		c.log.Debug().Err(err).Bytes("data", data).Msg("Status decode failed")
		return StatusRecord{}, err
	}
	return rec, nil
}

// Events returns unsolicited data from the board. The channel closes after Close.
func (c *Controller) Events() <-chan Event {
	return c.relay.Events()
}

// StateEvents returns link state transitions. Transitions are dropped when
// nobody reads and the buffer is full. The channel closes after Close.
func (c *Controller) StateEvents() <-chan StateEvent {
	return c.states
}

// Arm returns the pose helper bound to this controller.
func (c *Controller) Arm() *Arm {
	return c.arm
}

// Connected reports whether the link is open.
func (c *Controller) Connected() bool {
	return c.link.Connected()
}

// Port returns the open port name, or "".
func (c *Controller) Port() string {
	return c.link.Port()
}

// Stats returns the link byte counters.
func (c *Controller) Stats() Stats {
	return c.link.Stats()
}

// Close stops the poller, closes the link and closes both event channels.
func (c *Controller) Close() error {
	c.poller.Stop()
	err := c.link.Disconnect()
	c.relay.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.states)
	}
	return err
}

func (c *Controller) publishState(ev StateEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	select {
	case c.states <- ev:
	default:
		c.log.Warn().Str("state", ev.State.String()).Msg("State event dropped, no reader")
	}
}

// updatePose derives the next pose from the cached one and sends it. The
// cache only changes if the write succeeds.
func (c *Controller) updatePose(ctx context.Context, next func(pose ServoCommand) (ServoCommand, error)) error {
	c.poseMu.Lock()
	defer c.poseMu.Unlock()

	cmd, err := next(c.pose.Clone())
	if err != nil {
		return err
	}
	return c.sendLocked(ctx, cmd)
}

func (c *Controller) sendLocked(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := Encode(cmd, c.cfg.Layout)
	if err != nil {
		return err
	}
	if err := c.link.Write(frame); err != nil {
		return err
	}
	c.pose = c.foldPose(c.pose, cmd)
	return nil
}

// foldPose applies a sent command to pose.
func (c *Controller) foldPose(pose ServoCommand, cmd Command) ServoCommand {
	switch cmd := cmd.(type) {
	case ServoCommand:
		return cmd.Clone()
	case ServoMove:
		pose.Angles[cmd.ID-1] = cmd.Angle
	case DigitalWrite:
		for i, pin := range c.cfg.OutputPins {
			if pin == cmd.Pin {
				pose.Outputs[i] = cmd.High
			}
		}
	}
	return pose
}
