package armlink

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Defaults applied to a zero Config.
const (
	DefaultBaudRate        = 9600
	DefaultReadTimeout     = time.Second
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultPollReadTimeout = 10 * time.Millisecond
	DefaultMaxDrainReads   = 16
	DefaultStatusDelay     = 100 * time.Millisecond
	DefaultRelayCapacity   = 100
	DefaultMaxLineLength   = 256

	readBufferSize = 1024
)

// DefaultOutputPins are the board pins behind the three digital outputs of
// DefaultLayout, in frame order.
var DefaultOutputPins = []int{8, 12, 13}

// Config holds configuration for a Link, Poller and Controller.
type Config struct {
	// BaudRate is the line speed. Default is 9600.
	BaudRate int

	// ReadTimeout bounds blocking reads. Default is 1 second.
	ReadTimeout time.Duration

	// Layout is the frame width. Default is DefaultLayout.
	Layout Layout

	// SkipHandshake disables the neutral command written after connecting.
	SkipHandshake bool

	// Backend selects the serial library: BackendBugst (default) or BackendTarm.
	// Ignored if Opener is set.
	Backend string

	// Opener opens the transport. Overrides Backend.
	Opener Opener

	// PollInterval is the sleep between poller drains. Default is 100ms.
	PollInterval time.Duration

	// PollReadTimeout bounds each poller read. Default is 10ms.
	PollReadTimeout time.Duration

	// MaxDrainReads caps the reads per poller cycle. Default is 16.
	MaxDrainReads int

	// MaxLineLength caps a buffered partial line in the poller. Default is 256.
	MaxLineLength int

	// StatusDelay is the wait between the status probe and the read. Default is 100ms.
	StatusDelay time.Duration

	// RelayCapacity is the number of pending events. Default is 100.
	RelayCapacity int

	// OutputPins maps each digital output of the layout to its board pin, so a
	// DigitalWrite can be tracked in the cached pose. Default is
	// DefaultOutputPins for DefaultLayout and no mapping otherwise.
	OutputPins []int

	// Limits restrict servo travel for the Arm helper. Default is the full range.
	Limits []*ServoLimit

	// Logger receives structured logs. Default is the zerolog global logger.
	Logger *zerolog.Logger

	// OnStateChange is called after every link state transition. It may run
	// while a Controller command is in progress and must not send commands.
	OnStateChange func(StateEvent)
}

func (cfg Config) withDefaults() (Config, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Layout == (Layout{}) {
		cfg.Layout = DefaultLayout
	}
	if err := cfg.Layout.Validate(); err != nil {
		return cfg, err
	}
	if cfg.Opener == nil {
		opener, err := OpenerFor(cfg.Backend)
		if err != nil {
			return cfg, err
		}
		cfg.Opener = opener
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollReadTimeout == 0 {
		cfg.PollReadTimeout = DefaultPollReadTimeout
	}
	if cfg.MaxDrainReads == 0 {
		cfg.MaxDrainReads = DefaultMaxDrainReads
	}
	if cfg.MaxLineLength == 0 {
		cfg.MaxLineLength = DefaultMaxLineLength
	}
	if cfg.StatusDelay == 0 {
		cfg.StatusDelay = DefaultStatusDelay
	}
	if cfg.RelayCapacity == 0 {
		cfg.RelayCapacity = DefaultRelayCapacity
	}
	if cfg.OutputPins == nil && cfg.Layout == DefaultLayout {
		cfg.OutputPins = append([]int(nil), DefaultOutputPins...)
	}
	if cfg.OutputPins != nil && len(cfg.OutputPins) != cfg.Layout.Outputs {
		return cfg, fmt.Errorf("%d output pins for %d outputs", len(cfg.OutputPins), cfg.Layout.Outputs)
	}
	if cfg.Limits == nil {
		cfg.Limits = DefaultLimits(cfg.Layout.Servos)
	}
	if len(cfg.Limits) != cfg.Layout.Servos {
		return cfg, fmt.Errorf("%d servo limits for %d servos", len(cfg.Limits), cfg.Layout.Servos)
	}
	for _, l := range cfg.Limits {
		if err := l.Validate(); err != nil {
			return cfg, err
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = &log.Logger
	}
	return cfg, nil
}

func (cfg Config) logger(component string) zerolog.Logger {
	return cfg.Logger.With().Str("component", component).Logger()
}
