// Package armlink drives a servo and digital I/O controller board over a serial link.
//
// The board speaks a line protocol: every frame is ASCII, starts with 'S',
// ends with 'E' and a newline, and carries comma separated decimal fields.
// Commands carry servo angles followed by digital outputs; status replies
// echo the angles and outputs and append the digital inputs.
package armlink

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Frame sentinels.
const (
	FrameStart     byte = 'S'
	FrameEnd       byte = 'E'
	FrameDelimiter byte = ','
	LineTerminator byte = '\n'
)

// Angle range accepted by the firmware, in degrees.
const (
	MinAngle    = 0
	MaxAngle    = 180
	CenterAngle = 90
)

// Layout describes the field widths of a frame.
type Layout struct {
	Servos  int // servo angles
	Outputs int // digital outputs
	Inputs  int // digital inputs, status direction only
}

// DefaultLayout matches the six servo, three output, three input board.
var DefaultLayout = Layout{Servos: 6, Outputs: 3, Inputs: 3}

// CommandFields returns the number of fields in a command frame.
func (l Layout) CommandFields() int {
	return l.Servos + l.Outputs
}

// StatusFields returns the minimum number of fields in a status frame.
func (l Layout) StatusFields() int {
	return l.Servos + l.Outputs + l.Inputs
}

// Validate checks that no width is negative and at least one servo exists.
func (l Layout) Validate() error {
	if l.Servos <= 0 || l.Outputs < 0 || l.Inputs < 0 {
		return fmt.Errorf("invalid layout %d/%d/%d", l.Servos, l.Outputs, l.Inputs)
	}
	return nil
}

// Command is anything that can be written to the controller as one frame.
type Command interface {
	// AppendFrame appends the wire encoding of the command to dst.
	AppendFrame(dst []byte, l Layout) ([]byte, error)
}

// ServoCommand sets every servo angle and every digital output at once.
type ServoCommand struct {
	Angles  []int  `json:"angles"`
	Outputs []bool `json:"outputs"`
}

// NeutralCommand centers all servos and clears all outputs.
func NeutralCommand(l Layout) ServoCommand {
	cmd := ServoCommand{
		Angles:  make([]int, l.Servos),
		Outputs: make([]bool, l.Outputs),
	}
	for i := range cmd.Angles {
		cmd.Angles[i] = CenterAngle
	}
	return cmd
}

// Clone returns a deep copy of the command.
func (c ServoCommand) Clone() ServoCommand {
	return ServoCommand{
		Angles:  append([]int(nil), c.Angles...),
		Outputs: append([]bool(nil), c.Outputs...),
	}
}

// AppendFrame encodes the command as S<a1>,...,<an>,<o1>,...,<om>E\n.
// Angles outside MinAngle-MaxAngle are rejected, never saturated.
func (c ServoCommand) AppendFrame(dst []byte, l Layout) ([]byte, error) {
	if len(c.Angles) != l.Servos || len(c.Outputs) != l.Outputs {
		return dst, fmt.Errorf("%w: got %d angles and %d outputs, want %d and %d",
			ErrLayoutMismatch, len(c.Angles), len(c.Outputs), l.Servos, l.Outputs)
	}
	for i, a := range c.Angles {
		if err := checkAngle(i, a); err != nil {
			return dst, err
		}
	}

	dst = append(dst, FrameStart)
	for i, a := range c.Angles {
		if i > 0 {
			dst = append(dst, FrameDelimiter)
		}
		dst = strconv.AppendInt(dst, int64(a), 10)
	}
	for i, on := range c.Outputs {
		if i > 0 || len(c.Angles) > 0 {
			dst = append(dst, FrameDelimiter)
		}
		dst = append(dst, flagByte(on))
	}
	dst = append(dst, FrameEnd, LineTerminator)
	return dst, nil
}

// ServoMove moves a single servo, addressed by its 1-based ID.
// It uses the per-servo firmware encoding S<id>:<angle>\n.
type ServoMove struct {
	ID    int `json:"id"`
	Angle int `json:"angle"`
}

// AppendFrame encodes the move. The ID must lie within the layout's servos.
func (m ServoMove) AppendFrame(dst []byte, l Layout) ([]byte, error) {
	if m.ID < 1 || m.ID > l.Servos {
		return dst, fmt.Errorf("%w: servo id %d, layout has %d servos", ErrLayoutMismatch, m.ID, l.Servos)
	}
	if err := checkAngle(m.ID-1, m.Angle); err != nil {
		return dst, err
	}
	dst = append(dst, FrameStart)
	dst = strconv.AppendInt(dst, int64(m.ID), 10)
	dst = append(dst, ':')
	dst = strconv.AppendInt(dst, int64(m.Angle), 10)
	return append(dst, LineTerminator), nil
}

// DigitalWrite sets one digital output pin using the per-pin firmware
// encoding D<pin>:HIGH\n or D<pin>:LOW\n.
type DigitalWrite struct {
	Pin  int  `json:"pin"`
	High bool `json:"state"`
}

// AppendFrame encodes the pin write.
func (d DigitalWrite) AppendFrame(dst []byte, _ Layout) ([]byte, error) {
	if d.Pin < 0 {
		return dst, fmt.Errorf("invalid pin %d", d.Pin)
	}
	level := "LOW"
	if d.High {
		level = "HIGH"
	}
	dst = append(dst, 'D')
	dst = strconv.AppendInt(dst, int64(d.Pin), 10)
	dst = append(dst, ':')
	dst = append(dst, level...)
	return append(dst, LineTerminator), nil
}

// StatusRecord is one decoded status reply.
type StatusRecord struct {
	ServoAngles    []int  `json:"servo_angles"`
	DigitalOutputs []bool `json:"digital_outputs"`
	DigitalInputs  []bool `json:"digital_inputs"`
}

// EncodeCommand encodes a ServoCommand for the given layout.
func EncodeCommand(cmd ServoCommand, l Layout) ([]byte, error) {
	return cmd.AppendFrame(nil, l)
}

// Encode encodes any Command for the given layout.
func Encode(cmd Command, l Layout) ([]byte, error) {
	return cmd.AppendFrame(nil, l)
}

// DecodeStatus extracts the first status frame found in data.
//
// data may hold partial lines, several lines or noise such as the firmware's
// startup banner. Angle fields that are not integers are dropped. Digital
// fields decode "1" as true and anything else as false.
func DecodeStatus(data []byte, l Layout) (StatusRecord, error) {
	if err := l.Validate(); err != nil {
		return StatusRecord{}, err
	}
	line, ok := FindFrame(data)
	if !ok {
		return StatusRecord{}, ErrNoValidFrame
	}

	fields := strings.Split(string(line[1:len(line)-1]), string(FrameDelimiter))
	if len(fields) < l.StatusFields() {
		return StatusRecord{}, &FrameError{Line: string(line), Err: ErrMalformedFrame}
	}

	rec := StatusRecord{
		ServoAngles:    make([]int, 0, l.Servos),
		DigitalOutputs: make([]bool, 0, l.Outputs),
		DigitalInputs:  make([]bool, 0, l.Inputs),
	}
	for _, f := range fields[:l.Servos] {
		a, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			continue
		}
		rec.ServoAngles = append(rec.ServoAngles, a)
	}
	for _, f := range fields[l.Servos : l.Servos+l.Outputs] {
		rec.DigitalOutputs = append(rec.DigitalOutputs, parseFlag(f))
	}
	for _, f := range fields[l.Servos+l.Outputs : l.StatusFields()] {
		rec.DigitalInputs = append(rec.DigitalInputs, parseFlag(f))
	}
	return rec, nil
}

// FindFrame returns the first line in data that starts with FrameStart and
// ends with FrameEnd, with surrounding whitespace removed.
func FindFrame(data []byte) ([]byte, bool) {
	for _, line := range bytes.Split(data, []byte{LineTerminator}) {
		if line = bytes.TrimSpace(line); IsFrame(line) {
			return line, true
		}
	}
	return nil, false
}

// IsFrame reports whether line is delimited by the frame sentinels.
func IsFrame(line []byte) bool {
	return len(line) >= 2 && line[0] == FrameStart && line[len(line)-1] == FrameEnd
}

// Codec binds a Layout to the encode and decode functions.
type Codec struct {
	Layout Layout
}

// NewCodec creates a codec for the given layout.
func NewCodec(l Layout) Codec {
	return Codec{Layout: l}
}

// Encode encodes cmd using the codec's layout.
func (c Codec) Encode(cmd Command) ([]byte, error) {
	return Encode(cmd, c.Layout)
}

// Decode decodes a status frame using the codec's layout.
func (c Codec) Decode(data []byte) (StatusRecord, error) {
	return DecodeStatus(data, c.Layout)
}

// Neutral returns the encoded neutral command.
func (c Codec) Neutral() []byte {
	frame, _ := EncodeCommand(NeutralCommand(c.Layout), c.Layout)
	return frame
}

func checkAngle(index, angle int) error {
	if angle < MinAngle || angle > MaxAngle {
		return &AngleError{Index: index, Angle: angle, Min: MinAngle, Max: MaxAngle}
	}
	return nil
}

func flagByte(on bool) byte {
	if on {
		return '1'
	}
	return '0'
}

func parseFlag(field string) bool {
	return strings.TrimSpace(field) == "1"
}
