package armlink

import (
	"context"
	"fmt"
	"time"
)

// AngleMap is a map of servo index to angle in degrees.
type AngleMap map[int]int

// Arm moves single joints over the whole-frame protocol, which always
// carries every angle and output. Each move starts from the controller's
// cached pose, so joints nobody touched keep their last commanded value.
type Arm struct {
	ctrl   *Controller
	limits []*ServoLimit
}

func newArm(ctrl *Controller, limits []*ServoLimit) *Arm {
	cloned := make([]*ServoLimit, len(limits))
	for i, l := range limits {
		cloned[i] = l.Clone()
	}
	return &Arm{
		ctrl:   ctrl,
		limits: cloned,
	}
}

// Pose returns a copy of the last commanded pose.
func (a *Arm) Pose() ServoCommand {
	return a.ctrl.Pose()
}

// Limit returns the travel limit of a servo, or nil for an unknown index.
func (a *Arm) Limit(index int) *ServoLimit {
	if index < 0 || index >= len(a.limits) {
		return nil
	}
	return a.limits[index].Clone()
}

// SetAngle moves one servo and keeps every other joint where it is.
func (a *Arm) SetAngle(ctx context.Context, index, angle int) error {
	return a.SetAngles(ctx, AngleMap{index: angle})
}

// SetAngles moves the servos present in angles. Angles outside a servo's
// limit are rejected and nothing is sent.
func (a *Arm) SetAngles(ctx context.Context, angles AngleMap) error {
	if len(angles) == 0 {
		return nil // No-op for empty map
	}

	return a.ctrl.updatePose(ctx, func(pose ServoCommand) (ServoCommand, error) {
		for index, angle := range angles {
			limit, err := a.limit(index)
			if err != nil {
				return pose, err
			}
			if err := limit.Check(angle); err != nil {
				return pose, err
			}
			pose.Angles[index] = angle
		}
		return pose, nil
	})
}

// SetNormalized moves one servo to a value on its limit's normalized scale.
func (a *Arm) SetNormalized(ctx context.Context, index int, value float64) error {
	limit, err := a.limit(index)
	if err != nil {
		return err
	}
	return a.SetAngle(ctx, index, limit.Denormalize(value))
}

// Normalized returns the commanded angle of a servo on its normalized scale.
func (a *Arm) Normalized(index int) (float64, error) {
	limit, err := a.limit(index)
	if err != nil {
		return 0, err
	}
	return limit.Normalize(a.ctrl.Pose().Angles[index]), nil
}

// SetOutput switches one digital output and leaves the servos untouched.
func (a *Arm) SetOutput(ctx context.Context, index int, on bool) error {
	return a.ctrl.updatePose(ctx, func(pose ServoCommand) (ServoCommand, error) {
		if index < 0 || index >= len(pose.Outputs) {
			return pose, fmt.Errorf("output index %d out of range (0-%d)", index, len(pose.Outputs)-1)
		}
		pose.Outputs[index] = on
		return pose, nil
	})
}

// SetPose sends a complete pose after checking it against the limits.
func (a *Arm) SetPose(ctx context.Context, pose ServoCommand) error {
	if len(pose.Angles) != len(a.limits) {
		return fmt.Errorf("%w: pose has %d angles, want %d", ErrLayoutMismatch, len(pose.Angles), len(a.limits))
	}
	for i, angle := range pose.Angles {
		if err := a.limits[i].Check(angle); err != nil {
			return err
		}
	}
	return a.ctrl.updatePose(ctx, func(ServoCommand) (ServoCommand, error) {
		return pose.Clone(), nil
	})
}

// Center moves every servo to the middle of its limit. Outputs are kept.
func (a *Arm) Center(ctx context.Context) error {
	return a.ctrl.updatePose(ctx, func(pose ServoCommand) (ServoCommand, error) {
		for i, limit := range a.limits {
			pose.Angles[i] = limit.Center()
		}
		return pose, nil
	})
}

// Angles reads the servo angles the board reports.
func (a *Arm) Angles(ctx context.Context) (AngleMap, error) {
	rec, err := a.ctrl.ReadStatus(ctx)
	if err != nil {
		return nil, err
	}
	angles := make(AngleMap, len(rec.ServoAngles))
	for i, angle := range rec.ServoAngles {
		angles[i] = angle
	}
	return angles, nil
}

// MoveTo commands angles and waits until the board reports them.
// Returns the reported angles for only the servos that were commanded.
func (a *Arm) MoveTo(ctx context.Context, angles AngleMap, timeout time.Duration) (AngleMap, error) {
	if err := a.SetAngles(ctx, angles); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		reported, err := a.Angles(ctx)
		if err == nil && reached(reported, angles) {
			result := make(AngleMap, len(angles))
			for index := range angles {
				result[index] = reported[index]
			}
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return reported, fmt.Errorf("move timeout after %v: %w", timeout, ctxErr)
		}
		if IsNotConnected(err) {
			return nil, err
		}
		if err := sleepCtx(ctx, a.ctrl.cfg.PollInterval); err != nil {
			return reported, fmt.Errorf("move timeout after %v: %w", timeout, err)
		}
	}
}

func (a *Arm) limit(index int) (*ServoLimit, error) {
	if index < 0 || index >= len(a.limits) {
		return nil, fmt.Errorf("servo index %d out of range (0-%d)", index, len(a.limits)-1)
	}
	return a.limits[index], nil
}

func reached(reported, target AngleMap) bool {
	for index, angle := range target {
		if got, ok := reported[index]; !ok || got != angle {
			return false
		}
	}
	return true
}
