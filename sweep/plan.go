package sweep

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mbiselx/reflectance-measure/angle"
)

// DefaultSettleTimeout bounds the wait for motion complete when a plan
// does not name its own timeout.
const DefaultSettleTimeout = 30 * time.Second

// Averaging selects how the raw samples of a point reduce to its value.
type Averaging int

const (
	// Mean is the arithmetic mean of all samples.
	Mean Averaging = iota
	// Median is the middle of the sorted samples, or the mean of the two
	// middle samples for even counts.
	Median
	// None keeps the first sample and discards the rest.
	None
)

func (a Averaging) String() string {
	switch a {
	case Mean:
		return "mean"
	case Median:
		return "median"
	case None:
		return "none"
	}
	return fmt.Sprintf("Averaging(%d)", int(a))
}

// ParseAveraging converts a flag or wire value to an Averaging.
func ParseAveraging(s string) (Averaging, error) {
	switch s {
	case "mean", "":
		return Mean, nil
	case "median":
		return Median, nil
	case "none":
		return None, nil
	}
	return Mean, fmt.Errorf("sweep: unknown averaging %q", s)
}

// Plan describes one sweep. A validated Plan is immutable; the same
// Plan can back any number of sessions.
type Plan struct {
	// Points are the target angles in the operator convention, in
	// execution order. Duplicate adjacent angles are measured as two
	// separate points, each with a fresh move.
	Points []angle.User

	// SettleTimeout bounds the wait for motion complete at each point.
	// Zero means DefaultSettleTimeout.
	SettleTimeout time.Duration

	// SettleTime is an extra dwell after the controller reports motion
	// complete, before sampling starts.
	SettleTime time.Duration

	// SamplesPerPoint is the number of samples acquired at each point.
	SamplesPerPoint int

	// SampleRate is the acquisition rate in Hz.
	SampleRate float64

	// Channel is the analog input channel to sample.
	Channel int

	// Averaging reduces each point's samples to its value.
	Averaging Averaging

	// ContinueOnFault keeps the sweep going past point-local faults.
	// Fatal faults end the session regardless.
	ContinueOnFault bool

	// HomeFirst runs a home search before the first point, when the
	// controller supports one.
	HomeFirst bool
}

// Validate rejects plans that could never run. Runtime device rejections
// are reported as faults instead.
func (p Plan) Validate() error {
	if len(p.Points) == 0 {
		return errors.New("sweep: plan has no points")
	}
	if p.SamplesPerPoint < 1 {
		return fmt.Errorf("sweep: samples per point must be at least 1, got %d", p.SamplesPerPoint)
	}
	if !(p.SampleRate > 0) {
		return fmt.Errorf("sweep: sample rate must be positive, got %g", p.SampleRate)
	}
	if p.SettleTime < 0 {
		return fmt.Errorf("sweep: negative settle time %s", p.SettleTime)
	}
	if p.SettleTimeout < 0 {
		return fmt.Errorf("sweep: negative settle timeout %s", p.SettleTimeout)
	}
	if p.Channel < 0 {
		return fmt.Errorf("sweep: negative channel %d", p.Channel)
	}
	switch p.Averaging {
	case Mean, Median, None:
	default:
		return fmt.Errorf("sweep: unknown averaging %d", p.Averaging)
	}
	return nil
}

// normalized returns a copy with defaults filled in.
func (p Plan) normalized() Plan {
	if p.SettleTimeout == 0 {
		p.SettleTimeout = DefaultSettleTimeout
	}
	return p
}

// PointsBetween returns the angles from start to end in increments of
// step, in the operator convention. The end angle is included whenever
// it lands within a tenth of a step of the grid, so a 0..90 sweep in
// steps of 1 yields 91 points. A step of zero or less yields nil.
func PointsBetween(start, end, step float64) []angle.User {
	if step <= 0 {
		return nil
	}
	n := int(math.Ceil((end - start + step/10) / step))
	if n < 0 {
		n = 0
	}
	points := make([]angle.User, 0, n)
	for i := 0; i < n; i++ {
		points = append(points, angle.User(start+float64(i)*step))
	}
	return points
}
