// Package stage defines the motion side of the instrument: the
// capability set the sweep engine needs from a rotary stage, plus the
// status snapshot concrete controllers publish. Implementations live in
// subpackages (stage/esp300); the engine only ever sees device-frame
// angles.
package stage

import (
	"context"
	"time"

	"github.com/mbiselx/reflectance-measure/angle"
)

// Controller is a single rotary axis. Implementations must tolerate the
// sweep worker calling MoveTo / WaitSettled / Position sequentially
// while Stop arrives concurrently from another goroutine.
type Controller interface {
	// MoveTo commands an absolute move in the device frame and returns
	// without waiting for motion to finish. Targets outside the travel
	// range fail with a limit fault before anything is written to the
	// transport.
	MoveTo(target angle.Device) error

	// Settled reports whether the last commanded motion has completed.
	Settled() (bool, error)

	// WaitSettled blocks until the axis reports motion complete, the
	// timeout elapses (a timeout fault), or ctx is canceled.
	WaitSettled(ctx context.Context, timeout time.Duration) error

	// Position reads back the current device-frame angle.
	Position() (angle.Device, error)

	// Stop halts motion immediately. It is idempotent and callable at
	// any time, including while WaitSettled is blocked.
	Stop() error
}

// Enabler is implemented by controllers whose motor drive can be
// switched off. The sweep engine powers the drive up before moving.
type Enabler interface {
	Enabled() (bool, error)
	Enable(on bool) error
}

// Homer is implemented by controllers that support a home search.
type Homer interface {
	// Home starts a home search and waits for it to finish.
	Home(ctx context.Context, timeout time.Duration) error
}

// TravelRange bounds the device-frame angles a controller accepts.
type TravelRange struct {
	Min, Max angle.Device
}

// Contains reports whether a lies inside the range, inclusive.
func (r TravelRange) Contains(a angle.Device) bool {
	return a >= r.Min && a <= r.Max
}

// Status is a snapshot of a controller, published to observers whenever
// something changes.
type Status struct {
	Connected bool `json:"connected"`
	// Position is the device-frame angle in degrees.
	Position float64 `json:"position"`
	Moving   bool    `json:"moving"`
	Enabled  bool    `json:"enabled"`
	// ErrorCode and ErrorMessage hold the controller's last reported
	// error, when it exposes one.
	ErrorCode    int    `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// StatusCallback receives status snapshots. Callbacks must not block;
// they are invoked from the controller's polling goroutine.
type StatusCallback func(status Status)
