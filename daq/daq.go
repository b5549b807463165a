// Package daq defines the acquisition side of the instrument: the
// capability set the sweep engine needs from a data-acquisition device.
// Implementations live in subpackages (daq/labjack).
package daq

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAborted is returned by Acquire when Abort cancels it; the partial
// sample buffer is discarded.
var ErrAborted = errors.New("daq: acquisition aborted")

// Config describes one sampling session on an analog input.
type Config struct {
	// Channel is the analog input channel index, counted from zero.
	Channel int
	// SampleRate is the sampling rate in Hz.
	SampleRate float64
	// SampleCount is the number of samples per acquisition.
	SampleCount int
}

// Validate checks the bounds every device shares. Devices may reject a
// valid Config for reasons of their own, such as a rate beyond their
// capability.
func (c Config) Validate() error {
	if c.Channel < 0 {
		return fmt.Errorf("daq: negative channel %d", c.Channel)
	}
	if !(c.SampleRate > 0) {
		return fmt.Errorf("daq: sample rate must be positive, got %g", c.SampleRate)
	}
	if c.SampleCount < 1 {
		return fmt.Errorf("daq: sample count must be at least 1, got %d", c.SampleCount)
	}
	return nil
}

// Duration is the nominal time the acquisition takes at the configured
// rate. Devices add their own grace period on top before declaring a
// timeout.
func (c Config) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(c.SampleCount) / c.SampleRate * float64(time.Second))
}

// Acquirer is a data-acquisition device.
type Acquirer interface {
	// Configure validates and applies a sampling session. It must be
	// called before the first Acquire; the session stays in effect until
	// the next Configure.
	Configure(cfg Config) error

	// Acquire performs one synchronous acquisition of exactly
	// Config.SampleCount samples, in temporal order. It fails with a
	// timeout fault when samples do not arrive within Duration plus the
	// device's grace period, with a comm fault when the device drops,
	// and with ErrAborted when Abort interrupts it.
	Acquire(ctx context.Context) ([]float64, error)

	// Abort cancels an in-flight acquisition. It is idempotent and a
	// no-op when nothing is in flight.
	Abort() error
}

// Status is a snapshot of an acquisition device.
type Status struct {
	Connected bool `json:"connected"`
	// LastValue is the most recent voltage reading, in volts.
	LastValue float64 `json:"last_value"`
}

// StatusCallback receives status snapshots. Callbacks must not block.
type StatusCallback func(status Status)
