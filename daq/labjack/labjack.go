// Package labjack drives a LabJack T-series DAQ over its Modbus TCP
// register map. Analog inputs are float32 values at input register
// 2*channel; the matching range registers sit at 40000+2*channel.
package labjack

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mbiselx/reflectance-measure/daq"
	"github.com/mbiselx/reflectance-measure/device"
	"github.com/mbiselx/reflectance-measure/internal/modbus"
)

const (
	// rangeBase is the register address of AIN0_RANGE.
	rangeBase = 40000
	// defaultRange is the widest input range the device offers, in volts.
	defaultRange = 10.0
)

type Config struct {
	// Address is the Modbus TCP endpoint, usually host:502.
	Address string
	// UnitID for the Modbus header. LabJacks answer on 1.
	UnitID byte
	// Range is the input range magnitude in volts (10, 1, 0.1 or 0.01).
	// Zero selects the +-10V default.
	Range float64
	// MaxSampleRate caps the rates Configure accepts, in Hz. Command and
	// response round trips bound what polling the AIN register can
	// sustain. Defaults to 1000.
	MaxSampleRate float64
	// Grace is added to the nominal acquisition duration before Acquire
	// declares a timeout. Defaults to 1s.
	Grace time.Duration
	// StatusInterval paces the background status poll. Defaults to 1s.
	StatusInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.UnitID == 0 {
		c.UnitID = 1
	}
	if c.Range == 0 {
		c.Range = defaultRange
	}
	if c.MaxSampleRate == 0 {
		c.MaxSampleRate = 1000
	}
	if c.Grace <= 0 {
		c.Grace = time.Second
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = time.Second
	}
	return c
}

// DAQ implements daq.Acquirer on a LabJack T-series device.
type DAQ struct {
	cfg Config
	cb  daq.StatusCallback
	bus *modbus.Client

	mu    sync.Mutex
	conf  daq.Config
	abort chan struct{}
}

// Connect dials the device and starts the background status poll. The
// returned DAQ is ready to Configure; the connection is kept alive until
// ctx is canceled.
func Connect(ctx context.Context, cfg Config, cb daq.StatusCallback) (*DAQ, error) {
	d := &DAQ{cfg: cfg.withDefaults(), cb: cb}
	d.bus = &modbus.Client{
		Address:      d.cfg.Address,
		SlaveID:      d.cfg.UnitID,
		Poll:         d.pollOnce,
		PollInterval: d.cfg.StatusInterval,
	}
	if err := d.bus.Connect(ctx); err != nil {
		return nil, fmt.Errorf("labjack: %w", err)
	}
	return d, nil
}

// Configure applies a sampling session. Rates beyond MaxSampleRate are
// rejected with a fatal fault; range register writes that fail are comm
// faults.
func (d *DAQ) Configure(conf daq.Config) error {
	if err := conf.Validate(); err != nil {
		return device.Wrap(device.Acquisition, device.Unknown, "invalid acquisition config", err)
	}
	if conf.SampleRate > d.cfg.MaxSampleRate {
		return device.New(device.Acquisition, device.Unknown,
			fmt.Sprintf("sample rate %g Hz exceeds device limit %g Hz", conf.SampleRate, d.cfg.MaxSampleRate))
	}
	if err := d.writeRange(conf.Channel, d.cfg.Range); err != nil {
		return device.Wrap(device.Acquisition, device.CommError,
			fmt.Sprintf("setting channel %d range", conf.Channel), err)
	}

	d.mu.Lock()
	d.conf = conf
	d.mu.Unlock()
	return nil
}

// Acquire reads SampleCount samples at SampleRate from the configured
// channel. The register map has no buffered streaming, so samples are
// individual paced reads; a deadline of Duration plus Grace bounds the
// whole acquisition.
func (d *DAQ) Acquire(ctx context.Context) ([]float64, error) {
	d.mu.Lock()
	conf := d.conf
	abort := make(chan struct{})
	d.abort = abort
	d.mu.Unlock()

	if conf.SampleCount == 0 {
		return nil, device.New(device.Acquisition, device.Unknown, "acquire before configure")
	}

	period := time.Duration(float64(time.Second) / conf.SampleRate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	deadline := time.NewTimer(conf.Duration() + d.cfg.Grace)
	defer deadline.Stop()

	samples := make([]float64, 0, conf.SampleCount)
	for len(samples) < conf.SampleCount {
		select {
		case <-ctx.Done():
			return nil, daq.ErrAborted
		case <-abort:
			return nil, daq.ErrAborted
		case <-deadline.C:
			return nil, device.New(device.Acquisition, device.Timeout,
				fmt.Sprintf("collected %d of %d samples within %s",
					len(samples), conf.SampleCount, conf.Duration()+d.cfg.Grace))
		case <-ticker.C:
		}

		v, err := d.readAIN(conf.Channel)
		if err != nil {
			return nil, device.Wrap(device.Acquisition, device.CommError,
				fmt.Sprintf("reading AIN%d", conf.Channel), err)
		}
		samples = append(samples, v)
	}
	return samples, nil
}

// Abort cancels an in-flight Acquire. Safe to call at any time, from any
// goroutine.
func (d *DAQ) Abort() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.abort == nil {
		return nil
	}
	select {
	case <-d.abort:
	default:
		close(d.abort)
	}
	return nil
}

func (d *DAQ) readAIN(channel int) (float64, error) {
	raw, err := d.bus.ReadInputRegisters(uint16(2*channel), 2)
	if err != nil {
		return 0, err
	}
	if len(raw) < 4 {
		return 0, fmt.Errorf("short register read: %d bytes", len(raw))
	}
	return float64(math.Float32frombits(binary.BigEndian.Uint32(raw))), nil
}

func (d *DAQ) writeRange(channel int, volts float64) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(float32(volts)))
	_, err := d.bus.WriteMultipleRegisters(uint16(rangeBase+2*channel), 2, buf)
	return err
}

// pollOnce feeds the status callback and doubles as the connection
// keepalive: a failed read tears the link down for a reconnect.
func (d *DAQ) pollOnce() error {
	d.mu.Lock()
	channel := d.conf.Channel
	d.mu.Unlock()

	v, err := d.readAIN(channel)
	if err != nil {
		d.notify(daq.Status{Connected: false})
		return err
	}
	d.notify(daq.Status{Connected: true, LastValue: v})
	return nil
}

func (d *DAQ) notify(status daq.Status) {
	if d.cb != nil {
		d.cb(status)
	}
}
