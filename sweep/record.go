package sweep

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbiselx/reflectance-measure/device"
)

// RecordStatus describes how much of a point's measurement succeeded.
type RecordStatus int

const (
	// StatusOK means the point moved, settled, and sampled cleanly.
	StatusOK RecordStatus = iota
	// StatusDegraded means the samples are valid but the position
	// readback failed, so the confirmed device angle is missing.
	StatusDegraded
	// StatusFailed means a fault prevented sampling at this point.
	StatusFailed
)

func (s RecordStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDegraded:
		return "degraded"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("RecordStatus(%d)", int(s))
}

// MarshalJSON encodes the status by name.
func (s RecordStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *RecordStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "ok":
		*s = StatusOK
	case "degraded":
		*s = StatusDegraded
	case "failed":
		*s = StatusFailed
	default:
		return fmt.Errorf("sweep: unknown record status %q", name)
	}
	return nil
}

// Record is the outcome of one sweep point. Records are immutable once
// emitted.
type Record struct {
	// Index is the point's position in the plan.
	Index int `json:"index"`
	// Angle is the target angle in the operator convention, degrees.
	Angle float64 `json:"angle"`
	// DeviceAngle is the controller's confirmed readback in the device
	// frame, degrees. It is zero when the readback failed or was skipped;
	// Status tells the two apart.
	DeviceAngle float64 `json:"device_angle"`
	// Samples are the raw voltages in temporal order, nil for failed
	// points.
	Samples []float64 `json:"samples,omitempty"`
	// Value is the samples reduced by the plan's averaging policy.
	Value float64 `json:"value"`
	// Time is when the measurement finished.
	Time time.Time `json:"time"`

	Status RecordStatus `json:"status"`
	// Fault explains any status other than StatusOK.
	Fault *device.Fault `json:"fault,omitempty"`
}
