// Package device defines the fault taxonomy shared by the motion and
// acquisition ports. The sweep engine decides between retrying a point
// and abandoning a session purely on the Source and Kind of a Fault.
package device

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Source identifies which port raised a fault.
type Source int

const (
	Motion Source = iota
	Acquisition
)

func (s Source) String() string {
	switch s {
	case Motion:
		return "motion"
	case Acquisition:
		return "acquisition"
	}
	return fmt.Sprintf("Source(%d)", int(s))
}

// MarshalJSON encodes the source by name.
func (s Source) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Source) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "motion":
		*s = Motion
	case "acquisition":
		*s = Acquisition
	default:
		return fmt.Errorf("device: unknown fault source %q", name)
	}
	return nil
}

// Kind classifies a fault.
type Kind int

const (
	// Timeout means the device did not finish within its bound. Timeouts
	// are local to the point being measured.
	Timeout Kind = iota
	// Limit means a commanded angle is outside the configured travel
	// range. Limit faults are raised before anything is written to the
	// transport.
	Limit
	// CommError means the connection to the device failed or the
	// protocol broke down. The device state is no longer trustworthy.
	CommError
	// Unknown is a driver-reported failure with no further
	// classification.
	Unknown
)

func (k Kind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case Limit:
		return "limit"
	case CommError:
		return "comm_error"
	case Unknown:
		return "unknown"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalJSON encodes the kind by name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "timeout":
		*k = Timeout
	case "limit":
		*k = Limit
	case "comm_error":
		*k = CommError
	case "unknown":
		*k = Unknown
	default:
		return fmt.Errorf("device: unknown fault kind %q", name)
	}
	return nil
}

// Fault describes a device failure with enough context to decide
// whether the rest of a sweep is still worth running.
type Fault struct {
	Source Source `json:"source"`
	Kind   Kind   `json:"kind"`
	// Detail is a human-readable description of what was being attempted.
	Detail string `json:"detail"`
	// Err is the underlying driver error, if any.
	Err error `json:"-"`
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", f.Source, f.Kind, f.Detail, f.Err)
	}
	return fmt.Sprintf("%s %s: %s", f.Source, f.Kind, f.Detail)
}

func (f *Fault) Unwrap() error { return f.Err }

// Fatal reports whether the fault invalidates the rest of the sweep.
// Timeouts are point-local. A Limit means the plan itself is wrong and
// a CommError means the device can no longer be trusted, so neither is
// worth retrying; Unknown failures are treated the same way.
func (f *Fault) Fatal() bool {
	return f.Kind != Timeout
}

// New returns a fault with no underlying error.
func New(src Source, kind Kind, detail string) *Fault {
	return &Fault{Source: src, Kind: kind, Detail: detail}
}

// Wrap returns a fault carrying an underlying driver error.
func Wrap(src Source, kind Kind, detail string, err error) *Fault {
	return &Fault{Source: src, Kind: kind, Detail: detail, Err: err}
}

// As extracts a Fault from err's chain.
func As(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
