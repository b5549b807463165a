// Package angle keeps the two angle conventions of the instrument apart.
//
// Operators and stored results use the optical convention, where the
// angle of incidence grows positive as the arm swings up. The rotary
// stage is mounted mirror-image to that, so the motion controller sees
// every angle negated. All conversions between the two frames go
// through this package; nothing else in the tree is allowed to flip a
// sign.
package angle

import "fmt"

// User is an angle in degrees in the operator's optical convention.
type User float64

// Device is an angle in degrees in the motion controller's native frame.
type Device float64

// Device converts to the controller frame.
func (u User) Device() Device { return Device(-u) }

// User converts back to the optical convention.
func (d Device) User() User { return User(-d) }

// Degrees returns the angle as a bare float64.
func (u User) Degrees() float64 { return float64(u) }

// Degrees returns the angle as a bare float64.
func (d Device) Degrees() float64 { return float64(d) }

func (u User) String() string { return fmt.Sprintf("%.4f°", float64(u)) }

func (d Device) String() string { return fmt.Sprintf("%.4f°(dev)", float64(d)) }
