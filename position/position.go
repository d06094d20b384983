// Package position holds the pointing model shared by every part of the
// controller: positions, configured motion limits and angle arithmetic.
package position

import (
	"fmt"
	"math"
	"time"
)

// Position is an antenna pointing direction in decimal degrees.
type Position struct {
	Azimuth   float64   `json:"azimuth"`
	Elevation float64   `json:"elevation"`
	Time      time.Time `json:"time"`
}

func (p Position) String() string {
	return fmt.Sprintf("az=%.2f el=%.2f", p.Azimuth, p.Elevation)
}

// Limits are the configured motion bounds. They are loaded once and passed
// by value.
type Limits struct {
	AzMin float64 `yaml:"az_min" json:"az_min"`
	AzMax float64 `yaml:"az_max" json:"az_max"`
	ElMin float64 `yaml:"el_min" json:"el_min"`
	ElMax float64 `yaml:"el_max" json:"el_max"`
	// MaxSlewRate is in degrees/second.
	MaxSlewRate float64 `yaml:"max_slew_rate" json:"max_slew_rate"`
}

// DefaultLimits matches a typical az/el satellite rotator.
func DefaultLimits() Limits {
	return Limits{AzMin: 0, AzMax: 360, ElMin: 0, ElMax: 90, MaxSlewRate: 5}
}

// Check reports whether the limits themselves are usable.
func (l Limits) Check() error {
	switch {
	case l.AzMin < 0 || l.AzMax > 360 || l.AzMin >= l.AzMax:
		return fmt.Errorf("invalid azimuth limits [%v, %v]", l.AzMin, l.AzMax)
	case l.ElMin < -90 || l.ElMax > 180 || l.ElMin >= l.ElMax:
		return fmt.Errorf("invalid elevation limits [%v, %v]", l.ElMin, l.ElMax)
	case l.MaxSlewRate <= 0:
		return fmt.Errorf("invalid max slew rate %v", l.MaxSlewRate)
	}
	return nil
}

// LimitViolation is returned for targets outside the configured bounds.
type LimitViolation struct {
	Axis     string
	Value    float64
	Min, Max float64
}

func (e *LimitViolation) Error() string {
	return fmt.Sprintf("%s %.2f outside limits [%.2f, %.2f]", e.Axis, e.Value, e.Min, e.Max)
}

// Validate returns target unchanged if it lies within the limits. Targets
// outside are rejected, never clamped, so the caller can report why.
func (l Limits) Validate(target Position) (Position, error) {
	if math.IsNaN(target.Azimuth) || target.Azimuth < l.AzMin || target.Azimuth > l.AzMax {
		return Position{}, &LimitViolation{Axis: "azimuth", Value: target.Azimuth, Min: l.AzMin, Max: l.AzMax}
	}
	if math.IsNaN(target.Elevation) || target.Elevation < l.ElMin || target.Elevation > l.ElMax {
		return Position{}, &LimitViolation{Axis: "elevation", Value: target.Elevation, Min: l.ElMin, Max: l.ElMax}
	}
	return target, nil
}

func (l Limits) fullAzimuth() bool {
	return l.AzMin <= 0 && l.AzMax >= 360
}

// Exceeds reports whether a measured position is outside the limits by more
// than tol degrees on either axis.
func (l Limits) Exceeds(p Position, tol float64) bool {
	if p.Elevation < l.ElMin-tol || p.Elevation > l.ElMax+tol {
		return true
	}
	if l.fullAzimuth() {
		return false
	}
	az := NormalizeAzimuth(p.Azimuth)
	return az < l.AzMin-tol || az > l.AzMax+tol
}

// Clamp pulls a raw hardware reading into the limits. The second return
// value is true if the reading had to be changed.
func (l Limits) Clamp(p Position) (Position, bool) {
	out := p
	out.Azimuth = NormalizeAzimuth(p.Azimuth)
	if !l.fullAzimuth() {
		out.Azimuth = clamp(out.Azimuth, l.AzMin, l.AzMax)
	}
	out.Elevation = clamp(p.Elevation, l.ElMin, l.ElMax)
	return out, out.Azimuth != p.Azimuth || out.Elevation != p.Elevation
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// NormalizeAzimuth maps any angle into [0, 360).
func NormalizeAzimuth(angle float64) float64 {
	angle = math.Mod(angle, 360)
	if angle < 0 {
		angle += 360
	}
	return angle
}

// Distance returns the separation between a and b. Azimuth takes the
// shorter way around the circle; elevation is a plain difference.
func Distance(a, b Position) (az, el float64) {
	az = math.Abs(math.Remainder(b.Azimuth-a.Azimuth, 360))
	el = math.Abs(b.Elevation - a.Elevation)
	return az, el
}

// Reached reports whether measured is within tol degrees of target on both axes.
func Reached(measured, target Position, tol float64) bool {
	az, el := Distance(measured, target)
	return az <= tol && el <= tol
}

// SlewTime estimates how long a move from a to b takes when both axes slew
// concurrently at rate degrees/second.
func SlewTime(a, b Position, rate float64) time.Duration {
	if rate <= 0 {
		return 0
	}
	az, el := Distance(a, b)
	return time.Duration(math.Max(az, el) / rate * float64(time.Second))
}
