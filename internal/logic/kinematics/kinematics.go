package kinematics

import (
	"fmt"
	"math"
)

// DistanceToDegrees returns the rotation, in degrees, a wheel of the given
// circumference must turn to travel distance (same unit as circumference).
// Formula: degrees = distance / circumference × 360
//
// circumference must be non-zero.
func DistanceToDegrees(distance, circumference float64) float64 {
	return distance / circumference * 360.0
}

// TurnAngleToDegrees returns the wheel rotation, in degrees, needed for the
// chassis to rotate in place by turnDegrees.
// Each wheel travels an arc on the circle whose diameter is the axle track:
//
//	arc     = π × axleTrack / (360 / turnDegrees)
//	degrees = arc / circumference × 360
//
// turnDegrees must be non-zero: 360/0 is +Inf and the result collapses to 0.
func TurnAngleToDegrees(turnDegrees, axleTrack, circumference float64) float64 {
	arc := math.Pi * axleTrack / (360.0 / turnDegrees)
	return DistanceToDegrees(arc, circumference)
}

// CircumferenceFromDiameter returns π × diameter.
func CircumferenceFromDiameter(diameter float64) float64 {
	return math.Pi * diameter
}

// StepsFromDegrees converts a motor shaft angle to stepper microsteps.
func StepsFromDegrees(degrees float64, stepsPerRev, microstepping int) int {
	microstepsPerRev := float64(stepsPerRev * microstepping)
	return int(degrees * microstepsPerRev / 360.0)
}

// Geometry holds the physical constants of a differential-drive chassis.
type Geometry struct {
	WheelCircumferenceMm float64
	AxleTrackMm          float64
	GearRatio            float64 // stored for reference; not applied by the conversions
}

// NewGeometry validates the constants: circumference > 0, axle track > 0.
func NewGeometry(circumferenceMm, axleTrackMm, gearRatio float64) (Geometry, error) {
	if !(circumferenceMm > 0) || math.IsInf(circumferenceMm, 0) {
		return Geometry{}, fmt.Errorf("wheel circumference must be > 0, got %g", circumferenceMm)
	}
	if !(axleTrackMm > 0) || math.IsInf(axleTrackMm, 0) {
		return Geometry{}, fmt.Errorf("axle track must be > 0, got %g", axleTrackMm)
	}
	return Geometry{
		WheelCircumferenceMm: circumferenceMm,
		AxleTrackMm:          axleTrackMm,
		GearRatio:            gearRatio,
	}, nil
}

// DistanceDegrees converts a straight-line distance (mm) to wheel degrees.
func (g Geometry) DistanceDegrees(distanceMm float64) float64 {
	return DistanceToDegrees(distanceMm, g.WheelCircumferenceMm)
}

// TurnDegrees converts an in-place chassis rotation to wheel degrees.
// turn must be non-zero.
func (g Geometry) TurnDegrees(turn float64) float64 {
	return TurnAngleToDegrees(turn, g.AxleTrackMm, g.WheelCircumferenceMm)
}
