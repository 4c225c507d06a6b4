package drive

import (
	"math"

	"github.com/cjeanneret/DriveGo/internal/debug"
	"github.com/cjeanneret/DriveGo/internal/hw/controller"
)

// MixResult is a pair of normalized side speeds; the sign is the direction.
type MixResult struct {
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
}

// ShapeInput turns a controller snapshot into mixer inputs:
// y = left.y³ (throttle), x = right.x³ / 2 (turn).
// Cubing keeps the sign and gives fine control near center; halving x makes
// turning less sensitive than throttle.
func ShapeInput(s controller.State) (x, y float64) {
	y = math.Pow(s.Joysticks.Left.Y, 3)
	x = math.Pow(s.Joysticks.Right.X, 3) / 2
	return x, y
}

// Mix converts turn (x) and throttle (y) into left/right speeds, one formula
// per quadrant.
func Mix(x, y float64) MixResult {
	peak := math.Max(math.Abs(x), math.Abs(y))
	switch {
	case x >= 0 && y >= 0:
		return MixResult{Left: peak, Right: y - x}
	case x >= 0:
		return MixResult{Left: x + y, Right: -peak}
	case y >= 0:
		return MixResult{Left: x + y, Right: peak}
	default:
		return MixResult{Left: -peak, Right: math.Abs(x) - math.Abs(y)}
	}
}

// ArcadeDrive polls c once, mixes the sticks and applies the result:
// the left motor gets -left, the right motor gets right.
// A failure on the left motor skips the right motor for this call.
func (d *Drivebase) ArcadeDrive(c controller.Controller) (MixResult, error) {
	x, y := ShapeInput(c.State())
	mix := Mix(x, y)
	debug.Mix(x, y, mix.Left, mix.Right)

	if err := d.left.SetOutput(-mix.Left); err != nil {
		return mix, err
	}
	if err := d.right.SetOutput(mix.Right); err != nil {
		return mix, err
	}
	return mix, nil
}
