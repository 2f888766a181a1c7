// trajectory.go
package schedule

import "math"

// DetectConflict is the external geometric/temporal collision
// collaborator described only via its interface in the spec (§1): given
// two participants' profiles and trajectories on a shared map, report
// whether they collide. Production deployments are expected to swap in
// the real trajectory/collision library; Between below is the reference
// implementation used when none is configured.
type DetectConflict interface {
	Between(profileA Profile, trajA Trajectory, profileB Profile, trajB Trajectory) (bool, error)
}

// defaultCollisionChecker implements DetectConflict with a simple
// swept-footprint predicate: two trajectories collide if any pair of
// waypoints close in time (within timeTolerance) are also closer than
// the sum of the two participants' footprint radii. It is intentionally
// the simplest predicate satisfying the interface contract; see
// DESIGN.md for why no pack library grounds a richer one.
type defaultCollisionChecker struct {
	timeTolerance float64 // seconds
}

// NewDefaultCollisionChecker returns the reference DetectConflict
// implementation.
func NewDefaultCollisionChecker() DetectConflict {
	return &defaultCollisionChecker{timeTolerance: 1.0}
}

func (c *defaultCollisionChecker) Between(profileA Profile, trajA Trajectory, profileB Profile, trajB Trajectory) (bool, error) {
	threshold := profileA.Footprint + profileB.Footprint
	if threshold <= 0 {
		threshold = 1.0
	}
	for _, wa := range trajA.Waypoints {
		for _, wb := range trajB.Waypoints {
			dt := wa.T.Sub(wb.T).Seconds()
			if math.Abs(dt) > c.timeTolerance {
				continue
			}
			dx := wa.X - wb.X
			dy := wa.Y - wb.Y
			dist := math.Hypot(dx, dy)
			if dist <= threshold {
				return true, nil
			}
		}
	}
	return false, nil
}
