// Package spatialmath holds the cartesian pose type used for discrete moves.
package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/omnicore/utils"
)

// Pose is a tool center point target. Point is in millimeters in the robot base frame and
// Orientation is a unit quaternion.
type Pose struct {
	Point       r3.Vector
	Orientation quat.Number
}

// NewZeroPose returns a pose at the origin with no rotation.
func NewZeroPose() Pose {
	return Pose{Orientation: quat.Number{Real: 1}}
}

// NewPose returns a pose with a normalized orientation. A zero quaternion is treated as no
// rotation.
func NewPose(point r3.Vector, orientation quat.Number) Pose {
	return Pose{Point: point, Orientation: Normalize(orientation)}
}

// NewPoseFromEulerDegrees builds a pose from roll, pitch and yaw in degrees, applied in the
// intrinsic z-y'-x'' order.
func NewPoseFromEulerDegrees(point r3.Vector, roll, pitch, yaw float64) Pose {
	return Pose{Point: point, Orientation: EulerToQuat(
		utils.DegToRad(roll), utils.DegToRad(pitch), utils.DegToRad(yaw),
	)}
}

func (p Pose) String() string {
	return fmt.Sprintf("{X:%.3f Y:%.3f Z:%.3f Q:[%.6f %.6f %.6f %.6f]}",
		p.Point.X, p.Point.Y, p.Point.Z,
		p.Orientation.Real, p.Orientation.Imag, p.Orientation.Jmag, p.Orientation.Kmag)
}

// Validate checks that every component of the pose is a finite number.
func (p Pose) Validate() error {
	for _, v := range []float64{
		p.Point.X, p.Point.Y, p.Point.Z,
		p.Orientation.Real, p.Orientation.Imag, p.Orientation.Jmag, p.Orientation.Kmag,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("pose %v has a non-finite component", p)
		}
	}
	return nil
}

// AlmostEqual reports whether two poses are within epsilon millimeters and represent nearly the
// same rotation.
func (p Pose) AlmostEqual(o Pose, epsilon float64) bool {
	return p.Point.Sub(o.Point).Norm() <= epsilon &&
		QuaternionAlmostEqual(p.Orientation, o.Orientation, 1e-5)
}
