package spatialmath

import (
	"math"

	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/omnicore/utils"
)

// Normalize scales q to unit length. The zero quaternion becomes the identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n < 1e-12 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// Norm returns the norm of the quaternion, i.e. the sqrt of the squares of the imaginary parts.
func Norm(q quat.Number) float64 {
	return math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
}

// Flip will multiply a quaternion by -1, returning a quaternion representing the same orientation
// but in the opposing octant.
func Flip(q quat.Number) quat.Number {
	return quat.Number{Real: -q.Real, Imag: -q.Imag, Jmag: -q.Jmag, Kmag: -q.Kmag}
}

// QuaternionAlmostEqual is an equality test for unit quaternions. q and -q compare equal.
func QuaternionAlmostEqual(a, b quat.Number, tol float64) bool {
	near := func(x, y quat.Number) bool {
		return utils.Float64AlmostEqual(x.Real, y.Real, tol) &&
			utils.Float64AlmostEqual(x.Imag, y.Imag, tol) &&
			utils.Float64AlmostEqual(x.Jmag, y.Jmag, tol) &&
			utils.Float64AlmostEqual(x.Kmag, y.Kmag, tol)
	}
	return near(a, b) || near(a, Flip(b))
}

// EulerToQuat converts roll, pitch and yaw in radians to a unit quaternion.
func EulerToQuat(roll, pitch, yaw float64) quat.Number {
	cr, sr := math.Cos(roll/2), math.Sin(roll/2)
	cp, sp := math.Cos(pitch/2), math.Sin(pitch/2)
	cy, sy := math.Cos(yaw/2), math.Sin(yaw/2)
	return quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	}
}

// QuatToEuler converts a rotation unit quaternion to roll, pitch and yaw in radians.
// Euler angles are terrible, don't use them.
func QuatToEuler(q quat.Number) (roll, pitch, yaw float64) {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	roll = math.Atan2(2*(w*x+y*z), 1-2*(x*x+y*y))
	pitch = math.Asin(utils.Clamp(2*(w*y-x*z), -1, 1))
	yaw = math.Atan2(2*(w*z+y*x), 1-2*(y*y+z*z))
	return roll, pitch, yaw
}
