// Package limits saturates joint commands against static joint limits.
//
// Commands are never rejected: every output is in bounds. Effort limits are carried by
// referenceframe.Joint but not enforced here, since the streaming backend only accepts position
// and velocity references.
package limits

import (
	"math"
	"time"

	"go.viam.com/omnicore/referenceframe"
	"go.viam.com/omnicore/utils"
)

// Command is a position/velocity reference for one joint.
type Command struct {
	Position float64
	Velocity float64
}

// Enforcer clamps command vectors for a fixed joint table. It holds no mutable state and is safe
// for concurrent use.
type Enforcer struct {
	joints []referenceframe.Joint
}

// NewEnforcer returns an Enforcer for joints. The slice is copied.
func NewEnforcer(joints []referenceframe.Joint) *Enforcer {
	return &Enforcer{joints: append([]referenceframe.Joint(nil), joints...)}
}

// Enforce clamps cmds into dst and returns dst resized to the joint count. dst may alias cmds.
//
// reference holds the last dispatched position per joint. With a finite reference the position
// command is limited to the window reachable from it within elapsed at the joint's velocity
// limit, intersected with the position bounds. When the window and the bounds do not overlap the
// bounds win. A NaN reference disables the velocity window for that joint; a NaN command holds
// the reference. Missing trailing commands are treated as NaN.
func (e *Enforcer) Enforce(dst, cmds []Command, reference []float64, elapsed time.Duration) []Command {
	n := len(e.joints)
	if cap(dst) < n {
		dst = make([]Command, n)
	}
	dst = dst[:n]

	dt := elapsed.Seconds()
	if dt < 0 || math.IsNaN(dt) {
		dt = 0
	}
	for i := range e.joints {
		j := &e.joints[i]
		in := Command{Position: math.NaN(), Velocity: math.NaN()}
		if i < len(cmds) {
			in = cmds[i]
		}
		ref := math.NaN()
		if i < len(reference) {
			ref = reference[i]
		}
		dst[i] = Command{
			Position: e.position(j, in.Position, ref, dt),
			Velocity: velocity(j, in.Velocity),
		}
	}
	return dst
}

func (e *Enforcer) position(j *referenceframe.Joint, cmd, ref, dt float64) float64 {
	lo, hi := math.Inf(-1), math.Inf(1)
	if j.HasPositionLimits {
		lo, hi = j.Min, j.Max
	}
	finiteRef := !math.IsNaN(ref) && !math.IsInf(ref, 0)

	if math.IsNaN(cmd) || math.IsInf(cmd, 0) && !j.HasPositionLimits {
		if !finiteRef {
			// nothing sane to hold; park at the bound nearest zero
			return utils.Clamp(0, lo, hi)
		}
		cmd = ref
	}

	if finiteRef && j.HasVelocityLimits {
		step := j.MaxVelocity * dt
		wlo, whi := math.Max(lo, ref-step), math.Min(hi, ref+step)
		if wlo <= whi {
			lo, hi = wlo, whi
		} else if ref < lo {
			// reference below the lower bound: only the bound itself is both safe and closest
			hi = lo
		} else {
			lo = hi
		}
	}
	return utils.Clamp(cmd, lo, hi)
}

func velocity(j *referenceframe.Joint, cmd float64) float64 {
	if math.IsNaN(cmd) {
		return 0
	}
	if !j.HasVelocityLimits {
		return cmd
	}
	return utils.Clamp(cmd, -j.MaxVelocity, j.MaxVelocity)
}

// Within reports whether c respects the position bounds of joint i and, given a finite
// reference, the velocity limit over elapsed. tol absorbs floating point error.
func (e *Enforcer) Within(i int, c Command, ref float64, elapsed time.Duration, tol float64) bool {
	j := e.joints[i]
	if j.HasPositionLimits && (c.Position < j.Min-tol || c.Position > j.Max+tol) {
		return false
	}
	if !j.HasVelocityLimits {
		return true
	}
	if math.Abs(c.Velocity) > j.MaxVelocity+tol {
		return false
	}
	if math.IsNaN(ref) || !j.InPositionRange(ref) {
		return true
	}
	return math.Abs(c.Position-ref) <= j.MaxVelocity*elapsed.Seconds()+tol
}
