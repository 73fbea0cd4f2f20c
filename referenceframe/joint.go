// Package referenceframe defines the joints of the controlled robot and their static limits.
package referenceframe

import (
	"fmt"
	"math"

	"github.com/samber/lo"
)

// JointType is the kinematic type of a joint, using URDF's names.
type JointType string

// Supported joint types.
const (
	RevoluteJoint   JointType = "revolute"
	ContinuousJoint JointType = "continuous"
	PrismaticJoint  JointType = "prismatic"
)

// Joint is one actuated joint. Positions are radians for rotary joints and meters for prismatic
// ones. A Joint is immutable once built.
type Joint struct {
	Name  string
	Index int
	Type  JointType

	Min, Max    float64
	MaxVelocity float64
	MaxEffort   float64

	HasPositionLimits bool
	HasVelocityLimits bool
	HasEffortLimits   bool
}

// NewJoint validates the limits of a joint and returns it. Continuous joints get infinite
// position bounds regardless of min and max.
func NewJoint(name string, index int, jType JointType, minPos, maxPos, maxVel, maxEffort float64) (Joint, error) {
	j := Joint{
		Name:        name,
		Index:       index,
		Type:        jType,
		Min:         minPos,
		Max:         maxPos,
		MaxVelocity: maxVel,
		MaxEffort:   maxEffort,
	}
	switch jType {
	case ContinuousJoint:
		j.Min, j.Max = math.Inf(-1), math.Inf(1)
	case RevoluteJoint, PrismaticJoint:
		if math.IsNaN(minPos) || math.IsNaN(maxPos) {
			return Joint{}, NewInvalidLimitError(name, "position limits are not numbers")
		}
		if minPos > maxPos {
			return Joint{}, NewInvalidLimitError(name, fmt.Sprintf("lower limit %v is above upper limit %v", minPos, maxPos))
		}
		j.HasPositionLimits = true
	default:
		return Joint{}, NewUnsupportedJointTypeError(string(jType))
	}
	if maxVel < 0 || math.IsNaN(maxVel) {
		return Joint{}, NewInvalidLimitError(name, fmt.Sprintf("velocity limit %v must be positive", maxVel))
	}
	j.HasVelocityLimits = maxVel > 0
	if maxEffort < 0 || math.IsNaN(maxEffort) {
		return Joint{}, NewInvalidLimitError(name, fmt.Sprintf("effort limit %v must be positive", maxEffort))
	}
	j.HasEffortLimits = maxEffort > 0
	return j, nil
}

// IsRotary returns whether positions of this joint are angles.
func (j Joint) IsRotary() bool {
	return j.Type != PrismaticJoint
}

// InPositionRange returns whether pos lies within the joint's position bounds.
func (j Joint) InPositionRange(pos float64) bool {
	return !j.HasPositionLimits || (pos >= j.Min && pos <= j.Max)
}

func (j Joint) String() string {
	return fmt.Sprintf("%s[%d] %s pos=[%.4f, %.4f] vel=%.4f effort=%.4f", j.Name, j.Index, j.Type, j.Min, j.Max, j.MaxVelocity, j.MaxEffort)
}

// JointNames returns the names of joints in order.
func JointNames(joints []Joint) []string {
	return lo.Map(joints, func(j Joint, _ int) string { return j.Name })
}
