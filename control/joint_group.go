package control

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/omnicore/components/arm/omnicore"
	"go.viam.com/omnicore/referenceframe"
	"go.viam.com/omnicore/utils"
)

// CommandSetter receives joint commands. *omnicore.Hardware implements it.
type CommandSetter interface {
	SetCommand(i int, cmd omnicore.JointCommand) error
	// StreamingSession changes every time the hardware enters STREAMING.
	StreamingSession() uint64
}

// JointGroupController forwards externally set targets for a group of joints through one
// interface. Until a target is set the joints hold. A target belongs to the streaming session it
// was set in; once the hardware enters STREAMING again the joints hold until a new target is set.
type JointGroupController struct {
	name    string
	iface   omnicore.InterfaceType
	joints  []string
	indices []int
	hw      CommandSetter
	target  atomic.Pointer[groupTarget]
}

type groupTarget struct {
	values  []float64
	session uint64
}

// NewJointGroupController returns a controller named name commanding joints of table through
// iface, which must be the position or velocity interface.
func NewJointGroupController(
	name string,
	iface omnicore.InterfaceType,
	joints []string,
	table []referenceframe.Joint,
	hw CommandSetter,
) (*JointGroupController, error) {
	if iface != omnicore.PositionInterface && iface != omnicore.VelocityInterface {
		return nil, errors.Errorf("joint group controller %q: unsupported interface %q", name, iface)
	}
	if len(joints) == 0 {
		return nil, errors.Errorf("joint group controller %q: no joints", name)
	}
	byName := make(map[string]int, len(table))
	for i, j := range table {
		byName[j.Name] = i
	}
	indices := make([]int, len(joints))
	for k, name := range joints {
		i, ok := byName[name]
		if !ok {
			return nil, errors.Errorf("unknown joint %q", name)
		}
		indices[k] = i
	}
	return &JointGroupController{
		name:    name,
		iface:   iface,
		joints:  append([]string(nil), joints...),
		indices: indices,
		hw:      hw,
	}, nil
}

// Info describes the joints this controller claims.
func (c *JointGroupController) Info() omnicore.ControllerInfo {
	return omnicore.ControllerInfo{
		Name:   c.name,
		Claims: []omnicore.InterfaceClaim{{Interface: c.iface, Joints: c.joints}},
	}
}

// Joints returns the joint names in target order.
func (c *JointGroupController) Joints() []string {
	return c.joints
}

// SetTarget sets one value per joint: positions for the position interface, velocities for the
// velocity interface.
func (c *JointGroupController) SetTarget(values []float64) error {
	if len(values) != len(c.indices) {
		return utils.NewLengthMismatchError("target", len(c.indices), len(values))
	}
	for i, v := range values {
		if !utils.IsFinite(v) {
			return errors.Errorf("target for %s is not finite", c.joints[i])
		}
	}
	c.target.Store(&groupTarget{
		values:  append([]float64(nil), values...),
		session: c.hw.StreamingSession(),
	})
	return nil
}

// ClearTarget makes the joints hold again.
func (c *JointGroupController) ClearTarget() {
	c.target.Store(nil)
}

// Update writes the target to the hardware.
func (c *JointGroupController) Update(elapsed time.Duration) {
	target := c.target.Load()
	if target != nil && target.session != c.hw.StreamingSession() {
		c.target.CompareAndSwap(target, nil)
		target = nil
	}
	for k, i := range c.indices {
		cmd := omnicore.HoldCommand()
		if target != nil {
			switch c.iface {
			case omnicore.PositionInterface:
				cmd = omnicore.JointCommand{Position: target.values[k]}
			case omnicore.VelocityInterface:
				cmd = omnicore.JointCommand{Position: math.NaN(), Velocity: target.values[k]}
			}
		}
		//nolint:errcheck
		c.hw.SetCommand(i, cmd)
	}
}
