package control

import (
	"math"
	"testing"
	"time"

	"go.viam.com/test"

	"go.viam.com/omnicore/components/arm/omnicore"
	"go.viam.com/omnicore/referenceframe"
)

type commandRecorder struct {
	cmds    map[int]omnicore.JointCommand
	session uint64
}

func newCommandRecorder() *commandRecorder {
	return &commandRecorder{cmds: map[int]omnicore.JointCommand{}}
}

func (r *commandRecorder) SetCommand(i int, cmd omnicore.JointCommand) error {
	r.cmds[i] = cmd
	return nil
}

func (r *commandRecorder) StreamingSession() uint64 { return r.session }

func testTable(t *testing.T) []referenceframe.Joint {
	t.Helper()
	var table []referenceframe.Joint
	for i, name := range []string{"shoulder", "elbow", "wrist"} {
		j, err := referenceframe.NewJoint(name, i, referenceframe.RevoluteJoint, -3, 3, 1, 0)
		test.That(t, err, test.ShouldBeNil)
		table = append(table, j)
	}
	return table
}

func TestJointGroupController(t *testing.T) {
	table := testTable(t)
	rec := newCommandRecorder()

	_, err := NewJointGroupController("c", omnicore.EffortInterface, []string{"elbow"}, table, rec)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewJointGroupController("c", omnicore.PositionInterface, nil, table, rec)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewJointGroupController("c", omnicore.PositionInterface, []string{"knee"}, table, rec)
	test.That(t, err, test.ShouldNotBeNil)

	c, err := NewJointGroupController("pos", omnicore.PositionInterface, []string{"wrist", "shoulder"}, table, rec)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Info(), test.ShouldResemble, omnicore.ControllerInfo{
		Name:   "pos",
		Claims: []omnicore.InterfaceClaim{{Interface: omnicore.PositionInterface, Joints: []string{"wrist", "shoulder"}}},
	})

	// no target yet: hold
	c.Update(time.Millisecond)
	test.That(t, math.IsNaN(rec.cmds[2].Position), test.ShouldBeTrue)
	test.That(t, math.IsNaN(rec.cmds[0].Velocity), test.ShouldBeTrue)
	_, touched := rec.cmds[1]
	test.That(t, touched, test.ShouldBeFalse)

	test.That(t, c.SetTarget([]float64{1}), test.ShouldNotBeNil)
	test.That(t, c.SetTarget([]float64{1, math.NaN()}), test.ShouldNotBeNil)
	test.That(t, c.SetTarget([]float64{0.5, -0.25}), test.ShouldBeNil)
	c.Update(time.Millisecond)
	test.That(t, rec.cmds[2], test.ShouldResemble, omnicore.JointCommand{Position: 0.5})
	test.That(t, rec.cmds[0], test.ShouldResemble, omnicore.JointCommand{Position: -0.25})

	c.ClearTarget()
	c.Update(time.Millisecond)
	test.That(t, math.IsNaN(rec.cmds[2].Position), test.ShouldBeTrue)

	v, err := NewJointGroupController("vel", omnicore.VelocityInterface, []string{"elbow"}, table, rec)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v.SetTarget([]float64{0.3}), test.ShouldBeNil)
	v.Update(time.Millisecond)
	test.That(t, rec.cmds[1].Velocity, test.ShouldEqual, 0.3)
	test.That(t, math.IsNaN(rec.cmds[1].Position), test.ShouldBeTrue)
}

func TestJointGroupTargetEndsWithSession(t *testing.T) {
	rec := newCommandRecorder()
	rec.session = 1
	c, err := NewJointGroupController("pos", omnicore.PositionInterface, []string{"elbow"}, testTable(t), rec)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, c.SetTarget([]float64{2}), test.ShouldBeNil)
	c.Update(time.Millisecond)
	test.That(t, rec.cmds[1], test.ShouldResemble, omnicore.JointCommand{Position: 2})

	// back to IDLE and into STREAMING again
	rec.session = 2
	c.Update(time.Millisecond)
	test.That(t, math.IsNaN(rec.cmds[1].Position), test.ShouldBeTrue)
	c.Update(time.Millisecond)
	test.That(t, math.IsNaN(rec.cmds[1].Position), test.ShouldBeTrue)

	test.That(t, c.SetTarget([]float64{-1}), test.ShouldBeNil)
	c.Update(time.Millisecond)
	test.That(t, rec.cmds[1], test.ShouldResemble, omnicore.JointCommand{Position: -1})
}
