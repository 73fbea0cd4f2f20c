package urdf

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"go.viam.com/omnicore/referenceframe"
)

const testURDF = `<?xml version="1.0"?>
<robot name="crb15000">
  <link name="base_link"/>
  <link name="link_1"/>
  <joint name="joint_1" type="revolute">
    <parent link="base_link"/>
    <child link="link_1"/>
    <limit lower="-3.1416" upper="3.1416" velocity="2.1817" effort="0"/>
  </joint>
  <joint name="joint_2" type="revolute">
    <limit lower="-1.0" upper="2.0" velocity="2.1817" effort="150"/>
  </joint>
  <joint name="joint_6" type="continuous">
    <limit velocity="4.0"/>
  </joint>
  <joint name="rail" type="prismatic">
    <limit lower="0" upper="1.5" velocity="0.5" effort="0"/>
  </joint>
  <joint name="tool0_joint" type="fixed"/>
  <joint name="no_limit" type="revolute"/>
</robot>`

func TestJoints(t *testing.T) {
	mc, err := UnmarshalModelXML([]byte(testURDF))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mc.Name, test.ShouldEqual, "crb15000")

	joints, err := mc.Joints([]string{"joint_2", "joint_1", "joint_6", "rail"}, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(joints), test.ShouldEqual, 4)
	test.That(t, joints[0].Name, test.ShouldEqual, "joint_2")
	test.That(t, joints[0].Index, test.ShouldEqual, 0)
	test.That(t, joints[0].MaxEffort, test.ShouldEqual, 150.)
	test.That(t, joints[1].Min, test.ShouldAlmostEqual, -3.1416)
	test.That(t, joints[1].HasEffortLimits, test.ShouldBeFalse)
	test.That(t, joints[2].Type, test.ShouldEqual, referenceframe.ContinuousJoint)
	test.That(t, math.IsInf(joints[2].Max, 1), test.ShouldBeTrue)
	test.That(t, joints[2].MaxVelocity, test.ShouldEqual, 4.)
	test.That(t, joints[3].IsRotary(), test.ShouldBeFalse)
}

func TestJointsErrors(t *testing.T) {
	mc, err := UnmarshalModelXML([]byte(testURDF))
	test.That(t, err, test.ShouldBeNil)

	_, err = mc.Joints(nil, nil)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = mc.Joints([]string{"joint_7"}, nil)
	test.That(t, err, test.ShouldBeError, referenceframe.NewJointNotFoundError("joint_7"))

	_, err = mc.Joints([]string{"tool0_joint"}, nil)
	test.That(t, err, test.ShouldBeError, referenceframe.NewUnsupportedJointTypeError("fixed"))

	_, err = mc.Joints([]string{"no_limit"}, nil)
	test.That(t, err, test.ShouldBeError, referenceframe.NewMissingLimitError("no_limit"))

	_, err = mc.Joints([]string{"joint_1", "joint_1"}, nil)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = mc.Joints([]string{"joint_1"}, map[string]Override{"joint_9": {}})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = UnmarshalModelXML([]byte("<robot"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestOverridesOnlyTighten(t *testing.T) {
	mc, err := UnmarshalModelXML([]byte(testURDF))
	test.That(t, err, test.ShouldBeNil)

	tighter, looser := 1.0, 5.0
	joints, err := mc.Joints([]string{"joint_1", "joint_2"}, map[string]Override{
		"joint_1": {Max: &tighter, MaxVelocity: &tighter},
		"joint_2": {Max: &looser, MaxVelocity: &looser},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, joints[0].Max, test.ShouldEqual, 1.)
	test.That(t, joints[0].MaxVelocity, test.ShouldEqual, 1.)
	test.That(t, joints[1].Max, test.ShouldEqual, 2.)
	test.That(t, joints[1].MaxVelocity, test.ShouldAlmostEqual, 2.1817)
}

func TestParseJointsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "robot."+Extension)
	test.That(t, os.WriteFile(path, []byte(testURDF), 0o600), test.ShouldBeNil)
	joints, err := ParseJointsFile(path, []string{"joint_1"}, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(joints), test.ShouldEqual, 1)

	_, err = ParseJointsFile(filepath.Join(t.TempDir(), "missing.urdf"), []string{"joint_1"}, nil)
	test.That(t, err, test.ShouldNotBeNil)
}
