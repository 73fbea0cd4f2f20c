package egm

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRobotMessageRoundTrip(t *testing.T) {
	in := RobotMessage{
		Header:                 Header{Seqno: 300, Tm: 123456, Mtype: MessageData},
		FeedbackJoints:         []float64{0, 12.5, -90, 180, 0.001, -45},
		FeedbackExternalJoints: []float64{33},
		PlannedJoints:          []float64{1, 2, 3, 4, 5, 6},
		MotorState:             MotorOn,
		MCIState:               MCIRunning,
		MCIConvergenceMet:      true,
		RapidExecState:         RapidRunning,
	}
	var out RobotMessage
	test.That(t, UnmarshalRobot(AppendRobot(nil, &in), &out), test.ShouldBeNil)
	test.That(t, out.Header, test.ShouldResemble, in.Header)
	test.That(t, out.FeedbackJoints, test.ShouldResemble, in.FeedbackJoints)
	test.That(t, out.FeedbackExternalJoints, test.ShouldResemble, in.FeedbackExternalJoints)
	test.That(t, out.PlannedJoints, test.ShouldResemble, in.PlannedJoints)
	test.That(t, out.MotorState, test.ShouldEqual, MotorOn)
	test.That(t, out.MCIState, test.ShouldEqual, MCIRunning)
	test.That(t, out.MCIConvergenceMet, test.ShouldBeTrue)
	test.That(t, out.RapidExecState, test.ShouldEqual, RapidRunning)

	// decoding again reuses the slices without leaking the previous frame
	short := RobotMessage{Header: Header{Seqno: 1}, FeedbackJoints: []float64{7}}
	test.That(t, UnmarshalRobot(AppendRobot(nil, &short), &out), test.ShouldBeNil)
	test.That(t, out.FeedbackJoints, test.ShouldResemble, []float64{7.})
	test.That(t, len(out.FeedbackExternalJoints), test.ShouldEqual, 0)
	test.That(t, out.MotorState, test.ShouldEqual, MotorUndefined)
}

func TestSensorMessageRoundTrip(t *testing.T) {
	in := SensorMessage{
		Header:                Header{Seqno: 2, Tm: 8, Mtype: MessageCorrection},
		PlannedJoints:         []float64{10, 20, 30, 40, 50, 60},
		PlannedExternalJoints: []float64{5},
		SpeedJoints:           []float64{0, 0, 0, 0, 0, -1},
		SpeedExternalJoints:   []float64{0.5},
	}
	var out SensorMessage
	test.That(t, UnmarshalSensor(AppendSensor(nil, &in), &out), test.ShouldBeNil)
	test.That(t, out, test.ShouldResemble, in)
}

func TestUnmarshalRobotPackedAndUnknownFields(t *testing.T) {
	var joints []byte
	joints = protowire.AppendTag(joints, jointsJoints, protowire.BytesType)
	joints = protowire.AppendVarint(joints, 16)
	joints = protowire.AppendFixed64(joints, math.Float64bits(1.5))
	joints = protowire.AppendFixed64(joints, math.Float64bits(-2.5))

	var feedback []byte
	feedback = protowire.AppendTag(feedback, feedbackJoints, protowire.BytesType)
	feedback = protowire.AppendBytes(feedback, joints)
	// cartesian feedback is skipped
	feedback = protowire.AppendTag(feedback, 2, protowire.BytesType)
	feedback = protowire.AppendBytes(feedback, []byte{0x08, 0x01})

	var header []byte
	header = protowire.AppendTag(header, headerSeqno, protowire.VarintType)
	header = protowire.AppendVarint(header, 9)

	var frame []byte
	frame = protowire.AppendTag(frame, robotHeader, protowire.BytesType)
	frame = protowire.AppendBytes(frame, header)
	frame = protowire.AppendTag(frame, robotFeedback, protowire.BytesType)
	frame = protowire.AppendBytes(frame, feedback)
	// measured force is skipped
	frame = protowire.AppendTag(frame, 9, protowire.BytesType)
	frame = protowire.AppendBytes(frame, []byte{0x08, 0x00})

	var out RobotMessage
	test.That(t, UnmarshalRobot(frame, &out), test.ShouldBeNil)
	test.That(t, out.Header.Seqno, test.ShouldEqual, uint32(9))
	test.That(t, out.FeedbackJoints, test.ShouldResemble, []float64{1.5, -2.5})
}

func TestUnmarshalRobotMalformed(t *testing.T) {
	valid := AppendRobot(nil, &RobotMessage{Header: Header{Seqno: 1}, FeedbackJoints: []float64{1, 2}})

	for name, frame := range map[string][]byte{
		"garbage":     {0xff, 0xff, 0xff, 0xff},
		"truncated":   valid[:len(valid)-3],
		"no header":   protowire.AppendBytes(protowire.AppendTag(nil, robotFeedback, protowire.BytesType), nil),
		"no feedback": AppendRobot(nil, &RobotMessage{Header: Header{Seqno: 1}}),
	} {
		t.Run(name, func(t *testing.T) {
			var out RobotMessage
			err := UnmarshalRobot(frame, &out)
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, errors.Is(err, ErrMalformedFrame), test.ShouldBeTrue)
		})
	}
}
