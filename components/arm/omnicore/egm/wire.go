package egm

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType is the EgmHeader message type.
type MessageType uint64

// Header message types.
const (
	MessageUndefined MessageType = iota
	MessageCommand
	MessageData
	MessageCorrection
	MessagePathCorrection
)

// MotorState is the robot's motor state as reported in EgmRobot.
type MotorState uint64

// Motor states.
const (
	MotorUndefined MotorState = iota
	MotorOn
	MotorOff
)

// MCIState is the state of the EGM motion control interface on the robot.
type MCIState uint64

// Motion control interface states.
const (
	MCIUndefined MCIState = iota
	MCIError
	MCIStopped
	MCIRunning
)

// RapidExecState is the execution state of the RAPID program on the robot.
type RapidExecState uint64

// RAPID execution states.
const (
	RapidUndefined RapidExecState = iota
	RapidStopped
	RapidRunning
)

// Field numbers of the abb.egm protocol messages used here.
const (
	headerSeqno protowire.Number = 1
	headerTm    protowire.Number = 2
	headerMtype protowire.Number = 3

	jointsJoints protowire.Number = 1

	// EgmFeedBack and EgmPlanned share their layout.
	feedbackJoints         protowire.Number = 1
	feedbackExternalJoints protowire.Number = 3

	speedRefJoints         protowire.Number = 1
	speedRefExternalJoints protowire.Number = 3

	stateValue protowire.Number = 1

	robotHeader            protowire.Number = 1
	robotFeedback          protowire.Number = 2
	robotPlanned           protowire.Number = 3
	robotMotorState        protowire.Number = 4
	robotMCIState          protowire.Number = 5
	robotMCIConvergenceMet protowire.Number = 6
	robotRapidExecState    protowire.Number = 8

	sensorHeader   protowire.Number = 1
	sensorPlanned  protowire.Number = 2
	sensorSpeedRef protowire.Number = 3
)

// Header is an EgmHeader.
type Header struct {
	Seqno uint32
	// Tm is a timestamp in milliseconds.
	Tm    uint32
	Mtype MessageType
}

// RobotMessage is the subset of EgmRobot read by this package. Joint values are in the units of
// the wire: degrees for rotary axes and millimeters for linear ones.
type RobotMessage struct {
	Header                 Header
	FeedbackJoints         []float64
	FeedbackExternalJoints []float64
	PlannedJoints          []float64
	PlannedExternalJoints  []float64
	MotorState             MotorState
	MCIState               MCIState
	MCIConvergenceMet      bool
	RapidExecState         RapidExecState

	hasHeader   bool
	hasFeedback bool
}

// reset clears m while keeping slice capacity.
func (m *RobotMessage) reset() {
	*m = RobotMessage{
		FeedbackJoints:         m.FeedbackJoints[:0],
		FeedbackExternalJoints: m.FeedbackExternalJoints[:0],
		PlannedJoints:          m.PlannedJoints[:0],
		PlannedExternalJoints:  m.PlannedExternalJoints[:0],
	}
}

// SensorMessage is the subset of EgmSensor written by this package, in wire units.
type SensorMessage struct {
	Header                Header
	PlannedJoints         []float64
	PlannedExternalJoints []float64
	SpeedJoints           []float64
	SpeedExternalJoints   []float64
}

// NewMalformedFrameError is returned when a datagram is not a usable EgmRobot message.
func NewMalformedFrameError(reason string) error {
	return errors.Wrapf(ErrMalformedFrame, "%s", reason)
}

// UnmarshalRobot decodes an EgmRobot message into m, reusing its slices. Unknown fields are
// skipped. A message without a header or joint feedback is rejected.
func UnmarshalRobot(b []byte, m *RobotMessage) error {
	m.reset()
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return NewMalformedFrameError(protowire.ParseError(n).Error())
		}
		b = b[n:]

		var err error
		switch {
		case num == robotHeader && typ == protowire.BytesType:
			var v []byte
			if v, n = protowire.ConsumeBytes(b); n >= 0 {
				err = unmarshalHeader(v, &m.Header)
				m.hasHeader = true
			}
		case num == robotFeedback && typ == protowire.BytesType:
			var v []byte
			if v, n = protowire.ConsumeBytes(b); n >= 0 {
				m.FeedbackJoints, m.FeedbackExternalJoints, err = unmarshalJointSet(
					v, m.FeedbackJoints, m.FeedbackExternalJoints)
				m.hasFeedback = true
			}
		case num == robotPlanned && typ == protowire.BytesType:
			var v []byte
			if v, n = protowire.ConsumeBytes(b); n >= 0 {
				m.PlannedJoints, m.PlannedExternalJoints, err = unmarshalJointSet(
					v, m.PlannedJoints, m.PlannedExternalJoints)
			}
		case num == robotMotorState && typ == protowire.BytesType:
			var v []byte
			var s uint64
			if v, n = protowire.ConsumeBytes(b); n >= 0 {
				s, err = unmarshalState(v)
				m.MotorState = MotorState(s)
			}
		case num == robotMCIState && typ == protowire.BytesType:
			var v []byte
			var s uint64
			if v, n = protowire.ConsumeBytes(b); n >= 0 {
				s, err = unmarshalState(v)
				m.MCIState = MCIState(s)
			}
		case num == robotRapidExecState && typ == protowire.BytesType:
			var v []byte
			var s uint64
			if v, n = protowire.ConsumeBytes(b); n >= 0 {
				s, err = unmarshalState(v)
				m.RapidExecState = RapidExecState(s)
			}
		case num == robotMCIConvergenceMet && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			m.MCIConvergenceMet = v != 0
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return NewMalformedFrameError(protowire.ParseError(n).Error())
		}
		if err != nil {
			return err
		}
		b = b[n:]
	}
	if !m.hasHeader {
		return NewMalformedFrameError("missing header")
	}
	if !m.hasFeedback {
		return NewMalformedFrameError("missing joint feedback")
	}
	return nil
}

func unmarshalHeader(b []byte, h *Header) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return NewMalformedFrameError(protowire.ParseError(n).Error())
		}
		b = b[n:]
		if typ == protowire.VarintType && (num == headerSeqno || num == headerTm || num == headerMtype) {
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			switch num {
			case headerSeqno:
				h.Seqno = uint32(v)
			case headerTm:
				h.Tm = uint32(v)
			default:
				h.Mtype = MessageType(v)
			}
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return NewMalformedFrameError(protowire.ParseError(n).Error())
		}
		b = b[n:]
	}
	return nil
}

// unmarshalJointSet decodes an EgmFeedBack or EgmPlanned body.
func unmarshalJointSet(b []byte, joints, external []float64) ([]float64, []float64, error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return joints, external, NewMalformedFrameError(protowire.ParseError(n).Error())
		}
		b = b[n:]
		var err error
		switch {
		case num == feedbackJoints && typ == protowire.BytesType:
			var v []byte
			if v, n = protowire.ConsumeBytes(b); n >= 0 {
				joints, err = unmarshalJoints(v, joints)
			}
		case num == feedbackExternalJoints && typ == protowire.BytesType:
			var v []byte
			if v, n = protowire.ConsumeBytes(b); n >= 0 {
				external, err = unmarshalJoints(v, external)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return joints, external, NewMalformedFrameError(protowire.ParseError(n).Error())
		}
		if err != nil {
			return joints, external, err
		}
		b = b[n:]
	}
	return joints, external, nil
}

// unmarshalJoints decodes an EgmJoints body, accepting both packed and unpacked encodings of the
// repeated double.
func unmarshalJoints(b []byte, dst []float64) ([]float64, error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return dst, NewMalformedFrameError(protowire.ParseError(n).Error())
		}
		b = b[n:]
		switch {
		case num == jointsJoints && typ == protowire.Fixed64Type:
			var v uint64
			if v, n = protowire.ConsumeFixed64(b); n >= 0 {
				dst = append(dst, math.Float64frombits(v))
			}
		case num == jointsJoints && typ == protowire.BytesType:
			var packed []byte
			if packed, n = protowire.ConsumeBytes(b); n >= 0 {
				if len(packed)%8 != 0 {
					return dst, NewMalformedFrameError("packed joints length is not a multiple of 8")
				}
				for len(packed) > 0 {
					v, m := protowire.ConsumeFixed64(packed)
					dst = append(dst, math.Float64frombits(v))
					packed = packed[m:]
				}
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return dst, NewMalformedFrameError(protowire.ParseError(n).Error())
		}
		b = b[n:]
	}
	return dst, nil
}

func unmarshalState(b []byte) (uint64, error) {
	var state uint64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, NewMalformedFrameError(protowire.ParseError(n).Error())
		}
		b = b[n:]
		if num == stateValue && typ == protowire.VarintType {
			state, n = protowire.ConsumeVarint(b)
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return 0, NewMalformedFrameError(protowire.ParseError(n).Error())
		}
		b = b[n:]
	}
	return state, nil
}

// AppendSensor appends the EgmSensor encoding of m to b. Repeated doubles are written unpacked,
// matching the proto2 definition used by the robot.
func AppendSensor(b []byte, m *SensorMessage) []byte {
	b = protowire.AppendTag(b, sensorHeader, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(headerSize(&m.Header)))
	b = appendHeader(b, &m.Header)

	b = appendJointSet(b, sensorPlanned, feedbackJoints, feedbackExternalJoints, m.PlannedJoints, m.PlannedExternalJoints)
	b = appendJointSet(b, sensorSpeedRef, speedRefJoints, speedRefExternalJoints, m.SpeedJoints, m.SpeedExternalJoints)
	return b
}

// AppendRobot appends the EgmRobot encoding of m to b. The robot side of the protocol is only
// produced by simulators and tests.
func AppendRobot(b []byte, m *RobotMessage) []byte {
	b = protowire.AppendTag(b, robotHeader, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(headerSize(&m.Header)))
	b = appendHeader(b, &m.Header)

	b = appendJointSet(b, robotFeedback, feedbackJoints, feedbackExternalJoints, m.FeedbackJoints, m.FeedbackExternalJoints)
	b = appendJointSet(b, robotPlanned, feedbackJoints, feedbackExternalJoints, m.PlannedJoints, m.PlannedExternalJoints)
	b = appendState(b, robotMotorState, uint64(m.MotorState))
	b = appendState(b, robotMCIState, uint64(m.MCIState))
	b = protowire.AppendTag(b, robotMCIConvergenceMet, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(m.MCIConvergenceMet))
	b = appendState(b, robotRapidExecState, uint64(m.RapidExecState))
	return b
}

// UnmarshalSensor decodes an EgmSensor message into m. The robot side of the protocol is only
// consumed by simulators and tests.
func UnmarshalSensor(b []byte, m *SensorMessage) error {
	*m = SensorMessage{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return NewMalformedFrameError(protowire.ParseError(n).Error())
		}
		b = b[n:]
		var err error
		if typ == protowire.BytesType && (num == sensorHeader || num == sensorPlanned || num == sensorSpeedRef) {
			var v []byte
			if v, n = protowire.ConsumeBytes(b); n >= 0 {
				switch num {
				case sensorHeader:
					err = unmarshalHeader(v, &m.Header)
				case sensorPlanned:
					m.PlannedJoints, m.PlannedExternalJoints, err = unmarshalJointSet(v, nil, nil)
				default:
					m.SpeedJoints, m.SpeedExternalJoints, err = unmarshalJointSet(v, nil, nil)
				}
			}
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return NewMalformedFrameError(protowire.ParseError(n).Error())
		}
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func headerSize(h *Header) int {
	return protowire.SizeTag(headerSeqno) + protowire.SizeVarint(uint64(h.Seqno)) +
		protowire.SizeTag(headerTm) + protowire.SizeVarint(uint64(h.Tm)) +
		protowire.SizeTag(headerMtype) + protowire.SizeVarint(uint64(h.Mtype))
}

func appendHeader(b []byte, h *Header) []byte {
	b = protowire.AppendTag(b, headerSeqno, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Seqno))
	b = protowire.AppendTag(b, headerTm, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Tm))
	b = protowire.AppendTag(b, headerMtype, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(h.Mtype))
}

func jointsSize(joints []float64) int {
	return len(joints) * (protowire.SizeTag(jointsJoints) + protowire.SizeFixed64())
}

func appendJoints(b []byte, field protowire.Number, joints []float64) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(jointsSize(joints)))
	for _, v := range joints {
		b = protowire.AppendTag(b, jointsJoints, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	return b
}

// appendJointSet writes a message holding two optional EgmJoints fields. Nothing is written when
// both are empty.
func appendJointSet(b []byte, field, jointsField, externalField protowire.Number, joints, external []float64) []byte {
	size := 0
	if len(joints) > 0 {
		size += protowire.SizeTag(jointsField) + protowire.SizeBytes(jointsSize(joints))
	}
	if len(external) > 0 {
		size += protowire.SizeTag(externalField) + protowire.SizeBytes(jointsSize(external))
	}
	if size == 0 {
		return b
	}
	b = protowire.AppendTag(b, field, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(size))
	if len(joints) > 0 {
		b = appendJoints(b, jointsField, joints)
	}
	if len(external) > 0 {
		b = appendJoints(b, externalField, external)
	}
	return b
}

func appendState(b []byte, field protowire.Number, state uint64) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(protowire.SizeTag(stateValue)+protowire.SizeVarint(state)))
	b = protowire.AppendTag(b, stateValue, protowire.VarintType)
	return protowire.AppendVarint(b, state)
}
