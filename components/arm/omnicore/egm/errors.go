package egm

import (
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedFrame is wrapped by errors for datagrams that do not decode as EgmRobot.
	ErrMalformedFrame = errors.New("malformed EGM frame")
	// ErrConnectionLost is wrapped by errors reporting that the robot stopped sending frames.
	ErrConnectionLost = errors.New("EGM connection lost")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("EGM session closed")
)

// NewConnectionLostError reports a robot that has been silent for longer than tolerance.
func NewConnectionLostError(silence, tolerance time.Duration) error {
	return errors.Wrapf(ErrConnectionLost, "no frame for %v (tolerance %v)", silence, tolerance)
}

// NewJointCountError is returned when a frame carries a different number of joints than
// configured.
func NewJointCountError(expected, actual int) error {
	return NewMalformedFrameError(errors.Errorf("expected %d joints but frame has %d", expected, actual).Error())
}
