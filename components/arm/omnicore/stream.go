package omnicore

import (
	"context"

	"go.viam.com/omnicore/components/arm/omnicore/egm"
	"go.viam.com/omnicore/logging"
)

// Stream is the real-time streaming channel to the robot. egm.Session implements it.
//
// Latest, SetCommand, Connected and Err never block and are called from the control loop.
type Stream interface {
	Latest() *egm.Feedback
	SetCommand(positions, velocities []float64) error
	Connected() bool
	WaitForConnection(ctx context.Context) error
	Err() error
	Faults() <-chan error
	Close() error
}

// StreamFactory opens a new streaming channel. It is called for every entry into STREAMING.
type StreamFactory func() (Stream, error)

// NewEGMStreamFactory returns a StreamFactory opening EGM sessions with cfg.
func NewEGMStreamFactory(cfg egm.Config, logger logging.Logger) StreamFactory {
	return func() (Stream, error) {
		s, err := egm.NewSession(cfg, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
