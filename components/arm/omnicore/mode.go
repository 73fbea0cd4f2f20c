package omnicore

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"go.viam.com/omnicore/components/arm/omnicore/egm"
)

// Mode selects which backend owns actuation.
type Mode int32

// Modes.
const (
	ModeIdle Mode = iota
	ModeStreaming
	ModeFreeDrive
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "IDLE"
	case ModeStreaming:
		return "STREAMING"
	case ModeFreeDrive:
		return "FREE_DRIVE"
	}
	return "UNKNOWN"
}

// ParseMode parses the String form of a mode, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IDLE":
		return ModeIdle, nil
	case "STREAMING":
		return ModeStreaming, nil
	case "FREE_DRIVE", "FREEDRIVE":
		return ModeFreeDrive, nil
	}
	return ModeIdle, errors.Errorf("unknown mode %q", s)
}

// MarshalJSON encodes the mode as its name.
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON decodes a mode name.
func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// backend is the active mode together with the resources only that mode may touch.
type backend interface {
	mode() Mode
}

type idleBackend struct{}

func (idleBackend) mode() Mode { return ModeIdle }

type streamingBackend struct {
	stream Stream
	// done stops the fault forwarder of this stream.
	done chan struct{}
	// last is the most recent sample copied into the state vector.
	last *egm.Feedback
}

func (*streamingBackend) mode() Mode { return ModeStreaming }

type freeDriveBackend struct {
	poller *freeDrivePoller
	last   *jointSample
}

func (*freeDriveBackend) mode() Mode { return ModeFreeDrive }
