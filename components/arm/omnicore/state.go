package omnicore

import (
	"encoding/json"
	"math"

	"go.viam.com/omnicore/limits"
	"go.viam.com/omnicore/utils"
)

// JointState is the sensed state of one joint. Effort is always zero: neither backend reports
// joint torque.
type JointState struct {
	Position float64 `json:"position"`
	Velocity float64 `json:"velocity"`
	Effort   float64 `json:"effort"`
}

// JointCommand is the reference a controller writes for one joint. A NaN field means the
// controller has no opinion and the joint holds its last dispatched position.
type JointCommand = limits.Command

// HoldCommand is a command that keeps a joint where it is.
func HoldCommand() JointCommand {
	return JointCommand{Position: math.NaN(), Velocity: math.NaN()}
}

// NamedJointState pairs a joint's state with its name and last command.
type NamedJointState struct {
	Name    string       `json:"name"`
	State   JointState   `json:"state"`
	Command JointCommand `json:"command"`
}

type jointStateJSON struct {
	Position *float64 `json:"position"`
	Velocity *float64 `json:"velocity"`
	Effort   *float64 `json:"effort"`
}

type jointCommandJSON struct {
	Position *float64 `json:"position"`
	Velocity *float64 `json:"velocity"`
}

// MarshalJSON encodes non-finite values, such as the NaN of a held joint, as null.
func (s NamedJointState) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name    string           `json:"name"`
		State   jointStateJSON   `json:"state"`
		Command jointCommandJSON `json:"command"`
	}{
		Name: s.Name,
		State: jointStateJSON{
			Position: finiteOrNil(s.State.Position),
			Velocity: finiteOrNil(s.State.Velocity),
			Effort:   finiteOrNil(s.State.Effort),
		},
		Command: jointCommandJSON{
			Position: finiteOrNil(s.Command.Position),
			Velocity: finiteOrNil(s.Command.Velocity),
		},
	})
}

func finiteOrNil(v float64) *float64 {
	if !utils.IsFinite(v) {
		return nil
	}
	return &v
}
