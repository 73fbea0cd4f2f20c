package rws

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/omnicore/logging"
	"go.viam.com/omnicore/spatialmath"
	"go.viam.com/omnicore/utils"
)

// MaxDigitalInputs is the number of signals that fit the digital input byte.
const MaxDigitalInputs = 8

// Signals names the IO signals the RAPID state machine reacts to. Each one is pulsed.
type Signals struct {
	EGMStartJoint   string `json:"egm_start_joint"`
	EGMStop         string `json:"egm_stop"`
	RunRAPIDRoutine string `json:"run_rapid_routine"`
	FreeDriveStart  string `json:"free_drive_start"`
	FreeDriveStop   string `json:"free_drive_stop"`
}

// DefaultSignals returns the signal names used by the stock state machine add-in.
func DefaultSignals() Signals {
	return Signals{
		EGMStartJoint:   "EGM_START_JOINT",
		EGMStop:         "EGM_STOP",
		RunRAPIDRoutine: "RUN_RAPID_ROUTINE",
		FreeDriveStart:  "FREE_DRIVE_START",
		FreeDriveStop:   "FREE_DRIVE_STOP",
	}
}

// WithDefaults fills empty names from DefaultSignals.
func (s Signals) WithDefaults() Signals {
	d := DefaultSignals()
	for _, f := range []struct{ v, def *string }{
		{&s.EGMStartJoint, &d.EGMStartJoint},
		{&s.EGMStop, &d.EGMStop},
		{&s.RunRAPIDRoutine, &d.RunRAPIDRoutine},
		{&s.FreeDriveStart, &d.FreeDriveStart},
		{&s.FreeDriveStop, &d.FreeDriveStop},
	} {
		if *f.v == "" {
			*f.v = *f.def
		}
	}
	return s
}

// RAPID modules and symbols of the state machine.
const (
	rapidModule          = "TRobRAPID"
	routineNameSymbol    = "routine_name"
	moveTargetSymbol     = "move_target"
	moveJRoutine         = "moveJRapid"
	moveLRoutine         = "moveLRapid"
	egmModule            = "TRobEGM"
	posCorrGainSymbol    = "pos_corr_gain"
	maxSpeedDeviationSym = "max_speed_deviation"
)

// StateMachineConfig configures a StateMachine.
type StateMachineConfig struct {
	Task     string
	MechUnit string
	Signals  Signals

	// Joints is the logical joint count. Rotary marks angular joints; nil means all of them.
	Joints            int
	Rotary            []bool
	ExternalAxis      bool
	ExternalAxisIndex int

	PosCorrGain       float64
	MaxSpeedDeviation float64

	// DigitalInputs are packed into the digital input byte, first signal in the lowest bit.
	DigitalInputs []string
}

// StateMachine drives the RAPID state machine over RWS.
type StateMachine struct {
	client *Client
	cfg    StateMachineConfig
	logger logging.Logger
}

// NewStateMachine wraps client.
func NewStateMachine(client *Client, cfg StateMachineConfig, logger logging.Logger) (*StateMachine, error) {
	if cfg.Task == "" {
		return nil, errors.New("RAPID task is required")
	}
	if cfg.MechUnit == "" {
		return nil, errors.New("mechanical unit is required")
	}
	if cfg.Joints <= 0 || cfg.Joints > len(jointTargetKeys) {
		return nil, errors.Errorf("unsupported joint count %d", cfg.Joints)
	}
	if cfg.Rotary != nil && len(cfg.Rotary) != cfg.Joints {
		return nil, utils.NewLengthMismatchError("rotary flags", cfg.Joints, len(cfg.Rotary))
	}
	if cfg.ExternalAxis && (cfg.ExternalAxisIndex < 0 || cfg.ExternalAxisIndex >= cfg.Joints) {
		return nil, errors.Errorf("external axis index %d out of range", cfg.ExternalAxisIndex)
	}
	if len(cfg.DigitalInputs) > MaxDigitalInputs {
		return nil, errors.Errorf("at most %d digital inputs fit in a byte, got %d", MaxDigitalInputs, len(cfg.DigitalInputs))
	}
	cfg.Signals = cfg.Signals.WithDefaults()
	return &StateMachine{client: client, cfg: cfg, logger: logger}, nil
}

func (sm *StateMachine) pulse(ctx context.Context, signal string) error {
	if err := sm.client.SetIOSignal(ctx, signal, "1"); err != nil {
		return errors.Wrapf(err, "setting %s", signal)
	}
	if err := sm.client.SetIOSignal(ctx, signal, "0"); err != nil {
		return errors.Wrapf(err, "resetting %s", signal)
	}
	sm.logger.CDebugw(ctx, "pulsed signal", "signal", signal)
	return nil
}

// ConfigureStreaming uploads the EGM tuning parameters.
func (sm *StateMachine) ConfigureStreaming(ctx context.Context) error {
	return sm.client.WithMastership(ctx, func(ctx context.Context) error {
		return multierr.Combine(
			sm.client.SetRAPIDSymbol(ctx, sm.cfg.Task, egmModule, posCorrGainSymbol, formatNum(sm.cfg.PosCorrGain)),
			sm.client.SetRAPIDSymbol(ctx, sm.cfg.Task, egmModule, maxSpeedDeviationSym, formatNum(sm.cfg.MaxSpeedDeviation)),
		)
	})
}

// StartStreaming starts EGM joint control.
func (sm *StateMachine) StartStreaming(ctx context.Context) error {
	return sm.pulse(ctx, sm.cfg.Signals.EGMStartJoint)
}

// StopStreaming stops EGM joint control.
func (sm *StateMachine) StopStreaming(ctx context.Context) error {
	return sm.pulse(ctx, sm.cfg.Signals.EGMStop)
}

// StartFreeDrive makes the robot compliant for lead-through.
func (sm *StateMachine) StartFreeDrive(ctx context.Context) error {
	return sm.pulse(ctx, sm.cfg.Signals.FreeDriveStart)
}

// StopFreeDrive ends lead-through.
func (sm *StateMachine) StopFreeDrive(ctx context.Context) error {
	return sm.pulse(ctx, sm.cfg.Signals.FreeDriveStop)
}

// MoveJoint runs a joint-interpolated move to pose.
func (sm *StateMachine) MoveJoint(ctx context.Context, pose spatialmath.Pose) error {
	return sm.runMove(ctx, moveJRoutine, pose)
}

// MoveLinear runs a linear move to pose.
func (sm *StateMachine) MoveLinear(ctx context.Context, pose spatialmath.Pose) error {
	return sm.runMove(ctx, moveLRoutine, pose)
}

func (sm *StateMachine) runMove(ctx context.Context, routine string, pose spatialmath.Pose) error {
	if err := pose.Validate(); err != nil {
		return err
	}
	err := sm.client.WithMastership(ctx, func(ctx context.Context) error {
		if err := sm.client.SetRAPIDSymbol(ctx, sm.cfg.Task, rapidModule, moveTargetSymbol, FormatRobTarget(pose)); err != nil {
			return err
		}
		return sm.client.SetRAPIDSymbol(ctx, sm.cfg.Task, rapidModule, routineNameSymbol, strconv.Quote(routine))
	})
	if err != nil {
		return errors.Wrapf(err, "preparing %s", routine)
	}
	return sm.pulse(ctx, sm.cfg.Signals.RunRAPIDRoutine)
}

// DigitalInputs reads the configured signals into one byte.
func (sm *StateMachine) DigitalInputs(ctx context.Context) (byte, error) {
	var b byte
	for i, signal := range sm.cfg.DigitalInputs {
		v, err := sm.client.GetIOSignal(ctx, signal)
		if err != nil {
			return 0, err
		}
		if strings.TrimSpace(v) == "1" {
			b |= 1 << i
		}
	}
	return b, nil
}

// JointPositions reads the current joint positions in radians (meters for linear joints),
// ordered by logical joint.
func (sm *StateMachine) JointPositions(ctx context.Context) ([]float64, error) {
	jt, err := sm.client.GetJointTarget(ctx, sm.cfg.MechUnit)
	if err != nil {
		return nil, err
	}
	positions := make([]float64, sm.cfg.Joints)
	k := 0
	for i := range positions {
		var v float64
		if sm.cfg.ExternalAxis && i == sm.cfg.ExternalAxisIndex {
			v = jt.External[0]
		} else {
			if k >= len(jt.Robot) {
				return nil, errors.Errorf("joint %d has no robot axis", i)
			}
			v = jt.Robot[k]
			k++
		}
		if sm.cfg.Rotary == nil || sm.cfg.Rotary[i] {
			positions[i] = utils.DegToRad(v)
		} else {
			positions[i] = utils.MMToMeters(v)
		}
	}
	return positions, nil
}

func formatNum(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// FormatRobTarget renders pose as a RAPID robtarget literal with default arm configuration and
// unused external axes.
func FormatRobTarget(pose spatialmath.Pose) string {
	q := pose.Orientation
	return fmt.Sprintf("[[%s,%s,%s],[%s,%s,%s,%s],[0,0,0,0],[9E9,9E9,9E9,9E9,9E9,9E9]]",
		formatNum(pose.Point.X), formatNum(pose.Point.Y), formatNum(pose.Point.Z),
		formatNum(q.Real), formatNum(q.Imag), formatNum(q.Jmag), formatNum(q.Kmag))
}
