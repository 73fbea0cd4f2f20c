// Package omnicore is the hardware interface of an ABB OmniCore robot. It owns the actuation mode
// of the robot: IDLE, where nothing is commanded, STREAMING, where joint references are streamed
// every control cycle over EGM, and FREE_DRIVE, where the robot is compliant and only observed.
//
// A control loop calls Read and Write once per cycle from a single goroutine. Neither blocks on
// I/O. Mode transitions and discrete moves are requested from other goroutines and are serialized
// with ErrBusy.
package omnicore

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/omnicore/limits"
	"go.viam.com/omnicore/logging"
	"go.viam.com/omnicore/operation"
	"go.viam.com/omnicore/referenceframe"
	"go.viam.com/omnicore/utils"
)

// Defaults for zero Config durations.
const (
	DefaultConnectTimeout      = 5 * time.Second
	DefaultFreeDrivePollPeriod = 50 * time.Millisecond
)

// Config configures a Hardware.
type Config struct {
	Joints []referenceframe.Joint

	// AckTimeout bounds every discrete request.
	AckTimeout time.Duration
	// ConnectTimeout bounds the wait for the first streamed frame after streaming is started.
	ConnectTimeout time.Duration
	// FreeDrivePollPeriod is how often joint positions are read while in FREE_DRIVE.
	FreeDrivePollPeriod time.Duration
	// AutoIdleOnFault returns to IDLE when the active backend faults.
	AutoIdleOnFault bool

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Hardware is the hardware interface of one robot.
type Hardware struct {
	cfg       Config
	logger    logging.Logger
	cmd       Commander
	gateway   *gateway
	newStream StreamFactory
	enforcer  *limits.Enforcer
	joints    []referenceframe.Joint

	jointIndex map[string]int

	// transitions serializes mode transitions and moves.
	transitions operation.SingleOperationManager
	initialized atomic.Bool
	workers     *utils.StoppableWorkers

	// cycleMu is held by Read and Write for their whole body and by anything replacing the backend,
	// so a backend is never released while the control loop uses it.
	cycleMu    sync.Mutex
	backend    backend
	states     []JointState
	commands   []JointCommand
	reference  []float64
	desired    []limits.Command
	dispatched []limits.Command
	positions  []float64
	velocities []float64

	switchMu sync.Mutex
	claims   []jointClaim

	mode      atomic.Int32
	sessions  atomic.Uint64
	streaming atomic.Pointer[streamingBackend]
	fault     atomic.Error
	faultCh   chan struct{}

	inputs     atomic.Uint32
	haveInputs atomic.Bool

	snapMu       sync.Mutex
	snapStates   []JointState
	snapCommands []JointCommand
}

// NewHardware returns an uninitialized Hardware driving cmd and opening streams with newStream.
func NewHardware(cfg Config, cmd Commander, newStream StreamFactory, logger logging.Logger) (*Hardware, error) {
	if len(cfg.Joints) == 0 {
		return nil, errors.New("at least one joint is required")
	}
	if cmd == nil {
		return nil, errors.New("a commander is required")
	}
	if newStream == nil {
		return nil, errors.New("a stream factory is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.FreeDrivePollPeriod <= 0 {
		cfg.FreeDrivePollPeriod = DefaultFreeDrivePollPeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	n := len(cfg.Joints)
	joints := append([]referenceframe.Joint(nil), cfg.Joints...)
	jointIndex := make(map[string]int, n)
	for i, j := range joints {
		if j.Name == "" {
			return nil, errors.Errorf("joint %d has no name", i)
		}
		if _, dup := jointIndex[j.Name]; dup {
			return nil, errors.Errorf("duplicate joint %q", j.Name)
		}
		jointIndex[j.Name] = i
	}

	h := &Hardware{
		cfg:          cfg,
		logger:       logger,
		cmd:          cmd,
		gateway:      newGateway(cmd, cfg.AckTimeout, logger.Sublogger("gateway")),
		newStream:    newStream,
		enforcer:     limits.NewEnforcer(joints),
		joints:       joints,
		jointIndex:   jointIndex,
		backend:      idleBackend{},
		states:       make([]JointState, n),
		commands:     make([]JointCommand, n),
		reference:    make([]float64, n),
		desired:      make([]limits.Command, n),
		dispatched:   make([]limits.Command, n),
		positions:    make([]float64, n),
		velocities:   make([]float64, n),
		claims:       make([]jointClaim, n),
		faultCh:      make(chan struct{}, 1),
		snapStates:   make([]JointState, n),
		snapCommands: make([]JointCommand, n),
	}
	for i := range h.commands {
		h.commands[i] = HoldCommand()
		h.reference[i] = math.NaN()
	}
	h.cfg.Joints = joints
	return h, nil
}

// Init uploads the streaming parameters and seeds the joint states from the controller. Requests
// fail with ErrNotInitialized until Init has succeeded.
func (h *Hardware) Init(ctx context.Context) error {
	if h.initialized.Load() {
		return nil
	}
	if err := h.gateway.Do(ctx, ModeIdle, Request{Kind: RequestConfigureStreaming}); err != nil {
		return errors.Wrap(err, "uploading streaming parameters")
	}

	readCtx, cancel := context.WithTimeout(ctx, h.gateway.ackTimeout)
	positions, err := h.cmd.JointPositions(readCtx)
	cancel()
	switch {
	case err != nil:
		h.logger.CWarnw(ctx, "could not read initial joint positions", "error", err)
	case len(positions) != len(h.joints):
		return utils.NewLengthMismatchError("joint positions", len(h.joints), len(positions))
	default:
		h.cycleMu.Lock()
		for i, p := range positions {
			h.states[i] = JointState{Position: p}
			h.reference[i] = p
		}
		h.updateSnapshot()
		h.cycleMu.Unlock()
	}

	h.workers = utils.NewStoppableWorkers(h.superviseFaults)
	h.initialized.Store(true)
	h.logger.CInfow(ctx, "hardware interface initialized", "joints", referenceframe.JointNames(h.joints))
	return nil
}

// Joints returns the joint table.
func (h *Hardware) Joints() []referenceframe.Joint {
	return h.joints
}

// Mode returns the current mode.
func (h *Hardware) Mode() Mode {
	return Mode(h.mode.Load())
}

// StreamingSession counts entries into STREAMING. Controllers compare it to notice a new session.
func (h *Hardware) StreamingSession() uint64 {
	return h.sessions.Load()
}

// Fault returns the sticky backend fault, or nil.
func (h *Hardware) Fault() error {
	return h.fault.Load()
}

// PendingRequest returns the discrete request awaiting acknowledgment, if any.
func (h *Hardware) PendingRequest() (PendingRequest, bool) {
	return h.gateway.Pending()
}

func (h *Hardware) setBackend(b backend) {
	h.backend = b
	h.mode.Store(int32(b.mode()))
	sb, _ := b.(*streamingBackend)
	h.streaming.Store(sb)
}

// setFault records the first fault since the last reset and wakes the supervisor. It never blocks.
func (h *Hardware) setFault(err error) {
	if err == nil || !h.fault.CompareAndSwap(nil, err) {
		return
	}
	select {
	case h.faultCh <- struct{}{}:
	default:
	}
}

// Read copies the latest sensed state of the active backend into the state vector. In IDLE the
// last known state is held.
func (h *Hardware) Read(elapsed time.Duration) {
	h.cycleMu.Lock()
	defer h.cycleMu.Unlock()

	switch b := h.backend.(type) {
	case *streamingBackend:
		if err := b.stream.Err(); err != nil {
			h.setFault(err)
		}
		if fb := b.stream.Latest(); fb != nil && fb != b.last && len(fb.Positions) == len(h.states) {
			for i := range h.states {
				h.states[i].Position = fb.Positions[i]
				h.states[i].Velocity = fb.Velocities[i]
			}
			b.last = fb
		}
	case *freeDriveBackend:
		if err := b.poller.Err(); err != nil {
			h.setFault(err)
		}
		if s := b.poller.Latest(); s != nil && s != b.last && len(s.positions) == len(h.states) {
			for i := range h.states {
				h.states[i].Position = s.positions[i]
				h.states[i].Velocity = s.velocities[i]
			}
			b.last = s
		}
	}
	h.updateSnapshot()
}

// Write dispatches the command vector to the active backend. Only STREAMING actuates; there every
// command is saturated against the joint limits first, and joints without a controller hold. In the
// other modes commands are discarded and the reference tracks the sensed positions.
func (h *Hardware) Write(elapsed time.Duration) {
	h.cycleMu.Lock()
	defer h.cycleMu.Unlock()

	b, ok := h.backend.(*streamingBackend)
	if !ok {
		for i := range h.states {
			h.reference[i] = h.states[i].Position
		}
		return
	}

	dt := elapsed.Seconds()
	for i, c := range h.commands {
		switch h.claims[i].iface {
		case PositionInterface:
			h.desired[i] = c
		case VelocityInterface:
			h.desired[i] = limits.Command{Position: h.reference[i] + c.Velocity*dt, Velocity: c.Velocity}
		default:
			h.desired[i] = HoldCommand()
		}
	}
	h.dispatched = h.enforcer.Enforce(h.dispatched, h.desired, h.reference, elapsed)
	for i, c := range h.dispatched {
		h.positions[i] = c.Position
		h.velocities[i] = c.Velocity
		h.reference[i] = c.Position
	}
	if err := b.stream.SetCommand(h.positions, h.velocities); err != nil {
		h.setFault(err)
	}
}

// SetCommands replaces the command vector. Called by controllers between Read and Write.
func (h *Hardware) SetCommands(cmds []JointCommand) error {
	if len(cmds) != len(h.commands) {
		return utils.NewLengthMismatchError("joint commands", len(h.commands), len(cmds))
	}
	h.cycleMu.Lock()
	copy(h.commands, cmds)
	h.cycleMu.Unlock()
	return nil
}

// SetCommand sets the command of joint i.
func (h *Hardware) SetCommand(i int, cmd JointCommand) error {
	if i < 0 || i >= len(h.commands) {
		return errors.Errorf("joint index %d out of range", i)
	}
	h.cycleMu.Lock()
	h.commands[i] = cmd
	h.cycleMu.Unlock()
	return nil
}

// States copies the state vector into dst and returns it.
func (h *Hardware) States(dst []JointState) []JointState {
	h.cycleMu.Lock()
	defer h.cycleMu.Unlock()
	return append(dst[:0], h.states...)
}

// updateSnapshot publishes the vectors to non-real-time readers. It is skipped rather than waiting
// when a reader holds the snapshot. Callers hold cycleMu.
func (h *Hardware) updateSnapshot() {
	if !h.snapMu.TryLock() {
		return
	}
	copy(h.snapStates, h.states)
	copy(h.snapCommands, h.commands)
	h.snapMu.Unlock()
}

// JointStates returns the last published state and command of every joint.
func (h *Hardware) JointStates() []NamedJointState {
	h.snapMu.Lock()
	defer h.snapMu.Unlock()
	out := make([]NamedJointState, len(h.joints))
	for i, j := range h.joints {
		out[i] = NamedJointState{Name: j.Name, State: h.snapStates[i], Command: h.snapCommands[i]}
	}
	return out
}

// Reset clears the fault and sets every command to hold.
func (h *Hardware) Reset() {
	h.cycleMu.Lock()
	for i := range h.commands {
		h.commands[i] = HoldCommand()
	}
	h.fault.Store(nil)
	h.cycleMu.Unlock()
	h.logger.Info("hardware interface reset")
}

// String renders the joint table with the last published states and commands.
func (h *Hardware) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "mode %s", h.Mode())
	if err := h.Fault(); err != nil {
		fmt.Fprintf(&sb, " (fault: %v)", err)
	}
	for _, js := range h.JointStates() {
		fmt.Fprintf(&sb, "\n%s: pos %.4f vel %.4f eff %.4f cmd %.4f/%.4f",
			js.Name, js.State.Position, js.State.Velocity, js.State.Effort, js.Command.Position, js.Command.Velocity)
	}
	return sb.String()
}

// superviseFaults logs backend faults and, if configured, returns to IDLE.
func (h *Hardware) superviseFaults(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.faultCh:
		}
		err := h.Fault()
		if err == nil {
			continue
		}
		mode := h.Mode()
		h.logger.CErrorw(ctx, "backend fault", "mode", mode, "error", err)
		if !h.cfg.AutoIdleOnFault || mode == ModeIdle {
			continue
		}
		err = operation.WaitForSuccess(ctx, 10*time.Millisecond, func(ctx context.Context) (bool, error) {
			err := h.requestIdle(ctx)
			if errors.Is(err, ErrBusy) {
				return false, nil
			}
			return true, err
		})
		if err != nil {
			h.logger.CErrorw(ctx, "returning to IDLE after fault failed", "error", err)
			continue
		}
		h.logger.CInfow(ctx, "returned to IDLE after fault")
	}
}

// forwardFaults reports stream faults as they happen rather than at the next cycle.
func (h *Hardware) forwardFaults(stream Stream, done <-chan struct{}) func(context.Context) {
	return func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case err := <-stream.Faults():
				h.setFault(err)
			}
		}
	}
}

// RefreshDigitalInputs reads the digital input byte from the controller.
func (h *Hardware) RefreshDigitalInputs(ctx context.Context) (byte, error) {
	ctx, cancel := context.WithTimeout(ctx, h.gateway.ackTimeout)
	defer cancel()
	b, err := h.cmd.DigitalInputs(ctx)
	if err != nil {
		return 0, err
	}
	h.inputs.Store(uint32(b))
	h.haveInputs.Store(true)
	return b, nil
}

// DigitalInputs returns the last digital input byte read, and whether one was read.
func (h *Hardware) DigitalInputs() (byte, bool) {
	return byte(h.inputs.Load()), h.haveInputs.Load()
}

// Shutdown returns to IDLE, waiting for any transition in flight, and stops background work.
// Requests fail with ErrNotInitialized afterwards.
func (h *Hardware) Shutdown(ctx context.Context) error {
	if !h.initialized.CompareAndSwap(true, false) {
		return nil
	}
	h.workers.Stop()
	h.transitions.CancelRunning()

	var idleErr error
	err := operation.WaitForSuccess(ctx, 10*time.Millisecond, func(ctx context.Context) (bool, error) {
		idleErr = h.requestIdle(ctx)
		return !errors.Is(idleErr, ErrBusy), nil
	})
	if err != nil {
		return errors.Wrap(err, "waiting for pending transition")
	}
	h.logger.CInfow(ctx, "hardware interface shut down")
	return idleErr
}
