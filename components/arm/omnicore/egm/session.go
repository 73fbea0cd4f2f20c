// Package egm implements the sensor side of ABB's Externally Guided Motion protocol.
//
// The robot initiates the exchange: once EGM is activated in RAPID it sends an EgmRobot datagram
// every cycle (typically 4ms) to the configured port and expects an EgmSensor reply carrying the
// next joint references. A Session owns the UDP socket and runs that exchange on its own
// goroutine. The control loop only touches atomically published snapshots, so it never waits on
// the network.
package egm

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"go.viam.com/omnicore/logging"
	"go.viam.com/omnicore/utils"
)

const (
	maxDatagramSize           = 4096
	defaultStalenessTolerance = 100 * time.Millisecond
	defaultReadTimeout        = 10 * time.Millisecond
	faultBuffer               = 8
)

// Config configures a Session.
type Config struct {
	// BindAddress is the local address to listen on. Empty listens on all interfaces.
	BindAddress string
	// Port is the UDP port the robot sends to. Zero picks a free port.
	Port int
	// Joints is the number of logical joints exchanged with the control loop.
	Joints int
	// Rotary marks which logical joints are angles. Nil means all of them.
	Rotary []bool
	// ExternalAxis enables sending the logical joint at ExternalAxisIndex as the first external
	// axis, as on a single arm YuMi where the seventh joint sits at index 2.
	ExternalAxis      bool
	ExternalAxisIndex int
	// StalenessTolerance is the longest silence from a connected robot before the connection is
	// declared lost.
	StalenessTolerance time.Duration
	// ReadTimeout bounds each socket read so silence and shutdown are noticed.
	ReadTimeout time.Duration
}

func (cfg *Config) validate() error {
	if cfg.Joints <= 0 {
		return errors.Errorf("joint count must be positive, got %d", cfg.Joints)
	}
	if cfg.Rotary != nil && len(cfg.Rotary) != cfg.Joints {
		return utils.NewLengthMismatchError("rotary flags", cfg.Joints, len(cfg.Rotary))
	}
	if cfg.ExternalAxis && (cfg.ExternalAxisIndex < 0 || cfg.ExternalAxisIndex >= cfg.Joints) {
		return errors.Errorf("external axis index %d out of range for %d joints", cfg.ExternalAxisIndex, cfg.Joints)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return errors.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.StalenessTolerance <= 0 {
		cfg.StalenessTolerance = defaultStalenessTolerance
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ReadTimeout > cfg.StalenessTolerance {
		cfg.ReadTimeout = cfg.StalenessTolerance
	}
	return nil
}

// Feedback is one sensed sample, converted to radians (meters for linear joints) and ordered by
// logical joint. A Feedback is never modified after it is published.
type Feedback struct {
	Seq uint32
	// RobotTime is the robot's timestamp of the sample.
	RobotTime time.Duration
	Received  time.Time

	Positions  []float64
	Velocities []float64

	MotorsOn       bool
	MCIRunning     bool
	RapidRunning   bool
	ConvergenceMet bool
}

type command struct {
	positions  []float64
	velocities []float64
}

// Session is a listening EGM endpoint serving one robot.
type Session struct {
	cfg    Config
	ext    int
	logger logging.Logger
	conn   *net.UDPConn
	start  time.Time

	latest    atomic.Pointer[Feedback]
	command   atomic.Pointer[command]
	lastFrame atomic.Int64
	connected atomic.Bool
	err       atomic.Error

	connectedOnce sync.Once
	connectedCh   chan struct{}
	closeOnce     sync.Once
	closedCh      chan struct{}
	faults        chan error

	workers *utils.StoppableWorkers
}

// NewSession starts listening for the robot. Frames are served until Close.
func NewSession(cfg Config, logger logging.Logger) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid EGM config")
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot listen for EGM on %v", addr)
	}
	s := &Session{
		cfg:         cfg,
		ext:         -1,
		logger:      logger,
		conn:        conn,
		start:       time.Now(),
		connectedCh: make(chan struct{}),
		closedCh:    make(chan struct{}),
		faults:      make(chan error, faultBuffer),
	}
	if cfg.ExternalAxis {
		s.ext = cfg.ExternalAxisIndex
	}
	s.workers = utils.NewStoppableWorkers(s.serve)
	logger.Debugw("listening for EGM", "address", conn.LocalAddr().String())
	return s, nil
}

// LocalAddr returns the address the session listens on.
func (s *Session) LocalAddr() *net.UDPAddr {
	//nolint:forcetypeassert
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Latest returns the most recent sample, or nil if none has arrived yet. It never blocks.
func (s *Session) Latest() *Feedback {
	return s.latest.Load()
}

// SetCommand publishes the joint references sent in the next replies. Values are in radians
// (meters for linear joints) per logical joint. The slices are copied.
func (s *Session) SetCommand(positions, velocities []float64) error {
	if len(positions) != s.cfg.Joints {
		return utils.NewLengthMismatchError("command positions", s.cfg.Joints, len(positions))
	}
	if velocities != nil && len(velocities) != s.cfg.Joints {
		return utils.NewLengthMismatchError("command velocities", s.cfg.Joints, len(velocities))
	}
	backing := make([]float64, 2*s.cfg.Joints)
	cmd := &command{positions: backing[:s.cfg.Joints], velocities: backing[s.cfg.Joints:]}
	copy(cmd.positions, positions)
	copy(cmd.velocities, velocities)
	s.command.Store(cmd)
	return nil
}

// Connected reports whether the robot is currently sending frames.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// WaitForConnection blocks until the first valid frame arrives, ctx is done, or the session is
// closed.
func (s *Session) WaitForConnection(ctx context.Context) error {
	select {
	case <-s.connectedCh:
		return nil
	case <-s.closedCh:
		return ErrClosed
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for robot to connect over EGM")
	}
}

// Err returns the first fault seen by the session. It stays set until the session is closed.
func (s *Session) Err() error {
	return s.err.Load()
}

// Faults delivers every fault as it happens. Faults are dropped when nobody is receiving.
func (s *Session) Faults() <-chan error {
	return s.faults
}

// Close stops serving and releases the socket. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closedCh)
		err = s.conn.Close()
		s.workers.Stop()
		s.connected.Store(false)
		s.logger.Debug("EGM session closed")
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Session) fault(err error) {
	if s.err.CompareAndSwap(nil, err) {
		s.logger.Errorw("EGM fault", "error", err)
	} else {
		s.logger.Debugw("EGM fault", "error", err)
	}
	select {
	case s.faults <- err:
	default:
	}
}

func (s *Session) closed() bool {
	select {
	case <-s.closedCh:
		return true
	default:
		return false
	}
}

func (s *Session) serve(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)
	var (
		in     RobotMessage
		out    SensorMessage
		outBuf []byte
		prev   *Feedback
	)
	for ctx.Err() == nil {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			if !s.closed() {
				s.fault(errors.Wrap(err, "EGM socket"))
			}
			return
		}
		n, addr, err := s.conn.ReadFromUDP(buf)
		now := time.Now()
		if err != nil {
			if s.closed() || errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.checkSilence(now)
				continue
			}
			s.fault(errors.Wrap(err, "reading EGM frame"))
			if !goutils.SelectContextOrWait(ctx, s.cfg.ReadTimeout) {
				return
			}
			continue
		}

		if err := UnmarshalRobot(buf[:n], &in); err != nil {
			s.fault(err)
			s.checkSilence(now)
			continue
		}
		fb, err := s.feedbackFrom(&in, prev, now)
		if err != nil {
			s.fault(err)
			s.checkSilence(now)
			continue
		}
		prev = fb
		s.latest.Store(fb)
		s.lastFrame.Store(now.UnixNano())
		s.markConnected(addr)

		outBuf = AppendSensor(outBuf[:0], s.reply(&out, fb, now))
		if _, err := s.conn.WriteToUDP(outBuf, addr); err != nil {
			if s.closed() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.fault(errors.Wrap(err, "writing EGM frame"))
		}
	}
}

func (s *Session) markConnected(addr *net.UDPAddr) {
	if s.connected.CompareAndSwap(false, true) {
		s.logger.Infow("robot connected over EGM", "robot", addr.String())
	}
	s.connectedOnce.Do(func() { close(s.connectedCh) })
}

func (s *Session) checkSilence(now time.Time) {
	if !s.connected.Load() {
		return
	}
	silence := now.Sub(time.Unix(0, s.lastFrame.Load()))
	if silence <= s.cfg.StalenessTolerance {
		return
	}
	if s.connected.CompareAndSwap(true, false) {
		s.fault(NewConnectionLostError(silence, s.cfg.StalenessTolerance))
	}
}

func (s *Session) rotary(i int) bool {
	return s.cfg.Rotary == nil || s.cfg.Rotary[i]
}

// fromWire converts one wire value of logical joint i to radians or meters.
func (s *Session) fromWire(i int, v float64) float64 {
	if s.rotary(i) {
		return utils.DegToRad(v)
	}
	return utils.MMToMeters(v)
}

func (s *Session) toWire(i int, v float64) float64 {
	if s.rotary(i) {
		return utils.RadToDeg(v)
	}
	return utils.MetersToMM(v)
}

func (s *Session) feedbackFrom(in *RobotMessage, prev *Feedback, now time.Time) (*Feedback, error) {
	robotJoints := s.cfg.Joints
	if s.ext >= 0 {
		robotJoints--
		if len(in.FeedbackExternalJoints) < 1 {
			return nil, NewMalformedFrameError("missing external axis feedback")
		}
	}
	if len(in.FeedbackJoints) != robotJoints {
		return nil, NewJointCountError(robotJoints, len(in.FeedbackJoints))
	}

	backing := make([]float64, 2*s.cfg.Joints)
	fb := &Feedback{
		Seq:            in.Header.Seqno,
		RobotTime:      time.Duration(in.Header.Tm) * time.Millisecond,
		Received:       now,
		Positions:      backing[:s.cfg.Joints],
		Velocities:     backing[s.cfg.Joints:],
		MotorsOn:       in.MotorState == MotorOn,
		MCIRunning:     in.MCIState == MCIRunning,
		RapidRunning:   in.RapidExecState == RapidRunning,
		ConvergenceMet: in.MCIConvergenceMet,
	}
	k := 0
	for i := range fb.Positions {
		if i == s.ext {
			fb.Positions[i] = s.fromWire(i, in.FeedbackExternalJoints[0])
			continue
		}
		fb.Positions[i] = s.fromWire(i, in.FeedbackJoints[k])
		k++
	}
	for i, p := range fb.Positions {
		if !utils.IsFinite(p) {
			return nil, NewMalformedFrameError(errors.Errorf("joint %d position is not finite", i).Error())
		}
	}

	if prev == nil {
		return fb, nil
	}
	// robot time is in milliseconds and wraps; unsigned subtraction handles the wrap
	dtMs := in.Header.Tm - uint32(prev.RobotTime/time.Millisecond)
	switch {
	case dtMs == 0:
		copy(fb.Velocities, prev.Velocities)
	case time.Duration(dtMs)*time.Millisecond <= s.cfg.StalenessTolerance:
		dt := (time.Duration(dtMs) * time.Millisecond).Seconds()
		for i := range fb.Velocities {
			fb.Velocities[i] = (fb.Positions[i] - prev.Positions[i]) / dt
		}
	}
	return fb, nil
}

// reply fills out with the references for the robot. Until a command is set the robot is told to
// hold the sensed position.
func (s *Session) reply(out *SensorMessage, fb *Feedback, now time.Time) *SensorMessage {
	out.Header.Seqno++
	out.Header.Tm = uint32(now.Sub(s.start) / time.Millisecond)
	out.Header.Mtype = MessageCorrection
	out.PlannedJoints = out.PlannedJoints[:0]
	out.PlannedExternalJoints = out.PlannedExternalJoints[:0]
	out.SpeedJoints = out.SpeedJoints[:0]
	out.SpeedExternalJoints = out.SpeedExternalJoints[:0]

	positions, velocities := fb.Positions, []float64(nil)
	if cmd := s.command.Load(); cmd != nil {
		positions, velocities = cmd.positions, cmd.velocities
	}
	for i, p := range positions {
		v := 0.0
		if velocities != nil {
			v = velocities[i]
		}
		if i == s.ext {
			out.PlannedExternalJoints = append(out.PlannedExternalJoints, s.toWire(i, p))
			out.SpeedExternalJoints = append(out.SpeedExternalJoints, s.toWire(i, v))
			continue
		}
		out.PlannedJoints = append(out.PlannedJoints, s.toWire(i, p))
		out.SpeedJoints = append(out.SpeedJoints, s.toWire(i, v))
	}
	return out
}
