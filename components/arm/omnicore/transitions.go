package omnicore

import (
	"context"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"

	"go.viam.com/omnicore/spatialmath"
	"go.viam.com/omnicore/utils"
)

func (h *Hardware) admit(ctx context.Context, method string) (context.Context, func(), error) {
	if !h.initialized.Load() {
		return ctx, func() {}, ErrNotInitialized
	}
	ctx, done, err := h.transitions.TryNew(ctx, method)
	if err != nil {
		return ctx, done, err
	}
	ctx, span := trace.StartSpan(ctx, "omnicore::"+method)
	return ctx, func() {
		span.End()
		done()
	}, nil
}

// RequestStreamingMode enters STREAMING from IDLE. The robot is told to start streaming and the
// call returns once the first frame has arrived; the commands are seeded with the sensed positions
// so the robot does not move until a controller commands it. On failure the mode stays IDLE.
func (h *Hardware) RequestStreamingMode(ctx context.Context) error {
	ctx, done, err := h.admit(ctx, "RequestStreamingMode")
	if err != nil {
		return err
	}
	defer done()

	switch mode := h.Mode(); mode {
	case ModeStreaming:
		return nil
	case ModeFreeDrive:
		return NewWrongModeError("start streaming", mode)
	}

	stream, err := h.newStream()
	if err != nil {
		return errors.Wrap(err, "opening streaming channel")
	}
	if err := h.gateway.Do(ctx, ModeIdle, Request{Kind: RequestStartStreaming}); err != nil {
		return h.abortStreaming(ctx, stream, err)
	}
	connectCtx, cancel := context.WithTimeout(ctx, h.cfg.ConnectTimeout)
	err = stream.WaitForConnection(connectCtx)
	cancel()
	if err != nil {
		return h.abortStreaming(ctx, stream, errors.Wrap(err, "waiting for the first streamed frame"))
	}
	fb := stream.Latest()
	if fb == nil || len(fb.Positions) != len(h.joints) || !utils.AllFinite(fb.Positions) {
		return h.abortStreaming(ctx, stream, errors.New("first streamed frame has no usable joint positions"))
	}

	b := &streamingBackend{stream: stream, done: make(chan struct{}), last: fb}
	h.cycleMu.Lock()
	for i := range h.states {
		h.states[i] = JointState{Position: fb.Positions[i], Velocity: fb.Velocities[i]}
		h.reference[i] = fb.Positions[i]
		h.commands[i] = JointCommand{Position: fb.Positions[i]}
	}
	// hold until the first Write
	err = stream.SetCommand(h.reference, make([]float64, len(h.reference)))
	if err == nil {
		h.sessions.Inc()
		h.fault.Store(nil)
		h.setBackend(b)
		h.updateSnapshot()
	}
	h.cycleMu.Unlock()
	if err != nil {
		return h.abortStreaming(ctx, stream, err)
	}

	h.workers.AddWorkers(h.forwardFaults(stream, b.done))
	h.logger.CInfow(ctx, "entered STREAMING")
	h.logger.CDebugw(ctx, "state on entry", "state", h.String())
	return nil
}

// abortStreaming undoes a partial entry into STREAMING and returns cause with any cleanup error.
func (h *Hardware) abortStreaming(ctx context.Context, stream Stream, cause error) error {
	stopCtx := context.WithoutCancel(ctx)
	if err := h.gateway.Do(stopCtx, ModeIdle, Request{Kind: RequestStopStreaming}); err != nil {
		h.logger.CWarnw(ctx, "stopping streaming after failed start", "error", err)
	}
	return multierr.Combine(cause, stream.Close())
}

// RequestFreeDriveMode enters FREE_DRIVE from IDLE.
func (h *Hardware) RequestFreeDriveMode(ctx context.Context) error {
	ctx, done, err := h.admit(ctx, "RequestFreeDriveMode")
	if err != nil {
		return err
	}
	defer done()

	switch mode := h.Mode(); mode {
	case ModeFreeDrive:
		return nil
	case ModeStreaming:
		return NewWrongModeError("start free drive", mode)
	}

	if err := h.gateway.Do(ctx, ModeIdle, Request{Kind: RequestStartFreeDrive}); err != nil {
		return err
	}
	poller := newFreeDrivePoller(h.cmd.JointPositions, h.cfg.FreeDrivePollPeriod, h.gateway.ackTimeout,
		h.cfg.Clock, h.logger.Sublogger("freedrive"))
	poller.start()

	h.cycleMu.Lock()
	h.fault.Store(nil)
	h.setBackend(&freeDriveBackend{poller: poller})
	h.cycleMu.Unlock()
	h.logger.CInfow(ctx, "entered FREE_DRIVE")
	return nil
}

// RequestIdleMode returns to IDLE from any mode. The mode is IDLE when this returns, even if the
// robot could not be told to stop; that error is still returned.
func (h *Hardware) RequestIdleMode(ctx context.Context) error {
	if !h.initialized.Load() {
		return ErrNotInitialized
	}
	return h.requestIdle(ctx)
}

func (h *Hardware) requestIdle(ctx context.Context) error {
	ctx, done, err := h.transitions.TryNew(ctx, "RequestIdleMode")
	if err != nil {
		return err
	}
	defer done()
	ctx, span := trace.StartSpan(ctx, "omnicore::RequestIdleMode")
	defer span.End()

	// the backend is swapped before anything is released so the control loop never sees a closed one
	h.cycleMu.Lock()
	prev := h.backend
	h.setBackend(idleBackend{})
	for i := range h.commands {
		h.commands[i] = HoldCommand()
	}
	h.updateSnapshot()
	h.cycleMu.Unlock()

	// the robot may take the stop request after ctx is gone
	stopCtx := context.WithoutCancel(ctx)
	switch b := prev.(type) {
	case *streamingBackend:
		close(b.done)
		err = multierr.Combine(
			h.gateway.Do(stopCtx, ModeIdle, Request{Kind: RequestStopStreaming}),
			b.stream.Close(),
		)
	case *freeDriveBackend:
		b.poller.stop()
		err = h.gateway.Do(stopCtx, ModeIdle, Request{Kind: RequestStopFreeDrive})
	default:
		return nil
	}
	if err != nil {
		h.logger.CWarnw(ctx, "entered IDLE with errors", "from", prev.mode(), "error", err)
		return err
	}
	h.logger.CInfow(ctx, "entered IDLE", "from", prev.mode())
	return nil
}

// RequestPointToPointMove moves the tool to pose with a joint-interpolated motion. The robot runs
// the motion itself; the call returns once the request is acknowledged. Not allowed in STREAMING.
func (h *Hardware) RequestPointToPointMove(ctx context.Context, pose spatialmath.Pose) error {
	return h.requestMove(ctx, RequestMoveJoint, pose)
}

// RequestLinearMove moves the tool to pose along a straight line. Not allowed in STREAMING.
func (h *Hardware) RequestLinearMove(ctx context.Context, pose spatialmath.Pose) error {
	return h.requestMove(ctx, RequestMoveLinear, pose)
}

func (h *Hardware) requestMove(ctx context.Context, kind RequestKind, pose spatialmath.Pose) error {
	if err := pose.Validate(); err != nil {
		return err
	}
	ctx, done, err := h.admit(ctx, string(kind))
	if err != nil {
		return err
	}
	defer done()
	return h.gateway.Do(ctx, h.Mode(), Request{Kind: kind, Pose: pose})
}
