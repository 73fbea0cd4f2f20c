package omnicore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"go.viam.com/omnicore/logging"
	"go.viam.com/omnicore/operation"
	"go.viam.com/omnicore/spatialmath"
)

// DefaultAckTimeout bounds a discrete request when none is configured.
const DefaultAckTimeout = 5 * time.Second

// Commander issues discrete requests to the robot controller. rws.StateMachine implements it.
// Each call returns once the controller has acknowledged the request.
type Commander interface {
	ConfigureStreaming(ctx context.Context) error
	StartStreaming(ctx context.Context) error
	StopStreaming(ctx context.Context) error
	StartFreeDrive(ctx context.Context) error
	StopFreeDrive(ctx context.Context) error
	MoveJoint(ctx context.Context, pose spatialmath.Pose) error
	MoveLinear(ctx context.Context, pose spatialmath.Pose) error
	DigitalInputs(ctx context.Context) (byte, error)
	JointPositions(ctx context.Context) ([]float64, error)
}

// RequestKind names a discrete request.
type RequestKind string

// Request kinds.
const (
	RequestConfigureStreaming RequestKind = "configure_streaming"
	RequestStartStreaming     RequestKind = "start_streaming"
	RequestStopStreaming      RequestKind = "stop_streaming"
	RequestStartFreeDrive     RequestKind = "start_free_drive"
	RequestStopFreeDrive      RequestKind = "stop_free_drive"
	RequestMoveJoint          RequestKind = "move_joint"
	RequestMoveLinear         RequestKind = "move_linear"
)

// Request is one discrete request. Pose is only used by moves.
type Request struct {
	Kind RequestKind
	Pose spatialmath.Pose
}

// PendingRequest describes the request awaiting acknowledgment.
type PendingRequest struct {
	ID       uuid.UUID   `json:"id"`
	Kind     RequestKind `json:"kind"`
	Started  time.Time   `json:"started"`
	Deadline time.Time   `json:"deadline"`
}

// gateway admits one discrete request at a time and bounds each by the acknowledgment timeout.
type gateway struct {
	cmd        Commander
	ackTimeout time.Duration
	ops        operation.SingleOperationManager
	logger     logging.Logger
}

func newGateway(cmd Commander, ackTimeout time.Duration, logger logging.Logger) *gateway {
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	return &gateway{cmd: cmd, ackTimeout: ackTimeout, logger: logger}
}

// Do issues req and waits for its acknowledgment. Moves are rejected while mode is STREAMING.
func (g *gateway) Do(ctx context.Context, mode Mode, req Request) error {
	if (req.Kind == RequestMoveJoint || req.Kind == RequestMoveLinear) && mode == ModeStreaming {
		return NewWrongModeError(string(req.Kind), mode)
	}

	ctx, cancel := context.WithTimeout(ctx, g.ackTimeout)
	defer cancel()
	ctx, done, err := g.ops.TryNew(ctx, string(req.Kind))
	if err != nil {
		return err
	}
	defer done()
	ctx, span := trace.StartSpan(ctx, "omnicore::gateway::"+string(req.Kind))
	defer span.End()

	start := time.Now()
	err = g.dispatch(ctx, req)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = NewAckTimeoutError(req.Kind, g.ackTimeout, err)
	}
	if err != nil {
		g.logger.CWarnw(ctx, "request failed", "kind", req.Kind, "error", err)
		return err
	}
	g.logger.CDebugw(ctx, "request acknowledged", "kind", req.Kind, "took", time.Since(start))
	return nil
}

func (g *gateway) dispatch(ctx context.Context, req Request) error {
	switch req.Kind {
	case RequestConfigureStreaming:
		return g.cmd.ConfigureStreaming(ctx)
	case RequestStartStreaming:
		return g.cmd.StartStreaming(ctx)
	case RequestStopStreaming:
		return g.cmd.StopStreaming(ctx)
	case RequestStartFreeDrive:
		return g.cmd.StartFreeDrive(ctx)
	case RequestStopFreeDrive:
		return g.cmd.StopFreeDrive(ctx)
	case RequestMoveJoint:
		return g.cmd.MoveJoint(ctx, req.Pose)
	case RequestMoveLinear:
		return g.cmd.MoveLinear(ctx, req.Pose)
	}
	return errors.Errorf("unknown request kind %q", req.Kind)
}

// Pending returns the request awaiting acknowledgment, if any.
func (g *gateway) Pending() (PendingRequest, bool) {
	op, ok := g.ops.Current()
	if !ok {
		return PendingRequest{}, false
	}
	return PendingRequest{ID: op.ID, Kind: RequestKind(op.Method), Started: op.Started, Deadline: op.Deadline}, true
}
