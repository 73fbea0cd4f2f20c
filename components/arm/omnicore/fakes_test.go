package omnicore

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"go.viam.com/omnicore/components/arm/omnicore/egm"
	"go.viam.com/omnicore/logging"
	"go.viam.com/omnicore/referenceframe"
	"go.viam.com/omnicore/spatialmath"
)

type fakeCommander struct {
	mu        sync.Mutex
	requests  []RequestKind
	poses     []spatialmath.Pose
	fail      map[RequestKind]error
	block     map[RequestKind]chan struct{}
	entered   chan RequestKind
	positions []float64
	posErr    error
	inputs    byte
}

func newFakeCommander(positions []float64) *fakeCommander {
	return &fakeCommander{
		fail:      map[RequestKind]error{},
		block:     map[RequestKind]chan struct{}{},
		entered:   make(chan RequestKind, 16),
		positions: positions,
	}
}

func (c *fakeCommander) setFail(kind RequestKind, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[kind] = err
}

// blockOn makes requests of kind wait until the returned function is called or their context ends.
func (c *fakeCommander) blockOn(kind RequestKind) func() {
	ch := make(chan struct{})
	c.mu.Lock()
	c.block[kind] = ch
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (c *fakeCommander) requested() []RequestKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RequestKind(nil), c.requests...)
}

func (c *fakeCommander) request(ctx context.Context, kind RequestKind, pose *spatialmath.Pose) error {
	c.mu.Lock()
	c.requests = append(c.requests, kind)
	if pose != nil {
		c.poses = append(c.poses, *pose)
	}
	err := c.fail[kind]
	ch := c.block[kind]
	c.mu.Unlock()

	select {
	case c.entered <- kind:
	default:
	}
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (c *fakeCommander) ConfigureStreaming(ctx context.Context) error {
	return c.request(ctx, RequestConfigureStreaming, nil)
}

func (c *fakeCommander) StartStreaming(ctx context.Context) error {
	return c.request(ctx, RequestStartStreaming, nil)
}

func (c *fakeCommander) StopStreaming(ctx context.Context) error {
	return c.request(ctx, RequestStopStreaming, nil)
}

func (c *fakeCommander) StartFreeDrive(ctx context.Context) error {
	return c.request(ctx, RequestStartFreeDrive, nil)
}

func (c *fakeCommander) StopFreeDrive(ctx context.Context) error {
	return c.request(ctx, RequestStopFreeDrive, nil)
}

func (c *fakeCommander) MoveJoint(ctx context.Context, pose spatialmath.Pose) error {
	return c.request(ctx, RequestMoveJoint, &pose)
}

func (c *fakeCommander) MoveLinear(ctx context.Context, pose spatialmath.Pose) error {
	return c.request(ctx, RequestMoveLinear, &pose)
}

func (c *fakeCommander) DigitalInputs(ctx context.Context) (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputs, nil
}

func (c *fakeCommander) setPositions(positions []float64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions = positions
	c.posErr = err
}

func (c *fakeCommander) JointPositions(ctx context.Context) ([]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.posErr != nil {
		return nil, c.posErr
	}
	return append([]float64(nil), c.positions...), nil
}

type fakeStream struct {
	latest    atomic.Pointer[egm.Feedback]
	connected atomic.Bool
	err       atomic.Error
	closed    atomic.Bool
	noConnect bool
	faults    chan error

	mu         sync.Mutex
	positions  []float64
	velocities []float64
	sets       int
}

func newFakeStream(positions []float64) *fakeStream {
	s := &fakeStream{faults: make(chan error, 1)}
	if positions != nil {
		s.feed(positions)
	}
	return s
}

func (s *fakeStream) feed(positions []float64) {
	var seq uint32
	if prev := s.latest.Load(); prev != nil {
		seq = prev.Seq + 1
	}
	s.latest.Store(&egm.Feedback{
		Seq:        seq,
		Received:   time.Now(),
		Positions:  append([]float64(nil), positions...),
		Velocities: make([]float64, len(positions)),
	})
	s.connected.Store(true)
}

func (s *fakeStream) Latest() *egm.Feedback { return s.latest.Load() }

func (s *fakeStream) SetCommand(positions, velocities []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = append(s.positions[:0], positions...)
	s.velocities = append(s.velocities[:0], velocities...)
	s.sets++
	return nil
}

func (s *fakeStream) lastCommand() ([]float64, []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.positions...), append([]float64(nil), s.velocities...)
}

func (s *fakeStream) Connected() bool { return s.connected.Load() }

func (s *fakeStream) WaitForConnection(ctx context.Context) error {
	if !s.noConnect && s.connected.Load() {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeStream) Err() error { return s.err.Load() }

func (s *fakeStream) Faults() <-chan error { return s.faults }

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	s.connected.Store(false)
	return nil
}

// streamSource hands out the queued streams in order.
type streamSource struct {
	mu      sync.Mutex
	queue   []*fakeStream
	created []*fakeStream
}

func (src *streamSource) push(s *fakeStream) {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.queue = append(src.queue, s)
}

func (src *streamSource) factory() (Stream, error) {
	src.mu.Lock()
	defer src.mu.Unlock()
	var s *fakeStream
	if len(src.queue) > 0 {
		s, src.queue = src.queue[0], src.queue[1:]
	} else {
		s = newFakeStream(make([]float64, testJoints))
	}
	src.created = append(src.created, s)
	return s, nil
}

func (src *streamSource) count() int {
	src.mu.Lock()
	defer src.mu.Unlock()
	return len(src.created)
}

const testJoints = 6

func testJointTable(t *testing.T) []referenceframe.Joint {
	t.Helper()
	joints := make([]referenceframe.Joint, testJoints)
	for i := range joints {
		j, err := referenceframe.NewJoint("joint_"+string(rune('1'+i)), i, referenceframe.RevoluteJoint, -math.Pi, math.Pi, 1, 0)
		test.That(t, err, test.ShouldBeNil)
		joints[i] = j
	}
	return joints
}

type testHarness struct {
	hw      *Hardware
	cmd     *fakeCommander
	streams *streamSource
	clk     *clock.Mock
}

func newTestHardware(t *testing.T, mutate func(cfg *Config)) *testHarness {
	t.Helper()
	th := &testHarness{
		cmd:     newFakeCommander(make([]float64, testJoints)),
		streams: &streamSource{},
		clk:     clock.NewMock(),
	}
	cfg := Config{
		Joints:              testJointTable(t),
		AckTimeout:          time.Second,
		ConnectTimeout:      time.Second,
		FreeDrivePollPeriod: 10 * time.Millisecond,
		Clock:               th.clk,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	hw, err := NewHardware(cfg, th.cmd, th.streams.factory, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	th.hw = hw
	t.Cleanup(func() { test.That(t, hw.Shutdown(context.Background()), test.ShouldBeNil) })
	return th
}

func (th *testHarness) init(t *testing.T) {
	t.Helper()
	test.That(t, th.hw.Init(context.Background()), test.ShouldBeNil)
}
