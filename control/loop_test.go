package control

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/omnicore/components/arm/omnicore"
	"go.viam.com/omnicore/logging"
)

type fakeHardware struct {
	mu       sync.Mutex
	events   []string
	elapsed  []time.Duration
	switches int
	reject   error

	// switchCalls records CanSwitch and DoSwitch in call order.
	switchCalls []string
	veto        error
	clk         *clock.Mock
	readTakes   time.Duration
}

func (h *fakeHardware) record(ev string, elapsed time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	if ev == "read" {
		h.elapsed = append(h.elapsed, elapsed)
	}
}

func (h *fakeHardware) Read(elapsed time.Duration) {
	h.record("read", elapsed)
	if h.clk != nil {
		h.clk.Add(h.readTakes)
	}
}

func (h *fakeHardware) Write(elapsed time.Duration) { h.record("write", elapsed) }

func (h *fakeHardware) CanSwitch(start, stop []omnicore.ControllerInfo) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.switchCalls = append(h.switchCalls, "can")
	if h.veto != nil {
		return h.veto
	}
	return h.reject
}

func (h *fakeHardware) DoSwitch(start, stop []omnicore.ControllerInfo) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.switchCalls = append(h.switchCalls, "do")
	if h.reject != nil {
		return h.reject
	}
	h.switches++
	return nil
}

func (h *fakeHardware) snapshot() ([]string, []time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...), append([]time.Duration(nil), h.elapsed...)
}

type recordingController struct {
	name string
	hw   *fakeHardware
}

func (c *recordingController) Info() omnicore.ControllerInfo {
	return omnicore.ControllerInfo{Name: c.name}
}

func (c *recordingController) Update(elapsed time.Duration) {
	c.hw.record("update "+c.name, elapsed)
}

func TestLoopConfigValidation(t *testing.T) {
	logger := logging.NewTestLogger(t)
	for _, f := range []float64{0, -1, 1000.5, math.NaN(), math.Inf(1)} {
		_, err := NewLoop(logger, Config{Frequency: f}, &fakeHardware{}, nil)
		test.That(t, err, test.ShouldNotBeNil)
	}
	for _, f := range []float64{1, 250, 1000} {
		l, err := NewLoop(logger, Config{Frequency: f}, &fakeHardware{}, nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, l.dt, test.ShouldEqual, time.Duration(float64(time.Second)/f))
	}
	_, err := NewLoop(logger, Config{Frequency: 250}, nil, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLoopCycleOrder(t *testing.T) {
	hw := &fakeHardware{}
	clk := clock.NewMock()
	l, err := NewLoop(logging.NewTestLogger(t), Config{Frequency: 250}, hw, clk)
	test.That(t, err, test.ShouldBeNil)

	a := &recordingController{name: "a", hw: hw}
	b := &recordingController{name: "b", hw: hw}
	test.That(t, l.SwitchControllers([]Controller{a, b}, nil), test.ShouldBeNil)
	test.That(t, len(l.Controllers()), test.ShouldEqual, 2)

	test.That(t, l.Start(), test.ShouldBeNil)
	test.That(t, l.Start(), test.ShouldNotBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		clk.Add(4 * time.Millisecond)
		test.That(tb, l.Stats().Cycles, test.ShouldBeGreaterThanOrEqualTo, 3)
	})
	l.Stop()
	l.Stop()

	events, elapsed := hw.snapshot()
	test.That(t, len(events)%4, test.ShouldEqual, 0)
	for i := 0; i < len(events); i += 4 {
		test.That(t, events[i:i+4], test.ShouldResemble, []string{"read", "update a", "update b", "write"})
	}
	for _, e := range elapsed {
		test.That(t, e, test.ShouldBeGreaterThan, 0)
	}
	// nothing reaches the hardware after Stop
	n := len(events)
	clk.Add(40 * time.Millisecond)
	events, _ = hw.snapshot()
	test.That(t, len(events), test.ShouldEqual, n)
}

func TestLoopSwitchControllers(t *testing.T) {
	hw := &fakeHardware{}
	l, err := NewLoop(logging.NewTestLogger(t), Config{Frequency: 100}, hw, clock.NewMock())
	test.That(t, err, test.ShouldBeNil)

	a := &recordingController{name: "a", hw: hw}
	b := &recordingController{name: "b", hw: hw}
	test.That(t, l.SwitchControllers([]Controller{a}, nil), test.ShouldBeNil)
	test.That(t, l.SwitchControllers([]Controller{b}, []Controller{a}), test.ShouldBeNil)
	ctrls := l.Controllers()
	test.That(t, len(ctrls), test.ShouldEqual, 1)
	test.That(t, ctrls[0].Info().Name, test.ShouldEqual, "b")

	hw.mu.Lock()
	hw.reject = errors.New("joint already claimed")
	hw.mu.Unlock()
	test.That(t, l.SwitchControllers([]Controller{a}, []Controller{b}), test.ShouldNotBeNil)
	ctrls = l.Controllers()
	test.That(t, len(ctrls), test.ShouldEqual, 1)
	test.That(t, ctrls[0].Info().Name, test.ShouldEqual, "b")
	test.That(t, hw.switches, test.ShouldEqual, 2)
}

func TestLoopSwitchChecksBeforeApplying(t *testing.T) {
	hw := &fakeHardware{}
	l, err := NewLoop(logging.NewTestLogger(t), Config{Frequency: 100}, hw, clock.NewMock())
	test.That(t, err, test.ShouldBeNil)

	a := &recordingController{name: "a", hw: hw}
	test.That(t, l.SwitchControllers([]Controller{a}, nil), test.ShouldBeNil)
	test.That(t, hw.switchCalls, test.ShouldResemble, []string{"can", "do"})

	// a vetoed switch never reaches DoSwitch
	hw.mu.Lock()
	hw.veto = errors.New("effort interface is not supported")
	hw.mu.Unlock()
	b := &recordingController{name: "b", hw: hw}
	err = l.SwitchControllers([]Controller{b}, []Controller{a})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "effort")
	test.That(t, hw.switchCalls, test.ShouldResemble, []string{"can", "do", "can"})
	test.That(t, hw.switches, test.ShouldEqual, 1)
	ctrls := l.Controllers()
	test.That(t, len(ctrls), test.ShouldEqual, 1)
	test.That(t, ctrls[0].Info().Name, test.ShouldEqual, "a")
}

func TestLoopTiming(t *testing.T) {
	clk := clock.NewMock()
	hw := &fakeHardware{clk: clk, readTakes: 2 * time.Millisecond}
	l, err := NewLoop(logging.NewTestLogger(t), Config{Frequency: 250}, hw, clk)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, l.Stats(), test.ShouldResemble, Stats{})

	for i := 0; i < 99; i++ {
		l.cycle(4 * time.Millisecond)
	}
	hw.readTakes = 6 * time.Millisecond
	l.cycle(4 * time.Millisecond)

	st := l.Stats()
	test.That(t, st.Cycles, test.ShouldEqual, int64(100))
	test.That(t, st.Overruns, test.ShouldEqual, int64(1))
	test.That(t, st.LastTook, test.ShouldEqual, 6*time.Millisecond)
	test.That(t, st.MaxTook, test.ShouldEqual, 6*time.Millisecond)
	test.That(t, st.MeanTook, test.ShouldBeBetween, 2*time.Millisecond, 3*time.Millisecond)
	test.That(t, st.P99Took, test.ShouldBeBetweenOrEqual, 2*time.Millisecond, 6*time.Millisecond)

	// only the most recent cycles count
	hw.readTakes = time.Millisecond
	for i := 0; i < timingWindow; i++ {
		l.cycle(4 * time.Millisecond)
	}
	st = l.Stats()
	test.That(t, st.MaxTook, test.ShouldEqual, time.Millisecond)
	test.That(t, st.Overruns, test.ShouldEqual, int64(1))
}
