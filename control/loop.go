// Package control runs the fixed-rate read, update, write cycle over a hardware interface.
package control

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"

	"go.viam.com/omnicore/components/arm/omnicore"
	"go.viam.com/omnicore/logging"
	"go.viam.com/omnicore/utils"
)

// MaxFrequency is the highest supported loop frequency in Hz.
const MaxFrequency = 1000.

// Hardware is the interface driven by a Loop. *omnicore.Hardware implements it.
type Hardware interface {
	Read(elapsed time.Duration)
	Write(elapsed time.Duration)
	CanSwitch(start, stop []omnicore.ControllerInfo) error
	DoSwitch(start, stop []omnicore.ControllerInfo) error
}

// Controller computes commands once per cycle, between Read and Write. Update runs on the loop
// goroutine and must not block.
type Controller interface {
	Info() omnicore.ControllerInfo
	Update(elapsed time.Duration)
}

// Config configures a Loop.
type Config struct {
	// Frequency in Hz, in (0, MaxFrequency].
	Frequency float64
}

// Validate checks the loop frequency.
func (cfg Config) Validate() error {
	if math.IsNaN(cfg.Frequency) || cfg.Frequency <= 0 || cfg.Frequency > MaxFrequency {
		return errors.Errorf("loop frequency must be above 0 and at most %vHz, got %v", MaxFrequency, cfg.Frequency)
	}
	return nil
}

// Period returns the cycle period for the configured frequency.
func (cfg Config) Period() time.Duration {
	return time.Duration(float64(time.Second) / cfg.Frequency)
}

// Stats counts executed cycles and cycles that took longer than the period. The timing fields
// summarize the most recent cycles.
type Stats struct {
	Cycles   int64         `json:"cycles"`
	Overruns int64         `json:"overruns"`
	LastTook time.Duration `json:"last_took"`
	MeanTook time.Duration `json:"mean_took"`
	P99Took  time.Duration `json:"p99_took"`
	MaxTook  time.Duration `json:"max_took"`
}

const (
	overrunLogInterval = 5 * time.Second
	timingWindow       = 512
)

// Loop owns the control goroutine.
type Loop struct {
	cfg    Config
	dt     time.Duration
	hw     Hardware
	clk    clock.Clock
	logger logging.Logger

	switchMu    sync.Mutex
	controllers atomic.Pointer[[]Controller]

	mu      sync.Mutex
	workers *utils.StoppableWorkers

	cycles     atomic.Int64
	overruns   atomic.Int64
	lastTook   atomic.Duration
	overrunLog *logging.Throttle

	// took holds the durations of the most recent cycles in nanoseconds.
	timingMu sync.Mutex
	took     []float64
	tookNext int
}

// NewLoop returns a stopped loop driving hw. A nil clk means the wall clock.
func NewLoop(logger logging.Logger, cfg Config, hw Hardware, clk clock.Clock) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if hw == nil {
		return nil, errors.New("control loop needs hardware")
	}
	if clk == nil {
		clk = clock.New()
	}
	l := &Loop{
		cfg:        cfg,
		dt:         cfg.Period(),
		hw:         hw,
		clk:        clk,
		logger:     logger,
		overrunLog: logging.NewThrottle(overrunLogInterval, clk),
		took:       make([]float64, 0, timingWindow),
	}
	l.controllers.Store(&[]Controller{})
	return l, nil
}

// Start starts cycling.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.workers != nil {
		return errors.New("control loop is already running")
	}
	l.logger.Infow("starting control loop", "frequency", l.cfg.Frequency, "period", l.dt)
	l.workers = utils.NewStoppableWorkers(l.run)
	return nil
}

// Stop stops cycling and waits for the current cycle to finish. Commands stop flowing to the
// hardware after Stop returns.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.workers == nil {
		return
	}
	l.workers.Stop()
	l.workers = nil
	st := l.Stats()
	l.logger.Infow("control loop stopped", "cycles", st.Cycles, "overruns", st.Overruns, "p99_took", st.P99Took)
}

// Stats returns the cycle counters and timing.
func (l *Loop) Stats() Stats {
	st := Stats{Cycles: l.cycles.Load(), Overruns: l.overruns.Load(), LastTook: l.lastTook.Load()}
	l.timingMu.Lock()
	took := append(stats.Float64Data(nil), l.took...)
	l.timingMu.Unlock()
	if len(took) == 0 {
		return st
	}
	// errors only come from empty input
	mean, _ := took.Mean()
	p99, _ := took.Percentile(99)
	maxTook, _ := took.Max()
	st.MeanTook = time.Duration(mean)
	st.P99Took = time.Duration(p99)
	st.MaxTook = time.Duration(maxTook)
	return st
}

func (l *Loop) recordTook(took time.Duration) {
	l.timingMu.Lock()
	defer l.timingMu.Unlock()
	if len(l.took) < timingWindow {
		l.took = append(l.took, float64(took))
		return
	}
	l.took[l.tookNext] = float64(took)
	l.tookNext = (l.tookNext + 1) % timingWindow
}

func (l *Loop) run(ctx context.Context) {
	ticker := l.clk.Ticker(l.dt)
	defer ticker.Stop()
	last := l.clk.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			l.cycle(elapsed)
		}
	}
}

func (l *Loop) cycle(elapsed time.Duration) {
	start := l.clk.Now()
	l.hw.Read(elapsed)
	for _, c := range *l.controllers.Load() {
		c.Update(elapsed)
	}
	l.hw.Write(elapsed)

	took := l.clk.Since(start)
	l.lastTook.Store(took)
	l.recordTook(took)
	if l.cycles.Inc(); took > l.dt {
		l.overruns.Inc()
		if ok, held := l.overrunLog.Allow(); ok {
			l.logger.Warnw("control cycle overran its period", "took", took, "period", l.dt, "since_last_warning", held)
		}
	}
}

// Controllers returns the running controllers.
func (l *Loop) Controllers() []Controller {
	return append([]Controller(nil), *l.controllers.Load()...)
}

// SwitchControllers stops stop and starts start. The hardware validates the joint claims with
// CanSwitch before DoSwitch applies them; on error nothing changes. The new set takes effect from
// the next cycle.
func (l *Loop) SwitchControllers(start, stop []Controller) error {
	l.switchMu.Lock()
	defer l.switchMu.Unlock()

	startInfos, stopInfos := infos(start), infos(stop)
	if err := l.hw.CanSwitch(startInfos, stopInfos); err != nil {
		return errors.Wrap(err, "rejected controller switch")
	}
	if err := l.hw.DoSwitch(startInfos, stopInfos); err != nil {
		return err
	}

	stopping := lo.SliceToMap(stopInfos, func(c omnicore.ControllerInfo) (string, bool) { return c.Name, true })
	next := lo.Reject(*l.controllers.Load(), func(c Controller, _ int) bool { return stopping[c.Info().Name] })
	next = append(next, start...)
	l.controllers.Store(&next)
	return nil
}

func infos(ctrls []Controller) []omnicore.ControllerInfo {
	return lo.Map(ctrls, func(c Controller, _ int) omnicore.ControllerInfo { return c.Info() })
}
