package omnicore

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/omnicore/logging"
	"go.viam.com/omnicore/utils"
)

// maxPollFailures is how many polls in a row may fail before the poller reports a fault.
const maxPollFailures = 3

// jointSample is one polled reading of the joint positions.
type jointSample struct {
	at         time.Time
	positions  []float64
	velocities []float64
}

// freeDrivePoller reads joint positions over the command channel while the robot is compliant.
// The control loop picks up the latest sample without blocking.
type freeDrivePoller struct {
	read    func(ctx context.Context) ([]float64, error)
	period  time.Duration
	timeout time.Duration
	clk     clock.Clock
	logger  logging.Logger

	latest   atomic.Pointer[jointSample]
	err      atomic.Error
	failures int
	workers *utils.StoppableWorkers
}

func newFreeDrivePoller(
	read func(ctx context.Context) ([]float64, error),
	period, timeout time.Duration,
	clk clock.Clock,
	logger logging.Logger,
) *freeDrivePoller {
	return &freeDrivePoller{read: read, period: period, timeout: timeout, clk: clk, logger: logger}
}

func (p *freeDrivePoller) start() {
	p.workers = utils.NewStoppableWorkers(p.run)
}

func (p *freeDrivePoller) stop() {
	if p.workers != nil {
		p.workers.Stop()
	}
}

// Latest returns the most recent sample or nil.
func (p *freeDrivePoller) Latest() *jointSample {
	return p.latest.Load()
}

// Err returns the last polling error once maxPollFailures polls in a row have failed. It is cleared
// by the next successful poll.
func (p *freeDrivePoller) Err() error {
	return p.err.Load()
}

func (p *freeDrivePoller) run(ctx context.Context) {
	ticker := p.clk.Ticker(p.period)
	defer ticker.Stop()
	for {
		p.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *freeDrivePoller) poll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	positions, err := p.read(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		p.failures++
		p.logger.CDebugw(ctx, "polling joint positions failed", "failures", p.failures, "error", err)
		if p.failures == maxPollFailures {
			p.logger.CWarnw(ctx, "polling joint positions keeps failing", "error", err)
		}
		if p.failures >= maxPollFailures {
			p.err.Store(err)
		}
		return
	}
	if p.failures >= maxPollFailures {
		p.logger.CInfow(ctx, "polling joint positions recovered")
	}
	p.failures = 0
	p.err.Store(nil)

	now := p.clk.Now()
	sample := &jointSample{at: now, positions: positions, velocities: make([]float64, len(positions))}
	if prev := p.latest.Load(); prev != nil && len(prev.positions) == len(positions) {
		if dt := now.Sub(prev.at).Seconds(); dt > 0 {
			for i := range positions {
				sample.velocities[i] = (positions[i] - prev.positions[i]) / dt
			}
		}
	}
	p.latest.Store(sample)
}
