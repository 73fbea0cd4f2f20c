package omnicore

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"go.viam.com/omnicore/logging"
	"go.viam.com/omnicore/utils"
)

// Status is a point-in-time view of the hardware interface for non-real-time consumers.
type Status struct {
	Time            time.Time         `json:"time"`
	Mode            Mode              `json:"mode"`
	StreamConnected bool              `json:"stream_connected"`
	DigitalInputs   *byte             `json:"digital_inputs,omitempty"`
	Fault           string            `json:"fault,omitempty"`
	Pending         *PendingRequest   `json:"pending,omitempty"`
	Joints          []NamedJointState `json:"joints"`
}

// Status returns the current status. It does no I/O.
func (h *Hardware) Status() Status {
	st := Status{
		Time:   h.cfg.Clock.Now(),
		Mode:   h.Mode(),
		Joints: h.JointStates(),
	}
	if b, ok := h.DigitalInputs(); ok {
		st.DigitalInputs = &b
	}
	if err := h.Fault(); err != nil {
		st.Fault = err.Error()
	}
	if p, ok := h.PendingRequest(); ok {
		st.Pending = &p
	}
	if b := h.streaming.Load(); b != nil {
		st.StreamConnected = b.stream.Connected()
	}
	return st
}

// StatusSink receives published statuses. PublishStatus must not block for long.
type StatusSink interface {
	PublishStatus(Status)
}

// StatusSinkFunc adapts a function to a StatusSink.
type StatusSinkFunc func(Status)

// PublishStatus calls f.
func (f StatusSinkFunc) PublishStatus(st Status) { f(st) }

// StatusPublisher refreshes the digital inputs and publishes the status at a fixed rate.
type StatusPublisher struct {
	hw      *Hardware
	period  time.Duration
	clk     clock.Clock
	sinks   []StatusSink
	logger  logging.Logger
	workers *utils.StoppableWorkers
}

// NewStatusPublisher starts publishing hw's status to sinks every period.
func NewStatusPublisher(hw *Hardware, period time.Duration, logger logging.Logger, sinks ...StatusSink) *StatusPublisher {
	p := &StatusPublisher{
		hw:     hw,
		period: period,
		clk:    hw.cfg.Clock,
		sinks:  sinks,
		logger: logger,
	}
	p.workers = utils.NewStoppableWorkers(p.run)
	return p
}

func (p *StatusPublisher) run(ctx context.Context) {
	ticker := p.clk.Ticker(p.period)
	defer ticker.Stop()
	var inputsFailing bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := p.hw.RefreshDigitalInputs(ctx); err != nil {
			if !inputsFailing {
				p.logger.CWarnw(ctx, "reading digital inputs failed", "error", err)
			}
			inputsFailing = true
		} else {
			inputsFailing = false
		}
		st := p.hw.Status()
		for _, sink := range p.sinks {
			sink.PublishStatus(st)
		}
	}
}

// Close stops publishing.
func (p *StatusPublisher) Close() {
	p.workers.Stop()
}
