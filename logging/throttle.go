package logging

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// Throttle limits how often a recurring condition is logged, such as a control cycle overrun or
// a failing poll. It is safe for concurrent use.
type Throttle struct {
	clk clock.Clock
	lim *rate.Limiter

	mu         sync.Mutex
	suppressed int
}

// NewThrottle returns a throttle letting one message through per interval. A nil clk means the
// wall clock.
func NewThrottle(interval time.Duration, clk clock.Clock) *Throttle {
	if clk == nil {
		clk = clock.New()
	}
	return &Throttle{clk: clk, lim: rate.NewLimiter(rate.Every(interval), 1)}
}

// Allow reports whether a message may be logged now. When it may, it also returns how many
// messages were held back since the last one allowed.
func (t *Throttle) Allow() (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lim.AllowN(t.clk.Now(), 1) {
		t.suppressed++
		return false, 0
	}
	suppressed := t.suppressed
	t.suppressed = 0
	return true, suppressed
}
