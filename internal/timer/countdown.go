package timer

import (
	"sync"
	"time"

	"wardsim/pkg/types"
)

// DefaultTickInterval is how often a running Countdown publishes.
const DefaultTickInterval = time.Second

// Option configures a Countdown.
type Option func(*Countdown)

// WithInterval overrides the tick interval.
func WithInterval(d time.Duration) Option {
	return func(c *Countdown) {
		if d > 0 {
			c.interval = d
		}
	}
}

// OnTick registers the per-tick display callback.
func OnTick(f func(Display)) Option {
	return func(c *Countdown) { c.onTick = f }
}

// OnExpire registers the expiry callback. It runs at most once per Countdown.
func OnExpire(f func()) Option {
	return func(c *Countdown) { c.onExpire = f }
}

// Countdown ticks a session timer on a Clock.
type Countdown struct {
	clock    Clock
	start    time.Time
	started  bool
	duration types.Duration
	interval time.Duration
	onTick   func(Display)
	onExpire func()

	mu       sync.Mutex
	fired    bool
	last     Display
	stopCh   chan struct{}
	stopOnce sync.Once
	running  bool
}

// NewCountdown builds a countdown for a session. An empty or invalid
// startTime leaves it in the not-started state: Start does nothing and
// onExpire never fires.
func NewCountdown(clock Clock, startTime string, d types.Duration, opts ...Option) *Countdown {
	if clock == nil {
		clock = RealClock{}
	}
	c := &Countdown{
		clock:    clock,
		duration: d,
		interval: DefaultTickInterval,
		stopCh:   make(chan struct{}),
		last:     NotStarted,
	}
	c.start, c.started = ParseStartTime(startTime)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start publishes an immediate tick and then ticks until Stop.
func (c *Countdown) Start() {
	c.mu.Lock()
	if !c.started || c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	ticker := c.clock.NewTicker(c.interval)
	c.Tick(c.clock.Now())

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C():
				c.Tick(c.clock.Now())
			}
		}
	}()
}

// Tick computes the display at now, publishes it and fires onExpire the
// first time the countdown is seen expired.
func (c *Countdown) Tick(now time.Time) Display {
	if !c.started {
		return NotStarted
	}
	d := SnapshotAt(now, c.start, c.duration)

	c.mu.Lock()
	c.last = d
	fire := d.Expired && !c.fired
	if fire {
		c.fired = true
	}
	onTick, onExpire := c.onTick, c.onExpire
	c.mu.Unlock()

	if onTick != nil {
		onTick(d)
	}
	if fire && onExpire != nil {
		onExpire()
	}
	return d
}

// Last returns the most recent display.
func (c *Countdown) Last() Display {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Expired reports whether onExpire has fired.
func (c *Countdown) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fired
}

// Stop halts ticking. Safe to call more than once.
func (c *Countdown) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
