package connection

import (
	"context"
	"sync"
	"time"

	"github.com/wkalt/tapecache/sender"
	"github.com/wkalt/tapecache/status"
	"github.com/wkalt/tapecache/util/log"
)

/*
Checker tracks whether the upload server is reachable. While connected it
re-checks the connection on a heartbeat; after a disconnect it retries with a
jittered exponential backoff until a probe succeeds. Components that observe
the connection some other way report it with DidConnect and DidDisconnect.
*/

////////////////////////////////////////////////////////////////////////////////

// State is the connection state.
type State int

const (
	Unknown State = iota
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Prober probes a connection. sender.Sender implements it.
type Prober interface {
	IsConnected(ctx context.Context) (bool, error)
	ResetConnection(ctx context.Context) (bool, error)
}

type config struct {
	minBackoff time.Duration
	maxBackoff time.Duration
	staleAfter time.Duration
}

// Option is a function that modifies the checker configuration.
type Option func(*config)

// WithBackoff sets the bounds of the retry delay after a disconnect. The
// defaults are one minute and four hours.
func WithBackoff(min, max time.Duration) Option {
	return func(c *config) {
		c.minBackoff = min
		c.maxBackoff = max
	}
}

// WithStaleAfter sets how long after the last observed success a heartbeat
// actually probes the server. The default is 15 seconds.
func WithStaleAfter(d time.Duration) Option {
	return func(c *config) {
		c.staleAfter = d
	}
}

// Checker tracks connection health.
type Checker struct {
	prober    Prober
	listener  status.Listener
	heartbeat time.Duration
	retry     *DelayedRetry
	config    config

	mtx            sync.Mutex
	ctx            context.Context
	state          State
	lastConnection time.Time
	timer          *time.Timer
	generation     uint64
	closed         bool
}

// NewChecker constructs a checker. Nothing is probed until Start is called.
func NewChecker(prober Prober, listener status.Listener, heartbeat time.Duration, opts ...Option) *Checker {
	conf := config{
		minBackoff: time.Minute,
		maxBackoff: 4 * time.Hour,
		staleAfter: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(&conf)
	}
	if listener == nil {
		listener = status.Nop{}
	}
	return &Checker{
		prober:    prober,
		listener:  listener,
		heartbeat: heartbeat,
		retry:     NewDelayedRetry(conf.minBackoff, conf.maxBackoff),
		config:    conf,
		ctx:       context.Background(),
	}
}

// Start probes the connection once and starts the heartbeat or retry
// schedule. Background probes use ctx.
func (c *Checker) Start(ctx context.Context) {
	c.mtx.Lock()
	c.ctx = log.AddTags(context.WithoutCancel(ctx), "component", "connection checker")
	c.mtx.Unlock()
	ok, err := c.prober.IsConnected(ctx)
	if ok && err == nil {
		c.DidConnect()
	} else {
		c.DidDisconnect(err)
	}
}

// State returns the current state.
func (c *Checker) State() State {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// IsConnected reports whether the connection is believed to be healthy.
func (c *Checker) IsConnected() bool {
	return c.State() == Connected
}

// SetHeartbeat changes the heartbeat interval from the next heartbeat on.
func (c *Checker) SetHeartbeat(d time.Duration) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.heartbeat = d
}

// DidConnect reports a successful interaction with the server.
func (c *Checker) DidConnect() {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return
	}
	c.lastConnection = time.Now()
	c.retry.Reset()
	if c.state == Connected {
		c.mtx.Unlock()
		return
	}
	c.state = Connected
	ctx := c.ctx
	c.schedule(c.heartbeat, c.beat)
	c.mtx.Unlock()

	log.Infof(ctx, "Sender connected")
	c.listener.UpdateServerStatus(ctx, status.Connected)
}

// DidDisconnect reports a failed interaction with the server. cause may be
// nil. A re-check is scheduled after the next backoff delay.
func (c *Checker) DidDisconnect(cause error) {
	c.mtx.Lock()
	if c.closed || c.state == Disconnected {
		c.mtx.Unlock()
		return
	}
	c.state = Disconnected
	ctx := c.ctx
	delay := c.retry.NextDelay()
	c.schedule(delay, c.retryCheck)
	c.mtx.Unlock()

	log.Warnw(ctx, "Sender disconnected", "cause", cause, "retry", delay)
	if sender.IsAuthentication(cause) {
		c.listener.UpdateServerStatus(ctx, status.Unauthorized)
	} else {
		c.listener.UpdateServerStatus(ctx, status.Disconnected)
	}
}

// Check probes the connection now. If disconnected it tries to reconnect; if
// connected and no success has been observed recently it verifies the
// connection.
func (c *Checker) Check(ctx context.Context) {
	c.mtx.Lock()
	state := c.state
	stale := time.Since(c.lastConnection) > c.config.staleAfter
	c.mtx.Unlock()

	if state != Connected {
		ok, err := c.prober.ResetConnection(ctx)
		switch {
		case sender.IsAuthentication(err) && state == Disconnected:
			c.listener.UpdateServerStatus(ctx, status.Unauthorized)
			c.scheduleRetry()
		case sender.IsAuthentication(err):
			c.DidDisconnect(err)
		case ok && err == nil:
			c.DidConnect()
			log.Infof(ctx, "Sender reconnected")
		default:
			c.scheduleRetry()
		}
		return
	}
	if !stale {
		return
	}
	ok, err := c.prober.IsConnected(ctx)
	if err == nil && !ok {
		ok, err = c.prober.ResetConnection(ctx)
	}
	if ok && err == nil {
		c.DidConnect()
	} else {
		c.DidDisconnect(err)
	}
}

// Close stops all scheduled checks.
func (c *Checker) Close() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.closed = true
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *Checker) beat(generation uint64) {
	c.Check(c.context())
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.state == Connected && c.generation == generation && !c.closed {
		c.schedule(c.heartbeat, c.beat)
	}
}

func (c *Checker) retryCheck(uint64) {
	c.Check(c.context())
}

// scheduleRetry schedules another reconnection attempt with a longer delay.
func (c *Checker) scheduleRetry() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.closed || c.state == Connected {
		return
	}
	delay := c.retry.NextDelay()
	log.Debugf(c.ctx, "Reconnect failed, retrying in %s", delay)
	c.schedule(delay, c.retryCheck)
}

// schedule replaces any pending check with f after d. The caller must hold
// the lock.
func (c *Checker) schedule(d time.Duration, f func(generation uint64)) {
	c.generation++
	generation := c.generation
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(d, func() {
		c.mtx.Lock()
		current := c.generation == generation && !c.closed
		c.mtx.Unlock()
		if current {
			f(generation)
		}
	})
}

func (c *Checker) context() context.Context {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.ctx
}
