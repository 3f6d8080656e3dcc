package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"relaypool/internal/metrics"
)

// Conn maintains one relay session. Inbound frames are handed to the Sink in
// arrival order from a single dispatch goroutine. After an unexpected loss the
// Conn redials with exponential backoff until Disconnect is called.
type Conn struct {
	url     string
	dialer  Dialer
	opts    Options
	sink    Sink
	limiter *rate.Limiter
	logger  zerolog.Logger

	// sinkMu serializes Sink calls across the Conn's goroutines
	sinkMu sync.Mutex

	mu    sync.Mutex
	state State
	run   *run
	sess  *session
}

// run is one Connect..Disconnect cycle
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// session is one live transport and its writer
type session struct {
	transport Transport
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(t Transport, queueSize int) *session {
	return &session{
		transport: t,
		out:       make(chan []byte, queueSize),
		done:      make(chan struct{}),
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.transport.Close()
	})
}

// New creates a disconnected Conn for url
func New(url string, dialer Dialer, opts Options, sink Sink, logger zerolog.Logger) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		url:    url,
		dialer: dialer,
		opts:   opts,
		sink:   sink,
		logger: logger.With().Str("relay", url).Logger(),
	}
	if opts.SendRateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.SendRateLimit), opts.SendBurst)
	}
	return c
}

// URL returns the relay endpoint this Conn serves
func (c *Conn) URL() string {
	return c.url
}

// State returns the current connection state
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start installs a new connection run and dials in the background. The run
// lives until Disconnect is called or parent is cancelled. The returned
// channel yields the outcome of the first dial: nil, a *TransportError (the
// Conn keeps retrying) or ErrClosed. Starting a running Conn is a no-op.
func (c *Conn) Start(parent context.Context) <-chan error {
	first := make(chan error, 1)

	c.mu.Lock()
	if c.run != nil {
		c.mu.Unlock()
		first <- nil
		return first
	}
	runCtx, cancel := context.WithCancel(parent)
	r := &run{ctx: runCtx, cancel: cancel}
	c.run = r
	inbound := make(chan []byte, c.opts.InboundQueueSize)
	r.wg.Add(2)
	c.mu.Unlock()

	go c.dispatchLoop(r, inbound)
	go c.supervise(r, inbound, first)
	return first
}

// Connect starts the Conn and waits for the first dial. It returns a
// *TransportError if that dial fails; the Conn then keeps retrying in the
// background. ctx bounds only the wait.
func (c *Conn) Connect(ctx context.Context) error {
	select {
	case err := <-c.Start(context.WithoutCancel(ctx)):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect tears the session down and stops reconnecting. No inbound
// message reaches the Sink once it returns. It must not be called from a Sink
// callback of the same Conn.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	r := c.run
	if r == nil {
		c.mu.Unlock()
		return
	}
	c.run = nil
	r.cancel()
	sess := c.sess
	c.sess = nil
	old := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	r.wg.Wait()

	c.logger.Info().Msg("relay disconnected")
	if old != StateDisconnected {
		metrics.StateTransitions.WithLabelValues(c.url, StateDisconnected.String()).Inc()
		c.sinkMu.Lock()
		c.sink.HandleStateChange(c.url, old, StateDisconnected)
		c.sinkMu.Unlock()
	}
}

// Send enqueues a wire message for the writer. It never blocks.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	sess := c.sess
	state := c.state
	c.mu.Unlock()

	if sess == nil || state != StateConnected {
		return ErrNotConnected
	}
	select {
	case <-sess.done:
		return ErrNotConnected
	default:
	}

	select {
	case sess.out <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Conn) dial(r *run) (*session, error) {
	c.setState(r, StateConnecting)
	c.logger.Info().Msg("relay connecting")

	dialCtx, cancel := context.WithTimeout(r.ctx, c.opts.DialTimeout)
	defer cancel()

	t, err := c.dialer.Dial(dialCtx, c.url)
	if err != nil {
		if r.ctx.Err() != nil {
			return nil, ErrClosed
		}
		c.setState(r, StateBackoff)
		return nil, &TransportError{URL: c.url, Err: err}
	}

	sess := newSession(t, c.opts.SendQueueSize)
	c.mu.Lock()
	if r.ctx.Err() != nil || c.run != r {
		c.mu.Unlock()
		t.Close()
		return nil, ErrClosed
	}
	c.sess = sess
	c.mu.Unlock()

	r.wg.Add(1)
	go c.writeLoop(r, sess)

	c.logger.Info().Msg("relay connected")
	c.setState(r, StateConnected)
	return sess, nil
}

// supervise dials, serves the session and redials after it ends
func (c *Conn) supervise(r *run, inbound chan<- []byte, first chan<- error) {
	defer r.wg.Done()

	sess, err := c.dial(r)
	first <- err
	if errors.Is(err, ErrClosed) {
		return
	}

	b := c.newBackOff()
	for {
		if sess != nil {
			b.Reset()
			stop := context.AfterFunc(r.ctx, sess.close)
			err := c.readLoop(r, sess, inbound)
			stop()
			c.endSession(sess)
			if r.ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("relay connection lost, reconnecting")
			c.setState(r, StateBackoff)
		}

		wait := b.NextBackOff()
		c.logger.Debug().Dur("interval", wait).Msg("relay reconnect scheduled")
		timer := time.NewTimer(wait)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		metrics.ReconnectAttempts.WithLabelValues(c.url).Inc()
		sess, err = c.dial(r)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("relay reconnection failed, will retry")
		}
	}
}

func (c *Conn) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectInitialInterval
	b.MaxInterval = c.opts.ReconnectMaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Conn) readLoop(r *run, sess *session, inbound chan<- []byte) error {
	for {
		data, err := sess.transport.ReadMessage()
		if err != nil {
			return err
		}
		select {
		case inbound <- data:
		case <-r.ctx.Done():
			return r.ctx.Err()
		}
	}
}

func (c *Conn) writeLoop(r *run, sess *session) {
	defer r.wg.Done()

	for {
		select {
		case <-sess.done:
			return
		case data := <-sess.out:
			if c.limiter != nil {
				if err := c.limiter.Wait(r.ctx); err != nil {
					return
				}
			}
			if err := sess.transport.WriteMessage(data); err != nil {
				c.logger.Warn().Err(err).Msg("relay write failed, closing session")
				metrics.SendFailures.WithLabelValues(c.url, "write").Inc()
				sess.close()
				return
			}
		}
	}
}

func (c *Conn) dispatchLoop(r *run, inbound <-chan []byte) {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case data := <-inbound:
			if r.ctx.Err() != nil {
				return
			}
			c.dispatch(data)
		}
	}
}

func (c *Conn) dispatch(data []byte) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			metrics.HandlerPanics.Inc()
			c.logger.Error().Interface("panic", rec).Msg("inbound message handler panic")
		}
	}()
	c.sink.HandleMessage(c.url, data)
}

func (c *Conn) endSession(sess *session) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()
	sess.close()
}

// setState records a transition for the run r and reports it to the Sink.
// Transitions from a run that was already disconnected are ignored.
func (c *Conn) setState(r *run, s State) {
	c.mu.Lock()
	if c.run != r || r.ctx.Err() != nil || c.state == s {
		c.mu.Unlock()
		return
	}
	old := c.state
	c.state = s
	c.mu.Unlock()

	metrics.StateTransitions.WithLabelValues(c.url, s.String()).Inc()
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	c.sink.HandleStateChange(c.url, old, s)
}
