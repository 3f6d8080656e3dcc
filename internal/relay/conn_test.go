package relay_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaypool/internal/relay"
	"relaypool/internal/relay/relaytest"
)

const testURL = "wss://relay.test"

type recordingSink struct {
	mu       sync.Mutex
	messages []string
	states   []relay.State
	panicOn  string
}

func (s *recordingSink) HandleMessage(_ string, data []byte) {
	if string(data) == s.panicOn {
		panic("boom")
	}
	s.mu.Lock()
	s.messages = append(s.messages, string(data))
	s.mu.Unlock()
}

func (s *recordingSink) HandleStateChange(_ string, _, state relay.State) {
	s.mu.Lock()
	s.states = append(s.states, state)
	s.mu.Unlock()
}

func (s *recordingSink) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

func (s *recordingSink) States() []relay.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]relay.State(nil), s.states...)
}

func fastOptions() relay.Options {
	return relay.Options{
		ReconnectInitialInterval: 5 * time.Millisecond,
		ReconnectMaxInterval:     20 * time.Millisecond,
	}
}

func TestConn_ConnectSendReceive(t *testing.T) {
	dialer := relaytest.NewDialer()
	sink := &recordingSink{}
	c := relay.New(testURL, dialer, fastOptions(), sink, zerolog.Nop())
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, relay.StateConnected, c.State())
	assert.Equal(t, []relay.State{relay.StateConnecting, relay.StateConnected}, sink.States())

	tr := dialer.Transport(testURL)
	require.NotNil(t, tr)

	require.NoError(t, c.Send([]byte(`["CLOSE","a"]`)))
	assert.Eventually(t, func() bool { return len(tr.Sent()) == 1 }, time.Second, 5*time.Millisecond)

	for _, m := range []string{"1", "2", "3", "4", "5"} {
		tr.Inject([]byte(m))
	}
	assert.Eventually(t, func() bool { return len(sink.Messages()) == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, sink.Messages())
}

func TestConn_SendNotConnected(t *testing.T) {
	c := relay.New(testURL, relaytest.NewDialer(), fastOptions(), &recordingSink{}, zerolog.Nop())
	assert.ErrorIs(t, c.Send([]byte("x")), relay.ErrNotConnected)
	assert.Equal(t, relay.StateDisconnected, c.State())
}

func TestConn_ReconnectAfterLoss(t *testing.T) {
	dialer := relaytest.NewDialer()
	sink := &recordingSink{}
	c := relay.New(testURL, dialer, fastOptions(), sink, zerolog.Nop())
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	first := dialer.Transport(testURL)
	first.Drop(errors.New("connection reset"))

	assert.Eventually(t, func() bool {
		return dialer.Dials(testURL) == 2 && c.State() == relay.StateConnected
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, sink.States(), relay.StateBackoff)

	second := dialer.Transport(testURL)
	second.Inject([]byte("after"))
	assert.Eventually(t, func() bool {
		msgs := sink.Messages()
		return len(msgs) == 1 && msgs[0] == "after"
	}, time.Second, 5*time.Millisecond)
}

func TestConn_InitialDialFailure(t *testing.T) {
	dialer := relaytest.NewDialer()
	dialer.Refuse(testURL)
	c := relay.New(testURL, dialer, fastOptions(), &recordingSink{}, zerolog.Nop())
	defer c.Disconnect()

	err := c.Connect(context.Background())
	var terr *relay.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, testURL, terr.URL)
	assert.ErrorIs(t, err, relaytest.ErrDialRefused)
	assert.ErrorIs(t, c.Send([]byte("x")), relay.ErrNotConnected)

	dialer.Accept(testURL)
	assert.Eventually(t, func() bool { return c.State() == relay.StateConnected }, time.Second, 5*time.Millisecond)
}

func TestConn_DisconnectStopsEverything(t *testing.T) {
	dialer := relaytest.NewDialer()
	sink := &recordingSink{}
	c := relay.New(testURL, dialer, fastOptions(), sink, zerolog.Nop())

	require.NoError(t, c.Connect(context.Background()))
	tr := dialer.Transport(testURL)

	c.Disconnect()
	c.Disconnect()

	assert.Equal(t, relay.StateDisconnected, c.State())
	assert.True(t, tr.IsClosed())
	states := sink.States()
	assert.Equal(t, relay.StateDisconnected, states[len(states)-1])

	// late frames are never dispatched and no redial happens
	tr.Inject([]byte("late"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.Messages())
	assert.Equal(t, 1, dialer.Dials(testURL))
	assert.ErrorIs(t, c.Send([]byte("x")), relay.ErrNotConnected)

	// Connect after Disconnect starts a fresh session
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 2, dialer.Dials(testURL))
	c.Disconnect()
}

func TestConn_QueueFull(t *testing.T) {
	dialer := relaytest.NewDialer()
	opts := fastOptions()
	opts.SendQueueSize = 1
	opts.SendRateLimit = 0.001
	opts.SendBurst = 1
	c := relay.New(testURL, dialer, opts, &recordingSink{}, zerolog.Nop())
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))

	var full bool
	for i := 0; i < 10 && !full; i++ {
		err := c.Send([]byte("x"))
		if errors.Is(err, relay.ErrQueueFull) {
			full = true
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, full, "writer paced by the limiter should let the queue fill up")
}

func TestConn_SinkPanicRecovered(t *testing.T) {
	dialer := relaytest.NewDialer()
	sink := &recordingSink{panicOn: "bad"}
	c := relay.New(testURL, dialer, fastOptions(), sink, zerolog.Nop())
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	tr := dialer.Transport(testURL)
	tr.Inject([]byte("bad"))
	tr.Inject([]byte("good"))

	assert.Eventually(t, func() bool {
		msgs := sink.Messages()
		return len(msgs) == 1 && msgs[0] == "good"
	}, time.Second, 5*time.Millisecond)
}

func TestConn_DisconnectRightAfterStart(t *testing.T) {
	for i := 0; i < 20; i++ {
		dialer := relaytest.NewDialer()
		c := relay.New(testURL, dialer, fastOptions(), &recordingSink{}, zerolog.Nop())

		first := c.Start(context.Background())
		c.Disconnect()

		err := <-first
		if err != nil {
			assert.ErrorIs(t, err, relay.ErrClosed)
		}
		assert.LessOrEqual(t, dialer.Dials(testURL), 1)
		if tr := dialer.Transport(testURL); tr != nil {
			assert.True(t, tr.IsClosed())
		}
		assert.Equal(t, relay.StateDisconnected, c.State())
	}
}

func TestConn_ParentCancelStopsRun(t *testing.T) {
	dialer := relaytest.NewDialer()
	c := relay.New(testURL, dialer, fastOptions(), &recordingSink{}, zerolog.Nop())
	defer c.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, <-c.Start(ctx))
	tr := dialer.Transport(testURL)

	cancel()
	assert.Eventually(t, tr.IsClosed, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return dialer.Dials(testURL) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

// overlapSink flags any Sink call that starts while another is running
type overlapSink struct {
	inFlight   atomic.Int32
	overlapped atomic.Bool
	messages   atomic.Int32
}

func (s *overlapSink) enter() {
	if s.inFlight.Add(1) > 1 {
		s.overlapped.Store(true)
	}
	time.Sleep(time.Millisecond)
	s.inFlight.Add(-1)
}

func (s *overlapSink) HandleMessage(string, []byte) {
	s.enter()
	s.messages.Add(1)
}

func (s *overlapSink) HandleStateChange(string, relay.State, relay.State) {
	s.enter()
}

func TestConn_SinkCallsNeverOverlap(t *testing.T) {
	dialer := relaytest.NewDialer()
	sink := &overlapSink{}
	c := relay.New(testURL, dialer, fastOptions(), sink, zerolog.Nop())
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	for round := 1; round <= 5; round++ {
		tr := dialer.Transport(testURL)
		before := sink.messages.Load()
		for i := 0; i < 20; i++ {
			tr.Inject([]byte("m"))
		}
		// drop while queued frames are still being dispatched
		require.Eventually(t, func() bool { return sink.messages.Load() > before }, time.Second, time.Millisecond)
		tr.Drop(errors.New("connection reset"))

		require.Eventually(t, func() bool {
			return dialer.Dials(testURL) == round+1 && c.State() == relay.StateConnected
		}, time.Second, 5*time.Millisecond)
	}
	assert.False(t, sink.overlapped.Load())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "error-backoff", relay.StateBackoff.String())
	assert.Equal(t, "connected", relay.StateConnected.String())
	assert.Len(t, relay.States, 4)
}
