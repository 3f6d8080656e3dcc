package pool

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"relaypool/internal/dedup"
	"relaypool/internal/metrics"
	"relaypool/internal/relay"
	"relaypool/internal/subscription"
)

type member struct {
	conn   *relay.Conn
	policy Policy
}

// Pool keeps connections to a set of relays, fans subscriptions and publishes
// out to them and routes what comes back to subscription handlers, delivering
// each event at most once per subscription.
type Pool struct {
	cfg      Config
	dialer   relay.Dialer
	registry *subscription.Registry
	dedup    *dedup.Cache
	acks     *xsync.MapOf[string, *ackWaiter]
	logger   zerolog.Logger

	onNotice func(relay, message string)
	onOK     AckHandler

	mu     sync.RWMutex
	relays map[string]*member
	closed bool

	obsMu     sync.RWMutex
	observers map[uint64]func(StateChange)
	nextObs   uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty pool. Relays are added with AddRelay.
func New(cfg Config, logger zerolog.Logger, opts ...Option) (*Pool, error) {
	cfg = cfg.withDefaults()
	poolLogger := logger.With().Str("component", "pool").Logger()

	cache, err := dedup.New(cfg.DedupCacheSize, metrics.DedupEvictions.Inc)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg,
		registry:  subscription.NewRegistry(logger),
		dedup:     cache,
		acks:      xsync.NewMapOf[string, *ackWaiter](),
		logger:    poolLogger,
		relays:    make(map[string]*member),
		observers: make(map[uint64]func(StateChange)),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.dialer == nil {
		p.dialer = &relay.WebsocketDialer{Logger: logger}
	}
	// export every state series, even before a relay enters it
	for _, s := range relay.States {
		metrics.RelaysByState.WithLabelValues(s.String())
	}

	if cfg.StatusLogInterval > 0 {
		p.wg.Add(1)
		go p.logStatus()
	}
	return p, nil
}

// NormalizeURL canonicalises a relay address: a missing scheme becomes
// wss://, the host is lower-cased and a trailing slash is dropped.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRelayURL)
	}
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidRelayURL, raw)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRelayURL, u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)

	normalized := nostr.NormalizeURL(u.String())
	if normalized == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidRelayURL, raw)
	}
	return normalized, nil
}

// AddRelay adds a relay and starts connecting to it in the background. Once
// it connects, every active subscription it should serve is sent to it. The
// canonical url is returned.
func (p *Pool) AddRelay(rawURL string, policy Policy) (string, error) {
	u, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrPoolClosed
	}
	if _, exists := p.relays[u]; exists {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrRelayExists, u)
	}
	conn := relay.New(u, p.dialer, p.cfg.Relay, relaySink{p}, p.logger)
	p.relays[u] = &member{conn: conn, policy: policy}
	metrics.RelaysByState.WithLabelValues(relay.StateDisconnected.String()).Inc()
	first := conn.Start(p.ctx)
	p.mu.Unlock()

	p.logger.Info().Str("relay", u).Bool("read", policy.Read).Bool("write", policy.Write).Msg("relay added")

	go func() {
		if err := <-first; err != nil && !errors.Is(err, relay.ErrClosed) {
			p.logger.Warn().Err(err).Str("relay", u).Msg("initial relay connect failed, retrying in background")
		}
	}()
	return u, nil
}

// RemoveRelay disconnects and forgets a relay. No message from it is routed
// after RemoveRelay returns. It must not be called from a handler.
func (p *Pool) RemoveRelay(rawURL string) error {
	u, err := NormalizeURL(rawURL)
	if err != nil {
		return err
	}

	p.mu.Lock()
	m, ok := p.relays[u]
	delete(p.relays, u)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRelay, u)
	}

	m.conn.Disconnect()
	p.registry.ClearRelay(u)
	metrics.RelaysByState.WithLabelValues(relay.StateDisconnected.String()).Dec()
	p.logger.Info().Str("relay", u).Msg("relay removed")
	return nil
}

// Relays returns every relay sorted by url
func (p *Pool) Relays() []RelayInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]RelayInfo, 0, len(p.relays))
	for u, m := range p.relays {
		out = append(out, m.info(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Relay returns one relay's descriptor
func (p *Pool) Relay(rawURL string) (RelayInfo, bool) {
	u, err := NormalizeURL(rawURL)
	if err != nil {
		return RelayInfo{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	m, ok := p.relays[u]
	if !ok {
		return RelayInfo{}, false
	}
	return m.info(u), true
}

func (m *member) info(u string) RelayInfo {
	state := m.conn.State()
	return RelayInfo{URL: u, Policy: m.policy, State: state, Status: state.String()}
}

// Health returns how many relays are connected out of how many are configured
func (p *Pool) Health() Health {
	p.mu.RLock()
	defer p.mu.RUnlock()

	h := Health{Total: len(p.relays)}
	for _, m := range p.relays {
		if m.conn.State() == relay.StateConnected {
			h.Connected++
		}
	}
	return h
}

// OnStateChange registers fn for every relay state transition. The returned
// function removes it. fn runs on the relay's goroutine and must not block.
func (p *Pool) OnStateChange(fn func(StateChange)) (cancel func()) {
	p.obsMu.Lock()
	p.nextObs++
	id := p.nextObs
	p.observers[id] = fn
	p.obsMu.Unlock()

	return func() {
		p.obsMu.Lock()
		delete(p.observers, id)
		p.obsMu.Unlock()
	}
}

// WaitForConnection blocks until at least one relay is connected
func (p *Pool) WaitForConnection(ctx context.Context) error {
	ready := make(chan struct{}, 1)
	stop := p.OnStateChange(func(sc StateChange) {
		if sc.New == relay.StateConnected {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer stop()

	if p.Health().Connected > 0 {
		return nil
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects every relay and stops background work. Subscriptions and
// publishes fail with ErrPoolClosed afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	members := make([]*member, 0, len(p.relays))
	for _, m := range p.relays {
		members = append(members, m)
	}
	p.mu.Unlock()

	p.cancel()

	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m *member) {
			defer wg.Done()
			m.conn.Disconnect()
		}(m)
	}
	wg.Wait()

	p.acks.Range(func(id string, w *ackWaiter) bool {
		w.timer.Stop()
		p.acks.Delete(id)
		return true
	})
	p.dedup.Purge()
	p.wg.Wait()
	p.logger.Info().Msg("pool closed")
}

func (p *Pool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *Pool) member(u string) (*member, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.relays[u]
	return m, ok
}

// logStatus periodically logs the state of all relays
func (p *Pool) logStatus() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.StatusLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.logCurrentStatus()
		}
	}
}

func (p *Pool) logCurrentStatus() {
	var connected, down []string
	for _, info := range p.Relays() {
		if info.State == relay.StateConnected {
			connected = append(connected, info.URL)
		} else {
			down = append(down, fmt.Sprintf("%s(%s)", info.URL, info.Status))
		}
	}

	p.logger.Info().
		Strs("connected", connected).
		Strs("down", down).
		Int("subscriptions", p.registry.Len()).
		Int("dedupEntries", p.dedup.Len()).
		Msg("relays status")
}
