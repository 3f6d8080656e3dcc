// Package relaytest provides an in-memory Dialer and Transport for tests.
package relaytest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"relaypool/internal/relay"
)

// ErrDialRefused is returned by Dial for urls marked with Refuse
var ErrDialRefused = errors.New("dial refused")

// Dialer hands out Transports and remembers every one it created
type Dialer struct {
	mu         sync.Mutex
	refused    map[string]bool
	transports map[string][]*Transport
}

// NewDialer creates an empty Dialer that accepts every url
func NewDialer() *Dialer {
	return &Dialer{
		refused:    make(map[string]bool),
		transports: make(map[string][]*Transport),
	}
}

// Refuse makes subsequent dials to url fail until Accept is called
func (d *Dialer) Refuse(url string) {
	d.mu.Lock()
	d.refused[url] = true
	d.mu.Unlock()
}

// Accept lets dials to url succeed again
func (d *Dialer) Accept(url string) {
	d.mu.Lock()
	delete(d.refused, url)
	d.mu.Unlock()
}

// Dial implements relay.Dialer
func (d *Dialer) Dial(ctx context.Context, url string) (relay.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refused[url] {
		return nil, ErrDialRefused
	}
	t := newTransport()
	d.transports[url] = append(d.transports[url], t)
	return t, nil
}

// Transport returns the most recent transport dialed for url, or nil
func (d *Dialer) Transport(url string) *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	ts := d.transports[url]
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1]
}

// Dials returns how many transports were opened for url
func (d *Dialer) Dials(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports[url])
}

// Transport is an in-memory relay.Transport. Frames passed to Inject are
// returned by ReadMessage in order; frames written by the client are recorded.
type Transport struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	sent    [][]byte
	readErr error
}

func newTransport() *Transport {
	return &Transport{
		in:     make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

// Inject queues a frame for the client to read
func (t *Transport) Inject(data []byte) {
	select {
	case <-t.closed:
	case t.in <- data:
	}
}

// InjectJSON marshals parts as a JSON array and injects it
func (t *Transport) InjectJSON(parts ...any) {
	data, err := json.Marshal(parts)
	if err != nil {
		panic(err)
	}
	t.Inject(data)
}

// Drop simulates the relay going away: pending and future reads fail with err
func (t *Transport) Drop(err error) {
	t.mu.Lock()
	t.readErr = err
	t.mu.Unlock()
	t.Close()
}

// Sent returns a copy of every frame the client wrote
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

// SentLabels returns the first array element of every written frame
func (t *Transport) SentLabels() []string {
	var labels []string
	for _, frame := range t.Sent() {
		var arr []json.RawMessage
		var label string
		if json.Unmarshal(frame, &arr) == nil && len(arr) > 0 && json.Unmarshal(arr[0], &label) == nil {
			labels = append(labels, label)
		}
	}
	return labels
}

// IsClosed reports whether Close or Drop was called
func (t *Transport) IsClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *Transport) ReadMessage() ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.closed:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.readErr != nil {
			return nil, t.readErr
		}
		return nil, io.EOF
	}
}

func (t *Transport) WriteMessage(data []byte) error {
	if t.IsClosed() {
		return io.ErrClosedPipe
	}
	t.mu.Lock()
	t.sent = append(t.sent, append([]byte(nil), data...))
	t.mu.Unlock()
	return nil
}

func (t *Transport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}
