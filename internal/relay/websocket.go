package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WebsocketDialer opens gorilla websocket transports
type WebsocketDialer struct {
	// PingInterval is how often a ping control frame is written; 0 disables pings
	PingInterval time.Duration
	// MessageTimeout is the read deadline, extended on every frame and pong
	MessageTimeout time.Duration
	Logger         zerolog.Logger
}

// Dial implements Dialer
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect WebSocket: %w", err)
	}

	readTimeout := d.MessageTimeout
	if readTimeout == 0 {
		readTimeout = 60 * time.Second
	}

	t := &wsTransport{
		conn:        conn,
		readTimeout: readTimeout,
		done:        make(chan struct{}),
		logger:      d.Logger.With().Str("relay", url).Logger(),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	if d.PingInterval > 0 {
		go t.pingLoop(d.PingInterval)
	}
	return t, nil
}

type wsTransport struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	writeMu     sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
	logger      zerolog.Logger
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(t.readTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			err := t.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			if err != nil {
				t.logger.Debug().Err(err).Msg("ping write failed")
				return
			}
		}
	}
}
