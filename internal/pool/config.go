package pool

import (
	"fmt"

	"github.com/rs/zerolog"

	"relaypool/internal/config"
	"relaypool/internal/relay"
)

// ConfigFrom converts a loaded configuration into pool tuning
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Relay: relay.Options{
			DialTimeout:              cfg.GetDialTimeoutDuration(),
			SendQueueSize:            cfg.SendQueueSize,
			InboundQueueSize:         cfg.InboundQueueSize,
			ReconnectInitialInterval: cfg.GetReconnectInitialIntervalDuration(),
			ReconnectMaxInterval:     cfg.GetReconnectMaxIntervalDuration(),
			SendRateLimit:            cfg.SendRateLimit,
			SendBurst:                cfg.SendBurst,
		},
		DedupCacheSize:    cfg.DedupCacheSize,
		AckTimeout:        cfg.GetAckTimeoutDuration(),
		StatusLogInterval: cfg.GetStatusLogIntervalDuration(),
		VerifySignatures:  cfg.VerifySignatures,
	}
}

// NewFromConfig creates a pool with a websocket dialer and adds every
// configured relay. Options are applied after the dialer, so WithDialer
// still replaces it.
func NewFromConfig(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Pool, error) {
	dialer := &relay.WebsocketDialer{
		PingInterval:   cfg.GetPingIntervalDuration(),
		MessageTimeout: cfg.GetMessageTimeoutDuration(),
		Logger:         logger,
	}
	opts = append([]Option{WithDialer(dialer)}, opts...)

	p, err := New(ConfigFrom(cfg), logger, opts...)
	if err != nil {
		return nil, err
	}

	for _, rc := range cfg.Relays {
		policy := Policy{Read: rc.CanRead(), Write: rc.CanWrite()}
		if _, err := p.AddRelay(rc.URL, policy); err != nil {
			p.Close()
			return nil, fmt.Errorf("relay %s: %w", rc.URL, err)
		}
	}
	return p, nil
}
