package config

import "time"

// Config represents the main configuration structure
type Config struct {
	LogLevel                 string        `mapstructure:"logLevel" json:"logLevel" validate:"oneof=debug info warn error"`
	LogFile                  string        `mapstructure:"logFile" json:"logFile,omitempty"`
	MetricsAddr              string        `mapstructure:"metricsAddr" json:"metricsAddr,omitempty" validate:"omitempty,listenaddr"`
	DedupCacheSize           int           `mapstructure:"dedupCacheSize" json:"dedupCacheSize" validate:"min=1"`
	SendQueueSize            int           `mapstructure:"sendQueueSize" json:"sendQueueSize" validate:"min=1"`
	InboundQueueSize         int           `mapstructure:"inboundQueueSize" json:"inboundQueueSize" validate:"min=1"`
	DialTimeout              int           `mapstructure:"dialTimeout" json:"dialTimeout" validate:"min=1"`                           // ms
	PingInterval             int           `mapstructure:"pingInterval" json:"pingInterval" validate:"min=0"`                         // ms - 0 disables pings
	MessageTimeout           int           `mapstructure:"messageTimeout" json:"messageTimeout" validate:"min=0"`                     // ms - read deadline, 0 means 60s
	ReconnectInitialInterval int           `mapstructure:"reconnectInitialInterval" json:"reconnectInitialInterval" validate:"min=1"` // ms
	ReconnectMaxInterval     int           `mapstructure:"reconnectMaxInterval" json:"reconnectMaxInterval" validate:"min=1,gtefield=ReconnectInitialInterval"`
	SendRateLimit            float64       `mapstructure:"sendRateLimit" json:"sendRateLimit" validate:"min=0"` // messages per second per relay, 0 disables pacing
	SendBurst                int           `mapstructure:"sendBurst" json:"sendBurst" validate:"min=0"`
	AckTimeout               int           `mapstructure:"ackTimeout" json:"ackTimeout" validate:"min=1"`               // ms
	StatusLogInterval        int           `mapstructure:"statusLogInterval" json:"statusLogInterval" validate:"min=0"` // ms - 0 disables the status log
	VerifySignatures         bool          `mapstructure:"verifySignatures" json:"verifySignatures"`
	Relays                   []RelayConfig `mapstructure:"relays" json:"relays" validate:"dive"`
}

// RelayConfig represents one relay of the pool
type RelayConfig struct {
	URL   string `mapstructure:"url" json:"url" validate:"required,relayurl"`
	Read  *bool  `mapstructure:"read" json:"read,omitempty"`
	Write *bool  `mapstructure:"write" json:"write,omitempty"`
}

// Default values
const (
	DefaultLogLevel                 = "info"
	DefaultDedupCacheSize           = 10000
	DefaultSendQueueSize            = 256
	DefaultInboundQueueSize         = 1024
	DefaultDialTimeout              = 10000 // ms
	DefaultPingInterval             = 30000 // ms
	DefaultMessageTimeout           = 90000 // ms
	DefaultReconnectInitialInterval = 1000  // ms
	DefaultReconnectMaxInterval     = 60000 // ms
	DefaultAckTimeout               = 10000 // ms
	DefaultStatusLogInterval        = 30000 // ms
)

// CanRead reports whether default subscriptions use this relay
func (r RelayConfig) CanRead() bool {
	return r.Read == nil || *r.Read
}

// CanWrite reports whether default publishes use this relay
func (r RelayConfig) CanWrite() bool {
	return r.Write == nil || *r.Write
}

// GetDialTimeoutDuration returns dial timeout as time.Duration
func (c *Config) GetDialTimeoutDuration() time.Duration {
	return time.Duration(c.DialTimeout) * time.Millisecond
}

// GetPingIntervalDuration returns ping interval as time.Duration
func (c *Config) GetPingIntervalDuration() time.Duration {
	return time.Duration(c.PingInterval) * time.Millisecond
}

// GetMessageTimeoutDuration returns relay message timeout as time.Duration
func (c *Config) GetMessageTimeoutDuration() time.Duration {
	return time.Duration(c.MessageTimeout) * time.Millisecond
}

// GetReconnectInitialIntervalDuration returns the first reconnect delay as time.Duration
func (c *Config) GetReconnectInitialIntervalDuration() time.Duration {
	return time.Duration(c.ReconnectInitialInterval) * time.Millisecond
}

// GetReconnectMaxIntervalDuration returns the reconnect delay cap as time.Duration
func (c *Config) GetReconnectMaxIntervalDuration() time.Duration {
	return time.Duration(c.ReconnectMaxInterval) * time.Millisecond
}

// GetAckTimeoutDuration returns publish ack timeout as time.Duration
func (c *Config) GetAckTimeoutDuration() time.Duration {
	return time.Duration(c.AckTimeout) * time.Millisecond
}

// GetStatusLogIntervalDuration returns status log interval as time.Duration
func (c *Config) GetStatusLogIntervalDuration() time.Duration {
	return time.Duration(c.StatusLogInterval) * time.Millisecond
}
