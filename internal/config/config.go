package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RELAYPOOL_LOGLEVEL
const EnvPrefix = "RELAYPOOL"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("relayurl", func(fl validator.FieldLevel) bool {
		return validRelayURL(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("listenaddr", func(fl validator.FieldLevel) bool {
		_, port, err := net.SplitHostPort(fl.Field().String())
		if err != nil || port == "" {
			return false
		}
		_, err = net.LookupPort("tcp", port)
		return err == nil
	}); err != nil {
		panic(err)
	}
	return v
}

// Load reads the configuration file at path, applies RELAYPOOL_* environment
// overrides and defaults, and validates the result. An empty path loads
// defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.UnmarshalExact(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied and no relays
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", DefaultLogLevel)
	v.SetDefault("logFile", "")
	v.SetDefault("metricsAddr", "")
	v.SetDefault("dedupCacheSize", DefaultDedupCacheSize)
	v.SetDefault("sendQueueSize", DefaultSendQueueSize)
	v.SetDefault("inboundQueueSize", DefaultInboundQueueSize)
	v.SetDefault("dialTimeout", DefaultDialTimeout)
	v.SetDefault("pingInterval", DefaultPingInterval)
	v.SetDefault("messageTimeout", DefaultMessageTimeout)
	v.SetDefault("reconnectInitialInterval", DefaultReconnectInitialInterval)
	v.SetDefault("reconnectMaxInterval", DefaultReconnectMaxInterval)
	v.SetDefault("sendRateLimit", 0)
	v.SetDefault("sendBurst", 0)
	v.SetDefault("ackTimeout", DefaultAckTimeout)
	v.SetDefault("statusLogInterval", DefaultStatusLogInterval)
	v.SetDefault("verifySignatures", false)
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.DedupCacheSize == 0 {
		cfg.DedupCacheSize = DefaultDedupCacheSize
	}
	if cfg.SendQueueSize == 0 {
		cfg.SendQueueSize = DefaultSendQueueSize
	}
	if cfg.InboundQueueSize == 0 {
		cfg.InboundQueueSize = DefaultInboundQueueSize
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReconnectInitialInterval == 0 {
		cfg.ReconnectInitialInterval = DefaultReconnectInitialInterval
	}
	if cfg.ReconnectMaxInterval == 0 {
		cfg.ReconnectMaxInterval = DefaultReconnectMaxInterval
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.SendRateLimit > 0 && cfg.SendBurst == 0 {
		cfg.SendBurst = 1
	}
	// PingInterval, MessageTimeout and StatusLogInterval keep 0 as "disabled";
	// their defaults come from the loader
}

// Validate checks the configuration for errors
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	seen := make(map[string]bool)
	for i, r := range cfg.Relays {
		key := relayKey(r.URL)
		if seen[key] {
			return fmt.Errorf("relays[%d]: duplicate relay '%s'", i, r.URL)
		}
		seen[key] = true
	}
	return nil
}

func validRelayURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
		return true
	default:
		return false
	}
}

func relayKey(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(key, "://"); i >= 0 {
		key = key[i+3:]
	}
	return strings.TrimRight(key, "/")
}

// formatValidationError converts validator errors into readable messages
func formatValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	messages := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		messages = append(messages, fieldErrorMessage(fe))
	}
	return errors.New(strings.Join(messages, "; "))
}

func fieldErrorMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, fe.Param(), fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s (got: %v)", field, strings.ReplaceAll(fe.Param(), " ", ", "), fe.Value())
	case "gtefield":
		return fmt.Sprintf("%s must not be lower than %s (got: %v)", field, fe.Param(), fe.Value())
	case "relayurl":
		return fmt.Sprintf("%s must be a ws://, wss://, http:// or https:// relay address (got: %v)", field, fe.Value())
	case "listenaddr":
		return fmt.Sprintf("%s must be a listen address in format ':port' or 'host:port' (got: %v)", field, fe.Value())
	default:
		return fmt.Sprintf("%s failed validation: %s (got: %v)", field, fe.Tag(), fe.Value())
	}
}
