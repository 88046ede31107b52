package alerting

import (
	"fmt"
	"log/slog"
	"time"
)

// ChannelConfig describes one outbound channel.
type ChannelConfig struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"` // webhook, siem, slack, kafka, log
	Enabled  bool              `yaml:"enabled"`
	URL      string            `yaml:"url"`
	Token    string            `yaml:"token"`
	Headers  map[string]string `yaml:"headers"`
	Source   string            `yaml:"source"`
	Channel  string            `yaml:"channel"`
	Username string            `yaml:"username"`
	Breaker  BreakerConfig     `yaml:"breaker"`
}

// Config configures the dispatcher.
type Config struct {
	Timeout         time.Duration   `yaml:"timeout"`
	AlertTTL        time.Duration   `yaml:"alert_ttl"`
	NotificationTTL time.Duration   `yaml:"notification_ttl"`
	Channels        []ChannelConfig `yaml:"channels"`
}

// DefaultConfig returns dispatcher defaults with only the log channel.
func DefaultConfig() Config {
	return Config{
		Timeout:         DefaultTimeout,
		AlertTTL:        24 * time.Hour,
		NotificationTTL: 30 * 24 * time.Hour,
		Channels: []ChannelConfig{
			{Name: "log", Type: "log", Enabled: true},
		},
	}
}

// Validate checks channel definitions.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, ch := range c.Channels {
		if !ch.Enabled {
			continue
		}
		name := ch.Name
		if name == "" {
			name = ch.Type
		}
		if seen[name] {
			return fmt.Errorf("alerting.channels[%d]: duplicate channel name %q", i, name)
		}
		seen[name] = true
		switch ch.Type {
		case "webhook", "siem", "slack":
			if ch.URL == "" {
				return fmt.Errorf("alerting.channels[%d]: url is required for %s channel", i, ch.Type)
			}
		case "kafka", "log":
		default:
			return fmt.Errorf("alerting.channels[%d]: unknown channel type %q", i, ch.Type)
		}
	}
	return nil
}

// BuildChannels constructs the enabled channels. A kafka channel requires a
// non-nil publisher.
func BuildChannels(cfgs []ChannelConfig, publisher Publisher, logger *slog.Logger) ([]Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var channels []Channel
	for _, c := range cfgs {
		if !c.Enabled {
			continue
		}
		name := c.Name
		if name == "" {
			name = c.Type
		}
		switch c.Type {
		case "webhook":
			channels = append(channels, NewWebhookChannel(name, c.URL, c.Token, c.Headers, c.Breaker, logger))
		case "siem":
			channels = append(channels, NewSIEMChannel(name, c.URL, c.Token, c.Source, c.Breaker, logger))
		case "slack":
			channels = append(channels, NewSlackChannel(name, c.URL, c.Channel, c.Username))
		case "kafka":
			if publisher == nil {
				return nil, fmt.Errorf("channel %s: kafka publisher not configured", name)
			}
			channels = append(channels, NewKafkaChannel(name, publisher))
		case "log":
			channels = append(channels, NewLogChannel(logger))
		default:
			return nil, fmt.Errorf("channel %s: unknown type %q", name, c.Type)
		}
	}
	return channels, nil
}
