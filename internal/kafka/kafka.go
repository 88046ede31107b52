// Package kafka publishes security events and alerts to a Kafka topic for
// downstream SIEM ingestion.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// Config holds the forwarder's broker connection settings.
type Config struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`

	// Compression is one of none, gzip, snappy, lz4, zstd.
	Compression string `yaml:"compression"`

	SASL SASLConfig `yaml:"sasl"`
	TLS  TLSConfig  `yaml:"tls"`

	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RequiredAcks int           `yaml:"required_acks"` // -1 all, 0 none, 1 leader
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// SASLConfig enables SASL authentication when Mechanism is set.
type SASLConfig struct {
	Mechanism string `yaml:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// TLSConfig configures the broker connection's TLS.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"ca_file"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	SkipVerify bool   `yaml:"skip_verify"`
}

// DefaultConfig returns local broker defaults tuned for low-latency
// forwarding: single-message batches and leader acks.
func DefaultConfig() *Config {
	return &Config{
		Brokers:      []string{"localhost:9092"},
		Topic:        "sectrail.security-events",
		Compression:  "lz4",
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  2,
		RequiredAcks: 1,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

var codecs = map[string]kafka.Compression{
	"":       0,
	"none":   0,
	"gzip":   kafka.Gzip,
	"snappy": kafka.Snappy,
	"lz4":    kafka.Lz4,
	"zstd":   kafka.Zstd,
}

// Validate checks the broker settings.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic is required")
	}
	if _, ok := codecs[c.Compression]; !ok {
		return fmt.Errorf("kafka: unknown compression %q", c.Compression)
	}
	if c.RequiredAcks < -1 || c.RequiredAcks > 1 {
		return fmt.Errorf("kafka: required_acks must be -1, 0 or 1, got %d", c.RequiredAcks)
	}
	if c.SASL.Mechanism != "" {
		if _, err := c.SASL.mechanism(); err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		if c.SASL.Username == "" || c.SASL.Password == "" {
			return errors.New("kafka: sasl username and password are required")
		}
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("kafka: tls cert_file and key_file must be set together")
	}
	return nil
}

// Codec returns the kafka-go compression codec; unknown names map to none.
func (c *Config) Codec() kafka.Compression {
	return codecs[c.Compression]
}

// Transport builds the writer transport with TLS and SASL applied.
func (c *Config) Transport() (*kafka.Transport, error) {
	t := &kafka.Transport{DialTimeout: c.DialTimeout}

	if c.TLS.Enabled {
		tc, err := c.TLS.build()
		if err != nil {
			return nil, fmt.Errorf("kafka: tls: %w", err)
		}
		t.TLS = tc
	}
	if c.SASL.Mechanism != "" {
		m, err := c.SASL.mechanism()
		if err != nil {
			return nil, fmt.Errorf("kafka: sasl: %w", err)
		}
		t.SASL = m
	}
	return t, nil
}

func (s SASLConfig) mechanism() (sasl.Mechanism, error) {
	switch s.Mechanism {
	case "PLAIN":
		return plain.Mechanism{Username: s.Username, Password: s.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, s.Username, s.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, s.Username, s.Password)
	}
	return nil, fmt.Errorf("unsupported sasl mechanism %q", s.Mechanism)
}

func (t TLSConfig) build() (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: t.SkipVerify}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates in ca file")
		}
		tc.RootCAs = pool
	}
	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

// Stats holds producer counters.
type Stats struct {
	MessagesProduced int64     `json:"messagesProduced"`
	BytesProduced    int64     `json:"bytesProduced"`
	Errors           int64     `json:"errors"`
	LastError        string    `json:"lastError,omitempty"`
	LastErrorTime    time.Time `json:"lastErrorTime,omitzero"`
}
