// Package config provides configuration loading, validation, and management
// for the coordination service.
//
// Resolution precedence, highest first:
//
//  1. Environment variables (LOOM_*)
//  2. Project config file (.loom/config.json under the project root)
//  3. User config file (~/.loom/config.json)
//  4. Built-in defaults
//
// Duration fields accept ns/us/ms/s/m/h/d suffixes or bare millisecond
// numbers. Validation happens once at load; an invalid resolved config is a
// startup failure, never a runtime one.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// File and directory names.
const (
	ConfigDirName      = ".loom"
	ConfigFilename     = "config.json"
	ChannelsFilename   = "channels.yaml"
	DefaultNatsURL     = "nats://localhost:4222"
	WorkQueuePrefix    = "WORKQUEUE_"
	InboxPrefix        = "INBOX_"
	DLQStreamName      = "DLQ"
	DLQSubject         = "global.dlq"
	InboxSubjectPrefix = "global.agent."
)

// Work queue defaults (configured in milliseconds, stored as Duration).
const (
	DefaultAckTimeout          = Duration(5 * time.Minute)
	DefaultMaxDeliveryAttempts = 3
	DefaultDeadLetterTTL       = Duration(7 * 24 * time.Hour)
)

// Lifecycle defaults.
const (
	DefaultHeartbeatInterval = Duration(60 * time.Second)
	DefaultGCInterval        = Duration(5 * time.Minute)
	DefaultStaleThreshold    = Duration(180 * time.Second)
	DefaultRegistryTTL       = Duration(24 * time.Hour)
)

// Channel retention defaults.
const (
	DefaultChannelMaxMessages = 10000
	DefaultChannelMaxBytes    = 10 * 1024 * 1024
	DefaultChannelMaxAge      = Duration(24 * time.Hour)
)

// Inbox retention.
const (
	InboxMaxMessages = 1000
	InboxMaxAge      = Duration(7 * 24 * time.Hour)
)

var (
	projectIDRe = regexp.MustCompile(`^[0-9a-f]{16}$`)
	nameRe      = regexp.MustCompile(`^[a-z0-9-]+$`)
)

// LogConfig controls the logx sink.
type LogConfig struct {
	Level  string `json:"level"`  // DEBUG | INFO | WARN | ERROR
	Format string `json:"format"` // json | text
}

// WorkQueueConfig carries the acknowledgement and dead-letter settings shared
// by the inbox consumer and every capability queue.
type WorkQueueConfig struct {
	AckTimeout          Duration `json:"ackTimeoutMs"`
	MaxDeliveryAttempts int      `json:"maxDeliveryAttempts"`
	DeadLetterTTL       Duration `json:"deadLetterTTLMs"`
}

// LifecycleConfig tunes the heartbeat loop and registry GC.
type LifecycleConfig struct {
	HeartbeatInterval Duration `json:"heartbeatIntervalMs"`
	GCInterval        Duration `json:"gcIntervalMs"`
	StaleThreshold    Duration `json:"staleThresholdMs"`
	RegistryTTL       Duration `json:"ttlMs"`
}

// ChannelDescriptor declares a channel that should exist at startup.
type ChannelDescriptor struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	MaxMessages int64    `json:"maxMessages" yaml:"maxMessages"`
	MaxBytes    int64    `json:"maxBytes" yaml:"maxBytes"`
	MaxAge      Duration `json:"maxAge" yaml:"maxAge"`
}

// Config is the resolved configuration for one loom process.
type Config struct {
	NatsURL     string              `json:"natsUrl"`
	Namespace   string              `json:"namespace"` // 16 lowercase hex
	ProjectID   string              `json:"projectId"` // 16 lowercase hex
	ProjectPath string              `json:"projectPath"`
	Channels    []ChannelDescriptor `json:"channels"`
	Log         LogConfig           `json:"logging"`
	WorkQueue   WorkQueueConfig     `json:"workQueue"`
	Lifecycle   LifecycleConfig     `json:"lifecycle"`
	MetricsAddr string              `json:"metricsAddr,omitempty"` // optional promhttp listener
}

// Defaults returns the built-in configuration, before file and env overlays.
func Defaults() *Config {
	return &Config{
		NatsURL: DefaultNatsURL,
		Log:     LogConfig{Level: "INFO", Format: "text"},
		WorkQueue: WorkQueueConfig{
			AckTimeout:          DefaultAckTimeout,
			MaxDeliveryAttempts: DefaultMaxDeliveryAttempts,
			DeadLetterTTL:       DefaultDeadLetterTTL,
		},
		Lifecycle: LifecycleConfig{
			HeartbeatInterval: DefaultHeartbeatInterval,
			GCInterval:        DefaultGCInterval,
			StaleThreshold:    DefaultStaleThreshold,
			RegistryTTL:       DefaultRegistryTTL,
		},
	}
}

// DeriveNamespace computes the 16-hex project tag from a project path.
// The same derivation produces projectId so that one project maps to one
// namespace across processes.
func DeriveNamespace(projectPath string) string {
	sum := sha256.Sum256([]byte(projectPath))
	return hex.EncodeToString(sum[:])[:16]
}

// Validate checks the resolved config. Errors here are fatal at startup.
func (c *Config) Validate() error {
	if c.NatsURL == "" {
		return fmt.Errorf("natsUrl is required")
	}
	if c.Namespace != "" && !projectIDRe.MatchString(c.Namespace) {
		return fmt.Errorf("namespace must be 16 lowercase hex characters, got %q", c.Namespace)
	}
	if c.ProjectID != "" && !projectIDRe.MatchString(c.ProjectID) {
		return fmt.Errorf("projectId must be 16 lowercase hex characters, got %q", c.ProjectID)
	}
	switch c.Log.Level {
	case "", "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("logging.level must be one of DEBUG, INFO, WARN, ERROR, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Log.Format)
	}
	if c.WorkQueue.AckTimeout <= 0 {
		return fmt.Errorf("workQueue.ackTimeoutMs must be positive")
	}
	if c.WorkQueue.MaxDeliveryAttempts < 1 {
		return fmt.Errorf("workQueue.maxDeliveryAttempts must be at least 1")
	}
	if c.Lifecycle.HeartbeatInterval <= 0 || c.Lifecycle.GCInterval <= 0 {
		return fmt.Errorf("lifecycle intervals must be positive")
	}
	for i := range c.Channels {
		if err := c.Channels[i].Validate(); err != nil {
			return fmt.Errorf("channels[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks a channel descriptor and fills in retention defaults.
func (d *ChannelDescriptor) Validate() error {
	if !nameRe.MatchString(d.Name) {
		return fmt.Errorf("channel name must match ^[a-z0-9-]+$, got %q", d.Name)
	}
	if d.MaxMessages == 0 {
		d.MaxMessages = DefaultChannelMaxMessages
	}
	if d.MaxBytes == 0 {
		d.MaxBytes = DefaultChannelMaxBytes
	}
	if d.MaxAge == 0 {
		d.MaxAge = DefaultChannelMaxAge
	}
	if d.MaxMessages < 0 || d.MaxBytes < 0 || d.MaxAge < 0 {
		return fmt.Errorf("channel %q retention limits must be non-negative", d.Name)
	}
	return nil
}
