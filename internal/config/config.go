// Package config parses process configuration with spf13/cobra/pflag
// rather than a hand-rolled flag parser, matching the CLI idiom used by
// wbd2023-UNSW-COMP6841-Ciphera in the retrieval pack.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"signalengine/internal/cache"
)

// Config holds every tunable named in spec §4-§5: local identity, cache
// purge/attempt thresholds, per-task timeout, and keepalive cadence.
type Config struct {
	ListenAddr  string
	ServiceAddr string

	LocalNumber   string
	LocalDeviceID uint32

	PurgeThreshold int
	MaxAttempts    uint
	TaskTimeout    time.Duration
	KeepAlive      time.Duration
	ReconnectDelay time.Duration

	WorkerPoolSize int
}

// Default returns the spec's documented defaults (§4.2 purge threshold 250,
// max attempts 3) with reasonable values for the rest.
func Default() Config {
	return Config{
		ListenAddr:     "localhost:8080",
		ServiceAddr:    "localhost:8080",
		LocalDeviceID:  1,
		PurgeThreshold: cache.DefaultPurgeThreshold,
		MaxAttempts:    cache.DefaultMaxAttempts,
		TaskTimeout:    30 * time.Second,
		KeepAlive:      15 * time.Second,
		ReconnectDelay: 5 * time.Second,
		WorkerPoolSize: 4,
	}
}

// BindFlags registers c's fields onto fs, so callers can compose it into any
// cobra.Command's Flags()/PersistentFlags().
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "address the fake Signal service listens on")
	fs.StringVar(&c.ServiceAddr, "service-addr", c.ServiceAddr, "host:port of the Signal service to dial for keys, sends, and the message socket")
	fs.StringVar(&c.LocalNumber, "number", c.LocalNumber, "local account phone number")
	fs.Uint32Var(&c.LocalDeviceID, "device-id", c.LocalDeviceID, "local device id")
	fs.IntVar(&c.PurgeThreshold, "cache-purge-threshold", c.PurgeThreshold, "unprocessed cache size above which the whole cache is purged at startup")
	fs.UintVar(&c.MaxAttempts, "max-attempts", c.MaxAttempts, "dispatch attempts before an unprocessed item is dropped")
	fs.DurationVar(&c.TaskTimeout, "task-timeout", c.TaskTimeout, "per-task timeout on the receiver's serial queue")
	fs.DurationVar(&c.KeepAlive, "keepalive", c.KeepAlive, "websocket keepalive interval")
	fs.DurationVar(&c.ReconnectDelay, "reconnect-delay", c.ReconnectDelay, "delay before a dropped socket reconnects")
	fs.IntVar(&c.WorkerPoolSize, "worker-pool-size", c.WorkerPoolSize, "goroutines in the base64 codec pool")
}

// Validate reports a descriptive error for any configuration that would
// leave the engine unable to start.
func (c Config) Validate() error {
	if c.LocalNumber == "" {
		return fmt.Errorf("config: --number is required")
	}
	if c.PurgeThreshold <= 0 {
		return fmt.Errorf("config: --cache-purge-threshold must be positive")
	}
	if c.MaxAttempts == 0 {
		return fmt.Errorf("config: --max-attempts must be positive")
	}
	return nil
}
