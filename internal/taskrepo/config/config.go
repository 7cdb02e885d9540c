// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads service settings from the environment, lets command-line
// flags override them, and builds the process logger.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"taskrepo/internal/taskrepo/persistence"
	"taskrepo/pkg/coalesce"
	"taskrepo/pkg/retry"
)

// Config is the full service configuration.
type Config struct {
	LogLevel    string
	HTTPAddr    string
	MetricsAddr string
	HealthAddr  string

	Persistence persistence.Options

	BatchSize        int
	RetryMaxAttempts int
	ShutdownGrace    time.Duration
	InactiveTTL      time.Duration
}

// FromEnv reads every setting from the environment, falling back to defaults.
// Malformed numbers are reported together; the defaults stay in place for them.
func FromEnv() (Config, error) {
	var (
		c    Config
		errs []error
	)
	str := func(key, fallback string) string {
		v, err := env.GetAsString(key, false, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	num := func(key string, fallback int) int {
		v, err := env.GetAsInt(key, false, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	c.LogLevel = str("LOGGING_LEVEL", "PRODUCTION")
	c.HTTPAddr = str("HTTP_ADDR", ":8080")
	c.MetricsAddr = str("METRICS_ADDR", ":9090")
	c.HealthAddr = str("HEALTH_ADDR", ":8086")

	c.Persistence = persistence.Options{
		StoreAdapter: str("STORE_ADAPTER", "memory"),
		PostgresDSN:  str("POSTGRES_DSN", ""),
		CacheAdapter: str("CACHE_ADAPTER", "memory"),
		RedisAddr:    str("REDIS_ADDR", ""),
		RedisPrefix:  str("REDIS_PREFIX", "task:"),
		FeedAdapter:  str("FEED_ADAPTER", "none"),
		FeedPath:     str("FEED_PATH", ""),
		KafkaBrokers: splitList(str("KAFKA_BROKERS", "")),
		KafkaTopic:   str("KAFKA_TOPIC", "task-changes"),
		FeedBuffer:   num("FEED_BUFFER", persistence.DefaultFeedBuffer),
	}

	c.BatchSize = num("BATCH_SIZE", coalesce.DefaultBatchSize)
	c.RetryMaxAttempts = num("RETRY_MAX_ATTEMPTS", retry.DefaultMaxAttempts)
	c.ShutdownGrace = time.Duration(num("SHUTDOWN_GRACE_SECONDS", int(coalesce.DefaultShutdownGrace/time.Second))) * time.Second
	c.InactiveTTL = time.Duration(num("CACHE_INACTIVE_TTL_HOURS", int(coalesce.DefaultInactiveTTL/time.Hour))) * time.Hour

	return c, errors.Join(errs...)
}

// Load reads the environment, then applies flags parsed from args.
func Load(name string, args []string) (Config, error) {
	c, err := FromEnv()
	if err != nil {
		return c, err
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	c.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// BindFlags registers flags whose defaults are the current values of c.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.LogLevel, "log_level", c.LogLevel, "DEVELOPMENT or PRODUCTION logging")
	fs.StringVar(&c.HTTPAddr, "http_addr", c.HTTPAddr, "API listen address")
	fs.StringVar(&c.MetricsAddr, "metrics_addr", c.MetricsAddr, "Prometheus /metrics listen address (empty disables)")
	fs.StringVar(&c.HealthAddr, "health_addr", c.HealthAddr, "health check listen address (empty disables)")
	fs.StringVar(&c.Persistence.StoreAdapter, "store", c.Persistence.StoreAdapter, "store adapter: memory|postgres")
	fs.StringVar(&c.Persistence.PostgresDSN, "postgres_dsn", c.Persistence.PostgresDSN, "Postgres connection string")
	fs.StringVar(&c.Persistence.CacheAdapter, "cache", c.Persistence.CacheAdapter, "cache adapter: none|memory|redis")
	fs.StringVar(&c.Persistence.RedisAddr, "redis_addr", c.Persistence.RedisAddr, "Redis address host:port")
	fs.StringVar(&c.Persistence.FeedAdapter, "feed", c.Persistence.FeedAdapter, "change feed: none|log|file|kafka")
	fs.StringVar(&c.Persistence.FeedPath, "feed_path", c.Persistence.FeedPath, "journal file for the file feed (default <kafka_topic>.jsonl)")
	fs.Func("kafka_brokers", "comma-separated Kafka brokers", func(s string) error {
		c.Persistence.KafkaBrokers = splitList(s)
		return nil
	})
	fs.StringVar(&c.Persistence.KafkaTopic, "kafka_topic", c.Persistence.KafkaTopic, "Kafka topic for task changes")
	fs.IntVar(&c.Persistence.FeedBuffer, "feed_buffer", c.Persistence.FeedBuffer, "committed batches the change feed may hold before dropping")
	fs.IntVar(&c.BatchSize, "batch_size", c.BatchSize, "max writes per store round trip")
	fs.IntVar(&c.RetryMaxAttempts, "retry_max_attempts", c.RetryMaxAttempts, "total attempts per batch on transient errors")
	fs.DurationVar(&c.ShutdownGrace, "shutdown_grace", c.ShutdownGrace, "delay before stopping after a writer fault")
	fs.DurationVar(&c.InactiveTTL, "cache_inactive_ttl", c.InactiveTTL, "cache lifetime of inactive tasks")
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}
	if c.RetryMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry attempts must be positive, got %d", c.RetryMaxAttempts))
	}
	if c.ShutdownGrace < 0 || c.InactiveTTL < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.Persistence.StoreAdapter == "postgres" && c.Persistence.PostgresDSN == "" {
		errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres store"))
	}
	if c.Persistence.CacheAdapter == "redis" && c.Persistence.RedisAddr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required for the redis cache"))
	}
	if c.Persistence.FeedAdapter == "kafka" && len(c.Persistence.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka feed"))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NewLogger builds the process logger and installs it as the zap global.
// DEVELOPMENT selects the development config; anything else is production.
func NewLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch strings.ToUpper(level) {
	case "DEVELOPMENT", "DEBUG":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}
	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(log)
	return log, nil
}
