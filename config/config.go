// Package config loads delivery settings from YAML with environment
// overrides. Durations travel as strings ("30s", "2m") and are validated on
// load.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	delivery "github.com/goliatone/go-delivery"
	"github.com/goliatone/go-delivery/reservation"
	"github.com/goliatone/go-delivery/retry"
	"github.com/goliatone/go-delivery/scheduler"
	"gopkg.in/yaml.v3"
)

// Config gathers the tunable settings for the scheduler, the retry policy,
// the reservation service, and storage.
type Config struct {
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Retry       RetryConfig       `yaml:"retry"`
	Reservation ReservationConfig `yaml:"reservation"`
	Storage     StorageConfig     `yaml:"storage"`
}

// SchedulerConfig tunes precondition waits and the redelivery sweep.
type SchedulerConfig struct {
	WaitTimeout     string `yaml:"wait_timeout" env:"DELIVERY_SCHEDULER_WAIT_TIMEOUT"`
	SweepExpression string `yaml:"sweep_expression" env:"DELIVERY_SCHEDULER_SWEEP_EXPRESSION"`
}

// RetryConfig tunes the default quadratic backoff policy.
type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts" env:"DELIVERY_RETRY_MAX_ATTEMPTS"`
	BackoffUnit string `yaml:"backoff_unit" env:"DELIVERY_RETRY_BACKOFF_UNIT"`
}

// ReservationConfig tunes reservation leases.
type ReservationConfig struct {
	Lease string `yaml:"lease" env:"DELIVERY_RESERVATION_LEASE"`
}

// StorageConfig names the SQL backend and its tables.
type StorageConfig struct {
	Driver           string `yaml:"driver" env:"DELIVERY_STORAGE_DRIVER"`
	DSN              string `yaml:"dsn" env:"DELIVERY_STORAGE_DSN"`
	TargetTable      string `yaml:"target_table" env:"DELIVERY_STORAGE_TARGET_TABLE"`
	CommandTable     string `yaml:"command_table" env:"DELIVERY_STORAGE_COMMAND_TABLE"`
	ReservationTable string `yaml:"reservation_table" env:"DELIVERY_STORAGE_RESERVATION_TABLE"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			WaitTimeout:     scheduler.DefaultWaitTimeout.String(),
			SweepExpression: scheduler.DefaultSweepExpression,
		},
		Retry: RetryConfig{
			MaxAttempts: retry.DefaultMaxAttempts,
			BackoffUnit: time.Minute.String(),
		},
		Reservation: ReservationConfig{
			Lease: reservation.DefaultLease.String(),
		},
		Storage: StorageConfig{
			Driver:           "sqlite",
			DSN:              "delivery.db",
			TargetTable:      "targets",
			CommandTable:     "scheduled_commands",
			ReservationTable: "reservations",
		},
	}
}

// Load reads YAML from path when it exists, applies environment overrides,
// and validates. An empty path skips the file step.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer f.Close()
			if err := decode(f, &cfg); err != nil {
				return cfg, err
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Parse reads YAML from r over the defaults, without environment overrides.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	if err := decode(r, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate checks every duration and required field.
func (c Config) Validate() error {
	if _, err := parseDuration(c.Scheduler.WaitTimeout); err != nil {
		return delivery.ValidationError("scheduler.wait_timeout is not a duration", err)
	}
	if strings.TrimSpace(c.Scheduler.SweepExpression) == "" {
		return delivery.ValidationError("scheduler.sweep_expression is required", nil)
	}
	if c.Retry.MaxAttempts < 1 {
		return delivery.ValidationError("retry.max_attempts must be at least 1", nil)
	}
	if _, err := parseDuration(c.Retry.BackoffUnit); err != nil {
		return delivery.ValidationError("retry.backoff_unit is not a duration", err)
	}
	if _, err := parseDuration(c.Reservation.Lease); err != nil {
		return delivery.ValidationError("reservation.lease is not a duration", err)
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		return delivery.ValidationError("storage.driver is required", nil)
	}
	return nil
}

// Timeout returns the parsed precondition wait bound.
func (c SchedulerConfig) Timeout() time.Duration {
	d, err := parseDuration(c.WaitTimeout)
	if err != nil {
		return scheduler.DefaultWaitTimeout
	}
	return d
}

// Policy builds the configured retry policy.
func (c RetryConfig) Policy() retry.Policy {
	unit, err := parseDuration(c.BackoffUnit)
	if err != nil {
		unit = time.Minute
	}
	return retry.QuadraticBackoff{MaxAttempts: c.MaxAttempts, Unit: unit}
}

// LeaseDuration returns the parsed reservation lease.
func (c ReservationConfig) LeaseDuration() time.Duration {
	d, err := parseDuration(c.Lease)
	if err != nil {
		return reservation.DefaultLease
	}
	return d
}

// SchedulerOptions translates the section into scheduler options.
func (c Config) SchedulerOptions() []scheduler.Option {
	return []scheduler.Option{
		scheduler.WithWaitTimeout(c.Scheduler.Timeout()),
	}
}

// ReservationOptions translates the section into reservation options.
func (c Config) ReservationOptions() []reservation.Option {
	return []reservation.Option{
		reservation.WithLease(c.Reservation.LeaseDuration()),
	}
}

func parseDuration(raw string) (time.Duration, error) {
	return time.ParseDuration(strings.TrimSpace(raw))
}
