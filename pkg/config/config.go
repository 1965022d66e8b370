package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"proactive-outreach-engine/pkg/constants"
)

// Event sink kinds.
const (
	EventSinkSQL   = "sql"
	EventSinkRedis = "redis"
)

type Config struct {
	DatabasePath             string `yaml:"database_path"`
	RedisURL                 string `yaml:"redis_url"`
	Port                     string `yaml:"port"`
	LogLevel                 string `yaml:"log_level"`
	PodID                    string `yaml:"pod_id"`
	FunnelIdleTimeoutMinutes int    `yaml:"funnel_idle_timeout_minutes"`
	SweepIntervalSeconds     int    `yaml:"sweep_interval_seconds"`
	LeaderElectionTTL        int    `yaml:"leader_election_ttl"`
	EventSink                string `yaml:"event_sink"`
	EventBufferSize          int    `yaml:"event_buffer_size"`
	PulseCacheTTLMinutes     int    `yaml:"pulse_cache_ttl_minutes"`
	ChannelWebhookURL        string `yaml:"channel_webhook_url"`
	ConsumerGroupName        string `yaml:"consumer_group_name"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		DatabasePath:             "outreach.db",
		Port:                     "8080",
		LogLevel:                 "info",
		FunnelIdleTimeoutMinutes: constants.DefaultIdleTimeoutMinutes,
		SweepIntervalSeconds:     constants.DefaultSweepIntervalSeconds,
		LeaderElectionTTL:        constants.DefaultLeaderElectionTTLSeconds,
		EventSink:                EventSinkSQL,
		EventBufferSize:          constants.DefaultEventBufferSize,
		PulseCacheTTLMinutes:     constants.DefaultPulseCacheTTLMinutes,
		ConsumerGroupName:        "funnel-event-writers",
	}
}

// Load applies defaults, then the YAML file at path (if path is not empty),
// then environment variables.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, config); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	config.DatabasePath = getEnv(constants.EnvDatabasePath, config.DatabasePath)
	config.RedisURL = getEnv(constants.EnvRedisURL, config.RedisURL)
	config.Port = getEnv(constants.EnvPort, config.Port)
	config.LogLevel = getEnv(constants.EnvLogLevel, config.LogLevel)
	config.PodID = getEnv(constants.EnvPodID, config.PodID)
	config.FunnelIdleTimeoutMinutes = getEnvInt(constants.EnvIdleTimeout, config.FunnelIdleTimeoutMinutes)
	config.SweepIntervalSeconds = getEnvInt(constants.EnvSweepInterval, config.SweepIntervalSeconds)
	config.LeaderElectionTTL = getEnvInt(constants.EnvLeaderElectionTTL, config.LeaderElectionTTL)
	config.EventSink = getEnv(constants.EnvEventSink, config.EventSink)
	config.EventBufferSize = getEnvInt(constants.EnvEventBufferSize, config.EventBufferSize)
	config.PulseCacheTTLMinutes = getEnvInt(constants.EnvPulseCacheTTL, config.PulseCacheTTLMinutes)
	config.ChannelWebhookURL = getEnv(constants.EnvChannelWebhookURL, config.ChannelWebhookURL)
	config.ConsumerGroupName = getEnv(constants.EnvConsumerGroupName, config.ConsumerGroupName)

	if config.PodID == "" {
		config.PodID = generatePodID()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	switch c.EventSink {
	case EventSinkSQL:
	case EventSinkRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: event sink %q requires %s", c.EventSink, constants.EnvRedisURL)
		}
	default:
		return fmt.Errorf("config: unknown event sink %q", c.EventSink)
	}
	if c.FunnelIdleTimeoutMinutes <= 0 {
		return fmt.Errorf("config: %s must be positive", constants.EnvIdleTimeout)
	}
	if c.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("config: %s must be positive", constants.EnvSweepInterval)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("config: %s is empty", constants.EnvDatabasePath)
	}
	return nil
}

func (c *Config) RedisEnabled() bool {
	return c.RedisURL != ""
}

func (c *Config) IdleTimeout() time.Duration {
	return constants.MinutesToDuration(c.FunnelIdleTimeoutMinutes)
}

func (c *Config) SweepInterval() time.Duration {
	return constants.SecondsToDuration(c.SweepIntervalSeconds)
}

func (c *Config) LeaderElectionTTLDuration() time.Duration {
	return constants.SecondsToDuration(c.LeaderElectionTTL)
}

func (c *Config) PulseCacheTTL() time.Duration {
	return constants.MinutesToDuration(c.PulseCacheTTLMinutes)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func generatePodID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return uuid.New().String()
	}
	return hostname + "-" + uuid.New().String()[:8]
}
