// Package config loads service configuration from an optional YAML file
// overlaid with environment variables. Env wins over file, file over
// defaults.
package config

import (
    "fmt"
    "os"
    "time"

    yaml "gopkg.in/yaml.v3"
)

type Config struct {
    Addr        string `yaml:"addr"`
    DatabaseURL string `yaml:"databaseUrl"`
    RedisURL    string `yaml:"redisUrl"`
    Migrate     bool   `yaml:"migrate"`

    Risk     RiskConfig     `yaml:"risk"`
    Notify   NotifyConfig   `yaml:"notify"`
    Tracking TrackingConfig `yaml:"tracking"`
    Ingest   IngestConfig   `yaml:"ingest"`
}

// RiskConfig carries the default risk limits and the recalc throttle.
type RiskConfig struct {
    StopProlongedSeconds       int     `yaml:"stopProlongedSeconds"`
    SpeedBelowHistoricalFactor float64 `yaml:"speedBelowHistoricalFactor"`
    MinSpeedSampleSize         int     `yaml:"minSpeedSampleSize"`
    EtaOverdueGraceSeconds     int     `yaml:"etaOverdueGraceSeconds"`
    AtRiskMinConsecutiveHits   int     `yaml:"atRiskMinConsecutiveHits"`
    DelayedMinConsecutiveHits  int     `yaml:"delayedMinConsecutiveHits"`
    RecalcMinIntervalSeconds   int     `yaml:"recalcMinIntervalSeconds"`
}

// NotifyConfig carries anti-spam windows per viewer audience.
type NotifyConfig struct {
    DedupeWindowSecondsOwner       int `yaml:"dedupeWindowSecondsOwner"`
    DedupeWindowSecondsClient      int `yaml:"dedupeWindowSecondsClient"`
    RateLimitPerRouteSecondsOwner  int `yaml:"rateLimitPerRouteSecondsOwner"`
    RateLimitPerRouteSecondsClient int `yaml:"rateLimitPerRouteSecondsClient"`
    EtaDeltaMinutesThresholdOwner  int `yaml:"etaDeltaMinutesThresholdOwner"`
    EtaDeltaMinutesThresholdClient int `yaml:"etaDeltaMinutesThresholdClient"`
}

// TrackingConfig shapes what each viewer role may see of live locations.
type TrackingConfig struct {
    OwnerDelaySeconds      int `yaml:"ownerDelaySeconds"`
    OwnerPrecisionDecimals int `yaml:"ownerPrecisionDecimals"`
    ClientDelaySeconds     int `yaml:"clientDelaySeconds"`
    ClientPrecisionDecimals int `yaml:"clientPrecisionDecimals"`
}

// IngestConfig controls snapshot storage throttling and the HTTP-level
// rate limiter in front of it.
type IngestConfig struct {
    MinIntervalSeconds int     `yaml:"minIntervalSeconds"`
    RatePerSecond      float64 `yaml:"ratePerSecond"`
    RateBurst          int     `yaml:"rateBurst"`
}

func Default() Config {
    return Config{
        Addr:    ":8080",
        Migrate: true,
        Risk: RiskConfig{
            StopProlongedSeconds:       1200,
            SpeedBelowHistoricalFactor: 0.6,
            MinSpeedSampleSize:         8,
            EtaOverdueGraceSeconds:     600,
            AtRiskMinConsecutiveHits:   2,
            DelayedMinConsecutiveHits:  2,
            RecalcMinIntervalSeconds:   600,
        },
        Notify: NotifyConfig{
            DedupeWindowSecondsOwner:       600,
            DedupeWindowSecondsClient:      3600,
            RateLimitPerRouteSecondsOwner:  60,
            RateLimitPerRouteSecondsClient: 600,
            EtaDeltaMinutesThresholdOwner:  10,
            EtaDeltaMinutesThresholdClient: 30,
        },
        Tracking: TrackingConfig{
            OwnerDelaySeconds:       10,
            OwnerPrecisionDecimals:  6,
            ClientDelaySeconds:      180,
            ClientPrecisionDecimals: 2,
        },
        Ingest: IngestConfig{
            MinIntervalSeconds: 20,
            RatePerSecond:      1,
            RateBurst:          5,
        },
    }
}

// Load reads CONFIG_FILE (if set) and applies env overrides.
func Load() (Config, error) {
    cfg := Default()
    if path := os.Getenv("CONFIG_FILE"); path != "" {
        data, err := os.ReadFile(path)
        if err != nil { return cfg, fmt.Errorf("read config: %w", err) }
        if err := yaml.Unmarshal(data, &cfg); err != nil { return cfg, fmt.Errorf("parse config: %w", err) }
    }
    if v := os.Getenv("PORT"); v != "" { cfg.Addr = ":" + v }
    if v := os.Getenv("ADDR"); v != "" { cfg.Addr = v }
    if v := os.Getenv("DATABASE_URL"); v != "" { cfg.DatabaseURL = v }
    if v := os.Getenv("REDIS_URL"); v != "" { cfg.RedisURL = v }
    if os.Getenv("DB_MIGRATE") == "false" { cfg.Migrate = false }
    return cfg, nil
}

func (c RiskConfig) RecalcMinInterval() time.Duration {
    return time.Duration(c.RecalcMinIntervalSeconds) * time.Second
}

func (c IngestConfig) MinInterval() time.Duration {
    return time.Duration(c.MinIntervalSeconds) * time.Second
}
