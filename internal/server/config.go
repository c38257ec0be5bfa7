package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	ListenAddr string              `json:"listen_addr" yaml:"listen_addr"`
	Database   DatabaseConfig      `json:"database" yaml:"database"`
	Auth       AuthConfig          `json:"auth" yaml:"auth"`
	Security   SecurityConfig      `json:"security" yaml:"security"`
	Scan       ScanConfig          `json:"scan" yaml:"scan"`
	Judge      JudgeConfig         `json:"judge" yaml:"judge"`
	Classifier ClassifierConfig    `json:"classifier" yaml:"classifier"`
	Observer   ObservabilityConfig `json:"observability" yaml:"observability"`
	Limits     VerifyLimitConfig   `json:"limits" yaml:"limits"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	MaxConns int32  `json:"max_conns" yaml:"max_conns"`
}

type AuthConfig struct {
	SessionTTL string `json:"session_ttl" yaml:"session_ttl"`
	CookieName string `json:"cookie_name" yaml:"cookie_name"`
}

type SecurityConfig struct {
	AdminToken string `json:"admin_token" yaml:"admin_token"`
}

// ScanConfig carries the executor defaults and the scan admission limits.
type ScanConfig struct {
	MaxConcurrent    int     `json:"max_concurrent" yaml:"max_concurrent"`
	RequestRate      float64 `json:"request_rate" yaml:"request_rate"`
	Burst            int     `json:"burst" yaml:"burst"`
	FailureThreshold float64 `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout  string  `json:"recovery_timeout" yaml:"recovery_timeout"`

	DefaultBudget    int `json:"default_budget_tokens" yaml:"default_budget_tokens"`
	DailyTokenLimit  int `json:"daily_token_limit" yaml:"daily_token_limit"`
	MaxParallelScans int `json:"max_parallel_scans" yaml:"max_parallel_scans"`
}

// JudgeConfig points the optional judge detector at a controller endpoint.
// The spec file uses the same endpoint template format as scan targets.
type JudgeConfig struct {
	SpecPath   string `json:"spec_path" yaml:"spec_path"`
	TimeoutSec int    `json:"timeout_sec" yaml:"timeout_sec"`
}

type ClassifierConfig struct {
	ModelPath string  `json:"model_path" yaml:"model_path"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Unanimous bool    `json:"unanimous" yaml:"unanimous"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

type VerifyLimitConfig struct {
	VerifyRPM int `json:"verify_rpm" yaml:"verify_rpm"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":8080",
		Database: DatabaseConfig{
			MaxConns: 10,
		},
		Auth: AuthConfig{
			SessionTTL: "8h",
			CookieName: "redscan_session",
		},
		Scan: ScanConfig{
			MaxConcurrent:    5,
			RequestRate:      10,
			Burst:            5,
			FailureThreshold: 0.5,
			RecoveryTimeout:  "30s",
			DefaultBudget:    100000,
			DailyTokenLimit:  2000000,
			MaxParallelScans: 2,
		},
		Classifier: ClassifierConfig{
			Threshold: 0.5,
		},
		Observer: ObservabilityConfig{
			ServiceName: "redscan-api",
			SampleRatio: 1,
		},
		Limits: VerifyLimitConfig{
			VerifyRPM: 6,
		},
	}
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json config: %w", err)
		}
	default:
		var yamlErr error
		if yamlErr = yaml.Unmarshal(data, &cfg); yamlErr == nil {
			break
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.New("config format not recognized (expected yaml/json)")
		}
	}
	normalizeConfig(&cfg)
	return cfg, nil
}

func normalizeConfig(cfg *ServerConfig) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if strings.TrimSpace(cfg.Auth.CookieName) == "" {
		cfg.Auth.CookieName = "redscan_session"
	}
	if strings.TrimSpace(cfg.Auth.SessionTTL) == "" {
		cfg.Auth.SessionTTL = "8h"
	}
	if cfg.Scan.MaxConcurrent <= 0 {
		cfg.Scan.MaxConcurrent = 5
	}
	if cfg.Scan.RequestRate <= 0 {
		cfg.Scan.RequestRate = 10
	}
	if cfg.Scan.Burst <= 0 {
		cfg.Scan.Burst = cfg.Scan.MaxConcurrent
	}
	if cfg.Scan.FailureThreshold <= 0 || cfg.Scan.FailureThreshold > 1 {
		cfg.Scan.FailureThreshold = 0.5
	}
	if strings.TrimSpace(cfg.Scan.RecoveryTimeout) == "" {
		cfg.Scan.RecoveryTimeout = "30s"
	}
	if cfg.Scan.DefaultBudget <= 0 {
		cfg.Scan.DefaultBudget = 100000
	}
	if cfg.Scan.DailyTokenLimit <= 0 {
		cfg.Scan.DailyTokenLimit = 2000000
	}
	if cfg.Scan.MaxParallelScans <= 0 {
		cfg.Scan.MaxParallelScans = 2
	}
	if cfg.Classifier.Threshold <= 0 || cfg.Classifier.Threshold > 1 {
		cfg.Classifier.Threshold = 0.5
	}
	if cfg.Judge.TimeoutSec <= 0 {
		cfg.Judge.TimeoutSec = 30
	}
	if cfg.Observer.SampleRatio <= 0 || cfg.Observer.SampleRatio > 1 {
		cfg.Observer.SampleRatio = 1
	}
	if strings.TrimSpace(cfg.Observer.ServiceName) == "" {
		cfg.Observer.ServiceName = "redscan-api"
	}
	if cfg.Limits.VerifyRPM <= 0 {
		cfg.Limits.VerifyRPM = 6
	}
}
