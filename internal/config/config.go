// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package config provides configuration management for streamgate.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig represents the YAML configuration structure.
// All fields are optional; unset values fall back to defaults.
type FileConfig struct {
	Listen         string `yaml:"listen,omitempty"`
	LiveDir        string `yaml:"liveDir,omitempty"`
	ArchiveDir     string `yaml:"archiveDir,omitempty"`
	ArchiveDB      string `yaml:"archiveDb,omitempty"`
	FFmpegPath     string `yaml:"ffmpegPath,omitempty"`
	SourceTemplate string `yaml:"sourceTemplate,omitempty"`
	SegmentSeconds int    `yaml:"segmentSeconds,omitempty"`
	PlaylistWindow int    `yaml:"playlistWindow,omitempty"`
	DeleteSegments *bool  `yaml:"deleteSegments,omitempty"`
	ReadyTimeout   string `yaml:"readyTimeout,omitempty"` // e.g. "15s"
	StopGrace      string `yaml:"stopGrace,omitempty"`    // e.g. "5s"
	RetainOnStop   *bool  `yaml:"retainOnStop,omitempty"`
	RateLimitRPS   int    `yaml:"rateLimitRps,omitempty"`
	LogLevel       string `yaml:"logLevel,omitempty"`
}

// AppConfig is the fully resolved runtime configuration.
type AppConfig struct {
	Listen         string
	LiveDir        string
	ArchiveDir     string
	ArchiveDB      string
	FFmpegPath     string
	SourceTemplate string
	SegmentSeconds int
	PlaylistWindow int
	DeleteSegments bool
	ReadyTimeout   time.Duration
	StopGrace      time.Duration
	RetainOnStop   bool
	RateLimitRPS   int
	LogLevel       string
}

// Defaults returns the baseline configuration.
// Segment duration and window size follow the transcoder contract
// (hls_time 2, hls_list_size 10).
func Defaults() AppConfig {
	return AppConfig{
		Listen:         ":8080",
		LiveDir:        "/var/lib/streamgate/live",
		ArchiveDir:     "/var/lib/streamgate/archive",
		ArchiveDB:      "/var/lib/streamgate/archive.db",
		FFmpegPath:     "ffmpeg",
		SourceTemplate: "rtmp://localhost/live/%s",
		SegmentSeconds: 2,
		PlaylistWindow: 10,
		DeleteSegments: true,
		ReadyTimeout:   15 * time.Second,
		StopGrace:      5 * time.Second,
		RetainOnStop:   true,
		RateLimitRPS:   10,
		LogLevel:       "info",
	}
}

// Load resolves configuration: defaults, then the YAML file (if path is
// non-empty), then STREAMGATE_* environment overrides, then validation.
func Load(path string) (AppConfig, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		var fc FileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
		if err := mergeFile(&cfg, fc); err != nil {
			return cfg, err
		}
	}

	if err := mergeEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func mergeFile(cfg *AppConfig, fc FileConfig) error {
	if fc.Listen != "" {
		cfg.Listen = fc.Listen
	}
	if fc.LiveDir != "" {
		cfg.LiveDir = fc.LiveDir
	}
	if fc.ArchiveDir != "" {
		cfg.ArchiveDir = fc.ArchiveDir
	}
	if fc.ArchiveDB != "" {
		cfg.ArchiveDB = fc.ArchiveDB
	}
	if fc.FFmpegPath != "" {
		cfg.FFmpegPath = fc.FFmpegPath
	}
	if fc.SourceTemplate != "" {
		cfg.SourceTemplate = fc.SourceTemplate
	}
	if fc.SegmentSeconds > 0 {
		cfg.SegmentSeconds = fc.SegmentSeconds
	}
	if fc.PlaylistWindow > 0 {
		cfg.PlaylistWindow = fc.PlaylistWindow
	}
	if fc.DeleteSegments != nil {
		cfg.DeleteSegments = *fc.DeleteSegments
	}
	if fc.ReadyTimeout != "" {
		d, err := time.ParseDuration(fc.ReadyTimeout)
		if err != nil {
			return fmt.Errorf("invalid readyTimeout %q: %w", fc.ReadyTimeout, err)
		}
		cfg.ReadyTimeout = d
	}
	if fc.StopGrace != "" {
		d, err := time.ParseDuration(fc.StopGrace)
		if err != nil {
			return fmt.Errorf("invalid stopGrace %q: %w", fc.StopGrace, err)
		}
		cfg.StopGrace = d
	}
	if fc.RetainOnStop != nil {
		cfg.RetainOnStop = *fc.RetainOnStop
	}
	if fc.RateLimitRPS > 0 {
		cfg.RateLimitRPS = fc.RateLimitRPS
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	return nil
}

func mergeEnv(cfg *AppConfig) error {
	if v := os.Getenv("STREAMGATE_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("STREAMGATE_LIVE_DIR"); v != "" {
		cfg.LiveDir = v
	}
	if v := os.Getenv("STREAMGATE_ARCHIVE_DIR"); v != "" {
		cfg.ArchiveDir = v
	}
	if v := os.Getenv("STREAMGATE_ARCHIVE_DB"); v != "" {
		cfg.ArchiveDB = v
	}
	if v := os.Getenv("STREAMGATE_FFMPEG"); v != "" {
		cfg.FFmpegPath = v
	}
	if v := os.Getenv("STREAMGATE_SOURCE_TEMPLATE"); v != "" {
		cfg.SourceTemplate = v
	}
	if v := os.Getenv("STREAMGATE_READY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid STREAMGATE_READY_TIMEOUT %q: %w", v, err)
		}
		cfg.ReadyTimeout = d
	}
	if v := os.Getenv("STREAMGATE_STOP_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid STREAMGATE_STOP_GRACE %q: %w", v, err)
		}
		cfg.StopGrace = d
	}
	if v := os.Getenv("STREAMGATE_DELETE_SEGMENTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid STREAMGATE_DELETE_SEGMENTS %q: %w", v, err)
		}
		cfg.DeleteSegments = b
	}
	if v := os.Getenv("STREAMGATE_RETAIN_ON_STOP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid STREAMGATE_RETAIN_ON_STOP %q: %w", v, err)
		}
		cfg.RetainOnStop = b
	}
	if v := os.Getenv("STREAMGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

// Validate checks the resolved configuration for internal consistency.
func (c AppConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.LiveDir == "" || c.ArchiveDir == "" {
		return fmt.Errorf("liveDir and archiveDir must not be empty")
	}
	if c.LiveDir == c.ArchiveDir {
		return fmt.Errorf("liveDir and archiveDir must differ")
	}
	if c.SegmentSeconds <= 0 {
		return fmt.Errorf("segmentSeconds must be positive")
	}
	if c.PlaylistWindow <= 0 {
		return fmt.Errorf("playlistWindow must be positive")
	}
	if c.ReadyTimeout <= 0 {
		return fmt.Errorf("readyTimeout must be positive")
	}
	if c.StopGrace <= 0 {
		return fmt.Errorf("stopGrace must be positive")
	}
	return nil
}
