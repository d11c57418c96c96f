// Package config handles platform configuration
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Overflow policies for the send queue backlog.
const (
	OverflowDropOldest = "drop-oldest"
	OverflowDropNewest = "drop-newest"
)

// Opus only accepts these input rates; the capture rate must also sit in the
// 22.05–44.1 kHz band the classifier was trained on.
var opusSampleRates = []int{8000, 12000, 16000, 24000, 48000}

const (
	minCaptureRate = 22050
	maxCaptureRate = 44100
)

type Config struct {
	HTTPAddr           string        `yaml:"http_addr"`
	ClassifierURL      string        `yaml:"classifier_url"`
	ClassifierField    string        `yaml:"classifier_field"`
	ClassifierTimeout  time.Duration `yaml:"classifier_timeout"`
	ChunkDuration      time.Duration `yaml:"chunk_duration"`
	SendCooldown       time.Duration `yaml:"send_cooldown"`
	AudioBitrate       int           `yaml:"audio_bitrate"`
	SampleRate         int           `yaml:"sample_rate"`
	FrameDuration      time.Duration `yaml:"frame_duration"`
	EchoCancellation   bool          `yaml:"echo_cancellation"`
	NoiseSuppression   bool          `yaml:"noise_suppression"`
	NoiseGateThreshold float64       `yaml:"noise_gate_threshold"`
	AudioDevice        string        `yaml:"audio_device"`
	ExcludedDevices    []string      `yaml:"excluded_audio_devices"`
	QueueCapacity      int           `yaml:"queue_capacity"`
	QueueOverflow      string        `yaml:"queue_overflow"`
	HistorySize        int           `yaml:"history_size"`
	BreakerThreshold   int           `yaml:"breaker_threshold"`
	BreakerReset       time.Duration `yaml:"breaker_reset"`
	LogLevel           string        `yaml:"log_level"`
	MetricsEnabled     bool          `yaml:"metrics_enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr:           ":8000",
		ClassifierURL:      "http://localhost:3001/audio",
		ClassifierField:    "file",
		ClassifierTimeout:  10 * time.Second,
		ChunkDuration:      3 * time.Second,
		AudioBitrate:       64000,
		SampleRate:         24000,
		FrameDuration:      20 * time.Millisecond,
		EchoCancellation:   true,
		NoiseSuppression:   true,
		NoiseGateThreshold: 0.01,
		ExcludedDevices:    []string{"iphone", "teams"},
		QueueCapacity:      20,
		QueueOverflow:      OverflowDropOldest,
		HistorySize:        30,
		BreakerThreshold:   5,
		BreakerReset:       30 * time.Second,
		LogLevel:           "info",
		MetricsEnabled:     true,
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// VORIFY_CONFIG, and environment variables, in that order of precedence.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("VORIFY_CONFIG"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		err = decodeYAML(f, cfg)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	applyEnv(cfg)
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.ClassifierURL = getEnv("CLASSIFIER_URL", cfg.ClassifierURL)
	cfg.ClassifierField = getEnv("CLASSIFIER_FIELD", cfg.ClassifierField)
	cfg.ClassifierTimeout = getEnvDuration("CLASSIFIER_TIMEOUT", cfg.ClassifierTimeout)
	cfg.ChunkDuration = getEnvDuration("CHUNK_DURATION", cfg.ChunkDuration)
	cfg.SendCooldown = getEnvDuration("SEND_COOLDOWN", cfg.SendCooldown)
	cfg.AudioBitrate = getEnvInt("AUDIO_BITRATE", cfg.AudioBitrate)
	cfg.SampleRate = getEnvInt("SAMPLE_RATE", cfg.SampleRate)
	cfg.FrameDuration = getEnvDuration("FRAME_DURATION", cfg.FrameDuration)
	cfg.EchoCancellation = getEnvBool("ECHO_CANCELLATION", cfg.EchoCancellation)
	cfg.NoiseSuppression = getEnvBool("NOISE_SUPPRESSION", cfg.NoiseSuppression)
	cfg.NoiseGateThreshold = getEnvFloat("NOISE_GATE_THRESHOLD", cfg.NoiseGateThreshold)
	cfg.AudioDevice = getEnv("AUDIO_DEVICE", cfg.AudioDevice)
	cfg.ExcludedDevices = getEnvList("EXCLUDED_AUDIO_DEVICES", cfg.ExcludedDevices)
	cfg.QueueCapacity = getEnvInt("QUEUE_CAPACITY", cfg.QueueCapacity)
	cfg.QueueOverflow = getEnv("QUEUE_OVERFLOW", cfg.QueueOverflow)
	cfg.HistorySize = getEnvInt("HISTORY_SIZE", cfg.HistorySize)
	cfg.BreakerThreshold = getEnvInt("BREAKER_THRESHOLD", cfg.BreakerThreshold)
	cfg.BreakerReset = getEnvDuration("BREAKER_RESET", cfg.BreakerReset)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.MetricsEnabled = getEnvBool("METRICS_ENABLED", cfg.MetricsEnabled)
}

// normalize fills derived defaults. The cooldown follows the chunk cadence
// unless set explicitly.
func (c *Config) normalize() {
	if c.SendCooldown <= 0 {
		c.SendCooldown = c.ChunkDuration
	}
	c.QueueOverflow = strings.ToLower(strings.TrimSpace(c.QueueOverflow))
}

// Validate checks that the configuration is coherent. It returns a joined
// error listing every invalid field.
func (c *Config) Validate() error {
	var errs []error

	if c.ClassifierURL == "" {
		errs = append(errs, errors.New("classifier_url must not be empty"))
	} else if !strings.HasPrefix(c.ClassifierURL, "http://") && !strings.HasPrefix(c.ClassifierURL, "https://") {
		errs = append(errs, fmt.Errorf("classifier_url %q must be an http(s) URL", c.ClassifierURL))
	}
	if c.ClassifierField == "" {
		errs = append(errs, errors.New("classifier_field must not be empty"))
	}
	if c.ClassifierTimeout <= 0 {
		errs = append(errs, fmt.Errorf("classifier_timeout %v must be positive", c.ClassifierTimeout))
	}
	if c.ChunkDuration < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("chunk_duration %v must be at least 100ms", c.ChunkDuration))
	}
	// Dispatches may never start closer together than one chunk.
	if c.SendCooldown < c.ChunkDuration {
		errs = append(errs, fmt.Errorf("send_cooldown %v must be at least chunk_duration %v", c.SendCooldown, c.ChunkDuration))
	}
	if c.AudioBitrate < 6000 || c.AudioBitrate > 510000 {
		errs = append(errs, fmt.Errorf("audio_bitrate %d outside Opus range 6000-510000", c.AudioBitrate))
	}
	if !validSampleRate(c.SampleRate) {
		errs = append(errs, fmt.Errorf("sample_rate %d must be an Opus rate between %d and %d Hz", c.SampleRate, minCaptureRate, maxCaptureRate))
	}
	switch c.FrameDuration {
	case 10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond:
	default:
		errs = append(errs, fmt.Errorf("frame_duration %v must be one of 10ms, 20ms, 40ms, 60ms", c.FrameDuration))
	}
	if c.NoiseGateThreshold < 0 || c.NoiseGateThreshold >= 1 {
		errs = append(errs, fmt.Errorf("noise_gate_threshold %v must be in [0, 1)", c.NoiseGateThreshold))
	}
	if c.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("queue_capacity %d must not be negative", c.QueueCapacity))
	}
	if c.QueueOverflow != OverflowDropOldest && c.QueueOverflow != OverflowDropNewest {
		errs = append(errs, fmt.Errorf("queue_overflow %q must be %q or %q", c.QueueOverflow, OverflowDropOldest, OverflowDropNewest))
	}
	if c.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("history_size %d must be positive", c.HistorySize))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel converts a log level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", s)
	}
}

func validSampleRate(rate int) bool {
	if rate < minCaptureRate || rate > maxCaptureRate {
		return false
	}
	for _, r := range opusSampleRates {
		if r == rate {
			return true
		}
	}
	return false
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

// getEnvDuration accepts Go duration strings ("3s") or bare milliseconds ("3000").
func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
