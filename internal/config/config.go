// ============================================================================
// mtcbridge Config - YAML 配置載入
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 讀取 YAML 配置檔，填入預設值並驗證
//
// 配置範例 (configs/default.yaml):
//   device:
//     host: 127.0.0.1
//     port: 54321
//     poll_interval_ms: 5000
//   connection:
//     first_connect_timeout: 3s
//     retry_connect_timeout: 10s
//     retry_delay: 5s
//     write_timeout: 5s
//     request_timeout: 30s
//     read_buffer_size: 4096
//   metrics:
//     enabled: false
//     port: 9090
//   log:
//     level: info
//     format: text
//
// 檔案中沒有的欄位保留 Default() 的值。
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/mtcbridge/internal/connection"
	"github.com/ChuLiYu/mtcbridge/internal/controller"
)

// DefaultPath 預設配置檔路徑
const DefaultPath = "configs/default.yaml"

// Config represents the complete bridge configuration
type Config struct {
	Device struct {
		Host           string `yaml:"host"`
		Port           int    `yaml:"port"`
		PollIntervalMs int    `yaml:"poll_interval_ms"` // <= 0 停用輪詢
	} `yaml:"device"`

	Connection struct {
		FirstConnectTimeout time.Duration `yaml:"first_connect_timeout"`
		RetryConnectTimeout time.Duration `yaml:"retry_connect_timeout"`
		RetryDelay          time.Duration `yaml:"retry_delay"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		RequestTimeout      time.Duration `yaml:"request_timeout"`
		ReadBufferSize      int           `yaml:"read_buffer_size"`
	} `yaml:"connection"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`  // debug, info, warn, error
		Format string `yaml:"format"` // text, json
	} `yaml:"log"`
}

// Default 回傳所有欄位都填好預設值的配置
func Default() *Config {
	conn := connection.DefaultConfig()

	var cfg Config
	cfg.Device.Host = "127.0.0.1"
	cfg.Device.Port = connection.DefaultPort
	cfg.Device.PollIntervalMs = 5000

	cfg.Connection.FirstConnectTimeout = conn.FirstConnectTimeout
	cfg.Connection.RetryConnectTimeout = conn.RetryConnectTimeout
	cfg.Connection.RetryDelay = conn.RetryDelay
	cfg.Connection.WriteTimeout = conn.WriteTimeout
	cfg.Connection.RequestTimeout = controller.DefaultConfig().RequestTimeout
	cfg.Connection.ReadBufferSize = conn.ReadBufferSize

	cfg.Metrics.Enabled = false
	cfg.Metrics.Port = 9090

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

// Load 讀取並驗證配置檔
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault 與 Load 相同，但 path 不存在時回傳預設值
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse 解析 YAML 內容；未出現的欄位保留預設值
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查配置；endpoint 錯誤回傳 *connection.ConfigError
func (c *Config) Validate() error {
	if err := connection.ValidateEndpoint(c.Device.Host, c.Device.Port); err != nil {
		return err
	}

	durations := []struct {
		field string
		value time.Duration
	}{
		{"connection.first_connect_timeout", c.Connection.FirstConnectTimeout},
		{"connection.retry_connect_timeout", c.Connection.RetryConnectTimeout},
		{"connection.retry_delay", c.Connection.RetryDelay},
		{"connection.write_timeout", c.Connection.WriteTimeout},
		{"connection.request_timeout", c.Connection.RequestTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return &connection.ConfigError{Field: d.field, Value: d.value.String(), Reason: "must be positive"}
		}
	}

	if c.Connection.ReadBufferSize <= 0 {
		return &connection.ConfigError{
			Field:  "connection.read_buffer_size",
			Value:  strconv.Itoa(c.Connection.ReadBufferSize),
			Reason: "must be positive",
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return &connection.ConfigError{
			Field:  "metrics.port",
			Value:  strconv.Itoa(c.Metrics.Port),
			Reason: "must be between 1 and 65535",
		}
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return &connection.ConfigError{Field: "log.format", Value: c.Log.Format, Reason: "must be text or json"}
	}
	return nil
}

// PollInterval 輪詢間隔
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Device.PollIntervalMs) * time.Millisecond
}

// ControllerConfig 轉換為 controller.Config
func (c *Config) ControllerConfig() controller.Config {
	cfg := controller.DefaultConfig()
	cfg.RequestTimeout = c.Connection.RequestTimeout
	cfg.Connection.FirstConnectTimeout = c.Connection.FirstConnectTimeout
	cfg.Connection.RetryConnectTimeout = c.Connection.RetryConnectTimeout
	cfg.Connection.RetryDelay = c.Connection.RetryDelay
	cfg.Connection.WriteTimeout = c.Connection.WriteTimeout
	cfg.Connection.ReadBufferSize = c.Connection.ReadBufferSize
	return cfg
}

// DeviceConfig 轉換為 controller.DeviceConfig
func (c *Config) DeviceConfig() controller.DeviceConfig {
	return controller.DeviceConfig{
		Host:         c.Device.Host,
		Port:         c.Device.Port,
		PollInterval: c.PollInterval(),
	}
}

// ============================================================================
// Logging
// ============================================================================

// ParseLevel 將 debug/info/warn/error 轉成 slog.Level
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, &connection.ConfigError{Field: "log.level", Value: level, Reason: "must be debug, info, warn or error"}
}

// NewLogger 依 log.level / log.format 建立 logger
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
