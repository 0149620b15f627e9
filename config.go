package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// 連線模式
const (
	ModeSerial = "serial"
	ModeTCP    = "tcp"
)

// ErrInvalidMode 未知的連線模式
var ErrInvalidMode = errors.New("invalid mode")

// Config 全域配置
type Config struct {
	TaidecentDeviceID      int           `json:"taidecent_device_id" mapstructure:"taidecent_device_id"`
	WaveshareRelayDeviceID int           `json:"waveshare_relay_device_id" mapstructure:"waveshare_relay_device_id"`
	SchneiderDeviceID      int           `json:"schneider_device_id" mapstructure:"schneider_device_id"`
	Mode                   string        `json:"mode" mapstructure:"mode"`
	Serial                 SerialConfig  `json:"serial" mapstructure:"serial"`
	TCP                    TCPConfig     `json:"tcp" mapstructure:"tcp"`
	Timing                 TimingConfig  `json:"timing" mapstructure:"timing"`
	Logging                LoggingConfig `json:"logging" mapstructure:"logging"`
	Sim                    SimConfig     `json:"sim" mapstructure:"sim"`

	path    string
	created bool
}

// SerialConfig 序列埠配置
type SerialConfig struct {
	Port     string `json:"port" mapstructure:"port"`
	Baud     int    `json:"baud" mapstructure:"baud"`
	DataBits int    `json:"data_bits" mapstructure:"data_bits"`
	Parity   string `json:"parity" mapstructure:"parity"`
	StopBits int    `json:"stop_bits" mapstructure:"stop_bits"`
}

// TCPConfig TCP 配置
type TCPConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// TimingConfig 請求節奏
type TimingConfig struct {
	RequestDelay time.Duration `json:"request_delay" mapstructure:"request_delay"`
	StartupDelay time.Duration `json:"startup_delay" mapstructure:"startup_delay"`
	Timeout      time.Duration `json:"timeout" mapstructure:"timeout"`
}

// LoggingConfig 日誌配置
type LoggingConfig struct {
	Level string `json:"level" mapstructure:"level"`
}

// SimConfig 模擬器配置
type SimConfig struct {
	Listen         string        `json:"listen" mapstructure:"listen"`
	Interface      string        `json:"interface" mapstructure:"interface"`
	Scenario       string        `json:"scenario" mapstructure:"scenario"`
	UpdateInterval time.Duration `json:"update_interval" mapstructure:"update_interval"`
	MetricsPort    int           `json:"metrics_port" mapstructure:"metrics_port"`
	JitterMin      time.Duration `json:"jitter_min" mapstructure:"jitter_min"`
	JitterMax      time.Duration `json:"jitter_max" mapstructure:"jitter_max"`
}

// MarshalJSON 時間以 "2s" 形式寫出，載入時由 viper 解析
func (t TimingConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		RequestDelay string `json:"request_delay"`
		StartupDelay string `json:"startup_delay"`
		Timeout      string `json:"timeout"`
	}{
		RequestDelay: t.RequestDelay.String(),
		StartupDelay: t.StartupDelay.String(),
		Timeout:      t.Timeout.String(),
	})
}

// MarshalJSON 時間以 "1s" 形式寫出
func (s SimConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Listen         string `json:"listen"`
		Interface      string `json:"interface"`
		Scenario       string `json:"scenario"`
		UpdateInterval string `json:"update_interval"`
		MetricsPort    int    `json:"metrics_port"`
		JitterMin      string `json:"jitter_min"`
		JitterMax      string `json:"jitter_max"`
	}{
		Listen:         s.Listen,
		Interface:      s.Interface,
		Scenario:       s.Scenario,
		UpdateInterval: s.UpdateInterval.String(),
		MetricsPort:    s.MetricsPort,
		JitterMin:      s.JitterMin.String(),
		JitterMax:      s.JitterMax.String(),
	})
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		TaidecentDeviceID:      TaidecentDeviceID,
		WaveshareRelayDeviceID: WaveshareRelayDeviceID,
		SchneiderDeviceID:      SchneiderDeviceID,
		Mode:                   ModeSerial,
		Serial: SerialConfig{
			Port:     FindUSBSerialPort(),
			Baud:     9600,
			DataBits: 8,
			Parity:   "N",
			StopBits: 1,
		},
		TCP: TCPConfig{
			Host: "192.168.1.210",
			Port: ModbusTCPDefaultPort,
		},
		Timing: TimingConfig{
			RequestDelay: 200 * time.Millisecond,
			StartupDelay: 2 * time.Second,
			Timeout:      time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Sim: SimConfig{
			Listen:         fmt.Sprintf("0.0.0.0:%d", ModbusTCPDefaultPort),
			Interface:      "eth0",
			Scenario:       ScenarioNormal.String(),
			UpdateInterval: time.Second,
			JitterMin:      50 * time.Millisecond,
			JitterMax:      300 * time.Millisecond,
		},
	}
}

// ConfigPath 預設配置檔路徑 ($XDG_CONFIG_HOME/gridworks/mbe/config.json)
func ConfigPath() string {
	return filepath.Join(xdg.ConfigHome, "gridworks", "mbe", "config.json")
}

// LoadConfig 載入配置檔，檔案不存在時先寫入預設配置
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = ConfigPath()
	}

	created := false
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		if err := DefaultConfig().SaveConfig(configPath); err != nil {
			return nil, err
		}
		created = true
	} else if err != nil {
		return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	// 環境變數覆蓋 (MBE_TCP_HOST → tcp.host)
	v.SetEnvPrefix("MBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}

	if cfg.Serial.Port == "" || cfg.Serial.Port == NoSerialPortFound {
		cfg.Serial.Port = FindUSBSerialPort()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	cfg.path = configPath
	cfg.created = created
	return cfg, nil
}

// Validate 驗證配置
func (c *Config) Validate() error {
	ids := []struct {
		name string
		id   int
	}{
		{"taidecent_device_id", c.TaidecentDeviceID},
		{"waveshare_relay_device_id", c.WaveshareRelayDeviceID},
		{"schneider_device_id", c.SchneiderDeviceID},
	}
	for _, d := range ids {
		if !validDeviceID(d.id) {
			return fmt.Errorf("無效的 %s: %d (範圍 %d-%d)", d.name, d.id, MinDeviceID, MaxDeviceID)
		}
	}

	if c.Mode != ModeSerial && c.Mode != ModeTCP {
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}

	if c.Serial.Baud <= 0 {
		return fmt.Errorf("無效的鮑率: %d", c.Serial.Baud)
	}

	switch c.Serial.Parity {
	case "N", "E", "O":
	default:
		return fmt.Errorf("無效的同位檢查: %q", c.Serial.Parity)
	}

	if c.TCP.Port < 1 || c.TCP.Port > 65535 {
		return fmt.Errorf("無效的埠號: %d", c.TCP.Port)
	}

	if c.Timing.RequestDelay < 0 || c.Timing.StartupDelay < 0 || c.Timing.Timeout < 0 {
		return fmt.Errorf("延遲時間不可為負值")
	}

	if c.Sim.JitterMax < c.Sim.JitterMin {
		return fmt.Errorf("jitter_max 不可小於 jitter_min")
	}

	return nil
}

// Created 此次載入時是否新建了預設配置檔
func (c *Config) Created() bool {
	return c.created
}

// Path 配置檔路徑
func (c *Config) Path() string {
	if c.path == "" {
		return ConfigPath()
	}
	return c.path
}

// Save 寫回載入時的配置檔
func (c *Config) Save() error {
	return c.SaveConfig(c.Path())
}

// SaveConfig 儲存配置到檔案
func (c *Config) SaveConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("建立配置目錄失敗: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入配置檔失敗: %w", err)
	}

	c.path = path
	return nil
}

// String 以 JSON 呈現配置
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err.Error()
	}
	return string(data)
}
