// Package config loads and persists the server configuration file.
// The file is JSON; unknown keys are ignored with a warning. Saves are
// atomic (temp file + rename in the same directory).
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// DefaultPath is the default configuration file location.
const DefaultPath = "/etc/pisugar-server/config.json"

// BatteryThreshold is one point of a voltage->percent curve: (mV, percent).
type BatteryThreshold struct {
	VoltageMV int
	Percent   float64
}

// UnmarshalJSON accepts the two-element array form [mv, percent].
func (t *BatteryThreshold) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	t.VoltageMV = int(pair[0])
	t.Percent = pair[1]
	return nil
}

// MarshalJSON renders the two-element array form.
func (t BatteryThreshold) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{float64(t.VoltageMV), t.Percent})
}

// ChargingRange is the (restart%, stop%) hysteresis window.
type ChargingRange struct {
	Restart float64 `json:"restart"`
	Stop    float64 `json:"stop"`
}

// Config holds every persisted option. Pointer fields distinguish
// "absent" from zero values the way the original file format does.
type Config struct {
	Model   string `json:"model,omitempty"`
	I2CBus  int    `json:"i2c_bus"`
	I2CAddr *int   `json:"i2c_addr,omitempty"`

	AutoWakeTime   string `json:"auto_wake_time,omitempty"` // "HH:MM:SS+ZZ:ZZ"
	AutoWakeRepeat uint8  `json:"auto_wake_repeat"`

	SingleTapEnable bool   `json:"single_tap_enable"`
	SingleTapShell  string `json:"single_tap_shell,omitempty"`
	DoubleTapEnable bool   `json:"double_tap_enable"`
	DoubleTapShell  string `json:"double_tap_shell,omitempty"`
	LongTapEnable   bool   `json:"long_tap_enable"`
	LongTapShell    string `json:"long_tap_shell,omitempty"`

	AutoShutdownLevel float64 `json:"auto_shutdown_level"`
	AutoShutdownDelay float64 `json:"auto_shutdown_delay"`

	AutoChargingRange  *ChargingRange `json:"auto_charging_range,omitempty"`
	FullChargeDuration uint64         `json:"full_charge_duration,omitempty"`

	AutoPowerOn       bool   `json:"auto_power_on"`
	SoftPoweroff      bool   `json:"soft_poweroff"`
	SoftPoweroffShell string `json:"soft_poweroff_shell,omitempty"`

	AntiMistouch        bool `json:"anti_mistouch"`
	AutoRTCSync         bool `json:"auto_rtc_sync"`
	BatteryInputProtect bool `json:"battery_input_protect"`
	Watchdog            bool `json:"watchdog"`

	RTCAdjustPPM float64 `json:"rtc_adj_ppm,omitempty"`

	AuthUser     string `json:"auth_user,omitempty"`
	AuthPassword string `json:"auth_password,omitempty"`
	// Legacy digest auth pair, accepted and carried but unused.
	DigestUser     string `json:"digest_user,omitempty"`
	DigestPassword string `json:"digest_password,omitempty"`

	SessionTimeout uint32 `json:"session_timeout,omitempty"`

	BatteryCurve []BatteryThreshold `json:"battery_curve,omitempty"`

	MQTT MQTTConfig `json:"mqtt,omitempty"`
}

// MQTTConfig configures the optional telemetry bridge. The bridge is
// enabled when Broker is non-empty.
type MQTTConfig struct {
	Broker      string `json:"broker,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TopicPrefix string `json:"topic_prefix,omitempty"`
}

// Default returns a config with the documented defaults applied.
func Default() *Config {
	return &Config{
		I2CBus:         1,
		AntiMistouch:   true,
		SessionTimeout: 24 * 60 * 60,
	}
}

// Load reads the file at path into a fresh Config. A missing file
// yields the defaults. Unknown keys are logged and dropped.
func Load(path string, logger *slog.Logger) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("config file not found, using defaults", "path", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	warnUnknownKeys(data, logger)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects out-of-range values before they reach the store.
func (c *Config) Validate() error {
	if c.I2CBus < 0 {
		return fmt.Errorf("i2c_bus must not be negative, got %d", c.I2CBus)
	}
	if c.I2CAddr != nil && (*c.I2CAddr < 0x03 || *c.I2CAddr > 0x77) {
		return fmt.Errorf("i2c_addr must be 0x03-0x77, got 0x%02x", *c.I2CAddr)
	}
	if c.AutoShutdownLevel < 0 || c.AutoShutdownLevel > 100 {
		return fmt.Errorf("auto_shutdown_level must be 0-100, got %v", c.AutoShutdownLevel)
	}
	if c.AutoShutdownDelay < 0 {
		return fmt.Errorf("auto_shutdown_delay must not be negative, got %v", c.AutoShutdownDelay)
	}
	if r := c.AutoChargingRange; r != nil {
		if r.Restart < 0 || r.Stop > 100 || r.Restart >= r.Stop {
			return fmt.Errorf("auto_charging_range must satisfy 0 <= restart < stop <= 100, got %v,%v", r.Restart, r.Stop)
		}
	}
	if c.RTCAdjustPPM < -500 || c.RTCAdjustPPM > 500 {
		return fmt.Errorf("rtc_adj_ppm must be -500..500, got %v", c.RTCAdjustPPM)
	}
	if err := validateCurve(c.BatteryCurve); err != nil {
		return err
	}
	return nil
}

// validateCurve requires strictly increasing voltages with strictly
// increasing percentages, so the resulting curve is strictly
// decreasing when walked from full to empty.
func validateCurve(curve []BatteryThreshold) error {
	for i := 1; i < len(curve); i++ {
		if curve[i].VoltageMV <= curve[i-1].VoltageMV || curve[i].Percent <= curve[i-1].Percent {
			return fmt.Errorf("battery_curve must be strictly increasing at index %d", i)
		}
	}
	return nil
}

// Save writes the config atomically: temp file in the same directory,
// fsync, rename.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// NeedAuth reports whether the WS/HTTP transports must authenticate.
func (c *Config) NeedAuth() bool {
	return c.AuthUser != ""
}

// TapShell returns the hook for a tap kind ("single", "double", "long").
func (c *Config) TapShell(kind string) string {
	switch kind {
	case "single":
		return c.SingleTapShell
	case "double":
		return c.DoubleTapShell
	case "long":
		return c.LongTapShell
	}
	return ""
}

// TapEnabled reports whether the given tap kind is enabled.
func (c *Config) TapEnabled(kind string) bool {
	switch kind {
	case "single":
		return c.SingleTapEnable
	case "double":
		return c.DoubleTapEnable
	case "long":
		return c.LongTapEnable
	}
	return false
}

// ParseWakeTime parses the persisted auto_wake_time form, a
// time-of-day with zone offset ("07:30:00+08:00").
func ParseWakeTime(s string) (time.Time, error) {
	t, err := time.Parse("15:04:05Z07:00", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse auto_wake_time %q: %w", s, err)
	}
	return t, nil
}

// FormatWakeTime renders a time as the persisted time-of-day form.
func FormatWakeTime(t time.Time) string {
	return t.Format("15:04:05Z07:00")
}

// knownKeys mirrors the json tags of Config.
var knownKeys = map[string]bool{
	"model": true, "i2c_bus": true, "i2c_addr": true,
	"auto_wake_time": true, "auto_wake_repeat": true,
	"single_tap_enable": true, "single_tap_shell": true,
	"double_tap_enable": true, "double_tap_shell": true,
	"long_tap_enable": true, "long_tap_shell": true,
	"auto_shutdown_level": true, "auto_shutdown_delay": true,
	"auto_charging_range": true, "full_charge_duration": true,
	"auto_power_on": true, "soft_poweroff": true, "soft_poweroff_shell": true,
	"anti_mistouch": true, "auto_rtc_sync": true, "battery_input_protect": true,
	"watchdog": true, "rtc_adj_ppm": true,
	"auth_user": true, "auth_password": true,
	"digest_user": true, "digest_password": true,
	"session_timeout": true, "battery_curve": true, "mqtt": true,
}

func warnUnknownKeys(data []byte, logger *slog.Logger) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	for k := range raw {
		if !knownKeys[k] {
			logger.Warn("ignoring unknown config key", "key", k)
		}
	}
}
