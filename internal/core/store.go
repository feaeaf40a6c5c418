package core

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"pisugar-power-go/internal/config"
	"pisugar-power-go/internal/device"
)

// Store owns the configuration and the latest decoded snapshot. It is
// the only mutator: every change goes through a typed setter that
// validates, emits a delta on the bus, and persists the configuration
// file when a persisted field changed.
type Store struct {
	mu     sync.Mutex
	cfg    *config.Config
	path   string
	bus    *Bus
	logger *slog.Logger
	dirty  bool

	snap     device.Snapshot
	haveSnap bool

	// Derived policy flags.
	lowBatterySince     time.Time
	fullChargeStartedAt time.Time
	chargeRestartArmed  bool
	watchdogLastFedAt   time.Time
	alarmDirty          bool
}

// NewStore wraps cfg, which the store now exclusively owns.
func NewStore(cfg *config.Config, path string, bus *Bus, logger *slog.Logger) *Store {
	return &Store{
		cfg:    cfg,
		path:   path,
		bus:    bus,
		logger: logger.With("component", "store"),
	}
}

// Config returns a copy of the current configuration.
func (s *Store) Config() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := *s.cfg
	if s.cfg.BatteryCurve != nil {
		cfg.BatteryCurve = append([]config.BatteryThreshold(nil), s.cfg.BatteryCurve...)
	}
	if s.cfg.AutoChargingRange != nil {
		r := *s.cfg.AutoChargingRange
		cfg.AutoChargingRange = &r
	}
	return cfg
}

// Snapshot returns the latest battery snapshot and whether one exists.
func (s *Store) Snapshot() (device.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.haveSnap
}

// UpdateSnapshot replaces the snapshot and publishes one delta per
// changed protocol field.
func (s *Store) UpdateSnapshot(snap device.Snapshot) {
	s.mu.Lock()
	prev, had := s.snap, s.haveSnap
	s.snap, s.haveSnap = snap, true
	s.mu.Unlock()

	for _, d := range snapshotDeltas(prev, snap, had) {
		s.bus.Publish(d)
	}
}

// PublishTap broadcasts a classified tap as a bare push line.
func (s *Store) PublishTap(tap device.Tap) {
	s.bus.Publish(Event{Type: EventTap, Value: tap.String()})
}

// SendFullState queues a synthetic full snapshot on a fresh subscriber.
func (s *Store) SendFullState(sub *Subscriber) {
	s.mu.Lock()
	snap, have := s.snap, s.haveSnap
	s.mu.Unlock()
	if !have {
		return
	}
	for _, d := range snapshotDeltas(device.Snapshot{}, snap, false) {
		sub.push(d)
	}
}

func snapshotDeltas(prev, next device.Snapshot, diff bool) []Event {
	var out []Event
	emit := func(key, value string) {
		out = append(out, Event{Type: EventSnapshotDelta, Key: key, Value: value})
	}
	if !diff || prev.CapacityPercent != next.CapacityPercent {
		emit("battery", formatFloat(next.CapacityPercent))
	}
	if !diff || prev.VoltageMV != next.VoltageMV {
		emit("battery_v", formatFloat(float64(next.VoltageMV)/1000))
	}
	if !diff || prev.CurrentMA != next.CurrentMA {
		emit("battery_i", formatFloat(float64(next.CurrentMA)/1000))
	}
	if !diff || prev.Charging != next.Charging {
		emit("battery_charging", strconv.FormatBool(next.Charging))
	}
	if !diff || prev.PowerPlugged != next.PowerPlugged {
		emit("battery_power_plugged", strconv.FormatBool(next.PowerPlugged))
	}
	if !diff || prev.AllowCharging != next.AllowCharging {
		emit("battery_allow_charging", strconv.FormatBool(next.AllowCharging))
	}
	if !diff || prev.TemperatureC != next.TemperatureC {
		emit("temperature", strconv.Itoa(next.TemperatureC))
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// setConfig applies fn, publishes the delta, and persists. Any config
// change also cancels a running auto-shutdown countdown.
func (s *Store) setConfig(key, value string, fn func(c *config.Config)) error {
	s.mu.Lock()
	fn(s.cfg)
	s.dirty = true
	s.lowBatterySince = time.Time{}
	cfg := *s.cfg
	s.mu.Unlock()

	s.bus.Publish(Event{Type: EventConfigDelta, Key: key, Value: value})
	if err := cfg.Save(s.path); err != nil {
		s.logger.Error("persist config", "err", err)
		return nil // state changed; persistence retried at shutdown
	}
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// SetTapEnable enables or disables one tap kind.
func (s *Store) SetTapEnable(kind string, enable bool) error {
	switch kind {
	case "single", "double", "long":
	default:
		return fmt.Errorf("invalid button mode %q", kind)
	}
	return s.setConfig("button_enable", kind+" "+strconv.FormatBool(enable), func(c *config.Config) {
		switch kind {
		case "single":
			c.SingleTapEnable = enable
		case "double":
			c.DoubleTapEnable = enable
		case "long":
			c.LongTapEnable = enable
		}
	})
}

// SetTapShell sets the hook script for one tap kind.
func (s *Store) SetTapShell(kind, shell string) error {
	switch kind {
	case "single", "double", "long":
	default:
		return fmt.Errorf("invalid button mode %q", kind)
	}
	return s.setConfig("button_shell", kind+" "+shell, func(c *config.Config) {
		switch kind {
		case "single":
			c.SingleTapShell = shell
		case "double":
			c.DoubleTapShell = shell
		case "long":
			c.LongTapShell = shell
		}
	})
}

// SetAutoShutdownLevel clamps to the board's supported window (0-30%).
func (s *Store) SetAutoShutdownLevel(level float64) error {
	if level < 0 {
		level = 0
	}
	if level > 30 {
		level = 30
	}
	return s.setConfig("safe_shutdown_level", formatFloat(level), func(c *config.Config) {
		c.AutoShutdownLevel = level
	})
}

// SetAutoShutdownDelay clamps to 0-120 seconds.
func (s *Store) SetAutoShutdownDelay(delay float64) error {
	if delay < 0 {
		delay = 0
	}
	if delay > 120 {
		delay = 120
	}
	return s.setConfig("safe_shutdown_delay", formatFloat(delay), func(c *config.Config) {
		c.AutoShutdownDelay = delay
	})
}

// SetChargingRange sets or clears (nil) the hysteresis window.
func (s *Store) SetChargingRange(r *config.ChargingRange) error {
	if r != nil && (r.Restart < 0 || r.Stop > 100 || r.Restart >= r.Stop) {
		return fmt.Errorf("invalid charging range %v,%v", r.Restart, r.Stop)
	}
	value := ""
	if r != nil {
		value = formatFloat(r.Restart) + "," + formatFloat(r.Stop)
	}
	return s.setConfig("battery_charging_range", value, func(c *config.Config) {
		c.AutoChargingRange = r
	})
}

// SetFullChargeDuration sets the post-100% charge extension.
func (s *Store) SetFullChargeDuration(seconds uint64) error {
	return s.setConfig("full_charge_duration", strconv.FormatUint(seconds, 10), func(c *config.Config) {
		c.FullChargeDuration = seconds
	})
}

// SetAutoPowerOn records the wake-on-power flag.
func (s *Store) SetAutoPowerOn(enable bool) error {
	return s.setConfig("auto_power_on", strconv.FormatBool(enable), func(c *config.Config) {
		c.AutoPowerOn = enable
	})
}

// SetSoftPoweroff records the soft-poweroff flag.
func (s *Store) SetSoftPoweroff(enable bool) error {
	return s.setConfig("soft_poweroff", strconv.FormatBool(enable), func(c *config.Config) {
		c.SoftPoweroff = enable
	})
}

// SetSoftPoweroffShell sets the pre-poweroff hook.
func (s *Store) SetSoftPoweroffShell(shell string) error {
	return s.setConfig("soft_poweroff_shell", shell, func(c *config.Config) {
		c.SoftPoweroffShell = shell
	})
}

// SetAntiMistouch records the anti-mistouch flag.
func (s *Store) SetAntiMistouch(enable bool) error {
	return s.setConfig("anti_mistouch", strconv.FormatBool(enable), func(c *config.Config) {
		c.AntiMistouch = enable
	})
}

// SetInputProtect records the battery input protect flag.
func (s *Store) SetInputProtect(enable bool) error {
	return s.setConfig("input_protect", strconv.FormatBool(enable), func(c *config.Config) {
		c.BatteryInputProtect = enable
	})
}

// SetAuth sets or clears (empty user) the transport credentials.
func (s *Store) SetAuth(user, password string) error {
	return s.setConfig("auth_username", user, func(c *config.Config) {
		c.AuthUser = user
		c.AuthPassword = password
	})
}

// SetWake stores the alarm time-of-day and repeat mask and marks the
// alarm for device reconciliation.
func (s *Store) SetWake(timeOfDay string, mask uint8) error {
	err := s.setConfig("rtc_alarm_set", timeOfDay+" "+strconv.Itoa(int(mask&0x7F)), func(c *config.Config) {
		c.AutoWakeTime = timeOfDay
		c.AutoWakeRepeat = mask & 0x7F
	})
	s.mu.Lock()
	s.alarmDirty = true
	s.mu.Unlock()
	return err
}

// DisableWake clears the alarm configuration.
func (s *Store) DisableWake() error {
	err := s.setConfig("rtc_alarm_disable", "true", func(c *config.Config) {
		c.AutoWakeTime = ""
		c.AutoWakeRepeat = 0
	})
	s.mu.Lock()
	s.alarmDirty = true
	s.mu.Unlock()
	return err
}

// SetRTCAdjustPPM records the clock trim, clamped to +-500.
func (s *Store) SetRTCAdjustPPM(ppm float64) error {
	if ppm > 500 {
		ppm = 500
	}
	if ppm < -500 {
		ppm = -500
	}
	return s.setConfig("rtc_adjust_ppm", formatFloat(ppm), func(c *config.Config) {
		c.RTCAdjustPPM = ppm
	})
}

// Derived flags for the policy engine.

// LowBatterySince returns when the low-battery condition started.
func (s *Store) LowBatterySince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lowBatterySince
}

// SetLowBatterySince records the countdown start (zero to cancel).
func (s *Store) SetLowBatterySince(t time.Time) {
	s.mu.Lock()
	s.lowBatterySince = t
	s.mu.Unlock()
}

// FullChargeStartedAt returns when 100% was first observed.
func (s *Store) FullChargeStartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullChargeStartedAt
}

// SetFullChargeStartedAt records the 100% observation (zero to clear).
func (s *Store) SetFullChargeStartedAt(t time.Time) {
	s.mu.Lock()
	s.fullChargeStartedAt = t
	s.mu.Unlock()
}

// WatchdogLastFedAt returns the last watchdog feed time.
func (s *Store) WatchdogLastFedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchdogLastFedAt
}

// SetWatchdogLastFedAt records a watchdog feed.
func (s *Store) SetWatchdogLastFedAt(t time.Time) {
	s.mu.Lock()
	s.watchdogLastFedAt = t
	s.mu.Unlock()
}

// AlarmDirty reports and clears the pending alarm reconciliation flag.
func (s *Store) AlarmDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.alarmDirty
	s.alarmDirty = false
	return d
}

// MarkAlarmDirty requests alarm reconciliation on the next tick.
func (s *Store) MarkAlarmDirty() {
	s.mu.Lock()
	s.alarmDirty = true
	s.mu.Unlock()
}

// Close persists the configuration if a previous save failed.
func (s *Store) Close() error {
	s.mu.Lock()
	dirty := s.dirty
	cfg := *s.cfg
	s.mu.Unlock()
	if !dirty {
		return nil
	}
	return cfg.Save(s.path)
}
