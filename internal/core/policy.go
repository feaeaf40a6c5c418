package core

import (
	"errors"
	"log/slog"
	"time"

	"pisugar-power-go/internal/config"
	"pisugar-power-go/internal/device"
)

// DefaultShutdownShell is used when no soft-poweroff hook is configured.
const DefaultShutdownShell = "sudo shutdown now"

const (
	rtcSyncInterval = 10 * time.Second
	rtcSyncMaxDrift = 2 * time.Second
)

// Engine enforces the periodic policies: low-battery shutdown,
// charging hysteresis, power-restore wake, RTC sync, watchdog, and
// alarm reconciliation. Tick is not re-entrant; a long tick simply
// delays the next one.
type Engine struct {
	store  *Store
	dev    *device.Device
	run    ShellRunner
	logger *slog.Logger

	lastPlugged     bool
	havePlugged     bool
	lastRTCSync     time.Time
	shutdownInvoked bool
}

// NewEngine wires the policy engine to the store and device.
func NewEngine(store *Store, dev *device.Device, run ShellRunner, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		dev:    dev,
		run:    run,
		logger: logger.With("component", "policy"),
	}
}

// Tick runs one policy pass against the current snapshot.
func (e *Engine) Tick(now time.Time) {
	cfg := e.store.Config()
	snap, have := e.store.Snapshot()
	if have {
		e.autoShutdown(&cfg, snap, now)
		e.chargingWindow(&cfg, snap, now)
		e.powerRestore(&cfg, snap)
		e.softPoweroffFlag(&cfg)
	}
	e.rtcSync(&cfg, now)
	e.watchdog(&cfg, now)
	e.reconcileAlarm(&cfg)
}

// autoShutdown counts continuous low-and-unplugged seconds and invokes
// the shutdown path once the delay is exhausted. Plugging in (or any
// configuration change) cancels the countdown.
func (e *Engine) autoShutdown(cfg *config.Config, snap device.Snapshot, now time.Time) {
	if cfg.AutoShutdownLevel <= 0 {
		return
	}
	low := snap.Online && snap.CapacityPercent <= cfg.AutoShutdownLevel && !snap.Charging
	if !low {
		if !e.store.LowBatterySince().IsZero() {
			e.store.SetLowBatterySince(time.Time{})
		}
		return
	}
	since := e.store.LowBatterySince()
	if since.IsZero() {
		e.store.SetLowBatterySince(now)
		return
	}
	if now.Sub(since) >= time.Duration(cfg.AutoShutdownDelay*float64(time.Second)) {
		e.logger.Warn("battery below shutdown level, powering off",
			"capacity", snap.CapacityPercent, "level", cfg.AutoShutdownLevel)
		e.invokeShutdown(cfg)
	}
}

// chargingWindow enforces the (restart, stop) hysteresis, extended by
// full_charge_duration past the first observation of 100%.
func (e *Engine) chargingWindow(cfg *config.Config, snap device.Snapshot, now time.Time) {
	r := cfg.AutoChargingRange
	if r == nil || !e.dev.Caps().ChargeEnableControl {
		return
	}

	if snap.CapacityPercent >= 100 && snap.AllowCharging {
		if e.store.FullChargeStartedAt().IsZero() {
			e.store.SetFullChargeStartedAt(now)
		}
	} else if snap.CapacityPercent < 100 {
		e.store.SetFullChargeStartedAt(time.Time{})
	}

	if snap.CapacityPercent >= r.Stop && snap.AllowCharging {
		if started := e.store.FullChargeStartedAt(); !started.IsZero() &&
			now.Sub(started) < time.Duration(cfg.FullChargeDuration)*time.Second {
			return
		}
		if err := e.dev.Battery.SetChargeEnable(false); err != nil {
			e.logger.Error("disable charging", "err", err)
		}
		return
	}
	if snap.CapacityPercent <= r.Restart && !snap.AllowCharging {
		if err := e.dev.Battery.SetChargeEnable(true); err != nil {
			e.logger.Error("enable charging", "err", err)
		}
	}
}

// powerRestore re-arms the wake mechanism on an unplugged->plugged
// transition. On the PiSugar 3 the MCU handles this itself; the RTC
// path covers the model-2 boards.
func (e *Engine) powerRestore(cfg *config.Config, snap device.Snapshot) {
	plugged := snap.PowerPlugged
	defer func() {
		e.lastPlugged = plugged
		e.havePlugged = true
	}()
	if !cfg.AutoPowerOn || !e.havePlugged || e.lastPlugged || !plugged {
		return
	}
	if err := e.dev.RTC.SetAutoPowerOn(true); err != nil && !errors.Is(err, device.ErrUnsupported) {
		e.logger.Error("arm power restore", "err", err)
	}
}

// softPoweroffFlag honours the board's poweroff request.
func (e *Engine) softPoweroffFlag(cfg *config.Config) {
	if !cfg.SoftPoweroff || !e.dev.Caps().SoftPoweroff {
		return
	}
	flag, err := e.dev.Battery.ReadSoftPoweroffFlag()
	if err != nil {
		e.logger.Warn("read soft poweroff flag", "err", err)
		return
	}
	if flag {
		e.logger.Warn("board requested soft poweroff")
		e.invokeShutdown(cfg)
	}
}

// rtcSync pushes system time to the RTC when drift exceeds the bound.
func (e *Engine) rtcSync(cfg *config.Config, now time.Time) {
	if !cfg.AutoRTCSync || !e.dev.Caps().RTC {
		return
	}
	if !e.lastRTCSync.IsZero() && now.Sub(e.lastRTCSync) < rtcSyncInterval {
		return
	}
	e.lastRTCSync = now
	rtcTime, err := e.dev.RTC.ReadTime()
	if err != nil {
		e.logger.Warn("rtc sync read", "err", err)
		return
	}
	drift := now.Sub(rtcTime)
	if drift < 0 {
		drift = -drift
	}
	if drift <= rtcSyncMaxDrift {
		return
	}
	e.logger.Info("syncing system time to rtc", "drift", drift)
	if err := e.dev.RTC.WriteTime(now); err != nil {
		e.logger.Warn("rtc sync write", "err", err)
	}
}

// watchdog feeds the hardware watchdog every tick while enabled.
func (e *Engine) watchdog(cfg *config.Config, now time.Time) {
	if !cfg.Watchdog || !e.dev.Caps().Watchdog {
		return
	}
	if err := e.dev.Battery.FeedWatchdog(); err != nil {
		e.logger.Warn("feed watchdog", "err", err)
		return
	}
	e.store.SetWatchdogLastFedAt(now)
}

// reconcileAlarm pushes the configured wake alarm to the device after
// a configuration change (and once at startup).
func (e *Engine) reconcileAlarm(cfg *config.Config) {
	if !e.store.AlarmDirty() || !e.dev.Caps().RTC {
		return
	}
	if cfg.AutoWakeTime == "" || cfg.AutoWakeRepeat&0x7F == 0 {
		if err := e.dev.RTC.DisableAlarm(); err != nil {
			e.logger.Error("disable alarm", "err", err)
		}
		return
	}
	t, err := config.ParseWakeTime(cfg.AutoWakeTime)
	if err != nil {
		e.logger.Error("invalid auto_wake_time", "err", err)
		return
	}
	local := t.Local()
	alarm := device.Alarm{
		Hour:        local.Hour(),
		Minute:      local.Minute(),
		Second:      local.Second(),
		WeekdayMask: cfg.AutoWakeRepeat & 0x7F,
		Enabled:     true,
	}
	if err := e.dev.RTC.SetAlarm(alarm); err != nil {
		e.logger.Error("set alarm", "err", err)
	}
}

// invokeShutdown runs the configured poweroff path exactly once.
func (e *Engine) invokeShutdown(cfg *config.Config) {
	if e.shutdownInvoked {
		return
	}
	e.shutdownInvoked = true
	shell := DefaultShutdownShell
	if cfg.SoftPoweroff && cfg.SoftPoweroffShell != "" {
		shell = cfg.SoftPoweroffShell
	}
	e.run(shell)
}
