package core

import (
	"path/filepath"
	"testing"
	"time"

	"pisugar-power-go/internal/config"
	"pisugar-power-go/internal/device"
)

type policyFixture struct {
	store  *Store
	bus    *Bus
	bat    *fakeBattery
	rtc    *fakeRTC
	shells *shellRecorder
	engine *Engine
}

func newPolicyFixture(t *testing.T, cfg *config.Config) *policyFixture {
	t.Helper()
	bus := NewBus(testLogger())
	store := NewStore(cfg, filepath.Join(t.TempDir(), "config.json"), bus, testLogger())
	bat := &fakeBattery{}
	rtc := &fakeRTC{}
	dev := device.NewDevice(bat, rtc, device.PiSugar3, testLogger())
	shells := &shellRecorder{}
	engine := NewEngine(store, dev, shells.run, testLogger())
	return &policyFixture{store: store, bus: bus, bat: bat, rtc: rtc, shells: shells, engine: engine}
}

// tickWith feeds one snapshot and runs one policy tick at now. The
// allow-charging flag mirrors the fake battery's switch state.
func (f *policyFixture) tickWith(capacity float64, charging bool, now time.Time) {
	f.bat.mu.Lock()
	allow := f.bat.allowCharging
	f.bat.mu.Unlock()
	f.store.UpdateSnapshot(device.Snapshot{
		Online:          true,
		CapacityPercent: capacity,
		Charging:        charging,
		PowerPlugged:    charging,
		AllowCharging:   allow,
		TakenAt:         now,
	})
	f.engine.Tick(now)
}

// Level 5, delay 30: dropping to 4% starts the countdown, a plug event
// cancels and restarts it, and shutdown fires once the unplugged
// window reaches 30 continuous seconds.
func TestAutoShutdownCountdown(t *testing.T) {
	cfg := config.Default()
	cfg.AutoShutdownLevel = 5
	cfg.AutoShutdownDelay = 30
	f := newPolicyFixture(t, cfg)

	t0 := time.Unix(1000, 0)
	tick := func(sec int, capacity float64, charging bool) {
		f.tickWith(capacity, charging, t0.Add(time.Duration(sec)*time.Second))
	}

	tick(0, 6, false)
	for sec := 1; sec < 10; sec++ {
		tick(sec, 4, false)
	}
	tick(10, 4, true) // plugged: cancels the countdown
	for sec := 11; sec <= 40; sec++ {
		tick(sec, 4, false)
		if calls := f.shells.calls(); len(calls) != 0 {
			t.Fatalf("shutdown invoked early at t=%d: %v", sec, calls)
		}
	}
	tick(41, 4, false)
	if calls := f.shells.calls(); len(calls) != 1 {
		t.Fatalf("shutdown calls = %v, want exactly one at t=41", calls)
	}
}

func TestAutoShutdownDisabledAtZeroLevel(t *testing.T) {
	cfg := config.Default()
	cfg.AutoShutdownLevel = 0
	f := newPolicyFixture(t, cfg)
	t0 := time.Unix(1000, 0)
	for sec := 0; sec < 100; sec++ {
		f.tickWith(1, false, t0.Add(time.Duration(sec)*time.Second))
	}
	if calls := f.shells.calls(); len(calls) != 0 {
		t.Errorf("shutdown invoked with level 0: %v", calls)
	}
}

func TestAutoShutdownUsesSoftPoweroffShell(t *testing.T) {
	cfg := config.Default()
	cfg.AutoShutdownLevel = 5
	cfg.AutoShutdownDelay = 0
	cfg.SoftPoweroff = true
	cfg.SoftPoweroffShell = "/usr/local/bin/prepare-poweroff"
	f := newPolicyFixture(t, cfg)

	t0 := time.Unix(1000, 0)
	f.tickWith(4, false, t0)
	f.tickWith(4, false, t0.Add(time.Second))
	calls := f.shells.calls()
	if len(calls) != 1 || calls[0] != "/usr/local/bin/prepare-poweroff" {
		t.Errorf("calls = %v, want the soft poweroff shell", calls)
	}
}

func TestChargingWindow(t *testing.T) {
	cfg := config.Default()
	cfg.AutoChargingRange = &config.ChargingRange{Restart: 60, Stop: 80}
	f := newPolicyFixture(t, cfg)
	f.bat.allowCharging = true

	t0 := time.Unix(1000, 0)
	f.tickWith(85, true, t0)
	calls := f.bat.chargeCallLog()
	if len(calls) != 1 || calls[0] != false {
		t.Fatalf("calls above stop = %v, want one disable", calls)
	}

	// Between the thresholds nothing happens.
	f.tickWith(70, false, t0.Add(time.Second))
	if calls := f.bat.chargeCallLog(); len(calls) != 1 {
		t.Fatalf("calls inside window = %v, want no new writes", calls)
	}

	// Below restart the charger comes back on.
	f.tickWith(55, false, t0.Add(2*time.Second))
	calls = f.bat.chargeCallLog()
	if len(calls) != 2 || calls[1] != true {
		t.Fatalf("calls below restart = %v, want an enable", calls)
	}
}

func TestChargingWindowFullChargeExtension(t *testing.T) {
	cfg := config.Default()
	cfg.AutoChargingRange = &config.ChargingRange{Restart: 60, Stop: 80}
	cfg.FullChargeDuration = 60
	f := newPolicyFixture(t, cfg)
	f.bat.allowCharging = true

	t0 := time.Unix(1000, 0)
	// At 100% the extension window holds charging on.
	for sec := 0; sec < 60; sec++ {
		f.tickWith(100, true, t0.Add(time.Duration(sec)*time.Second))
		if calls := f.bat.chargeCallLog(); len(calls) != 0 {
			t.Fatalf("charging disabled %ds into the extension: %v", sec, calls)
		}
	}
	// Past the extension the stop threshold applies.
	f.tickWith(100, true, t0.Add(61*time.Second))
	calls := f.bat.chargeCallLog()
	if len(calls) != 1 || calls[0] != false {
		t.Fatalf("calls after extension = %v, want one disable", calls)
	}
}

func TestWatchdogFeeding(t *testing.T) {
	cfg := config.Default()
	cfg.Watchdog = true
	f := newPolicyFixture(t, cfg)

	t0 := time.Unix(1000, 0)
	for sec := 0; sec < 5; sec++ {
		f.tickWith(50, false, t0.Add(time.Duration(sec)*time.Second))
	}
	if f.bat.watchdogFeeds != 5 {
		t.Errorf("watchdog feeds = %d, want 5", f.bat.watchdogFeeds)
	}
	if f.store.WatchdogLastFedAt().IsZero() {
		t.Error("watchdog feed time not recorded")
	}
}

func TestRTCSync(t *testing.T) {
	cfg := config.Default()
	cfg.AutoRTCSync = true
	f := newPolicyFixture(t, cfg)

	t0 := time.Unix(100000, 0)
	f.rtc.now = t0.Add(-10 * time.Second) // drifted past the bound

	f.tickWith(50, false, t0)
	if len(f.rtc.written) != 1 || !f.rtc.written[0].Equal(t0) {
		t.Fatalf("rtc writes = %v, want one sync to %v", f.rtc.written, t0)
	}

	// Within the sync interval no further write happens.
	f.rtc.now = t0.Add(5 * time.Second).Add(-10 * time.Second)
	f.tickWith(50, false, t0.Add(5*time.Second))
	if len(f.rtc.written) != 1 {
		t.Errorf("rtc writes = %v, want no re-sync inside interval", f.rtc.written)
	}
}

func TestRTCSyncSkipsSmallDrift(t *testing.T) {
	cfg := config.Default()
	cfg.AutoRTCSync = true
	f := newPolicyFixture(t, cfg)

	t0 := time.Unix(100000, 0)
	f.rtc.now = t0.Add(-1 * time.Second)
	f.tickWith(50, false, t0)
	if len(f.rtc.written) != 0 {
		t.Errorf("rtc writes = %v, want none for 1s drift", f.rtc.written)
	}
}

func TestAlarmReconciliation(t *testing.T) {
	cfg := config.Default()
	f := newPolicyFixture(t, cfg)

	if err := f.store.SetWake("07:30:00+08:00", 127); err != nil {
		t.Fatal(err)
	}
	f.tickWith(50, false, time.Unix(1000, 0))

	alarm := f.rtc.alarm
	if !alarm.Enabled || alarm.WeekdayMask != 127 {
		t.Errorf("alarm = %+v, want enabled with mask 127", alarm)
	}

	if err := f.store.DisableWake(); err != nil {
		t.Fatal(err)
	}
	f.tickWith(50, false, time.Unix(1001, 0))
	if f.rtc.alarm.Enabled {
		t.Error("alarm still enabled after disable")
	}
}

func TestSoftPoweroffFlagInvokesShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.SoftPoweroff = true
	f := newPolicyFixture(t, cfg)
	f.bat.softPoweroff = true

	f.tickWith(50, false, time.Unix(1000, 0))
	calls := f.shells.calls()
	if len(calls) != 1 || calls[0] != DefaultShutdownShell {
		t.Errorf("calls = %v, want default shutdown", calls)
	}
}

func TestMonitorHandleTap(t *testing.T) {
	cfg := config.Default()
	cfg.SingleTapEnable = true
	cfg.SingleTapShell = "echo tapped"
	cfg.DoubleTapEnable = false
	cfg.LongTapEnable = true
	cfg.SoftPoweroff = true

	bus := NewBus(testLogger())
	store := NewStore(cfg, filepath.Join(t.TempDir(), "config.json"), bus, testLogger())
	bat := &fakeBattery{}
	dev := device.NewDevice(bat, &fakeRTC{}, device.PiSugar3, testLogger())
	shells := &shellRecorder{}
	engine := NewEngine(store, dev, shells.run, testLogger())
	monitor := NewMonitor(store, dev, engine, shells.run, testLogger())

	sub := bus.Subscribe()
	defer sub.Close()

	monitor.HandleTap(device.TapSingle)
	monitor.HandleTap(device.TapDouble) // disabled: no event, no shell
	monitor.HandleTap(device.TapLong)   // soft poweroff default shell

	events := sub.Drain()
	if len(events) != 2 || events[0].Value != "single" || events[1].Value != "long" {
		t.Errorf("events = %v, want single and long", events)
	}
	calls := shells.calls()
	if len(calls) != 2 || calls[0] != "echo tapped" || calls[1] != DefaultShutdownShell {
		t.Errorf("shells = %v", calls)
	}
}
