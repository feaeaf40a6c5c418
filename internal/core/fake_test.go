package core

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"pisugar-power-go/internal/device"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeBattery is a scriptable Battery for policy and monitor tests.
type fakeBattery struct {
	mu            sync.Mutex
	snap          device.Snapshot
	err           error
	allowCharging bool
	chargeCalls   []bool
	watchdogFeeds int
	softPoweroff  bool
	pressed       bool
	tap           device.Tap
}

func (f *fakeBattery) Init(opts device.InitOptions) error { return nil }
func (f *fakeBattery) Model() device.Model                { return device.PiSugar3 }

func (f *fakeBattery) ReadSnapshot(now time.Time) (device.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return device.Snapshot{}, f.err
	}
	snap := f.snap
	snap.AllowCharging = f.allowCharging
	snap.TakenAt = now
	return snap, nil
}

func (f *fakeBattery) SetChargeEnable(enable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowCharging = enable
	f.chargeCalls = append(f.chargeCalls, enable)
	return nil
}

func (f *fakeBattery) SetChargingRange(restart, stop float64) error { return nil }
func (f *fakeBattery) SetAutoPowerOn(enable bool) error             { return nil }
func (f *fakeBattery) SetAntiMistouch(enable bool) error            { return nil }
func (f *fakeBattery) SetSoftPoweroffEnable(enable bool) error      { return nil }
func (f *fakeBattery) SetInputProtect(enable bool) error            { return nil }
func (f *fakeBattery) SetKeepInput(enable bool) error               { return nil }
func (f *fakeBattery) SetOutputEnable(enable bool) error            { return nil }

func (f *fakeBattery) FeedWatchdog() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchdogFeeds++
	return nil
}

func (f *fakeBattery) KeepInput() (bool, error)      { return false, nil }
func (f *fakeBattery) InputProtected() (bool, error) { return false, nil }
func (f *fakeBattery) OutputEnabled() (bool, error)  { return true, nil }

func (f *fakeBattery) ReadButtonPressed() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pressed, nil
}

func (f *fakeBattery) ReadTap() (device.Tap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tap := f.tap
	f.tap = device.TapNone
	return tap, nil
}

func (f *fakeBattery) ReadSoftPoweroffFlag() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	flag := f.softPoweroff
	f.softPoweroff = false
	return flag, nil
}

func (f *fakeBattery) setSnapshot(snap device.Snapshot) {
	f.mu.Lock()
	f.snap = snap
	f.mu.Unlock()
}

func (f *fakeBattery) chargeCallLog() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.chargeCalls...)
}

// fakeRTC is a scriptable RTC.
type fakeRTC struct {
	mu      sync.Mutex
	now     time.Time
	written []time.Time
	alarm   device.Alarm
}

func (f *fakeRTC) ReadTime() (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now, nil
}

func (f *fakeRTC) WriteTime(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
	f.written = append(f.written, t)
	return nil
}

func (f *fakeRTC) ReadAlarm() (device.Alarm, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alarm, nil
}

func (f *fakeRTC) SetAlarm(a device.Alarm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alarm = a
	return nil
}

func (f *fakeRTC) DisableAlarm() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alarm.Enabled = false
	return nil
}

func (f *fakeRTC) AlarmEnabled() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alarm.Enabled, nil
}

func (f *fakeRTC) ReadAlarmFlag() (bool, error)     { return false, nil }
func (f *fakeRTC) ClearAlarmFlag() error            { return nil }
func (f *fakeRTC) SetAutoPowerOn(enable bool) error { return nil }
func (f *fakeRTC) AdjustPPM(ppm float64) error      { return nil }
func (f *fakeRTC) ReadAddr() (uint8, error)         { return 0x32, nil }
func (f *fakeRTC) SetAddr(addr uint8) error         { return nil }

// shellRecorder captures spawned hooks.
type shellRecorder struct {
	mu     sync.Mutex
	shells []string
}

func (r *shellRecorder) run(shell string) {
	r.mu.Lock()
	r.shells = append(r.shells, shell)
	r.mu.Unlock()
}

func (r *shellRecorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.shells...)
}
