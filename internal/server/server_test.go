package server

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pisugar-power-go/internal/config"
	"pisugar-power-go/internal/core"
	"pisugar-power-go/internal/device"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubBattery implements device.Battery with fixed state.
type stubBattery struct {
	mu        sync.Mutex
	keepInput bool
	protect   bool
	output    bool
	allow     bool
	autoOn    bool
	writes    []string
}

func (s *stubBattery) record(op string) {
	s.mu.Lock()
	s.writes = append(s.writes, op)
	s.mu.Unlock()
}

func (s *stubBattery) Init(device.InitOptions) error { return nil }
func (s *stubBattery) Model() device.Model           { return device.PiSugar3 }
func (s *stubBattery) ReadSnapshot(now time.Time) (device.Snapshot, error) {
	return device.Snapshot{}, nil
}
func (s *stubBattery) SetChargeEnable(b bool) error {
	s.allow = b
	s.record("charge")
	return nil
}
func (s *stubBattery) SetChargingRange(lo, hi float64) error { s.record("range"); return nil }
func (s *stubBattery) SetAutoPowerOn(b bool) error           { s.autoOn = b; return nil }
func (s *stubBattery) SetAntiMistouch(b bool) error          { return nil }
func (s *stubBattery) SetSoftPoweroffEnable(b bool) error    { return nil }
func (s *stubBattery) SetInputProtect(b bool) error          { s.protect = b; return nil }
func (s *stubBattery) SetKeepInput(b bool) error             { s.keepInput = b; return nil }
func (s *stubBattery) SetOutputEnable(b bool) error          { s.output = b; return nil }
func (s *stubBattery) FeedWatchdog() error                   { return nil }
func (s *stubBattery) KeepInput() (bool, error)              { return s.keepInput, nil }
func (s *stubBattery) InputProtected() (bool, error)         { return s.protect, nil }
func (s *stubBattery) OutputEnabled() (bool, error)          { return s.output, nil }
func (s *stubBattery) ReadButtonPressed() (bool, error)      { return false, nil }
func (s *stubBattery) ReadTap() (device.Tap, error)          { return device.TapNone, nil }
func (s *stubBattery) ReadSoftPoweroffFlag() (bool, error)   { return false, nil }

// stubRTC implements device.RTC with fixed state.
type stubRTC struct {
	now   time.Time
	alarm device.Alarm
}

func (s *stubRTC) ReadTime() (time.Time, error)     { return s.now, nil }
func (s *stubRTC) WriteTime(t time.Time) error      { s.now = t; return nil }
func (s *stubRTC) ReadAlarm() (device.Alarm, error) { return s.alarm, nil }
func (s *stubRTC) SetAlarm(a device.Alarm) error    { s.alarm = a; return nil }
func (s *stubRTC) DisableAlarm() error              { s.alarm.Enabled = false; return nil }
func (s *stubRTC) AlarmEnabled() (bool, error)      { return s.alarm.Enabled, nil }
func (s *stubRTC) ReadAlarmFlag() (bool, error)     { return false, nil }
func (s *stubRTC) ClearAlarmFlag() error            { return nil }
func (s *stubRTC) SetAutoPowerOn(enable bool) error { return nil }
func (s *stubRTC) AdjustPPM(ppm float64) error      { return nil }
func (s *stubRTC) ReadAddr() (uint8, error)         { return 0x57, nil }
func (s *stubRTC) SetAddr(addr uint8) error         { return nil }

type fixture struct {
	store      *core.Store
	bus        *core.Bus
	dispatcher *Dispatcher
	bat        *stubBattery
	rtc        *stubRTC
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := core.NewBus(testLogger())
	cfg := config.Default()
	store := core.NewStore(cfg, filepath.Join(t.TempDir(), "config.json"), bus, testLogger())
	f := &fixture{store: store, bus: bus, bat: &stubBattery{}, rtc: &stubRTC{now: time.Now()}}
	dev := device.NewDevice(f.bat, f.rtc, device.PiSugar3, testLogger())
	f.dispatcher = NewDispatcher(store, dev, "2.0.0-test", testLogger())
	return f
}

func TestDispatcherUnknownCommand(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		line string
		want string
	}{
		{"bogus", "bogus: unknown command"},
		{"get bogus", "bogus: unknown command"},
		{"GET model", "GET: unknown command"}, // commands are case-sensitive
	}
	for _, tt := range tests {
		if got := f.dispatcher.Handle(tt.line); got != tt.want {
			t.Errorf("Handle(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestDispatcherGetIdempotent(t *testing.T) {
	f := newFixture(t)
	f.store.UpdateSnapshot(device.Snapshot{CapacityPercent: 85, VoltageMV: 4200})
	first := f.dispatcher.Handle("get battery")
	second := f.dispatcher.Handle("get battery")
	if first != second || first != "battery: 85" {
		t.Errorf("get battery = %q then %q, want stable battery: 85", first, second)
	}
	if len(f.bat.writes) != 0 {
		t.Errorf("get mutated the device: %v", f.bat.writes)
	}
}

func TestDispatcherGetters(t *testing.T) {
	f := newFixture(t)
	f.store.UpdateSnapshot(device.Snapshot{
		CapacityPercent: 85,
		VoltageMV:       4200,
		CurrentMA:       250,
		Charging:        true,
		PowerPlugged:    true,
		TemperatureC:    27,
		FirmwareVersion: "1.2.4",
	})
	tests := []struct {
		line string
		want string
	}{
		{"get version", "version: 2.0.0-test"},
		{"get model", "model: PiSugar 3"},
		{"get firmware_version", "firmware_version: 1.2.4"},
		{"get battery", "battery: 85"},
		{"get battery_v", "battery_v: 4.2"},
		{"get battery_i", "battery_i: 0.25"},
		{"get battery_charging", "battery_charging: true"},
		{"get battery_power_plugged", "battery_power_plugged: true"},
		{"get battery_led_amount", "battery_led_amount: 2"},
		{"get temperature", "temperature: 27"},
		{"get battery_charging_range", "battery_charging_range: "},
		{"get safe_shutdown_level", "safe_shutdown_level: 0"},
		{"get button_enable single", "button_enable: single false"},
		{"get button_shell long", "button_shell: long "},
		{"get auth_username", "auth_username: "},
		{"get anti_mistouch", "anti_mistouch: true"},
	}
	for _, tt := range tests {
		if got := f.dispatcher.Handle(tt.line); got != tt.want {
			t.Errorf("Handle(%q) = %q, want %q", tt.line, got, tt.want)
		}
	}
}

// Every getter's textual output feeds back into its setter and lands
// on the same store state.
func TestDispatcherRoundTrip(t *testing.T) {
	f := newFixture(t)
	steps := []struct {
		set    string
		get    string
		expect string
	}{
		{"set_safe_shutdown_level 10", "get safe_shutdown_level", "safe_shutdown_level: 10"},
		{"set_safe_shutdown_delay 30", "get safe_shutdown_delay", "safe_shutdown_delay: 30"},
		{"set_battery_charging_range 30,80", "get battery_charging_range", "battery_charging_range: 30,80"},
		{"set_button_enable single 1", "get button_enable single", "button_enable: single true"},
		{"set_button_shell single echo hello", "get button_shell single", "button_shell: single echo hello"},
		{"set_auto_power_on true", "get auto_power_on", "auto_power_on: true"},
		{"set_soft_poweroff true", "get soft_poweroff", "soft_poweroff: true"},
		{"set_soft_poweroff_shell systemctl poweroff", "get soft_poweroff_shell", "soft_poweroff_shell: systemctl poweroff"},
		{"set_anti_mistouch false", "get anti_mistouch", "anti_mistouch: false"},
		{"rtc_adjust_ppm -12.5", "get rtc_adjust_ppm", "rtc_adjust_ppm: -12.5"},
		{"set_full_charge_duration 120", "get full_charge_duration", "full_charge_duration: 120"},
	}
	for _, st := range steps {
		resp := f.dispatcher.Handle(st.set)
		if !strings.HasSuffix(resp, ": done") && !strings.Contains(resp, "wakeup") {
			t.Fatalf("Handle(%q) = %q, want done", st.set, resp)
		}
		if got := f.dispatcher.Handle(st.get); got != st.expect {
			t.Errorf("after %q: Handle(%q) = %q, want %q", st.set, st.get, got, st.expect)
		}
	}

	// Clearing the charging range with an empty argument.
	if resp := f.dispatcher.Handle("set_battery_charging_range"); resp != "set_battery_charging_range: done" {
		t.Fatalf("clear range = %q", resp)
	}
	if got := f.dispatcher.Handle("get battery_charging_range"); got != "battery_charging_range: " {
		t.Errorf("cleared range = %q", got)
	}
}

// rtc_alarm_set keeps only the time-of-day and offset; the date is
// ignored.
func TestDispatcherAlarmRoundTrip(t *testing.T) {
	f := newFixture(t)
	if resp := f.dispatcher.Handle("rtc_alarm_set 2020-01-01T07:30:00+08:00 127"); resp != "rtc_alarm_set: done" {
		t.Fatalf("rtc_alarm_set = %q", resp)
	}
	if got := f.dispatcher.Handle("get rtc_alarm_time"); got != "rtc_alarm_time: 07:30:00+08:00" {
		t.Errorf("rtc_alarm_time = %q", got)
	}
	if got := f.dispatcher.Handle("get alarm_repeat"); got != "alarm_repeat: 127" {
		t.Errorf("alarm_repeat = %q", got)
	}
	if f.rtc.alarm.Hour != 7 || f.rtc.alarm.Minute != 30 || f.rtc.alarm.WeekdayMask != 127 {
		t.Errorf("device alarm = %+v", f.rtc.alarm)
	}

	if resp := f.dispatcher.Handle("rtc_alarm_disable"); resp != "rtc_alarm_disable: done" {
		t.Fatalf("rtc_alarm_disable = %q", resp)
	}
	if f.rtc.alarm.Enabled {
		t.Error("device alarm still enabled")
	}
}

func TestDispatcherShellQuoting(t *testing.T) {
	f := newFixture(t)
	if resp := f.dispatcher.Handle(`set_button_shell single bash "echo a b"`); resp != "set_button_shell: done" {
		t.Fatalf("resp = %q", resp)
	}
	if got := f.store.Config().SingleTapShell; got != "bash echo a b" {
		t.Errorf("shell = %q", got)
	}
}

func TestDispatcherBoolParsing(t *testing.T) {
	f := newFixture(t)
	for _, line := range []string{"set_allow_charging yes", "set_allow_charging"} {
		resp := f.dispatcher.Handle(line)
		if strings.HasSuffix(resp, ": done") {
			t.Errorf("Handle(%q) = %q, want error", line, resp)
		}
	}
	if resp := f.dispatcher.Handle("set_allow_charging 1"); resp != "set_allow_charging: done" {
		t.Errorf("numeric bool rejected: %q", resp)
	}
	if !f.bat.allow {
		t.Error("charge enable not applied")
	}
}

func TestDispatcherSetAuth(t *testing.T) {
	f := newFixture(t)
	if resp := f.dispatcher.Handle("set_auth admin secret"); resp != "set_auth: done" {
		t.Fatalf("set_auth = %q", resp)
	}
	if got := f.dispatcher.Handle("get auth_username"); got != "auth_username: admin" {
		t.Errorf("auth_username = %q", got)
	}
	// Bare set_auth clears credentials.
	if resp := f.dispatcher.Handle("set_auth"); resp != "set_auth: done" {
		t.Fatalf("clear auth = %q", resp)
	}
	cfg := f.store.Config()
	if cfg.NeedAuth() {
		t.Error("auth still required after clear")
	}
}

// --- transport tests ---

func newTestServer(t *testing.T, f *fixture) (*Server, *Auth) {
	t.Helper()
	auth, err := NewAuth(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return New(f.dispatcher, f.store, f.bus, auth, testLogger()), auth
}

func TestStreamConnCommandAndPush(t *testing.T) {
	f := newFixture(t)
	srv, _ := newTestServer(t, f)

	client, server := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.handleConn(ctx, server)

	reader := bufio.NewReader(client)
	if _, err := client.Write([]byte("get model\n")); err != nil {
		t.Fatal(err)
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(line) != "model: PiSugar 3" {
		t.Errorf("response = %q", line)
	}

	// A tap published on the bus is pushed to the connection.
	f.store.PublishTap(device.TapSingle)
	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(line) != "single" {
		t.Errorf("push = %q", line)
	}
}

func TestHTTPLogin(t *testing.T) {
	f := newFixture(t)
	srv, _ := newTestServer(t, f)

	// Auth not configured: 200 with empty body.
	rec := httptest.NewRecorder()
	srv.handleLogin(rec, httptest.NewRequest(http.MethodPost, "/login?username=a&password=b", nil))
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Errorf("unauthenticated login = %d %q", rec.Code, rec.Body.String())
	}

	if err := f.store.SetAuth("admin", "secret"); err != nil {
		t.Fatal(err)
	}

	rec = httptest.NewRecorder()
	srv.handleLogin(rec, httptest.NewRequest(http.MethodPost, "/login?username=admin&password=wrong", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.handleLogin(rec, httptest.NewRequest(http.MethodPost, "/login?username=admin&password=secret", nil))
	if rec.Code != http.StatusOK || rec.Body.Len() == 0 {
		t.Fatalf("login = %d %q, want 200 with token", rec.Code, rec.Body.String())
	}
	token := rec.Body.String()

	// The token authorizes /exec through the middleware.
	handler := srv.tokenAuth(http.HandlerFunc(srv.handleExec))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/exec?cmd=get+model", nil)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("tokenless exec = %d, want 401", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/exec?cmd=get+model", nil)
	req.Header.Set("x-pisugar-token", token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "model: PiSugar 3") {
		t.Errorf("authorized exec = %d %q", rec.Code, rec.Body.String())
	}

	// A tampered token is rejected.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/exec?cmd=get+model", nil)
	req.Header.Set("x-pisugar-token", token+"x")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("tampered token = %d, want 401", rec.Code)
	}
}

func TestHTTPExecBody(t *testing.T) {
	f := newFixture(t)
	srv, _ := newTestServer(t, f)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/exec", strings.NewReader("get model"))
	srv.handleExec(rec, req)
	if got := strings.TrimSpace(rec.Body.String()); got != "model: PiSugar 3" {
		t.Errorf("exec body = %q", got)
	}
}
