// Package server implements the text command protocol and the four
// transports that carry it: Unix socket, TCP, WebSocket, and HTTP.
package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"

	"pisugar-power-go/internal/config"
	"pisugar-power-go/internal/core"
	"pisugar-power-go/internal/device"
)

const timeFormat = "2006-01-02T15:04:05.000-07:00"

// ntpHost answers a plain HTTP request whose Date header seeds
// rtc_web time sync.
const ntpHost = "http://cdn.pisugar.com"

// setSystemTime is swapped out in tests.
var setSystemTime = func(t time.Time) error {
	tv := syscall.NsecToTimeval(t.UnixNano())
	return syscall.Settimeofday(&tv)
}

// Dispatcher parses one-line commands and answers one-line responses.
// Commands are case-sensitive and lower-case; unknown commands answer
// "<cmd>: unknown command".
type Dispatcher struct {
	store   *core.Store
	dev     *device.Device
	version string
	logger  *slog.Logger
}

// NewDispatcher wires the command surface to the store and device.
func NewDispatcher(store *core.Store, dev *device.Device, version string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		dev:     dev,
		version: version,
		logger:  logger.With("component", "dispatcher"),
	}
}

// Handle executes one request line and returns the response line
// (without trailing newline).
func (d *Dispatcher) Handle(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	if !strings.Contains(line, "set_auth") {
		d.logger.Debug("request", "line", line)
	}
	fields := strings.Fields(line)
	cmd := fields[0]

	if cmd == "get" {
		if len(fields) < 2 {
			return "get: missing key"
		}
		return d.handleGet(fields[1], fields[2:])
	}
	return d.handleSet(cmd, fields[1:], line)
}

func (d *Dispatcher) handleGet(key string, args []string) string {
	snap, _ := d.store.Snapshot()
	cfg := d.store.Config()

	ok := func(v string) string { return key + ": " + v }
	fail := func(err error) string { return key + ": " + err.Error() }
	okBool := func(v bool) string { return ok(strconv.FormatBool(v)) }

	switch key {
	case "version":
		return ok(d.version)
	case "model":
		return ok(d.dev.Model().String())
	case "firmware_version":
		return ok(snap.FirmwareVersion)
	case "battery":
		return ok(formatFloat(snap.CapacityPercent))
	case "battery_i":
		return ok(formatFloat(float64(snap.CurrentMA) / 1000))
	case "battery_v":
		return ok(formatFloat(float64(snap.VoltageMV) / 1000))
	case "battery_charging":
		return okBool(snap.Charging)
	case "battery_power_plugged":
		return okBool(snap.PowerPlugged)
	case "battery_allow_charging":
		return okBool(snap.AllowCharging)
	case "battery_led_amount":
		return ok(strconv.Itoa(d.dev.Model().LEDCount()))
	case "battery_charging_range":
		if cfg.AutoChargingRange == nil {
			return ok("")
		}
		return ok(formatFloat(cfg.AutoChargingRange.Restart) + "," + formatFloat(cfg.AutoChargingRange.Stop))
	case "battery_keep_input":
		v, err := d.dev.Battery.KeepInput()
		if err != nil {
			return fail(err)
		}
		return okBool(v)
	case "battery_input_protect_enabled", "input_protect":
		v, err := d.dev.Battery.InputProtected()
		if err != nil {
			return fail(err)
		}
		return okBool(v)
	case "battery_output_enabled":
		v, err := d.dev.Battery.OutputEnabled()
		if err != nil {
			return fail(err)
		}
		return okBool(v)
	case "full_charge_duration":
		if cfg.FullChargeDuration == 0 {
			return ok("")
		}
		return ok(strconv.FormatUint(cfg.FullChargeDuration, 10))
	case "system_time":
		return ok(time.Now().Format(timeFormat))
	case "rtc_time":
		t, err := d.dev.RTC.ReadTime()
		if err != nil {
			return fail(err)
		}
		return ok(t.Format(timeFormat))
	case "rtc_time_list":
		t, err := d.dev.RTC.ReadTime()
		if err != nil {
			return fail(err)
		}
		return ok(timeList(t))
	case "rtc_alarm_enabled":
		v, err := d.dev.RTC.AlarmEnabled()
		if err != nil {
			return fail(err)
		}
		return okBool(v)
	case "rtc_alarm_flag":
		v, err := d.dev.RTC.ReadAlarmFlag()
		if err != nil {
			return fail(err)
		}
		return okBool(v)
	case "rtc_alarm_time":
		if cfg.AutoWakeTime == "" {
			return ok("")
		}
		return ok(cfg.AutoWakeTime)
	case "rtc_alarm_time_list":
		a, err := d.dev.RTC.ReadAlarm()
		if err != nil {
			return fail(err)
		}
		return ok(fmt.Sprintf("[%d,%d,%d,%d,1,1,0]", a.Second, a.Minute, a.Hour, a.WeekdayMask))
	case "rtc_addr":
		a, err := d.dev.RTC.ReadAddr()
		if err != nil {
			return fail(err)
		}
		return ok(fmt.Sprintf("0x%02x", a))
	case "rtc_adjust_ppm":
		return ok(formatFloat(cfg.RTCAdjustPPM))
	case "alarm_repeat":
		return ok(strconv.Itoa(int(cfg.AutoWakeRepeat)))
	case "safe_shutdown_level":
		return ok(formatFloat(cfg.AutoShutdownLevel))
	case "safe_shutdown_delay":
		return ok(formatFloat(cfg.AutoShutdownDelay))
	case "button_enable":
		mode, err := buttonMode(args)
		if err != nil {
			return fail(err)
		}
		return ok(mode + " " + strconv.FormatBool(cfg.TapEnabled(mode)))
	case "button_shell":
		mode, err := buttonMode(args)
		if err != nil {
			return fail(err)
		}
		return ok(mode + " " + cfg.TapShell(mode))
	case "auto_power_on":
		return okBool(cfg.AutoPowerOn)
	case "auth_username":
		return ok(cfg.AuthUser)
	case "anti_mistouch":
		return okBool(cfg.AntiMistouch)
	case "soft_poweroff":
		return okBool(cfg.SoftPoweroff)
	case "soft_poweroff_shell":
		return ok(cfg.SoftPoweroffShell)
	case "temperature":
		return ok(strconv.Itoa(snap.TemperatureC))
	}
	return key + ": unknown command"
}

func (d *Dispatcher) handleSet(cmd string, args []string, line string) string {
	done := func(err error) string {
		if err != nil {
			return cmd + ": " + err.Error()
		}
		return cmd + ": done"
	}

	switch cmd {
	case "set_battery_keep_input":
		b, err := parseBoolArg(args)
		if err != nil {
			return done(err)
		}
		return done(d.dev.Battery.SetKeepInput(b))

	case "set_battery_charging_range":
		if len(args) == 0 || args[0] == "" {
			if err := d.store.SetChargingRange(nil); err != nil {
				return done(err)
			}
			return done(nil)
		}
		parts := strings.Split(args[0], ",")
		if len(parts) != 2 {
			return done(fmt.Errorf("expected restart,stop"))
		}
		restart, err1 := strconv.ParseFloat(parts[0], 64)
		stop, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 != nil || err2 != nil {
			return done(fmt.Errorf("invalid charging range %q", args[0]))
		}
		if err := d.store.SetChargingRange(&config.ChargingRange{Restart: restart, Stop: stop}); err != nil {
			return done(err)
		}
		if d.dev.Caps().ChargingRange {
			if err := d.dev.Battery.SetChargingRange(restart, stop); err != nil {
				return done(err)
			}
		}
		return done(nil)

	case "set_battery_input_protect", "set_input_protect":
		b, err := parseBoolArg(args)
		if err != nil {
			return done(err)
		}
		if err := d.dev.Battery.SetInputProtect(b); err != nil {
			return done(err)
		}
		return done(d.store.SetInputProtect(b))

	case "set_battery_output":
		b, err := parseBoolArg(args)
		if err != nil {
			return done(err)
		}
		return done(d.dev.Battery.SetOutputEnable(b))

	case "set_allow_charging":
		b, err := parseBoolArg(args)
		if err != nil {
			return done(err)
		}
		return done(d.dev.Battery.SetChargeEnable(b))

	case "set_full_charge_duration":
		if len(args) < 1 {
			return done(fmt.Errorf("missing seconds"))
		}
		sec, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return done(fmt.Errorf("invalid seconds %q", args[0]))
		}
		return done(d.store.SetFullChargeDuration(sec))

	case "set_safe_shutdown_level":
		if len(args) < 1 {
			return done(fmt.Errorf("missing level"))
		}
		level, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return done(fmt.Errorf("invalid level %q", args[0]))
		}
		return done(d.store.SetAutoShutdownLevel(level))

	case "set_safe_shutdown_delay":
		if len(args) < 1 {
			return done(fmt.Errorf("missing delay"))
		}
		delay, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return done(fmt.Errorf("invalid delay %q", args[0]))
		}
		return done(d.store.SetAutoShutdownDelay(delay))

	case "set_button_enable":
		if len(args) < 2 {
			return done(fmt.Errorf("expected mode and 0|1"))
		}
		b, err := parseBool(args[1])
		if err != nil {
			return done(err)
		}
		return done(d.store.SetTapEnable(args[0], b))

	case "set_button_shell":
		if len(args) < 1 {
			return done(fmt.Errorf("expected mode and shell"))
		}
		shell, err := shellArg(line, 2)
		if err != nil {
			return done(err)
		}
		return done(d.store.SetTapShell(args[0], shell))

	case "set_auto_power_on":
		b, err := parseBoolArg(args)
		if err != nil {
			return done(err)
		}
		if err := d.dev.Battery.SetAutoPowerOn(b); err != nil && err != device.ErrUnsupported {
			return done(err)
		}
		if err := d.dev.RTC.SetAutoPowerOn(b); err != nil && err != device.ErrUnsupported {
			return done(err)
		}
		return done(d.store.SetAutoPowerOn(b))

	case "set_anti_mistouch":
		b, err := parseBoolArg(args)
		if err != nil {
			return done(err)
		}
		if d.dev.Caps().AntiMistouch {
			if err := d.dev.Battery.SetAntiMistouch(b); err != nil {
				return done(err)
			}
		}
		return done(d.store.SetAntiMistouch(b))

	case "set_soft_poweroff":
		b, err := parseBoolArg(args)
		if err != nil {
			return done(err)
		}
		if d.dev.Caps().SoftPoweroff {
			if err := d.dev.Battery.SetSoftPoweroffEnable(b); err != nil {
				return done(err)
			}
		}
		return done(d.store.SetSoftPoweroff(b))

	case "set_soft_poweroff_shell":
		shell, err := shellArg(line, 1)
		if err != nil {
			return done(err)
		}
		return done(d.store.SetSoftPoweroffShell(shell))

	case "set_auth":
		if len(args) >= 2 {
			return done(d.store.SetAuth(args[0], args[1]))
		}
		return done(d.store.SetAuth("", ""))

	case "set_rtc_addr":
		if len(args) < 1 {
			return done(fmt.Errorf("missing addr"))
		}
		addr, err := strconv.ParseUint(args[0], 0, 8)
		if err != nil {
			return done(fmt.Errorf("invalid addr %q", args[0]))
		}
		return done(d.dev.RTC.SetAddr(uint8(addr)))

	case "rtc_pi2rtc":
		return done(d.dev.RTC.WriteTime(time.Now()))

	case "rtc_rtc2pi":
		t, err := d.dev.RTC.ReadTime()
		if err != nil {
			return done(err)
		}
		return done(setSystemTime(t))

	case "rtc_web":
		go d.syncWebTime()
		return done(nil)

	case "rtc_alarm_set":
		if len(args) < 2 {
			return done(fmt.Errorf("expected datetime and weekday mask"))
		}
		t, err := time.Parse(time.RFC3339, args[0])
		if err != nil {
			return done(fmt.Errorf("invalid datetime %q", args[0]))
		}
		mask, err := strconv.ParseUint(args[1], 10, 8)
		if err != nil {
			return done(fmt.Errorf("invalid weekday mask %q", args[1]))
		}
		alarm := device.Alarm{
			Hour:        t.Hour(),
			Minute:      t.Minute(),
			Second:      t.Second(),
			WeekdayMask: uint8(mask) & 0x7F,
			Enabled:     true,
		}
		if err := d.dev.RTC.SetAlarm(alarm); err != nil {
			return done(err)
		}
		return done(d.store.SetWake(config.FormatWakeTime(t), uint8(mask)))

	case "rtc_alarm_disable":
		if err := d.dev.RTC.DisableAlarm(); err != nil {
			return done(err)
		}
		return done(d.store.DisableWake())

	case "rtc_adjust_ppm":
		if len(args) < 1 {
			return done(fmt.Errorf("missing ppm"))
		}
		ppm, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return done(fmt.Errorf("invalid ppm %q", args[0]))
		}
		if d.dev.Caps().PPMAdjust {
			if err := d.dev.RTC.AdjustPPM(ppm); err != nil {
				return done(err)
			}
		}
		return done(d.store.SetRTCAdjustPPM(ppm))

	case "rtc_clear_flag":
		return done(d.dev.RTC.ClearAlarmFlag())

	case "rtc_test_wake":
		wake := time.Now().Add(90 * time.Second)
		alarm := device.Alarm{
			Hour:        wake.Hour(),
			Minute:      wake.Minute(),
			Second:      wake.Second(),
			WeekdayMask: 0x7F,
			Enabled:     true,
		}
		if err := d.dev.RTC.SetAlarm(alarm); err != nil {
			return done(err)
		}
		return cmd + ": wakeup after 1 min 30 sec"

	case "force_shutdown":
		return done(d.dev.Battery.SetOutputEnable(false))
	}

	return cmd + ": unknown command"
}

// syncWebTime sets system and RTC time from the vendor time host.
func (d *Dispatcher) syncWebTime() {
	resp, err := http.Head(ntpHost)
	if err != nil {
		d.logger.Warn("web time sync", "err", err)
		return
	}
	resp.Body.Close()
	t, err := http.ParseTime(resp.Header.Get("Date"))
	if err != nil {
		d.logger.Warn("web time sync: bad date header", "err", err)
		return
	}
	if err := setSystemTime(t); err != nil {
		d.logger.Warn("web time sync: set system time", "err", err)
	}
	if err := d.dev.RTC.WriteTime(t); err != nil {
		d.logger.Warn("web time sync: write rtc", "err", err)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func timeList(t time.Time) string {
	return fmt.Sprintf("[%d,%d,%d,%d,%d,%d,%d]",
		t.Second(), t.Minute(), t.Hour(), int(t.Weekday()), t.Day(), int(t.Month()), t.Year()%100)
}

func buttonMode(args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("missing button mode")
	}
	switch args[0] {
	case "single", "double", "long":
		return args[0], nil
	}
	return "", fmt.Errorf("invalid button mode %q", args[0])
}

func parseBool(s string) (bool, error) {
	switch s {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

func parseBoolArg(args []string) (bool, error) {
	if len(args) < 1 {
		return false, fmt.Errorf("missing boolean")
	}
	return parseBool(args[0])
}

// shellArg extracts the shell string starting at token index skip,
// normalizing quoting the way the original tooling does.
func shellArg(line string, skip int) (string, error) {
	parts, err := shlex.Split(line)
	if err != nil {
		return "", fmt.Errorf("invalid shell string: %w", err)
	}
	if len(parts) <= skip {
		return "", nil
	}
	return strings.Join(parts[skip:], " "), nil
}
