// Package device hides the model differences of the PiSugar boards
// behind a uniform capability interface. All register maps and
// transactions live here; everything above talks in snapshots and
// typed operations.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pisugar-power-go/internal/i2cbus"
)

// Sentinel errors.
var (
	ErrUnsupported = errors.New("operation not supported on this model")
	ErrOffline     = errors.New("device offline")
	ErrProbe       = errors.New("no pisugar device found")
)

// Model identifies one PiSugar board variant.
type Model int

const (
	PiSugar2_4LEDs Model = iota
	PiSugar2_2LEDs
	PiSugar2Pro
	PiSugar3
)

const (
	namePiSugar2_4LEDs = "PiSugar 2 (4-LEDs)"
	namePiSugar2_2LEDs = "PiSugar 2 (2-LEDs)"
	namePiSugar2Pro    = "PiSugar 2 Pro"
	namePiSugar3       = "PiSugar 3"
)

// ParseModel resolves a display name back into a Model.
func ParseModel(s string) (Model, error) {
	switch s {
	case namePiSugar2_4LEDs:
		return PiSugar2_4LEDs, nil
	case namePiSugar2_2LEDs:
		return PiSugar2_2LEDs, nil
	case namePiSugar2Pro:
		return PiSugar2Pro, nil
	case namePiSugar3:
		return PiSugar3, nil
	}
	return 0, fmt.Errorf("unknown model %q", s)
}

func (m Model) String() string {
	switch m {
	case PiSugar2_4LEDs:
		return namePiSugar2_4LEDs
	case PiSugar2_2LEDs:
		return namePiSugar2_2LEDs
	case PiSugar2Pro:
		return namePiSugar2Pro
	case PiSugar3:
		return namePiSugar3
	}
	return "unknown"
}

// LEDCount is the number of charge-indicator LEDs on the board.
func (m Model) LEDCount() int {
	if m == PiSugar2_4LEDs {
		return 4
	}
	return 2
}

// DefaultAddr is the battery chip's I2C address.
func (m Model) DefaultAddr() uint16 {
	if m == PiSugar3 {
		return 0x57
	}
	return 0x75
}

// Capabilities describes what a model's hardware can do.
type Capabilities struct {
	USBDetect           bool
	ChargeEnableControl bool
	RTC                 bool
	ChargingRange       bool
	SoftPoweroff        bool
	AntiMistouch        bool
	PPMAdjust           bool
	Watchdog            bool
	HardwareTap         bool
}

// Caps returns the capability set for the model.
func (m Model) Caps() Capabilities {
	switch m {
	case PiSugar3:
		return Capabilities{
			USBDetect:           true,
			ChargeEnableControl: true,
			RTC:                 true,
			SoftPoweroff:        true,
			AntiMistouch:        true,
			PPMAdjust:           true,
			Watchdog:            true,
			HardwareTap:         true,
		}
	case PiSugar2Pro:
		return Capabilities{
			USBDetect:           true,
			ChargeEnableControl: true,
			RTC:                 true,
			ChargingRange:       true,
		}
	default:
		return Capabilities{
			ChargeEnableControl: true,
			RTC:                 true,
			ChargingRange:       true,
		}
	}
}

// Curve returns the model's default voltage->percent curve.
func (m Model) Curve() Curve {
	if m == PiSugar2_4LEDs || m == PiSugar2_2LEDs {
		return curvePiSugar2
	}
	return curvePiSugar2Pro
}

// Tap is a hardware-classified tap kind (PiSugar 3 only).
type Tap int

const (
	TapNone Tap = iota
	TapSingle
	TapDouble
	TapLong
)

func (t Tap) String() string {
	switch t {
	case TapSingle:
		return "single"
	case TapDouble:
		return "double"
	case TapLong:
		return "long"
	}
	return "none"
}

// Snapshot is the uniform battery state decoded on one poll.
type Snapshot struct {
	Online          bool
	VoltageMV       int
	CurrentMA       int
	CapacityPercent float64
	Charging        bool
	PowerPlugged    bool
	AllowCharging   bool
	TemperatureC    int
	LEDCount        int
	FirmwareVersion string
	TakenAt         time.Time
}

// Battery is the per-model battery chip driver.
type Battery interface {
	Init(opts InitOptions) error
	Model() Model
	ReadSnapshot(now time.Time) (Snapshot, error)

	SetChargeEnable(enable bool) error
	SetChargingRange(restartPct, stopPct float64) error
	SetAutoPowerOn(enable bool) error
	SetAntiMistouch(enable bool) error
	SetSoftPoweroffEnable(enable bool) error
	SetInputProtect(enable bool) error
	SetKeepInput(enable bool) error
	SetOutputEnable(enable bool) error
	FeedWatchdog() error

	KeepInput() (bool, error)
	InputProtected() (bool, error)
	OutputEnabled() (bool, error)

	// ReadButtonPressed samples the raw button level (software-classified
	// models). Models with hardware tap classification return ErrUnsupported.
	ReadButtonPressed() (bool, error)
	// ReadTap reads and resets the hardware tap register (PiSugar 3).
	ReadTap() (Tap, error)
	// ReadSoftPoweroffFlag reads and clears the board's poweroff request.
	ReadSoftPoweroffFlag() (bool, error)
}

// RTC is the real-time-clock driver.
type RTC interface {
	ReadTime() (time.Time, error)
	WriteTime(t time.Time) error

	ReadAlarm() (Alarm, error)
	SetAlarm(a Alarm) error
	DisableAlarm() error
	AlarmEnabled() (bool, error)
	ReadAlarmFlag() (bool, error)
	ClearAlarmFlag() error

	// SetAutoPowerOn arms the wake-on-power mechanism where the RTC
	// provides it (SD3078 frequency alarm).
	SetAutoPowerOn(enable bool) error
	AdjustPPM(ppm float64) error

	// ReadAddr and SetAddr expose the RTC's own bus address where the
	// board allows remapping it (PiSugar 3).
	ReadAddr() (uint8, error)
	SetAddr(addr uint8) error
}

// Alarm is a wake alarm: time-of-day plus a weekday repeat mask
// (bit 0 = Sunday .. bit 6 = Saturday).
type Alarm struct {
	Hour, Minute, Second int
	WeekdayMask          uint8
	Enabled              bool
}

// InitOptions carries the configured hardware toggles applied at start.
type InitOptions struct {
	AutoPowerOn  bool
	SoftPoweroff bool
	AntiMistouch bool
	InputProtect bool
}

// Device couples the battery and RTC drivers for one board.
type Device struct {
	Battery Battery
	RTC     RTC

	model    Model
	logger   *slog.Logger
	failures int
	last     Snapshot
}

// NewDevice binds a battery and RTC driver pair directly, bypassing
// the probe. Used for custom bindings and tests.
func NewDevice(bat Battery, rtc RTC, model Model, logger *slog.Logger) *Device {
	return &Device{Battery: bat, RTC: rtc, model: model, logger: logger}
}

// Model returns the probed board model.
func (d *Device) Model() Model { return d.model }

// Caps returns the board's capability set.
func (d *Device) Caps() Capabilities { return d.model.Caps() }

// Poll reads a snapshot with offline demotion: a failed read keeps the
// previous snapshot for that tick, and three consecutive failures mark
// the device offline (published as unplugged and not charging).
func (d *Device) Poll(now time.Time) (Snapshot, error) {
	snap, err := d.Battery.ReadSnapshot(now)
	if err != nil {
		d.failures++
		if d.failures >= 3 {
			off := d.last
			off.Online = false
			off.PowerPlugged = false
			off.Charging = false
			off.TakenAt = now
			d.last = off
			return off, nil
		}
		return d.last, fmt.Errorf("read snapshot: %w", err)
	}
	d.failures = 0
	snap.Online = true
	snap.TakenAt = now
	d.last = snap
	return snap, nil
}

// Probe binds the drivers for a known model, verifying the device
// responds at addr.
func Probe(bus *i2cbus.Bus, model Model, addr uint16, logger *slog.Logger) (*Device, error) {
	if addr == 0 {
		addr = model.DefaultAddr()
	}
	log := logger.With("component", "device", "model", model.String())
	switch model {
	case PiSugar3:
		conn := bus.Device(addr)
		if err := probePiSugar3(conn); err != nil {
			return nil, err
		}
		chip := newPiSugar3(conn, log)
		return &Device{
			Battery: newPiSugar3Battery(chip, model),
			RTC:     newPiSugar3RTC(chip),
			model:   model,
			logger:  log,
		}, nil
	case PiSugar2Pro:
		bat := newIP5312Battery(bus.Device(addr), model, log)
		if err := bat.probe(); err != nil {
			return nil, err
		}
		return &Device{
			Battery: bat,
			RTC:     newSD3078(bus.Device(sd3078Addr), log),
			model:   model,
			logger:  log,
		}, nil
	case PiSugar2_2LEDs, PiSugar2_4LEDs:
		bat := newIP5209Battery(bus.Device(addr), model, log)
		if err := bat.probe(); err != nil {
			return nil, err
		}
		return &Device{
			Battery: bat,
			RTC:     newSD3078(bus.Device(sd3078Addr), log),
			model:   model,
			logger:  log,
		}, nil
	}
	return nil, fmt.Errorf("probe model %v: %w", model, ErrProbe)
}

// Detect probes for any supported board: PiSugar 3 first (distinct
// address), then the IP5312 and IP5209 variants at the shared address.
func Detect(bus *i2cbus.Bus, logger *slog.Logger) (*Device, error) {
	for _, m := range []Model{PiSugar3, PiSugar2Pro, PiSugar2_4LEDs} {
		dev, err := Probe(bus, m, 0, logger)
		if err == nil {
			logger.Info("detected pisugar board", "model", m.String())
			return dev, nil
		}
	}
	return nil, ErrProbe
}
