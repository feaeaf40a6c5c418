package device

import (
	"fmt"
	"log/slog"
	"time"

	"pisugar-power-go/internal/i2cbus"
)

// The IP5209/IP5312 charger chips share a SYS_CTL0 register with the
// charger-enable bit, and both report the button level and the
// charging status from their GPIO input register.
const (
	ip5xRegSysCtl0   = 0x01
	ip5xChargeEnable = 1 << 1

	ip5xButtonMask   = 1 << 1
	ip5xChargingMask = 1 << 4
)

// chipOps is the part that differs between the two model-2 charger chips.
type chipOps interface {
	// readVoltageMV returns the battery voltage in mV.
	readVoltageMV() (int, error)
	// readCurrentMA returns the signed battery current in mA.
	readCurrentMA() (int, error)
	// gpioReg is the register carrying button level and charging status.
	gpioReg() uint8
	// initChip programs light-load shutdown and the button GPIO.
	initChip() error
}

// pisugar2Battery is the shared Battery implementation for both
// model-2 chips. Capacity comes from the curve applied to the trailing
// voltage mean, with monotone smoothing on discharge.
type pisugar2Battery struct {
	conn   i2cbus.Conn
	chip   chipOps
	model  Model
	curve  Curve
	ring   *voltageRing
	logger *slog.Logger

	lastPct  float64
	havePct  bool
	rangeSet bool
	rangeLo  float64
	rangeHi  float64
}

func (b *pisugar2Battery) Model() Model { return b.model }

func (b *pisugar2Battery) Init(opts InitOptions) error {
	if err := b.chip.initChip(); err != nil {
		return fmt.Errorf("init %s: %w", b.model, err)
	}
	return nil
}

// SetCurve replaces the default curve (user battery_curve override).
func (b *pisugar2Battery) SetCurve(c Curve) {
	if len(c) > 0 {
		b.curve = c
	}
}

func (b *pisugar2Battery) probe() error {
	if _, err := b.chip.readVoltageMV(); err != nil {
		return fmt.Errorf("%s probe: %w", b.model, err)
	}
	return nil
}

func (b *pisugar2Battery) ReadSnapshot(now time.Time) (Snapshot, error) {
	mv, err := b.chip.readVoltageMV()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read voltage: %w", err)
	}
	b.ring.Push(mv)

	ma, err := b.chip.readCurrentMA()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read current: %w", err)
	}

	gpio, err := b.conn.ReadReg(b.chip.gpioReg())
	if err != nil {
		return Snapshot{}, fmt.Errorf("read charger status: %w", err)
	}
	charging := gpio&ip5xChargingMask != 0

	allow, err := b.conn.ReadReg(ip5xRegSysCtl0)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read sys ctl: %w", err)
	}

	pct := b.curve.Percent(b.ring.Mean())
	if !charging && b.havePct && pct > b.lastPct {
		pct = b.lastPct
	}
	b.lastPct = pct
	b.havePct = true

	return Snapshot{
		VoltageMV:       mv,
		CurrentMA:       ma,
		CapacityPercent: pct,
		Charging:        charging,
		PowerPlugged:    charging,
		AllowCharging:   allow&ip5xChargeEnable != 0,
		LEDCount:        b.model.LEDCount(),
		TakenAt:         now,
	}, nil
}

func (b *pisugar2Battery) SetChargeEnable(enable bool) error {
	return b.conn.Atomic(func(ops i2cbus.Ops) error {
		v, err := ops.ReadReg(ip5xRegSysCtl0)
		if err != nil {
			return fmt.Errorf("read sys ctl: %w", err)
		}
		next := v &^ uint8(ip5xChargeEnable)
		if enable {
			next |= ip5xChargeEnable
		}
		if err := ops.WriteReg(ip5xRegSysCtl0, next); err != nil {
			return fmt.Errorf("write sys ctl: %w", err)
		}
		return nil
	})
}

// SetChargingRange records the hysteresis window. The chips have no
// threshold registers; the policy engine enforces the window by
// toggling charge enable.
func (b *pisugar2Battery) SetChargingRange(restartPct, stopPct float64) error {
	if restartPct < 0 || stopPct > 100 || restartPct >= stopPct {
		return fmt.Errorf("invalid charging range %v,%v", restartPct, stopPct)
	}
	b.rangeSet = true
	b.rangeLo = restartPct
	b.rangeHi = stopPct
	return nil
}

func (b *pisugar2Battery) SetAutoPowerOn(enable bool) error        { return ErrUnsupported }
func (b *pisugar2Battery) SetAntiMistouch(enable bool) error       { return ErrUnsupported }
func (b *pisugar2Battery) SetSoftPoweroffEnable(enable bool) error { return ErrUnsupported }
func (b *pisugar2Battery) SetInputProtect(enable bool) error       { return ErrUnsupported }
func (b *pisugar2Battery) SetKeepInput(enable bool) error          { return ErrUnsupported }
func (b *pisugar2Battery) SetOutputEnable(enable bool) error       { return ErrUnsupported }
func (b *pisugar2Battery) FeedWatchdog() error                     { return ErrUnsupported }

func (b *pisugar2Battery) KeepInput() (bool, error)      { return false, ErrUnsupported }
func (b *pisugar2Battery) InputProtected() (bool, error) { return false, ErrUnsupported }
func (b *pisugar2Battery) OutputEnabled() (bool, error)  { return true, nil }

func (b *pisugar2Battery) ReadButtonPressed() (bool, error) {
	v, err := b.conn.ReadReg(b.chip.gpioReg())
	if err != nil {
		return false, fmt.Errorf("read button: %w", err)
	}
	return v&ip5xButtonMask != 0, nil
}

func (b *pisugar2Battery) ReadTap() (Tap, error) {
	return TapNone, ErrUnsupported
}

func (b *pisugar2Battery) ReadSoftPoweroffFlag() (bool, error) {
	return false, nil
}
