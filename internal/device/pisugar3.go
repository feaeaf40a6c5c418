package device

import (
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"time"

	"pisugar-power-go/internal/i2cbus"
)

// PiSugar 3 register map. The board is a single MCU handling battery
// gauge, button, and RTC behind one address.
const (
	p3RegVersion = 0x00 // identity: major firmware version
	p3RegMode    = 0x01 // 0x0F = application mode
	p3RegCtr1    = 0x02 // bit7 plugged, bit6 charge-enable, bit5 output, bit4 restore, bit3 anti-mistouch
	p3RegCtr2    = 0x03 // bit4 soft-poweroff enable, bit3 soft-poweroff flag, bit7 watchdog feed
	p3RegTemp    = 0x04 // unsigned, zero point -40 C
	p3RegTap     = 0x08 // low 2 bits: 1 single, 2 double, 3 long
	p3RegWP      = 0x0B // write protect: 0x29 unlocks, 0x00 locks
	p3RegBatCtr  = 0x20 // bit7 input protect, bit5 light-load shutdown
	p3RegBatCtr2 = 0x21 // bit7 keep input
	p3RegVH      = 0x22 // voltage big-endian pair, mV
	p3RegVL      = 0x23
	p3RegOH      = 0x26 // output current big-endian pair, mA
	p3RegOL      = 0x27
	p3RegPercent = 0x2A

	p3RegRTCYY = 0x31
	p3RegRTCMM = 0x32
	p3RegRTCDD = 0x33
	p3RegRTCWD = 0x34
	p3RegRTCHH = 0x35
	p3RegRTCMN = 0x36
	p3RegRTCSS = 0x37

	p3RegAdjComm = 0x3A // ppm adjust, every second: bit7 direction, low 4 bits value
	p3RegAdjDiff = 0x3B // ppm adjust, 31st second only: low 5 bits

	p3RegAlarmCtr = 0x40 // bit7 enable
	p3RegAlarmWD  = 0x44
	p3RegAlarmHH  = 0x45
	p3RegAlarmMN  = 0x46
	p3RegAlarmSS  = 0x47

	p3RegRTCAddr = 0x51 // remappable RTC bus address

	p3RegFWVersion = 0xE2 // 15-byte NUL-terminated string
	p3FWVersionLen = 15

	p3WPUnlock = 0x29
	p3WPLock   = 0x00

	p3AppMode      = 0x0F
	p3IdentVersion = 3
)

// probePiSugar3 checks the identity registers.
func probePiSugar3(conn i2cbus.Conn) error {
	ver, err := conn.ReadReg(p3RegVersion)
	if err != nil {
		return fmt.Errorf("pisugar3 probe: %w", err)
	}
	mode, err := conn.ReadReg(p3RegMode)
	if err != nil {
		return fmt.Errorf("pisugar3 probe: %w", err)
	}
	if ver != p3IdentVersion || mode != p3AppMode {
		return fmt.Errorf("pisugar3 probe: identity 0x%02x/0x%02x: %w", ver, mode, ErrProbe)
	}
	return nil
}

// piSugar3 is the raw register accessor shared by the battery and RTC
// views. Every control write runs inside the write-protect bracket,
// atomically on the bus queue.
type piSugar3 struct {
	conn   i2cbus.Conn
	logger *slog.Logger
}

func newPiSugar3(conn i2cbus.Conn, logger *slog.Logger) *piSugar3 {
	return &piSugar3{conn: conn, logger: logger}
}

// writeReg wraps one control-register write in unlock/write/lock.
func (p *piSugar3) writeReg(reg, val uint8) error {
	return p.conn.Atomic(func(ops i2cbus.Ops) error {
		return writeBracketed(ops, reg, val)
	})
}

func writeBracketed(ops i2cbus.Ops, reg, val uint8) error {
	if err := ops.WriteReg(p3RegWP, p3WPUnlock); err != nil {
		return fmt.Errorf("unlock write protect: %w", err)
	}
	werr := ops.WriteReg(reg, val)
	if lerr := ops.WriteReg(p3RegWP, p3WPLock); werr == nil && lerr != nil {
		return fmt.Errorf("lock write protect: %w", lerr)
	}
	if werr != nil {
		return fmt.Errorf("write reg 0x%02x: %w", reg, werr)
	}
	return nil
}

// updateBits atomically read-modify-writes reg: clears mask bits, then
// sets them again when set is true. The read and the bracketed write
// share one bus hold.
func (p *piSugar3) updateBits(reg, mask uint8, set bool) error {
	return p.conn.Atomic(func(ops i2cbus.Ops) error {
		cur, err := ops.ReadReg(reg)
		if err != nil {
			return fmt.Errorf("read reg 0x%02x: %w", reg, err)
		}
		next := cur &^ mask
		if set {
			next |= mask
		}
		return writeBracketed(ops, reg, next)
	})
}

func (p *piSugar3) readBit(reg, mask uint8) (bool, error) {
	v, err := p.conn.ReadReg(reg)
	if err != nil {
		return false, err
	}
	return v&mask != 0, nil
}

func (p *piSugar3) readBE16(regHigh, regLow uint8) (uint16, error) {
	hi, err := p.conn.ReadReg(regHigh)
	if err != nil {
		return 0, err
	}
	lo, err := p.conn.ReadReg(regLow)
	if err != nil {
		return 0, err
	}
	return uint16(hi)<<8 | uint16(lo), nil
}

func (p *piSugar3) readFirmwareVersion() (string, error) {
	buf := make([]byte, 0, p3FWVersionLen)
	for i := 0; i < p3FWVersionLen; i++ {
		b, err := p.conn.ReadReg(p3RegFWVersion + uint8(i))
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf), nil
}

// piSugar3Battery implements Battery on the PiSugar 3 MCU.
type piSugar3Battery struct {
	chip    *piSugar3
	model   Model
	ring    *voltageRing
	version string
}

func newPiSugar3Battery(chip *piSugar3, model Model) *piSugar3Battery {
	return &piSugar3Battery{chip: chip, model: model, ring: newVoltageRing()}
}

func (b *piSugar3Battery) Model() Model { return b.model }

func (b *piSugar3Battery) Init(opts InitOptions) error {
	if err := b.SetSoftPoweroffEnable(opts.SoftPoweroff); err != nil {
		return fmt.Errorf("init soft poweroff: %w", err)
	}
	if err := b.SetAutoPowerOn(opts.AutoPowerOn); err != nil {
		return fmt.Errorf("init auto power on: %w", err)
	}
	if err := b.SetAntiMistouch(opts.AntiMistouch); err != nil {
		return fmt.Errorf("init anti-mistouch: %w", err)
	}
	if err := b.SetInputProtect(opts.InputProtect); err != nil {
		return fmt.Errorf("init input protect: %w", err)
	}
	ver, err := b.chip.readFirmwareVersion()
	if err != nil {
		return fmt.Errorf("read firmware version: %w", err)
	}
	b.version = ver
	return nil
}

func (b *piSugar3Battery) ReadSnapshot(now time.Time) (Snapshot, error) {
	raw, err := b.chip.readBE16(p3RegVH, p3RegVL)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read voltage: %w", err)
	}
	b.ring.Push(int(raw))

	pct, err := b.chip.conn.ReadReg(p3RegPercent)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read percent: %w", err)
	}
	if pct > 100 {
		pct = 100
	}

	ctr1, err := b.chip.conn.ReadReg(p3RegCtr1)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read ctr1: %w", err)
	}
	plugged := ctr1&0x80 != 0
	allowCharging := ctr1&0x40 != 0

	current, err := b.chip.readBE16(p3RegOH, p3RegOL)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read output current: %w", err)
	}

	temp, err := b.chip.conn.ReadReg(p3RegTemp)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read temperature: %w", err)
	}

	return Snapshot{
		VoltageMV:       int(raw),
		CurrentMA:       int(current),
		CapacityPercent: float64(pct),
		Charging:        plugged && allowCharging,
		PowerPlugged:    plugged,
		AllowCharging:   allowCharging,
		TemperatureC:    int(temp) - 40,
		LEDCount:        b.model.LEDCount(),
		FirmwareVersion: b.version,
		TakenAt:         now,
	}, nil
}

func (b *piSugar3Battery) SetChargeEnable(enable bool) error {
	return b.chip.updateBits(p3RegCtr1, 1<<6, enable)
}

func (b *piSugar3Battery) SetChargingRange(restartPct, stopPct float64) error {
	return ErrUnsupported
}

func (b *piSugar3Battery) SetAutoPowerOn(enable bool) error {
	return b.chip.updateBits(p3RegCtr1, 1<<4, enable)
}

func (b *piSugar3Battery) SetAntiMistouch(enable bool) error {
	return b.chip.updateBits(p3RegCtr1, 1<<3, enable)
}

func (b *piSugar3Battery) SetSoftPoweroffEnable(enable bool) error {
	return b.chip.updateBits(p3RegCtr2, 1<<4, enable)
}

func (b *piSugar3Battery) SetInputProtect(enable bool) error {
	return b.chip.updateBits(p3RegBatCtr, 1<<7, enable)
}

func (b *piSugar3Battery) SetKeepInput(enable bool) error {
	return b.chip.updateBits(p3RegBatCtr2, 1<<7, enable)
}

func (b *piSugar3Battery) SetOutputEnable(enable bool) error {
	return b.chip.updateBits(p3RegCtr1, 1<<5, enable)
}

// FeedWatchdog ORs the feed bit into the control byte.
func (b *piSugar3Battery) FeedWatchdog() error {
	return b.chip.updateBits(p3RegCtr2, 1<<7, true)
}

func (b *piSugar3Battery) KeepInput() (bool, error) {
	return b.chip.readBit(p3RegBatCtr2, 1<<7)
}

func (b *piSugar3Battery) InputProtected() (bool, error) {
	return b.chip.readBit(p3RegBatCtr, 1<<7)
}

func (b *piSugar3Battery) OutputEnabled() (bool, error) {
	return b.chip.readBit(p3RegCtr1, 1<<5)
}

func (b *piSugar3Battery) ReadButtonPressed() (bool, error) {
	return false, ErrUnsupported
}

// ReadTap reads the hardware tap register and resets it when a tap is
// pending, all in one bus hold.
func (b *piSugar3Battery) ReadTap() (Tap, error) {
	var tap Tap
	err := b.chip.conn.Atomic(func(ops i2cbus.Ops) error {
		v, err := ops.ReadReg(p3RegTap)
		if err != nil {
			return err
		}
		switch v & 0x03 {
		case 1:
			tap = TapSingle
		case 2:
			tap = TapDouble
		case 3:
			tap = TapLong
		default:
			tap = TapNone
			return nil
		}
		return writeBracketed(ops, p3RegTap, v&^0x03)
	})
	if err != nil {
		return TapNone, fmt.Errorf("read tap: %w", err)
	}
	return tap, nil
}

// ReadSoftPoweroffFlag reports whether the board requested a host
// shutdown (enable and flag bits both set), clearing the flag.
func (b *piSugar3Battery) ReadSoftPoweroffFlag() (bool, error) {
	var flag bool
	err := b.chip.conn.Atomic(func(ops i2cbus.Ops) error {
		ctr2, err := ops.ReadReg(p3RegCtr2)
		if err != nil {
			return err
		}
		flag = ctr2&0x18 == 0x18
		if !flag {
			return nil
		}
		return writeBracketed(ops, p3RegCtr2, ctr2&^0x08)
	})
	if err != nil {
		return false, fmt.Errorf("read soft poweroff flag: %w", err)
	}
	return flag, nil
}

// piSugar3RTC implements RTC on the same MCU.
type piSugar3RTC struct {
	chip *piSugar3
}

func newPiSugar3RTC(chip *piSugar3) *piSugar3RTC {
	return &piSugar3RTC{chip: chip}
}

func (r *piSugar3RTC) ReadTime() (time.Time, error) {
	var raw rawTime
	regs := []uint8{p3RegRTCSS, p3RegRTCMN, p3RegRTCHH, p3RegRTCWD, p3RegRTCDD, p3RegRTCMM, p3RegRTCYY}
	for i, reg := range regs {
		v, err := r.chip.conn.ReadReg(reg)
		if err != nil {
			return time.Time{}, fmt.Errorf("read rtc: %w", err)
		}
		raw[i] = bcdToDec(v)
	}
	t := raw.Time(time.Local)
	if t.IsZero() {
		return time.Time{}, fmt.Errorf("read rtc: invalid register contents")
	}
	return t, nil
}

func (r *piSugar3RTC) WriteTime(t time.Time) error {
	raw := rawFromTime(t)
	writes := []struct {
		reg uint8
		val uint8
	}{
		{p3RegRTCSS, raw[0]},
		{p3RegRTCMN, raw[1]},
		{p3RegRTCHH, raw[2]},
		{p3RegRTCWD, raw[3]},
		{p3RegRTCDD, raw[4]},
		{p3RegRTCMM, raw[5]},
		{p3RegRTCYY, raw[6]},
	}
	for _, w := range writes {
		if err := r.chip.writeReg(w.reg, decToBCD(w.val)); err != nil {
			return fmt.Errorf("write rtc: %w", err)
		}
	}
	return nil
}

func (r *piSugar3RTC) ReadAlarm() (Alarm, error) {
	hh, err := r.chip.conn.ReadReg(p3RegAlarmHH)
	if err != nil {
		return Alarm{}, fmt.Errorf("read alarm: %w", err)
	}
	mn, err := r.chip.conn.ReadReg(p3RegAlarmMN)
	if err != nil {
		return Alarm{}, fmt.Errorf("read alarm: %w", err)
	}
	ss, err := r.chip.conn.ReadReg(p3RegAlarmSS)
	if err != nil {
		return Alarm{}, fmt.Errorf("read alarm: %w", err)
	}
	wd, err := r.chip.conn.ReadReg(p3RegAlarmWD)
	if err != nil {
		return Alarm{}, fmt.Errorf("read alarm: %w", err)
	}
	enabled, err := r.AlarmEnabled()
	if err != nil {
		return Alarm{}, err
	}
	return Alarm{
		Hour:        int(bcdToDec(hh)),
		Minute:      int(bcdToDec(mn)),
		Second:      int(bcdToDec(ss)),
		WeekdayMask: wd & 0x7F,
		Enabled:     enabled,
	}, nil
}

func (r *piSugar3RTC) SetAlarm(a Alarm) error {
	if err := r.chip.writeReg(p3RegAlarmHH, decToBCD(uint8(a.Hour))); err != nil {
		return fmt.Errorf("set alarm: %w", err)
	}
	if err := r.chip.writeReg(p3RegAlarmMN, decToBCD(uint8(a.Minute))); err != nil {
		return fmt.Errorf("set alarm: %w", err)
	}
	if err := r.chip.writeReg(p3RegAlarmSS, decToBCD(uint8(a.Second))); err != nil {
		return fmt.Errorf("set alarm: %w", err)
	}
	if err := r.chip.writeReg(p3RegAlarmWD, a.WeekdayMask&0x7F); err != nil {
		return fmt.Errorf("set alarm: %w", err)
	}
	return r.chip.updateBits(p3RegAlarmCtr, 1<<7, true)
}

func (r *piSugar3RTC) DisableAlarm() error {
	return r.chip.updateBits(p3RegAlarmCtr, 1<<7, false)
}

func (r *piSugar3RTC) AlarmEnabled() (bool, error) {
	return r.chip.readBit(p3RegAlarmCtr, 1<<7)
}

// The PiSugar 3 has no alarm flag; the MCU handles wake itself.
func (r *piSugar3RTC) ReadAlarmFlag() (bool, error) { return false, nil }
func (r *piSugar3RTC) ClearAlarmFlag() error        { return nil }

// SetAutoPowerOn is handled by the battery control register on this
// board; the RTC view accepts it as a no-op.
func (r *piSugar3RTC) SetAutoPowerOn(enable bool) error { return nil }

// ReadAddr reads the remappable RTC bus address.
func (r *piSugar3RTC) ReadAddr() (uint8, error) {
	return r.chip.conn.ReadReg(p3RegRTCAddr)
}

// SetAddr remaps the RTC bus address; bit 7 carries even parity.
func (r *piSugar3RTC) SetAddr(addr uint8) error {
	if addr < 0x03 || addr > 0x77 {
		return fmt.Errorf("invalid rtc address 0x%02x", addr)
	}
	if bits.OnesCount8(addr)%2 != 0 {
		addr |= 1 << 7
	}
	return r.chip.writeReg(p3RegRTCAddr, addr)
}

// AdjustPPM splits the requested correction into the per-second (comm)
// and 31st-second (diff) register fields.
func (r *piSugar3RTC) AdjustPPM(ppm float64) error {
	if ppm > 500 {
		ppm = 500
	}
	if ppm < -500 {
		ppm = -500
	}
	adj := math.Abs(ppm) * 32000000.0 / 30.517
	comm := adj / 32.0
	if comm > 15 {
		comm = 15
	}
	diff := adj - math.Trunc(comm)*32.0
	if diff > 31 {
		diff = 31
	}
	commReg := uint8(comm)
	if ppm > 0 {
		commReg |= 1 << 7
	}
	if err := r.chip.writeReg(p3RegAdjComm, commReg&0x8F); err != nil {
		return fmt.Errorf("adjust ppm: %w", err)
	}
	if err := r.chip.writeReg(p3RegAdjDiff, uint8(diff)&0x1F); err != nil {
		return fmt.Errorf("adjust ppm: %w", err)
	}
	return nil
}
