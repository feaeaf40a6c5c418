package device

import (
	"fmt"
	"log/slog"
	"time"

	"pisugar-power-go/internal/i2cbus"
)

// SD3078 RTC (model-2 boards), fixed address 0x32. Time and alarm are
// 7-byte BCD blocks; control writes need the chip's own write-enable
// dance across CTR1/CTR2.
const (
	sd3078Addr uint16 = 0x32

	sd3078RegTime     = 0x00
	sd3078RegAlarm    = 0x07
	sd3078RegAlarmEn  = 0x0E
	sd3078RegCtr1     = 0x0F
	sd3078RegCtr2     = 0x10
	sd3078RegCtr3     = 0x11
	sd3078RegCharge   = 0x18
	sd3078RegBatFlags = 0x1A
)

type sd3078 struct {
	conn   i2cbus.Conn
	logger *slog.Logger
}

func newSD3078(conn i2cbus.Conn, logger *slog.Logger) *sd3078 {
	return &sd3078{conn: conn, logger: logger}
}

// enableWrite lifts the chip's write protection: CTR2 WRTC1 first,
// then CTR1 WRTC2+WRTC3.
func (r *sd3078) enableWrite(ops i2cbus.Ops) error {
	ctr2, err := ops.ReadReg(sd3078RegCtr2)
	if err != nil {
		return err
	}
	if err := ops.WriteReg(sd3078RegCtr2, ctr2|0x80); err != nil {
		return err
	}
	ctr1, err := ops.ReadReg(sd3078RegCtr1)
	if err != nil {
		return err
	}
	return ops.WriteReg(sd3078RegCtr1, ctr1|0x84)
}

// disableWrite restores write protection in the reverse order.
func (r *sd3078) disableWrite(ops i2cbus.Ops) error {
	ctr1, err := ops.ReadReg(sd3078RegCtr1)
	if err != nil {
		return err
	}
	if err := ops.WriteReg(sd3078RegCtr1, ctr1&0x7B); err != nil {
		return err
	}
	ctr2, err := ops.ReadReg(sd3078RegCtr2)
	if err != nil {
		return err
	}
	return ops.WriteReg(sd3078RegCtr2, ctr2&0x7F)
}

// protected runs fn between enableWrite and disableWrite in one bus hold.
func (r *sd3078) protected(fn func(ops i2cbus.Ops) error) error {
	return r.conn.Atomic(func(ops i2cbus.Ops) error {
		if err := r.enableWrite(ops); err != nil {
			return fmt.Errorf("sd3078 write enable: %w", err)
		}
		ferr := fn(ops)
		if derr := r.disableWrite(ops); ferr == nil && derr != nil {
			return fmt.Errorf("sd3078 write disable: %w", derr)
		}
		return ferr
	})
}

func (r *sd3078) ReadTime() (time.Time, error) {
	var bcd [7]byte
	if err := r.conn.ReadRegs(sd3078RegTime, bcd[:]); err != nil {
		return time.Time{}, fmt.Errorf("sd3078 read time: %w", err)
	}
	// Normalize 12hr pm to 24hr.
	if bcd[2]&0x80 != 0 {
		bcd[2] &= 0x7F
	} else if bcd[2]&0x20 != 0 {
		bcd[2] = decToBCD(bcdToDec(bcd[2]&0x1F) + 12)
	}
	var raw rawTime
	for i := range raw {
		raw[i] = bcdToDec(bcd[i])
	}
	t := raw.Time(time.Local)
	if t.IsZero() {
		return time.Time{}, fmt.Errorf("sd3078 read time: invalid register contents")
	}
	return t, nil
}

func (r *sd3078) WriteTime(t time.Time) error {
	raw := rawFromTime(t)
	var bcd [7]byte
	for i := range raw {
		bcd[i] = decToBCD(raw[i])
	}
	bcd[2] |= 0x80 // 24hr flag
	return r.protected(func(ops i2cbus.Ops) error {
		for i, v := range bcd {
			if err := ops.WriteReg(sd3078RegTime+uint8(i), v); err != nil {
				return fmt.Errorf("sd3078 write time: %w", err)
			}
		}
		return nil
	})
}

func (r *sd3078) ReadAlarm() (Alarm, error) {
	var bcd [7]byte
	if err := r.conn.ReadRegs(sd3078RegAlarm, bcd[:]); err != nil {
		return Alarm{}, fmt.Errorf("sd3078 read alarm: %w", err)
	}
	enabled, err := r.AlarmEnabled()
	if err != nil {
		return Alarm{}, err
	}
	return Alarm{
		Hour:        int(bcdToDec(bcd[2] & 0x3F)),
		Minute:      int(bcdToDec(bcd[1])),
		Second:      int(bcdToDec(bcd[0])),
		WeekdayMask: bcd[3] & 0x7F,
		Enabled:     enabled,
	}, nil
}

func (r *sd3078) SetAlarm(a Alarm) error {
	bcd := [7]byte{
		decToBCD(uint8(a.Second)),
		decToBCD(uint8(a.Minute)),
		decToBCD(uint8(a.Hour)),
		a.WeekdayMask & 0x7F,
		1, 1, 0,
	}
	return r.protected(func(ops i2cbus.Ops) error {
		for i, v := range bcd {
			if err := ops.WriteReg(sd3078RegAlarm+uint8(i), v); err != nil {
				return fmt.Errorf("sd3078 write alarm: %w", err)
			}
		}
		// CTR2: INTS0=1, INTAE=1, INTDE=0, INTFE=0.
		ctr2, err := ops.ReadReg(sd3078RegCtr2)
		if err != nil {
			return err
		}
		ctr2 |= 0x52
		ctr2 &= 0xDA
		if err := ops.WriteReg(sd3078RegCtr2, ctr2); err != nil {
			return err
		}
		// Match weekday, hour, minute, second.
		return ops.WriteReg(sd3078RegAlarmEn, 0x0F)
	})
}

func (r *sd3078) DisableAlarm() error {
	return r.protected(func(ops i2cbus.Ops) error {
		ctr2, err := ops.ReadReg(sd3078RegCtr2)
		if err != nil {
			return err
		}
		ctr2 |= 0x52
		ctr2 &= 0xDF
		if err := ops.WriteReg(sd3078RegCtr2, ctr2); err != nil {
			return err
		}
		return ops.WriteReg(sd3078RegAlarmEn, 0x00)
	})
}

func (r *sd3078) AlarmEnabled() (bool, error) {
	en, err := r.conn.ReadReg(sd3078RegAlarmEn)
	if err != nil {
		return false, fmt.Errorf("sd3078 alarm enabled: %w", err)
	}
	if en&0x07 == 0 {
		return false, nil
	}
	ctr2, err := r.conn.ReadReg(sd3078RegCtr2)
	if err != nil {
		return false, fmt.Errorf("sd3078 alarm enabled: %w", err)
	}
	return ctr2&0x02 != 0, nil
}

func (r *sd3078) ReadAlarmFlag() (bool, error) {
	ctr1, err := r.conn.ReadReg(sd3078RegCtr1)
	if err != nil {
		return false, fmt.Errorf("sd3078 alarm flag: %w", err)
	}
	return ctr1&0x20 != 0 || ctr1&0x10 != 0, nil
}

func (r *sd3078) ClearAlarmFlag() error {
	flag, err := r.ReadAlarmFlag()
	if err != nil || !flag {
		return err
	}
	return r.protected(func(ops i2cbus.Ops) error {
		ctr1, err := ops.ReadReg(sd3078RegCtr1)
		if err != nil {
			return err
		}
		return ops.WriteReg(sd3078RegCtr1, ctr1&0xCF)
	})
}

// SetAutoPowerOn arms the 1/2 Hz frequency alarm that wakes the board
// when external power returns.
func (r *sd3078) SetAutoPowerOn(enable bool) error {
	if enable {
		return r.protected(func(ops i2cbus.Ops) error {
			ctr3, err := ops.ReadReg(sd3078RegCtr3)
			if err != nil {
				return err
			}
			ctr3 |= 0x0B
			ctr3 &= 0xFB
			if err := ops.WriteReg(sd3078RegCtr3, ctr3); err != nil {
				return err
			}
			ctr2, err := ops.ReadReg(sd3078RegCtr2)
			if err != nil {
				return err
			}
			ctr2 |= 0x21
			ctr2 &= 0xE9
			return ops.WriteReg(sd3078RegCtr2, ctr2)
		})
	}
	return r.protected(func(ops i2cbus.Ops) error {
		ctr2, err := ops.ReadReg(sd3078RegCtr2)
		if err != nil {
			return err
		}
		ctr2 |= 0x10
		ctr2 &= 0xDE
		return ops.WriteReg(sd3078RegCtr2, ctr2)
	})
}

// AdjustPPM is not available on the SD3078.
func (r *sd3078) AdjustPPM(ppm float64) error { return ErrUnsupported }

// ReadAddr returns the chip's fixed bus address.
func (r *sd3078) ReadAddr() (uint8, error) { return uint8(sd3078Addr), nil }

// SetAddr is not available on the SD3078.
func (r *sd3078) SetAddr(addr uint8) error { return ErrUnsupported }
