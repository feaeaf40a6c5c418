package device

import (
	"fmt"
	"log/slog"

	"pisugar-power-go/internal/i2cbus"
)

// IP5312 register map (PiSugar 2 Pro).
const (
	ip5312RegVL   = 0xD0
	ip5312RegVH   = 0xD1
	ip5312RegIL   = 0xD2
	ip5312RegIH   = 0xD3
	ip5312RegGPIO = 0x58
)

// ip5312 decodes the IP5312 analog front end. Voltage is a 14-bit
// unsigned value above a 2600 mV floor; both-zero bytes mean the gauge
// is not ready.
type ip5312 struct {
	conn i2cbus.Conn
}

func newIP5312Battery(conn i2cbus.Conn, model Model, logger *slog.Logger) *pisugar2Battery {
	return &pisugar2Battery{
		conn:   conn,
		chip:   &ip5312{conn: conn},
		model:  model,
		curve:  model.Curve(),
		ring:   newVoltageRing(),
		logger: logger,
	}
}

func (c *ip5312) readVoltageMV() (int, error) {
	low, err := c.conn.ReadReg(ip5312RegVL)
	if err != nil {
		return 0, err
	}
	high, err := c.conn.ReadReg(ip5312RegVH)
	if err != nil {
		return 0, err
	}
	if low == 0 && high == 0 {
		return 0, fmt.Errorf("voltage registers empty: %w", ErrProbe)
	}
	raw := uint16(high&0x3F)<<8 | uint16(low)
	return int(float64(raw)*0.26855 + 2600.0), nil
}

func (c *ip5312) readCurrentMA() (int, error) {
	low, err := c.conn.ReadReg(ip5312RegIL)
	if err != nil {
		return 0, err
	}
	high, err := c.conn.ReadReg(ip5312RegIH)
	if err != nil {
		return 0, err
	}
	if high&0x20 != 0 {
		raw := int16(uint16(high|0xC0)<<8 | uint16(low))
		return int(float64(raw) * 2.68554), nil
	}
	raw := uint16(high&0x1F)<<8 | uint16(low)
	return int(float64(raw) * 2.68554), nil
}

func (c *ip5312) gpioReg() uint8 { return ip5312RegGPIO }

// initChip programs light-load shutdown (126 mA for 8 s), the battery
// low thresholds, and the button GPIO.
func (c *ip5312) initChip() error {
	// Light-load threshold, x*4.3 mA.
	lightLoadThresholdMA := 126.0 / 4.3
	threshold := uint8(lightLoadThresholdMA)
	if threshold > 0x3F {
		threshold = 0x3F
	}
	if err := c.rmw(0xC9, 0xC0, threshold); err != nil {
		return fmt.Errorf("light load threshold: %w", err)
	}
	// Shutdown time, 8 s.
	if err := c.rmw(0x06, 0x3F, 0); err != nil {
		return fmt.Errorf("light load time: %w", err)
	}
	// Enable light-load shutdown.
	if err := c.rmw(0x03, 0xFF, 0x20); err != nil {
		return fmt.Errorf("light load enable: %w", err)
	}
	// Battery low window, 2.76-2.84 V.
	if err := c.rmw(0x13, 0xCF, 0x10); err != nil {
		return fmt.Errorf("battery low: %w", err)
	}
	// mfp_ctl0, l4_sel.
	if err := c.rmw(0x52, 0xFF, 0x02); err != nil {
		return fmt.Errorf("mfp ctl: %w", err)
	}
	// GPIO1 input.
	if err := c.rmw(0x54, 0xFF, 0x02); err != nil {
		return fmt.Errorf("gpio input: %w", err)
	}
	return nil
}

func (c *ip5312) rmw(reg, keepMask, set uint8) error {
	return c.conn.Atomic(func(ops i2cbus.Ops) error {
		v, err := ops.ReadReg(reg)
		if err != nil {
			return err
		}
		return ops.WriteReg(reg, v&keepMask|set)
	})
}
