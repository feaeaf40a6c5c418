package device

import (
	"fmt"
	"log/slog"

	"pisugar-power-go/internal/i2cbus"
)

// IP5209 register map (PiSugar 2, pi-zero size boards).
const (
	ip5209RegVL   = 0xA2
	ip5209RegVH   = 0xA3
	ip5209RegIL   = 0xA4
	ip5209RegIH   = 0xA5
	ip5209RegGPIO = 0x55
)

// ip5209 decodes the IP5209 analog front end. Voltage and current are
// 13-bit signed values around a 2600 mV midpoint.
type ip5209 struct {
	conn i2cbus.Conn
}

func newIP5209Battery(conn i2cbus.Conn, model Model, logger *slog.Logger) *pisugar2Battery {
	return &pisugar2Battery{
		conn:   conn,
		chip:   &ip5209{conn: conn},
		model:  model,
		curve:  model.Curve(),
		ring:   newVoltageRing(),
		logger: logger,
	}
}

func (c *ip5209) readVoltageMV() (int, error) {
	low, err := c.conn.ReadReg(ip5209RegVL)
	if err != nil {
		return 0, err
	}
	high, err := c.conn.ReadReg(ip5209RegVH)
	if err != nil {
		return 0, err
	}
	if high&0x20 != 0 {
		raw := int16(uint16(high|0xC0)<<8 | uint16(low))
		return int(2600.0 - float64(raw)*0.26855), nil
	}
	raw := uint16(high&0x1F)<<8 | uint16(low)
	return int(2600.0 + float64(raw)*0.26855), nil
}

func (c *ip5209) readCurrentMA() (int, error) {
	low, err := c.conn.ReadReg(ip5209RegIL)
	if err != nil {
		return 0, err
	}
	high, err := c.conn.ReadReg(ip5209RegIH)
	if err != nil {
		return 0, err
	}
	if high&0x20 != 0 {
		raw := int16(uint16(high|0xC0)<<8 | uint16(low))
		return int(float64(raw) * 0.745985), nil
	}
	raw := uint16(high&0x1F)<<8 | uint16(low)
	return int(float64(raw) * 0.745985), nil
}

func (c *ip5209) gpioReg() uint8 { return ip5209RegGPIO }

// initChip programs light-load shutdown (108 mA for 8 s) and routes
// the button GPIO to an input.
func (c *ip5209) initChip() error {
	// Light-load threshold, 9*12 mA.
	if err := c.rmw(0x0C, 0x07, 9<<3); err != nil {
		return fmt.Errorf("light load threshold: %w", err)
	}
	// Shutdown time, 8 s.
	if err := c.rmw(0x04, 0x3F, 0); err != nil {
		return fmt.Errorf("light load time: %w", err)
	}
	// Enable light-load shutdown and boost.
	if err := c.rmw(0x02, 0xFF, 0x03); err != nil {
		return fmt.Errorf("light load enable: %w", err)
	}
	// VSET pin function.
	if err := c.rmw(0x26, 0xBF, 0); err != nil {
		return fmt.Errorf("vset: %w", err)
	}
	// VSET -> GPIO.
	if err := c.rmw(0x52, 0xF7, 0x04); err != nil {
		return fmt.Errorf("vset gpio: %w", err)
	}
	// GPIO input enable.
	if err := c.rmw(0x53, 0xFF, 0x10); err != nil {
		return fmt.Errorf("gpio input: %w", err)
	}
	return nil
}

// rmw keeps the masked bits of reg and ORs in set.
func (c *ip5209) rmw(reg, keepMask, set uint8) error {
	return c.conn.Atomic(func(ops i2cbus.Ops) error {
		v, err := ops.ReadReg(reg)
		if err != nil {
			return err
		}
		return ops.WriteReg(reg, v&keepMask|set)
	})
}
