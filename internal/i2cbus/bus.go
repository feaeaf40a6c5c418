// Package i2cbus fronts the physical I2C bus with a single transaction
// queue. Every register read/write from every task funnels through one
// mutex, so no two bus transactions interleave; Atomic extends that
// guarantee over a multi-register sequence (the PiSugar 3 write-protect
// bracket).
package i2cbus

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	maxAttempts  = 3
	retryBackoff = 50 * time.Millisecond
)

// Ops is the register-level view of one device, valid while the bus
// lock is held.
type Ops interface {
	ReadReg(reg uint8) (uint8, error)
	ReadRegs(reg uint8, buf []byte) error
	WriteReg(reg uint8, val uint8) error
}

// Conn is a serialized connection to one device on the bus.
type Conn interface {
	Ops
	// Atomic runs fn with the bus held for the whole sequence.
	Atomic(fn func(Ops) error) error
	Addr() uint16
}

// Bus owns one physical I2C bus.
type Bus struct {
	mu     sync.Mutex
	bus    i2c.BusCloser
	name   string
	logger *slog.Logger
}

// Open initializes the host drivers and opens /dev/i2c-<n>.
func Open(n int, logger *slog.Logger) (*Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init periph host: %w", err)
	}
	name := strconv.Itoa(n)
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %s: %w", name, err)
	}
	return &Bus{bus: bus, name: name, logger: logger.With("component", "i2c", "bus", name)}, nil
}

// Close releases the bus handle.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bus.Close()
}

// Device returns a serialized connection to the device at addr.
// Connections from the same Bus share the transaction queue.
func (b *Bus) Device(addr uint16) Conn {
	return &dev{bus: b, dev: &i2c.Dev{Addr: addr, Bus: b.bus}, addr: addr}
}

type dev struct {
	bus  *Bus
	dev  *i2c.Dev
	addr uint16
}

func (d *dev) Addr() uint16 { return d.addr }

func (d *dev) ReadReg(reg uint8) (uint8, error) {
	var buf [1]byte
	if err := d.ReadRegs(reg, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (d *dev) ReadRegs(reg uint8, buf []byte) error {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return d.retry(func() error {
		return d.dev.Tx([]byte{reg}, buf)
	})
}

func (d *dev) WriteReg(reg uint8, val uint8) error {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return d.writeRegLocked(reg, val)
}

func (d *dev) writeRegLocked(reg uint8, val uint8) error {
	return d.retry(func() error {
		return d.dev.Tx([]byte{reg, val}, nil)
	})
}

func (d *dev) Atomic(fn func(Ops) error) error {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return fn(lockedOps{d})
}

// lockedOps performs transactions without re-acquiring the bus lock.
type lockedOps struct{ d *dev }

func (o lockedOps) ReadReg(reg uint8) (uint8, error) {
	var buf [1]byte
	if err := o.ReadRegs(reg, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (o lockedOps) ReadRegs(reg uint8, buf []byte) error {
	return o.d.retry(func() error {
		return o.d.dev.Tx([]byte{reg}, buf)
	})
}

func (o lockedOps) WriteReg(reg uint8, val uint8) error {
	return o.d.writeRegLocked(reg, val)
}

// retry runs op up to maxAttempts times with a fixed backoff. Transient
// bus faults (EIO, ENXIO, arbitration lost, timeouts) surface as plain
// errors from the kernel driver, so every failure is retried.
func (d *dev) retry(op func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt < maxAttempts {
			time.Sleep(retryBackoff)
		}
	}
	d.bus.logger.Debug("i2c transaction failed", "addr", fmt.Sprintf("0x%02x", d.addr), "err", err)
	return fmt.Errorf("i2c addr 0x%02x: %w", d.addr, err)
}
