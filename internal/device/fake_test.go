package device

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"pisugar-power-go/internal/i2cbus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeConn is an in-memory register file recording a transaction trace.
type fakeConn struct {
	mu       sync.Mutex
	regs     map[uint8]uint8
	trace    []string
	failNext int
	addr     uint16
}

func newFakeConn(regs map[uint8]uint8) *fakeConn {
	if regs == nil {
		regs = make(map[uint8]uint8)
	}
	return &fakeConn{regs: regs, addr: 0x57}
}

func (f *fakeConn) Addr() uint16 { return f.addr }

func (f *fakeConn) ReadReg(reg uint8) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked(reg)
}

func (f *fakeConn) readLocked(reg uint8) (uint8, error) {
	if f.failNext > 0 {
		f.failNext--
		return 0, fmt.Errorf("fake bus error")
	}
	f.trace = append(f.trace, fmt.Sprintf("R 0x%02x", reg))
	return f.regs[reg], nil
}

func (f *fakeConn) ReadRegs(reg uint8, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range buf {
		v, err := f.readLocked(reg + uint8(i))
		if err != nil {
			return err
		}
		buf[i] = v
	}
	return nil
}

func (f *fakeConn) WriteReg(reg uint8, val uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeLocked(reg, val)
}

func (f *fakeConn) writeLocked(reg uint8, val uint8) error {
	if f.failNext > 0 {
		f.failNext--
		return fmt.Errorf("fake bus error")
	}
	f.trace = append(f.trace, fmt.Sprintf("W 0x%02x 0x%02x", reg, val))
	f.regs[reg] = val
	return nil
}

func (f *fakeConn) Atomic(fn func(i2cbus.Ops) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(fakeLockedOps{f})
}

type fakeLockedOps struct{ f *fakeConn }

func (o fakeLockedOps) ReadReg(reg uint8) (uint8, error) { return o.f.readLocked(reg) }

func (o fakeLockedOps) ReadRegs(reg uint8, buf []byte) error {
	for i := range buf {
		v, err := o.f.readLocked(reg + uint8(i))
		if err != nil {
			return err
		}
		buf[i] = v
	}
	return nil
}

func (o fakeLockedOps) WriteReg(reg uint8, val uint8) error { return o.f.writeLocked(reg, val) }

// Trace returns a copy of the transaction log.
func (f *fakeConn) Trace() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.trace...)
}

// ClearTrace resets the transaction log.
func (f *fakeConn) ClearTrace() {
	f.mu.Lock()
	f.trace = nil
	f.mu.Unlock()
}
