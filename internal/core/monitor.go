package core

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"pisugar-power-go/internal/device"
)

const (
	snapshotInterval = 1 * time.Second
	policyInterval   = 1 * time.Second
	buttonInterval   = 10 * time.Millisecond
	hwTapInterval    = 200 * time.Millisecond
)

// Monitor runs the periodic tasks: snapshot polling, button sampling
// (software classification or the hardware tap register), and the
// policy tick. Device access serializes on the bus queue underneath.
type Monitor struct {
	store      *Store
	dev        *device.Device
	engine     *Engine
	classifier *Classifier
	run        ShellRunner
	logger     *slog.Logger
}

// NewMonitor wires the periodic tasks together.
func NewMonitor(store *Store, dev *device.Device, engine *Engine, run ShellRunner, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:      store,
		dev:        dev,
		engine:     engine,
		classifier: NewClassifier(),
		run:        run,
		logger:     logger.With("component", "monitor"),
	}
}

// Run blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	go m.buttonLoop(ctx)
	go m.policyLoop(ctx)
	m.snapshotLoop(ctx)
}

func (m *Monitor) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			snap, err := m.dev.Poll(now)
			if err != nil {
				// Prior snapshot stays valid for this tick.
				m.logger.Warn("snapshot poll", "err", err)
				continue
			}
			m.store.UpdateSnapshot(snap)
		}
	}
}

func (m *Monitor) policyLoop(ctx context.Context) {
	ticker := time.NewTicker(policyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.engine.Tick(now)
		}
	}
}

func (m *Monitor) buttonLoop(ctx context.Context) {
	if m.dev.Caps().HardwareTap {
		m.hardwareTapLoop(ctx)
		return
	}
	ticker := time.NewTicker(buttonInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pressed, err := m.dev.Battery.ReadButtonPressed()
			if err != nil {
				if errors.Is(err, device.ErrUnsupported) {
					return
				}
				continue
			}
			if tap := m.classifier.Feed(pressed, now); tap != device.TapNone {
				m.HandleTap(tap)
			}
		}
	}
}

func (m *Monitor) hardwareTapLoop(ctx context.Context) {
	ticker := time.NewTicker(hwTapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tap, err := m.dev.Battery.ReadTap()
			if err != nil {
				continue
			}
			if tap != device.TapNone {
				m.HandleTap(tap)
			}
		}
	}
}

// HandleTap applies the per-kind enable, publishes the event, and
// spawns the configured hook. With soft_poweroff on and no long-tap
// hook, a long tap falls back to the default shutdown command.
func (m *Monitor) HandleTap(tap device.Tap) {
	cfg := m.store.Config()
	kind := tap.String()
	if !cfg.TapEnabled(kind) {
		return
	}
	m.logger.Info("tap", "kind", kind)
	m.store.PublishTap(tap)

	shell := cfg.TapShell(kind)
	if shell == "" && tap == device.TapLong && cfg.SoftPoweroff {
		shell = DefaultShutdownShell
	}
	if shell != "" {
		m.run(shell)
	}
}
