package core

import (
	"log/slog"
	"os/exec"
	"time"

	"pisugar-power-go/internal/device"
)

// Tap classification thresholds.
const (
	tapLongMin      = 1000 * time.Millisecond
	tapShortMax     = 500 * time.Millisecond
	tapDoubleGapMax = 300 * time.Millisecond
)

type tapState int

const (
	tapIdle tapState = iota
	tapHolding
	tapLongFired
	tapMaybeDouble
	tapSecondHold
)

// Classifier turns raw button-level samples into single/double/long
// taps. Feed it every sample; it emits on the transition that commits
// the classification. A press held past the long threshold suppresses
// the single/double paths for that physical press.
type Classifier struct {
	state        tapState
	pressStart   time.Time
	firstRelease time.Time
}

// NewClassifier starts in the idle state.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Feed advances the state machine with one sample. It returns the
// committed tap, or device.TapNone.
func (c *Classifier) Feed(pressed bool, now time.Time) device.Tap {
	switch c.state {
	case tapIdle:
		if pressed {
			c.state = tapHolding
			c.pressStart = now
		}

	case tapHolding:
		if pressed {
			if now.Sub(c.pressStart) >= tapLongMin {
				c.state = tapLongFired
				return device.TapLong
			}
			return device.TapNone
		}
		if now.Sub(c.pressStart) < tapShortMax {
			c.state = tapMaybeDouble
			c.firstRelease = now
			return device.TapNone
		}
		// Held between the short and long thresholds: no classification.
		c.state = tapIdle

	case tapLongFired:
		if !pressed {
			c.state = tapIdle
		}

	case tapMaybeDouble:
		if now.Sub(c.firstRelease) > tapDoubleGapMax {
			c.state = tapIdle
			if pressed {
				// The late press starts a fresh cycle.
				c.state = tapHolding
				c.pressStart = now
			}
			return device.TapSingle
		}
		if pressed {
			c.state = tapSecondHold
			c.pressStart = now
		}

	case tapSecondHold:
		if pressed {
			if now.Sub(c.pressStart) >= tapLongMin {
				c.state = tapLongFired
				return device.TapLong
			}
			return device.TapNone
		}
		c.state = tapIdle
		if now.Sub(c.pressStart) < tapShortMax {
			return device.TapDouble
		}
	}
	return device.TapNone
}

// ShellRunner spawns a detached shell hook. Replaced in tests.
type ShellRunner func(shell string)

// SpawnShell runs shell through `sh -c`, detached: output discarded,
// no wait beyond reaping. Overlapping hooks are permitted.
func SpawnShell(logger *slog.Logger) ShellRunner {
	return func(shell string) {
		cmd := exec.Command("sh", "-c", shell)
		if err := cmd.Start(); err != nil {
			logger.Error("spawn shell", "shell", shell, "err", err)
			return
		}
		go cmd.Wait()
	}
}
