package snapshot

import (
	"fmt"
	"time"
)

type Mode string

const (
	// ModeBatch snapshots after every applied batch, at most once per MinInterval
	ModeBatch Mode = "batch"
	// ModeInterval snapshots on a timer
	ModeInterval Mode = "interval"
)

const DefaultInterval = time.Hour

type Policy struct {
	Mode        Mode          `mapstructure:"mode" yaml:"mode" json:"mode"`
	Interval    time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	MinInterval time.Duration `mapstructure:"min_interval" yaml:"min_interval" json:"min_interval"`
}

func DefaultPolicy() Policy {
	return Policy{Mode: ModeInterval, Interval: DefaultInterval}
}

func (p Policy) Validate() error {
	switch p.Mode {
	case ModeBatch:
		if p.MinInterval < 0 {
			return fmt.Errorf("snapshot min interval must not be negative")
		}
	case ModeInterval:
		if p.Interval <= 0 {
			return fmt.Errorf("snapshot interval must be positive")
		}
	default:
		return fmt.Errorf("unknown snapshot mode %q", p.Mode)
	}
	return nil
}

// AfterBatch reports whether a batch that just ended should be followed by a snapshot.
func (p Policy) AfterBatch(last, now time.Time) bool {
	if p.Mode != ModeBatch {
		return false
	}
	return last.IsZero() || now.Sub(last) >= p.MinInterval
}

// CatchUpAt is when a batch snapshot declined by AfterBatch becomes due, so
// an idle mirror still gets its latest tree recorded. It is zero outside
// batch mode.
func (p Policy) CatchUpAt(last time.Time) time.Time {
	if p.Mode != ModeBatch {
		return time.Time{}
	}
	return last.Add(p.MinInterval)
}

// OnTick reports whether the interval timer should take a snapshot.
func (p Policy) OnTick(last, now time.Time) bool {
	if p.Mode != ModeInterval {
		return false
	}
	return last.IsZero() || now.Sub(last) >= p.Interval
}

// TickEvery is how often the engine checks OnTick. Zero disables the timer.
func (p Policy) TickEvery() time.Duration {
	if p.Mode != ModeInterval {
		return 0
	}
	tick := p.Interval / 10
	if tick < time.Second {
		tick = time.Second
	}
	if tick > time.Minute {
		tick = time.Minute
	}
	return tick
}
