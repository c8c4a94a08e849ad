// Package controller holds the water heater decision logic. It is pure: it
// consumes a snapshot of tracked entity states plus the current settings and
// produces at most one switch command per evaluation. The battery latch is
// the only state kept between evaluations.
package controller

import (
	"fmt"
	"time"
)

type Mode string

const (
	ModeNormal    Mode = "normal"
	ModeEco       Mode = "eco"
	ModeOptimised Mode = "optimised"
	ModeOff       Mode = "off"
)

// ParseMode maps a mode select entity state to a Mode. Unknown states fall
// back to normal so a misconfigured select never leaves the tank cold.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNormal, ModeEco, ModeOptimised, ModeOff:
		return Mode(s), nil
	}
	return ModeNormal, fmt.Errorf("unknown mode %q", s)
}

type Status string

const (
	StatusNormal   Status = "Normal"
	StatusOvertemp Status = "Overtemp"
	StatusError    Status = "Error"
	StatusOff      Status = "Off"
)

// Command is the desired switch state. CommandNone means the temperature sits
// inside the hysteresis dead band and the switch must be left as it is.
type Command int

const (
	CommandNone Command = iota
	CommandOff
	CommandOn
)

func (c Command) String() string {
	switch c {
	case CommandOn:
		return "ON"
	case CommandOff:
		return "OFF"
	}
	return "NONE"
}

// Latch is the battery gate state. Once paused it stays paused until the
// state of charge climbs above the resume threshold, so the heater does not
// flap around a single value.
type Latch string

const (
	LatchCleared Latch = "cleared"
	LatchPaused  Latch = "paused"
)

// Reading is a tracked numeric value. Available is false when the entity is
// missing, reports unavailable/unknown, or its state does not parse.
type Reading struct {
	Value     float64
	Available bool
}

// Snapshot is the read-only view of tracked states for one evaluation.
type Snapshot struct {
	Temperature     Reading
	HeaterOn        bool
	HeaterAvailable bool
	BatterySoC      Reading
	SunElevation    Reading
	Now             time.Time
}

type Thresholds struct {
	Normal     float64
	Eco        float64
	Max        float64
	Hysteresis float64
}

type BatteryGate struct {
	Enabled         bool
	StopThreshold   float64
	ResumeThreshold float64
}

// Schedule drives optimised mode: either solar elevation against SunAngle or
// two clock ranges selecting the normal and eco set points. With HasRanges
// unset the time-based variant always yields the eco set point.
type Schedule struct {
	Solar     bool
	SunAngle  float64
	HasRanges bool
	Normal    TimeRange
	Eco       TimeRange
}

// Settings carries everything an evaluation needs besides tracked states.
type Settings struct {
	Mode       Mode
	Thresholds Thresholds
	Battery    BatteryGate
	Schedule   Schedule
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Command   Command
	Status    Status
	Target    float64
	HasTarget bool
	Reason    string
}

type Controller struct {
	latch Latch
}

func New() *Controller {
	return &Controller{latch: LatchCleared}
}

// Latch reports the current battery gate state.
func (c *Controller) Latch() Latch {
	return c.latch
}

// Evaluate runs the control logic once. Override order is fixed: entity
// availability, overtemperature, mode target, battery gate, hysteresis.
func (c *Controller) Evaluate(in Snapshot, cfg Settings) Decision {
	if !in.Temperature.Available {
		return Decision{Command: CommandOff, Status: StatusError, Reason: "temperature sensor unavailable"}
	}
	if !in.HeaterAvailable {
		return Decision{Command: CommandOff, Status: StatusError, Reason: "heater switch unavailable"}
	}
	if cfg.Battery.Enabled && !in.BatterySoC.Available {
		return Decision{Command: CommandOff, Status: StatusError, Reason: "battery state of charge unavailable"}
	}

	if in.Temperature.Value > cfg.Thresholds.Max {
		return Decision{
			Command: CommandOff,
			Status:  StatusOvertemp,
			Reason:  fmt.Sprintf("temperature %.1f above maximum %.1f", in.Temperature.Value, cfg.Thresholds.Max),
		}
	}

	target, hasTarget, reason := nominalTarget(in, cfg)

	if cfg.Battery.Enabled {
		switch {
		case in.BatterySoC.Value < cfg.Battery.StopThreshold:
			c.latch = LatchPaused
		case in.BatterySoC.Value > cfg.Battery.ResumeThreshold:
			c.latch = LatchCleared
		}
		if c.latch == LatchPaused {
			hasTarget = false
			reason = fmt.Sprintf("battery at %.1f%%, paused until above %.1f%%", in.BatterySoC.Value, cfg.Battery.ResumeThreshold)
		}
	}

	if !hasTarget {
		return Decision{Command: CommandOff, Status: StatusOff, Reason: reason}
	}

	d := Decision{Status: StatusNormal, Target: target, HasTarget: true}
	t := in.Temperature.Value
	h := cfg.Thresholds.Hysteresis
	switch {
	case in.HeaterOn && t >= target+h:
		d.Command = CommandOff
		d.Reason = fmt.Sprintf("temperature %.1f reached %.1f", t, target+h)
	case !in.HeaterOn && t <= target-h:
		d.Command = CommandOn
		d.Reason = fmt.Sprintf("temperature %.1f dropped to %.1f", t, target-h)
	default:
		d.Command = CommandNone
	}
	return d
}

// nominalTarget resolves the mode to a target temperature before the battery
// gate is applied. The second return is false when the heater should be off.
func nominalTarget(in Snapshot, cfg Settings) (float64, bool, string) {
	switch cfg.Mode {
	case ModeOff:
		return 0, false, "mode is off"
	case ModeEco:
		return cfg.Thresholds.Eco, true, ""
	case ModeOptimised:
		if cfg.Schedule.Solar {
			// A missing sun entity degrades to eco rather than failing safe:
			// the sun going away must never stop hot water entirely.
			if !in.SunElevation.Available {
				return cfg.Thresholds.Eco, true, ""
			}
			if in.SunElevation.Value >= cfg.Schedule.SunAngle {
				return cfg.Thresholds.Normal, true, ""
			}
			return cfg.Thresholds.Eco, true, ""
		}
		if !cfg.Schedule.HasRanges {
			return cfg.Thresholds.Eco, true, ""
		}
		now := ClockTimeOf(in.Now)
		if cfg.Schedule.Normal.Contains(now) {
			return cfg.Thresholds.Normal, true, ""
		}
		if cfg.Schedule.Eco.Contains(now) {
			return cfg.Thresholds.Eco, true, ""
		}
		return 0, false, "outside scheduled ranges"
	}
	return cfg.Thresholds.Normal, true, ""
}
