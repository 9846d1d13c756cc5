package control

import (
	"context"
	"sync/atomic"
	"time"

	iface "SmartBin/interface"
	"SmartBin/logger"
	"SmartBin/monitor"
	"SmartBin/perception"

	"go.uber.org/zap"
)

// Loop reads perception.State on a fixed period and drives the actuators and
// displays. A tick only touches the atomic cells, it never waits on inference.
type Loop struct {
	state     *perception.State
	priors    iface.AnchorPriors
	period    time.Duration
	actuators []iface.Actuator
	displays  []iface.Display

	pattern iface.Pattern
	last    atomic.Pointer[Feedback]
}

func New(state *perception.State, priors iface.AnchorPriors, period time.Duration, actuators []iface.Actuator, displays []iface.Display) *Loop {
	return &Loop{
		state:     state,
		priors:    priors,
		period:    period,
		actuators: actuators,
		displays:  displays,
		pattern:   iface.Pattern{State: iface.FeedbackOff},
	}
}

// Tick runs one control step. Actuators are only updated when the pattern
// changes; displays are rendered every tick.
func (l *Loop) Tick() Feedback {
	monitor.ControlTicks.Inc()
	frame := l.state.Frame()
	snap, _ := l.state.Detections()

	fb := Derive(snap.Detections, l.priors)
	fb.Cycle = snap.Cycle
	fb.FrameSeq = snap.FrameSeq
	l.last.Store(&fb)

	if p := (iface.Pattern{State: fb.State}); p != l.pattern {
		l.pattern = p
		Show(l.actuators, p)
	}
	overlay := iface.Overlay{
		Frame:      frame,
		Detections: snap.Detections,
		Labels:     l.priors.Labels,
		Primary:    fb.Primary,
		Position:   fb.Position,
		Message:    fb.Message,
		State:      fb.State,
	}
	for _, d := range l.displays {
		if err := d.Render(overlay); err != nil {
			monitor.ActuatorErrors.Inc()
			logger.Log().Warn("display render failed", zap.Error(err))
		}
	}
	return fb
}

// Last returns the feedback of the most recent tick.
func (l *Loop) Last() (Feedback, bool) {
	fb := l.last.Load()
	if fb == nil {
		return Feedback{}, false
	}
	return *fb, true
}

// Run ticks until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()
	logger.Log().Info("control loop started", zap.Duration("period", l.period))
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("control loop stopped")
			return
		case <-ticker.C:
			start := time.Now()
			l.Tick()
			if took := time.Since(start); took > l.period {
				logger.Log().Warn("control tick overran its period", zap.Duration("took", took))
			}
		}
	}
}

// Show stages p on every actuator and commits it. Errors are logged, not returned.
func Show(actuators []iface.Actuator, p iface.Pattern) {
	for _, a := range actuators {
		if err := a.SetPattern(p); err != nil {
			monitor.ActuatorErrors.Inc()
			logger.Log().Warn("actuator rejected pattern", zap.Stringer("state", p.State), zap.Error(err))
			continue
		}
		if err := a.Commit(); err != nil {
			monitor.ActuatorErrors.Inc()
			logger.Log().Warn("actuator commit failed", zap.Stringer("state", p.State), zap.Error(err))
		}
	}
}

// Progress shows a loading pattern at percent, clamped to 0..100.
func Progress(actuators []iface.Actuator, percent int) {
	percent = max(0, min(100, percent))
	logger.Log().Info("startup progress", zap.Int("percent", percent))
	Show(actuators, iface.Pattern{State: iface.FeedbackLoading, Progress: percent})
}
