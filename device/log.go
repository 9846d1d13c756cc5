package device

import (
	"sync"

	iface "SmartBin/interface"
	"SmartBin/logger"

	"go.uber.org/zap"
)

// LogActuator logs every committed pattern. It stands in for hardware
// when no strip is attached.
type LogActuator struct {
	mu     sync.Mutex
	staged iface.Pattern
}

func (a *LogActuator) SetPattern(p iface.Pattern) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.staged = p
	return nil
}

func (a *LogActuator) Commit() error {
	a.mu.Lock()
	p := a.staged
	a.mu.Unlock()
	if p.State == iface.FeedbackLoading {
		logger.Log().Info("feedback", zap.Stringer("state", p.State), zap.Int("progress", p.Progress))
		return nil
	}
	logger.Log().Info("feedback", zap.Stringer("state", p.State))
	return nil
}
