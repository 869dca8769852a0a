package paging

import (
	"fmt"

	"github.com/sarchlab/vmswap/sim"
	"github.com/sirupsen/logrus"
)

// A LogHook writes the events of address spaces to a logger.
type LogHook struct {
	logger logrus.FieldLogger
}

// NewLogHook creates a LogHook.
func NewLogHook(logger logrus.FieldLogger) *LogHook {
	return &LogHook{logger: logger}
}

// Func writes one event.
func (h *LogHook) Func(ctx sim.HookCtx) {
	evt, ok := ctx.Item.(Event)
	if !ok {
		return
	}

	entry := h.logger.WithFields(logrus.Fields{
		"space": evt.Space,
		"pid":   evt.PID,
		"vaddr": fmt.Sprintf("%#x", evt.VAddr),
	})

	switch ctx.Pos {
	case HookPosSwapOut, HookPosSwapIn:
		entry.WithFields(logrus.Fields{
			"slot":  evt.Slot,
			"frame": fmt.Sprintf("%#x", uint64(evt.Frame)),
		}).Debug(ctx.Pos.Name)
	case HookPosCopyOnWrite:
		entry.WithField("frame", fmt.Sprintf("%#x", uint64(evt.Frame))).
			Debug(ctx.Pos.Name)
	case HookPosKill:
		entry.WithField("cause", evt.Cause).Warn("process killed")
	case HookPosImageReplaced:
		entry.Info("image replaced")
	default:
		entry.Trace(ctx.Pos.Name)
	}
}
