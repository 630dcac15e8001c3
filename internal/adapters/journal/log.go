package journal

import (
	"context"

	"taskcoord/internal/coordinator"
)

var _ coordinator.EventSink = (*LogSink)(nil)

// LogSink 将协调器事件写入日志，充当任务监视器。
type LogSink struct {
	log coordinator.Logger
}

// NewLogSink 创建写日志的事件接收器。
func NewLogSink(log coordinator.Logger) *LogSink {
	return &LogSink{log: coordinator.DefaultLogger(log)}
}

func (s *LogSink) Publish(_ context.Context, evt coordinator.Event) error {
	switch evt.Type {
	case coordinator.EventTaskCreated:
		s.log.Infof("[monitor] TaskCreated task=%d input=%s worker=%q", evt.TaskID, evt.Input, evt.Worker)
	case coordinator.EventTaskResponded:
		s.log.Infof("[monitor] TaskResponded task=%d result=%d worker=%q", evt.TaskID, evt.Result, evt.Worker)
	default:
		s.log.Warnf("[monitor] unknown event %s for task %d", evt.Type, evt.TaskID)
	}
	return nil
}
