package dispatch

import (
	"context"
	"sync"

	"taskcoord/internal/coordinator"
)

var _ coordinator.Dispatcher = (*LogDispatcher)(nil)

// LogDispatcher 只记录调度请求，不启动任何执行节点，便于本地调试。
type LogDispatcher struct {
	log coordinator.Logger

	mu      sync.Mutex
	history []string
}

// NewLogDispatcher 创建只记录调度请求的调度器。
func NewLogDispatcher(log coordinator.Logger) *LogDispatcher {
	return &LogDispatcher{log: coordinator.DefaultLogger(log)}
}

func (l *LogDispatcher) ExecuteOffchain(_ context.Context, taskID string) error {
	l.mu.Lock()
	l.history = append(l.history, taskID)
	l.mu.Unlock()
	l.log.Warnf("execute offchain task %s (no executor attached)", taskID)
	return nil
}

// Dispatched 返回已收到的任务编号，按调用顺序。
func (l *LogDispatcher) Dispatched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.history...)
}
