package coordinator

import (
	"context"
	"fmt"
	"strconv"
)

// TaskID 是由协调器单调分配的任务编号，从 1 开始。
type TaskID uint64

// String 返回十进制形式，用于注册表键与调度请求。
func (id TaskID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseTaskID 解析十进制任务编号，拒绝 0。
func ParseTaskID(s string) (TaskID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("task id %q: %w", s, ErrInvalidInput)
	}
	return TaskID(v), nil
}

// TaskInput 描述一次任务的输入：计算载荷与被指派的工作者。
type TaskInput struct {
	Payload int64  `json:"payload"`
	Worker  string `json:"worker,omitempty"`
}

// String 返回写入注册表的输入字符串。
func (in TaskInput) String() string {
	return strconv.FormatInt(in.Payload, 10)
}

// Settings 是初始化时写入且之后不可变的配置。
type Settings struct {
	Aggregator      string `json:"aggregator"`
	RegistryAddress string `json:"registry_address"`
	DispatchAddress string `json:"dispatch_address"`
	ScoringEnabled  bool   `json:"scoring_enabled"`
}

// EventType 区分协调器对外发出的事件。
type EventType string

const (
	EventTaskCreated   EventType = "TaskCreated"
	EventTaskResponded EventType = "TaskResponded"
)

// Event 是可被观察的协调器事件，不在内部消费。
type Event struct {
	Type   EventType `json:"type"`
	TaskID TaskID    `json:"task_id"`
	Input  TaskInput `json:"input,omitempty"`
	Result int64     `json:"result,omitempty"`
	Worker string    `json:"worker,omitempty"`
}

// TaskCreated 构造任务创建事件。
func TaskCreated(id TaskID, in TaskInput) Event {
	return Event{Type: EventTaskCreated, TaskID: id, Input: in, Worker: in.Worker}
}

// TaskResponded 构造任务结果事件。
func TaskResponded(id TaskID, result int64, worker string) Event {
	return Event{Type: EventTaskResponded, TaskID: id, Result: result, Worker: worker}
}

// Registry 抽象键值注册服务（state bank）。
type Registry interface {
	Set(ctx context.Context, key, value string) error
}

// Dispatcher 抽象链下执行的触发服务。
type Dispatcher interface {
	ExecuteOffchain(ctx context.Context, taskID string) error
}

// EventSink 接收协调器事件。
type EventSink interface {
	Publish(ctx context.Context, evt Event) error
}

// Store 提供原子读改写的持久化键值存储。
type Store interface {
	// Update 在单个事务内执行 fn，fn 返回错误时不落盘任何写入。
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View 在一致性快照上执行只读操作。
	View(ctx context.Context, fn func(tx Reader) error) error
}

// Reader 是事务或快照上的只读视图。
type Reader interface {
	Get(key []byte) (value []byte, ok bool, err error)
	Iterate(prefix []byte, fn func(key, value []byte) error) error
}

// Tx 是可写事务。
type Tx interface {
	Reader
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Logger 提供基础日志输出。
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}
