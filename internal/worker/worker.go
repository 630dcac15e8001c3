// Package worker 实现执行节点：从注册表读取任务输入，运行 Wasm 模块，
// 作为执行者或验证者向聚合器上报。
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"taskcoord/internal/aggregator"
	"taskcoord/internal/coordinator"
)

// Registry 读取协调器写入的任务键值。
type Registry interface {
	Get(ctx context.Context, key string) (string, error)
}

// Coordinator 是执行节点访问协调器与聚合器的入口。
type Coordinator interface {
	TaskInput(ctx context.Context, id coordinator.TaskID) (coordinator.TaskInput, error)
	Submit(ctx context.Context, sub aggregator.Submission) (aggregator.Decision, error)
	PerformerData(ctx context.Context, id coordinator.TaskID) (aggregator.Submission, error)
}

// Computer 执行任务模块。
type Computer interface {
	CallInt64(ctx context.Context, module []byte, entry string, arg int64) (int64, error)
}

// Config 描述执行节点的身份、模块与重试策略。
type Config struct {
	ID     string
	Entry  string
	Module []byte
	// PerformerRetries 是验证者等待执行者数据的最大尝试次数。
	PerformerRetries int
	RetryDelay       time.Duration
	Now              func() time.Time
	Log              coordinator.Logger
}

func (c *Config) applyDefaults() {
	if c.Entry == "" {
		c.Entry = "square"
	}
	if c.PerformerRetries <= 0 {
		c.PerformerRetries = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 3 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Log = coordinator.DefaultLogger(c.Log)
}

// Report 描述一次处理的结果。
type Report struct {
	TaskID   coordinator.TaskID
	Role     string
	Value    int64
	Verdict  string
	Decision aggregator.Decision
}

// Worker 处理单个任务的计算与上报。
type Worker struct {
	cfg      Config
	registry Registry
	coord    Coordinator
	computer Computer
	log      coordinator.Logger
}

// New 校验依赖并填充默认配置。
func New(cfg Config, registry Registry, coord Coordinator, computer Computer) (*Worker, error) {
	if cfg.ID == "" {
		return nil, errors.New("worker id required")
	}
	if len(cfg.Module) == 0 {
		return nil, errors.New("wasm module required")
	}
	if registry == nil {
		return nil, errors.New("registry required")
	}
	if coord == nil {
		return nil, errors.New("coordinator client required")
	}
	if computer == nil {
		return nil, errors.New("computer required")
	}
	cfg.applyDefaults()
	return &Worker{cfg: cfg, registry: registry, coord: coord, computer: computer, log: cfg.Log}, nil
}

// Process 计算任务并上报。指派的工作者作为执行者；任务未指派工作者时先尝试成为执行者，
// 执行者已存在则转为验证者。
func (w *Worker) Process(ctx context.Context, id coordinator.TaskID) (Report, error) {
	raw, err := w.registry.Get(ctx, coordinator.RegistryKey(id))
	if err != nil {
		return Report{}, fmt.Errorf("read registry: %w", err)
	}
	payload, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Report{}, fmt.Errorf("registry value %q: %w", raw, coordinator.ErrInvalidInput)
	}
	in, err := w.coord.TaskInput(ctx, id)
	if err != nil {
		return Report{}, fmt.Errorf("task input: %w", err)
	}
	if in.Payload != payload {
		return Report{}, fmt.Errorf("registry payload %d disagrees with task payload %d", payload, in.Payload)
	}

	value, err := w.computer.CallInt64(ctx, w.cfg.Module, w.cfg.Entry, payload)
	if err != nil {
		return Report{}, fmt.Errorf("compute task %d: %w", id, err)
	}
	w.log.Infof("task %d: %s(%d) = %d", id, w.cfg.Entry, payload, value)

	if in.Worker == w.cfg.ID || in.Worker == "" {
		d, err := w.submit(ctx, id, aggregator.RolePerformer, strconv.FormatInt(value, 10))
		switch {
		case err == nil:
			return Report{TaskID: id, Role: aggregator.RolePerformer, Value: value, Decision: d}, nil
		case in.Worker == "" && errors.Is(err, aggregator.ErrDuplicateSubmission):
			w.log.Infof("task %d: performer already chosen, attesting instead", id)
		default:
			return Report{}, err
		}
	}
	return w.attest(ctx, id, value)
}

func (w *Worker) attest(ctx context.Context, id coordinator.TaskID, value int64) (Report, error) {
	performer, err := w.waitPerformer(ctx, id)
	if err != nil {
		return Report{}, err
	}
	verdict := strconv.FormatBool(performer.Result == strconv.FormatInt(value, 10))
	w.log.Infof("task %d: performer %s reported %s, local value %d, verdict %s",
		id, performer.Address, performer.Result, value, verdict)

	d, err := w.submit(ctx, id, aggregator.RoleAttester, verdict)
	if err != nil {
		return Report{}, err
	}
	return Report{TaskID: id, Role: aggregator.RoleAttester, Value: value, Verdict: verdict, Decision: d}, nil
}

// waitPerformer 轮询执行者数据，最多 PerformerRetries 次。
func (w *Worker) waitPerformer(ctx context.Context, id coordinator.TaskID) (aggregator.Submission, error) {
	var lastErr error
	for i := 0; i < w.cfg.PerformerRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return aggregator.Submission{}, ctx.Err()
			case <-time.After(w.cfg.RetryDelay):
			}
		}
		p, err := w.coord.PerformerData(ctx, id)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, coordinator.ErrNotFound) {
			return aggregator.Submission{}, fmt.Errorf("performer data: %w", err)
		}
		lastErr = err
		w.log.Infof("task %d: waiting for performer data (%d/%d)", id, i+1, w.cfg.PerformerRetries)
	}
	return aggregator.Submission{}, fmt.Errorf("performer data unavailable after %d attempts: %w", w.cfg.PerformerRetries, lastErr)
}

func (w *Worker) submit(ctx context.Context, id coordinator.TaskID, role, result string) (aggregator.Decision, error) {
	d, err := w.coord.Submit(ctx, aggregator.Submission{
		TaskID:    id,
		Role:      role,
		Address:   w.cfg.ID,
		Result:    result,
		Timestamp: w.cfg.Now().Unix(),
	})
	if err != nil {
		return d, fmt.Errorf("submit %s result for task %d: %w", role, id, err)
	}
	return d, nil
}
