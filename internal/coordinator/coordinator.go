package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

// Coordinator 持有任务生命周期状态：分配编号、记录输入、唯一一次写入结果并累计工作者评分。
type Coordinator struct {
	cfg        Config
	store      Store
	registry   Registry
	dispatcher Dispatcher
	settings   Settings
	log        Logger

	// mu 保证 Create/Respond 串行执行，relayMu 串行化外发通知的投递。
	mu      sync.Mutex
	relayMu sync.Mutex
}

// Instantiate 在存储中写入初始配置并将 NextTaskId 置 0，同一存储只能执行一次。
func Instantiate(ctx context.Context, store Store, settings Settings) error {
	if store == nil {
		return errors.New("store required")
	}
	if settings.Aggregator == "" {
		return fmt.Errorf("aggregator required: %w", ErrInvalidInput)
	}
	err := store.Update(ctx, func(tx Tx) error {
		_, ok, err := tx.Get(keySettings)
		if err != nil {
			return err
		}
		if ok {
			return ErrAlreadyInitialized
		}
		if err := save(tx, keyNextID, uint64(0)); err != nil {
			return err
		}
		return save(tx, keySettings, settings)
	})
	return storageErr("instantiate", err)
}

// NewCoordinator 使用外部依赖构建协调器实例，存储必须已经初始化。
func NewCoordinator(ctx context.Context, cfg Config, store Store, registry Registry, dispatcher Dispatcher) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("store required")
	}
	if registry == nil {
		return nil, errors.New("registry client required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatch client required")
	}
	cfg.applyDefaults()

	var settings Settings
	err := store.View(ctx, func(r Reader) error {
		s, ok, err := load[Settings](r, keySettings)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotInitialized
		}
		settings = s
		return nil
	})
	if err != nil {
		return nil, storageErr("load settings", err)
	}
	return &Coordinator{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		settings:   settings,
		log:        cfg.Log,
	}, nil
}

// Settings 返回初始化时写入的配置。
func (c *Coordinator) Settings() Settings {
	return c.settings
}

// CreateTask 分配新编号并持久化任务，同一事务内排队注册表与调度两条外发通知。
func (c *Coordinator) CreateTask(ctx context.Context, caller string, in TaskInput) (TaskID, error) {
	if c.settings.ScoringEnabled && in.Worker == "" {
		err := fmt.Errorf("worker required when scoring is enabled: %w", ErrInvalidInput)
		c.cfg.Metrics.reject("create", err)
		return 0, err
	}

	var id TaskID
	c.mu.Lock()
	err := c.store.Update(ctx, func(tx Tx) error {
		next, err := update(tx, keyNextID, func(old uint64) uint64 { return old + 1 })
		if err != nil {
			return err
		}
		id = TaskID(next)
		if err := save(tx, taskKey(id), in); err != nil {
			return err
		}
		if err := enqueue(tx, outboxEntry{
			Kind:   kindRegistrySet,
			TaskID: id,
			Key:    RegistryKey(id),
			Value:  in.String(),
		}); err != nil {
			return err
		}
		return enqueue(tx, outboxEntry{Kind: kindDispatch, TaskID: id})
	})
	c.mu.Unlock()
	if err != nil {
		err = storageErr("create task", err)
		c.cfg.Metrics.reject("create", err)
		c.log.Errorf("create task from %s: %v", caller, err)
		return 0, err
	}

	c.cfg.Metrics.TasksCreated.Inc()
	c.log.Infof("task %d created by %s (payload=%d worker=%q)", id, caller, in.Payload, in.Worker)

	if err := c.FlushOutbox(ctx); err != nil {
		c.log.Warnf("task %d: notifications pending: %v", id, err)
	}
	c.publish(ctx, TaskCreated(id, in))
	return id, nil
}

// RespondToTask 记录聚合者提交的结果，每个任务只接受一次；启用评分时更新工作者分数。
func (c *Coordinator) RespondToTask(ctx context.Context, caller string, id TaskID, result int64) error {
	if caller != c.settings.Aggregator {
		c.cfg.Metrics.reject("respond", ErrUnauthorized)
		c.log.Warnf("task %d: response from %s rejected: not the aggregator", id, caller)
		return ErrUnauthorized
	}

	var worker string
	c.mu.Lock()
	err := c.store.Update(ctx, func(tx Tx) error {
		_, responded, err := tx.Get(resultKey(id))
		if err != nil {
			return err
		}
		if responded {
			return ErrResultSubmitted
		}
		if err := save(tx, resultKey(id), result); err != nil {
			return err
		}

		in, err := mustLoad[TaskInput](tx, taskKey(id))
		if err != nil {
			return fmt.Errorf("task %d: %w", id, err)
		}
		if !c.settings.ScoringEnabled || in.Worker == "" {
			return nil
		}
		worker = in.Worker
		if _, err := update(tx, scoreKey(worker), func(score int64) int64 {
			if result == 1 {
				return score + 1
			}
			return score - 1
		}); err != nil {
			return err
		}
		_, err = update(tx, maxScoreKey(worker), func(n int64) int64 { return n + 1 })
		return err
	})
	c.mu.Unlock()
	if err != nil {
		err = storageErr("respond to task", err)
		c.cfg.Metrics.reject("respond", err)
		c.log.Warnf("task %d: respond: %v", id, err)
		return err
	}

	c.cfg.Metrics.TasksResponded.WithLabelValues(strconv.FormatBool(result == 1)).Inc()
	c.log.Infof("task %d responded (result=%d worker=%q)", id, result, worker)
	c.publish(ctx, TaskResponded(id, result, worker))
	return nil
}

// TaskInput 返回任务创建时的输入。
func (c *Coordinator) TaskInput(ctx context.Context, id TaskID) (TaskInput, error) {
	return query[TaskInput](ctx, c.store, taskKey(id))
}

// TaskResult 返回任务结果，尚未响应时返回 ErrNotFound。
func (c *Coordinator) TaskResult(ctx context.Context, id TaskID) (int64, error) {
	return query[int64](ctx, c.store, resultKey(id))
}

// WorkerScore 返回工作者的累计分数，从未被评分时返回 ErrNotFound。
func (c *Coordinator) WorkerScore(ctx context.Context, worker string) (int64, error) {
	return query[int64](ctx, c.store, scoreKey(worker))
}

// WorkerMaxScore 返回归属于该工作者的响应总数。
func (c *Coordinator) WorkerMaxScore(ctx context.Context, worker string) (int64, error) {
	return query[int64](ctx, c.store, maxScoreKey(worker))
}

func query[T any](ctx context.Context, store Store, key []byte) (T, error) {
	var v T
	err := store.View(ctx, func(r Reader) error {
		var err error
		v, err = mustLoad[T](r, key)
		return err
	})
	return v, storageErr("query", err)
}

func (c *Coordinator) publish(ctx context.Context, evt Event) {
	if err := c.cfg.Events.Publish(ctx, evt); err != nil {
		c.log.Warnf("publish %s for task %d: %v", evt.Type, evt.TaskID, err)
	}
}
