package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type outboxKind string

const (
	kindRegistrySet outboxKind = "registry_set"
	kindDispatch    outboxKind = "dispatch_execute"
)

// outboxEntry 是随任务一起提交的外发通知，投递成功后删除。
type outboxEntry struct {
	Seq    uint64     `json:"seq"`
	Kind   outboxKind `json:"kind"`
	TaskID TaskID     `json:"task_id"`
	Key    string     `json:"key,omitempty"`
	Value  string     `json:"value,omitempty"`
}

func enqueue(tx Tx, e outboxEntry) error {
	seq, err := update(tx, keyOutboxSeq, func(old uint64) uint64 { return old + 1 })
	if err != nil {
		return err
	}
	e.Seq = seq
	return save(tx, outboxKey(seq), e)
}

// Run 持续运行直至上下文取消，周期性重投未送达的外发通知。
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.FlushOutbox(ctx); err != nil {
		c.log.Warnf("outbox relay: %v", err)
	}
	ticker := time.NewTicker(c.cfg.RelayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.FlushOutbox(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Warnf("outbox relay: %v", err)
			}
		}
	}
}

// FlushOutbox 按入队顺序投递待发通知，遇到第一条失败即停止，保证注册表写入先于调度。
func (c *Coordinator) FlushOutbox(ctx context.Context) error {
	c.relayMu.Lock()
	defer c.relayMu.Unlock()

	pending, err := c.pendingOutbox(ctx)
	if err != nil {
		return storageErr("read outbox", err)
	}
	defer func() {
		c.cfg.Metrics.OutboxPending.Set(float64(len(pending)))
	}()

	for len(pending) > 0 {
		e := pending[0]
		if err := c.deliver(ctx, e); err != nil {
			c.cfg.Metrics.OutboxDelivered.WithLabelValues(string(e.Kind), "failed").Inc()
			return fmt.Errorf("deliver %s for task %d: %w", e.Kind, e.TaskID, err)
		}
		c.cfg.Metrics.OutboxDelivered.WithLabelValues(string(e.Kind), "ok").Inc()
		if err := c.store.Update(ctx, func(tx Tx) error {
			return tx.Delete(outboxKey(e.Seq))
		}); err != nil {
			return storageErr("ack outbox", err)
		}
		pending = pending[1:]
	}
	return nil
}

// PendingNotifications 返回尚未投递的外发通知数量。
func (c *Coordinator) PendingNotifications(ctx context.Context) (int, error) {
	pending, err := c.pendingOutbox(ctx)
	return len(pending), storageErr("read outbox", err)
}

func (c *Coordinator) pendingOutbox(ctx context.Context) ([]outboxEntry, error) {
	var pending []outboxEntry
	err := c.store.View(ctx, func(r Reader) error {
		return r.Iterate(prefixOutbox, func(_, value []byte) error {
			var e outboxEntry
			if err := json.Unmarshal(value, &e); err != nil {
				return fmt.Errorf("decode outbox entry: %w", err)
			}
			pending = append(pending, e)
			return nil
		})
	})
	return pending, err
}

func (c *Coordinator) deliver(ctx context.Context, e outboxEntry) error {
	switch e.Kind {
	case kindRegistrySet:
		return c.registry.Set(ctx, e.Key, e.Value)
	case kindDispatch:
		return c.dispatcher.ExecuteOffchain(ctx, e.TaskID.String())
	default:
		return fmt.Errorf("unknown outbox kind %q", e.Kind)
	}
}
