package journal

import (
	"context"

	"go.uber.org/multierr"

	"taskcoord/internal/coordinator"
)

// Multi 将事件依次投递给所有 sink，单个失败不影响其余 sink。
type Multi []coordinator.EventSink

func (m Multi) Publish(ctx context.Context, evt coordinator.Event) error {
	var err error
	for _, sink := range m {
		err = multierr.Append(err, sink.Publish(ctx, evt))
	}
	return err
}
