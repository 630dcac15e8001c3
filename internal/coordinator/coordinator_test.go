package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"taskcoord/internal/adapters/leveldb"
	"taskcoord/internal/coordinator"
)

const aggregator = "aggregator"

type registryCall struct{ key, value string }

type recorder struct {
	mu         sync.Mutex
	calls      []string
	registry   []registryCall
	dispatched []string
	events     []coordinator.Event
	failSet    error
}

func (r *recorder) Set(_ context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSet != nil {
		return r.failSet
	}
	r.calls = append(r.calls, "set:"+key)
	r.registry = append(r.registry, registryCall{key, value})
	return nil
}

func (r *recorder) ExecuteOffchain(_ context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "exec:"+taskID)
	r.dispatched = append(r.dispatched, taskID)
	return nil
}

func (r *recorder) Publish(_ context.Context, evt coordinator.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// failingStore 在 Update 上注入存储失败。
type failingStore struct {
	coordinator.Store
	err error
}

func (f failingStore) Update(context.Context, func(coordinator.Tx) error) error {
	return f.err
}

func newStore(t *testing.T) *leveldb.Store {
	t.Helper()
	s, err := leveldb.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newCoordinator(t *testing.T, scoring bool) (*coordinator.Coordinator, *recorder) {
	t.Helper()
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, coordinator.Instantiate(ctx, store, coordinator.Settings{
		Aggregator:      aggregator,
		RegistryAddress: "state_bank",
		DispatchAddress: "bvs_driver",
		ScoringEnabled:  scoring,
	}))
	rec := &recorder{}
	c, err := coordinator.NewCoordinator(ctx, coordinator.Config{Events: rec}, store, rec, rec)
	require.NoError(t, err)
	return c, rec
}

func TestInstantiateOnce(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	settings := coordinator.Settings{Aggregator: aggregator, RegistryAddress: "state_bank", DispatchAddress: "bvs_driver"}

	rec := &recorder{}
	_, err := coordinator.NewCoordinator(ctx, coordinator.Config{}, store, rec, rec)
	require.ErrorIs(t, err, coordinator.ErrNotInitialized)

	require.NoError(t, coordinator.Instantiate(ctx, store, settings))
	require.ErrorIs(t, coordinator.Instantiate(ctx, store, settings), coordinator.ErrAlreadyInitialized)

	c, err := coordinator.NewCoordinator(ctx, coordinator.Config{}, store, rec, rec)
	require.NoError(t, err)
	require.Equal(t, settings, c.Settings())
	require.Empty(t, rec.calls)
}

func TestInstantiateRequiresAggregator(t *testing.T) {
	err := coordinator.Instantiate(context.Background(), newStore(t), coordinator.Settings{})
	require.ErrorIs(t, err, coordinator.ErrInvalidInput)
}

func TestCreateTaskAssignsSequentialIDs(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t, false)

	for i, payload := range []int64{42, -7, 42, 0, 99} {
		id, err := c.CreateTask(ctx, "creator", coordinator.TaskInput{Payload: payload})
		require.NoError(t, err)
		require.Equal(t, coordinator.TaskID(i+1), id)
	}
}

func TestCreateTaskNotifiesRegistryThenDispatch(t *testing.T) {
	ctx := context.Background()
	c, rec := newCoordinator(t, false)

	id, err := c.CreateTask(ctx, "creator", coordinator.TaskInput{Payload: 10})
	require.NoError(t, err)
	require.Equal(t, coordinator.TaskID(1), id)

	require.Equal(t, []registryCall{{"taskId.1", "10"}}, rec.registry)
	require.Equal(t, []string{"1"}, rec.dispatched)
	require.Equal(t, []string{"set:taskId.1", "exec:1"}, rec.calls)

	require.Len(t, rec.events, 1)
	require.Equal(t, coordinator.TaskCreated(1, coordinator.TaskInput{Payload: 10}), rec.events[0])

	pending, err := c.PendingNotifications(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestCreateTaskStorageFailureEmitsNothing(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, coordinator.Instantiate(ctx, store, coordinator.Settings{Aggregator: aggregator}))

	boom := errors.New("disk full")
	rec := &recorder{}
	c, err := coordinator.NewCoordinator(ctx, coordinator.Config{Events: rec}, failingStore{Store: store, err: boom}, rec, rec)
	require.NoError(t, err)

	_, err = c.CreateTask(ctx, "creator", coordinator.TaskInput{Payload: 1})
	var se *coordinator.StorageError
	require.ErrorAs(t, err, &se)
	require.ErrorIs(t, err, boom)
	require.Empty(t, rec.calls)
	require.Empty(t, rec.events)
}

func TestCreateTaskRequiresWorkerWhenScoring(t *testing.T) {
	c, rec := newCoordinator(t, true)

	_, err := c.CreateTask(context.Background(), "creator", coordinator.TaskInput{Payload: 3})
	require.ErrorIs(t, err, coordinator.ErrInvalidInput)
	require.Empty(t, rec.calls)
}

func TestRespondToTaskUnauthorized(t *testing.T) {
	ctx := context.Background()
	c, rec := newCoordinator(t, true)

	id, err := c.CreateTask(ctx, "creator", coordinator.TaskInput{Payload: 1, Worker: "operator"})
	require.NoError(t, err)

	require.ErrorIs(t, c.RespondToTask(ctx, "unauthorized", id, 84), coordinator.ErrUnauthorized)

	_, err = c.TaskResult(ctx, id)
	require.ErrorIs(t, err, coordinator.ErrNotFound)
	_, err = c.WorkerScore(ctx, "operator")
	require.ErrorIs(t, err, coordinator.ErrNotFound)
	require.Len(t, rec.events, 1)
}

func TestRespondToTaskOnlyOnce(t *testing.T) {
	ctx := context.Background()
	c, rec := newCoordinator(t, true)

	id, err := c.CreateTask(ctx, "creator", coordinator.TaskInput{Payload: 5, Worker: "operator"})
	require.NoError(t, err)
	require.NoError(t, c.RespondToTask(ctx, aggregator, id, 1))

	require.ErrorIs(t, c.RespondToTask(ctx, aggregator, id, 0), coordinator.ErrResultSubmitted)

	result, err := c.TaskResult(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(1), result)
	score, err := c.WorkerScore(ctx, "operator")
	require.NoError(t, err)
	require.Equal(t, int64(1), score)
	total, err := c.WorkerMaxScore(ctx, "operator")
	require.NoError(t, err)
	require.Equal(t, int64(1), total)

	require.Len(t, rec.events, 2)
	require.Equal(t, coordinator.TaskResponded(id, 1, "operator"), rec.events[1])
}

func TestRespondToUnknownTask(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t, true)

	require.ErrorIs(t, c.RespondToTask(ctx, aggregator, 7, 1), coordinator.ErrNotFound)

	_, err := c.TaskResult(ctx, 7)
	require.ErrorIs(t, err, coordinator.ErrNotFound)
}

func TestScoreAccumulation(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t, true)

	for _, result := range []int64{1, 0, 1, 0} {
		id, err := c.CreateTask(ctx, "creator", coordinator.TaskInput{Payload: 2, Worker: "operator"})
		require.NoError(t, err)
		require.NoError(t, c.RespondToTask(ctx, aggregator, id, result))
	}

	score, err := c.WorkerScore(ctx, "operator")
	require.NoError(t, err)
	require.Equal(t, int64(0), score)
	total, err := c.WorkerMaxScore(ctx, "operator")
	require.NoError(t, err)
	require.Equal(t, int64(4), total)
}

func TestScoringDisabledLeavesScoresUntouched(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t, false)

	id, err := c.CreateTask(ctx, "creator", coordinator.TaskInput{Payload: 9, Worker: "operator"})
	require.NoError(t, err)
	require.NoError(t, c.RespondToTask(ctx, aggregator, id, 81))

	_, err = c.WorkerScore(ctx, "operator")
	require.ErrorIs(t, err, coordinator.ErrNotFound)
}

func TestQueriesReflectCommands(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t, false)

	inputs := []coordinator.TaskInput{{Payload: 3}, {Payload: 12, Worker: "w1"}, {Payload: -4}}
	for _, in := range inputs {
		_, err := c.CreateTask(ctx, "creator", in)
		require.NoError(t, err)
	}
	for i, in := range inputs {
		id := coordinator.TaskID(i + 1)
		got, err := c.TaskInput(ctx, id)
		require.NoError(t, err)
		require.Equal(t, in, got)

		_, err = c.TaskResult(ctx, id)
		require.ErrorIs(t, err, coordinator.ErrNotFound)
	}

	require.NoError(t, c.RespondToTask(ctx, aggregator, 2, 144))
	result, err := c.TaskResult(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, int64(144), result)

	_, err = c.TaskInput(ctx, 4)
	require.ErrorIs(t, err, coordinator.ErrNotFound)
}

func TestOutboxRetriesUndeliveredNotifications(t *testing.T) {
	ctx := context.Background()
	c, rec := newCoordinator(t, false)

	rec.failSet = errors.New("state bank unavailable")
	id, err := c.CreateTask(ctx, "creator", coordinator.TaskInput{Payload: 6})
	require.NoError(t, err)
	require.Empty(t, rec.dispatched, "dispatch waits for the registry write")

	pending, err := c.PendingNotifications(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, pending)

	rec.failSet = nil
	require.NoError(t, c.FlushOutbox(ctx))
	require.Equal(t, []string{"set:" + coordinator.RegistryKey(id), "exec:1"}, rec.calls)

	pending, err = c.PendingNotifications(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestParseTaskID(t *testing.T) {
	id, err := coordinator.ParseTaskID("12")
	require.NoError(t, err)
	require.Equal(t, coordinator.TaskID(12), id)

	_, err = coordinator.ParseTaskID("0")
	require.ErrorIs(t, err, coordinator.ErrInvalidInput)
	_, err = coordinator.ParseTaskID("abc")
	require.Error(t, err)
}

func TestParseRegistryKey(t *testing.T) {
	id, err := coordinator.ParseRegistryKey(coordinator.RegistryKey(7))
	require.NoError(t, err)
	require.Equal(t, coordinator.TaskID(7), id)

	_, err = coordinator.ParseRegistryKey("task.7")
	require.ErrorIs(t, err, coordinator.ErrInvalidInput)
}

func TestConcurrentCreateAndRespond(t *testing.T) {
	const n = 64
	ctx := context.Background()
	c, rec := newCoordinator(t, true)

	ids := make(chan coordinator.TaskID, n)
	errs := make(chan error, 2*n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(payload int64) {
			defer wg.Done()
			id, err := c.CreateTask(ctx, "creator", coordinator.TaskInput{Payload: payload, Worker: "w1"})
			if err != nil {
				errs <- err
				return
			}
			ids <- id
			if err := c.RespondToTask(ctx, aggregator, id, 1); err != nil {
				errs <- err
			}
		}(int64(i))
	}
	wg.Wait()
	close(ids)
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, c.FlushOutbox(ctx))

	seen := make(map[coordinator.TaskID]bool, n)
	for id := range ids {
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	require.Len(t, seen, n)
	for id := coordinator.TaskID(1); id <= n; id++ {
		require.True(t, seen[id], "missing id %d", id)
	}

	score, err := c.WorkerScore(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, int64(n), score)
	total, err := c.WorkerMaxScore(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, int64(n), total)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	keys := make(map[string]int, n)
	for _, call := range rec.registry {
		keys[call.key]++
	}
	dispatched := make(map[string]int, n)
	for _, id := range rec.dispatched {
		dispatched[id]++
	}
	for id := range seen {
		require.Equal(t, 1, keys[coordinator.RegistryKey(id)], "registry set for task %d", id)
		require.Equal(t, 1, dispatched[id.String()], "dispatch for task %d", id)
	}
	require.Len(t, rec.registry, n)
	require.Len(t, rec.dispatched, n)
}
