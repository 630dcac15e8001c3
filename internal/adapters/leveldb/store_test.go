package leveldb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"taskcoord/internal/coordinator"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpdateCommitsAllWrites(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Update(ctx, func(tx coordinator.Tx) error {
		require.NoError(t, tx.Put([]byte("a"), []byte("1")))
		v, ok, err := tx.Get([]byte("a"))
		require.NoError(t, err)
		require.True(t, ok, "uncommitted write visible inside the transaction")
		require.Equal(t, "1", string(v))
		return tx.Put([]byte("b"), []byte("2"))
	}))

	require.NoError(t, s.View(ctx, func(r coordinator.Reader) error {
		v, ok, err := r.Get([]byte("b"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "2", string(v))
		return nil
	}))
}

func TestUpdateDiscardsOnError(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx coordinator.Tx) error {
		require.NoError(t, tx.Put([]byte("a"), []byte("1")))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(r coordinator.Reader) error {
		_, ok, err := r.Get([]byte("a"))
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	}))
}

func TestIteratePrefixInKeyOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Update(ctx, func(tx coordinator.Tx) error {
		for _, k := range []string{"q/2", "q/1", "r/1", "q/3"} {
			if err := tx.Put([]byte(k), []byte(k)); err != nil {
				return err
			}
		}
		return tx.Delete([]byte("q/3"))
	}))

	var keys []string
	require.NoError(t, s.View(ctx, func(r coordinator.Reader) error {
		return r.Iterate([]byte("q/"), func(key, _ []byte) error {
			keys = append(keys, string(key))
			return nil
		})
	}))
	require.Equal(t, []string{"q/1", "q/2"}, keys)
}

func TestCanceledContextRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := openTestStore(t)

	err := s.Update(ctx, func(coordinator.Tx) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}
