package leveldb

import (
	"context"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"taskcoord/internal/coordinator"
)

var _ coordinator.Store = (*Store)(nil)

// Store 基于 LevelDB 事务实现协调器的持久化存储，每次 Update 全部提交或全部丢弃。
type Store struct {
	db *leveldb.DB
}

// Open 打开（或创建）path 下的数据库。
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		WriteBuffer: 4 * opt.MiB,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb %s", path)
	}
	return &Store{db: db}, nil
}

// OpenMemory 打开内存数据库，供测试与本地演示使用。
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "open memory leveldb")
	}
	return &Store{db: db}, nil
}

// Update 在 LevelDB 事务中执行 fn；事务期间其他写入被阻塞。
func (s *Store) Update(ctx context.Context, fn func(tx coordinator.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return errors.Wrap(err, "open transaction")
	}
	if err := fn(&txn{tr: tr}); err != nil {
		tr.Discard()
		return err
	}
	if err := tr.Commit(); err != nil {
		tr.Discard()
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

// View 在快照上执行只读操作。
func (s *Store) View(ctx context.Context, fn func(r coordinator.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return errors.Wrap(err, "get snapshot")
	}
	defer snap.Release()
	return fn(snapshot{snap: snap})
}

// Close 关闭底层数据库。
func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "close leveldb")
}

type txn struct {
	tr *leveldb.Transaction
}

func (t *txn) Get(key []byte) ([]byte, bool, error) {
	return found(t.tr.Get(key, nil))
}

func (t *txn) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return iterate(t.tr.NewIterator(util.BytesPrefix(prefix), nil), fn)
}

func (t *txn) Put(key, value []byte) error {
	return errors.Wrapf(t.tr.Put(key, value, nil), "put %q", key)
}

func (t *txn) Delete(key []byte) error {
	return errors.Wrapf(t.tr.Delete(key, nil), "delete %q", key)
}

type snapshot struct {
	snap *leveldb.Snapshot
}

func (s snapshot) Get(key []byte) ([]byte, bool, error) {
	return found(s.snap.Get(key, nil))
}

func (s snapshot) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return iterate(s.snap.NewIterator(util.BytesPrefix(prefix), nil), fn)
}

func found(value []byte, err error) ([]byte, bool, error) {
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "get")
	}
	return value, true, nil
}

func iterate(it iterator.Iterator, fn func(key, value []byte) error) error {
	defer it.Release()
	for it.Next() {
		key := append([]byte(nil), it.Key()...)
		value := append([]byte(nil), it.Value()...)
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return errors.Wrap(it.Error(), "iterate")
}
