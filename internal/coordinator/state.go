package coordinator

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
)

// 存储键布局。数值键使用大端编码，保证前缀迭代按编号有序。
var (
	keySettings       = []byte("config")
	keyNextID         = []byte("next_id")
	keyOutboxSeq      = []byte("outbox_seq")
	prefixTasks       = []byte("created_tasks/")
	prefixResults     = []byte("responded_tasks/")
	prefixScores      = []byte("worker_score/")
	prefixMaxScores   = []byte("worker_max_score/")
	prefixOutbox      = []byte("outbox/")
	registryKeyPrefix = "taskId."
)

// RegistryKey 返回任务在注册表中的键，格式 taskId.<id> 是与注册服务的约定。
func RegistryKey(id TaskID) string {
	return registryKeyPrefix + id.String()
}

// ParseRegistryKey 从注册表键中取回任务编号。
func ParseRegistryKey(key string) (TaskID, error) {
	rest, ok := strings.CutPrefix(key, registryKeyPrefix)
	if !ok {
		return 0, fmt.Errorf("registry key %q: %w", key, ErrInvalidInput)
	}
	return ParseTaskID(rest)
}

func uint64Key(prefix []byte, v uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], v)
	return key
}

func stringKey(prefix []byte, s string) []byte {
	key := make([]byte, 0, len(prefix)+len(s))
	key = append(key, prefix...)
	return append(key, s...)
}

func taskKey(id TaskID) []byte { return uint64Key(prefixTasks, uint64(id)) }
func resultKey(id TaskID) []byte { return uint64Key(prefixResults, uint64(id)) }
func scoreKey(w string) []byte { return stringKey(prefixScores, w) }
func maxScoreKey(w string) []byte { return stringKey(prefixMaxScores, w) }
func outboxKey(seq uint64) []byte { return uint64Key(prefixOutbox, seq) }

// load 读取并解码 key 对应的值；不存在时 ok 为 false。
func load[T any](r Reader, key []byte) (v T, ok bool, err error) {
	raw, ok, err := r.Get(key)
	if err != nil || !ok {
		return v, ok, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return v, true, nil
}

// mustLoad 与 load 相同，但缺失时返回 ErrNotFound。
func mustLoad[T any](r Reader, key []byte) (T, error) {
	v, ok, err := load[T](r, key)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, ErrNotFound
	}
	return v, nil
}

func save(tx Tx, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return tx.Put(key, raw)
}

// update 以读改写方式更新 key，缺失时以零值作为旧值。
func update[T any](tx Tx, key []byte, fn func(old T) T) (T, error) {
	old, _, err := load[T](tx, key)
	if err != nil {
		return old, err
	}
	next := fn(old)
	return next, save(tx, key, next)
}
