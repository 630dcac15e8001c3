// Package wasmexec 在 wazero 解释器中执行任务模块，并以函数调用次数作为计量上限。
package wasmexec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

const (
	defaultCallLimit = 1000
	defaultTimeout   = 5 * time.Second
)

var (
	// ErrCallLimit 表示模块的函数调用次数超出预算。
	ErrCallLimit = errors.New("call limit exceeded")
	// ErrEntryNotFound 表示模块未导出请求的入口函数。
	ErrEntryNotFound = errors.New("exported function not found")
)

// Config 控制单次执行的资源上限。
type Config struct {
	// CallLimit 是单次执行允许进入的函数次数，入口函数本身计 1 次。
	CallLimit uint64
	Timeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.CallLimit == 0 {
		c.CallLimit = defaultCallLimit
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
}

// Runner 每次调用都使用独立的运行时，调用之间不共享模块状态。
type Runner struct {
	cfg Config
}

// New 创建执行器，未设置的字段使用默认值。
func New(cfg Config) *Runner {
	cfg.applyDefaults()
	return &Runner{cfg: cfg}
}

// Call 实例化 module 并调用导出函数 entry，返回其结果。
func (r *Runner) Call(ctx context.Context, module []byte, entry string, args ...uint64) ([]uint64, error) {
	execCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	rt := wazero.NewRuntimeWithConfig(execCtx, wazero.NewRuntimeConfigInterpreter().WithCloseOnContextDone(true))
	defer rt.Close(context.Background())

	// 支持以 WASI ABI 构建的模块（如 TinyGo 输出）。
	if _, err := wasi_snapshot_preview1.Instantiate(execCtx, rt); err != nil {
		return nil, fmt.Errorf("init wasi: %w", err)
	}

	meter := &callMeter{limit: r.cfg.CallLimit}
	compiled, err := rt.CompileModule(experimental.WithFunctionListenerFactory(execCtx, meter), module)
	if err != nil {
		return nil, fmt.Errorf("compile wasm: %w", err)
	}

	mod, err := rt.InstantiateModule(execCtx, compiled, wazero.NewModuleConfig().WithStartFunctions("_initialize"))
	if err != nil {
		return nil, meter.translate(fmt.Errorf("instantiate wasm: %w", err))
	}
	defer mod.Close(context.Background())

	fn := mod.ExportedFunction(entry)
	if fn == nil {
		return nil, fmt.Errorf("%w: %q", ErrEntryNotFound, entry)
	}
	if want := len(fn.Definition().ParamTypes()); want != len(args) {
		return nil, fmt.Errorf("%s expects %d args, got %d", entry, want, len(args))
	}
	results, err := fn.Call(execCtx, args...)
	if err != nil {
		return nil, meter.translate(fmt.Errorf("call %s: %w", entry, err))
	}
	return results, nil
}

// CallInt64 以有符号整数调用单参数单返回值的入口函数。
func (r *Runner) CallInt64(ctx context.Context, module []byte, entry string, arg int64) (int64, error) {
	results, err := r.Call(ctx, module, entry, api.EncodeI64(arg))
	if err != nil {
		return 0, err
	}
	if len(results) != 1 {
		return 0, fmt.Errorf("%s returned %d results, want 1", entry, len(results))
	}
	return int64(results[0]), nil
}

// callMeter 将每次函数进入计为 1 个单位，超出上限时中止执行。
type callMeter struct {
	limit    uint64
	count    uint64
	exceeded bool
}

func (m *callMeter) NewFunctionListener(api.FunctionDefinition) experimental.FunctionListener {
	return m
}

func (m *callMeter) Before(context.Context, api.Module, api.FunctionDefinition, []uint64, experimental.StackIterator) {
	m.count++
	if m.count > m.limit {
		m.exceeded = true
		panic(ErrCallLimit)
	}
}

func (*callMeter) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

func (*callMeter) Abort(context.Context, api.Module, api.FunctionDefinition, error) {}

func (m *callMeter) translate(err error) error {
	if m.exceeded && !errors.Is(err, ErrCallLimit) {
		return fmt.Errorf("%w after %d calls: %v", ErrCallLimit, m.limit, err)
	}
	return err
}
