package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"taskcoord/internal/adapters/registry"
	"taskcoord/internal/client"
	"taskcoord/internal/coordinator"
	"taskcoord/internal/wasmexec"
	"taskcoord/internal/worker"
)

type executorConfig struct {
	taskID     string
	workerID   string
	wasmPath   string
	entry      string
	apiURL     string
	registry   string
	outputPath string
	callLimit  string
	debug      bool
}

type execOutput struct {
	TaskID  coordinator.TaskID `json:"task_id"`
	Worker  string             `json:"worker"`
	Role    string             `json:"role"`
	Entry   string             `json:"entry"`
	Value   int64              `json:"value"`
	Verdict string             `json:"verdict,omitempty"`
}

func getenvOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func main() {
	cfg := loadConfig()
	zl, err := coordinator.NewZapLogger(cfg.debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zl.Sync() }()
	log := zl.With(zap.String("worker", cfg.workerID), zap.String("task", cfg.taskID))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Errorf("executor failed: %v", err)
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg executorConfig, log *zap.SugaredLogger) error {
	id, err := coordinator.ParseTaskID(cfg.taskID)
	if err != nil {
		return err
	}
	module, err := os.ReadFile(cfg.wasmPath)
	if err != nil {
		return fmt.Errorf("read wasm from %s: %w", cfg.wasmPath, err)
	}
	limit, err := parseCallLimit(cfg.callLimit)
	if err != nil {
		return err
	}

	api := client.New(cfg.apiURL, cfg.workerID)
	var reg worker.Registry = inputRegistry{api: api}
	if cfg.registry != "" {
		r, err := registry.NewRedisRegistry(ctx, registry.RedisOptions{Addr: cfg.registry}, log)
		if err != nil {
			return err
		}
		defer func() { _ = r.Close() }()
		reg = r
	}

	w, err := worker.New(worker.Config{
		ID:     cfg.workerID,
		Entry:  cfg.entry,
		Module: module,
		Log:    log,
	}, reg, api, wasmexec.New(wasmexec.Config{CallLimit: limit, Timeout: 10 * time.Second}))
	if err != nil {
		return err
	}

	report, err := w.Process(ctx, id)
	if err != nil {
		return err
	}
	out := execOutput{
		TaskID:  report.TaskID,
		Worker:  cfg.workerID,
		Role:    report.Role,
		Entry:   cfg.entry,
		Value:   report.Value,
		Verdict: report.Verdict,
	}
	return writeOutput(cfg.outputPath, out)
}

func loadConfig() executorConfig {
	return executorConfig{
		taskID:     getenvOr("TASK_ID", ""),
		workerID:   getenvOr("WORKER_ID", hostname()),
		wasmPath:   getenvOr("WASM_PATH", "host/wasm/module.wasm"),
		entry:      getenvOr("ENTRY", "square"),
		apiURL:     getenvOr("API_URL", "http://localhost:8080"),
		registry:   getenvOr("REGISTRY_ADDR", ""),
		outputPath: getenvOr("OUTPUT_PATH", ""),
		callLimit:  getenvOr("CALL_LIMIT", ""),
		debug:      getenvOr("DEBUG", "") != "",
	}
}

func parseCallLimit(v string) (uint64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid CALL_LIMIT=%q: %w", v, err)
	}
	return n, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return h
}

// inputRegistry 在没有共享注册表时通过 HTTP API 读取任务输入。
type inputRegistry struct {
	api *client.Client
}

func (r inputRegistry) Get(ctx context.Context, key string) (string, error) {
	id, err := coordinator.ParseRegistryKey(key)
	if err != nil {
		return "", err
	}
	in, err := r.api.TaskInput(ctx, id)
	if err != nil {
		return "", err
	}
	return in.String(), nil
}

// writeOutput 打印结果，并在配置了 path 时写入文件。
func writeOutput(path string, out execOutput) error {
	payload, err := json.Marshal(out)
	if err != nil {
		return err
	}
	fmt.Println(string(payload))
	if path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(payload, '\n'), 0o644)
}
