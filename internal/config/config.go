// Package config 读取 TOML 配置文件，并允许 COORDINATOR_* 环境变量覆盖。
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config 是 coordinator serve 的完整配置。
type Config struct {
	App         App         `toml:"app"`
	Coordinator Coordinator `toml:"coordinator"`
	Aggregator  Aggregator  `toml:"aggregator"`
	Redis       Redis       `toml:"redis"`
	Kube        Kube        `toml:"kube"`
	IPFS        IPFS        `toml:"ipfs"`
	Mongo       Mongo       `toml:"mongo"`
}

type App struct {
	Listen        string        `toml:"listen"`
	Debug         bool          `toml:"debug"`
	DataDir       string        `toml:"data_dir"`
	RelayInterval time.Duration `toml:"relay_interval"`
	CreateRate    float64       `toml:"create_rate"`
	CreateBurst   int           `toml:"create_burst"`

	// AggregatorToken 保护 HTTP 结果提交接口，为空时该接口拒绝所有请求。
	AggregatorToken string `toml:"aggregator_token"`
}

// Coordinator 是首次启动时写入存储的不可变配置。
type Coordinator struct {
	Aggregator      string `toml:"aggregator"`
	RegistryAddress string `toml:"registry_address"`
	DispatchAddress string `toml:"dispatch_address"`
	ScoringEnabled  bool   `toml:"scoring_enabled"`
}

type Aggregator struct {
	Threshold uint          `toml:"threshold"`
	Window    time.Duration `toml:"window"`
}

// Redis 为空地址时使用进程内注册表。
type Redis struct {
	Addr     string        `toml:"addr"`
	Password string        `toml:"password"`
	DB       int           `toml:"db"`
	TTL      time.Duration `toml:"ttl"`
}

// Kube 未启用时调度只写日志。
type Kube struct {
	Enabled       bool          `toml:"enabled"`
	Namespace     string        `toml:"namespace"`
	JobTemplate   string        `toml:"job_template"`
	ExecutorImage string        `toml:"executor_image"`
	Entry         string        `toml:"entry"`
	APIURL        string        `toml:"api_url"`
	SweepInterval time.Duration `toml:"sweep_interval"`
}

// IPFS 优先使用网关，否则从本地镜像目录读取模块。
type IPFS struct {
	Gateway   string `toml:"gateway"`
	Mirror    string `toml:"mirror"`
	ModuleCID string `toml:"module_cid"`
}

// Mongo 为空 URI 时不写事件日志。
type Mongo struct {
	URI        string `toml:"uri"`
	Database   string `toml:"database"`
	Collection string `toml:"collection"`
}

// Default 返回本地开发可直接使用的配置。
func Default() Config {
	return Config{
		App: App{
			Listen:        ":8080",
			DataDir:       "data",
			RelayInterval: 5 * time.Second,
			CreateRate:    20,
			CreateBurst:   40,
		},
		Coordinator: Coordinator{Aggregator: "aggregator"},
		Aggregator:  Aggregator{Threshold: 1, Window: 2 * time.Minute},
		Kube: Kube{
			Namespace:     "default",
			JobTemplate:   "k8s/job.yaml",
			ExecutorImage: "taskcoord/executor:latest",
			Entry:         "square",
			SweepInterval: 30 * time.Second,
		},
		IPFS:  IPFS{Mirror: "host/wasm", ModuleCID: "square.wasm"},
		Mongo: Mongo{Database: "taskcoord", Collection: "events"},
	}
}

// Load 以默认值为基础读取 path（可为空），再应用环境变量覆盖。
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "decode %s", path)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate 检查必填项。
func (c Config) Validate() error {
	if c.Coordinator.Aggregator == "" {
		return errors.New("coordinator.aggregator required")
	}
	if c.App.Listen == "" {
		return errors.New("app.listen required")
	}
	if c.Kube.Enabled && c.Kube.JobTemplate == "" {
		return errors.New("kube.job_template required when kube is enabled")
	}
	return nil
}

func (c *Config) applyEnv() error {
	env := envReader{}
	env.str("COORDINATOR_LISTEN", &c.App.Listen)
	env.boolean("COORDINATOR_DEBUG", &c.App.Debug)
	env.str("COORDINATOR_DATA_DIR", &c.App.DataDir)
	env.duration("COORDINATOR_RELAY_INTERVAL", &c.App.RelayInterval)
	env.str("COORDINATOR_AGGREGATOR_TOKEN", &c.App.AggregatorToken)

	env.str("COORDINATOR_AGGREGATOR", &c.Coordinator.Aggregator)
	env.str("COORDINATOR_REGISTRY_ADDRESS", &c.Coordinator.RegistryAddress)
	env.str("COORDINATOR_DISPATCH_ADDRESS", &c.Coordinator.DispatchAddress)
	env.boolean("COORDINATOR_SCORING_ENABLED", &c.Coordinator.ScoringEnabled)
	env.unsigned("COORDINATOR_THRESHOLD", &c.Aggregator.Threshold)

	env.str("COORDINATOR_REDIS_ADDR", &c.Redis.Addr)
	env.str("COORDINATOR_REDIS_PASSWORD", &c.Redis.Password)
	env.integer("COORDINATOR_REDIS_DB", &c.Redis.DB)

	env.boolean("COORDINATOR_KUBE_ENABLED", &c.Kube.Enabled)
	env.str("COORDINATOR_NAMESPACE", &c.Kube.Namespace)
	env.str("COORDINATOR_JOB_TEMPLATE", &c.Kube.JobTemplate)
	env.str("COORDINATOR_EXECUTOR_IMAGE", &c.Kube.ExecutorImage)
	env.str("COORDINATOR_API_URL", &c.Kube.APIURL)

	env.str("COORDINATOR_IPFS_ENDPOINT", &c.IPFS.Gateway)
	env.str("COORDINATOR_IPFS_MIRROR", &c.IPFS.Mirror)
	env.str("COORDINATOR_MODULE_CID", &c.IPFS.ModuleCID)

	env.str("COORDINATOR_MONGO_URI", &c.Mongo.URI)
	return env.err
}

// envReader 读取非空环境变量，记录第一个解析错误。
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != "" && e.err == nil
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		e.set(key, err)
		*dst = b
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		e.set(key, err)
		*dst = n
	}
}

func (e *envReader) unsigned(key string, dst *uint) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseUint(v, 10, 0)
		e.set(key, err)
		*dst = uint(n)
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		e.set(key, err)
		*dst = d
	}
}

func (e *envReader) set(key string, err error) {
	if err != nil && e.err == nil {
		e.err = errors.Wrapf(err, "parse %s", key)
	}
}
