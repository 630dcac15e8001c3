package coordinator

import "time"

// Config 描述协调器运行期所需的配置，持久化的 Settings 不在此列。
type Config struct {
	RelayInterval time.Duration
	Log           Logger
	Events        EventSink
	Metrics       *Metrics
}

// applyDefaults 为缺失的配置填充默认值。
func (c *Config) applyDefaults() {
	if c.RelayInterval <= 0 {
		c.RelayInterval = 5 * time.Second
	}
	c.Log = DefaultLogger(c.Log)
	if c.Events == nil {
		c.Events = nopSink{}
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
}
