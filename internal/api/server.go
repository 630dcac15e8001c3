// Package api 通过 HTTP 暴露协调器与聚合器。
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"taskcoord/internal/aggregator"
	"taskcoord/internal/coordinator"
)

// CallerHeader 携带调用方身份，RespondToTask 据此做聚合者校验。
const CallerHeader = "X-Caller"

// EventReader 按任务读取事件日志。
type EventReader interface {
	Events(ctx context.Context, id coordinator.TaskID) ([]coordinator.Event, error)
}

// Config 描述 HTTP 服务的限流与指标配置。
type Config struct {
	// CreateRate 是创建任务的每秒速率上限，0 表示不限流。
	CreateRate  rate.Limit
	CreateBurst int
	Registry    *prometheus.Registry
	Log         coordinator.Logger

	// AggregatorToken 是提交任务结果所需的 Bearer 令牌，为空时拒绝所有 HTTP 结果提交。
	AggregatorToken string

	// Journal 非空时开放任务事件查询。
	Journal EventReader
}

// Server 将协调器与聚合器挂载到 gin 路由。
type Server struct {
	coord    *coordinator.Coordinator
	agg      *aggregator.Aggregator
	log      coordinator.Logger
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	token    string
	journal  EventReader
	engine   *gin.Engine
}

// New 创建服务并注册全部路由，coord 与 agg 必填。
func New(cfg Config, coord *coordinator.Coordinator, agg *aggregator.Aggregator) (*Server, error) {
	if coord == nil {
		return nil, errors.New("coordinator required")
	}
	if agg == nil {
		return nil, errors.New("aggregator required")
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	s := &Server{
		coord:    coord,
		agg:      agg,
		log:      coordinator.DefaultLogger(cfg.Log),
		registry: cfg.Registry,
		token:    cfg.AggregatorToken,
		journal:  cfg.Journal,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskcoord",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, by route and status code.",
		}, []string{"route", "code"}),
	}
	if err := s.registry.Register(s.requests); err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.CreateRate > 0 {
		burst := cfg.CreateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.CreateRate, burst)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.countRequests)
	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	tasks := r.Group("/api")
	tasks.POST("/tasks", limit(limiter), s.createTask)
	tasks.GET("/tasks/:id", s.taskInput)
	tasks.GET("/tasks/:id/result", s.taskResult)
	tasks.POST("/tasks/:id/response", s.requireAggregator, s.respondToTask)
	tasks.GET("/workers/:worker/score", s.workerScore)
	tasks.POST("/aggregator", s.submit)
	if s.journal != nil {
		tasks.GET("/tasks/:id/events", s.taskEvents)
	}

	r.GET("/task/:id", s.performerData)
	s.engine = r
	return s, nil
}

// Handler 返回路由，供测试与自定义监听使用。
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe 启动 HTTP 服务，ctx 取消后优雅关闭。
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("http api listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) countRequests(c *gin.Context) {
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	s.requests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
}

// requireAggregator 校验 Bearer 令牌，通过后才信任 X-Caller 中的聚合者身份。
func (s *Server) requireAggregator(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || s.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "aggregator token required", Code: CodeUnauthorized})
		return
	}
	c.Next()
}

func limit(l *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l != nil && !l.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded", Code: CodeRateLimited})
			return
		}
		c.Next()
	}
}
