package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"taskcoord/internal/adapters/dispatch"
	"taskcoord/internal/adapters/ipfs"
	"taskcoord/internal/adapters/journal"
	"taskcoord/internal/adapters/leveldb"
	"taskcoord/internal/adapters/registry"
	"taskcoord/internal/aggregator"
	"taskcoord/internal/api"
	"taskcoord/internal/config"
	"taskcoord/internal/coordinator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator, aggregator and HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return serve(ctx, cfg)
	},
}

// sweeper 是可周期清理执行痕迹的调度器。
type sweeper interface {
	Run(ctx context.Context, interval time.Duration) error
}

func serve(ctx context.Context, cfg config.Config) (err error) {
	zl, err := coordinator.NewZapLogger(cfg.App.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	log := zl

	store, err := leveldb.Open(filepath.Join(cfg.App.DataDir, "coordinator"))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	settings := coordinator.Settings{
		Aggregator:      cfg.Coordinator.Aggregator,
		RegistryAddress: cfg.Coordinator.RegistryAddress,
		DispatchAddress: cfg.Coordinator.DispatchAddress,
		ScoringEnabled:  cfg.Coordinator.ScoringEnabled,
	}
	if err := coordinator.Instantiate(ctx, store, settings); err != nil {
		if !errors.Is(err, coordinator.ErrAlreadyInitialized) {
			return err
		}
		log.Infof("store already initialized, keeping persisted settings")
	}

	reg, closeRegistry, err := buildRegistry(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeRegistry()) }()

	dispatcher, sweep, err := buildDispatcher(cfg, log)
	if err != nil {
		return err
	}

	events, mongoJournal, closeEvents, err := buildJournal(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeEvents()) }()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	coord, err := coordinator.NewCoordinator(ctx, coordinator.Config{
		RelayInterval: cfg.App.RelayInterval,
		Log:           log.With(zap.String("component", "coordinator")),
		Events:        events,
		Metrics:       coordinator.NewMetrics(promReg),
	}, store, reg, dispatcher)
	if err != nil {
		return err
	}

	agg, err := aggregator.New(aggregator.Config{
		Threshold: cfg.Aggregator.Threshold,
		Window:    cfg.Aggregator.Window,
		Log:       log.With(zap.String("component", "aggregator")),
	}, store, coord)
	if err != nil {
		return err
	}

	apiCfg := api.Config{
		CreateRate:      rate.Limit(cfg.App.CreateRate),
		CreateBurst:     cfg.App.CreateBurst,
		Registry:        promReg,
		Log:             log.With(zap.String("component", "api")),
		AggregatorToken: cfg.App.AggregatorToken,
	}
	if mongoJournal != nil {
		apiCfg.Journal = mongoJournal
	}
	if cfg.App.AggregatorToken == "" {
		log.Warnf("app.aggregator_token is empty, POST /api/tasks/:id/response is disabled")
	}
	srv, err := api.New(apiCfg, coord, agg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loops := []func(context.Context) error{
		coord.Run,
		func(ctx context.Context) error { return srv.ListenAndServe(ctx, cfg.App.Listen) },
	}
	if sweep != nil {
		loops = append(loops, func(ctx context.Context) error { return sweep.Run(ctx, cfg.Kube.SweepInterval) })
	}

	errCh := make(chan error, len(loops))
	for _, loop := range loops {
		go func(run func(context.Context) error) {
			errCh <- run(ctx)
		}(loop)
	}

	// 任一循环退出即关闭其余循环。
	var runErr error
	for i := range loops {
		e := <-errCh
		if i == 0 {
			cancel()
		}
		if e != nil && !errors.Is(e, context.Canceled) {
			runErr = multierr.Append(runErr, e)
		}
	}
	log.Infof("coordinator stopped")
	return runErr
}

func buildRegistry(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (coordinator.Registry, func() error, error) {
	if cfg.Redis.Addr == "" {
		log.Infof("using in-process registry")
		return registry.NewMemoryRegistry(), func() error { return nil }, nil
	}
	r, err := registry.NewRedisRegistry(ctx, registry.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.TTL,
	}, log.With(zap.String("component", "registry")))
	if err != nil {
		return nil, nil, err
	}
	log.Infof("using redis registry %s", cfg.Redis.Addr)
	return r, r.Close, nil
}

func buildDispatcher(cfg config.Config, log *zap.SugaredLogger) (coordinator.Dispatcher, sweeper, error) {
	if !cfg.Kube.Enabled {
		log.Infof("kubernetes dispatch disabled, logging dispatch requests only")
		return dispatch.NewLogDispatcher(log.With(zap.String("component", "dispatch"))), nil, nil
	}

	var modules dispatch.ModuleFetcher
	if cfg.IPFS.Gateway != "" {
		gw, err := ipfs.NewGatewayClient(cfg.IPFS.Gateway, log)
		if err != nil {
			return nil, nil, err
		}
		modules = gw
		log.Infof("using ipfs gateway %s", cfg.IPFS.Gateway)
	} else {
		modules = ipfs.NewMirrorClient(cfg.IPFS.Mirror, log)
		log.Infof("using local wasm mirror %s", cfg.IPFS.Mirror)
	}

	client, err := dispatch.NewClientset()
	if err != nil {
		return nil, nil, err
	}
	env := map[string]string{}
	if cfg.Kube.APIURL != "" {
		env["API_URL"] = cfg.Kube.APIURL
	}
	if cfg.Redis.Addr != "" {
		env["REGISTRY_ADDR"] = cfg.Redis.Addr
	}
	kube, err := dispatch.NewKubeDispatcher(client, dispatch.KubeConfig{
		Namespace: cfg.Kube.Namespace,
		Image:     cfg.Kube.ExecutorImage,
		ModuleCID: cfg.IPFS.ModuleCID,
		Entry:     cfg.Kube.Entry,
		Env:       env,
	}, modules, log.With(zap.String("component", "dispatch")))
	if err != nil {
		return nil, nil, err
	}
	if err := kube.LoadTemplate(cfg.Kube.JobTemplate); err != nil {
		return nil, nil, err
	}
	return kube, kube, nil
}

// buildJournal 返回事件接收器；配置了 MongoDB 时一并返回可查询的事件日志。
func buildJournal(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (coordinator.EventSink, *journal.MongoJournal, func() error, error) {
	sinks := journal.Multi{journal.NewLogSink(log.With(zap.String("component", "events")))}
	if cfg.Mongo.URI == "" {
		return sinks, nil, func() error { return nil }, nil
	}
	mj, err := journal.NewMongoJournal(ctx, journal.MongoOptions{
		URI:        cfg.Mongo.URI,
		Database:   cfg.Mongo.Database,
		Collection: cfg.Mongo.Collection,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	log.Infof("journaling events to mongo %s.%s", cfg.Mongo.Database, cfg.Mongo.Collection)
	return append(sinks, mj), mj, func() error { return mj.Close(context.Background()) }, nil
}
