package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dropDatabas3/nodebus/internal/async"
	"github.com/dropDatabas3/nodebus/internal/cache"
	"github.com/dropDatabas3/nodebus/internal/cluster/bus"
	"github.com/dropDatabas3/nodebus/internal/cluster/bus/memory"
	pgbus "github.com/dropDatabas3/nodebus/internal/cluster/bus/postgres"
	redisbus "github.com/dropDatabas3/nodebus/internal/cluster/bus/redis"
	"github.com/dropDatabas3/nodebus/internal/cluster/event"
	"github.com/dropDatabas3/nodebus/internal/cluster/router"
	"github.com/dropDatabas3/nodebus/internal/config"
	defctrl "github.com/dropDatabas3/nodebus/internal/http/controllers/definitions"
	"github.com/dropDatabas3/nodebus/internal/http/controllers/executions"
	"github.com/dropDatabas3/nodebus/internal/http/controllers/health"
	jobsctrl "github.com/dropDatabas3/nodebus/internal/http/controllers/jobs"
	httprouter "github.com/dropDatabas3/nodebus/internal/http/router"
	"github.com/dropDatabas3/nodebus/internal/observability/logger"
	"github.com/dropDatabas3/nodebus/internal/rate"
	"github.com/dropDatabas3/nodebus/internal/resolve"
	"github.com/dropDatabas3/nodebus/internal/store/definitions"
	"github.com/dropDatabas3/nodebus/internal/tasks"
	"github.com/jackc/pgx/v5/pgxpool"
	rdb "github.com/redis/go-redis/v9"
)

// node agrupa lo que hay que cerrar al apagar, en orden inverso de armado.
type node struct {
	handler http.Handler
	closers []func(ctx context.Context) error
}

func (n *node) onClose(fn func(ctx context.Context) error) {
	n.closers = append(n.closers, fn)
}

func (n *node) close(ctx context.Context) error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func build(ctx context.Context, cfg *config.Config) (n *node, err error) {
	n = &node{}
	defer func() {
		if err != nil {
			_ = n.close(context.Background())
		}
	}()
	nodeID := cfg.Cluster.NodeID
	var checks []health.Check

	// Transporte
	var (
		transport bus.Transport
		redisCli  *rdb.Client
		pool      *pgxpool.Pool
	)
	switch cfg.Cluster.Mode {
	case config.ClusterRedis:
		t, err := redisbus.New(ctx, redisbus.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			return n, err
		}
		transport, redisCli = t, t.Client()
		checks = append(checks, health.Check{Name: "bus", Critical: true, Fn: func(ctx context.Context) error {
			return redisCli.Ping(ctx).Err()
		}})
	case config.ClusterPostgres:
		t, err := pgbus.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return n, err
		}
		transport, pool = t, t.Pool()
		checks = append(checks, health.Check{Name: "bus", Critical: true, Fn: func(ctx context.Context) error {
			if err := t.ListenErr(); err != nil {
				return err
			}
			return t.Pool().Ping(ctx)
		}})
	default:
		transport = memory.NewHub().Transport()
	}
	n.onClose(func(context.Context) error { return transport.Close() })

	// Pool de definiciones (si no vino con el transporte)
	if pool == nil && cfg.Postgres.DSN != "" {
		p, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return n, fmt.Errorf("postgres: %w", err)
		}
		pool = p
		n.onClose(func(context.Context) error { p.Close(); return nil })
		checks = append(checks, health.Check{Name: "db", Fn: pool.Ping})
	}

	// Bus
	b, err := bus.New(bus.Options{
		NodeID:         nodeID,
		Transport:      transport,
		TopicPrefix:    cfg.Cluster.TopicPrefix,
		CommitDelay:    cfg.Bus.CommitDelay,
		ReplyTimeout:   cfg.Bus.ReplyTimeout,
		WaitForeverCap: cfg.Bus.WaitForeverCap,
		DispatchBuffer: cfg.Bus.DispatchBuffer,
	})
	if err != nil {
		return n, err
	}

	// Registro de operaciones asíncronas
	store := async.NewStore(nodeID)
	exec := async.NewExecutor(store, async.ExecutorOptions{
		Workers:        cfg.Tasks.Workers,
		DefaultTimeout: cfg.Tasks.DefaultTimeout,
	})
	n.onClose(exec.Close)

	ropts := resolve.Options{
		Store:           store,
		WaitForeverCap:  cfg.Bus.WaitForeverCap,
		InterNodeMargin: cfg.Bus.InterNodeMargin,
	}
	if cfg.Clustered() {
		ropts.Bus = b
	}
	resolver := resolve.New(ropts)

	funcs := tasks.NewRegistry()
	tasks.Builtins(funcs, nodeID)
	jobs := tasks.NewJobs(exec, funcs, b)
	launcher := tasks.NewLauncher(exec, funcs)

	// Caches de definiciones
	cacheCfg := cache.Config{
		Driver:     cfg.Cache.Kind,
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		Prefix:     cfg.Redis.Prefix + ":" + nodeID,
		DefaultTTL: cfg.Cache.DefaultTTL,
	}
	var cacheClient cache.Client
	if cfg.Cache.Kind == "redis" && redisCli != nil {
		cacheClient = cache.RedisFromClient(redisCli, cacheCfg.Prefix, cacheCfg.DefaultTTL)
	} else {
		if cacheClient, err = cache.New(ctx, cacheCfg); err != nil {
			return n, err
		}
		n.onClose(func(context.Context) error { return cacheClient.Close() })
	}
	checks = append(checks, health.Check{Name: "cache", Fn: cacheClient.Ping})

	var repo *definitions.Repo
	if pool != nil {
		repo = definitions.New(pool, b)
		if err := repo.EnsureSchema(ctx); err != nil {
			return n, err
		}
	}
	caches := make(map[event.Kind]*cache.Entities, len(definitions.Kinds))
	for _, k := range definitions.Kinds {
		var load cache.Loader
		if repo != nil {
			load = repo.Loader(k)
		}
		caches[k] = cache.NewEntities(string(k), cacheClient, load, cfg.Cache.DefaultTTL)
	}

	// Router de eventos
	rt, err := router.New(router.Options{NodeID: nodeID, Workers: cfg.Bus.HandlerWorkers}, router.Deps{
		Scripts:         caches[event.KindScript],
		FieldTemplates:  caches[event.KindCustomFieldTemplate],
		EntityTemplates: caches[event.KindCustomEntityTemplate],
		Endpoints:       caches[event.KindEndpoint],
		Jobs:            jobs,
		Executor:        funcs,
		Results:         resolver,
		Store:           store,
		Bus:             b,
	})
	if err != nil {
		return n, err
	}
	if err := b.Start(ctx, rt.Dispatch); err != nil {
		return n, err
	}
	n.onClose(func(context.Context) error { return b.Close() })
	n.onClose(rt.Close)

	// HTTP
	execDeps := executions.Deps{
		NodeID:   nodeID,
		Resolver: resolver,
		Launcher: launcher,
		Catalog:  funcs,
		Results:  store,
	}
	if cfg.Clustered() {
		execDeps.Publisher = b
	}
	hdeps := httprouter.Deps{
		Executions: executions.NewController(execDeps),
		Health: health.NewHealthController(health.Deps{
			NodeID:      nodeID,
			ClusterMode: cfg.Cluster.Mode,
			Checks:      checks,
			Pending:     store.Len,
		}),
		Jobs: jobsctrl.NewController(nodeID, jobs),
	}
	if cfg.Rate.LaunchMax > 0 {
		if redisCli != nil {
			hdeps.LaunchLimiter = rate.NewRedisLimiter(redisCli, cfg.Redis.Prefix+":rl:", cfg.Rate.LaunchMax, cfg.Rate.LaunchWindow)
		} else {
			hdeps.LaunchLimiter = rate.NewMemoryLimiter(cfg.Rate.LaunchMax, cfg.Rate.LaunchWindow)
		}
	}
	if repo != nil {
		hdeps.Definitions = defctrl.NewController(repo, caches)
	}
	n.handler = httprouter.New(hdeps)

	logger.L().Info("node wired",
		logger.NodeID(nodeID),
		logger.String("cluster_mode", cfg.Cluster.Mode),
		logger.String("cache", cfg.Cache.Kind),
		logger.Bool("definitions", repo != nil),
	)
	return n, nil
}
