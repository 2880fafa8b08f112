package svc

import (
	"context"
	"fmt"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"botwatch/internal/application/activation"
	"botwatch/internal/application/cache"
	"botwatch/internal/application/eventlog"
	"botwatch/internal/application/multiplexer"
	"botwatch/internal/application/port"
	"botwatch/internal/application/position"
	"botwatch/internal/application/usecase/watch"
	"botwatch/internal/infrastructure/config"
	"botwatch/internal/infrastructure/notify"
	"botwatch/internal/infrastructure/notify/telegram"
	"botwatch/internal/infrastructure/pricefeed"
	"botwatch/internal/infrastructure/storage"
	"botwatch/internal/infrastructure/storage/composite"
	pgrepo "botwatch/internal/infrastructure/storage/postgres"
	redisrepo "botwatch/internal/infrastructure/storage/redis"
	sqliterepo "botwatch/internal/infrastructure/storage/sqlite"
	"botwatch/internal/interfaces/console"
	"botwatch/internal/interfaces/httpapi"
)

// ServiceContext owns every long-lived component. Build it once at startup
// and Close it on exit.
type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// 存储层（第一层初始化）
	KV port.KVStore
	// 行情与业务组件（依赖存储层）
	Mux           *multiplexer.Multiplexer
	Positions     *position.Aggregator
	Monitor       *activation.Monitor
	Notifications *eventlog.Store
	Activity      *eventlog.Store
	Toasts        *eventlog.Toasts
	Charts        *cache.ChartCache
	Liquidations  *cache.LiquidationCache
	History       *sqliterepo.HistoryRepo
	Sink          port.Sink // 可选，console 开启时才创建

	redisClient *redisclient.Client
	sqliteRepo  *sqliterepo.Repo

	// 资源管理，Close 时逆序执行
	closerChain []func() error
}

// New 创建并初始化 ServiceContext
// 这是应用启动的唯一入口点，初始化失败时已打开的资源会被释放
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		closerChain: make([]func() error, 0),
	}
	if err := sc.initializeComponents(); err != nil {
		// 清理已初始化的资源
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents 按依赖顺序初始化所有组件
func (sc *ServiceContext) initializeComponents() error {
	// 0. 存储层
	if err := sc.initializeStorage(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInitFailed, err)
	}

	// 1. 行情源与订阅复用器
	factory, ok := pricefeed.Get(sc.Config.Feed.Provider)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFeed, sc.Config.Feed.Provider)
	}
	opts := multiplexer.DefaultOptions
	opts.MinBackoff = sc.Config.MinBackoff()
	opts.MaxBackoff = sc.Config.MaxBackoff()
	sc.Mux = multiplexer.New(factory(sc.Config.Feed.WsURL), opts)

	// 2. 通知、活动日志与 toast
	notes := eventlog.NotificationOptions()
	notes.Capacity = sc.Config.Stores.NotificationCapacity
	sc.Notifications = eventlog.New(sc.Ctx, sc.KV, notes)
	act := eventlog.ActivityOptions()
	act.Capacity = sc.Config.Stores.ActivityCapacity
	sc.Activity = eventlog.New(sc.Ctx, sc.KV, act)
	sc.Toasts = eventlog.NewToasts()

	// 3. 图表与强平价缓存
	sc.Charts = cache.NewChartCache(sc.Config.Cache.ChartCapacity, time.Duration(sc.Config.Cache.ChartStaleSeconds)*time.Second)
	sc.Liquidations = cache.NewLiquidationCache(
		time.Duration(sc.Config.Cache.LiquidationThrottleMs)*time.Millisecond,
		cache.LevelGenerator(cache.DefaultLeverages, cache.DefaultMaintenanceRate),
	)

	forward, err := sc.buildForwarder()
	if err != nil {
		return err
	}

	// 4. 持仓聚合与激活监控
	sc.Positions = position.NewAggregator()
	sc.Monitor = activation.NewMonitor(activation.Deps{
		Notifications: sc.Notifications,
		Activity:      sc.Activity,
		Alerts:        console.NewAlertPlayer(),
		Settings:      sc.KV,
		Forward:       forward,
	})
	if sc.Config.App.Console {
		sc.Sink = console.NewSink()
	}

	log.Info().
		Str("feed", sc.Config.Feed.Provider).
		Str("storage", sc.Config.Storage.Backend).
		Strs("mirrors", sc.Config.Storage.Mirrors).
		Bool("forward", forward != nil).
		Msg("✓ All components initialized")
	return nil
}

// initializeStorage opens the primary backend and every mirror, then wraps
// them in a composite when mirrors are configured.
func (sc *ServiceContext) initializeStorage() error {
	primary, err := sc.openBackend(sc.Config.Storage.Backend)
	if err != nil {
		return err
	}
	var mirrors []port.KVStore
	for _, name := range sc.Config.Storage.Mirrors {
		m, err := sc.openBackend(name)
		if err != nil {
			return err
		}
		mirrors = append(mirrors, m)
	}
	if len(mirrors) == 0 {
		sc.KV = primary
	} else {
		sc.KV = composite.New(primary, mirrors...)
	}

	if sc.Config.SQLite.History {
		if err := sc.initSQLite(); err != nil {
			return err
		}
		sc.History = sqliterepo.NewHistoryRepo(sc.sqliteRepo.GetDB())
	}
	return nil
}

// openBackend 按名称打开一个 KV 后端，同一连接只初始化一次
func (sc *ServiceContext) openBackend(name string) (port.KVStore, error) {
	switch name {
	case "memory":
		return storage.NewMemoryKV(), nil
	case "sqlite":
		if err := sc.initSQLite(); err != nil {
			return nil, err
		}
		return sc.sqliteRepo, nil
	case "redis":
		if err := sc.initRedis(); err != nil {
			return nil, err
		}
		return redisrepo.New(sc.redisClient, sc.Config.Redis.Prefix, time.Duration(sc.Config.Redis.TTLSeconds)*time.Second), nil
	case "postgres":
		return sc.initPostgres()
	default:
		return nil, fmt.Errorf("unknown storage backend %q", name)
	}
}

// initRedis 初始化 Redis 连接
func (sc *ServiceContext) initRedis() error {
	if sc.redisClient != nil {
		return nil
	}
	rdb := redisclient.NewClient(&redisclient.Options{
		Addr:     sc.Config.Redis.Addr,
		Password: sc.Config.Redis.Password,
		DB:       sc.Config.Redis.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(sc.Ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	sc.redisClient = rdb
	// 注册关闭回调
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})
	log.Info().
		Str("addr", sc.Config.Redis.Addr).
		Int("db", sc.Config.Redis.DB).
		Msg("✓ Redis initialized")
	return nil
}

// initSQLite opens the database once; the KV backend and the activation
// history share it.
func (sc *ServiceContext) initSQLite() error {
	if sc.sqliteRepo != nil {
		return nil
	}
	repo, err := sqliterepo.NewWithPoll(sc.Config.SQLite.Path, time.Duration(sc.Config.SQLite.PollMs)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("sqlite repo creation failed: %w", err)
	}
	sc.sqliteRepo = repo
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing sqlite connection")
		return repo.Close()
	})
	log.Info().
		Str("path", sc.Config.SQLite.Path).
		Msg("✓ SQLite initialized")
	return nil
}

// initPostgres 初始化 Postgres 连接池
func (sc *ServiceContext) initPostgres() (port.KVStore, error) {
	ctx, cancel := context.WithTimeout(sc.Ctx, 10*time.Second)
	defer cancel()
	repo, err := pgrepo.New(ctx, sc.Config.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres init failed: %w", err)
	}
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing postgres pool")
		return repo.Close()
	})
	log.Info().Msg("✓ Postgres initialized")
	return repo, nil
}

// buildForwarder 组装激活事件的外部转发目标（Telegram、SQLite 历史）
// 没有目标时返回 nil
func (sc *ServiceContext) buildForwarder() (port.Notifier, error) {
	var targets []port.Notifier
	if sc.Config.Telegram.Enabled {
		tg, err := telegram.New(sc.Config.Telegram.Token, sc.Config.Telegram.ChatID)
		if err != nil {
			return nil, fmt.Errorf("telegram init failed: %w", err)
		}
		targets = append(targets, tg)
		log.Info().Int64("chat_id", sc.Config.Telegram.ChatID).Msg("✓ Telegram forwarding enabled")
	}
	if sc.History != nil {
		targets = append(targets, sc.History)
	}
	return notify.NewFanout(targets...), nil
}

// WatchDeps 构建 watch 流水线所需的依赖
func (sc *ServiceContext) WatchDeps() watch.ServiceDeps {
	return watch.ServiceDeps{
		Mux:           sc.Mux,
		Positions:     sc.Positions,
		Monitor:       sc.Monitor,
		Notifications: sc.Notifications,
		Activity:      sc.Activity,
		Toasts:        sc.Toasts,
		ToastDuration: sc.Config.ToastDuration(),
		Sink:          sc.Sink,
		PrintEvery:    sc.Config.PrintEvery(),
		Formatter:     watch.NewFormatter(true),
	}
}

// HTTPDeps 构建 HTTP API 所需的依赖
func (sc *ServiceContext) HTTPDeps() httpapi.Deps {
	d := httpapi.Deps{
		Positions:     sc.Positions,
		Notifications: sc.Notifications,
		Activity:      sc.Activity,
		Toasts:        sc.Toasts,
		Charts:        sc.Charts,
		Liquidations:  sc.Liquidations,
		HistoryLimit:  sc.Config.SQLite.HistoryLimit,
	}
	// a nil *HistoryRepo must not become a non-nil interface
	if sc.History != nil {
		d.History = sc.History
	}
	return d
}

// Close 关闭 ServiceContext 中的所有资源，按获取顺序逆序释放
func (sc *ServiceContext) Close() error {
	if sc.Toasts != nil {
		sc.Toasts.Close()
	}
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			log.Error().Err(err).Msg("error closing resource")
		}
	}
	sc.closerChain = nil
	return nil
}
