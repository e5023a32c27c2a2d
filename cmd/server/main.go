package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/koopa0/system-design/14-realtime-rooms/internal/auth"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/config"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/events"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/gateway"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/migrations"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/protocol"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/registry"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/room"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/session"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/tick"
	"github.com/koopa0/system-design/14-realtime-rooms/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "配置檔路徑（留空只使用預設值與環境變數）")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.Init(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.AddSource,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 線上協議
	codec, err := protocol.NewCodec(cfg.Protocol.Codec)
	if err != nil {
		return err
	}
	framer := protocol.NewFramer(codec, protocol.FramerOptions{
		Compress:          cfg.Protocol.Compress,
		CompressThreshold: cfg.Protocol.CompressThreshold,
		MaxMessageSize:    cfg.Session.MaxMessageSize,
	})

	// 房間事件
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NATS.Enabled {
		nc, err := events.NewNATSPublisher(events.NATSOptions{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			ReconnectWait: cfg.NATS.ReconnectWait,
		}, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		publisher = nc
	}

	// 身份驗證
	resolver, cleanup, err := buildResolver(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	// 房間註冊表與 Tick 驅動
	reg := registry.New(registry.Options{
		Shards:          cfg.Room.Shards,
		StaticRooms:     cfg.Room.StaticRooms,
		EmptyTTL:        cfg.Room.EmptyTTL,
		JanitorInterval: cfg.Room.JanitorInterval,
		Room: room.Options{
			MaxMembers: cfg.Room.MaxMembers,
			IdleTicks:  cfg.Room.IdleTicks,
			Framer:     framer,
			Publisher:  publisher,
			Logger:     log,
		},
	})
	driver := tick.New(reg, tick.Options{
		Period:    cfg.Tick.Period,
		SkinEvery: cfg.Tick.SkinEvery,
		Workers:   cfg.Tick.Workers,
		SlowTick:  cfg.Tick.SlowTick,
	}, log)

	gw := gateway.NewServer(gateway.Options{
		MaxConnections: cfg.Server.MaxConnections,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Session: session.Config{
			SendBuffer:        cfg.Session.SendBuffer,
			MaxMessageSize:    cfg.Session.MaxMessageSize,
			WriteWait:         cfg.Session.WriteWait,
			PongWait:          cfg.Session.PongWait,
			MessagesPerSecond: cfg.Session.MessagesPerSecond,
			Burst:             cfg.Session.Burst,
			ChatCooldown:      cfg.Session.ChatCooldown,
		},
	}, gateway.Deps{
		Registry: reg,
		Resolver: resolver,
		Assigner: gateway.QueryAssigner{Default: cfg.Room.DefaultRoom},
		Framer:   framer,
		Ticks:    driver,
		Logger:   log,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      gw.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return driver.Run(gctx)
	})

	if cfg.Room.GCEmpty {
		g.Go(func() error {
			reg.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		log.Info("即時房間伺服器已啟動",
			"addr", cfg.Server.Addr,
			"codec", codec.Name(),
			"auth", cfg.Auth.Mode,
			"tick", cfg.Tick.Period,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("正在關閉")

		// WebSocket 連線已被 Hijack，http.Server.Shutdown 不會等它們
		gw.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP 伺服器關閉失敗", "error", err)
		}
		return nil
	})

	err = g.Wait()

	// Tick 驅動已停止，可以安全關閉所有房間
	reg.Close()
	log.Info("伺服器已停止")
	return err
}

// buildResolver 依驗證模式建立 Resolver，回傳的 cleanup 關閉所有外部連線
func buildResolver(ctx context.Context, cfg *config.Config, log *slog.Logger) (auth.Resolver, func(), error) {
	noop := func() {}

	switch cfg.Auth.Mode {
	case "jwt":
		return &auth.JWTResolver{
			Secret:         []byte(cfg.Auth.JWTSecret),
			Issuer:         cfg.Auth.JWTIssuer,
			CookieName:     cfg.Auth.CookieName,
			AllowAnonymous: cfg.Auth.AllowAnonymous,
		}, noop, nil

	case "session":
		if cfg.Auth.Migrate {
			if err := migrate(cfg.PostgresDSN(), log); err != nil {
				return nil, noop, err
			}
		}

		pool, err := openPostgres(ctx, cfg)
		if err != nil {
			return nil, noop, err
		}

		var store auth.SessionStore = auth.NewPostgresStore(pool, log)
		closers := []func(){pool.Close}

		if cfg.Redis.Addr != "" {
			client := redis.NewClient(&redis.Options{
				Addr:         cfg.Redis.Addr,
				Password:     cfg.Redis.Password,
				DB:           cfg.Redis.DB,
				PoolSize:     cfg.Redis.PoolSize,
				MinIdleConns: cfg.Redis.MinIdleConns,
				MaxRetries:   cfg.Redis.MaxRetries,
				ReadTimeout:  cfg.Redis.ReadTimeout,
				WriteTimeout: cfg.Redis.WriteTimeout,
			})
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := client.Ping(pingCtx).Err()
			cancel()
			if err != nil {
				// 快取不可用時直接查詢 PostgreSQL
				log.Warn("Redis 不可用，停用 session 快取", "addr", cfg.Redis.Addr, "error", err)
				_ = client.Close()
			} else {
				store = auth.NewRedisCache(client, store, cfg.Auth.CacheTTL, log)
				closers = append(closers, func() { _ = client.Close() })
			}
		}

		cleanup := func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
		return &auth.TokenResolver{
			Store:          store,
			CookieName:     cfg.Auth.CookieName,
			AllowAnonymous: cfg.Auth.AllowAnonymous,
		}, cleanup, nil

	default:
		return auth.AnonymousResolver{}, noop, nil
	}
}

func openPostgres(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.MinConns = cfg.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func migrate(dsn string, log *slog.Logger) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	m, err := migrations.NewWithDB(db, log)
	if err != nil {
		return err
	}
	return m.Up()
}
