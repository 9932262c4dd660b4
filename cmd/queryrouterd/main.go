// queryrouterd hosts the analytics-facing half of the core: the query
// classifier, the hybrid OLTP/OLAP router with its pools, quotas and result
// caches, and the dual-write sync consumer keeping the analytical engine
// eventually consistent with the transactional store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/archivecore/webarchive/internal/config"
	"github.com/archivecore/webarchive/internal/logging"
	"github.com/archivecore/webarchive/internal/metrics"
	"github.com/archivecore/webarchive/pkg/dualwritesync"
	"github.com/archivecore/webarchive/pkg/olap"
	"github.com/archivecore/webarchive/pkg/oltp"
	"github.com/archivecore/webarchive/pkg/queryclassifier"
	"github.com/archivecore/webarchive/pkg/queryrouter"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to the YAML config file")
		listenAddr = flag.String("listen", ":8081", "health/metrics listen address")
		dev        = flag.Bool("dev", false, "development logging")
	)
	flag.Parse()

	logger, err := logging.New(*dev)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logging.AsLogr(logger)

	watcher, err := config.NewWatcher(*configPath, func(err error) {
		logger.Warn("config reload failed, keeping previous config", zap.Error(err))
	})
	if err != nil {
		logger.Fatal("loading config", zap.Error(err))
	}
	defer watcher.Close()
	cfg := watcher.Current()

	reg := metrics.New()

	store, err := oltp.Open(cfg.Router.Pools.OLTP.DSN, oltp.PoolSettings{
		MaxConn:     cfg.Router.Pools.OLTP.MaxConn,
		IdleTimeout: time.Duration(cfg.Router.Pools.OLTP.IdleTimeoutS) * time.Second,
		MaxLifetime: time.Duration(cfg.Router.Pools.OLTP.MaxLifetimeS) * time.Second,
	})
	if err != nil {
		logger.Fatal("opening oltp store", zap.Error(err))
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("migrating sync schema", zap.Error(err))
	}

	analytical, err := olap.Open(cfg.Router.Pools.OLAP.DSN, olap.PoolSettings{
		MaxConn:     cfg.Router.Pools.OLAP.MaxConn,
		IdleTimeout: time.Duration(cfg.Router.Pools.OLAP.IdleTimeoutS) * time.Second,
		MaxLifetime: time.Duration(cfg.Router.Pools.OLAP.MaxLifetimeS) * time.Second,
	})
	if err != nil {
		logger.Fatal("opening olap engine", zap.Error(err))
	}
	defer analytical.Close()
	analytical.SetMirroredTables(cfg.Router.OLTPTables)

	classifier, err := queryclassifier.New(queryclassifier.Config{
		OLTPTables: cfg.Router.OLTPTables,
		OLAPTables: cfg.Router.OLAPTables,
	})
	if err != nil {
		logger.Fatal("building classifier", zap.Error(err))
	}

	var l2 redis.UniversalClient
	if addr := cfg.Router.Cache.RedisAddr; addr != "" {
		l2 = redis.NewClient(&redis.Options{Addr: addr})
	}
	l1Entries := cfg.Router.Cache.L1Entries
	if l1Entries == 0 {
		l1Entries = 4096
	}
	cache, err := queryrouter.NewResultCache(l1Entries,
		time.Duration(cfg.Router.Cache.L1TTLSeconds)*time.Second,
		time.Duration(cfg.Router.Cache.L2TTLSeconds)*time.Second, l2, log)
	if err != nil {
		logger.Fatal("building result cache", zap.Error(err))
	}

	router := queryrouter.New(queryrouter.Config{
		Quotas: queryrouter.QuotaConfig{
			Critical: cfg.Router.Quotas.Critical,
			High:     cfg.Router.Quotas.High,
			Normal:   cfg.Router.Quotas.Normal,
		},
		DegradeTimeSeries: cfg.Router.DegradeTimeSeries,
	}, classifier,
		queryrouter.NewPool(map[string]queryrouter.Engine{"oltp-0": store}),
		queryrouter.NewPool(map[string]queryrouter.Engine{"olap-0": analytical}),
		cache, reg, log)

	offsets := store.Offsets("olap-mirror")
	resumeFrom, err := offsets.Load(ctx)
	if err != nil {
		logger.Fatal("loading sync offset", zap.Error(err))
	}
	consumer := dualwritesync.NewConsumer(dualwritesync.Config{
		BatchSize:     cfg.Sync.BatchSize,
		WatermarkHigh: cfg.Sync.WatermarkHigh,
		WatermarkLow:  cfg.Sync.WatermarkLow,
		RetentionDays: cfg.Sync.RetentionDays,
	}, store.NewPollStream(resumeFrom, 0), analytical, offsets, reg, log)
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("sync consumer stopped", zap.Error(err))
		}
	}()

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID, middleware.Recoverer)
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Registry(), promhttp.HandlerOpts{}))

	// Thin surface over the router's execute contract for operational use;
	// the real analytics API lives in the operations layer.
	mux.Post("/v1/query", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SQL      string `json:"sql"`
			Priority string `json:"priority"`
			UseCache bool   `json:"use_cache"`
			Context  string `json:"context"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SQL == "" {
			http.Error(w, "sql is required", http.StatusBadRequest)
			return
		}
		priority := queryrouter.Priority(req.Priority)
		if priority == "" {
			priority = queryrouter.PriorityNormal
		}
		stream, err := router.Route(r.Context(), req.SQL, queryrouter.Options{
			Priority: priority,
			UseCache: req.UseCache,
			Context:  queryclassifier.Context{Key: req.Context},
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"target":        stream.Target,
			"degraded":      stream.Degraded,
			"cached":        stream.Cached,
			"rows_affected": stream.RowsAffected,
			"rows":          stream.All(),
		})
	})

	srv := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		logger.Info("queryrouterd listening", zap.String("addr", *listenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
