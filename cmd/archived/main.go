// archived hosts the archive ingestion substrate: provider strategies,
// fallback router, filter pipeline, and the extractor cascade, exposed to
// the operations layer through the Router's query API with a thin
// health/metrics HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/archivecore/webarchive/internal/config"
	"github.com/archivecore/webarchive/internal/logging"
	"github.com/archivecore/webarchive/internal/metrics"
	"github.com/archivecore/webarchive/internal/ratelimit"
	"github.com/archivecore/webarchive/pkg/archiverouter"
	"github.com/archivecore/webarchive/pkg/breaker"
	"github.com/archivecore/webarchive/pkg/capture"
	"github.com/archivecore/webarchive/pkg/capture/filter"
	"github.com/archivecore/webarchive/pkg/extract"
	"github.com/archivecore/webarchive/pkg/fetchcache"
	"github.com/archivecore/webarchive/pkg/strategy"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to the YAML config file")
		listenAddr = flag.String("listen", ":8080", "health/metrics listen address")
		dev        = flag.Bool("dev", false, "development logging")
	)
	flag.Parse()

	logger, err := logging.New(*dev)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	watcher, err := config.NewWatcher(*configPath, func(err error) {
		logger.Warn("config reload failed, keeping previous config", zap.Error(err))
	})
	if err != nil {
		logger.Fatal("loading config", zap.Error(err))
	}
	defer watcher.Close()
	cfg := watcher.Current()

	reg := metrics.New()
	client := &http.Client{Timeout: 30 * time.Second}

	newBreaker := func() *breaker.Breaker {
		return breaker.New(breaker.Config{
			FailureThreshold:   cfg.Breaker.FailureThreshold,
			RecoveryTimeout:    time.Duration(cfg.Breaker.RecoveryTimeoutS) * time.Second,
			HalfOpenMaxProbes:  cfg.Breaker.HalfOpenMaxProbes,
			MaxRecoveryTimeout: time.Duration(cfg.Breaker.MaxRecoveryTimeoutS) * time.Second,
		})
	}

	cdxRPM := cfg.Archive.StrategyRateLimitsMin["primary_cdx"]
	if cdxRPM == 0 {
		cdxRPM = 15
	}

	var proxyConfigs []clientcredentials.Config
	for _, ep := range cfg.Proxy.Endpoints {
		id, secret, _ := strings.Cut(cfg.Proxy.Credentials, ":")
		proxyConfigs = append(proxyConfigs, clientcredentials.Config{
			ClientID: id, ClientSecret: secret, TokenURL: ep,
		})
	}

	strategies := []strategy.QueryStrategy{
		strategy.NewPrimaryCDXStrategy(client, newBreaker(),
			ratelimit.New(cdxRPM, 0), cfg.Archive.Endpoints.CDX),
		strategy.NewPrimaryColumnarStrategy(client, newBreaker(), cfg.Archive.Endpoints.Columnar),
		strategy.NewSecondaryArchiveStrategy(client, newBreaker(), cfg.Archive.Endpoints.Secondary),
	}
	if len(proxyConfigs) > 0 {
		proxyPool := strategy.NewProxyPool(proxyConfigs)
		proxyPool.SetRotationPolicy(strategy.RotationPolicy(cfg.Proxy.RotationPolicy))
		strategies = append(strategies, strategy.NewProxiedColumnarStrategy(
			newBreaker(), proxyPool, cfg.Archive.Endpoints.Columnar))
	}
	if cfg.Archive.Endpoints.DirectIndex != "" {
		di, err := strategy.NewDirectIndexStrategy(client, newBreaker(), cfg.Archive.Endpoints.DirectIndex)
		if err != nil {
			logger.Fatal("building direct-index strategy", zap.Error(err))
		}
		strategies = append(strategies, di)
	}

	pipeline := filter.NewPipeline(cfg.Archive.MinContentLength)
	router := archiverouter.New(strategies, pipeline, reg)
	router.SetFallbackPolicy(cfg.Archive.FallbackEnabled, cfg.Archive.MaxFallbackAttempts)

	cache, err := fetchcache.New(cfg.FetchCache.MaxEntries, time.Duration(cfg.FetchCache.TTLSeconds)*time.Second)
	if err != nil {
		logger.Fatal("building fetch cache", zap.Error(err))
	}
	cascade := extract.New(extract.Config{
		T1: extract.TierConfig{FailureThreshold: 10, RecoveryTimeout: 30 * time.Second},
		T2: extract.TierConfig{FailureThreshold: 8, RecoveryTimeout: 45 * time.Second},
		T3: extract.TierConfig{FailureThreshold: 3, RecoveryTimeout: 20 * time.Second},
		T4: extract.TierConfig{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second},
		MinLength:        cfg.Extractor.MinTextLength,
		RatePerMinute:    cfg.Extractor.ArchiveReachthroughRPM,
		MinInterval:      time.Duration(cfg.Extractor.ArchiveReachthroughMinInterval) * time.Second,
		ExtractorVersion: "v1",
	}, extract.StructureAware, extract.NewsStyle, extract.GenericHTML,
		extract.NewHTTPReachThrough(client), cache, reg)

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID, middleware.Recoverer)
	mux.Use(cors.Handler(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET"}}))
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		health := make(map[string]strategy.Health, len(strategies))
		for _, s := range strategies {
			health[s.Kind().String()] = s.Health()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     "ok",
			"strategies": health,
			"cache":      cache.Stats(),
		})
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Registry(), promhttp.HandlerOpts{}))

	// Thin operational surface over the unified query contract: captures
	// stream out as NDJSON, one record per line.
	mux.Get("/v1/captures", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		from, err1 := time.Parse("20060102", q.Get("from"))
		to, err2 := time.Parse("20060102", q.Get("to"))
		domain := q.Get("domain")
		if domain == "" || err1 != nil || err2 != nil {
			http.Error(w, "domain, from and to (YYYYMMDD) are required", http.StatusBadRequest)
			return
		}
		pref := archiverouter.Preference(q.Get("preference"))
		if pref == "" {
			pref = archiverouter.Preference(watcher.Current().Archive.Preference)
		}

		handle := router.StartQuery(r.Context(), domain, from, to, pref, 2*time.Minute)
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		for c := range handle.Stream() {
			if err := enc.Encode(c); err != nil {
				handle.Cancel()
				return
			}
		}
		if err := handle.Err(); err != nil {
			logger.Warn("unified query failed", zap.String("domain", domain), zap.Error(err))
			_ = enc.Encode(map[string]any{"error": err.Error()})
		}
	})

	mux.Get("/v1/extract", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		cap := &capture.Capture{
			OriginalURL:  q.Get("url"),
			RawTimestamp: q.Get("timestamp"),
			Source:       capture.Source(q.Get("source")),
		}
		if cap.OriginalURL == "" || cap.RawTimestamp == "" {
			http.Error(w, "url and timestamp are required", http.StatusBadRequest)
			return
		}
		entry, cached, err := cascade.Extract(r.Context(), cap, func(ctx context.Context) ([]byte, string, error) {
			return fetchBytes(ctx, client, cap.ArchiveURL())
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tier_used": entry.TierUsed,
			"cached":    cached,
			"text":      entry.Text,
		})
	})

	srv := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		logger.Info("archived listening", zap.String("addr", *listenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func fetchBytes(ctx context.Context, client *http.Client, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}
