// matcherd wires the Route-Pooling Matching Engine to its collaborators
// (Redis Pool Store + notification bus, Postgres Trip Store, the external
// routing API) behind a fixed-size worker pool, and serves the ambient
// health/metrics surface alongside it.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/airport-cabpool/internal/config"
	"github.com/example/airport-cabpool/internal/dispatch"
	"github.com/example/airport-cabpool/internal/httpapi"
	"github.com/example/airport-cabpool/internal/ingest"
	"github.com/example/airport-cabpool/internal/logging"
	"github.com/example/airport-cabpool/internal/matcher"
	"github.com/example/airport-cabpool/internal/models"
	"github.com/example/airport-cabpool/internal/notifybus"
	"github.com/example/airport-cabpool/internal/pool"
	"github.com/example/airport-cabpool/internal/routeindex"
	"github.com/example/airport-cabpool/internal/routing"
	"github.com/example/airport-cabpool/internal/tripstore"
)

func main() {
	cfg, err := config.Load()
	log := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	poolStore := pool.New(redisClient, cfg.PoolSetKey)
	bus := notifybus.New(redisClient, "")

	tripStore, err := tripstore.Open(cfg.PGDSN)
	if err != nil {
		log.Error("failed to connect to trip store", "error", err)
		os.Exit(1)
	}

	routingClient := routing.NewClient(cfg.RoutingAPIBaseURL, cfg.RoutingAPIKey, cfg.RoutingTimeout)
	indexer := routeindex.NewIndexer(models.Coord{Lat: cfg.OriginLat, Lon: cfg.OriginLng}, cfg.HexResolution, routingClient)

	var auditor *ingest.Producer
	if len(cfg.KafkaBrokers) > 0 {
		auditor = ingest.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer auditor.Close()
	}

	svc := matcher.NewService(poolStore, tripStore, bus, indexer, routingClient, matcher.Config{
		CellWidth:          routeindex.CellWidth,
		MaxPassengers:      cfg.MaxPassengers,
		LuggageCapacity:    cfg.LuggageCapacity,
		DetourMaxM:         cfg.DetourMaxM,
		NeighbourScanLimit: int64(cfg.NeighbourScanLimit),
		RatePerKM:          cfg.RatePerKM,
		PoolDiscountFactor: cfg.PoolDiscountFactor,
	}, log)
	if auditor != nil {
		svc.Auditor = auditor
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workers, err := dispatch.New(ctx, cfg.WorkerPoolSize, svc, cfg.WorkerReadyTimeout, log)
	if err != nil {
		log.Error("dispatcher failed to start", "error", err)
		os.Exit(1)
	}
	defer workers.Stop()

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(redisClient, workers, bus, log),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		log.Info("matcherd listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped unexpectedly", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", "error", err)
	}
}
