package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/geoffjay/plantd/fleet/broker"
	"github.com/geoffjay/plantd/fleet/registry"
	"github.com/geoffjay/plantd/fleet/router"

	"github.com/nelkinda/health-go"
	log "github.com/sirupsen/logrus"
)

// Service wires a Broker to a Redis-backed registry and a direct TCP
// router, plus a health endpoint, following state/service.go's
// setup-then-Run shape.
type Service struct {
	config *Config
	client *redis.Client
	reg    registry.Registry
	rt     *router.Router
	broker *broker.Broker
}

// NewService creates an instance of the service.
func NewService(config *Config) *Service {
	return &Service{config: config}
}

func (s *Service) setupRegistry() {
	s.client = redis.NewClient(&redis.Options{
		Addr:     s.config.Redis.Address,
		Password: s.config.Redis.Password,
		DB:       s.config.Redis.DB,
	})
	s.reg = registry.NewRedisRegistry(s.client, s.config.NS, s.config.ChPrefix)
}

func (s *Service) setupBroker() {
	s.rt = router.New(s.config.SocTimeout)

	brokerCfg := broker.Config{
		NS:                   s.config.NS,
		ChPrefix:             s.config.ChPrefix,
		ClusterName:          s.config.ClusterName,
		Addr:                 s.config.Addr,
		RPCTimeout:           s.config.RPCTimeout,
		TTL:                  s.config.TTL,
		BatchReadSize:        s.config.BatchReadSize,
		BrokerCacheMax:       s.config.BrokerCache.Max,
		BrokerCacheMaxAge:    s.config.BrokerCache.MaxAge,
		RetryInitialInterval: s.config.Retries.InitialInterval,
		RetryMaxInterval:     s.config.Retries.MaxInterval,
		RetryDuration:        s.config.Retries.Duration,
		SocketTimeout:        s.config.SocTimeout,
		HealthCheckInterval:  s.config.HealthCheckInterval,
	}.WithDefaults()

	brokerID := fmt.Sprintf("%s-%s", s.config.Service.ID, uuid.NewString())
	s.broker = broker.New(brokerID, s.reg, s.rt, brokerCfg)
}

// Run handles the service execution: bring up the registry connection and
// broker, start it listening, and run until ctx is cancelled.
func (s *Service) Run(ctx context.Context, wg *sync.WaitGroup) {
	s.setupRegistry()
	s.setupBroker()

	defer func() {
		_ = s.reg.Close()
	}()

	defer wg.Done()
	log.WithFields(log.Fields{"context": "service.run"}).Debug("starting")

	if err := s.broker.Start(ctx, s.config.Addr); err != nil {
		log.WithFields(log.Fields{"error": err}).Fatal("failed to start broker")
	}

	wg.Add(1)
	go s.runHealth(ctx, wg)

	<-ctx.Done()

	destroyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.broker.Destroy(destroyCtx, true); err != nil {
		log.WithFields(log.Fields{"error": err}).Warn("broker destroy failed during shutdown")
	}

	log.WithFields(log.Fields{"context": "service.run"}).Debug("exiting")
}

func (s *Service) runHealth(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	log.WithFields(log.Fields{"context": "service.run-health"}).Debug("starting")

	mux := http.NewServeMux()

	h := health.New(health.Health{
		Version:   "1",
		ReleaseID: "1.0.0-SNAPSHOT",
	})
	mux.HandleFunc("/healthz", h.Handler)
	mux.HandleFunc("/health", s.healthStatusHandler)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.HealthPort),
		Handler: mux,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithFields(log.Fields{"error": err}).Fatal("failed to start health server")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	log.WithFields(log.Fields{"context": "service.run-health"}).Debug("exiting")
}

func (s *Service) healthStatusHandler(w http.ResponseWriter, r *http.Request) {
	state := s.broker.State()
	workers := s.broker.WorkerInfo()

	healthy := state == broker.StateActive

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	fmt.Fprintf(w, `{"status":%q,"brokerState":%q,"workerCount":%d,"errorCount":%d,"timestamp":%q}`,
		statusLabel(healthy), state, len(workers), s.broker.ErrorCount(), time.Now().Format(time.RFC3339))
}

func statusLabel(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}
