package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/action"
	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/actionbus"
	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/breaker"
	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/circuitlog"
	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/httpx"
	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/metrics"
	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/ratelimit"
	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/store"
	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/stream"
	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/telemetry"
	"github.com/evtrapper/Phoenix-Circuit-Breaker/pkg/window"
)

type Server struct {
	Breaker             *breaker.Breaker
	Limiter             ratelimit.Limiter
	Cache               store.Cache
	Metrics             *metrics.Registry
	Logs                *circuitlog.Emitter
	Hub                 *stream.Hub
	AuthHeader          string
	AuthToken           string
	SubmitRateLimit     int
	DedupeTTL           time.Duration
	MaxRequestBodyBytes int64
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        func(*http.Server) error
)

func main() {
	if err := run(initTelemetryFn, listenFn); err != nil {
		logFatalf("breaker: %v", err)
	}
}

func run(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "breaker")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	cfg, err := breakerConfigFromEnv()
	if err != nil {
		return err
	}

	hub := stream.NewHub()
	reg := metrics.NewRegistry()
	sinks := []circuitlog.Sink{
		circuitlog.LogSink{},
		circuitlog.HubSink{Hub: hub},
		circuitlog.MetricsSink{Counters: reg},
	}

	var pgClose func()
	if env("DATABASE_ENABLED", "false") == "true" {
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return err
		}
		pgClose = pool.Close
		pgSink := &circuitlog.PostgresSink{DB: pool}
		if err := pgSink.EnsureSchema(ctx); err != nil {
			return err
		}
		sinks = append(sinks, pgSink)
		defer pgClose()
	}

	var kafkaSink *circuitlog.KafkaSink
	if env("KAFKA_ENABLED", "false") == "true" && env("KAFKA_EVENTS_TOPIC", "") != "" {
		kafkaSink = circuitlog.NewKafkaSink(
			strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
			env("KAFKA_EVENTS_TOPIC", ""),
		)
		sinks = append(sinks, kafkaSink)
		defer func() { _ = kafkaSink.Close() }()
	}

	emitter := circuitlog.NewEmitter(envInt("LOG_QUEUE_SIZE", 256), 2*time.Second, sinks...)
	emitter.Start(ctx)

	b, err := breaker.New(cfg, emitter)
	if err != nil {
		return err
	}
	b.Start(ctx)

	var redisClient *redis.Client
	if env("REDIS_ENABLED", "false") == "true" {
		redisClient, err = store.NewRedis(ctx)
		if err != nil {
			log.Printf("redis unavailable, using in-memory fallbacks: %v", err)
		}
	}
	rateWindow := envDuration("SUBMIT_RATE_WINDOW", time.Minute)
	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, rateWindow)
	} else {
		limiter = ratelimit.NewInMemory(rateWindow)
	}

	s := &Server{
		Breaker:             b,
		Limiter:             limiter,
		Cache:               store.NewCache(ctx, redisClient),
		Metrics:             reg,
		Logs:                emitter,
		Hub:                 hub,
		AuthHeader:          env("BREAKER_AUTH_HEADER", ""),
		AuthToken:           env("BREAKER_AUTH_TOKEN", ""),
		SubmitRateLimit:     envInt("SUBMIT_RATE_LIMIT", 120),
		DedupeTTL:           envDuration("EVENT_DEDUPE_TTL", 10*time.Minute),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}

	if env("DATABASE_ENABLED", "false") == "true" && env("WARM_START", "true") == "true" {
		if err := s.warmStart(ctx); err != nil {
			log.Printf("warm start skipped: %v", err)
		}
	}

	if env("KAFKA_ENABLED", "false") == "true" {
		consumer, err := actionbus.NewKafkaConsumer(actionbus.KafkaConfig{
			Brokers: strings.Split(env("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:   env("KAFKA_TOPIC", "phoenix.actions"),
			GroupID: env("KAFKA_GROUP_ID", "phoenix-breaker"),
		})
		if err != nil {
			return err
		}
		defer func() { _ = consumer.Close() }()
		go s.consumeActions(ctx, consumer)
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("breaker"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "breaker"})
	})
	r.Get("/metrics", s.metricsHandler)

	api := chi.NewRouter()
	api.Use(s.serviceAuth)
	api.Post("/v1/actions", s.submitAction)
	api.Get("/v1/circuits/{target_id}", s.getCircuit)
	api.Get("/v1/circuits/{target_id}/status", s.getStatus)
	api.Get("/v1/stream", s.streamEvents)
	r.Mount("/", api)

	addr := env("ADDR", ":8090")
	log.Printf("breaker service listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func breakerConfigFromEnv() (breaker.Config, error) {
	cfg := breaker.DefaultConfig()
	if raw := env("BREAKER_WINDOWS", ""); raw != "" {
		windows, err := window.ParseTable(raw)
		if err != nil {
			return breaker.Config{}, err
		}
		cfg.Windows = windows
	}
	cfg.BucketGranularity = time.Duration(envInt("BREAKER_BUCKET_GRANULARITY_SEC", 60)) * time.Second
	cfg.LateEventGrace = envDuration("LATE_EVENT_GRACE", 2*time.Minute)
	cfg.MinDistinctActors = envInt("COORD_MIN_DISTINCT_ACTORS", cfg.MinDistinctActors)
	cfg.MaxActorsPerWindow = envInt("COORD_MAX_ACTORS_PER_WINDOW", 0)
	if raw := env("COORD_MIN_RATIO", ""); raw != "" {
		ratio, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return breaker.Config{}, errors.New("COORD_MIN_RATIO must be a float")
		}
		cfg.MinRatio = ratio
	}
	if raw := env("WARN_FRACTION", ""); raw != "" {
		frac, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return breaker.Config{}, errors.New("WARN_FRACTION must be a float")
		}
		cfg.WarnFraction = frac
	}
	cfg.CoolDown = envDuration("COOLDOWN_DURATION", cfg.CoolDown)
	cfg.ProbeCount = envInt("PROBE_COUNT", cfg.ProbeCount)
	cfg.IdleEviction = envDuration("IDLE_EVICTION_DURATION", 0)
	cfg.SweepInterval = envDuration("EVICTION_SWEEP_INTERVAL", 0)
	cfg.Shards = envInt("BREAKER_SHARDS", 0)
	return cfg, nil
}

func (s *Server) warmStart(ctx context.Context) error {
	pool, err := store.NewPostgresPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	aggregates, err := store.LoadTargetAggregates(ctx, pool)
	if err != nil {
		return err
	}
	for _, agg := range aggregates {
		s.Breaker.Seed(agg.TargetID, agg.WindowName, agg.ActionType, agg.Count)
	}
	log.Printf("warm start loaded %d aggregates", len(aggregates))
	return nil
}

// consumeActions runs the kafka feed until ctx is cancelled.
func (s *Server) consumeActions(ctx context.Context, consumer actionbus.Consumer) {
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("actionbus read failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		ev, err := actionbus.DecodeEvent(msg)
		if err != nil {
			log.Printf("actionbus: %v", err)
			continue
		}
		s.process(ctx, ev)
	}
}

// process runs one event through dedupe, rate limiting, and the breaker.
func (s *Server) process(ctx context.Context, ev action.Event) (breaker.Decision, int) {
	if err := ev.Validate(); err != nil {
		s.Metrics.CountRejected()
		return breaker.Decision{
			EventID:          ev.EventID,
			AllowScoreImpact: false,
			State:            breaker.StateClosed,
			Reason:           "rejected: " + err.Error(),
		}, http.StatusBadRequest
	}
	if ev.EventID != "" && s.Cache != nil {
		fresh, err := s.Cache.SetNX(ctx, "pcb:evt:"+ev.EventID, "1", s.DedupeTTL)
		if err == nil && !fresh {
			// Retried delivery: answer without recounting.
			s.Metrics.CountDuplicate()
			rec := s.Breaker.CircuitState(ev.TargetID)
			return breaker.Decision{
				EventID:          ev.EventID,
				AllowScoreImpact: false,
				State:            rec.State,
				Reason:           "duplicate event; already counted",
			}, http.StatusOK
		}
	}
	if s.Limiter != nil && s.SubmitRateLimit > 0 {
		if rl := s.Limiter.Allow(ev.ActorID, s.SubmitRateLimit); !rl.Allowed {
			s.Metrics.CountRateLimit()
			return breaker.Decision{
				EventID:          ev.EventID,
				AllowScoreImpact: false,
				State:            s.Breaker.CircuitState(ev.TargetID).State,
				Reason:           "actor rate limited",
			}, http.StatusTooManyRequests
		}
	}

	started := time.Now()
	decision, err := s.Breaker.Submit(ev)
	s.Metrics.ObserveSubmit(time.Since(started))
	if err != nil {
		s.Metrics.CountRejected()
		return decision, http.StatusBadRequest
	}
	s.Metrics.CountDecision(decision.State)
	if decision.Degraded {
		s.Metrics.CountDegraded()
	}
	s.Metrics.SetGauge("live_targets", float64(s.Breaker.Targets()))
	s.Metrics.SetGauge("dropped_late_events", float64(s.Breaker.DroppedLate()))
	s.Metrics.SetGauge("evicted_targets", float64(s.Breaker.Evictions()))
	return decision, http.StatusOK
}

func (s *Server) submitAction(w http.ResponseWriter, r *http.Request) {
	var ev action.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	decision, status := s.process(r.Context(), ev)
	httpx.WriteJSON(w, status, decision)
}

func (s *Server) getCircuit(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	if strings.TrimSpace(targetID) == "" {
		httpx.Error(w, http.StatusBadRequest, "target_id required")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.Breaker.CircuitState(targetID))
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	if strings.TrimSpace(targetID) == "" {
		httpx.Error(w, http.StatusBadRequest, "target_id required")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.Breaker.Status(targetID))
}

// streamEvents upgrades to a websocket and relays circuit events until the
// client goes away.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	sub := s.Hub.Subscribe(64)
	defer s.Hub.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, env); err != nil {
				return
			}
		}
	}
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	s.Metrics.SetGauge("live_targets", float64(s.Breaker.Targets()))
	s.Metrics.SetGauge("dropped_late_events", float64(s.Breaker.DroppedLate()))
	s.Metrics.SetGauge("evicted_targets", float64(s.Breaker.Evictions()))
	s.Metrics.SetGauge("degraded_evaluations", float64(s.Breaker.Degraded()))
	if s.Logs != nil {
		s.Metrics.SetGauge("dropped_log_events", float64(s.Logs.Dropped()))
	}
	s.Metrics.Handler()(w, r)
}

// serviceAuth gates the API on a shared header token when one is configured.
func (s *Server) serviceAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AuthHeader == "" || s.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get(s.AuthHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.AuthToken)) != 1 {
			httpx.Error(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := window.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envDurationSec(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}
