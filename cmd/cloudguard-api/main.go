// cloudguard-api serves the scoring pipeline over HTTP and, optionally, a
// Kafka consume loop. Models are loaded from disk at startup and can be
// retrained and swapped at runtime through POST /train.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"cloudguard/pkg/anomaly"
	"cloudguard/pkg/archive"
	"cloudguard/pkg/classifier"
	"cloudguard/pkg/decision"
	"cloudguard/pkg/detect"
	"cloudguard/pkg/event"
	"cloudguard/pkg/feature"
	"cloudguard/pkg/ratelimit"
	"cloudguard/pkg/state"
	"cloudguard/pkg/stream"
	"cloudguard/pkg/structlog"
	"cloudguard/pkg/training"
)

type config struct {
	Addr              string        `env:"ADDR" envDefault:":8080"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
	ModelDir          string        `env:"MODEL_DIR" envDefault:"models"`
	AnomalyThreshold  float64       `env:"ANOMALY_THRESHOLD" envDefault:"0.7"`
	ConfidenceFloor   float64       `env:"CONFIDENCE_FLOOR" envDefault:"0.5"`
	Shards            int           `env:"SHARDS" envDefault:"4"`
	RateLimit         int           `env:"RATE_LIMIT" envDefault:"60"`
	RateWindow        time.Duration `env:"RATE_WINDOW" envDefault:"1m"`
	RedisAddr         string        `env:"REDIS_ADDR"`
	RedisTTL          time.Duration `env:"REDIS_TTL" envDefault:"168h"`
	PostgresDSN       string        `env:"POSTGRES_DSN"`
	PostgresMaxConns  int           `env:"POSTGRES_MAX_CONNS" envDefault:"20"`
	KafkaBrokers      []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaEventTopic   string        `env:"KAFKA_EVENT_TOPIC" envDefault:"audit-events"`
	KafkaVerdictTopic string        `env:"KAFKA_VERDICT_TOPIC" envDefault:"verdicts"`
	KafkaGroup        string        `env:"KAFKA_GROUP" envDefault:"cloudguard"`
}

type server struct {
	cfg      config
	log      *structlog.Logger
	schema   *feature.Schema
	pipeline *detect.Pipeline
	dec      *decision.Engine
	arch     *archive.Archive
	store    state.Store
	limiter  *ratelimit.Limiter
}

func main() {
	_ = godotenv.Load()

	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "parse config: %v\n", err)
		os.Exit(1)
	}

	log := structlog.NewLogger("cloudguard-api", structlog.ParseLevel(cfg.LogLevel), os.Stdout)

	var store state.Store
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		store = state.NewRedisStore(redisClient, cfg.RedisTTL)
		log.Info("using redis entity store", structlog.Fields{"addr": cfg.RedisAddr})
	} else {
		store = state.NewMemoryStore()
	}

	schema := feature.DefaultSchema()
	dec := decision.NewEngine(decision.Config{
		AnomalyThreshold: cfg.AnomalyThreshold,
		ConfidenceFloor:  cfg.ConfidenceFloor,
	})
	srv := &server{
		cfg:      cfg,
		log:      log,
		schema:   schema,
		dec:      dec,
		store:    store,
		pipeline: detect.NewPipeline(feature.NewEngine(schema, store), dec, log),
		limiter:  ratelimit.New(redisClient, cfg.RateLimit, cfg.RateWindow),
	}

	if err := srv.loadModels(); err != nil {
		log.Warn("starting without models; POST /train to fit", structlog.Fields{"error": err.Error()})
	}

	if cfg.PostgresDSN != "" {
		arch, err := archive.New(cfg.PostgresDSN, cfg.PostgresMaxConns)
		if err != nil {
			log.Fatal("connect archive", structlog.Fields{"error": err.Error()})
		}
		defer arch.Close()
		srv.arch = arch
		if ms, ok := store.(*state.MemoryStore); ok {
			n, err := arch.LoadStates(context.Background(), ms)
			if err != nil {
				log.Fatal("restore entity states", structlog.Fields{"error": err.Error()})
			}
			log.Info("entity states restored", structlog.Fields{"count": n})
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(cfg.KafkaBrokers) > 0 {
		go srv.consumeLoop(ctx)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/analyze", srv.limited(srv.handleAnalyze))
	mux.HandleFunc("/train", srv.limited(srv.handleTrain))

	httpSrv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("listening", structlog.Fields{"addr": cfg.Addr})
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("serve", structlog.Fields{"error": err.Error()})
	}

	srv.checkpoint()
}

// checkpoint persists in-memory entity states on shutdown so behavioral
// baselines survive a restart. Redis-backed stores persist on their own.
func (s *server) checkpoint() {
	ms, ok := s.store.(*state.MemoryStore)
	if !ok || s.arch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	states := ms.Snapshot()
	if err := s.arch.CheckpointStates(ctx, states); err != nil {
		s.log.Error("checkpoint entity states", structlog.Fields{"error": err.Error()})
		return
	}
	s.log.Info("entity states checkpointed", structlog.Fields{"count": len(states)})
}

// loadModels reads the artifacts cloudguard-train writes and installs them
// as one snapshot. Schema hashes are verified on import; any mismatch keeps
// the engine empty rather than scoring against the wrong schema.
func (s *server) loadModels() error {
	anomBlob, err := os.ReadFile(filepath.Join(s.cfg.ModelDir, "anomaly.json"))
	if err != nil {
		return fmt.Errorf("read anomaly model: %w", err)
	}
	clfBlob, err := os.ReadFile(filepath.Join(s.cfg.ModelDir, "classifier.json"))
	if err != nil {
		return fmt.Errorf("read classifier model: %w", err)
	}
	scalerBlob, err := os.ReadFile(filepath.Join(s.cfg.ModelDir, "scaler.json"))
	if err != nil {
		return fmt.Errorf("read scaler: %w", err)
	}

	anom, err := anomaly.Import(anomBlob, s.schema)
	if err != nil {
		return err
	}
	clf, err := classifier.Import(clfBlob, s.schema)
	if err != nil {
		return err
	}
	var scaler feature.StandardScaler
	if err := json.Unmarshal(scalerBlob, &scaler); err != nil {
		return fmt.Errorf("decode scaler: %w", err)
	}
	if err := s.schema.CheckHash(scaler.SchemaHash); err != nil {
		return err
	}
	if !scaler.Fitted() {
		return fmt.Errorf("scaler artifact is unfitted")
	}

	s.dec.SetModels(anom, clf, &scaler)
	s.log.Info("models loaded", structlog.Fields{"dir": s.cfg.ModelDir})
	return nil
}

// limited applies the per-client sliding window, keyed by remote address.
func (s *server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(r.Context(), r.RemoteAddr) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "models_loaded": s.dec.Ready()}
	writeJSON(w, http.StatusOK, status)
}

type analyzeRequest struct {
	Events []event.NormalizedEvent `json:"events"`
}

type analyzeResponse struct {
	Verdicts []decision.Verdict `json:"verdicts"`
	Stats    *detect.RunStats   `json:"stats"`
}

func (s *server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}

	verdicts, stats, err := s.pipeline.ProcessParallel(r.Context(), req.Events, s.cfg.Shards)
	if err != nil {
		if errors.Is(err, decision.ErrModelNotLoaded) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if s.arch != nil {
		if err := s.arch.InsertVerdicts(r.Context(), stats.RunID, verdicts); err != nil {
			s.log.Error("archive verdicts", structlog.Fields{"run_id": stats.RunID, "error": err.Error()})
		}
	}
	writeJSON(w, http.StatusOK, analyzeResponse{Verdicts: verdicts, Stats: stats})
}

type trainRequest struct {
	Events []event.NormalizedEvent `json:"events"`
	Labels []string                `json:"labels"`
	Seed   int64                   `json:"seed"`
}

func (s *server) handleTrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req trainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}

	labels := make([]classifier.Class, len(req.Labels))
	for i, name := range req.Labels {
		c, err := classifier.ParseClass(name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		labels[i] = c
	}

	harness := training.NewHarness(s.schema, training.Config{
		AnomalyThreshold: s.cfg.AnomalyThreshold,
		Seed:             req.Seed,
	}, s.log)
	bundle, err := harness.Run(r.Context(), req.Events, labels)
	if err != nil {
		var anomIDE *anomaly.InsufficientDataError
		var clfIDE *classifier.InsufficientDataError
		if errors.As(err, &anomIDE) || errors.As(err, &clfIDE) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.dec.SetModels(bundle.Anomaly, bundle.Classifier, bundle.Scaler)
	s.log.Info("models retrained and swapped", structlog.Fields{"report_id": bundle.Report.ReportID})
	writeJSON(w, http.StatusOK, bundle.Report)
}

// consumeLoop bridges Kafka to the pipeline: poll, score, publish, commit.
func (s *server) consumeLoop(ctx context.Context) {
	streamCfg := stream.Config{
		Brokers:      s.cfg.KafkaBrokers,
		EventTopic:   s.cfg.KafkaEventTopic,
		VerdictTopic: s.cfg.KafkaVerdictTopic,
		GroupID:      s.cfg.KafkaGroup,
	}
	source, err := stream.NewSource(streamCfg, s.log)
	if err != nil {
		s.log.Fatal("create kafka source", structlog.Fields{"error": err.Error()})
	}
	defer source.Close()
	sink, err := stream.NewSink(streamCfg, s.log)
	if err != nil {
		s.log.Fatal("create kafka sink", structlog.Fields{"error": err.Error()})
	}
	defer sink.Close()

	s.log.Info("kafka loop started", structlog.Fields{"topic": s.cfg.KafkaEventTopic})
	for {
		if ctx.Err() != nil {
			return
		}
		events, records, err := source.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("poll", structlog.Fields{"error": err.Error()})
			time.Sleep(time.Second)
			continue
		}
		if len(records) == 0 {
			continue
		}

		verdicts, stats, err := s.pipeline.ProcessParallel(ctx, events, s.cfg.Shards)
		if err != nil {
			// Model-not-loaded fails the batch; leave offsets uncommitted so
			// the events replay once models arrive.
			s.log.Error("score batch", structlog.Fields{"error": err.Error()})
			time.Sleep(time.Second)
			continue
		}
		if err := sink.Publish(ctx, verdicts); err != nil {
			s.log.Error("publish verdicts", structlog.Fields{"error": err.Error()})
			continue
		}
		if s.arch != nil {
			if err := s.arch.InsertVerdicts(ctx, stats.RunID, verdicts); err != nil {
				s.log.Error("archive verdicts", structlog.Fields{"run_id": stats.RunID, "error": err.Error()})
			}
		}
		if err := source.Commit(ctx, records); err != nil {
			s.log.Error("commit offsets", structlog.Fields{"error": err.Error()})
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
