// predictd is the prediction engine daemon. It serves market probabilities
// with canary routing and shadow evaluation, tracks model calibration, and
// scans bookmaker odds for arbitrage.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/golexhq/prediction-engine/pkg/arbitrage"
	"github.com/golexhq/prediction-engine/pkg/cache"
	"github.com/golexhq/prediction-engine/pkg/calibration"
	"github.com/golexhq/prediction-engine/pkg/config"
	"github.com/golexhq/prediction-engine/pkg/metrics"
	"github.com/golexhq/prediction-engine/pkg/probability"
	"github.com/golexhq/prediction-engine/pkg/registry"
	"github.com/golexhq/prediction-engine/pkg/serving"
	"github.com/golexhq/prediction-engine/pkg/shadow"
	"github.com/golexhq/prediction-engine/pkg/split"
	"github.com/golexhq/prediction-engine/pkg/storage/postgres"
	"github.com/golexhq/prediction-engine/pkg/streaming"
)

var (
	configPath = flag.String("config", "", "Path to YAML config (defaults apply when empty)")
	httpAddr   = flag.String("http", "", "Override server.addr from config")
	verbose    = flag.Bool("verbose", false, "Verbose logging")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Println("Starting prediction engine daemon")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.Server.Addr = *httpAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize daemon: %v", err)
	}

	d.tracker.OnBreach(func(b calibration.Breach) {
		log.Printf("[ALERT] %s", b)
		d.hub.BroadcastGateBreach(b)
	})
	d.svc.OnPromotion(func(mv *registry.ModelVersion) {
		d.hub.BroadcastPromotion(mv)
	})

	go d.hub.Run()
	d.shadowEval.Start(ctx)
	go d.startHTTP()
	go d.runJobs(ctx, cfg)

	log.Printf("Daemon running (http=%s, model=%s)", cfg.Server.Addr, cfg.Model.Name)
	log.Printf("WebSocket streaming available at ws://%s/ws", cfg.Server.Addr)

	<-sigCh
	log.Println("Shutting down...")

	cancel()
	d.shutdown()
	log.Println("Goodbye!")
}

type daemon struct {
	svc         *serving.Service
	tracker     *calibration.Tracker
	scanner     *arbitrage.Scanner
	shadowEval  *shadow.Evaluator
	hub         *streaming.Hub
	metrics     *metrics.EngineMetrics
	signals     *signalStore
	quotes      quoteWriter
	shadowLog   recentShadowReader
	shadowPrune shadowPruner
	server      *http.Server
	db          *sql.DB
	modelName   string
	cfg         config.Config
}

// quoteWriter is the ingestion side of the quote store.
type quoteWriter interface {
	Upsert(ctx context.Context, q *arbitrage.Quote) error
}

// recentShadowReader serves the recent-comparisons view.
type recentShadowReader interface {
	Recent(ctx context.Context, n int) ([]*shadow.LogEntry, error)
}

// shadowPruner bounds the persisted shadow log. Only the postgres sink needs
// pruning; the in-memory ring is bounded by construction.
type shadowPruner interface {
	Prune(ctx context.Context) (int64, error)
}

// memoryShadowLog adapts the in-memory sink to the context-taking view.
type memoryShadowLog struct {
	sink *shadow.MemorySink
}

func (m memoryShadowLog) Recent(_ context.Context, n int) ([]*shadow.LogEntry, error) {
	return m.sink.Recent(n), nil
}

func newDaemon(ctx context.Context, cfg config.Config) (*daemon, error) {
	m := metrics.NewEngineMetrics()

	d := &daemon{
		metrics:   m,
		hub:       streaming.NewHub(cfg.Streaming.AlertsPerMinute),
		signals:   newSignalStore(),
		modelName: cfg.Model.Name,
		cfg:       cfg,
	}

	// Storage: postgres when a DSN is configured, in-memory otherwise.
	var (
		regStore    registry.Store
		assignments split.AssignmentStore
		configStore split.ConfigStore
		sink        shadow.Sink
		events      calibration.EventStore
		quotes      arbitrage.QuoteSource
	)
	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		db, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		d.db = db
		regStore = postgres.NewRegistryStore(db)
		assignments = postgres.NewAssignmentStore(db)
		configStore = postgres.NewConfigStore(db)
		pgSink := postgres.NewShadowSink(db, 0)
		sink = pgSink
		d.shadowLog = pgSink
		d.shadowPrune = pgSink
		events = postgres.NewEventStore(db)
		pgQuotes := postgres.NewQuoteStore(db)
		quotes = pgQuotes
		d.quotes = pgQuotes
		log.Println("Storage: postgres")
	} else {
		regStore = registry.NewMemoryStore()
		assignments = split.NewMemoryAssignmentStore()
		configStore = split.NewMemoryConfigStore(cfg.Canary)
		memSink := shadow.NewMemorySink(1024)
		sink = memSink
		d.shadowLog = memoryShadowLog{sink: memSink}
		events = calibration.NewMemoryEventStore()
		memQuotes := arbitrage.NewMemoryQuoteStore()
		quotes = memQuotes
		d.quotes = memQuotes
		log.Println("Storage: in-memory (no postgres DSN configured)")
	}

	// Cache: redis when configured, in-process otherwise.
	var predCache cache.PredictionCache
	if cfg.Cache.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("pinging redis: %w", err)
		}
		predCache = cache.NewRedisCache(client, cfg.Cache.TTL.Std(), m)
		log.Printf("Cache: redis at %s", cfg.Cache.RedisAddr)
	} else {
		memCache := cache.NewMemoryCache(cfg.Cache.TTL.Std(), m)
		memCache.StartSweeper(ctx, cfg.Cache.SweepInterval.Std())
		predCache = memCache
		log.Println("Cache: in-memory")
	}

	engine := probability.NewEngine(probability.EngineConfig{
		Rho:      cfg.Model.Rho,
		EloScale: cfg.Model.EloScale,
		TTL:      cfg.Model.TTL.Std(),
	})
	reg := registry.New(regStore)
	d.tracker = calibration.NewTracker(events, cfg.Gates.GateConfig(), m)
	d.scanner = arbitrage.NewScanner(quotes, arbitrage.Config{
		Freshness:    cfg.Arbitrage.Freshness.Std(),
		MinProfitPct: cfg.Arbitrage.MinProfitPct,
		TotalStake:   cfg.Arbitrage.TotalStake,
	}, m)
	d.shadowEval = shadow.NewEvaluator(sink, m, shadow.Options{})

	d.svc = serving.New(serving.Deps{
		Engine:       engine,
		Signals:      d.signals,
		Registry:     reg,
		Splitter:     split.NewSplitter(assignments),
		CanaryConfig: configStore,
		Shadow:       d.shadowEval,
		Cache:        predCache,
		Scanner:      d.scanner,
		Tracker:      d.tracker,
		Metrics:      m,
		ModelName:    cfg.Model.Name,
	})
	return d, nil
}

// runJobs drives the periodic gate checks, arbitrage scans and shadow-log
// pruning.
func (d *daemon) runJobs(ctx context.Context, cfg config.Config) {
	gateTicker := time.NewTicker(time.Minute)
	scanTicker := time.NewTicker(cfg.Arbitrage.ScanInterval.Std())
	pruneTicker := time.NewTicker(time.Hour)
	defer gateTicker.Stop()
	defer scanTicker.Stop()
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-gateTicker.C:
			active, err := d.svc.GetActiveModel(ctx)
			if err != nil {
				continue // nothing registered yet
			}
			if _, err := d.tracker.CheckGates(ctx, active.Key()); err != nil {
				log.Printf("[jobs] gate check failed: %v", err)
				d.hub.BroadcastError(err, "calibration")
			}

		case <-scanTicker.C:
			opps, err := d.scanner.ScanAll(ctx)
			if err != nil {
				log.Printf("[jobs] arbitrage scan failed: %v", err)
				d.hub.BroadcastError(err, "arbitrage")
				continue
			}
			for _, opp := range opps {
				if *verbose {
					log.Printf("[ARB] %s %s: %s%% profit",
						opp.FixtureID, opp.Market, opp.ProfitPct.StringFixed(2))
				}
				d.hub.BroadcastOpportunity(opp)
			}

		case <-pruneTicker.C:
			if d.shadowPrune == nil {
				continue
			}
			removed, err := d.shadowPrune.Prune(ctx)
			if err != nil {
				log.Printf("[jobs] shadow log prune failed: %v", err)
				continue
			}
			if removed > 0 {
				log.Printf("[jobs] pruned %d shadow log entries", removed)
			}
		}
	}
}

func (d *daemon) startHTTP() {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Prediction path.
	mux.HandleFunc("/predictions", d.handlePrediction)
	mux.HandleFunc("/signals", d.handleSignals)

	// Governance.
	mux.HandleFunc("/models", d.handleModels)
	mux.HandleFunc("/models/promote", d.handlePromote)
	mux.HandleFunc("/canary", d.handleCanary)

	// Quality and telemetry.
	mux.HandleFunc("/outcomes", d.handleOutcomes)
	mux.HandleFunc("/calibration/daily", d.handleDailyCalibration)
	mux.HandleFunc("/shadow/recent", d.handleShadowRecent)

	// Arbitrage.
	mux.HandleFunc("/arbitrage", d.handleArbitrage)
	mux.HandleFunc("/quotes", d.handleQuotes)

	mux.Handle("/metrics", promhttp.HandlerFor(d.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", d.hub.ServeWS)

	d.server = &http.Server{
		Addr:         d.cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("HTTP server listening on %s", d.cfg.Server.Addr)
	if err := d.server.ListenAndServe(); err != http.ErrServerClosed {
		log.Printf("HTTP server error: %v", err)
	}
}

func (d *daemon) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if d.server != nil {
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown: %v", err)
		}
	}
	d.shadowEval.Close()
	if d.db != nil {
		d.db.Close()
	}
}

func (d *daemon) handlePrediction(w http.ResponseWriter, r *http.Request) {
	fixtureID := r.URL.Query().Get("fixture_id")
	deviceID := r.URL.Query().Get("device_id")
	if fixtureID == "" || deviceID == "" {
		writeError(w, http.StatusBadRequest, "fixture_id and device_id required")
		return
	}

	pred, err := d.svc.GetMarketProbabilities(r.Context(), fixtureID, deviceID)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

func (d *daemon) handleSignals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var sig probability.FixtureSignals
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := sig.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d.signals.Put(&sig)
	writeJSON(w, http.StatusOK, map[string]string{"fixture_id": sig.FixtureID})
}

func (d *daemon) handleModels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		models, err := d.svc.ListModels(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, models)
	case http.MethodPost:
		var mv registry.ModelVersion
		if err := json.NewDecoder(r.Body).Decode(&mv); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := d.svc.RegisterModel(r.Context(), &mv); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, mv)
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or POST")
	}
}

func (d *daemon) handlePromote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req struct {
		VersionID string `json:"version_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VersionID == "" {
		writeError(w, http.StatusBadRequest, "version_id required")
		return
	}
	if err := d.svc.PromoteModel(r.Context(), req.VersionID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"promoted": req.VersionID})
}

func (d *daemon) handleCanary(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := d.svc.GetCanaryConfig(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodPost:
		var cfg split.Config
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := d.svc.SetCanaryConfig(r.Context(), cfg); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or POST")
	}
}

func (d *daemon) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var e calibration.Event
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := d.svc.RecordOutcome(r.Context(), &e); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"fixture_id": e.FixtureID})
}

func (d *daemon) handleDailyCalibration(w http.ResponseWriter, r *http.Request) {
	version := r.URL.Query().Get("model_version")
	if version == "" {
		writeError(w, http.StatusBadRequest, "model_version required")
		return
	}
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		fmt.Sscanf(v, "%d", &days)
	}
	if days < 1 || days > 90 {
		days = 7
	}

	now := time.Now().UTC()
	rollups, err := d.svc.GetDailyCalibration(r.Context(), version,
		now.AddDate(0, 0, -days), now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rollups)
}

func (d *daemon) handleShadowRecent(w http.ResponseWriter, r *http.Request) {
	entries, err := d.shadowLog.Recent(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*shadow.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (d *daemon) handleArbitrage(w http.ResponseWriter, r *http.Request) {
	opps, err := d.svc.GetArbitrageOpportunities(r.Context(), r.URL.Query().Get("fixture_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, opps)
}

func (d *daemon) handleQuotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var quotes []*arbitrage.Quote
	if err := json.NewDecoder(r.Body).Decode(&quotes); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, q := range quotes {
		if q.Timestamp.IsZero() {
			q.Timestamp = time.Now()
		}
		if err := d.quotes.Upsert(r.Context(), q); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(quotes)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// signalStore holds ingested fixture signals in memory. Signals arrive via
// POST /signals and are read on the prediction path.
type signalStore struct {
	mu   sync.RWMutex
	rows map[string]*probability.FixtureSignals
}

func newSignalStore() *signalStore {
	return &signalStore{rows: make(map[string]*probability.FixtureSignals)}
}

func (s *signalStore) Put(sig *probability.FixtureSignals) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[sig.FixtureID] = sig
}

func (s *signalStore) Signals(fixtureID string) (*probability.FixtureSignals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.rows[fixtureID]
	if !ok {
		return nil, probability.ErrInsufficientInput
	}
	return sig, nil
}
