// Command operator runs the operator control plane: the intent pipeline,
// circuit breaker tree, config registry, world state manager, and the
// HTTP surface that fronts all of them. Generalized from the teacher's
// cmd/helm/main.go runServer (Lite Mode fallback, subsystem wiring,
// goroutine-started console + health servers, signal-driven graceful
// shutdown) applied to the operator control plane instead of the kernel
// console.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/vireo-systems/opctl/pkg/api"
	"github.com/vireo-systems/opctl/pkg/audit"
	"github.com/vireo-systems/opctl/pkg/auth"
	"github.com/vireo-systems/opctl/pkg/authz"
	"github.com/vireo-systems/opctl/pkg/breaker"
	"github.com/vireo-systems/opctl/pkg/bus"
	"github.com/vireo-systems/opctl/pkg/config"
	"github.com/vireo-systems/opctl/pkg/configreg"
	"github.com/vireo-systems/opctl/pkg/contracts"
	"github.com/vireo-systems/opctl/pkg/crypto"
	"github.com/vireo-systems/opctl/pkg/intent"
	"github.com/vireo-systems/opctl/pkg/kernel"
	"github.com/vireo-systems/opctl/pkg/observability"
	"github.com/vireo-systems/opctl/pkg/operatorapi"
	"github.com/vireo-systems/opctl/pkg/projection"
	"github.com/vireo-systems/opctl/pkg/replay"
	"github.com/vireo-systems/opctl/pkg/store"
	"github.com/vireo-systems/opctl/pkg/worldstate"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "health" {
		os.Exit(runHealthCmd())
	}
	runServer()
}

// Publisher is the narrow bus interface every subsystem publishes through.
// Satisfied by both *bus.Client and *bus.MemoryClient.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

func runServer() {
	fmt.Fprintln(os.Stdout, "operator control plane starting...")
	ctx := context.Background()
	logger := slog.Default()

	cfg := config.Load()
	if cfg.OpsSecret == "dev-only-insecure-ops-secret" {
		logger.Warn("OPCTL_OPS_SECRET not set, using an insecure development default")
	}

	keyring, err := crypto.NewKeyring([]byte(cfg.OpsSecret))
	if err != nil {
		log.Fatalf("operator: init keyring: %v", err)
	}

	obs, err := observability.New(ctx, observabilityConfig())
	if err != nil {
		logger.Warn("observability: init failed, continuing without tracing", "error", err)
		obs, _ = observability.New(ctx, &observability.Config{Enabled: false})
	}
	defer obs.Shutdown(context.Background())

	var publisher Publisher
	if cfg.NatsURL != "" {
		client, err := bus.Connect(cfg.NatsURL, "operator")
		if err != nil {
			log.Fatalf("operator: connect to event bus: %v", err)
		}
		publisher = client
		logger.Info("bus: connected", "url", cfg.NatsURL)
	} else {
		logger.Warn("OPCTL_NATS_URL not set, falling back to an in-process event bus (Lite Mode)")
		publisher = bus.NewMemoryClient()
	}

	auditStore := store.NewAuditStore()
	auditLogger := audit.NewStoreLogger(auditStore).WithPublisher(publisher)
	auditExp := audit.NewExporter(auditStore)
	if sink := openArchiveSink(ctx, logger); sink != nil {
		auditExp = auditExp.WithSink(sink)
	}

	// consoleAudit mirrors every ledger append as a human-readable AUDIT:
	// line on stdout, independent of the hash-chained store, so an
	// operator tailing process logs sees activity without querying the
	// audit API.
	consoleAudit := audit.NewLogger()
	auditStore.AddHandler(func(entry *store.AuditEntry) {
		_ = consoleAudit.Record(context.Background(), audit.EventMutation, entry.Action, entry.Subject, map[string]interface{}{
			"entry_type": string(entry.EntryType),
			"sequence":   entry.Sequence,
		})
	})

	world, err := worldstate.NewManager(contracts.WorldState{
		Mode:       "paper",
		Allocation: contracts.Allocation{W1: 1, W2: 0, W3: 0},
	})
	if err != nil {
		log.Fatalf("operator: init world state: %v", err)
	}

	breakerTree, err := breaker.NewTree(defaultTripConditions())
	if err != nil {
		log.Fatalf("operator: init breaker tree: %v", err)
	}
	breakerTree.WithAudit(auditLogger).WithPublisher(publisher)

	catalogVersion := os.Getenv("OPCTL_CATALOG_VERSION")
	if catalogVersion == "" {
		catalogVersion = "1.0.0"
	}
	configRegistry := configreg.NewRegistry(defaultCatalog(), fileConfigValues(), envConfigValues(), signerForRegistry(keyring), catalogVersion)
	configRegistry.WithAudit(auditLogger).WithPublisher(publisher)

	rbac := defaultRBAC()
	schemas := defaultSchemas()
	venueProfiles := loadVenueProfiles(logger)
	venueAuthz := defaultVenueAuthz()

	intentStore, intentDB := openIntentStore(cfg, logger)
	idempotencyStore := openIdempotencyStore(cfg, intentDB)
	intentSvc := intent.NewService(intent.Options{
		Keyring:       keyring,
		Executors:     buildExecutors(world, breakerTree, configRegistry, publisher, venueAuthz, islandVenues(venueProfiles)),
		Verifiers:     map[contracts.IntentType]intent.Verifier{},
		GetStateHash:  world.StateHash,
		RBAC:          rbac,
		Schemas:       schemas,
		MaxInMemory:   1000,
		TTLGraceMs:    500,
		RetryAttempts: 3,
		BreakerVeto: func(ctx context.Context, in *contracts.Intent) (string, bool) {
			switch in.Type {
			case contracts.IntentHalt, contracts.IntentResume:
				// These intents exist to react to breaker state; they must
				// never be vetoed by the state they're meant to change.
				return "", false
			}
			if !breakerTree.CanTrade() {
				return "breaker tree has halted trading; only HALT/RESUME intents are accepted", true
			}
			return "", false
		},
	}, intentStore, auditLogger, publisher)

	intentSvc.AddBlockerChecker(func(ctx context.Context, in *contracts.Intent) []string {
		var reasons []string
		if !breakerTree.CanTrade() {
			reasons = append(reasons, "trading halted by circuit breaker")
		}
		if isPositionOpeningIntent(in.Type) && !breakerTree.CanOpenNewPositions() {
			reasons = append(reasons, "new positions blocked at current risk posture")
		}
		return reasons
	})

	projector := projection.New(world, breakerTree, intentStore, configRegistry, 50, projection.DefaultTTL)

	snapshotStore := replay.NewMemorySnapshotStore(2880) // ~24h at 30s intervals
	replayEngine := replay.NewEngine(snapshotStore, auditStore, nil)
	snapshotStore.Append(time.Now().UTC(), world.Snapshot())

	go invalidateProjectionOnChange(ctx, world, projector)
	go takePeriodicSnapshots(ctx, snapshotStore, world, 30*time.Second)
	go expireOverdueIntents(ctx, intentSvc, intentStore, 5*time.Second)

	server := operatorapi.New(intentSvc, intentStore, configRegistry, breakerTree, world, projector, replayEngine, auditStore, auditExp)

	mux := http.NewServeMux()
	server.Routes(mux)

	var handler http.Handler = mux
	handler = auth.RequestIDMiddleware(handler)
	if cfg.JWTSecret != "" {
		handler = auth.NewMiddleware(auth.NewJWTValidator([]byte(cfg.JWTSecret)))(handler)
		logger.Info("auth: operator bearer tokens required")
	} else {
		logger.Warn("OPCTL_JWT_SECRET not set, operator requests fall back to the X-Operator-Role header")
	}
	handler = auth.RateLimitMiddleware(openLimiterStore(logger), kernel.BackpressurePolicy{RPM: 600, Burst: 50})(handler)
	handler = api.IdempotencyMiddleware(idempotencyStore)(handler)
	handler = auth.CORSMiddleware(nil)(handler)
	handler = tracingMiddleware(obs, handler)

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	go func() {
		logger.Info("operator api listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("operator api server failed", "error", err)
		}
	}()

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthServer := &http.Server{Addr: cfg.HealthAddr, Handler: healthMux}
	go func() {
		logger.Info("health server listening", "addr", cfg.HealthAddr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "error", err)
		}
	}()

	logger.Info("operator control plane ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = healthServer.Shutdown(shutdownCtx)
	if client, ok := publisher.(*bus.Client); ok {
		client.Close()
	}
	if intentDB != nil {
		_ = intentDB.Close()
	}
}

func runHealthCmd() int {
	resp, err := http.Get("http://localhost:8081/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(os.Stdout, "OK")
	return 0
}

func isPositionOpeningIntent(t contracts.IntentType) bool {
	switch t {
	case contracts.IntentArm, contracts.IntentSetMode, contracts.IntentThrottlePhase:
		return true
	default:
		return false
	}
}

func signerForRegistry(keyring *crypto.Keyring) *crypto.Signer {
	signer, err := keyring.DeriveForOperator("configreg")
	if err != nil {
		log.Fatalf("operator: derive config registry signer: %v", err)
	}
	return signer
}

func invalidateProjectionOnChange(ctx context.Context, world *worldstate.Manager, projector *projection.Projection) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-world.Notifications():
			if !ok {
				return
			}
			projector.Invalidate()
		}
	}
}

func takePeriodicSnapshots(ctx context.Context, store *replay.MemorySnapshotStore, world *worldstate.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			store.Append(now.UTC(), world.Snapshot())
		}
	}
}

func expireOverdueIntents(ctx context.Context, svc *intent.Service, intentStore store.IntentStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pending, err := intentStore.FindFiltered(ctx, store.IntentFilter{Limit: 500})
			if err != nil {
				continue
			}
			var candidates []*contracts.Intent
			for _, in := range pending {
				if !in.Status.IsTerminal() {
					candidates = append(candidates, in)
				}
			}
			svc.ExpireOverdue(ctx, now.UTC(), candidates)
		}
	}
}

func defaultTripConditions() []breaker.TripCondition {
	return []breaker.TripCondition{
		{
			Layer:  contracts.LayerTransactional,
			Name:   "reject_rate",
			Expr:   `metrics.reject_rate > 0.2`,
			Reason: "order reject rate exceeded",
		},
		{
			Layer:  contracts.LayerStrategic,
			Name:   "drawdown",
			Expr:   `metrics.daily_drawdown_bps > 500.0`,
			Reason: "daily drawdown exceeded",
		},
		{
			Layer:  contracts.LayerReflex,
			Name:   "heartbeat_loss",
			Expr:   `metrics.heartbeat_age_ms > 5000.0`,
			Reason: "heartbeat loss",
		},
	}
}

func floatPtr(f float64) *float64 { return &f }

func defaultCatalog() []configreg.CatalogEntry {
	return []configreg.CatalogEntry{
		{
			Key:            "max_position_size",
			Type:           configreg.TypeNumber,
			SafetyClass:    contracts.SafetyTightenOnly,
			LowerIsRiskier: false,
			Min:            floatPtr(0),
			Max:            floatPtr(1_000_000),
			Default:        100_000.0,
			Description:    "maximum notional a single position may reach",
			Schema:         `{"type":"number","minimum":0,"maximum":1000000}`,
		},
		{
			Key:         "min_margin_ratio",
			Type:        configreg.TypeNumber,
			SafetyClass: contracts.SafetyRaiseOnly,
			Min:         floatPtr(0),
			Max:         floatPtr(1),
			Default:     0.1,
			Description: "minimum margin ratio maintained across open positions",
		},
		{
			Key:         "kill_switch_enabled",
			Type:        configreg.TypeBool,
			SafetyClass: contracts.SafetyImmutable,
			Default:     true,
			Description: "whether the reflex-layer kill switch can trip at all",
		},
		{
			Key:         "execution_mode",
			Type:        configreg.TypeEnum,
			SafetyClass: contracts.SafetyTunable,
			EnumValues:  []string{"live", "paper", "dry_run"},
			Default:     "paper",
			Description: "effective trading mode",
		},
		{
			Key:            "max_daily_loss_bps",
			Type:           configreg.TypeNumber,
			SafetyClass:    contracts.SafetyTightenOnly,
			LowerIsRiskier: false,
			Min:            floatPtr(0),
			Max:            floatPtr(10_000),
			Default:        500.0,
			Description:    "daily loss budget in basis points before the strategic layer trips",
		},
	}
}

func fileConfigValues() map[string]any { return map[string]any{} }
func envConfigValues() map[string]any  { return map[string]any{} }

// observabilityConfig wires OTLP export to OPCTL_OTEL_ENDPOINT. Tracing
// stays disabled until an endpoint is configured: a collector that
// isn't there shouldn't slow down or fail process startup.
func observabilityConfig() *observability.Config {
	cfg := observability.DefaultConfig()
	endpoint := os.Getenv("OPCTL_OTEL_ENDPOINT")
	cfg.Enabled = endpoint != ""
	if endpoint != "" {
		cfg.OTLPEndpoint = endpoint
	}
	if env := os.Getenv("OPCTL_ENV"); env != "" {
		cfg.Environment = env
	}
	cfg.Insecure = os.Getenv("OPCTL_OTEL_INSECURE") == "true"
	return cfg
}

// tracingMiddleware wraps every HTTP request in a span and RED metrics,
// tagged with the raw request path as http.route; paths are not collapsed
// to the route patterns the mux matched.
func tracingMiddleware(obs *observability.Provider, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, done := obs.TrackOperation(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		var err error
		if rec.status >= 500 {
			err = fmt.Errorf("http %d", rec.status)
		}
		done(err)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// loadVenueProfiles reads venue_<code>.yaml profiles from
// OPCTL_VENUE_PROFILES_DIR, if set. A venue absent from this map is
// treated as a normal networked venue with no extra ceremony.
func loadVenueProfiles(logger *slog.Logger) map[string]*config.VenueProfile {
	dir := os.Getenv("OPCTL_VENUE_PROFILES_DIR")
	if dir == "" {
		return nil
	}
	profiles, err := config.LoadAllVenueProfiles(dir)
	if err != nil {
		logger.Warn("venue profiles: load failed, continuing with defaults", "dir", dir, "error", err)
		return nil
	}
	logger.Info("venue profiles loaded", "dir", dir, "count", len(profiles))
	return profiles
}

// defaultVenueAuthz seeds the venue delegation graph with the
// group:all_operators -> venue:* grant, but no operator starts out as a
// member of that group: membership (and narrower per-venue delegation,
// e.g. restricting a contractor operator to a single sandboxed venue)
// is granted via WriteTuple as operators are onboarded, and takes effect
// without a restart. Until an operator is granted membership, flatten's
// world-state mutation still applies but its venue close orders are
// suppressed rather than sent unauthorized.
//
func defaultVenueAuthz() *authz.Engine {
	engine := authz.NewEngine()
	ctx := context.Background()
	_ = engine.WriteTuple(ctx, authz.RelationTuple{Object: "venue:*", Relation: "operate", Subject: "group:all_operators"})
	return engine
}

// islandVenues returns the set of venue codes whose profile puts them in
// island mode: the blanket venue:* delegation must never reach them, so
// flatten's authorization check has to know to skip that fallback.
func islandVenues(profiles map[string]*config.VenueProfile) map[string]bool {
	islands := make(map[string]bool)
	for code, profile := range profiles {
		if profile.IsIslandMode() {
			islands[code] = true
		}
	}
	return islands
}

func defaultRBAC() *authz.RBACTable {
	rbac := authz.NewRBACTable()
	for _, t := range []contracts.IntentType{
		contracts.IntentArm, contracts.IntentDisarm, contracts.IntentSetMode,
		contracts.IntentThrottlePhase, contracts.IntentRunReconcile,
	} {
		rbac.Grant("operator", t)
	}
	for _, t := range []contracts.IntentType{
		contracts.IntentFlatten, contracts.IntentHalt, contracts.IntentResume,
		contracts.IntentOverrideRisk, contracts.IntentApplyProposal, contracts.IntentRollbackConfig,
	} {
		rbac.Grant("risk_officer", t)
	}
	// ARM/DISARM/FLATTEN/OVERRIDE_RISK/HALT/RESUME are all DangerCritical;
	// both roles above already hold the type grants they need, so clearing
	// them for critical intents changes nothing for them today but means
	// any future role granted a critical type without this clearance is
	// denied rather than silently inheriting critical access.
	rbac.GrantCritical("operator")
	rbac.GrantCritical("risk_officer")
	return rbac
}

func defaultSchemas() *intent.SchemaSet {
	schemas := intent.NewSchemaSet()
	register := func(t contracts.IntentType, schema string) {
		if err := schemas.Register(t, schema); err != nil {
			log.Fatalf("operator: register schema for %s: %v", t, err)
		}
	}

	empty := `{"type":"object","additionalProperties":false}`
	register(contracts.IntentArm, empty)
	register(contracts.IntentDisarm, empty)
	register(contracts.IntentFlatten, empty)
	register(contracts.IntentHalt, empty)
	register(contracts.IntentResume, empty)
	register(contracts.IntentRunReconcile, empty)

	register(contracts.IntentSetMode, `{
		"type":"object",
		"properties":{"mode":{"type":"string","enum":["live","paper","dry_run"]}},
		"required":["mode"],
		"additionalProperties":false
	}`)

	register(contracts.IntentThrottlePhase, `{
		"type":"object",
		"properties":{
			"allocation":{
				"type":"object",
				"properties":{
					"w1":{"type":"number","minimum":0,"maximum":1},
					"w2":{"type":"number","minimum":0,"maximum":1},
					"w3":{"type":"number","minimum":0,"maximum":1}
				},
				"required":["w1","w2","w3"],
				"additionalProperties":false
			}
		},
		"required":["allocation"],
		"additionalProperties":false
	}`)

	register(contracts.IntentOverrideRisk, `{
		"type":"object",
		"properties":{"risk_state":{"type":"string","enum":["NORMAL","CAUTIOUS","DEFENSIVE","EMERGENCY"]}},
		"required":["risk_state"],
		"additionalProperties":false
	}`)

	register(contracts.IntentApplyProposal, `{
		"type":"object",
		"properties":{
			"name":{"type":"string","minLength":1},
			"values":{"type":"object"}
		},
		"required":["name","values"],
		"additionalProperties":false
	}`)

	register(contracts.IntentRollbackConfig, `{
		"type":"object",
		"properties":{"key":{"type":"string","minLength":1}},
		"required":["key"],
		"additionalProperties":false
	}`)

	return schemas
}
