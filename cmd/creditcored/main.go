// Command creditcored is the credit facility core daemon: it serves the
// admin HTTP surface, runs the persistent job scheduler, and drives the
// daily-closing broadcaster against a single Postgres-backed event store.
//
// Grounded in services/lendingd/main.go and services/otc-gateway/main.go's
// startup sequence (logging.Setup -> telemetry.Init -> config.Load ->
// gorm.Open -> AutoMigrate -> wire services -> serve), adapted from a
// gRPC-only daemon to one that additionally owns the job scheduler and
// time-events broadcaster as background goroutines alongside its HTTP
// listener.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/creditcore/corebank/config"
	"github.com/creditcore/corebank/internal/audit"
	"github.com/creditcore/corebank/internal/collateral"
	"github.com/creditcore/corebank/internal/creditfacility"
	"github.com/creditcore/corebank/internal/domainconfig"
	"github.com/creditcore/corebank/internal/governance"
	"github.com/creditcore/corebank/internal/jobs"
	"github.com/creditcore/corebank/internal/ledger"
	"github.com/creditcore/corebank/internal/outbox"
	"github.com/creditcore/corebank/internal/timeevents"
	"github.com/creditcore/corebank/observability"
	telemetry "github.com/creditcore/corebank/observability/otel"
	"github.com/creditcore/corebank/observability/logging"
)

const (
	jobTypeAccrualTick         = "accrual_tick"
	jobTypeObligationTick      = "obligation_status_tick"
	jobTypeCollateralizationTick = "collateralization_reeval"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "creditcored.toml", "path to creditcored config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("CREDITCORE_ENV"))
	logging.Setup("creditcored", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "creditcored",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection: %v", err)
	}
	if err := bootstrapSchema(db); err != nil {
		log.Fatalf("bootstrap schema: %v", err)
	}

	registry := defaultRoleRegistry()
	enforcer := audit.NewEnforcer(db, registry)
	led := ledger.New(db)
	for _, tmpl := range creditfacility.LedgerTemplates() {
		led.RegisterTemplate(tmpl)
	}
	for _, tmpl := range collateral.LedgerTemplates() {
		led.RegisterTemplate(tmpl)
	}
	pub := outbox.NewPublisher(db)

	facilityRepo := creditfacility.NewRepository(db, pub)
	facilities := &creditfacility.Service{Repo: facilityRepo, Enforcer: enforcer, Ledger: led, Outbox: pub}

	collateralRepo := collateral.NewRepository(db, pub)
	collaterals := &collateral.Service{Repo: collateralRepo, Enforcer: enforcer, Ledger: led, Outbox: pub}

	governanceRepo := governance.NewRepository(db, pub)
	approvals := &governance.Service{Repo: governanceRepo, Enforcer: enforcer}

	domainCfg := domainconfig.NewStore(db)
	domainCfg.RegisterValidator("credit_integration", func(value json.RawMessage) error { return nil })
	domainCfg.RegisterValidator("deposit_integration", func(value json.RawMessage) error { return nil })

	scheduler := jobs.NewScheduler(db, ownerID(),
		jobs.WithMinConcurrency(cfg.JobScheduler.MinConcurrency),
		jobs.WithMaxConcurrency(cfg.JobScheduler.MaxConcurrency),
		jobs.WithPollInterval(cfg.JobScheduler.PollInterval),
		jobs.WithKeepAliveInterval(cfg.JobScheduler.KeepAliveInterval),
	)
	registerJobRunners(scheduler, facilities, collaterals)

	broadcaster, err := timeevents.NewBroadcaster(db, pub, cfg.TimeEvents.ClosingTime, cfg.TimeEvents.Timezone)
	if err != nil {
		log.Fatalf("configure time events: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runScheduler(ctx, scheduler)
	go broadcaster.Run(ctx)

	jwtSecret := []byte(strings.TrimSpace(os.Getenv("CREDITCORE_JWT_SECRET")))
	router := newRouter(facilities, collaterals, approvals, jwtSecret)
	handler := otelhttp.NewHandler(router, "creditcored")

	srv := &http.Server{Addr: cfg.ListenAddress, Handler: handler}
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("creditcored listening", "addr", cfg.ListenAddress)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("forced server stop", "error", err)
		}
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve http: %v", err)
		}
	}
}

func ownerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "creditcored"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}

// runScheduler runs Scheduler.Run against the process signal context with a
// notify channel that nothing sends on, so polling is driven by the
// scheduler's own ticker alone.
func runScheduler(ctx context.Context, scheduler *jobs.Scheduler) {
	notify := make(chan struct{}, 1)
	scheduler.Run(ctx, notify)
}

// systemSubject authorizes the scheduled sweeps below. They are not acting
// on behalf of any operator request, so they carry the superuser role and
// are recorded via Enforcer.RecordSystemRead rather than Enforce.
var systemSubject = audit.Subject{ID: "system:creditcored", Roles: []string{audit.SuperuserRole}}

// registerJobRunners binds the periodic domain sweeps spec §4.H drives:
// interest accrual cycles and obligation due/overdue/defaulted transitions,
// each tick sweeping every active facility rather than dispatching
// per-facility jobs. The collateralization tick is registered too, but it
// only reschedules itself and re-evaluates nothing.
func registerJobRunners(scheduler *jobs.Scheduler, facilities *creditfacility.Service, collaterals *collateral.Service) {
	scheduler.Register(jobTypeAccrualTick, func(ctx context.Context, exec jobs.Execution) (jobs.Completion, error) {
		ids, err := facilities.ActiveFacilityIDs(ctx)
		if err != nil {
			return jobs.Completion{}, err
		}
		now := time.Now().UTC()
		for _, id := range ids {
			if _, err := facilities.AccrueDueCycle(ctx, systemSubject, id, now); err != nil {
				slog.Error("accrual tick failed", "facility_id", id, "error", err)
			}
		}
		return jobs.RescheduleJobIn(24 * time.Hour), nil
	}, jobs.RetryPolicy{MaxAttempts: 5})

	scheduler.Register(jobTypeObligationTick, func(ctx context.Context, exec jobs.Execution) (jobs.Completion, error) {
		ids, err := facilities.ActiveFacilityIDs(ctx)
		if err != nil {
			return jobs.Completion{}, err
		}
		now := time.Now().UTC()
		for _, id := range ids {
			if _, err := facilities.ProcessObligationTick(ctx, systemSubject, id, now); err != nil {
				slog.Error("obligation tick failed", "facility_id", id, "error", err)
			}
		}
		return jobs.RescheduleJobIn(1 * time.Hour), nil
	}, jobs.RetryPolicy{MaxAttempts: 5})

	scheduler.Register(jobTypeCollateralizationTick, func(ctx context.Context, exec jobs.Execution) (jobs.Completion, error) {
		// Re-evaluation needs a current BTC/USD price tick, which has no
		// source wired yet (no price oracle integration is in scope); this
		// stays a reschedule-only stub until one is.
		return jobs.RescheduleJobIn(5 * time.Minute), nil
	}, jobs.RetryPolicy{MaxAttempts: 5})
}

// defaultRoleRegistry seeds the permission-set/role hierarchy of spec §4.C:
// a viewer set per module, a writer set that implies the matching viewer
// set, and an ops role composing every writer set.
func defaultRoleRegistry() *audit.Registry {
	r := audit.NewRegistry()

	r.RegisterPermissionSet(audit.PermissionSet{
		Name: "credit_facility_viewer",
		Grants: map[string]bool{
			"credit_facility.view": true,
		},
	})
	r.RegisterPermissionSet(audit.PermissionSet{
		Name: "credit_facility_writer",
		Grants: map[string]bool{
			"credit_facility.create":           true,
			"credit_facility.approve":          true,
			"credit_facility.complete":         true,
			"credit_facility.disburse":         true,
			"credit_facility.allocate_payment": true,
		},
		Implies: []string{"credit_facility_viewer"},
	})
	r.RegisterPermissionSet(audit.PermissionSet{
		Name: "collateral_viewer",
		Grants: map[string]bool{
			"collateral.view": true,
		},
	})
	r.RegisterPermissionSet(audit.PermissionSet{
		Name: "collateral_writer",
		Grants: map[string]bool{
			"collateral.update_manual": true,
		},
		Implies: []string{"collateral_viewer"},
	})

	r.RegisterRole(audit.Role{Name: "credit_ops", PermissionSets: []string{"credit_facility_writer", "collateral_writer"}})
	r.RegisterRole(audit.Role{Name: "credit_viewer", PermissionSets: []string{"credit_facility_viewer", "collateral_viewer"}})
	r.RegisterRole(audit.Role{Name: audit.SuperuserRole})
	return r
}

func newRouter(facilities *creditfacility.Service, collaterals *collateral.Service, approvals *governance.Service, jwtSecret []byte) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(gr chi.Router) {
		if len(jwtSecret) > 0 {
			gr.Use(jwtAuthn(jwtSecret))
		}
		mountCreditFacilityRoutes(gr, facilities)
		mountCollateralRoutes(gr, collaterals)
		mountGovernanceRoutes(gr, approvals)
	})

	return r
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, req)
		observability.ModuleMetrics().Observe(req.URL.Path, "", time.Since(start))
	})
}

