package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"storefront/internal/alert"
	"storefront/internal/checkout/order"
	"storefront/internal/checkout/saga"
	"storefront/internal/coupon"
	checkoutdb "storefront/internal/db/checkout"
	coupondb "storefront/internal/db/coupon"
	frauddb "storefront/internal/db/fraud"
	inventorydb "storefront/internal/db/inventory"
	outboxdb "storefront/internal/db/outbox"
	paymentdb "storefront/internal/db/payment"
	"storefront/internal/fraud"
	"storefront/internal/inventory"
	"storefront/internal/observability"
	"storefront/internal/outbox"
	"storefront/internal/payment"
	"storefront/internal/telemetry"
)

// BuildConfig selects the stores and tunes the collaborators of a Runtime.
type BuildConfig struct {
	DatabaseURL    string
	PaymentBaseURL string
	LockTimeout    time.Duration
	Reliability    ReliabilityConfig
	Orchestrator   Config
}

// Runtime is a wired orchestrator plus the collaborators the transports serve directly.
type Runtime struct {
	Orchestrator *Orchestrator
	Inventory    *inventory.Manager
	Coupons      *coupon.Ledger
	Fraud        *fraud.Gate
	Gateway      *payment.SandboxGateway
	Outbox       outbox.Store
	Metrics      *observability.Metrics
	// DB is nil when the runtime fell back to memory stores.
	DB *sqlx.DB
}

type stores struct {
	sagas     saga.Store
	outbox    outbox.Store
	inventory inventory.Store
	coupons   coupon.Store
	fraud     fraud.Store
	payments  payment.Store
	orders    order.Store
	catalog   order.Catalog
}

// Build wires a Runtime from cfg. An empty database URL selects in-memory stores seeded
// with a demo catalog; a configured database that cannot be reached is an error. The
// returned cleanup closes any external resources.
func Build(ctx context.Context, cfg BuildConfig, logger *slog.Logger, metrics *observability.Metrics) (*Runtime, func(), error) {
	logger = telemetry.OrDefault(logger)
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	cleanup := func() {}
	var (
		st stores
		db *sqlx.DB
	)
	if cfg.DatabaseURL != "" {
		var err error
		db, err = OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, func() {}, err
		}
		logger.InfoContext(ctx, "postgres stores enabled")
		st = postgresStores(db)
		cleanup = func() {
			if err := db.Close(); err != nil {
				logger.Error("close postgres", "error", err)
			}
		}
	} else {
		logger.WarnContext(ctx, "DATABASE_URL not set, using in-memory stores with a demo catalog")
		st = memoryStores()
	}

	gateway := payment.NewSandboxGateway(cfg.PaymentBaseURL)
	initiator := payment.NewInitiator(gateway, st.payments, logger)
	rel := cfg.Reliability
	if rel == (ReliabilityConfig{}) {
		rel = DefaultReliabilityConfig()
	}

	rt := &Runtime{
		Inventory: inventory.NewManager(st.inventory, inventory.WithLockTimeout(cfg.LockTimeout), inventory.WithLogger(logger)),
		Coupons:   coupon.NewLedger(st.coupons, time.Now, logger),
		Gateway:   gateway,
		Outbox:    st.outbox,
		Metrics:   metrics,
		DB:        db,
	}
	alerter := alert.NewLogAlerter(logger)
	rt.Fraud = fraud.NewGate(st.fraud, alerter, time.Now, logger)

	orch, err := NewOrchestrator(Deps{
		Store:     st.sagas,
		Inventory: rt.Inventory,
		Coupons:   rt.Coupons,
		Fraud:     rt.Fraud,
		// The orchestrator retries each step, so the provider guard makes a single attempt.
		Payments:  NewReliableProvider(initiator, rel.Limiter(), rel.Breaker(), RetryPolicy{MaxAttempts: 1}),
		Catalog:   st.catalog,
		Orders:    st.orders,
		Alerter:   alerter,
		Metrics:   metrics,
		Logger:    logger,
	}, withDefaults(cfg.Orchestrator, rel))
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	rt.Orchestrator = orch

	if db == nil {
		if err := seedDemoCoupons(ctx, rt.Coupons); err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("seed demo catalog: %w", err)
		}
	}
	return rt, cleanup, nil
}

func withDefaults(cfg Config, rel ReliabilityConfig) Config {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = rel.RetryPolicy()
	}
	return cfg
}

// OpenPostgres opens a pgx-backed pool and checks it answers within five seconds.
func OpenPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

func postgresStores(db *sqlx.DB) stores {
	return stores{
		sagas:     checkoutdb.NewSagaStore(db),
		outbox:    outboxdb.NewStore(db),
		inventory: inventorydb.NewStore(db),
		coupons:   coupondb.NewStore(db),
		fraud:     frauddb.NewStore(db),
		payments:  paymentdb.NewPostgresPaymentStore(db),
		orders:    checkoutdb.NewOrderStore(db),
		catalog:   checkoutdb.NewCatalog(db),
	}
}

var demoProducts = []struct {
	product order.Product
	stock   int
}{
	{order.Product{ID: "sku-book", Name: "Field Guide", Category: "books", Price: decimal.RequireFromString("18.00"), Currency: "USD", Active: true}, 25},
	{order.Product{ID: "sku-mug", Name: "Enamel Mug", Category: "kitchen", Price: decimal.RequireFromString("12.50"), Currency: "USD", Active: true}, 40},
	{order.Product{ID: "sku-lamp", Name: "Desk Lamp", Category: "home", Price: decimal.RequireFromString("49.90"), Currency: "USD", Active: true}, 5},
}

func memoryStores() stores {
	sagas := saga.NewMemoryStore()
	stock := inventory.NewMemoryStore()
	catalog := order.NewMemoryCatalog()
	for _, p := range demoProducts {
		catalog.Put(p.product)
		stock.Put(inventory.Record{ProductID: p.product.ID, WarehouseID: "main", Quantity: p.stock})
	}
	return stores{
		sagas:     sagas,
		outbox:    sagas,
		inventory: stock,
		coupons:   coupon.NewMemoryStore(),
		fraud:     fraud.NewMemoryStore(),
		payments:  payment.NewMemoryStore(),
		orders:    order.NewMemoryStore(),
		catalog:   catalog,
	}
}

func seedDemoCoupons(ctx context.Context, ledger *coupon.Ledger) error {
	now := time.Now()
	_, err := ledger.Create(ctx, coupon.Coupon{
		Code:          "WELCOME10",
		DiscountType:  coupon.DiscountPercentage,
		DiscountValue: decimal.NewFromInt(10),
		ValidFrom:     now.Add(-time.Hour),
		ValidUntil:    now.AddDate(1, 0, 0),
		Active:        true,
	})
	return err
}
