// README: Composition root shared by the binaries; builds stores, adapters and services from Config.
package app

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"supportcarr/internal/config"
	httptransport "supportcarr/internal/http"
	"supportcarr/internal/infra"
	"supportcarr/internal/jobs"
	"supportcarr/internal/maps"
	"supportcarr/internal/modules/location"
	"supportcarr/internal/modules/matching"
	"supportcarr/internal/modules/payment"
	"supportcarr/internal/modules/pricing"
	"supportcarr/internal/modules/rescue"
	"supportcarr/internal/modules/tracking"
	"supportcarr/internal/notify"
	"supportcarr/internal/worker"
	"supportcarr/migrations"
)

type Options struct {
	// Broker publishes jobs to NSQ. Otherwise jobs run inline in-process.
	Broker bool
	// Migrate applies migrations/ before serving (postgres only).
	Migrate bool
}

type App struct {
	Config     config.Config
	Log        logrus.FieldLogger
	Rescues    *rescue.Service
	Pricing    *pricing.Service
	Matching   *matching.Service
	Tracking   *tracking.Service
	Locations  *location.Index
	Payments   *payment.Service
	Dispatcher *jobs.Dispatcher
	Verifier   infra.TokenVerifier

	closers []func()
}

type stores struct {
	rescues  rescue.Repository
	drivers  location.DurableStore
	fast     location.FastIndex
	payments payment.Repository
	stats    matching.StatsStore
	dispatch matching.DispatchLog
	promos   pricing.PromoStore
	surge    pricing.SurgeCache
	journeys tracking.WaypointStore
}

func Build(ctx context.Context, cfg config.Config, log logrus.FieldLogger, opts Options) (*App, error) {
	a := &App{Config: cfg, Log: log, Dispatcher: jobs.NewDispatcher(log)}

	st, err := a.openStores(ctx, opts)
	if err != nil {
		a.Close()
		return nil, err
	}

	var scheduler jobs.Scheduler = jobs.Inline{Dispatcher: a.Dispatcher, Log: log}
	if opts.Broker {
		producer, err := jobs.NewProducer(cfg.NSQ.Addr, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, producer.Stop)
		scheduler = producer
	}

	notifier, verifier, err := a.firebase(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Verifier = verifier

	var (
		geocoder rescue.AddressResolver
		router   tracking.Router
	)
	if cfg.Maps.APIKey != "" {
		client, err := maps.NewClient(cfg.Maps.APIKey)
		if err != nil {
			a.Close()
			return nil, err
		}
		geocoder, router = maps.NewGeocodeService(client), maps.NewRouteService(client)
	}

	pcfg, err := pricingConfig(cfg.Pricing)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Locations = location.NewIndex(st.drivers, st.fast, log)
	a.Pricing = pricing.NewService(pcfg, pricing.Deps{
		Promos: st.promos,
		Cache:  st.surge,
		Demand: st.rescues,
		Supply: a.Locations,
		Log:    log,
	})
	a.Rescues = rescue.NewService(rescue.Deps{
		Repo:     st.rescues,
		Promos:   a.Pricing,
		Geocoder: geocoder,
		Drivers:  a.Locations,
		Jobs:     scheduler,
		Notifier: notifier,
		Log:      log,
	})

	estimator := tracking.Estimator{AvgSpeedKmh: cfg.Tracking.AvgSpeedKmh, BufferFactor: cfg.Tracking.BufferFactor}
	a.Tracking = tracking.NewService(tracking.Deps{
		Locations: a.Locations,
		Rescues:   a.Rescues,
		Waypoints: st.journeys,
		Router:    router,
		Log:       log,
	}, tracking.Options{Estimator: estimator, Retention: cfg.Tracking.Retention})

	a.Matching = matching.NewService(matching.Deps{
		Rescues:   a.Rescues,
		Nearby:    a.Locations,
		Stats:     st.stats,
		Dispatch:  st.dispatch,
		Quoter:    a.Pricing,
		Notifier:  notifier,
		Estimator: estimator,
		Log:       log,
	}, cfg.Matching)

	a.Payments = payment.NewService(payment.Deps{
		Repo:     st.payments,
		Gateway:  a.gateway(),
		Splitter: a.Pricing,
		Jobs:     scheduler,
		Notifier: notifier,
		Log:      log,

		ProcessingLease: cfg.Stripe.ProcessingLease,
	})

	worker.Register(a.Dispatcher, worker.Deps{
		Offers:            a.Matching,
		Surge:             a.Pricing,
		Payments:          a.Payments,
		Drivers:           a.Locations,
		Rescues:           a.Rescues,
		Notifier:          notifier,
		StaleAfterMinutes: cfg.Location.StaleAfterMinutes,
		Log:               log,
	})
	return a, nil
}

func (a *App) openStores(ctx context.Context, opts Options) (stores, error) {
	cfg := a.Config
	if cfg.Store.Driver == "memory" {
		a.Log.Warn("using in-memory stores; state is lost on exit")
		return stores{
			rescues:  rescue.NewMemoryStore(),
			drivers:  location.NewMemoryStore(),
			payments: payment.NewMemoryStore(),
			stats:    matching.NewMemoryStatsStore(),
			dispatch: matching.NewMemoryDispatchLog(),
			promos:   pricing.NewMemoryPromoStore(),
			journeys: tracking.NewMemoryWaypoints(cfg.Tracking.Retention),
		}, nil
	}

	db, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return stores{}, err
	}
	a.closers = append(a.closers, db.Close)
	if opts.Migrate {
		if err := migrate(ctx, db, cfg.DB.MigrationsDir); err != nil {
			return stores{}, err
		}
	}

	rdb := infra.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	if err := infra.PingRedis(ctx, rdb); err != nil {
		// Redis only accelerates; the durable store keeps serving.
		a.Log.WithError(err).Warn("redis unreachable at startup")
	}
	return pgStores(db, rdb, cfg), nil
}

func pgStores(db *pgxpool.Pool, rdb *redis.Client, cfg config.Config) stores {
	return stores{
		rescues:  rescue.NewStore(db),
		drivers:  location.NewPGStore(db),
		fast:     location.NewRedisFastIndex(rdb, cfg.Location.GeoKey),
		payments: payment.NewStore(db),
		stats:    matching.NewPGStatsStore(db),
		dispatch: matching.NewRedisDispatchLog(rdb),
		promos:   pricing.NewPGPromoStore(db),
		surge:    pricing.NewRedisSurgeCache(rdb),
		journeys: tracking.NewRedisWaypoints(rdb, cfg.Tracking.Retention),
	}
}

// migrate applies the embedded schema, or the files of dir when set.
func migrate(ctx context.Context, db *pgxpool.Pool, dir string) error {
	var fsys fs.FS = migrations.FS
	if dir != "" {
		fsys = os.DirFS(dir)
	}
	if err := infra.ApplyMigrations(ctx, db, fsys); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// firebase returns the FCM notifier and token verifier, or a log notifier and
// no verifier when no project is configured.
func (a *App) firebase(ctx context.Context) (notify.Notifier, infra.TokenVerifier, error) {
	fb := a.Config.Firebase
	if fb.ProjectID == "" {
		a.Log.Warn("firebase not configured; notifications are logged and auth uses dev headers")
		return notify.Log{Logger: a.Log}, nil, nil
	}
	fbApp, err := infra.NewFirebaseApp(ctx, fb.ProjectID, fb.CredentialsFile)
	if err != nil {
		return nil, nil, err
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, fbApp)
	if err != nil {
		return nil, nil, err
	}
	client, err := infra.NewMessaging(ctx, fbApp)
	if err != nil {
		return nil, nil, err
	}
	return notify.NewFCM(client, a.Log), verifier, nil
}

func (a *App) gateway() payment.Gateway {
	if a.Config.Stripe.APIKey == "" {
		a.Log.Warn("stripe not configured; charges go to the in-memory gateway")
		return payment.NewFakeGateway()
	}
	return payment.NewStripeGateway(a.Config.Stripe.APIKey, nil)
}

func pricingConfig(c config.PricingConfig) (pricing.Config, error) {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return pricing.Config{}, fmt.Errorf("pricing.time_zone: %w", err)
	}
	return pricing.Config{
		Currency:           c.Currency,
		BasePrice:          c.BasePrice,
		PerKmRate:          c.PerKmRate,
		PlatformFeePercent: c.PlatformFeePercent,
		CellDegrees:        c.SurgeCellDegrees,
		SurgeTTL:           c.SurgeTTL,
		SurgeTimeout:       c.SurgeTimeout,
		Location:           loc,
	}, nil
}

func (a *App) Router() *gin.Engine {
	return httptransport.NewRouter(httptransport.RouterDeps{
		Rescues:      a.Rescues,
		Pricing:      a.Pricing,
		Matching:     a.Matching,
		Tracking:     a.Tracking,
		Locations:    a.Locations,
		Payments:     a.Payments,
		Dispatcher:   a.Dispatcher,
		Verifier:     a.Verifier,
		Location:     a.Config.Location,
		AllowOrigins: a.Config.HTTP.AllowOrigins,
		Log:          a.Log,
	})
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
