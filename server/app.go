package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vivarium/config"
	"vivarium/internal/actuator"
	"vivarium/internal/db"
	"vivarium/internal/health"
	"vivarium/internal/logs"
	"vivarium/internal/middleware"
	"vivarium/internal/models"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	Router     *mux.Router
	httpServer *http.Server

	db        *gorm.DB
	store     actuator.Store
	registry  *actuator.Registry
	pool      *actuator.Pool
	scheduler *actuator.Scheduler
	hub       *actuator.Hub

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	// 1) Логи
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	// 2) БД (опционально)
	if drv := a.cfg.Database.Driver; drv != "" {
		d, err := db.Open(drv, a.cfg.Database.DSN)
		if err != nil {
			log.Fatalf("db open failed: %v", err)
		}
		a.db = d
	}

	// ---- DB migrations (only if DB is connected) ----
	if a.db != nil {
		if err := a.db.AutoMigrate(
			&models.Actuator{},
			&models.ScheduleEntry{},
			&models.ActuationEvent{},
		); err != nil {
			log.Fatalf("db migrate failed: %v", err)
		}
		// одноразовые ручные миграции
		if err := db.MigrateEventUniqueIndex(a.db); err != nil {
			logs.Logger.Warnf("event unique index migration: %v", err)
		}
		if err := db.MigrateDriverTypeDefault(a.db); err != nil {
			logs.Logger.Warnf("driver type backfill: %v", err)
		}
	}

	// 3) Роутер + middleware
	a.Router = mux.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.LoggerMW)

	a.RegisterWebUI("/ui/")

	// 4) Health маршруты
	if a.db != nil {
		health.RegisterRoutesWithDB(a.Router, a.db) // /healthz и /readyz
	} else {
		health.RegisterRoutes(a.Router) // только /healthz
	}

	// 5) Хранилище: БД или in-memory fallback
	if a.db != nil {
		a.store = actuator.NewRepo(a.db)
	} else {
		logs.Logger.Warn("no database configured, using in-memory store")
		a.store = actuator.NewMemStore()
	}

	// 6) Реестр драйверов + пул + планировщик + API
	a.registry = actuator.NewRegistry(a.driverFactory())
	if list, err := a.store.List(); err != nil {
		logs.Logger.Errorf("initial actuator load: %v", err)
	} else {
		a.registry.Rebuild(list)
	}

	margin := time.Duration(a.cfg.Feeder.WatchdogMarginMs) * time.Millisecond
	a.pool = actuator.NewPool(a.cfg.Feeder.PoolSize, margin)
	a.hub = actuator.NewHub()
	a.scheduler = actuator.NewScheduler(
		a.store, a.registry, a.pool,
		time.Duration(a.cfg.Feeder.TickSeconds)*time.Second,
		a.hub.Broadcast,
	)

	actHTTP := actuator.NewHTTP(a.store, a.registry, a.hub, margin)
	actHTTP.RegisterRoutes(a.Router)

	a.Router.Walk(func(rt *mux.Route, r *mux.Router, ancestors []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

// driverFactory — сборка драйвера по типу из записи актуатора.
func (a *App) driverFactory() actuator.DriverFactory {
	broker := a.cfg.Feeder.MQTTBroker
	return func(m models.Actuator) (actuator.Driver, error) {
		switch m.DriverType {
		case models.DriverESP32:
			return actuator.NewESP32Driver(m.Name, m.Hardware)
		case models.DriverMQTT:
			return actuator.NewMQTTDriver(m.Name, m.Hardware, broker)
		default:
			return actuator.NewServoDriver(m.Name, m.Hardware)
		}
	}
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return ErrNotInitialized
	}
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigs; a.cancel() }()

	go a.scheduler.Run(a.ctx)

	a.httpServer = &http.Server{
		Addr:         bind,
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.httpServer.Shutdown(ctx)

	// хвост актуаций добиваем, железо отпускаем
	a.pool.Drain(10 * time.Second)
	a.hub.Close()
	a.registry.Close()
	return nil
}

var ErrNotInitialized = &initError{"server not initialized (call Initialize(cfg) first)"}

type initError struct{ s string }

func (e *initError) Error() string { return e.s }
