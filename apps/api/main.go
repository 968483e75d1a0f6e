package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	sqlassets "github.com/vitalis-health/vitalis-saas/database"
	clinicshandler "github.com/vitalis-health/vitalis-saas/domains/clinics/be/handler"
	clinicsprov "github.com/vitalis-health/vitalis-saas/domains/clinics/be/provisioning"
	clinicsservice "github.com/vitalis-health/vitalis-saas/domains/clinics/be/service"
	patientshandler "github.com/vitalis-health/vitalis-saas/domains/patients/be/handler"
	platformauth "github.com/vitalis-health/vitalis-saas/platform/go/auth"
	"github.com/vitalis-health/vitalis-saas/platform/go/connrouter"
	platformlogging "github.com/vitalis-health/vitalis-saas/platform/go/logging"
	"github.com/vitalis-health/vitalis-saas/platform/go/migrate"
	platformmiddleware "github.com/vitalis-health/vitalis-saas/platform/go/middleware"
	"github.com/vitalis-health/vitalis-saas/platform/go/persistence"
	"github.com/vitalis-health/vitalis-saas/platform/go/secrets"
	clinicmiddleware "github.com/vitalis-health/vitalis-saas/platform/go/tenant/middleware"
)

// config is parsed once at startup. Every required value missing aborts the
// process immediately; there are no inline fallbacks for credentials.
type config struct {
	Port            string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogDevelopment  bool          `env:"LOG_DEVELOPMENT" envDefault:"false"`
	EnvKey          string        `env:"ENV_KEY,required"`

	// Registry database holding the clinics table.
	DatabaseURL string `env:"DATABASE_URL,required"`

	// Placement defaults for newly registered clinic databases. Clinic
	// databases are created through the registry connection, so the placement
	// host and port must name the same server as DATABASE_URL; startup
	// verifies this and aborts on a mismatch.
	ClinicDBHost           string `env:"CLINIC_DB_HOST,required"`
	ClinicDBPort           int    `env:"CLINIC_DB_PORT" envDefault:"5432"`
	ClinicDBUser           string `env:"CLINIC_DB_USER,required"`
	ClinicDBCredentialsRef string `env:"CLINIC_DB_CREDENTIALS_REF" envDefault:"CLINIC_DB_PASSWORD"`

	// Per-clinic connection pool bounds.
	MaxConnsPerClinic int32 `env:"MAX_CONNS_PER_CLINIC" envDefault:"4"`
	MinConnsPerClinic int32 `env:"MIN_CONNS_PER_CLINIC" envDefault:"0"`

	AuthProvider            string `env:"AUTH_PROVIDER" envDefault:"firebase"` // firebase | dev
	FirebaseCredentialsFile string `env:"FIREBASE_CREDENTIALS_FILE"`

	StorageBackend  string `env:"STORAGE_BACKEND" envDefault:"local"`             // gcs | local
	StorageBucket   string `env:"STORAGE_BUCKET"`                                 // required when STORAGE_BACKEND=gcs
	StorageLocalDir string `env:"STORAGE_LOCAL_DIR" envDefault:"./.data/storage"` // used when STORAGE_BACKEND=local
}

func main() {
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component:   "api-server",
		Level:       cfg.LogLevel,
		Development: cfg.LogDevelopment,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	// The clinic database password must be present before we accept traffic.
	secretSource, err := secrets.FromEnv(cfg.ClinicDBCredentialsRef)
	if err != nil {
		logger.Fatal("load clinic database credentials", zap.Error(err))
	}

	// CREATE/DROP DATABASE runs on the registry connection, so clinic records
	// must point at the same server or no clinic could ever provision.
	registryHost, registryPort, err := persistence.ConnHostPort(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("parse registry database url", zap.Error(err))
	}
	if registryHost != cfg.ClinicDBHost || registryPort != cfg.ClinicDBPort {
		logger.Fatal("clinic placement must match the registry server",
			zap.String("registry_host", registryHost),
			zap.Int("registry_port", registryPort),
			zap.String("clinic_db_host", cfg.ClinicDBHost),
			zap.Int("clinic_db_port", cfg.ClinicDBPort),
		)
	}

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: cfg.DatabaseURL})
	if err != nil {
		logger.Fatal("init registry pool", zap.Error(err))
	}
	defer persistence.ClosePool(pool)

	if err := persistence.BootstrapRegistry(ctx, pool); err != nil {
		logger.Fatal("bootstrap clinics registry", zap.Error(err))
	}

	registryStore, err := persistence.NewRegistryStore(pool)
	if err != nil {
		logger.Fatal("init registry store", zap.Error(err))
	}

	router := connrouter.New(connrouter.Config{
		Registry:          registryStore,
		Secrets:           secretSource,
		Logger:            logger,
		DBUser:            cfg.ClinicDBUser,
		MaxConnsPerClinic: cfg.MaxConnsPerClinic,
		MinConnsPerClinic: cfg.MinConnsPerClinic,
	})
	defer router.CloseAll()

	var storageProv clinicsprov.StorageProvisioner
	switch cfg.StorageBackend {
	case "gcs":
		if cfg.StorageBucket == "" {
			logger.Fatal("storage bucket required when STORAGE_BACKEND=gcs")
		}
		gcsClient, err := storage.NewClient(ctx)
		if err != nil {
			logger.Fatal("init gcs client", zap.Error(err))
		}
		defer gcsClient.Close()
		storageProv = clinicsprov.NewGCSStorageProvisioner(gcsClient, cfg.StorageBucket)
	case "local":
		if strings.TrimSpace(cfg.StorageLocalDir) == "" {
			logger.Fatal("storage local dir required when STORAGE_BACKEND=local")
		}
		storageProv = clinicsprov.NewLocalStorageProvisioner(cfg.StorageLocalDir)
	default:
		logger.Fatal("invalid STORAGE_BACKEND (use gcs or local)", zap.String("backend", cfg.StorageBackend))
	}

	provisioner, err := clinicsprov.New(clinicsprov.Config{
		Registry:  registryStore,
		Admin:     clinicsprov.NewPGAdmin(pool),
		Connector: clinicsprov.NewPGConnector(secretSource, cfg.ClinicDBUser),
		Set:       migrate.ClinicSpace(),
		SeedSQL:   sqlassets.DefaultOrgUnitSQL,
		Storage:   storageProv,
		EnvKey:    cfg.EnvKey,
		Evictor:   router,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("init clinic provisioner", zap.Error(err))
	}

	clinicService := clinicsservice.New(registryStore, provisioner, router, clinicsservice.Defaults{
		DBHost:         cfg.ClinicDBHost,
		DBPort:         cfg.ClinicDBPort,
		CredentialsRef: cfg.ClinicDBCredentialsRef,
	}, logger)
	clinicHTTPHandler := clinicshandler.New(clinicService, logger)
	patientHTTPHandler := patientshandler.New(logger)

	authMiddleware := buildAuthMiddleware(ctx, cfg, logger)

	rootRouter := chi.NewRouter()
	rootRouter.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
		platformmiddleware.DefaultCORS(),
	)
	rootRouter.Use(platformlogging.RequestLogger(logger))

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	apiRouter := chi.NewRouter()
	apiRouter.Use(authMiddleware)
	apiRouter.Use(platformmiddleware.RequestTrace)

	// Admin surface: registry lifecycle, not clinic-scoped.
	apiRouter.Group(func(r chi.Router) {
		r.Use(platformauth.RequireAdmin())
		r.Mount("/admin/clinics", clinicHTTPHandler)
	})

	// Clinic surface: every request is routed to its clinic database first.
	apiRouter.Group(func(r chi.Router) {
		r.Use(clinicmiddleware.WithClinicDB(router, logger))
		r.Mount("/patients", patientHTTPHandler)
	})

	rootRouter.Mount("/api/v1", apiRouter)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rootRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info("starting api server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
