package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pulsereel/integrity-core/archive"
	"github.com/pulsereel/integrity-core/config"
	"github.com/pulsereel/integrity-core/dbx"
	"github.com/pulsereel/integrity-core/httputil"
	"github.com/pulsereel/integrity-core/operator"
	"github.com/pulsereel/integrity-core/ratelimit"
	"github.com/pulsereel/integrity-core/revenue"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	_ "modernc.org/sqlite"
)

// Config holds all environment-derived configuration.
type Config struct {
	DBDriver       string
	DBPath         string
	DBURL          string
	MinioEnabled   bool
	MinioEndpoint  string
	MinioAccess    string
	MinioSecret    string
	MinioBucket    string
	MinioSSL       bool
	JWTSecret      string
	Username       string
	Password       string
	Port           string
	AllowedOrigins string
}

// defaultSecrets lists the baked-in placeholder values that MUST be changed
// before running in production.
var defaultSecrets = map[string]string{
	"JWT_SECRET":       "supersecretkey",
	"MINIO_SECRET_KEY": "changeme123",
	"OPERATOR_PASSWORD": "changeme_operator_password",
}

func loadConfig() Config {
	return Config{
		DBDriver:       getEnv("DB_DRIVER", "sqlite"),
		DBPath:         getEnv("DB_PATH", "/data/integrity-core.db"),
		DBURL:          getEnv("DB_URL", ""),
		MinioEnabled:   getEnv("MINIO_ENABLED", "false") == "true",
		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccess:    getEnv("MINIO_ACCESS_KEY", "integrity-core"),
		MinioSecret:    getEnv("MINIO_SECRET_KEY", "changeme123"),
		MinioBucket:    getEnv("MINIO_BUCKET", "integrity-audit"),
		MinioSSL:       getEnv("MINIO_USE_SSL", "false") == "true",
		JWTSecret:      getEnv("JWT_SECRET", "supersecretkey"),
		Username:       getEnv("OPERATOR_USERNAME", "operator"),
		Password:       getEnv("OPERATOR_PASSWORD", "changeme_operator_password"),
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: getEnv("ALLOWED_ORIGINS", "*"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func isInsecureDefaultsAllowed() bool {
	v := strings.ToLower(os.Getenv("ALLOW_INSECURE_DEFAULTS"))
	return v == "true" || v == "1" || v == "yes"
}

func main() {
	cfg := loadConfig()

	// Refuse to start with known default secrets unless explicitly overridden.
	if !isInsecureDefaultsAllowed() {
		var insecure []string
		for envKey, placeholder := range defaultSecrets {
			if getEnv(envKey, placeholder) == placeholder {
				insecure = append(insecure, envKey)
			}
		}
		if len(insecure) > 0 {
			log.Fatalf("FATAL: the following secrets still use insecure defaults: %v\n"+
				"Set them in your environment or pass ALLOW_INSECURE_DEFAULTS=true for local development.",
				insecure)
		}
	} else {
		log.Println("WARNING: ALLOW_INSECURE_DEFAULTS=true -- running with default secrets (development mode)")
	}

	// --- Database ---
	var dialect dbx.Dialect
	var rawDB *sql.DB

	switch strings.ToLower(cfg.DBDriver) {
	case "postgres", "postgresql":
		dialect = dbx.DialectPostgres
		if cfg.DBURL == "" {
			log.Fatal("DB_URL is required when DB_DRIVER=postgres")
		}
		var err error
		rawDB, err = sql.Open("pgx", cfg.DBURL)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		rawDB.SetMaxOpenConns(10)
		rawDB.SetMaxIdleConns(5)
		rawDB.SetConnMaxLifetime(5 * time.Minute)

		if err := dbx.RunMigrations(rawDB, dialect); err != nil {
			log.Fatalf("failed to init postgres schema: %v", err)
		}
		log.Println("using Postgres database")

	default:
		dialect = dbx.DialectSQLite
		var err error
		rawDB, err = sql.Open("sqlite", cfg.DBPath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		rawDB.SetMaxOpenConns(4)
		rawDB.SetMaxIdleConns(4)
		rawDB.SetConnMaxLifetime(0)

		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := rawDB.Exec(pragma); err != nil {
				log.Fatalf("pragma failed (%s): %v", pragma, err)
			}
		}

		if err := dbx.RunMigrations(rawDB, dialect); err != nil {
			log.Fatalf("failed to init schema: %v", err)
		}
		log.Println("using SQLite database")
	}

	compatDB := dbx.NewCompatDB(rawDB, dialect)
	defer compatDB.Close()

	params := config.Defaults()

	// --- Archive (optional) ---
	var archiver revenue.Archiver
	if cfg.MinioEnabled {
		minioClient, err := minio.New(cfg.MinioEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinioAccess, cfg.MinioSecret, ""),
			Secure: cfg.MinioSSL,
		})
		if err != nil {
			log.Fatalf("failed to connect to minio: %v", err)
		}
		writer := archive.NewWriter(minioClient, cfg.MinioBucket)
		if err := writer.EnsureBucket(context.Background()); err != nil {
			log.Fatalf("failed to ensure audit bucket: %v", err)
		}
		archiver = writer
		log.Println("audit snapshot archive enabled")
	} else {
		log.Println("audit snapshot archive disabled (MINIO_ENABLED=false)")
	}

	// --- Handlers ---
	finalizer := revenue.NewFinalizer(compatDB, params, archiver)
	operatorH := &operator.Handler{DB: compatDB, Params: params, Finalizer: finalizer}
	authH := &operator.Auth{Username: cfg.Username, Password: cfg.Password, JWTSecret: cfg.JWTSecret}

	// --- Rate limiters ---
	loginRL := ratelimit.New(10, 1*time.Minute)

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// Global request body size limit (1 MB).
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			httputil.MaxBody(req, httputil.DefaultBodyLimit)
			next.ServeHTTP(w, req)
		})
	})

	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			next.ServeHTTP(w, req)
		})
	})

	// CORS
	allowedOrigins := strings.Split(cfg.AllowedOrigins, ",")
	for i := range allowedOrigins {
		allowedOrigins[i] = strings.TrimSpace(allowedOrigins[i])
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, 200, map[string]string{"status": "ok"})
	})

	// Operator login (rate limited)
	r.Group(func(r chi.Router) {
		r.Use(ratelimit.Middleware(loginRL))
		r.Post("/api/operator/login", authH.HandleLogin)
	})

	// Operator RPCs (JWT protected)
	r.Group(func(r chi.Router) {
		r.Use(authH.Middleware)
		r.Post("/api/operator/windows/finalize", operatorH.HandleFinalize)
		r.Get("/api/operator/units", operatorH.HandleUnits)
		r.Get("/api/operator/videos/{id}/eis", operatorH.HandleAnalyzeVideo)
	})

	// --- Start server ---
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.Printf("integrity-core listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	log.Println("server shut down")
}
