package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/gorilla/mux"

	"github.com/maneesh/crashstore/internal/config"
	"github.com/maneesh/crashstore/internal/dumps"
	"github.com/maneesh/crashstore/internal/handlers"
	"github.com/maneesh/crashstore/internal/storage"
	"github.com/maneesh/crashstore/internal/tracing"
)

func main() {
	log.Println("Starting crashstore service...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Service: %s, Port: %s", cfg.ServiceName, cfg.ServicePort)

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	// Initialize blob store
	var blobs storage.BlobStore
	switch cfg.StorageBackend {
	case "s3":
		log.Println("Connecting to MinIO...")
		blobs, err = storage.NewMinioStore(
			cfg.MinIOEndpoint,
			cfg.MinIOAccessKey,
			cfg.MinIOSecretKey,
			cfg.MinIOBucketName,
			cfg.MinIOUseSSL,
		)
		if err != nil {
			log.Fatalf("Failed to initialize MinIO blob store: %v", err)
		}
		log.Println("MinIO blob store initialized")
	default:
		blobs, err = storage.NewFSStore(cfg.DumpsBaseDir, cfg.Compress)
		if err != nil {
			log.Fatalf("Failed to initialize filesystem blob store: %v", err)
		}
		log.Printf("Filesystem blob store initialized at %s", cfg.DumpsBaseDir)
	}

	// Initialize metadata store
	log.Println("Connecting to MySQL...")
	meta, err := storage.OpenMySQL(cfg.GetDSN())
	if err != nil {
		log.Fatalf("Failed to initialize metadata store: %v", err)
	}
	defer meta.Close()

	if err := meta.Migrate(context.Background()); err != nil {
		log.Fatalf("Failed to migrate metadata store: %v", err)
	}
	log.Println("Metadata store initialized")

	// Initialize Redis cache (optional)
	var cache *storage.DumpCache
	if cfg.CacheEnabled {
		log.Println("Connecting to Redis...")
		cache, err = storage.NewDumpCache(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("Failed to initialize Redis cache: %v", err)
		}
		defer cache.Close()
		log.Println("Redis cache initialized")
	}

	// Initialize dump service and handlers
	service := dumps.NewService(blobs, meta, cache)
	dumpHandler := handlers.NewDumpHandler(service, cfg.GetMaxUploadBytes())

	// Setup HTTP router
	router := mux.NewRouter()

	// Health check endpoint (no auth, no tracing)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	// Dump operations behind the auth gate
	api := router.NewRoute().Subrouter()
	api.Use(handlers.AuthMiddleware(cfg.AuthToken))
	dumpHandler.RegisterRoutes(api)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server listening on port %s", cfg.ServicePort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
