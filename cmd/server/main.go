/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the KPI engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load the config file
  2. Initialize logging and tracing
  3. Initialize SQLite store
  4. Create the kpi.Service and API handler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (optional, see config/config.go)
  -port    HTTP server port, overrides the config file
  -db      SQLite database path, overrides the config file
           Use ":memory:" for in-memory database
  -seed    Entity catalog (YAML/JSON) saved before serving

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Flush pending spans
  4. Close database connection

EXAMPLES:
  ./server -config=./kpi.yaml
  ./server -db=":memory:" -port=3000 -seed=./strategy.yaml

ENVIRONMENT:
  KPI_ENV  deployment environment recorded on spans (default: development)

SEE ALSO:
  - api/server.go: Router configuration
  - kpi/service.go: Engine entry points
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/kpi-engine/api"
	"github.com/warp/kpi-engine/config"
	"github.com/warp/kpi-engine/factory"
	"github.com/warp/kpi-engine/kpi"
	"github.com/warp/kpi-engine/store/sqlite"
	"github.com/warp/kpi-engine/telemetry"
)

var version = "dev"

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	seedPath := flag.String("seed", "", "entity catalog to load at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DB = *dbPath
	}

	logger := cfg.NewLogger()

	shutdownTracing, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Exporter:       cfg.Tracing.Exporter,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	// Initialize store
	store, err := sqlite.New(cfg.DB)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	svc := kpi.NewService(store, logger)
	svc.MaxCascadeDepth = cfg.Engine.MaxCascadeDepth
	svc.DefaultMinApprovalRole = cfg.MinApprovalRole()

	if *seedPath != "" {
		if err := seed(svc, *seedPath); err != nil {
			log.Fatalf("Failed to load catalog: %v", err)
		}
		log.Printf("Loaded catalog %s", *seedPath)
	}

	router := api.NewRouter(api.NewHandler(svc), cfg.CORS.AllowedOrigins...)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%d", cfg.Port)
		log.Printf("API available at http://localhost:%d/api, metrics at /metrics", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		log.Printf("Failed to flush traces: %v", err)
	}

	log.Println("Server stopped")
}

// seed applies a catalog file, refusing catalogs with errors.
func seed(svc *kpi.Service, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f := factory.NewEntityFactory()
	catalog, err := f.ParseCatalog(data)
	if err != nil {
		return err
	}
	findings := f.Check(catalog)
	for _, finding := range findings {
		log.Printf("Catalog %s", finding)
	}
	if factory.HasErrors(findings) {
		return fmt.Errorf("%s has errors", path)
	}
	return f.Apply(context.Background(), svc, catalog)
}
