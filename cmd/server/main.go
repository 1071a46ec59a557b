/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Ayuda distribution engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Wire domain engines (registry, ledger, redemption, notifier, hub)
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: ayuda.db)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the websocket hub and notifier
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/ayuda.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on different port
  ./server -port=3000

ENVIRONMENT:
  No environment variables currently. All config via flags.
  Future: DATABASE_URL, PORT, LOG_LEVEL

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
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

	"github.com/civicgrid/ayuda-engine/allocation"
	"github.com/civicgrid/ayuda-engine/api"
	"github.com/civicgrid/ayuda-engine/identity"
	"github.com/civicgrid/ayuda-engine/notify"
	"github.com/civicgrid/ayuda-engine/program"
	"github.com/civicgrid/ayuda-engine/redemption"
	"github.com/civicgrid/ayuda-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "ayuda.db", "SQLite database path")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Event plumbing: notifier feeds the websocket hub.
	notifier := notify.NewNotifier()
	defer notifier.Close()

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	hub := notify.NewHub()
	go hub.Run(hubCtx)
	hub.Forward(hubCtx, notifier, notify.TopicLedgerChanged, notify.TopicRedeemed)

	// Domain engines. Residents resolve before beneficiaries.
	resolver := identity.NewResolver(
		store.Directory(identity.VariantResident),
		store.Directory(identity.VariantBeneficiary),
	)
	registry := program.NewRegistry(store, store, notifier)
	ledger := allocation.NewLedger(store, notifier)
	engine := redemption.NewEngine(resolver, store, notifier)

	// HTTP layer
	handler := api.NewHandler(registry, ledger, engine, store, hub)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
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
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
