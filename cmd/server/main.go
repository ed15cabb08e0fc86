package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"macrolink/internal/auth"
	"macrolink/internal/dashboard"
	"macrolink/internal/sentry"
	"macrolink/internal/server"
	"macrolink/internal/storage"
)

const shutdownTimeout = 30 * time.Second

// devSessionID is seeded in INSECURE_DEV mode so a fresh checkout can authenticate.
const devSessionID = "devsession000000"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()
	insecureDev := os.Getenv("INSECURE_DEV") == "true"

	if err := sentry.Init(os.Getenv("SENTRY_DSN"), envOr("SENTRY_ENVIRONMENT", "production")); err != nil {
		log.Printf("Sentry disabled: %v", err)
	}
	defer sentry.Flush(2 * time.Second)

	// 1. Initialize Database
	store, err := storage.NewSQLiteStore(envOr("DB_PATH", "macrolink.db"))
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	if insecureDev {
		if err := store.SeedClient(devSessionID, "dev"); err != nil {
			log.Fatalf("Failed to seed dev client: %v", err)
		}
	}

	// 2. Token issuer
	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{AllowInsecureKeys: insecureDev})
	if err != nil {
		log.Fatalf("Failed to initialize token issuer: %v (set TOKEN_HASH_KEY and TOKEN_BLOCK_KEY, or INSECURE_DEV=true)", err)
	}

	// 3. Protocol server
	registry := server.NewSessionRegistry()
	protocolServer := server.NewServer(server.Config{
		Addr:            envOr("LISTEN_ADDR", ":9000"),
		RequiredVersion: os.Getenv("REQUIRED_VERSION"),
		AutoRegister:    os.Getenv("AUTO_REGISTER") == "true",
		MaxConnections:  1000,
	}, store, tokens, registry)

	serverErrors := make(chan error, 2)

	go func() {
		if err := protocolServer.Start(); err != nil {
			serverErrors <- err
		}
	}()

	// 4. Dashboard
	keyHash := []byte(strings.TrimSpace(os.Getenv("DASHBOARD_KEY_HASH")))
	if len(keyHash) == 0 {
		log.Println("DASHBOARD_KEY_HASH not set, dashboard API is disabled")
	}
	dash := dashboard.NewDashboard(envOr("DASHBOARD_ADDR", ":8080"), store, registry, keyHash)
	httpServer := &http.Server{
		Addr:              dash.Addr,
		Handler:           dash.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Dashboard listening on %s (HTTP)", dash.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	// Wait for interrupt or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErrors:
		sentry.CaptureError(err, "Server error, initiating shutdown")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Dashboard shutdown error: %v", err)
	}

	if err := protocolServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Protocol server shutdown error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
