package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"packetflow/auth"
	"packetflow/db"
	"packetflow/document"
	"packetflow/lead"
	"packetflow/notify"
	"packetflow/packet"
	"packetflow/provider"
	"packetflow/webhook"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("api: %v", err)
	}
}

func run() error {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	store := packet.NewPGStore(pool)
	notifier := notify.NewNotifier(notify.LogSender{}, notify.LogSender{})
	lifecycle := packet.NewLifecycle(store, lead.NewRepository(pool), document.NewRepository(pool), notifier, packet.Config{
		LinkBase: envOr("PUBLIC_BASE_URL", "http://localhost:8080"),
		LinkTTL:  envDuration("SIGNING_LINK_TTL"),
	})
	scheduler := packet.NewEscalationScheduler(store, envInt("ESCALATION_REMINDER_THRESHOLD", packet.DefaultReminderThreshold))

	detector := provider.NewDetector(
		provider.NewJotformAdapter(os.Getenv("JOTFORM_WEBHOOK_SECRET"), store),
		provider.NewDocusignAdapter(os.Getenv("DOCUSIGN_HMAC_KEY"), store),
		provider.NewDropboxSignAdapter(os.Getenv("DROPBOX_SIGN_API_KEY"), store),
		provider.NewSignwellAdapter(os.Getenv("SIGNWELL_API_KEY"), store),
	)
	webhookHandler := webhook.NewHandler(webhook.NewRouter(detector, lifecycle, store))

	authService := auth.NewService(auth.NewRepository(pool), jwtSecret)

	server := &Server{
		packets:        lifecycle,
		escalations:    scheduler,
		authService:    authService,
		webhookHandler: webhookHandler,
	}

	httpServer := &http.Server{
		Addr:              ":" + envOr("PORT", "8080"),
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	dispatcher := notify.NewDispatcher(pool, notify.LogPublisher{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("api: listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := dispatcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("outbox dispatcher: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("api: invalid %s %q, using default", key, v)
		return 0
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		log.Printf("api: invalid %s %q, using default", key, v)
		return fallback
	}
	return n
}
