package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"relaychat/internal/broker"
	"relaychat/internal/chat"
	"relaychat/internal/db"
	myMiddleware "relaychat/internal/middleware"
	"relaychat/internal/user"
)

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", ":8080", "http service address")
	flag.Parse()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("❌ DB_DSN is not set")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("❌ JWT_SECRET is not set")
	}

	brokerKind := os.Getenv("RELAY_BROKER")
	if brokerKind == "" {
		brokerKind = "redis"
	}

	rpm := 120
	if v := os.Getenv("RATE_LIMIT_RPM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Fatalf("❌ RATE_LIMIT_RPM must be a positive integer, got %q", v)
		}
		rpm = n
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database
	database, err := db.NewDatabase(dsn)
	if err != nil {
		log.Fatalf("❌ Failed to connect to DB: %v", err)
	}
	defer database.Close()
	log.Println("✅ Connected to PostgreSQL")

	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}
	log.Println("✅ Database Schema Initialized")

	// 3. Connect to the broker that routes deliveries between relay instances
	b, err := broker.New(brokerKind, os.Getenv("REDIS_ADDR"), os.Getenv("NATS_URL"))
	if err != nil {
		log.Fatalf("❌ Failed to connect to %s broker: %v", brokerKind, err)
	}
	defer b.Close()
	log.Printf("✅ Connected to %s broker", brokerKind)

	// 4. Users
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, jwtSecret)
	userHandler := user.NewHandler(userService)

	// 5. Chat
	sendLimiter := myMiddleware.NewLimiterStore(rpm, 10, time.Minute)
	defer sendLimiter.Stop()
	loginLimiter := myMiddleware.NewLimiterStore(10, 5, time.Minute)
	defer loginLimiter.Stop()

	chatRepo := chat.NewRepository(database.Conn)
	hub := chat.NewHub(b, chatRepo, userService, sendLimiter)
	go func() {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("❌ Hub stopped: %v", err)
		}
	}()

	chatHandler := chat.NewHandler(hub, chatRepo)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/register", userHandler.Register)
		r.With(myMiddleware.RateLimit(loginLimiter, nil)).Post("/login", userHandler.Login)

		// Protected Routes (Require JWT)
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Handle)
			r.Get("/me", userHandler.Me)
			r.Get("/search", userHandler.SearchUsers)
			r.Post("/logout", userHandler.Logout)

			r.Get("/conversations", chatHandler.Conversations)
			r.Get("/messages/{userID}", chatHandler.GetChatHistory)
			r.Put("/messages/{messageID}/read", chatHandler.MarkRead)
		})
	})

	// WebSocket (Real-time)
	r.With(authMiddleware.Handle).Get("/ws", chatHandler.ServeWs)

	srv := &http.Server{Addr: *addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("🚀 Relay starting on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	log.Println("👋 Relay stopped")
}
