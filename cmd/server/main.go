package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pharmacy-payment-service/config"
	"pharmacy-payment-service/internal/api"
	"pharmacy-payment-service/internal/broker"
	"pharmacy-payment-service/internal/redisclient"
	"pharmacy-payment-service/internal/service"
	"pharmacy-payment-service/internal/store"
	"pharmacy-payment-service/internal/stripeclient"
	"pharmacy-payment-service/internal/util"
	"pharmacy-payment-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting pharmacy payment service")

	if cfg.Stripe.SecretKey == "" || cfg.Stripe.WebhookSecret == "" {
		log.Fatal("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET must be set")
	}

	tp, err := util.InitTracer("pharmacy-payment-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayment)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	stripeClient := stripeclient.NewClient(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)

	checkoutService := service.NewCheckoutService(db, stripeClient, cfg.Business.DefaultCurrency)
	claimTTL := time.Duration(cfg.Business.WebhookDedupeTTLHours) * time.Hour
	fulfillmentService := service.NewFulfillmentService(db, redisClient, eventPublisher, claimTTL)
	notificationService := service.NewNotificationService(db)

	ctx := context.Background()
	if err := syncStockCache(ctx, db, redisClient); err != nil {
		log.Printf("Failed to sync stock cache to Redis: %v", err)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	notificationConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayment, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(notificationConsumer, notificationService)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil {
			log.Printf("Notification worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(checkoutService, fulfillmentService, stripeClient, db)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	notificationWorker.Stop()

	log.Println("Server exited")
}

// syncStockCache seeds Redis with current stock levels so the cache mirror
// answers reads while the database stays authoritative for deductions.
func syncStockCache(ctx context.Context, db *store.Store, redisClient *redisclient.Client) error {
	products, err := db.GetProducts(ctx)
	if err != nil {
		return fmt.Errorf("failed to get products: %w", err)
	}

	for _, product := range products {
		st, err := db.GetStock(ctx, product.ID)
		if err != nil {
			log.Printf("Failed to get stock for product %d: %v", product.ID, err)
			continue
		}

		if err := redisClient.InitStock(ctx, product.ID, st.Quantity); err != nil {
			log.Printf("Failed to seed stock cache for product %d: %v", product.ID, err)
		}
	}

	log.Printf("Stock cache synced: %d products", len(products))
	return nil
}
