// cmd/server/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/unclebandit/mailreach-backend/internal/controller"
	"github.com/unclebandit/mailreach-backend/internal/db"
	"github.com/unclebandit/mailreach-backend/internal/handler"
	"github.com/unclebandit/mailreach-backend/internal/notify"
	"github.com/unclebandit/mailreach-backend/internal/provider"
	"github.com/unclebandit/mailreach-backend/internal/queue"
	"github.com/unclebandit/mailreach-backend/internal/repository"
	"github.com/unclebandit/mailreach-backend/internal/service"
)

func main() {
	// Load .env
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️ No .env file found, relying on OS environment variables")
	}

	database, err := db.Connect()
	if err != nil {
		log.Fatal("failed to connect to DB:", err)
	}

	accountRepo := &repository.AccountRepository{DB: database}
	messageRepo := &repository.MessageRepository{DB: database}
	contactRepo := &repository.ContactRepository{DB: database}
	jobRepo := &repository.QueueJobRepository{DB: database}

	providers := provider.Registry{
		"gmail":     provider.NewGmail(),
		"microsoft": provider.NewMicrosoft(),
	}

	hub := notify.NewHub()
	syncService := service.NewSyncService(accountRepo, messageRepo, contactRepo, providers, hub)

	// Prefer the broker; fall back to the in-process queue for local runs,
	// with the send worker running inside the server.
	var publisher queue.Publisher
	if amqpURL := os.Getenv("AMQP_URL"); amqpURL != "" {
		broker, err := queue.DialAMQP(amqpURL)
		if err != nil {
			log.Fatal("Failed to connect to RabbitMQ:", err)
		}
		defer broker.Close()
		publisher = broker
		log.Println("📬 Publishing send jobs to RabbitMQ")
	} else {
		memQueue := queue.NewInMemoryQueue()
		publisher = memQueue
		log.Println("⚠️ AMQP_URL not set, using the in-process queue")

		worker := service.NewWorker(accountRepo, jobRepo, syncService)
		memQueue.Subscribe(func(job queue.SendJob) error {
			return worker.Process(context.Background(), job)
		})
	}

	threadService := service.NewThreadService(messageRepo, contactRepo)
	distributor := service.NewDistributorService(accountRepo, jobRepo, contactRepo, publisher)

	emailController := &controller.EmailController{
		Sync:     syncService,
		Threads:  threadService,
		Notifier: hub,
	}
	campaignHandler := handler.NewCampaignHandler(distributor)

	r := chi.NewRouter()

	// Account routes
	r.Get("/accounts/{provider}/authorize", emailController.Authorize)
	r.Get("/accounts/{provider}/callback", emailController.Callback)
	r.Post("/accounts/{id}/sync", emailController.SyncAccount)
	r.Post("/accounts/sync", emailController.SyncAll)
	r.Delete("/accounts/{id}", emailController.Disconnect)

	// Inbox routes
	r.Get("/threads", emailController.ListThreads)
	r.Get("/events", emailController.Events)

	// Send routes
	r.Post("/accounts/{id}/send", emailController.SendEmail)
	r.Post("/accounts/{id}/reply/{messageId}", emailController.ReplyToEmail)
	r.Get("/accounts/{id}/stats", campaignHandler.AccountStatsHandler)

	// Campaign queue routes
	r.Post("/campaigns/{id}/emails", campaignHandler.EnqueueHandler)
	r.Post("/campaigns/{id}/distribute", campaignHandler.DistributeHandler)
	r.Post("/campaigns/{id}/retry-failed", campaignHandler.RetryFailedHandler)
	r.Get("/campaigns/{id}/stats", campaignHandler.StatsHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Println("🚀 Server running on :" + port)
	log.Fatal(http.ListenAndServe(":"+port, r))
}
