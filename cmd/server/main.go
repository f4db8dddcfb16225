package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"recoverylm/internal/config"
	"recoverylm/internal/database"
	"recoverylm/internal/handlers"
	"recoverylm/internal/jobs"
	"recoverylm/internal/logging"
	"recoverylm/internal/middleware"
	"recoverylm/internal/services"
	"recoverylm/pkg/auth"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
)

func main() {
	godotenv.Load()
	logging.Init()
	cfg := config.Load()

	db, err := database.New(cfg.DatabasePath())
	if err != nil {
		log.Fatalf("❌ Failed to open vault store: %v", err)
	}
	defer db.Close()
	if err := db.Initialize(); err != nil {
		log.Fatalf("❌ Failed to initialize vault store: %v", err)
	}

	session, err := services.NewVaultSession(db, cfg.KDFIterations, cfg.AutoLockTimeout(), cfg.UnlockRatePerMin)
	if err != nil {
		log.Fatalf("❌ Failed to build vault session: %v", err)
	}

	llm := services.NewLLMClient(cfg)
	defer llm.Close()

	builder := services.NewContextBuilder(session, nil, nil, cfg.MetricsWindowDays, cfg.RecentMemories, cfg.RecentSessions)
	chat := services.NewChatService(session, llm, services.NewKeywordAssessor(), builder)
	pipeline := services.NewExtractionPipeline(session, llm)
	backup := services.NewBackupCodec(session, db, cfg.KDFIterations)

	// Every unlock gives the pipeline a chance to catch up.
	session.OnUnlock(func() {
		pipeline.Run(context.Background())
	})

	tokens, err := auth.NewManager(24 * time.Hour)
	if err != nil {
		log.Fatalf("❌ Failed to create token manager: %v", err)
	}

	scheduler, err := jobs.NewScheduler(pipeline, cfg.ExtractionSchedule)
	if err != nil {
		log.Fatalf("❌ Failed to create scheduler: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	app := fiber.New(fiber.Config{
		AppName:               "recoverylm",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "http://localhost:5173, http://localhost:3100",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	prom := fiberprometheus.New("recoverylm")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)

	registerRoutes(app, session, tokens, chat, backup)

	// Graceful shutdown: lock the vault before the process dies so the key
	// never outlives the server.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("🛑 Shutting down")
		session.Lock()
		app.Shutdown()
	}()

	log.Printf("🚀 recoverylm listening on port %s", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Server error: %v", err)
	}
}

func registerRoutes(app *fiber.App, session *services.VaultSession, tokens *auth.Manager, chat *services.ChatService, backup *services.BackupCodec) {
	vaultHandler := handlers.NewVaultHandler(session, tokens)
	recordsHandler := handlers.NewRecordsHandler(session)
	chatHandler := handlers.NewChatHandler(chat)
	backupHandler := handlers.NewBackupHandler(backup)

	app.Get("/health", handlers.Health(session))

	api := app.Group("/api")

	// Key lifecycle: status/create/unlock/reset are reachable without a
	// session token by necessity.
	vault := api.Group("/vault")
	vault.Get("/status", vaultHandler.Status)
	vault.Post("/create", vaultHandler.Create)
	vault.Post("/unlock", vaultHandler.Unlock)
	vault.Post("/reset", vaultHandler.Reset)

	authed := middleware.SessionAuth(tokens, session)
	vault.Post("/lock", authed, vaultHandler.Lock)
	vault.Post("/change-password", authed, vaultHandler.ChangePassword)
	vault.Post("/wipe", authed, vaultHandler.Wipe)
	vault.Get("/mnemonic", authed, vaultHandler.RevealMnemonic)
	vault.Get("/mnemonic/challenge", authed, vaultHandler.MnemonicChallenge)
	vault.Post("/mnemonic/confirm", authed, vaultHandler.MnemonicConfirm)

	records := api.Group("/records", authed)
	records.Get("/profile", recordsHandler.GetProfile)
	records.Put("/profile", recordsHandler.PutProfile)
	records.Put("/metrics", recordsHandler.PutMetric)
	records.Get("/metrics", recordsHandler.ListMetrics)
	records.Get("/metrics/:date", recordsHandler.GetMetric)
	records.Post("/journal", recordsHandler.AddJournalEntry)
	records.Get("/journal", recordsHandler.ListJournal)
	records.Get("/sessions", recordsHandler.ListSessions)
	records.Get("/sessions/:id", recordsHandler.GetSessionMessages)
	records.Get("/support", recordsHandler.GetSupportNetwork)
	records.Put("/support", recordsHandler.PutSupportNetwork)
	records.Get("/settings", recordsHandler.GetSettings)
	records.Put("/settings", recordsHandler.PutSettings)
	records.Get("/memories", recordsHandler.ListMemories)

	chatGroup := api.Group("/chat", authed)
	chatGroup.Post("/start", chatHandler.Start)
	chatGroup.Post("/send", chatHandler.Send)

	backupGroup := api.Group("/backup", authed)
	backupGroup.Post("/export", backupHandler.Export)
	backupGroup.Post("/import", backupHandler.Import)
}
