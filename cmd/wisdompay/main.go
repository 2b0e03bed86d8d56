package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	redisstorage "github.com/gofiber/storage/redis"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/wisdomapp/wisdompay/app/controllers"
	"github.com/wisdomapp/wisdompay/internal/pkg/cache"
	"github.com/wisdomapp/wisdompay/internal/pkg/database"
	"github.com/wisdomapp/wisdompay/internal/pkg/entitlement"
	"github.com/wisdomapp/wisdompay/internal/pkg/env"
	"github.com/wisdomapp/wisdompay/internal/pkg/jobs"
	"github.com/wisdomapp/wisdompay/internal/pkg/payment"
	"github.com/wisdomapp/wisdompay/internal/pkg/router"
)

func main() {
	env.SetupEnvFile()

	db, err := database.Connect()
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer database.Close(db)

	dedup := cache.New()
	defer dedup.Close()

	app, sweeper := newApplication(db, dedup)

	scheduler := cron.New()
	if _, err := scheduler.AddJob(env.GetEnv("ACTIVATION_RETRY_CRON", "*/10 * * * *"), sweeper); err != nil {
		log.Fatalf("scheduler: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Println("shutting down")
		if err := app.ShutdownWithTimeout(20 * time.Second); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "0.0.0.0"), env.GetEnv("APP_PORT", "4100"))
	if err := app.Listen(addr); err != nil {
		log.Fatal(err)
	}
}

func newApplication(db *gorm.DB, dedup *cache.Cache) (*fiber.App, *jobs.ActivationRetrySweep) {
	repo := payment.NewRepository(db)
	ent := entitlement.NewClientFromEnv()
	svc := payment.NewService(repo, ent, dedup)

	webhook := controllers.NewWebhookController(svc, env.GetEnv("GATEWAY_IPN_SECRET", ""))
	sweeper := jobs.NewActivationRetrySweep(svc, repo)

	app := fiber.New(fiber.Config{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if fe, ok := err.(*fiber.Error); ok {
				code = fe.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   "internal_error",
				"message": err.Error(),
			})
		},
	})

	app.Use(recover.New(), logger.New())

	limiterStorage := newLimiterStorage()

	router.InstallRouter(app,
		router.NewApiRouter(webhook, env.GetEnv("INTERNAL_SERVICE_SECRET", ""), limiterStorage),
	)

	return app, sweeper
}

func newLimiterStorage() fiber.Storage {
	port, err := strconv.Atoi(env.GetEnv("CACHE_PORT", "6379"))
	if err != nil {
		port = 6379
	}
	return redisstorage.New(redisstorage.Config{
		Host: env.GetEnv("CACHE_HOST", "localhost"),
		Port: port,
	})
}
