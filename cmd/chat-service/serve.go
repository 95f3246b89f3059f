package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rajivgeraev/flippy-chat/internal/bus"
	"github.com/rajivgeraev/flippy-chat/internal/config"
	"github.com/rajivgeraev/flippy-chat/internal/db"
	"github.com/rajivgeraev/flippy-chat/internal/logger"
	"github.com/rajivgeraev/flippy-chat/internal/metrics"
	"github.com/rajivgeraev/flippy-chat/internal/middleware"
	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/services/auth"
	"github.com/rajivgeraev/flippy-chat/internal/services/chat"
	"github.com/rajivgeraev/flippy-chat/internal/services/cloudinary"
	"github.com/rajivgeraev/flippy-chat/internal/utils"
	"github.com/rajivgeraev/flippy-chat/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var (
		migrate bool
		seeds   []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API and the websocket endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			requests, err := parseSeeds(seeds)
			if err != nil {
				return err
			}
			return serve(cfg, log, migrate, requests)
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply the schema before start (postgres only)")
	cmd.Flags().StringSliceVar(&seeds, "seed", nil, "Request for the memory storage as id:client:provider")
	return cmd
}

// parseSeeds разбирает заявки для хранилища в памяти
func parseSeeds(seeds []string) ([]models.Request, error) {
	out := make([]models.Request, 0, len(seeds))
	for _, s := range seeds {
		parts := strings.Split(s, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("bad --seed %q, want id:client:provider", s)
		}
		out = append(out, models.Request{
			ID:             parts[0],
			ClientUserID:   parts[1],
			ProviderUserID: parts[2],
			Status:         models.RequestPending,
		})
	}
	return out, nil
}

func serve(cfg *config.Config, log *logger.Logger, migrate bool, seeds []models.Request) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	// Хранилище сообщений и заявок
	var (
		messages chat.MessageStore
		requests chat.RequestService
		pool     *pgxpool.Pool
	)
	switch cfg.StorageDriver {
	case "memory":
		log.Warn("⚠️ using in-memory storage, data is lost on restart", "requests", len(seeds))
		messages = db.NewMemoryMessageStore()
		requests = db.NewMemoryRequestStore(seeds...)
	default:
		var err error
		pool, err = db.Connect(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer pool.Close()

		if migrate {
			if err := db.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		messages = db.NewMessageRepository(pool)
		requests = db.NewRequestRepository(pool)
	}

	// Шина между инстансами
	eventBus, err := bus.New(log, cfg.BusConfig)
	if err != nil {
		return err
	}
	if eventBus != nil {
		defer eventBus.Close()
	}

	manager := websocket.NewManager(log, m)
	if eventBus != nil {
		manager.SetBus(eventBus)
	}

	jwtService := utils.NewJWTService(cfg.JWTSecret)

	// Без явного списка хостов вложения принимаются только из Cloudinary
	mediaHosts := cfg.ChatConfig.MediaHosts
	if len(mediaHosts) == 0 && cfg.CloudinaryConfig.Enabled() {
		mediaHosts = []string{cloudinary.DeliveryHost}
	}

	chatService := chat.NewChatService(messages, requests, manager, log, m, chat.Options{
		PersistTimeout:   cfg.ChatConfig.PersistTimeout,
		PreviewLength:    cfg.ChatConfig.PreviewLength,
		MaxMessageLength: cfg.ChatConfig.MaxMessageLength,
		MediaHosts:       mediaHosts,
	})
	cloudinaryService := cloudinary.NewCloudinaryService(cfg.CloudinaryConfig, chatService, log)

	// REST API
	app := fiber.New(fiber.Config{
		AppName:      "Flippy Chat",
		ErrorHandler: middleware.ErrorHandler,
	})
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowCredentials: false,
	}))

	auth.NewAuthService(cfg.TelegramBotToken, jwtService, log).SetupRoutes(app)
	chatService.SetupRoutes(app, jwtService)
	cloudinaryService.SetupRoutes(app, jwtService)

	// Websocket и метрики на отдельном net/http листенере
	mux := http.NewServeMux()
	mux.Handle("/ws", websocket.NewHandler(manager, jwtService, cfg.ChatConfig.AllowedOrigins, log))
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.WSAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := manager.StartForwarder(ctx); err != nil {
		return fmt.Errorf("start bus forwarder: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("✅ REST API started", "addr", cfg.HTTPAddr)
		return app.Listen(cfg.HTTPAddr, fiber.ListenConfig{DisableStartupMessage: true})
	})

	g.Go(func() error {
		log.Info("✅ websocket endpoint started", "addr", cfg.WSAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return chatService.Reconciler().Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		manager.Shutdown()
		err := errors.Join(
			srv.Shutdown(shutdownCtx),
			app.ShutdownWithContext(shutdownCtx),
		)

		if left := chatService.Reconciler().Flush(shutdownCtx); left > 0 {
			log.Error("request status updates lost on shutdown", "pending", left)
		}
		return err
	})

	return g.Wait()
}
