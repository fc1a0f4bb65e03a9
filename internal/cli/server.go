package cli

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"arquiz-live/internal/app"
	"arquiz-live/internal/config"
	"arquiz-live/internal/domain"
	"arquiz-live/internal/infra/memory"
	pgstore "arquiz-live/internal/infra/postgres"
	redisstore "arquiz-live/internal/infra/redis"
	transport "arquiz-live/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the room service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	roomTTL := config.TTLDuration(cfg.Room.TTL, 10*time.Minute)

	var quizLoader memory.QuizLoader = memory.NewStaticQuizLoader(demoQuizzes())
	if pool != nil {
		quizLoader = pgstore.NewQuizLoader(pool)
	}
	var quizzes app.QuizRepository
	if redisClient != nil {
		quizzes = redisstore.NewQuizCache(redisClient, quizLoader, quizTTL)
	} else {
		quizzes = memory.NewQuizCache(quizLoader, quizTTL, nil)
	}

	var rooms app.RoomRepository
	switch {
	case redisClient != nil && pool != nil:
		rooms = redisstore.NewRoomStore(redisClient, pgstore.NewRoomStore(pool), roomTTL)
	case redisClient != nil:
		rooms = redisstore.NewRoomStore(redisClient, nil, roomTTL)
	case pool != nil:
		rooms = pgstore.NewRoomStore(pool)
	default:
		rooms = memory.NewRoomStore()
	}

	var sessions app.SessionRegistry
	if redisClient != nil {
		sessions = redisstore.NewSessionRegistry(redisClient, roomTTL)
	} else {
		sessions = memory.NewSessionRegistry()
	}

	// Without Postgres there is no durable content, so seed a playable demo
	// room. With Postgres the seed subcommand owns that.
	if pool == nil {
		room := demoRoom(cfg.Sync.DefaultQuestionSec)
		if err := rooms.Save(ctx, room); err != nil {
			return err
		}
		log.Info("seeded demo room", slog.String("accessCode", room.AccessCode))
	}

	service := app.NewRoomService(rooms, quizzes, sessions, cfg.Server.JoinToken, log)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      transport.NewRouter(service, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info("starting room service", slog.String("port", finalPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", slog.Any("error", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info("shutting down server")
	case <-ctx.Done():
		log.Info("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// demoQuizzes backs the in-memory loader so the service is playable without a
// database.
func demoQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Quick Arithmetic",
			Questions: []domain.Question{
				{
					ID:   "q1",
					Text: "What is 2 + 2?",
					Options: []domain.Option{
						{Text: "3"},
						{Text: "4", IsCorrect: true},
						{Text: "5"},
					},
					Points: 1,
				},
				{
					ID:   "q2",
					Text: "What is 7 x 8?",
					Options: []domain.Option{
						{Text: "54"},
						{Text: "56", IsCorrect: true},
						{Text: "64"},
					},
					Points: 2,
				},
				{
					ID:   "q3",
					Text: "What is 100 / 4?",
					Options: []domain.Option{
						{Text: "20"},
						{Text: "25", IsCorrect: true},
						{Text: "40"},
					},
					Points: 1,
				},
			},
		},
	}
}

func demoRoom(questionSec int) domain.Room {
	if questionSec <= 0 {
		questionSec = 30
	}
	return domain.Room{
		ID:                 "room-1",
		AccessCode:         "ABC123",
		QuizID:             "quiz-1",
		Status:             domain.RoomWaiting,
		TimeMode:           domain.TimePerQuestion,
		TimePerQuestionSec: questionSec,
	}
}
