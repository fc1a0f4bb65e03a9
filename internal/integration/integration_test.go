package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"github.com/jackc/pgx/v4/pgxpool"

	"arquiz-live/internal/app"
	"arquiz-live/internal/client"
	"arquiz-live/internal/domain"
	"arquiz-live/internal/infra/memory"
	pgstore "arquiz-live/internal/infra/postgres"
	pgmigrations "arquiz-live/internal/infra/postgres/migrations"
	redisstore "arquiz-live/internal/infra/redis"
	transport "arquiz-live/internal/transport/http"
)

func TestCompetitionEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	seedContent(t, ctx, pgURL, sampleQuiz(), sampleRoom())

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}

	quizzes := redisstore.NewQuizCache(redisClient, pgstore.NewQuizLoader(pool), 5*time.Minute)
	rooms := redisstore.NewRoomStore(redisClient, pgstore.NewRoomStore(pool), 5*time.Minute)
	sessions := redisstore.NewSessionRegistry(redisClient, 5*time.Minute)
	service := app.NewRoomService(rooms, quizzes, sessions, "", nil)

	server := httptest.NewServer(transport.NewRouter(service, nil))
	defer server.Close()
	wsEndpoint := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	// The teacher joins first and flips the room live.
	teacherConn := client.NewConnection(client.Config{}, nil, nil)
	teacher := client.NewCompetition(
		client.NewHTTPRoomAPI(server.URL, "", nil),
		memory.NewProgressStore(), teacherConn, client.CompetitionConfig{}, nil, nil)
	defer teacher.Close()

	if err := teacher.LoadByAccessCode(ctx, "abc123"); err != nil { // typed lowercase
		t.Fatalf("teacher load: %v", err)
	}
	if err := teacherConn.Connect(ctx, wsEndpoint, client.Auth{}); err != nil {
		t.Fatalf("teacher connect: %v", err)
	}
	if err := teacher.Join(ctx, "Ms. Chen", domain.RoleTeacher); err != nil {
		t.Fatalf("teacher join: %v", err)
	}
	if err := teacher.StartQuiz(); err != nil {
		t.Fatalf("start quiz: %v", err)
	}

	// The started room must land in Postgres, not just the Redis cache.
	pgRooms := pgstore.NewRoomStore(pool)
	waitFor(t, "room active in postgres", func() bool {
		room, err := pgRooms.ByID(ctx, "room-1")
		return err == nil && room.Status == domain.RoomActive
	})

	studentConn := client.NewConnection(client.Config{}, nil, nil)
	student := client.NewCompetition(
		client.NewHTTPRoomAPI(server.URL, "", nil),
		memory.NewProgressStore(), studentConn, client.CompetitionConfig{}, nil, nil)
	defer student.Close()

	if err := student.LoadByAccessCode(ctx, "ABC123"); err != nil {
		t.Fatalf("student load: %v", err)
	}
	if err := studentConn.Connect(ctx, wsEndpoint, client.Auth{}); err != nil {
		t.Fatalf("student connect: %v", err)
	}
	if err := student.Join(ctx, "Alice", domain.RoleStudent); err != nil {
		t.Fatalf("student join: %v", err)
	}

	if err := student.SelectAnswer("4"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := student.SubmitAnswer(ctx, "4"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	state := student.Snapshot()
	if state.UserScore != 1 {
		t.Fatalf("expected score 1, got %d", state.UserScore)
	}
	if !state.Submitted(0) {
		t.Fatalf("expected question 0 locked")
	}

	// The score update fans out to everyone in the room.
	waitFor(t, "teacher sees the student's score", func() bool {
		for _, p := range teacher.Roster() {
			if p.Name == "Alice" && p.Score == 1 {
				return true
			}
		}
		return false
	})
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func seedContent(t *testing.T, ctx context.Context, dsn string, quiz domain.Quiz, room domain.Room) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	quizData, err := json.Marshal(quiz)
	if err != nil {
		t.Fatalf("marshal quiz: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO quizzes (id, data) VALUES (?, ?::jsonb) ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data`, quiz.ID, string(quizData)); err != nil {
		t.Fatalf("insert quiz: %v", err)
	}

	roomData, err := json.Marshal(room)
	if err != nil {
		t.Fatalf("marshal room: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO rooms (id, access_code, data) VALUES (?, ?, ?::jsonb) ON CONFLICT (id) DO UPDATE SET access_code=EXCLUDED.access_code, data=EXCLUDED.data`, room.ID, room.AccessCode, string(roomData)); err != nil {
		t.Fatalf("insert room: %v", err)
	}
}

func sampleQuiz() domain.Quiz {
	return domain.Quiz{
		ID:    "quiz-1",
		Title: "Arithmetic",
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
		},
	}
}

func sampleRoom() domain.Room {
	return domain.Room{
		ID:                 "room-1",
		AccessCode:         "ABC123",
		QuizID:             "quiz-1",
		Status:             domain.RoomWaiting,
		TimeMode:           domain.TimePerQuestion,
		TimePerQuestionSec: 30,
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
