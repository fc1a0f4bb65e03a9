package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"arquiz-live/internal/config"
)

// NewSeedCmd inserts the demo quiz and room so a fresh database is playable.
func NewSeedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert the demo quiz and room",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), *configPath)
		},
	}
}

func runSeed(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Postgres.URL == "" {
		return fmt.Errorf("postgres url not configured")
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.URL)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	quiz := demoQuizzes()["quiz-1"]
	// JSON goes over as text so the jsonb column coerces the literal itself.
	quizData, err := json.Marshal(quiz)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO quizzes (id, data) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		quiz.ID, string(quizData)); err != nil {
		return fmt.Errorf("seed quiz: %w", err)
	}

	room := demoRoom(cfg.Sync.DefaultQuestionSec)
	roomData, err := json.Marshal(room)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO rooms (id, access_code, data) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET access_code = EXCLUDED.access_code, data = EXCLUDED.data, updated_at = now()`,
		room.ID, room.AccessCode, string(roomData)); err != nil {
		return fmt.Errorf("seed room: %w", err)
	}

	slog.Info("seeded demo data",
		slog.String("quiz", quiz.ID),
		slog.String("room", room.ID),
		slog.String("accessCode", room.AccessCode))
	return nil
}
