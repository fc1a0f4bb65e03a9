package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"arquiz-live/internal/client"
	"arquiz-live/internal/config"
	"arquiz-live/internal/domain"
	"arquiz-live/internal/infra/file"
	"arquiz-live/internal/roster"
)

// NewJoinCmd runs the terminal client against a running room service.
func NewJoinCmd(configPath *string) *cobra.Command {
	var (
		serverURL string
		code      string
		name      string
		roleFlag  string
	)
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a room from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), *configPath, serverURL, code, name, roleFlag)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "room service base URL (default from config)")
	cmd.Flags().StringVar(&code, "code", "", "room access code")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&roleFlag, "role", "student", "participant role")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runJoin(ctx context.Context, configPath, serverURL, code, name, roleFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serverURL == "" {
		serverURL = cfg.Client.ServerURL
	}
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
	progressDir := cfg.Client.ProgressDir
	if progressDir == "" {
		progressDir = ".arquiz"
	}

	// Keep log noise off the interactive screen; notices carry the story.
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store, err := file.NewProgressStore(progressDir)
	if err != nil {
		return err
	}

	conn := client.NewConnection(client.Config{
		HeartbeatInterval:   config.TTLDuration(cfg.Sync.HeartbeatInterval, 15*time.Second),
		ConnectTimeout:      config.TTLDuration(cfg.Sync.ConnectTimeout, 20*time.Second),
		BaseDelay:           config.TTLDuration(cfg.Sync.BaseDelay, time.Second),
		MaxDelay:            config.TTLDuration(cfg.Sync.MaxDelay, 30*time.Second),
		BackoffMultiplier:   cfg.Sync.BackoffMultiplier,
		MaxRetries:          cfg.Sync.MaxRetries,
		ForceReconnectDelay: config.TTLDuration(cfg.Sync.ForceReconnectDelay, 0),
	}, log, nil)

	api := client.NewHTTPRoomAPI(serverURL, cfg.Server.JoinToken, nil)
	session := client.NewCompetition(api, store, conn, client.CompetitionConfig{
		BasePerQuestionSec: cfg.Sync.DefaultQuestionSec,
		JoinToken:          cfg.Server.JoinToken,
		Notifier:           client.NewThrottledNotifier(printNotifier{}, 0, nil),
	}, log, nil)
	defer session.Close()

	unsubscribe := conn.OnStateChange(func(prev, next domain.ConnectionState, cause error) {
		if cause != nil {
			fmt.Printf("connection %s -> %s: %v\n", prev, next, cause)
			return
		}
		fmt.Printf("connection %s -> %s\n", prev, next)
	})
	defer unsubscribe()

	if err := session.LoadByAccessCode(ctx, code); err != nil {
		return err
	}
	if err := conn.Connect(ctx, wsURL(serverURL), client.Auth{Token: cfg.Server.JoinToken}); err != nil {
		return err
	}
	role := roster.MapRole(roleFlag)
	if err := session.Join(ctx, name, role); err != nil {
		return err
	}

	room := session.Room()
	fmt.Printf("joined room %s as %s (%s), %d in the roster\n",
		room.AccessCode, name, role, len(session.Roster()))
	if role == domain.RoleTeacher {
		fmt.Println(`type "start" to begin the quiz`)
	}
	printQuestion(session)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- session.Run(runCtx) }()
	go commandLoop(runCtx, cancel, session)

	runErr := <-done
	if err := session.Err(); err != nil {
		return err
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	state := session.Snapshot()
	fmt.Printf("session over: score %d\n", state.UserScore)
	session.Leave()
	return nil
}

func commandLoop(ctx context.Context, cancel context.CancelFunc, session *client.Competition) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		var err error
		switch cmd {
		case "a", "answer":
			err = session.SelectAnswer(strings.TrimSpace(rest))
			printQuestion(session)
		case "submit":
			state := session.Snapshot()
			answer := state.SelectedAnswers[state.CurrentQuestionIndex]
			submitCtx, submitCancel := context.WithTimeout(ctx, 10*time.Second)
			err = session.SubmitAnswer(submitCtx, answer)
			submitCancel()
		case "next":
			err = session.Next()
			printQuestion(session)
		case "prev":
			err = session.Previous()
			printQuestion(session)
		case "start":
			err = session.StartQuiz()
		case "roster":
			printRoster(session)
		case "kick":
			id, reason, _ := strings.Cut(strings.TrimSpace(rest), " ")
			err = session.KickParticipant(id, reason)
		case "state":
			printState(session)
		case "q", "quit":
			cancel()
			return
		default:
			fmt.Println("commands: a <answer> | submit | next | prev | start | roster | kick <id> [reason] | state | q")
		}
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
	cancel()
}

func printQuestion(session *client.Competition) {
	state := session.Snapshot()
	idx := state.CurrentQuestionIndex
	if idx < 0 || idx >= len(state.Questions) {
		return
	}
	q := state.Questions[idx]
	fmt.Printf("\n[%d/%d] %s (%ds left)\n", idx+1, len(state.Questions), q.Text, state.TimeRemaining)
	for _, opt := range q.Options {
		marker := " "
		if state.SelectedAnswers[idx] == opt.Text {
			marker = ">"
		}
		fmt.Printf(" %s %s\n", marker, opt.Text)
	}
}

func printRoster(session *client.Competition) {
	for _, p := range session.Roster() {
		host := ""
		if p.IsHost {
			host = " (host)"
		}
		fmt.Printf("%-24s %-10s %-12s score %d%s  [%s]\n",
			p.Name, p.Role, p.Status, p.Score, host, p.ID)
	}
}

func printState(session *client.Competition) {
	state := session.Snapshot()
	fmt.Printf("status %s, question %d/%d, %ds left, score %d\n",
		state.Status, state.CurrentQuestionIndex+1, len(state.Questions),
		state.TimeRemaining, state.UserScore)
	printQuestion(session)
}

// wsURL maps the REST base URL onto the websocket endpoint.
func wsURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
	return base + "/ws"
}

type printNotifier struct{}

func (printNotifier) Notify(n client.Notice) {
	fmt.Printf("! %s\n", n.Message)
}
