package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"arquiz-live/internal/domain"
)

// RoomAPI is the REST collaborator consulted once at session cold start.
// Live state never flows through it.
type RoomAPI interface {
	RoomDetails(ctx context.Context, roomID string) (domain.Room, error)
	RoomByAccessCode(ctx context.Context, code string) (domain.Room, error)
	QuizQuestions(ctx context.Context, quizID string) ([]domain.Question, error)
}

// HTTPRoomAPI talks to the room service REST surface.
type HTTPRoomAPI struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPRoomAPI builds a client for the given base URL. httpClient may be
// nil, in which case http.DefaultClient is used.
func NewHTTPRoomAPI(baseURL, token string, httpClient *http.Client) *HTTPRoomAPI {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPRoomAPI{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		client: httpClient,
	}
}

func (a *HTTPRoomAPI) RoomDetails(ctx context.Context, roomID string) (domain.Room, error) {
	var room domain.Room
	path := "/v1/rooms/" + url.PathEscape(roomID)
	if err := a.get(ctx, path, &room, domain.ErrRoomNotFound); err != nil {
		return domain.Room{}, err
	}
	return room, nil
}

func (a *HTTPRoomAPI) RoomByAccessCode(ctx context.Context, code string) (domain.Room, error) {
	var room domain.Room
	path := "/v1/rooms/code/" + url.PathEscape(code)
	if err := a.get(ctx, path, &room, domain.ErrInvalidAccessCode); err != nil {
		return domain.Room{}, err
	}
	return room, nil
}

func (a *HTTPRoomAPI) QuizQuestions(ctx context.Context, quizID string) ([]domain.Question, error) {
	var questions []domain.Question
	path := "/v1/quizzes/" + url.PathEscape(quizID) + "/questions"
	if err := a.get(ctx, path, &questions, domain.ErrQuizNotFound); err != nil {
		return nil, err
	}
	return questions, nil
}

func (a *HTTPRoomAPI) get(ctx context.Context, path string, out any, notFound error) error {
	op := "GET " + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+path, nil)
	if err != nil {
		return domain.NewSyncError(domain.KindClient, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return domain.NewSyncError(domain.KindConnection, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		kind := domain.KindRoomJoin
		if notFound == domain.ErrQuizNotFound {
			kind = domain.KindServer
		}
		return domain.NewSyncError(kind, op, notFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.NewSyncError(domain.KindAuthentication, op, fmt.Errorf("status %d: %s", resp.StatusCode, apiError(resp)))
	case resp.StatusCode >= 300:
		return domain.NewSyncError(domain.KindServer, op, fmt.Errorf("status %d: %s", resp.StatusCode, apiError(resp)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewSyncError(domain.KindServer, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// apiError extracts the {"error": "..."} body the room service uses for
// failures, falling back to the bare status.
func apiError(resp *http.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return http.StatusText(resp.StatusCode)
	}
	return body.Error
}
