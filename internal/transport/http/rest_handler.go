// Package http exposes the room service over REST and websocket endpoints.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"arquiz-live/internal/app"
	"arquiz-live/internal/domain"
)

// RESTHandler serves the read-side endpoints clients use before joining a
// room over the websocket.
type RESTHandler struct {
	service *app.RoomService
	log     *slog.Logger
}

func NewRESTHandler(service *app.RoomService, log *slog.Logger) *RESTHandler {
	if log == nil {
		log = slog.Default()
	}
	return &RESTHandler{
		service: service,
		log:     log.With(slog.String("component", "rest")),
	}
}

// NewRouter wires every HTTP surface of the service onto one router.
func NewRouter(service *app.RoomService, log *slog.Logger) *mux.Router {
	rest := NewRESTHandler(service, log)
	ws := NewWSHandler(service, log)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", rest.health).Methods(http.MethodGet)
	r.HandleFunc("/v1/rooms/code/{code}", rest.roomByCode).Methods(http.MethodGet)
	r.HandleFunc("/v1/rooms/{id}", rest.roomByID).Methods(http.MethodGet)
	r.HandleFunc("/v1/quizzes/{id}/questions", rest.quizQuestions).Methods(http.MethodGet)
	r.HandleFunc("/ws", ws.ServeWS)
	return r
}

func (h *RESTHandler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *RESTHandler) roomByID(w http.ResponseWriter, r *http.Request) {
	room, err := h.service.RoomByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, room)
}

func (h *RESTHandler) roomByCode(w http.ResponseWriter, r *http.Request) {
	room, err := h.service.RoomByAccessCode(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, room)
}

func (h *RESTHandler) quizQuestions(w http.ResponseWriter, r *http.Request) {
	questions, err := h.service.QuizQuestions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, questions)
}

func (h *RESTHandler) writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn("encoding response failed", slog.Any("error", err))
	}
}

func (h *RESTHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrRoomNotFound),
		errors.Is(err, domain.ErrInvalidAccessCode),
		errors.Is(err, domain.ErrQuizNotFound):
		status = http.StatusNotFound
	case domain.KindOf(err) == domain.KindAuthentication:
		status = http.StatusUnauthorized
	case domain.KindOf(err) == domain.KindValidation:
		status = http.StatusBadRequest
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
