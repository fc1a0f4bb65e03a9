package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"arquiz-live/internal/app"
	"arquiz-live/internal/domain"
	"arquiz-live/internal/protocol"
)

const (
	readWait  = 60 * time.Second
	writeWait = 10 * time.Second
)

// WSHandler upgrades HTTP requests to websockets and speaks the room event
// protocol over them.
type WSHandler struct {
	service  *app.RoomService
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.RoomService, log *slog.Logger) *WSHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WSHandler{
		service: service,
		log:     log.With(slog.String("component", "ws")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS runs one client connection. The first envelope must be a join_room;
// everything after that is dispatched to the room use cases.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	var first protocol.Envelope
	if err := conn.ReadJSON(&first); err != nil {
		return
	}
	if first.Type != protocol.EventJoinRoom {
		h.writeError(conn, domain.KindValidation, "expected a join_room event first")
		return
	}
	var joinReq protocol.JoinRoom
	if err := first.Decode(&joinReq); err != nil {
		h.writeError(conn, domain.KindValidation, err.Error())
		return
	}

	joined, err := h.service.Join(r.Context(), joinReq)
	if err != nil {
		h.writeError(conn, domain.KindOf(err), err.Error())
		return
	}
	roomID, selfID := joined.Room.ID, joined.Self.ID

	updates, cancel, err := h.service.Subscribe(roomID, selfID)
	if err != nil {
		h.writeError(conn, domain.KindOf(err), err.Error())
		return
	}
	defer cancel()

	left := false
	defer func() {
		if !left {
			h.service.Disconnected(roomID, selfID)
		}
	}()

	send := make(chan protocol.Envelope, 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for env := range send {
			if env.Type == "" {
				// Subscription ended server-side (kick); say goodbye properly.
				deadline := time.Now().Add(writeWait)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "removed"), deadline)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				h.log.Debug("write failed", slog.String("participant", selfID), slog.Any("error", err))
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					// Ordering matters: the empty envelope trails whatever the
					// session delivered before closing the subscription.
					select {
					case send <- protocol.Envelope{}:
					case <-closeSignals:
					}
					return
				}
				select {
				case send <- update:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	h.reply(send, protocol.EventRoomJoined, protocol.RoomJoined{
		Room:          joined.Room,
		ParticipantID: selfID,
		Participants:  protocol.FromParticipants(joined.Participants),
	})
	h.log.Info("client joined",
		slog.String("room", roomID), slog.String("participant", selfID))

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			break
		}

		switch env.Type {
		case protocol.EventJoinRoom:
			// Already in: answer with a fresh snapshot instead of a new seat.
			room, participants, err := h.service.Snapshot(roomID)
			if err != nil {
				h.replyError(send, err)
				continue
			}
			h.reply(send, protocol.EventRoomJoined, protocol.RoomJoined{
				Room:          room,
				ParticipantID: selfID,
				Participants:  protocol.FromParticipants(participants),
			})

		case protocol.EventSubmitAnswer:
			var sub protocol.SubmitAnswer
			if err := env.Decode(&sub); err != nil {
				h.replyError(send, domain.NewSyncError(domain.KindValidation, "submit answer", err))
				continue
			}
			result, err := h.service.SubmitAnswer(r.Context(), roomID, selfID, sub)
			if err != nil {
				h.reply(send, protocol.EventAnswerSubmitted, protocol.AnswerSubmitted{
					Success: false,
					Error:   err.Error(),
				})
				continue
			}
			score := result.TotalScore
			auto := result.AutoAdvance
			h.reply(send, protocol.EventAnswerSubmitted, protocol.AnswerSubmitted{
				Success:     true,
				Score:       &score,
				AutoAdvance: &auto,
			})

		case protocol.EventStartQuiz:
			if _, err := h.service.StartQuiz(r.Context(), roomID, selfID); err != nil {
				h.replyError(send, err)
			}

		case protocol.EventLeaveRoom:
			h.service.Leave(r.Context(), roomID, selfID)
			left = true

		case protocol.EventKickParticipant:
			var kick protocol.KickParticipant
			if err := env.Decode(&kick); err != nil {
				h.replyError(send, domain.NewSyncError(domain.KindValidation, "kick participant", err))
				continue
			}
			reason := kick.Reason
			if reason == "" {
				reason = "removed by the host"
			}
			if err := h.service.Kick(r.Context(), roomID, selfID, kick.ParticipantID, reason); err != nil {
				h.replyError(send, err)
			}

		case protocol.EventRefreshParticipants:
			_, participants, err := h.service.Snapshot(roomID)
			if err != nil {
				h.replyError(send, err)
				continue
			}
			h.reply(send, protocol.EventParticipantsUpdated, protocol.ParticipantsUpdated{
				Participants: protocol.FromParticipants(participants),
			})

		case protocol.EventSyncRequest:
			room, participants, err := h.service.Snapshot(roomID)
			if err != nil {
				h.replyError(send, err)
				continue
			}
			h.reply(send, protocol.EventSyncResponse, protocol.SyncResponse{
				Room:         room,
				Participants: protocol.FromParticipants(participants),
			})

		case protocol.EventPing:
			var ping protocol.Ping
			if err := env.Decode(&ping); err != nil {
				continue
			}
			h.reply(send, protocol.EventPong, protocol.Pong{Timestamp: ping.Timestamp})

		default:
			h.log.Debug("ignoring unexpected event",
				slog.String("event", string(env.Type)), slog.String("participant", selfID))
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

func (h *WSHandler) reply(send chan<- protocol.Envelope, event protocol.Event, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		h.log.Warn("encoding reply failed", slog.String("event", string(event)), slog.Any("error", err))
		return
	}
	send <- env
}

func (h *WSHandler) replyError(send chan<- protocol.Envelope, err error) {
	h.reply(send, protocol.EventError, protocol.ErrorPayload{
		Kind:    string(domain.KindOf(err)),
		Message: err.Error(),
	})
}

// writeError is for failures before the writer goroutine exists.
func (h *WSHandler) writeError(conn *websocket.Conn, kind domain.ErrorKind, message string) {
	env, err := protocol.NewEnvelope(protocol.EventError, protocol.ErrorPayload{
		Kind:    string(kind),
		Message: message,
	})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(env)
}
