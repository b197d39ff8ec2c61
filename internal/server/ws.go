package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"groupchat/internal/auth"
	"groupchat/internal/chat"
	"groupchat/internal/storage"
	"groupchat/internal/storage/zapadapter"
)

const (
	defaultQueueSize = 256
	maxFrameSize     = 64 << 10
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
)

// wsHandler upgrades requests on "/ws" to event channel connections
type wsHandler struct {
	logger    *zap.SugaredLogger
	store     storage.Store
	hub       *chat.Hub
	verifier  *auth.Verifier
	upgrader  websocket.Upgrader
	queueSize int
	parsers   fastjson.ParserPool
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	user, err := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
	if err != nil || user < 1 {
		http.Error(w, "Query parameter \"user\" must be a valid user id greater than zero", http.StatusBadRequest)
		return
	}

	if h.verifier != nil {
		if err := h.verifier.Authorize(r.URL.Query().Get("token"), user); err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
	}

	u, err := h.store.User(r.Context(), user)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			http.Error(w, "User does not exist", http.StatusNotFound)
			return
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied
		h.logger.Debugf("upgrading connection of user (id: %d): %v", user, err)
		return
	}

	name := u.Name
	if name == "" {
		name = u.Username
	}
	c := chat.NewConn(u.ID, name, h.queueSize)
	h.hub.Connect(c)

	s := &session{
		h:      h,
		ws:     ws,
		conn:   c,
		logger: h.logger.With("connection_id", c.ID, "user_id", c.UserID),
	}
	s.logger.Debug("Connection opened")

	go s.writePump()
	s.readPump(zapadapter.NewContextWithConnectionID(context.Background(), c.ID))
}

// session serves one upgraded connection
type session struct {
	h      *wsHandler
	ws     *websocket.Conn
	conn   *chat.Conn
	logger *zap.SugaredLogger
}

// readPump dispatches incoming frames until the connection fails, then disconnects from the hub
func (s *session) readPump(ctx context.Context) {
	defer func() {
		s.h.hub.Disconnect(s.conn)
		s.ws.Close()
		s.logger.Debug("Connection closed")
	}()

	s.ws.SetReadLimit(maxFrameSize)
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugf("reading frame: %v", err)
			}
			return
		}
		s.dispatch(ctx, data)
	}
}

// writePump drains the connection queue and keeps the connection alive with pings.
// It is the only writer of the websocket.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.ws.Close()
	}()

	for {
		select {
		case e, ok := <-s.conn.Outbound():
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := encodeEvent(e)
			if err != nil {
				s.logger.Errorf("encoding %s event: %v", e.Type, err)
				continue
			}
			if err := s.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debugf("writing frame: %v", err)
				return
			}
		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch handles one client event and queues the ack or error reply
func (s *session) dispatch(ctx context.Context, frame []byte) {
	parser := s.h.parsers.Get()
	defer s.h.parsers.Put(parser)

	v, err := parser.ParseBytes(frame)
	if err != nil {
		s.reply(errorEvent("", fieldError("Malformed JSON")))
		return
	}
	id := string(v.GetStringBytes("id"))
	event := string(v.GetStringBytes("event"))
	data := v.Get("data")
	if data == nil || data.Type() != fastjson.TypeObject {
		s.reply(errorEvent(id, fieldError("Field \"data\" must be an object")))
		return
	}

	var (
		ack       interface{}
		alwaysAck bool
	)
	switch event {
	case eventJoinGroup:
		err = s.joinGroup(ctx, data)
	case eventLeaveGroup:
		err = s.leaveGroup(data)
	case eventSendMessage:
		alwaysAck = true
		ack, err = s.sendMessage(ctx, data)
	case eventDeliverMessage:
		ack, err = s.acknowledge(ctx, data, s.h.hub.AcknowledgeDelivered)
	case eventReadMessage:
		ack, err = s.acknowledge(ctx, data, s.h.hub.AcknowledgeRead)
	case eventTyping:
		err = s.typing(data)
	case eventResync:
		err = s.resync(ctx, data)
	default:
		err = fieldError("Unknown event " + strconv.Quote(event))
	}

	if err != nil {
		s.logger.Debugf("%s event rejected: %v", event, err)
		s.reply(errorEvent(id, err))
		return
	}
	if id != "" || alwaysAck {
		s.reply(ackEvent(id, ack))
	}
}

// reply queues the outcome of a client event. A reply that does not fit the queue closes the
// connection so the client reconnects and resyncs.
func (s *session) reply(e chat.Event) {
	if !s.conn.Push(e) {
		s.logger.Debugf("Dropped %s reply, closing connection", e.Type)
		s.h.hub.Disconnect(s.conn)
	}
}

func (s *session) joinGroup(ctx context.Context, data *fastjson.Value) error {
	group, err := idField(data, "groupId")
	if err != nil {
		return err
	}
	last, err := intField(data, "lastSequence", 0)
	if err != nil {
		return err
	}
	_, err = s.h.hub.JoinGroup(ctx, s.conn, group, last)
	return err
}

func (s *session) leaveGroup(data *fastjson.Value) error {
	group, err := idField(data, "groupId")
	if err != nil {
		return err
	}
	s.h.hub.LeaveGroup(s.conn, group)
	return nil
}

func (s *session) sendMessage(ctx context.Context, data *fastjson.Value) (interface{}, error) {
	group, err := idField(data, "groupId")
	if err != nil {
		return nil, err
	}
	content, err := stringField(data, "content", true)
	if err != nil {
		return nil, err
	}
	clientTS, err := timeField(data, "clientTimestamp")
	if err != nil {
		return nil, err
	}
	if data.Exists("senderId") {
		sender, err := idField(data, "senderId")
		if err != nil {
			return nil, err
		}
		if sender != s.conn.UserID {
			return nil, errForbidden
		}
	}

	msg, err := s.h.hub.SendMessage(ctx, s.conn, group, content, clientTS)
	if err != nil {
		return nil, err
	}
	return messageAck{Message: msg}, nil
}

func (s *session) acknowledge(ctx context.Context, data *fastjson.Value, fn func(context.Context, *chat.Conn, uuid.UUID) (storage.Receipt, error)) (interface{}, error) {
	message, err := uuidField(data, "messageId")
	if err != nil {
		return nil, err
	}
	r, err := fn(ctx, s.conn, message)
	if err != nil {
		return nil, err
	}
	return receiptAck{Receipt: r}, nil
}

func (s *session) typing(data *fastjson.Value) error {
	group, err := idField(data, "groupId")
	if err != nil {
		return err
	}
	isTyping, err := boolField(data, "isTyping")
	if err != nil {
		return err
	}
	return s.h.hub.Typing(s.conn, group, isTyping)
}

// resync queues a backfill page for a joined group view
func (s *session) resync(ctx context.Context, data *fastjson.Value) error {
	group, err := idField(data, "groupId")
	if err != nil {
		return err
	}
	last, err := intField(data, "lastSequence", 0)
	if err != nil {
		return err
	}
	bf, err := s.h.hub.Resync(ctx, s.conn, group, last)
	if err != nil {
		return err
	}
	s.reply(chat.Event{Type: chat.EventResync, Payload: bf})
	return nil
}
