package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"groupchat/internal/auth"
	"groupchat/internal/chat"
	mytesting "groupchat/internal/testing"
)

type wireEvent struct {
	Event string          `json:"event"`
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
}

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server, user int64, token string) (*wsClient, *http.Response, error) {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=" + strconv.FormatInt(user, 10)
	if token != "" {
		url += "&token=" + token
	}
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, resp, err
	}
	t.Cleanup(func() { ws.Close() })
	return &wsClient{t: t, ws: ws}, resp, nil
}

func (c *wsClient) send(event, id, data string) {
	c.t.Helper()
	frame := `{"event":"` + event + `","id":"` + id + `","data":` + data + `}`
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, []byte(frame)))
}

// expect reads events until one of the given type arrives
func (c *wsClient) expect(event string) wireEvent {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := c.ws.ReadMessage()
		require.NoError(c.t, err)
		var e wireEvent
		require.NoError(c.t, json.Unmarshal(data, &e))
		if e.Event == event {
			return e
		}
	}
}

func startServer(t *testing.T, opts ...Option) (testEnv, *httptest.Server) {
	t.Helper()
	env := bootstrapServer(t, opts...)
	srv := httptest.NewServer(env.srv.Handler())
	t.Cleanup(srv.Close)
	return env, srv
}

func TestWebSocketMessageFlow(t *testing.T) {
	t.Parallel()

	env, srv := startServer(t)
	users := env.createUsers(t, 2)
	group := strconv.FormatInt(env.createGroup(t, users), 10)

	alice, _, err := dial(t, srv, users[0], "")
	require.NoError(t, err)
	bob, _, err := dial(t, srv, users[1], "")
	require.NoError(t, err)

	alice.send(eventJoinGroup, "j1", `{"groupId":`+group+`}`)
	alice.expect("resync")
	alice.expect("ack")
	bob.send(eventJoinGroup, "j2", `{"groupId":`+group+`,"lastSequence":0}`)
	bob.expect("resync")
	bob.expect("ack")

	alice.send(eventSendMessage, "m1", `{"groupId":`+group+`,"content":"hello","clientTimestamp":"2024-05-01T10:00:00Z"}`)
	ack := alice.expect("ack")
	require.Equal(t, "m1", ack.ID)
	var sent messageAck
	require.NoError(t, json.Unmarshal(ack.Data, &sent))
	require.Equal(t, int64(1), sent.Message.Sequence)
	require.Equal(t, "hello", sent.Message.Content)

	received := bob.expect("receive-message")
	var msg struct {
		ID       string `json:"id"`
		Sequence int64  `json:"sequence"`
		SenderID int64  `json:"senderId"`
	}
	require.NoError(t, json.Unmarshal(received.Data, &msg))
	require.Equal(t, int64(1), msg.Sequence)
	require.Equal(t, users[0], msg.SenderID)

	bob.send(eventReadMessage, "r1", `{"messageId":"`+msg.ID+`"}`)
	bob.expect("ack")

	status := alice.expect("message-status")
	var st struct {
		State  string `json:"state"`
		UserID int64  `json:"userId"`
	}
	require.NoError(t, json.Unmarshal(status.Data, &st))
	require.Equal(t, "read", st.State)
	require.Equal(t, users[1], st.UserID)
}

func TestWebSocketTyping(t *testing.T) {
	t.Parallel()

	env, srv := startServer(t)
	users := env.createUsers(t, 2)
	group := strconv.FormatInt(env.createGroup(t, users), 10)

	alice, _, err := dial(t, srv, users[0], "")
	require.NoError(t, err)
	bob, _, err := dial(t, srv, users[1], "")
	require.NoError(t, err)

	alice.send(eventJoinGroup, "j1", `{"groupId":`+group+`}`)
	alice.expect("ack")
	bob.send(eventJoinGroup, "j2", `{"groupId":`+group+`}`)
	bob.expect("ack")

	alice.send(eventTyping, "", `{"groupId":`+group+`,"isTyping":true}`)
	e := bob.expect("user-typing")
	var p struct {
		UserID   int64 `json:"userId"`
		IsTyping bool  `json:"isTyping"`
	}
	require.NoError(t, json.Unmarshal(e.Data, &p))
	require.Equal(t, users[0], p.UserID)
	require.True(t, p.IsTyping)

	// disconnecting clears typing state of the user
	require.NoError(t, alice.ws.Close())
	e = bob.expect("user-typing")
	require.NoError(t, json.Unmarshal(e.Data, &p))
	require.False(t, p.IsTyping)
	bob.expect("presence")
}

func TestWebSocketErrors(t *testing.T) {
	t.Parallel()

	env, srv := startServer(t)
	users := env.createUsers(t, 3)
	group := strconv.FormatInt(env.createGroup(t, users[:2]), 10)

	c, _, err := dial(t, srv, users[0], "")
	require.NoError(t, err)
	outsider, _, err := dial(t, srv, users[2], "")
	require.NoError(t, err)

	tests := []struct {
		client *wsClient
		event  string
		data   string
		code   string
	}{
		{outsider, eventJoinGroup, `{"groupId":` + group + `}`, codeNotAMember},
		{c, eventJoinGroup, `{"groupId":424242}`, codeUnknownGroup},
		{c, eventJoinGroup, `{"groupId":"x"}`, codeBadRequest},
		{c, eventSendMessage, `{"groupId":` + group + `,"content":"hi","senderId":` + strconv.FormatInt(users[1], 10) + `}`, codeForbidden},
		{c, eventReadMessage, `{"messageId":"7f1c2c5e-8f35-4c8e-9a57-3b1d4c0e6a11"}`, codeUnknownMessage},
		{c, eventTyping, `{"groupId":` + group + `,"isTyping":true}`, codeNotAMember},
		{c, "unknown", `{}`, codeBadRequest},
	}
	for i, tt := range tests {
		id := strconv.Itoa(i)
		tt.client.send(tt.event, id, tt.data)
		e := tt.client.expect("error")
		require.Equal(t, id, e.ID)

		var p errorPayload
		require.NoError(t, json.Unmarshal(e.Data, &p))
		require.Equal(t, tt.code, p.Code, tt.event)
	}

	// the connection stays usable after errors
	c.send(eventJoinGroup, "ok", `{"groupId":`+group+`}`)
	require.Equal(t, "ok", c.expect("ack").ID)
}

func TestWebSocketResync(t *testing.T) {
	t.Parallel()

	env, srv := startServer(t)
	users := env.createUsers(t, 1)
	groupID := env.createGroup(t, users)
	group := strconv.FormatInt(groupID, 10)
	for i := 0; i < 3; i++ {
		_, err := env.hub.Pipeline.Submit(context.Background(), groupID, users[0], "m", nil)
		require.NoError(t, err)
	}

	c, _, err := dial(t, srv, users[0], "")
	require.NoError(t, err)
	c.send(eventJoinGroup, "", `{"groupId":`+group+`,"lastSequence":1}`)

	e := c.expect("resync")
	var bf struct {
		Messages []struct {
			Sequence int64 `json:"sequence"`
		} `json:"messages"`
		Latest    int64 `json:"latest"`
		Truncated bool  `json:"truncated"`
	}
	require.NoError(t, json.Unmarshal(e.Data, &bf))
	require.Len(t, bf.Messages, 2)
	require.Equal(t, int64(2), bf.Messages[0].Sequence)
	require.Equal(t, int64(3), bf.Latest)
	require.False(t, bf.Truncated)

	c.send(eventResync, "", `{"groupId":`+group+`,"lastSequence":3}`)
	e = c.expect("resync")
	require.NoError(t, json.Unmarshal(e.Data, &bf))
	require.Empty(t, bf.Messages)
}

func TestWebSocketHandshake(t *testing.T) {
	t.Parallel()

	v := auth.NewVerifier("secret")
	env, srv := startServer(t, WithVerifier(v))
	users := env.createUsers(t, 2)

	_, resp, err := dial(t, srv, users[0], "")
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	foreign, err := v.Generate(users[1], time.Minute)
	require.NoError(t, err)
	_, resp, err = dial(t, srv, users[0], foreign)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := v.Generate(424242, time.Minute)
	require.NoError(t, err)
	_, resp, err = dial(t, srv, 424242, token)
	require.Error(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	token, err = v.Generate(users[0], time.Minute)
	require.NoError(t, err)
	_, _, err = dial(t, srv, users[0], token)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.hub.Registry.Online(users[0])
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDroppedReplyClosesConnection(t *testing.T) {
	t.Parallel()

	env := bootstrapServer(t)
	user := env.createUsers(t, 1)[0]

	c := chat.NewConn(user, "user", 1)
	env.hub.Connect(c)
	s := &session{h: &wsHandler{hub: env.hub}, conn: c, logger: zaptest.NewLogger(t).Sugar()}

	require.True(t, c.Push(chat.Event{Type: chat.EventPresence}))
	s.reply(ackEvent("1", nil))

	// queued events are still flushed before the close frame
	events := mytesting.Drain(c.Outbound())
	require.Len(t, events, 1)
	require.Equal(t, chat.EventPresence, events[0].Type)
	require.False(t, env.hub.Registry.Online(user))
}
