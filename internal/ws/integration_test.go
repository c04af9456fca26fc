package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/codesync/internal/collab"
	"github.com/manpreetbhatti/codesync/internal/room"
	"github.com/manpreetbhatti/codesync/internal/session"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, url string) *peer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) send(event string, data any) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

func (p *peer) expect(event string) json.RawMessage {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	require.NoError(p.t, p.conn.ReadJSON(&f))
	require.Equal(p.t, event, f.Event)
	return f.Data
}

func (p *peer) expectSilence() {
	p.t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := p.conn.ReadMessage()
	require.Error(p.t, err, "expected no frame")
}

func startServer(t *testing.T) (string, *room.Store, *session.Registry) {
	t.Helper()
	hub := NewHub(nil)
	sessions := session.NewRegistry()
	rooms := room.NewStore(room.DefaultLanguage)
	ctrl := collab.NewController(hub, sessions, rooms, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx, ctrl)

	srv := httptest.NewServer(Handler(hub, Options{}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), rooms, sessions
}

func TestEndToEndScenario(t *testing.T) {
	req := require.New(t)
	url, rooms, sessions := startServer(t)

	ann := dial(t, url)
	ann.send(collab.EventJoin, collab.JoinPayload{RoomID: "r1", Username: "Ann"})

	var joined collab.JoinedPayload
	req.NoError(json.Unmarshal(ann.expect(collab.EventJoined), &joined))
	req.Len(joined.Clients, 1)
	annID := joined.SocketID

	var code collab.CodePayload
	req.NoError(json.Unmarshal(ann.expect(collab.EventCodeChange), &code))
	req.Empty(code.Code)
	var lang collab.LanguagePayload
	req.NoError(json.Unmarshal(ann.expect(collab.EventLanguageChange), &lang))
	req.Equal("python3", lang.Language)
	ann.expect(collab.EventOutputChange)

	bob := dial(t, url)
	bob.send(collab.EventJoin, collab.JoinPayload{RoomID: "r1", Username: "Bob"})

	req.NoError(json.Unmarshal(ann.expect(collab.EventJoined), &joined))
	req.Equal([]collab.Member{{SocketID: annID, Username: "Ann"}, {SocketID: joined.SocketID, Username: "Bob"}}, joined.Clients)
	bobID := joined.SocketID
	req.NoError(json.Unmarshal(bob.expect(collab.EventJoined), &joined))
	req.Len(joined.Clients, 2)
	bob.expect(collab.EventCodeChange)
	bob.expect(collab.EventLanguageChange)
	bob.expect(collab.EventOutputChange)

	ann.send(collab.EventCodeChange, collab.CodePayload{RoomID: "r1", Code: "print(1)"})
	req.NoError(json.Unmarshal(bob.expect(collab.EventCodeChange), &code))
	req.Equal("print(1)", code.Code)

	// Ann's next frame is Bob leaving, not an echo of her own edit
	bob.send(collab.EventLeave, nil)
	var gone collab.DisconnectedPayload
	req.NoError(json.Unmarshal(ann.expect(collab.EventDisconnected), &gone))
	req.Equal(bobID, gone.SocketID)
	req.Equal("Bob", gone.Username)
	req.Equal([]collab.Member{{SocketID: annID, Username: "Ann"}}, gone.Clients)
	bob.expect(collab.EventLeft)

	st, ok := rooms.Get("r1")
	req.True(ok)
	req.Equal("print(1)", st.Code)
	_, ok = sessions.Lookup(bobID)
	req.False(ok)
	ann.expectSilence()
}

func TestEndToEndDisconnect(t *testing.T) {
	req := require.New(t)
	url, _, sessions := startServer(t)

	ann := dial(t, url)
	ann.send(collab.EventJoin, collab.JoinPayload{RoomID: "r1", Username: "Ann"})
	for _, e := range []string{collab.EventJoined, collab.EventCodeChange, collab.EventLanguageChange, collab.EventOutputChange} {
		ann.expect(e)
	}

	bob := dial(t, url)
	bob.send(collab.EventJoin, collab.JoinPayload{RoomID: "r1", Username: "Bob"})
	ann.expect(collab.EventJoined)

	bob.conn.Close()

	var gone collab.DisconnectedPayload
	req.NoError(json.Unmarshal(ann.expect(collab.EventDisconnected), &gone))
	req.Equal("Bob", gone.Username)
	req.Len(gone.Clients, 1)
	req.Eventually(func() bool { return sessions.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestEndToEndMalformedJoinClosesChannel(t *testing.T) {
	url, _, sessions := startServer(t)

	p := dial(t, url)
	p.send(collab.EventJoin, map[string]string{"roomId": "r1"})

	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := p.conn.ReadMessage()
	require.Error(t, err)
	require.Zero(t, sessions.Len())
}

func TestCheckOrigin(t *testing.T) {
	req := require.New(t)
	check := checkOrigin([]string{"http://localhost:3000"})

	r := httptest.NewRequest("GET", "/ws", nil)
	req.True(check(r), "no origin header")

	r.Header.Set("Origin", "http://localhost:3000")
	req.True(check(r))

	r.Header.Set("Origin", "http://evil.test")
	req.False(check(r))

	req.True(checkOrigin([]string{"*"})(r))
}
