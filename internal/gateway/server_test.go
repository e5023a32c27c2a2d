package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-realtime-rooms/internal/auth"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/gateway"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/protocol"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/registry"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/room"
	"github.com/koopa0/system-design/14-realtime-rooms/internal/tick"
	apperrors "github.com/koopa0/system-design/14-realtime-rooms/pkg/errors"
	"github.com/koopa0/system-design/14-realtime-rooms/pkg/logger"
)

type testEnv struct {
	srv    *gateway.Server
	reg    *registry.Registry
	driver *tick.Driver
	http   *httptest.Server
}

func newEnv(t *testing.T, opts gateway.Options, resolver auth.Resolver) *testEnv {
	t.Helper()

	reg := registry.New(registry.Options{
		Shards:      4,
		StaticRooms: []string{"lobby"},
		Room:        room.Options{Logger: logger.Discard()},
	})
	driver := tick.New(reg, tick.Options{Period: time.Hour, SkinEvery: 30}, logger.Discard())

	srv := gateway.NewServer(opts, gateway.Deps{
		Registry: reg,
		Resolver: resolver,
		Assigner: gateway.QueryAssigner{Default: "lobby"},
		Ticks:    driver,
		Logger:   logger.Discard(),
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})

	return &testEnv{srv: srv, reg: reg, driver: driver, http: ts}
}

func (e *testEnv) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func dialStatus(t *testing.T, url string, header http.Header) int {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		return http.StatusSwitchingProtocols
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	return resp.StatusCode
}

func readOutbound(t *testing.T, conn *websocket.Conn) *protocol.Outbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)

	framer := protocol.NewFramer(protocol.JSONCodec{}, protocol.FramerOptions{})
	out, err := framer.DecodeOutbound(protocol.Frame{Binary: mt == websocket.BinaryMessage, Data: data})
	require.NoError(t, err)
	return out
}

func sendJSON(t *testing.T, conn *websocket.Conn, in *protocol.Inbound) {
	t.Helper()
	data, err := json.Marshal(in)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// reader 在背景讀取訊息
func reader(conn *websocket.Conn) <-chan *protocol.Outbound {
	ch := make(chan *protocol.Outbound, 256)
	go func() {
		defer close(ch)
		framer := protocol.NewFramer(protocol.JSONCodec{}, protocol.FramerOptions{})
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			out, err := framer.DecodeOutbound(protocol.Frame{Binary: mt == websocket.BinaryMessage, Data: data})
			if err != nil {
				return
			}
			ch <- out
		}
	}()
	return ch
}

func hasPlayer(msg *protocol.Outbound, id uint32) bool {
	for _, p := range msg.Players {
		if p.ID == id {
			return true
		}
	}
	return false
}

func TestServeWS_WelcomeAndBroadcast(t *testing.T) {
	env := newEnv(t, gateway.Options{}, nil)

	a := dial(t, env.wsURL("room=castle"), nil)
	welcomeA := readOutbound(t, a)
	require.Equal(t, protocol.TypeWelcome, welcomeA.Type)
	assert.NotZero(t, welcomeA.ID)
	assert.Equal(t, "castle", welcomeA.Room)

	b := dial(t, env.wsURL("room=castle"), nil)
	welcomeB := readOutbound(t, b)
	require.Equal(t, protocol.TypeWelcome, welcomeB.Type)
	assert.NotEqual(t, welcomeA.ID, welcomeB.ID)

	sendJSON(t, a, &protocol.Inbound{
		Type:  protocol.TypeState,
		State: &protocol.PlayerState{Position: [3]float32{1, 2, 3}},
		Name:  "mario",
	})

	msgs := reader(b)
	require.Eventually(t, func() bool {
		env.driver.Tick()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return false
				}
				if msg.Type == protocol.TypeData && msg.Room == "castle" &&
					hasPlayer(msg, welcomeA.ID) && hasPlayer(msg, welcomeB.ID) {
					for _, p := range msg.Players {
						if p.ID == welcomeA.ID && p.Name == "mario" && p.State.Position == [3]float32{1, 2, 3} {
							return true
						}
					}
				}
			default:
				return false
			}
		}
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, 2, env.srv.Connections())
}

func TestServeWS_DefaultRoom(t *testing.T) {
	env := newEnv(t, gateway.Options{}, nil)

	conn := dial(t, env.wsURL(""), nil)
	welcome := readOutbound(t, conn)
	assert.Equal(t, "lobby", welcome.Room)
}

func TestServeWS_PingPong(t *testing.T) {
	env := newEnv(t, gateway.Options{}, nil)

	conn := dial(t, env.wsURL(""), nil)
	readOutbound(t, conn)

	sendJSON(t, conn, &protocol.Inbound{Type: protocol.TypePing})
	assert.Equal(t, protocol.TypePong, readOutbound(t, conn).Type)
}

func TestServeWS_ProtocolErrorCloses(t *testing.T) {
	env := newEnv(t, gateway.Options{}, nil)

	conn := dial(t, env.wsURL(""), nil)
	readOutbound(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var err error
	for err == nil {
		_, _, err = conn.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseProtocolError), "got %v", err)

	require.Eventually(t, func() bool { return env.srv.Connections() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServeWS_Unauthorized(t *testing.T) {
	resolver := &auth.JWTResolver{Secret: []byte("secret"), Issuer: "rooms"}
	env := newEnv(t, gateway.Options{}, resolver)

	assert.Equal(t, http.StatusUnauthorized, dialStatus(t, env.wsURL(""), nil))
	assert.Equal(t, http.StatusUnauthorized, dialStatus(t, env.wsURL("token=garbage"), nil))

	token, err := resolver.Issue("42", "peach", time.Hour)
	require.NoError(t, err)

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn := dial(t, env.wsURL(""), header)
	assert.Equal(t, protocol.TypeWelcome, readOutbound(t, conn).Type)
}

func TestServeWS_StoreUnavailable(t *testing.T) {
	resolver := auth.ResolverFunc(func(context.Context, *http.Request) (auth.Identity, error) {
		return auth.Identity{}, apperrors.ErrStoreUnavailable
	})
	env := newEnv(t, gateway.Options{}, resolver)

	assert.Equal(t, http.StatusServiceUnavailable, dialStatus(t, env.wsURL(""), nil))
	assert.Zero(t, env.srv.Connections())
}

func TestServeWS_ConnectionLimit(t *testing.T) {
	env := newEnv(t, gateway.Options{MaxConnections: 1}, nil)

	first := dial(t, env.wsURL(""), nil)
	readOutbound(t, first)

	assert.Equal(t, http.StatusServiceUnavailable, dialStatus(t, env.wsURL(""), nil))

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return env.srv.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)

	second := dial(t, env.wsURL(""), nil)
	assert.Equal(t, protocol.TypeWelcome, readOutbound(t, second).Type)
}

func TestServeWS_Origin(t *testing.T) {
	env := newEnv(t, gateway.Options{AllowedOrigins: []string{"https://game.example"}}, nil)

	assert.Equal(t, http.StatusForbidden,
		dialStatus(t, env.wsURL(""), http.Header{"Origin": []string{"https://evil.example"}}))
	assert.Equal(t, http.StatusSwitchingProtocols,
		dialStatus(t, env.wsURL(""), http.Header{"Origin": []string{"https://game.example"}}))
}

func TestServeWS_MissingAddress(t *testing.T) {
	env := newEnv(t, gateway.Options{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = ""
	rec := httptest.NewRecorder()
	env.srv.ServeWS(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShutdown(t *testing.T) {
	env := newEnv(t, gateway.Options{}, nil)

	conn := dial(t, env.wsURL(""), nil)
	readOutbound(t, conn)

	env.srv.Shutdown()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var err error
	for err == nil {
		_, _, err = conn.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	assert.Equal(t, http.StatusServiceUnavailable, dialStatus(t, env.wsURL(""), nil))
}
