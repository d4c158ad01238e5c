package devserver_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/voxhall/voxhall/internal/api"
	"github.com/voxhall/voxhall/internal/config"
	"github.com/voxhall/voxhall/internal/devserver"
	"github.com/voxhall/voxhall/internal/domain"
	"github.com/voxhall/voxhall/internal/session"
	"github.com/voxhall/voxhall/internal/transport"
)

// The full client stack against a real dev server: REST lifecycle, websocket
// channel, presence session.
func startServer(t *testing.T) (*httptest.Server, *api.Client) {
	t.Helper()
	cfg := &config.Config{Mode: "release", Secret: "test-secret", TokenTTL: time.Hour, PingPeriod: 50 * time.Millisecond}
	ctl := devserver.NewController(devserver.NewRegistry(), cfg.Secret, cfg.TokenTTL, cfg.PingPeriod)
	r := devserver.SetupRouter(context.Background(), cfg, ctl)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, api.NewClient(srv.URL, "")
}

func liveRoomID(t *testing.T, client *api.Client, host domain.UserID) domain.RoomID {
	t.Helper()
	ctx := context.Background()
	room, err := client.CreateRoom(ctx, "e2e room", host)
	require.NoError(t, err)
	require.NoError(t, client.StartRoom(ctx, room.ID))
	return room.ID
}

func joinRoom(t *testing.T, srv *httptest.Server, roomID domain.RoomID, uid domain.UserID) *session.Session {
	t.Helper()
	ch := transport.NewChannel(transport.Options{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/rooms",
		ReconnectDelay: 50 * time.Millisecond,
	})
	ch.Connect(uid, "")
	t.Cleanup(ch.Disconnect)
	require.Eventually(t, ch.IsConnected, 2*time.Second, 5*time.Millisecond)

	s := session.New(ch, roomID, uid)
	t.Cleanup(s.Close)
	s.Join()
	require.Eventually(t, func() bool {
		return len(s.Snapshot().Participants) > 0
	}, 2*time.Second, 5*time.Millisecond)
	return s
}

func TestJoinPropagatesMembershipToEveryone(t *testing.T) {
	srv, client := startServer(t)
	roomID := liveRoomID(t, client, "h1")

	host := joinRoom(t, srv, roomID, "h1")
	require.Equal(t, domain.RoleHost, host.Snapshot().MyRole)

	listener := joinRoom(t, srv, roomID, "u2")
	require.Equal(t, domain.RoleListener, listener.Snapshot().MyRole)

	require.Eventually(t, func() bool {
		return len(host.Snapshot().Participants) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSpeakerPromotionRoundTrip(t *testing.T) {
	srv, client := startServer(t)
	roomID := liveRoomID(t, client, "h1")

	host := joinRoom(t, srv, roomID, "h1")
	listener := joinRoom(t, srv, roomID, "u2")

	listener.RequestToSpeak()
	require.Eventually(t, func() bool {
		reqs := host.Snapshot().SpeakerRequests
		return len(reqs) == 1 && reqs[0].UserID == "u2"
	}, 2*time.Second, 5*time.Millisecond)

	host.ApproveSpeaker("u2")
	require.Eventually(t, func() bool {
		return listener.Snapshot().MyRole == domain.RoleSpeaker
	}, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, host.Snapshot().SpeakerRequests)
}

func TestMuteBroadcastReachesOtherMembers(t *testing.T) {
	srv, client := startServer(t)
	roomID := liveRoomID(t, client, "h1")

	host := joinRoom(t, srv, roomID, "h1")
	other := joinRoom(t, srv, roomID, "u2")
	require.Eventually(t, func() bool {
		return len(host.Snapshot().Participants) == 2
	}, 2*time.Second, 5*time.Millisecond)

	host.ToggleMute()
	require.Eventually(t, func() bool {
		for _, p := range other.Snapshot().Participants {
			if p.UserID == "h1" {
				return p.IsMuted
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopRoomEndsEverySession(t *testing.T) {
	srv, client := startServer(t)
	roomID := liveRoomID(t, client, "h1")

	host := joinRoom(t, srv, roomID, "h1")
	listener := joinRoom(t, srv, roomID, "u2")

	require.NoError(t, client.StopRoom(context.Background(), roomID))
	require.Eventually(t, func() bool {
		return host.Snapshot().IsRoomEnded && listener.Snapshot().IsRoomEnded
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDisconnectDropsMemberFromSnapshots(t *testing.T) {
	srv, client := startServer(t)
	roomID := liveRoomID(t, client, "h1")

	host := joinRoom(t, srv, roomID, "h1")

	ch := transport.NewChannel(transport.Options{
		URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/rooms",
	})
	ch.Connect("u2", "")
	require.Eventually(t, ch.IsConnected, 2*time.Second, 5*time.Millisecond)
	s := session.New(ch, roomID, "u2")
	s.Join()
	require.Eventually(t, func() bool {
		return len(host.Snapshot().Participants) == 2
	}, 2*time.Second, 5*time.Millisecond)

	// A hard disconnect, no leave command: the server cleans up on socket
	// loss and pushes a fresh snapshot.
	ch.Disconnect()
	require.Eventually(t, func() bool {
		return len(host.Snapshot().Participants) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRoomTokenIsPeekable(t *testing.T) {
	_, client := startServer(t)
	roomID := liveRoomID(t, client, "h1")

	creds, err := client.RoomTokenFor(context.Background(), roomID, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, creds.URL)

	gotRoom, identity, err := api.PeekToken(creds.Token)
	require.NoError(t, err)
	require.Equal(t, roomID, gotRoom)
	require.Equal(t, domain.UserID("alice"), identity)
}

func TestUserRegistrationRoundTrip(t *testing.T) {
	srv, client := startServer(t)
	ctx := context.Background()

	user, err := client.CreateUser(ctx, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, user.ID)
	require.Equal(t, "alice", user.Username)

	got, err := client.GetUser(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, user, got)

	// A registered identity hosts a room like any other.
	room, err := client.CreateRoom(ctx, "alice's room", user.ID)
	require.NoError(t, err)
	require.NoError(t, client.StartRoom(ctx, room.ID))
	sess := joinRoom(t, srv, room.ID, user.ID)
	require.Equal(t, domain.RoleHost, sess.Snapshot().MyRole)
}

func TestUserValidationSurfacesOverREST(t *testing.T) {
	_, client := startServer(t)
	ctx := context.Background()

	_, err := client.CreateUser(ctx, strings.Repeat("x", 40))
	require.ErrorContains(t, err, "username too long")

	_, err = client.GetUser(ctx, "missing")
	require.ErrorContains(t, err, "user not found")
}

func TestChannelSendsKeepalivePings(t *testing.T) {
	srv, _ := startServer(t)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/rooms?identity=pinger"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive ping within two seconds")
	}
}
