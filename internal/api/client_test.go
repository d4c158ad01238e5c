package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/voxhall/voxhall/internal/domain"
)

func TestCreateRoomSendsNameAndHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/rooms", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var body createRoomRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "morning standup", body.Name)
		require.Equal(t, domain.UserID("h1"), body.HostID)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(domain.Room{
			ID: "r1", Name: "morning standup", Status: domain.RoomCreated, HostID: "h1",
		})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "tok")
	room, err := c.CreateRoom(context.Background(), "morning standup", "h1")
	require.NoError(t, err)
	require.Equal(t, domain.RoomID("r1"), room.ID)
	require.Equal(t, domain.RoomCreated, room.Status)
}

func TestRoomTokenForCarriesIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/rooms/r1/token", r.URL.Path)
		require.Equal(t, "alice b", r.URL.Query().Get("identity"))
		json.NewEncoder(w).Encode(map[string]string{"token": "jwt", "url": "http://media/sdp"})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "")
	creds, err := c.RoomTokenFor(context.Background(), "r1", "alice b")
	require.NoError(t, err)
	require.Equal(t, "jwt", creds.Token)
	require.Equal(t, "http://media/sdp", creds.URL)
}

func TestErrorBodySurfacesInError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "room not found"})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "")
	_, err := c.GetRoom(context.Background(), "missing")
	require.ErrorContains(t, err, "room not found")
}

func TestStatusWithoutBodyStillErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "")
	err := c.StartRoom(context.Background(), "r1")
	require.ErrorContains(t, err, "502")
}

func TestEmptyRoomIDRejectedLocally(t *testing.T) {
	c := NewClient("http://unused", "")
	ctx := context.Background()

	_, err := c.GetRoom(ctx, "")
	require.ErrorIs(t, err, ErrMissingRoomID)
	require.ErrorIs(t, c.StartRoom(ctx, ""), ErrMissingRoomID)
	require.ErrorIs(t, c.StopRoom(ctx, ""), ErrMissingRoomID)
	_, err = c.RoomTokenFor(ctx, "", "me")
	require.ErrorIs(t, err, ErrMissingRoomID)
}

func TestRecordingEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/rooms/r1/recordings/start":
			json.NewEncoder(w).Encode(map[string]string{"recordingId": "rec1"})
		case "/api/rooms/r1/recordings/stop":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "")
	rid, err := c.StartRecording(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, "rec1", rid)
	require.NoError(t, c.StopRecording(context.Background(), "r1"))
}

func TestPeekTokenReadsClaims(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, TokenClaims{
		RoomID: "r1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	roomID, identity, err := PeekToken(signed)
	require.NoError(t, err)
	require.Equal(t, domain.RoomID("r1"), roomID)
	require.Equal(t, domain.UserID("alice"), identity)
}

func TestPeekTokenRejectsGarbage(t *testing.T) {
	_, _, err := PeekToken("not.a.jwt")
	require.ErrorIs(t, err, ErrMalformedToken)

	// Structurally valid but missing the room claim.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"})
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, _, err = PeekToken(signed)
	require.ErrorIs(t, err, ErrMalformedToken)
}

func TestCreateUserPostsUsername(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/users", r.URL.Path)

		var body createUserRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "alice", body.Username)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(domain.User{ID: "u1", Username: "alice"})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "")
	user, err := c.CreateUser(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, domain.UserID("u1"), user.ID)
	require.Equal(t, "alice", user.Username)
}

func TestGetUserValidatesIDLocally(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/users/u1", r.URL.Path)
		json.NewEncoder(w).Encode(domain.User{ID: "u1", Username: "alice"})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "")
	_, err := c.GetUser(context.Background(), "")
	require.ErrorIs(t, err, ErrMissingUserID)

	user, err := c.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "alice", user.Username)
}
