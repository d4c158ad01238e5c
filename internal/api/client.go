// Package api is the REST collaborator client: room CRUD, lifecycle
// triggers and the audio-session token endpoint. Hand-rolled over net/http,
// one small method per call.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/voxhall/voxhall/internal/audio"
	"github.com/voxhall/voxhall/internal/domain"
)

var (
	ErrMissingRoomID = errors.New("missing room id")
	ErrMissingUserID = errors.New("missing user id")
)

type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

type createUserRequest struct {
	Username string `json:"username"`
}

// CreateUser registers a username-bearing identity and returns it with the
// server-minted id.
func (c *Client) CreateUser(ctx context.Context, username string) (*domain.User, error) {
	var user domain.User
	if err := c.do(ctx, http.MethodPost, "/api/users", createUserRequest{Username: username}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *Client) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	if id == "" {
		return nil, ErrMissingUserID
	}
	var user domain.User
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/users/%s", id), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

type createRoomRequest struct {
	Name   string        `json:"name"`
	HostID domain.UserID `json:"hostId"`
}

func (c *Client) CreateRoom(ctx context.Context, name string, host domain.UserID) (*domain.Room, error) {
	var room domain.Room
	if err := c.do(ctx, http.MethodPost, "/api/rooms", createRoomRequest{Name: name, HostID: host}, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *Client) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	if id == "" {
		return nil, ErrMissingRoomID
	}
	var room domain.Room
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/rooms/%s", id), nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (c *Client) StartRoom(ctx context.Context, id domain.RoomID) error {
	if id == "" {
		return ErrMissingRoomID
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/rooms/%s/start", id), nil, nil)
}

func (c *Client) StopRoom(ctx context.Context, id domain.RoomID) error {
	if id == "" {
		return ErrMissingRoomID
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/rooms/%s/stop", id), nil, nil)
}

type recordingResponse struct {
	RecordingID string `json:"recordingId"`
}

func (c *Client) StartRecording(ctx context.Context, id domain.RoomID) (string, error) {
	if id == "" {
		return "", ErrMissingRoomID
	}
	var out recordingResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/rooms/%s/recordings/start", id), nil, &out); err != nil {
		return "", err
	}
	return out.RecordingID, nil
}

func (c *Client) StopRecording(ctx context.Context, id domain.RoomID) error {
	if id == "" {
		return ErrMissingRoomID
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/rooms/%s/recordings/stop", id), nil, nil)
}

// RoomTokenFor fetches audio-session credentials for the given identity.
func (c *Client) RoomTokenFor(ctx context.Context, id domain.RoomID, identity domain.UserID) (audio.Credentials, error) {
	if id == "" {
		return audio.Credentials{}, ErrMissingRoomID
	}
	var creds audio.Credentials
	path := fmt.Sprintf("/api/rooms/%s/token?identity=%s", id, url.QueryEscape(string(identity)))
	if err := c.do(ctx, http.MethodPost, path, nil, &creds); err != nil {
		return audio.Credentials{}, err
	}
	return creds, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
