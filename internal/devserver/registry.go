// Package devserver is a protocol-compatible, in-memory room server for
// local development and integration runs. Rooms, roles and speaker requests
// live in one registry; nothing survives a restart on purpose.
package devserver

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/domain"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomNotLive  = errors.New("room is not live")
	ErrNotHost      = errors.New("caller is not the host")
	ErrNotInRoom    = errors.New("user is not in the room")
	ErrAlreadyEnded = errors.New("room already ended")
	ErrNotRecording = errors.New("room is not recording")
	ErrUserNotFound = errors.New("user not found")
)

type roomState struct {
	room         domain.Room
	participants map[domain.UserID]*domain.Participant
	order        []domain.UserID
	requests     []domain.SpeakerRequest
	stream       *domain.StreamInfo
	recordingID  string
	conns        map[domain.UserID]*wsClient
}

func (r *roomState) snapshot() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.order))
	for _, uid := range r.order {
		if p, ok := r.participants[uid]; ok {
			out = append(out, *p)
		}
	}
	return out
}

func (r *roomState) clients() []*wsClient {
	out := make([]*wsClient, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *roomState) dropRequest(uid domain.UserID) bool {
	for i, req := range r.requests {
		if req.UserID == uid {
			r.requests = append(r.requests[:i:i], r.requests[i+1:]...)
			return true
		}
	}
	return false
}

// Registry is the threadsafe room and user store. It owns membership but
// never transport resources; clients close their own connections.
type Registry struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomState
	users map[domain.UserID]*domain.User
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[domain.RoomID]*roomState),
		users: make(map[domain.UserID]*domain.User),
	}
}

// CreateUser mints a username-bearing identity. Usernames are display names,
// not unique keys; the id is.
func (g *Registry) CreateUser(username string) (*domain.User, error) {
	user, err := domain.NewUser(username)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.users[user.ID] = user
	log.Info().Str("module", "devserver.registry").Str("user", string(user.ID)).Str("username", user.Username).Msg("user created")
	return user, nil
}

func (g *Registry) GetUser(id domain.UserID) (*domain.User, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	user, ok := g.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (g *Registry) CreateRoom(name domain.RoomName, host domain.UserID) domain.Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	room := domain.Room{
		ID:        domain.RoomID(uuid.NewString()),
		Name:      name,
		Status:    domain.RoomCreated,
		HostID:    host,
		CreatedAt: time.Now(),
	}
	g.rooms[room.ID] = &roomState{
		room:         room,
		participants: make(map[domain.UserID]*domain.Participant),
		conns:        make(map[domain.UserID]*wsClient),
	}
	log.Info().Str("module", "devserver.registry").Str("room", string(room.ID)).Str("host", string(host)).Msg("room created")
	return room
}

func (g *Registry) GetRoom(id domain.RoomID) (domain.Room, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rs, ok := g.rooms[id]
	if !ok {
		return domain.Room{}, ErrRoomNotFound
	}
	return rs.room, nil
}

func (g *Registry) StartRoom(id domain.RoomID) (domain.Room, []*wsClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rs, ok := g.rooms[id]
	if !ok {
		return domain.Room{}, nil, ErrRoomNotFound
	}
	if rs.room.Status == domain.RoomEnded {
		return domain.Room{}, nil, ErrAlreadyEnded
	}
	rs.room.Status = domain.RoomLive
	return rs.room, rs.clients(), nil
}

// EndRoom is terminal: the room is removed and every connected client gets
// the ended broadcast. Rejoining requires a brand-new room.
func (g *Registry) EndRoom(id domain.RoomID) ([]*wsClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rs, ok := g.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	clients := rs.clients()
	delete(g.rooms, id)
	log.Info().Str("module", "devserver.registry").Str("room", string(id)).Msg("room ended")
	return clients, nil
}

// Join adds the user (host role for the creator, listener otherwise) and
// returns the resulting snapshot. Re-joining is a no-op refresh, matching
// the client's idempotent join.
func (g *Registry) Join(id domain.RoomID, uid domain.UserID, c *wsClient) ([]domain.Participant, domain.Role, []*wsClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rs, ok := g.rooms[id]
	if !ok {
		return nil, "", nil, ErrRoomNotFound
	}
	if rs.room.Status != domain.RoomLive {
		return nil, "", nil, ErrRoomNotLive
	}
	p, ok := rs.participants[uid]
	if !ok {
		role := domain.RoleListener
		if uid == rs.room.HostID {
			role = domain.RoleHost
		}
		p = &domain.Participant{UserID: uid, Role: role, JoinedAt: time.Now()}
		rs.participants[uid] = p
		rs.order = append(rs.order, uid)
	}
	rs.conns[uid] = c
	log.Info().Str("module", "devserver.registry").Str("room", string(id)).Str("user", string(uid)).Str("role", string(p.Role)).Msg("joined")
	return rs.snapshot(), p.Role, rs.clients(), nil
}

func (g *Registry) Leave(id domain.RoomID, uid domain.UserID) ([]domain.Participant, []*wsClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rs, ok := g.rooms[id]
	if !ok {
		return nil, nil, ErrRoomNotFound
	}
	if _, ok := rs.participants[uid]; !ok {
		return nil, nil, ErrNotInRoom
	}
	delete(rs.participants, uid)
	delete(rs.conns, uid)
	for i, o := range rs.order {
		if o == uid {
			rs.order = append(rs.order[:i:i], rs.order[i+1:]...)
			break
		}
	}
	rs.dropRequest(uid)
	log.Info().Str("module", "devserver.registry").Str("room", string(id)).Str("user", string(uid)).Msg("left")
	return rs.snapshot(), rs.clients(), nil
}

func (g *Registry) SetMute(id domain.RoomID, uid domain.UserID, muted bool) ([]*wsClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rs, ok := g.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	p, ok := rs.participants[uid]
	if !ok {
		return nil, ErrNotInRoom
	}
	p.IsMuted = muted
	return rs.clients(), nil
}

// AddRequest appends a speaker request, deduped, listener-only.
func (g *Registry) AddRequest(id domain.RoomID, uid domain.UserID) (domain.SpeakerRequest, []*wsClient, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rs, ok := g.rooms[id]
	if !ok {
		return domain.SpeakerRequest{}, nil, false
	}
	p, ok := rs.participants[uid]
	if !ok || p.Role.CanPublish() {
		return domain.SpeakerRequest{}, nil, false
	}
	for _, req := range rs.requests {
		if req.UserID == uid {
			return domain.SpeakerRequest{}, nil, false
		}
	}
	req := domain.SpeakerRequest{UserID: uid, RequestedAt: time.Now()}
	rs.requests = append(rs.requests, req)
	return req, rs.clients(), true
}

// Decide resolves a speaker request: approve promotes, deny just clears.
// Only the host may decide; the server rejects everyone else.
func (g *Registry) Decide(id domain.RoomID, caller, target domain.UserID, approve bool) ([]domain.Participant, []*wsClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rs, ok := g.rooms[id]
	if !ok {
		return nil, nil, ErrRoomNotFound
	}
	if caller != rs.room.HostID {
		return nil, nil, ErrNotHost
	}
	rs.dropRequest(target)
	if approve {
		if p, ok := rs.participants[target]; ok {
			p.Role = domain.RoleSpeaker
		}
	}
	return rs.snapshot(), rs.clients(), nil
}

// RemoveSpeaker demotes the target to listener and forces mute.
func (g *Registry) RemoveSpeaker(id domain.RoomID, caller, target domain.UserID) ([]domain.Participant, []*wsClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rs, ok := g.rooms[id]
	if !ok {
		return nil, nil, ErrRoomNotFound
	}
	if caller != rs.room.HostID {
		return nil, nil, ErrNotHost
	}
	p, ok := rs.participants[target]
	if !ok {
		return nil, nil, ErrNotInRoom
	}
	p.Role = domain.RoleListener
	p.IsMuted = true
	return rs.snapshot(), rs.clients(), nil
}

func (g *Registry) StartRecording(id domain.RoomID) (string, []*wsClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rs, ok := g.rooms[id]
	if !ok {
		return "", nil, ErrRoomNotFound
	}
	if rs.recordingID == "" {
		rs.recordingID = uuid.NewString()
	}
	return rs.recordingID, rs.clients(), nil
}

func (g *Registry) StopRecording(id domain.RoomID) (string, []*wsClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rs, ok := g.rooms[id]
	if !ok {
		return "", nil, ErrRoomNotFound
	}
	if rs.recordingID == "" {
		return "", nil, ErrNotRecording
	}
	rid := rs.recordingID
	rs.recordingID = ""
	return rid, rs.clients(), nil
}

func (g *Registry) SetStream(id domain.RoomID, info *domain.StreamInfo) ([]*wsClient, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rs, ok := g.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	rs.stream = info
	return rs.clients(), nil
}

// DropConn detaches a dead connection from every room the user joined and
// returns the membership updates to broadcast.
func (g *Registry) DropConn(uid domain.UserID, c *wsClient) []membershipUpdate {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []membershipUpdate
	for id, rs := range g.rooms {
		if rs.conns[uid] != c {
			continue
		}
		delete(rs.conns, uid)
		delete(rs.participants, uid)
		for i, o := range rs.order {
			if o == uid {
				rs.order = append(rs.order[:i:i], rs.order[i+1:]...)
				break
			}
		}
		rs.dropRequest(uid)
		out = append(out, membershipUpdate{roomID: id, participants: rs.snapshot(), clients: rs.clients()})
	}
	return out
}

type membershipUpdate struct {
	roomID       domain.RoomID
	participants []domain.Participant
	clients      []*wsClient
}
