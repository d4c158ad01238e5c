// Package transport owns the persistent room-events socket: one connection
// per Channel, typed emit/subscribe on top of it, bounded fixed-backoff
// reconnection. Connection faults are logged and absorbed; callers observe
// them only through the connectivity subscription.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// Handler receives the raw payload of one event occurrence.
type Handler func(payload json.RawMessage)

// AckFunc receives the server's direct response to a command. It is invoked
// exactly once; a nil payload means the command was dropped or the link died
// before a reply arrived.
type AckFunc func(payload json.RawMessage)

// Transport is the channel contract the session layer depends on.
type Transport interface {
	Connect(identity domain.UserID, authToken string)
	Send(command string, payload any, ack AckFunc)
	Subscribe(event string, h Handler) (unsubscribe func())
	OnConnectionChange(h func(connected bool)) (unsubscribe func())
	IsConnected() bool
	Disconnect()
}

type Options struct {
	URL               string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
}

func (o *Options) withDefaults() {
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 5
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 2 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
}

type subscriber struct {
	id uint64
	h  Handler
}

// Channel is the websocket implementation of Transport.
type Channel struct {
	opts Options

	mu        sync.RWMutex
	running   bool
	connected bool
	gen       uint64
	cancel    context.CancelFunc
	sendCh    chan []byte
	identity  domain.UserID
	token     string

	subs     map[string][]subscriber
	connSubs map[uint64]func(bool)
	acks     map[uint64]AckFunc
	nextID   uint64
	nextAck  uint64
}

func NewChannel(opts Options) *Channel {
	opts.withDefaults()
	return &Channel{
		opts:     opts,
		subs:     make(map[string][]subscriber),
		connSubs: make(map[uint64]func(bool)),
		acks:     make(map[uint64]AckFunc),
	}
}

// Connect opens the socket and starts the reconnect loop. Calling it while
// already running is a no-op.
func (c *Channel) Connect(identity domain.UserID, authToken string) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.identity = identity
	c.token = authToken
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx, gen)
}

func (c *Channel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Subscribe registers h for event. The returned unsubscribe is idempotent.
func (c *Channel) Subscribe(event string, h Handler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[event] = append(c.subs[event], subscriber{id: id, h: h})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			list := c.subs[event]
			for i, s := range list {
				if s.id == id {
					c.subs[event] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// OnConnectionChange registers h for connectivity transitions.
func (c *Channel) OnConnectionChange(h func(bool)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.connSubs[id] = h
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.connSubs, id)
		})
	}
}

// Send emits a command. Best-effort: while disconnected the command is
// dropped (ack, if any, fires with nil) and correctness relies on the next
// presence snapshot, not on replay.
func (c *Channel) Send(command string, payload any, ack AckFunc) {
	env := struct {
		Cmd     string          `json:"cmd"`
		AckID   uint64          `json:"ackId,omitempty"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}{Cmd: command}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			log.Error().Err(err).Str("module", "transport").Str("cmd", command).Msg("marshal payload")
			if ack != nil {
				go ack(nil)
			}
			return
		}
		env.Payload = raw
	}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		log.Debug().Str("module", "transport").Str("cmd", command).Msg("send while disconnected, dropped")
		if ack != nil {
			go ack(nil)
		}
		return
	}
	var ackID uint64
	if ack != nil {
		c.nextAck++
		ackID = c.nextAck
		c.acks[ackID] = ack
		env.AckID = ackID
	}
	sendCh := c.sendCh
	c.mu.Unlock()

	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "transport").Str("cmd", command).Msg("marshal envelope")
		c.cancelAck(ackID)
		return
	}

	select {
	case sendCh <- b:
	default:
		log.Warn().Str("module", "transport").Str("cmd", command).Err(ErrBackpressure).Msg("send dropped")
		c.cancelAck(ackID)
	}
}

func (c *Channel) cancelAck(ackID uint64) {
	if ackID == 0 {
		return
	}
	c.mu.Lock()
	ack := c.acks[ackID]
	delete(c.acks, ackID)
	c.mu.Unlock()
	if ack != nil {
		go ack(nil)
	}
}

// Disconnect tears the socket down, removes all handlers and resets the
// connected flag. Safe to call when already disconnected.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.running = false
	c.connected = false
	pending := c.acks
	c.acks = make(map[uint64]AckFunc)
	c.subs = make(map[string][]subscriber)
	c.connSubs = make(map[uint64]func(bool))
	c.mu.Unlock()

	for _, ack := range pending {
		go ack(nil)
	}
	log.Info().Str("module", "transport").Msg("disconnected")
}

func (c *Channel) dialURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("identity", string(c.identity))
	if c.token != "" {
		q.Set("token", c.token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
