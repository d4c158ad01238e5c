package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// run dials and re-dials the socket until the context is cancelled or the
// retry budget is exhausted. Backoff is fixed, the attempt count bounded;
// beyond the bound the channel stays disconnected until an explicit Connect.
// The generation ties this goroutine to the Connect that spawned it: once a
// newer Connect bumps it, a stale run must not touch shared state.
func (c *Channel) run(ctx context.Context, gen uint64) {
	defer func() {
		c.mu.Lock()
		if gen == c.gen {
			c.running = false
		}
		c.mu.Unlock()
	}()

	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		target, err := c.dialURL()
		if err != nil {
			log.Error().Err(err).Str("module", "transport").Msg("bad channel url")
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
		if err != nil {
			log.Warn().Err(err).Str("module", "transport").Int("attempt", attempts+1).Msg("dial failed")
			attempts++
			if attempts > c.opts.ReconnectAttempts {
				log.Error().Str("module", "transport").Msg("reconnect attempts exhausted")
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.opts.ReconnectDelay):
			}
			continue
		}
		attempts = 0

		sendCh := make(chan []byte, c.opts.SendBuffer)
		if !c.attach(gen, sendCh) {
			_ = conn.Close()
			return
		}
		c.notifyConnection(true)
		log.Info().Str("module", "transport").Msg("channel connected")

		connCtx, connCancel := context.WithCancel(ctx)
		// A gorilla read does not observe cancellation; closing the conn is
		// what unblocks it when Disconnect cancels the context.
		go func() {
			<-connCtx.Done()
			_ = conn.Close()
		}()
		go c.writePump(connCtx, conn, sendCh)
		c.readLoop(connCtx, conn)

		connCancel()
		_ = conn.Close()
		if !c.detach(gen) {
			return
		}

		if ctx.Err() != nil {
			return
		}
		attempts++
		if attempts > c.opts.ReconnectAttempts {
			log.Error().Str("module", "transport").Msg("reconnect attempts exhausted")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

// attach publishes the new connection's send queue. Refused for stale
// generations; the caller closes its conn and exits.
func (c *Channel) attach(gen uint64, sendCh chan []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.sendCh = sendCh
	c.connected = true
	return true
}

func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn, sendCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-sendCh:
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "transport").Msg("writePump set deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "transport").Msg("writePump write error")
				return
			}
		}
	}
}

// readLoop dispatches inbound frames until the connection dies. Dispatch is
// synchronous, so per-event-name delivery order matches server emission
// order.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "transport").Msg("read error, connection lost")
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *Channel) handleFrame(data []byte) {
	var env struct {
		Event   string          `json:"event"`
		AckID   uint64          `json:"ackId"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "transport").Msg("bad frame")
		return
	}

	if env.AckID != 0 {
		c.mu.Lock()
		ack := c.acks[env.AckID]
		delete(c.acks, env.AckID)
		c.mu.Unlock()
		if ack != nil {
			ack(env.Payload)
		}
		return
	}
	if env.Event == "" {
		log.Warn().Str("module", "transport").Msg("frame without event or ack id")
		return
	}

	c.mu.RLock()
	list := make([]Handler, 0, len(c.subs[env.Event]))
	for _, s := range c.subs[env.Event] {
		list = append(list, s.h)
	}
	c.mu.RUnlock()

	for _, h := range list {
		h(env.Payload)
	}
}

// detach marks the link down and fails every pending ack with nil; the
// server's real reply, if it ever existed, is gone with the connection.
// Reports whether this goroutine still owns the channel state; a stale
// generation must not clobber a newer connection.
func (c *Channel) detach(gen uint64) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.connected = false
	c.sendCh = nil
	pending := c.acks
	c.acks = make(map[uint64]AckFunc)
	c.mu.Unlock()

	for _, ack := range pending {
		ack(nil)
	}
	c.notifyConnection(false)
	return true
}

func (c *Channel) notifyConnection(connected bool) {
	c.mu.RLock()
	list := make([]func(bool), 0, len(c.connSubs))
	for _, h := range c.connSubs {
		list = append(list, h)
	}
	c.mu.RUnlock()

	for _, h := range list {
		h(connected)
	}
}
