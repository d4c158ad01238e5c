package devserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voxhall/voxhall/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// wsClient is one connected socket with a buffered send queue.
type wsClient struct {
	userID domain.UserID
	conn   *websocket.Conn
	send   chan []byte

	mu     sync.RWMutex
	closed bool
}

func newWSClient(userID domain.UserID, conn *websocket.Conn) *wsClient {
	return &wsClient{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, 32),
	}
}

func (c *wsClient) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// writePump drains the send queue and keeps the link alive with periodic
// pings; a peer that stops answering trips the write deadline and the pump
// exits.
func (c *wsClient) writePump(ctx context.Context, writeTimeout, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "devserver").Str("user", string(c.userID)).Msg("ping failed")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Error().Err(err).Str("module", "devserver").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "devserver").Msg("writePump write error")
				return
			}
		}
	}
}
