package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/reelworks/reelgate/internal/domain"
)

// outboundBuffer bounds how far a slow consumer may fall behind before
// events are dropped for that connection.
const outboundBuffer = 64

// client is one live websocket connection with its serialized outbound queue.
// All writes to the socket go through the write loop; the read loop and the
// operation event pump only enqueue.
type client struct {
	sess *domain.Session
	conn *websocket.Conn

	out  chan outEvent
	done chan struct{}
	once sync.Once
}

func newClient(sess *domain.Session, conn *websocket.Conn) *client {
	return &client{
		sess: sess,
		conn: conn,
		out:  make(chan outEvent, outboundBuffer),
		done: make(chan struct{}),
	}
}

// send enqueues an outbound event. Events for closed or saturated
// connections are dropped; live delivery is best-effort, durable history
// lives in the store.
func (c *client) send(evt outEvent) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.out <- evt:
		return true
	default:
		slog.Warn("outbound queue full, dropping event",
			"session_id", c.sess.ID, "event", evt.Type)
		return false
	}
}

// close stops the write loop. Idempotent.
func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// writeLoop drains the outbound queue onto the socket until the connection
// or the server context ends.
func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case evt := <-c.out:
			data, err := json.Marshal(evt)
			if err != nil {
				slog.Error("failed to encode outbound event", "event", evt.Type, "error", err)
				continue
			}
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				slog.Debug("websocket write failed", "session_id", c.sess.ID, "error", err)
				c.close()
				return
			}
		}
	}
}
