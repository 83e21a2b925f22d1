package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/alanyang/agent-coordinator/internal/domain/event"
	porteventbus "github.com/alanyang/agent-coordinator/internal/port/eventbus"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Relay streams the event feed to websocket clients. Each connection gets its
// own subscription, so a client may resume with ?from=<seq> after a reconnect.
type Relay struct {
	feed porteventbus.Feed

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewRelay(feed porteventbus.Feed) *Relay {
	return &Relay{
		feed:  feed,
		conns: make(map[*websocket.Conn]struct{}),
	}
}

func (r *Relay) Register(rg *gin.RouterGroup) {
	rg.GET("", r.handleWS)
}

// Clients returns the number of connected clients.
func (r *Relay) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Relay) handleWS(c *gin.Context) {
	from := r.feed.LastSequence() + 1
	if v := c.Query("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
			return
		}
		from = n
	}
	// Heartbeats carry no state change; clients opt in.
	heartbeats := c.Query("heartbeats") == "true"

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub, err := r.feed.Subscribe(ctx, from)
	if err != nil {
		slog.Error("websocket subscribe failed", "error", err)
		conn.Close()
		return
	}
	defer sub.Close()

	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
		conn.Close()
	}()

	// Reader: only detects the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for e := range sub.All(ctx) {
		if e.Type == event.TypeWorkerHeartbeat && !heartbeats {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
		if err := conn.WriteJSON(e); err != nil {
			slog.Debug("websocket write failed", "subscriber_id", sub.ID(), "error", err)
			return
		}
	}
}

// Close disconnects every client.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for conn := range r.conns {
		conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		conn.Close()
	}
}
