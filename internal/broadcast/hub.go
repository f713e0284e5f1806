package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const maxMessageBytes = 8 << 20

// Hub relays job channel messages to websocket clients. Every connection
// gets its own bus subscription, so with a RedisBus clients on different API
// instances see each other.
type Hub struct {
	bus            Bus
	originPatterns []string
	logger         *log.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]int64
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type HubConfig struct {
	// OriginPatterns are passed to websocket.Accept; empty means same origin.
	OriginPatterns []string
	Logger         *log.Logger
}

func NewHub(bus Bus, cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[broadcast] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		bus:            bus,
		originPatterns: cfg.OriginPatterns,
		logger:         cfg.Logger,
		clients:        make(map[*websocket.Conn]int64),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Publish sends msg on the job channel.
func (h *Hub) Publish(ctx context.Context, jobID int64, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.TabID == "" {
		msg.TabID = ServerTabID
	}
	return h.bus.Publish(ctx, ChannelName(jobID), msg)
}

// ServeJob upgrades the request and relays messages for jobID until either
// side closes. The tab id comes from the tabId query parameter.
func (h *Hub) ServeJob(w http.ResponseWriter, r *http.Request, jobID int64) {
	tabID := r.URL.Query().Get("tabId")
	if tabID == "" {
		tabID = r.Header.Get("X-Tab-ID")
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	sub, err := h.bus.Subscribe(h.ctx, ChannelName(jobID))
	if err != nil {
		h.logger.Printf("Subscribe job %d failed: %v", jobID, err)
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = jobID
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Printf("Client connected to job %d (total: %d)", jobID, count)

	ctx, cancel := context.WithCancel(h.ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.writeLoop(ctx, conn, sub, tabID)
	}()

	h.readLoop(ctx, conn, jobID, tabID)
	cancel()
	_ = sub.Close()
	h.removeClient(conn)
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, sub Subscription, tabID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if tabID != "" && msg.TabID == tabID {
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Printf("Failed to marshal message: %v", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Printf("Failed to send to client: %v", err)
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, jobID int64, tabID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Printf("Dropping malformed message for job %d: %v", jobID, err)
			continue
		}
		if !msg.Type.Valid() {
			h.logger.Printf("Dropping unknown message type %q for job %d", msg.Type, jobID)
			continue
		}
		if tabID != "" {
			msg.TabID = tabID
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		if err := h.bus.Publish(ctx, ChannelName(jobID), msg); err != nil {
			h.logger.Printf("Relay for job %d failed: %v", jobID, err)
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	count := len(h.clients)
	h.mu.Unlock()
	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Printf("Client disconnected (total: %d)", count)
	}
}

// ClientCount returns the number of connections attached to jobID.
func (h *Hub) ClientCount(jobID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, id := range h.clients {
		if id == jobID {
			n++
		}
	}
	return n
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
