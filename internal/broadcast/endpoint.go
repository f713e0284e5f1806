package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Endpoint is one tab's view of a job channel: it stamps outgoing messages
// with the tab id and never delivers the tab's own messages back.
type Endpoint interface {
	Publish(ctx context.Context, msg Message) error
	Messages() <-chan Message
	Close() error
}

// BusEndpoint attaches a tab to a Bus.
type BusEndpoint struct {
	bus     Bus
	channel string
	tabID   string
	sub     Subscription
	out     chan Message
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// Join subscribes tabID to the channel of jobID.
func Join(ctx context.Context, bus Bus, jobID int64, tabID string) (*BusEndpoint, error) {
	channel := ChannelName(jobID)
	sub, err := bus.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}
	e := &BusEndpoint{
		bus:     bus,
		channel: channel,
		tabID:   tabID,
		sub:     sub,
		out:     make(chan Message, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	e.wg.Add(1)
	go e.forward()
	return e, nil
}

func (e *BusEndpoint) forward() {
	defer e.wg.Done()
	defer close(e.out)
	for {
		select {
		case <-e.done:
			return
		case msg, ok := <-e.sub.C():
			if !ok {
				return
			}
			if msg.TabID == e.tabID {
				continue
			}
			select {
			case e.out <- msg:
			case <-e.done:
				return
			}
		}
	}
}

func (e *BusEndpoint) Publish(ctx context.Context, msg Message) error {
	msg.TabID = e.tabID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return e.bus.Publish(ctx, e.channel, msg)
}

func (e *BusEndpoint) Messages() <-chan Message { return e.out }

func (e *BusEndpoint) Close() error {
	var err error
	e.once.Do(func() {
		close(e.done)
		err = e.sub.Close()
		e.wg.Wait()
	})
	return err
}

// WSEndpoint attaches a tab to a remote Hub over a websocket.
type WSEndpoint struct {
	conn   *websocket.Conn
	tabID  string
	out    chan Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	logger *log.Logger
}

// DialEndpoint connects to the sync route of a job at baseURL.
func DialEndpoint(ctx context.Context, baseURL string, jobID int64, tabID string, client *http.Client) (*WSEndpoint, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = fmt.Sprintf("%s/api/jobs/%d/sync", trimSlash(u.Path), jobID)
	u.RawQuery = url.Values{"tabId": []string{tabID}}.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: client})
	if err != nil {
		return nil, fmt.Errorf("dial sync channel: %w", err)
	}
	conn.SetReadLimit(maxMessageBytes)

	runCtx, cancel := context.WithCancel(context.Background())
	e := &WSEndpoint{
		conn:   conn,
		tabID:  tabID,
		out:    make(chan Message, subscriptionBuffer),
		ctx:    runCtx,
		cancel: cancel,
		logger: log.New(os.Stderr, "[broadcast] ", log.LstdFlags),
	}
	e.wg.Add(1)
	go e.readLoop()
	return e, nil
}

func (e *WSEndpoint) readLoop() {
	defer e.wg.Done()
	defer close(e.out)
	for {
		_, data, err := e.conn.Read(e.ctx)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			e.logger.Printf("Failed to decode sync message: %v", err)
			continue
		}
		if msg.TabID == e.tabID {
			continue
		}
		select {
		case e.out <- msg:
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *WSEndpoint) Publish(ctx context.Context, msg Message) error {
	msg.TabID = e.tabID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return e.conn.Write(ctx, websocket.MessageText, data)
}

func (e *WSEndpoint) Messages() <-chan Message { return e.out }

func (e *WSEndpoint) Close() error {
	var err error
	e.once.Do(func() {
		err = e.conn.Close(websocket.StatusNormalClosure, "")
		e.cancel()
		e.wg.Wait()
	})
	return err
}

func trimSlash(p string) string {
	for len(p) > 0 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}
