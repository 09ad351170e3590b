// Package sse streams server-sent events over chunked replies.
package sse

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/fast-exchange/core/errs"
)

// Event represents a Server-Sent Event
type Event struct {
	ID    string
	Event string
	Data  string
	Retry int // milliseconds
}

// Client is one subscriber. Events are delivered on Channel until Close.
type Client struct {
	ID        string
	Channel   chan *Event
	closeCh   chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
}

// NewClient creates a new SSE client
func NewClient(id string, bufferSize int) *Client {
	if bufferSize <= 0 {
		bufferSize = 100
	}

	return &Client{
		ID:      id,
		Channel: make(chan *Event, bufferSize),
		closeCh: make(chan struct{}),
	}
}

// Close stops delivery. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closeCh)
		close(c.Channel)
		c.mu.Unlock()
	})
}

// Done is closed when the client is closed.
func (c *Client) Done() <-chan struct{} { return c.closeCh }

func (c *Client) IsClosed() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

// Send queues event without blocking. It reports false when the client is
// closed or its buffer is full.
func (c *Client) Send(event *Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.IsClosed() {
		return false
	}

	select {
	case c.Channel <- event:
		return true
	default:
		return false
	}
}

// Broker fans events out to registered clients.
type Broker struct {
	mu      sync.RWMutex
	clients map[string]*Client

	totalClients  atomic.Int64
	messagesCount atomic.Int64
	droppedCount  atomic.Int64

	keepaliveInterval time.Duration
	maxClients        int
}

// NewBroker creates a broker. Keepalives are sent only while Run is active.
func NewBroker(maxClients int, keepaliveInterval time.Duration) *Broker {
	if maxClients <= 0 {
		maxClients = 10000
	}
	if keepaliveInterval <= 0 {
		keepaliveInterval = 30 * time.Second
	}

	return &Broker{
		clients:           make(map[string]*Client),
		keepaliveInterval: keepaliveInterval,
		maxClients:        maxClients,
	}
}

// Run sends keepalive events until ctx is done, then closes every client.
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case now := <-ticker.C:
			b.broadcast(&Event{
				Event: "keepalive",
				Data:  "timestamp:" + strconv.FormatInt(now.Unix(), 10),
			})
		}
	}
}

func (b *Broker) closeAll() {
	b.mu.Lock()
	clients := b.clients
	b.clients = make(map[string]*Client)
	b.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.clients {
		if !c.Send(event) {
			b.droppedCount.Add(1)
		}
	}
}

// Register adds client. A client with the same ID replaces the old one,
// which is closed.
func (b *Broker) Register(client *Client) error {
	b.mu.Lock()
	old, exists := b.clients[client.ID]
	if !exists && len(b.clients) >= b.maxClients {
		b.mu.Unlock()
		return errs.Statef("max clients reached (%d)", b.maxClients)
	}
	b.clients[client.ID] = client
	b.mu.Unlock()

	b.totalClients.Add(1)
	if exists {
		old.Close()
	}
	return nil
}

// Unregister removes and closes client.
func (b *Broker) Unregister(client *Client) {
	b.mu.Lock()
	if cur, ok := b.clients[client.ID]; ok && cur == client {
		delete(b.clients, client.ID)
	}
	b.mu.Unlock()
	client.Close()
}

func (b *Broker) Publish(event *Event) {
	b.messagesCount.Add(1)
	b.broadcast(event)
}

func (b *Broker) PublishToClient(clientID string, event *Event) bool {
	c, ok := b.GetClient(clientID)
	if !ok {
		return false
	}
	b.messagesCount.Add(1)
	return c.Send(event)
}

func (b *Broker) GetClient(clientID string) (*Client, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.clients[clientID]
	return c, ok
}

func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Broker) Stats() map[string]any {
	return map[string]any{
		"total_clients":    b.totalClients.Load(),
		"current_clients":  b.ClientCount(),
		"messages_sent":    b.messagesCount.Load(),
		"messages_dropped": b.droppedCount.Load(),
	}
}

// FormatEvent renders event in the text/event-stream format. Multi-line
// data becomes one data line per line.
func FormatEvent(event *Event) []byte {
	var sb strings.Builder

	if event.ID != "" {
		sb.WriteString("id: " + event.ID + "\n")
	}
	if event.Event != "" {
		sb.WriteString("event: " + event.Event + "\n")
	}
	if event.Retry > 0 {
		sb.WriteString("retry: " + strconv.Itoa(event.Retry) + "\n")
	}
	if event.Data != "" {
		for _, line := range strings.Split(event.Data, "\n") {
			sb.WriteString("data: " + line + "\n")
		}
	}

	sb.WriteByte('\n')
	return []byte(sb.String())
}
