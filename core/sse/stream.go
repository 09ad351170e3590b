package sse

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/fast-exchange/core/errs"
)

// Stream is a namespace of events with sequential IDs.
type Stream struct {
	broker    *Broker
	eventID   atomic.Uint64
	namespace string
}

func NewStream(namespace string) *Stream {
	return &Stream{
		broker:    NewBroker(10000, 30*time.Second),
		namespace: namespace,
	}
}

func (s *Stream) WithBroker(broker *Broker) *Stream {
	s.broker = broker
	return s
}

func (s *Stream) Broker() *Broker { return s.broker }

func (s *Stream) Subscribe(clientID string) (*Client, error) {
	client := NewClient(clientID, 100)
	if err := s.broker.Register(client); err != nil {
		return nil, err
	}
	return client, nil
}

func (s *Stream) Unsubscribe(client *Client) {
	s.broker.Unregister(client)
}

func (s *Stream) nextID() string {
	return s.namespace + "-" + strconv.FormatUint(s.eventID.Add(1), 10)
}

func (s *Stream) Send(eventType, data string) error {
	s.broker.Publish(&Event{ID: s.nextID(), Event: eventType, Data: data})
	return nil
}

func (s *Stream) SendTo(clientID, eventType, data string) error {
	event := &Event{ID: s.nextID(), Event: eventType, Data: data}
	if !s.broker.PublishToClient(clientID, event) {
		return errs.NotFoundf("client %q not found or channel full", clientID)
	}
	return nil
}

func (s *Stream) Broadcast(message string) error {
	return s.Send("message", message)
}

func (s *Stream) ClientCount() int {
	return s.broker.ClientCount()
}

func (s *Stream) Stats() map[string]any {
	stats := s.broker.Stats()
	stats["namespace"] = s.namespace
	stats["event_id"] = s.eventID.Load()
	return stats
}

// Room is a named subset of a stream's clients.
type Room struct {
	name    string
	clients sync.Map
	stream  *Stream
}

func NewRoom(name string, stream *Stream) *Room {
	return &Room{
		name:   name,
		stream: stream,
	}
}

func (r *Room) Name() string { return r.name }

func (r *Room) Join(client *Client) {
	r.clients.Store(client.ID, client)
}

func (r *Room) Leave(clientID string) {
	r.clients.Delete(clientID)
}

// Broadcast sends to every member. Members that have disconnected are
// dropped from the room.
func (r *Room) Broadcast(eventType, data string) {
	event := &Event{ID: r.stream.nextID(), Event: eventType, Data: data}

	r.clients.Range(func(key, value any) bool {
		client := value.(*Client)
		if client.IsClosed() {
			r.clients.Delete(key)
			return true
		}
		client.Send(event)
		return true
	})
}

func (r *Room) ClientCount() int {
	count := 0
	r.clients.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
