package sse

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/searchktools/fast-exchange/core/errs"
	"github.com/searchktools/fast-exchange/core/header"
	"github.com/searchktools/fast-exchange/core/http"
	"github.com/searchktools/fast-exchange/core/transport/exchangetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClient - Test client creation
func TestClient(t *testing.T) {
	client := NewClient("test-client", 1)
	if client.ID != "test-client" {
		t.Errorf("Expected client ID 'test-client', got '%s'", client.ID)
	}
	assert.True(t, client.Send(NewMessageEvent("a")))
	assert.False(t, client.Send(NewMessageEvent("b")), "buffer full")

	client.Close()
	client.Close()
	assert.True(t, client.IsClosed())
	assert.False(t, client.Send(NewMessageEvent("c")))
}

// TestFormatEvent - Test SSE event formatting
func TestFormatEvent(t *testing.T) {
	event := &Event{
		ID:    "123",
		Event: "message",
		Data:  "Hello, World!",
		Retry: 5000,
	}

	assert.Equal(t, "id: 123\nevent: message\nretry: 5000\ndata: Hello, World!\n\n", string(FormatEvent(event)))
}

// TestFormatEventSplitsLines - One data line per payload line
func TestFormatEventSplitsLines(t *testing.T) {
	formatted := string(FormatEvent(&Event{Data: "a\nb"}))
	assert.Equal(t, "data: a\ndata: b\n\n", formatted)
}

// TestEventBuilder - Test event builder
func TestEventBuilder(t *testing.T) {
	event := NewEventBuilder().
		WithID("456").
		WithEvent("update").
		WithJSON(map[string]int{"n": 1}).
		WithRetry(3000).
		Build()

	assert.Equal(t, &Event{ID: "456", Event: "update", Data: `{"n":1}`, Retry: 3000}, event)
}

// TestHelperEventsEscapeJSON - Helper events carry valid JSON
func TestHelperEventsEscapeJSON(t *testing.T) {
	assert.Equal(t, `{"code":1,"message":"say \"hi\""}`, NewErrorEvent(1, `say "hi"`).Data)
	assert.Equal(t, `{"current":1,"total":2,"message":"x"}`, NewProgressEvent(1, 2, "x").Data)
	assert.Equal(t, `{"body":"b","title":"t"}`, NewNotificationEvent("t", "b").Data)
	assert.True(t, strings.HasPrefix(NewHeartbeatEvent().Data, "timestamp:"))
}

// TestBrokerRegisterAndPublish - Broker fan-out
func TestBrokerRegisterAndPublish(t *testing.T) {
	broker := NewBroker(1, time.Hour)

	c1 := NewClient("a", 10)
	require.NoError(t, broker.Register(c1))
	err := broker.Register(NewClient("b", 10))
	assert.True(t, errs.Is(err, errs.State))

	broker.Publish(NewMessageEvent("hello"))
	assert.Equal(t, "hello", (<-c1.Channel).Data)

	assert.True(t, broker.PublishToClient("a", NewMessageEvent("direct")))
	assert.False(t, broker.PublishToClient("zzz", NewMessageEvent("direct")))

	broker.Unregister(c1)
	assert.Equal(t, 0, broker.ClientCount())
	assert.True(t, c1.IsClosed())
	assert.Equal(t, int64(2), broker.Stats()["messages_sent"])
}

// TestBrokerRunClosesClients - Clients closed on shutdown
func TestBrokerRunClosesClients(t *testing.T) {
	broker := NewBroker(10, 10*time.Millisecond)
	c := NewClient("a", 10)
	require.NoError(t, broker.Register(c))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		broker.Run(ctx)
		close(done)
	}()

	ev := <-c.Channel
	assert.Equal(t, "keepalive", ev.Event)

	cancel()
	<-done
	assert.True(t, c.IsClosed())
}

// TestStreamAndRoom - Streams and rooms
func TestStreamAndRoom(t *testing.T) {
	s := NewStream("chat")
	c, err := s.Subscribe("u1")
	require.NoError(t, err)

	require.NoError(t, s.Send("message", "hi"))
	ev := <-c.Channel
	assert.Equal(t, "chat-1", ev.ID)

	require.NoError(t, s.SendTo("u1", "dm", "psst"))
	assert.Equal(t, "dm", (<-c.Channel).Event)
	assert.True(t, errs.Is(s.SendTo("nobody", "dm", "x"), errs.NotFound))

	room := NewRoom("lobby", s)
	room.Join(c)
	room.Broadcast("message", "all")
	assert.Equal(t, "all", (<-c.Channel).Data)
	assert.Equal(t, 1, room.ClientCount())

	s.Unsubscribe(c)
	room.Broadcast("message", "again")
	assert.Equal(t, 0, room.ClientCount())
	assert.Equal(t, "chat", s.Stats()["namespace"])
}

// TestHandlerServe - Handler writes events as chunks
func TestHandlerServe(t *testing.T) {
	s := NewStream("ev")
	h := NewHandler(s)

	ex := exchangetest.New("GET", "/events")
	r, err := http.NewRequest(ex)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var serveErr error
	go func() {
		defer wg.Done()
		serveErr = h.Serve(ctx, r, "c1")
	}()

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.Broadcast("hello"))
	require.Eventually(t, func() bool { return len(ex.Chunks()) == 2 }, time.Second, time.Millisecond)

	cancel()
	wg.Wait()
	require.NoError(t, serveErr)

	chunks := ex.Chunks()
	assert.Equal(t, "event: connected\ndata: client_id:c1\n\n", string(chunks[0]))
	assert.Equal(t, "id: ev-1\nevent: message\ndata: hello\n\n", string(chunks[1]))
	assert.True(t, ex.ChunksEnded())
	assert.Equal(t, "text/event-stream", ex.OutputHeaders().Find(header.ContentType))
	assert.Equal(t, 0, s.ClientCount())
}
