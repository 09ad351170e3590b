package sse

import (
	"context"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/searchktools/fast-exchange/core/header"
	"github.com/searchktools/fast-exchange/core/http"
	"go.uber.org/zap"
)

// Handler serves one stream to requests.
type Handler struct {
	stream *Stream
}

func NewHandler(stream *Stream) *Handler {
	return &Handler{
		stream: stream,
	}
}

// Serve subscribes clientID and writes its events to r as chunks until
// ctx is done or the client is closed, then ends the reply. A transport
// failure ends it early; a dead peer is noticed at the next event or
// broker keepalive.
func (h *Handler) Serve(ctx context.Context, r *http.Request, clientID string) error {
	client, err := h.stream.Subscribe(clientID)
	if err != nil {
		return r.SendErrorMessage(http.StatusServiceUnavailable, err.Error())
	}
	defer h.stream.Unsubscribe(client)

	for name, value := range Headers() {
		if err := r.OutSet(name, value); err != nil {
			return err
		}
	}
	if err := r.StartChunked(http.StatusOK); err != nil {
		return err
	}

	connected := &Event{Event: "connected", Data: "client_id:" + clientID}
	if err := r.SendChunk(FormatEvent(connected)); err != nil {
		return err
	}

	for {
		select {
		case event, ok := <-client.Channel:
			if !ok {
				return r.EndChunked()
			}
			if err := r.SendChunk(FormatEvent(event)); err != nil {
				r.Logger().Debug("sse client gone", zap.String("client", clientID), zap.Error(err))
				return err
			}
		case <-ctx.Done():
			return r.EndChunked()
		}
	}
}

// Headers are the response headers an event stream needs.
func Headers() map[string]string {
	return map[string]string{
		header.ContentType:  "text/event-stream",
		header.CacheControl: "no-cache",
		header.Connection:   "keep-alive",
		"X-Accel-Buffering": "no",
	}
}

type EventBuilder struct {
	event *Event
}

func NewEventBuilder() *EventBuilder {
	return &EventBuilder{
		event: &Event{},
	}
}

func (eb *EventBuilder) WithID(id string) *EventBuilder {
	eb.event.ID = id
	return eb
}

func (eb *EventBuilder) WithEvent(eventType string) *EventBuilder {
	eb.event.Event = eventType
	return eb
}

func (eb *EventBuilder) WithData(data string) *EventBuilder {
	eb.event.Data = data
	return eb
}

// WithJSON sets the data to v encoded as JSON.
func (eb *EventBuilder) WithJSON(v any) *EventBuilder {
	eb.event.Data = encode(v)
	return eb
}

func (eb *EventBuilder) WithRetry(ms int) *EventBuilder {
	eb.event.Retry = ms
	return eb
}

func (eb *EventBuilder) Build() *Event {
	return eb.event
}

func (eb *EventBuilder) Format() []byte {
	return FormatEvent(eb.event)
}

func encode(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func NewMessageEvent(message string) *Event {
	return &Event{
		Event: "message",
		Data:  message,
	}
}

func NewNotificationEvent(title, body string) *Event {
	return &Event{
		Event: "notification",
		Data:  encode(map[string]string{"title": title, "body": body}),
	}
}

func NewHeartbeatEvent() *Event {
	return &Event{
		Event: "heartbeat",
		Data:  "timestamp:" + strconv.FormatInt(time.Now().Unix(), 10),
	}
}

func NewErrorEvent(code int, message string) *Event {
	return &Event{
		Event: "error",
		Data: encode(struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}{code, message}),
	}
}

func NewProgressEvent(current, total int, message string) *Event {
	return &Event{
		Event: "progress",
		Data: encode(struct {
			Current int    `json:"current"`
			Total   int    `json:"total"`
			Message string `json:"message"`
		}{current, total, message}),
	}
}
