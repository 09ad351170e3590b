package app

import (
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/searchktools/fast-exchange/core/compress"
	"github.com/searchktools/fast-exchange/core/http"
	"github.com/searchktools/fast-exchange/core/sse"
)

const visitsCookie = "visits"

// RegisterRoutes adds the demo routes.
func (a *App) RegisterRoutes() {
	e := a.engine

	e.GET("/", func(r *http.Request) {
		r.ReplyString(http.StatusOK, "fast-exchange\n")
	})
	e.GET("/_stats", e.StatsHandler)

	e.GET("/echo", a.echo)
	e.POST("/echo", a.echo)

	e.GET("/users/:id", func(r *http.Request) {
		r.JSON(http.StatusOK, map[string]string{"user_id": r.Param("id")})
	})

	e.GET("/json", a.jsonDoc)
	e.GET("/jsonp", a.jsonp)
	e.GET("/stream", a.stream)
	e.GET("/events", a.sseEvents)
	e.POST("/events", a.publish)

	e.GET("/redirect", func(r *http.Request) {
		target := r.Arg("to")
		if target == "" {
			target = "/"
		}
		r.Redirect(target, http.StatusFound)
	})
	e.GET("/cookie", a.visits)

	e.POST("/session", a.login)
	e.DELETE("/session", a.logout)
}

// echo replies with the merged query and body arguments.
func (a *App) echo(r *http.Request) {
	args, err := r.Args()
	if err != nil {
		r.SendJSONError(http.StatusBadRequest, err.Error())
		return
	}
	r.JSON(http.StatusOK, map[string]any{
		"id":     r.ID(),
		"method": r.Method(),
		"path":   r.URI().Path(),
		"user":   r.User(),
		"client": r.ClientAddr(),
		"args":   args,
	})
}

// jsonDoc streams a document token by token. ?compress= forces a codec.
func (a *App) jsonDoc(r *http.Request) {
	codec := r.Compression()
	if name := r.Arg("compress"); name != "" {
		c, err := compress.Parse(name)
		if err != nil {
			r.SendJSONError(http.StatusBadRequest, err.Error())
			return
		}
		codec = c
	}

	w, err := r.JSONWriter(codec)
	if err != nil {
		r.SendError(http.StatusInternalServerError)
		return
	}
	w.BeginDict()
	w.Insert("status", "ok")
	w.Insert("time", time.Now().UTC().Format(time.RFC3339))
	w.Key("items")
	w.BeginList()
	for i := range 3 {
		w.Append(i)
	}
	if err := w.Close(); err != nil {
		r.Logger().Warn("json writer", zap.Error(err))
		r.SendError(http.StatusInternalServerError)
		return
	}
	r.Reply(http.StatusOK)
}

func (a *App) jsonp(r *http.Request) {
	callback := r.Arg("callback")
	if callback == "" {
		callback = "callback"
	}
	w, err := r.JSONPWriter(callback)
	if err != nil {
		r.SendError(http.StatusInternalServerError)
		return
	}
	w.BeginDict()
	w.Insert("status", "ok")
	if err := w.Close(); err != nil {
		r.SendError(http.StatusInternalServerError)
		return
	}
	r.Reply(http.StatusOK)
}

// stream sends ?n= JSON chunks, one per ?every= interval.
func (a *App) stream(r *http.Request) {
	n, _ := strconv.Atoi(r.Arg("n"))
	if n <= 0 {
		n = 3
	}
	every, _ := time.ParseDuration(r.Arg("every"))

	r.OutSet("Content-Type", "application/json")
	if err := r.StartChunked(http.StatusOK); err != nil {
		return
	}
	r.Retain()
	go func() {
		defer r.Close()
		for i := range n {
			if i > 0 && every > 0 {
				time.Sleep(every)
			}
			w, err := r.JSONChunkWriter()
			if err != nil {
				return
			}
			w.BeginDict()
			w.Insert("seq", i)
			if err := w.Close(); err != nil {
				r.Logger().Debug("stream aborted", zap.Error(err))
				return
			}
			r.SendChunkString("\n")
		}
		r.EndChunked()
	}()
}

// sseEvents keeps the request open as an event stream. It ends when the
// app shuts down; a gone client is noticed at the next event or keepalive.
func (a *App) sseEvents(r *http.Request) {
	clientID := r.Arg("client")
	if clientID == "" {
		clientID = "c" + strconv.FormatUint(r.ID(), 10)
	}
	ctx := a.context()
	r.Retain()
	go func() {
		defer r.Close()
		if err := sse.NewHandler(a.events).Serve(ctx, r, clientID); err != nil {
			r.Logger().Debug("event stream ended", zap.String("client", clientID), zap.Error(err))
		}
	}()
}

func (a *App) publish(r *http.Request) {
	event := r.Arg("event")
	if event == "" {
		event = "message"
	}
	if err := a.events.Send(event, r.Input()); err != nil {
		r.SendJSONError(http.StatusServiceUnavailable, err.Error())
		return
	}
	r.JSON(http.StatusAccepted, map[string]int{"clients": a.events.ClientCount()})
}

// visits counts requests per client in a cookie.
func (a *App) visits(r *http.Request) {
	n, _ := strconv.Atoi(r.FindCookie(visitsCookie))
	n++
	r.SetCookie(http.Cookie{
		Name:     visitsCookie,
		Value:    strconv.Itoa(n),
		Path:     "/",
		MaxAge:   3600,
		HTTPOnly: true,
	})
	r.SetCache(0)
	r.ReplyString(http.StatusOK, strconv.Itoa(n)+"\n")
}

// login starts a session for ?user= and hands its id out as a cookie.
func (a *App) login(r *http.Request) {
	user := r.Arg("user")
	if user == "" {
		r.SendJSONError(http.StatusBadRequest, "user is required")
		return
	}
	s := a.sessions.Create(user)
	r.SetSession(s)
	r.SetCookie(http.Cookie{
		Name:     a.cfg.Request.SessionCookie,
		Value:    s.ID(),
		Path:     "/",
		HTTPOnly: true,
		Secure:   r.IsSecure(),
	})
	r.SetCache(0)
	r.JSON(http.StatusOK, map[string]string{"session": s.ID(), "user": r.User()})
}

func (a *App) logout(r *http.Request) {
	if s := r.Session(); s != nil {
		a.sessions.Delete(s.ID())
		r.SetSession(nil)
	}
	r.SetCookie(http.Cookie{
		Name:    a.cfg.Request.SessionCookie,
		Path:    "/",
		Expires: time.Unix(0, 0),
	})
	r.Reply(http.StatusNoContent)
}
