package middleware

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/searchktools/fast-exchange/core/header"
	"github.com/searchktools/fast-exchange/core/http"
	"github.com/searchktools/fast-exchange/core/observability"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HandlerFunc is the signature for middlewares and final handlers.
type HandlerFunc func(*http.Request)

// Pipeline runs middlewares in order, then the final handler. A middleware
// ends the chain by replying; once the request is committed nothing further
// runs.
type Pipeline struct {
	handlers []HandlerFunc
	length   int
}

func NewPipeline() *Pipeline {
	return &Pipeline{
		handlers: make([]HandlerFunc, 0, 16),
	}
}

// Use adds a middleware to the pipeline
func (p *Pipeline) Use(handler HandlerFunc) *Pipeline {
	p.handlers = append(p.handlers, handler)
	p.length = len(p.handlers)
	return p
}

// Len is the number of middlewares.
func (p *Pipeline) Len() int { return p.length }

// Execute runs the pipeline. A panic in any handler is recovered: an
// uncommitted request gets a 500, a chunked one is canceled.
func (p *Pipeline) Execute(r *http.Request, finalHandler HandlerFunc) {
	defer recoverRequest(r)

	if p.length == 0 {
		finalHandler(r)
		return
	}

	for i := 0; i < p.length; i++ {
		p.handlers[i](r)
		if r.Committed() {
			return
		}
	}
	finalHandler(r)
}

// Compile trims the handler slice to its exact size.
func (p *Pipeline) Compile() *Pipeline {
	if p.length <= 1 {
		return p
	}

	compiled := make([]HandlerFunc, p.length)
	copy(compiled, p.handlers)
	p.handlers = compiled

	return p
}

func recoverRequest(r *http.Request) {
	rec := recover()
	if rec == nil {
		return
	}
	r.Logger().Error("panic recovered", zap.Any("panic", rec), zap.Stack("stack"))
	switch {
	case !r.Committed():
		if err := r.SendJSONError(http.StatusInternalServerError, "Internal Server Error"); err != nil {
			r.Logger().Debug("sending panic reply", zap.Error(err))
		}
	case !r.Finalized():
		r.Cancel()
	}
}

// Entry is the snapshot of a finished request passed to async handlers.
// Async handlers never see the request itself, which may be released by
// the time they run.
type Entry struct {
	ID       uint64
	Method   string
	Path     string
	Route    string
	Client   string
	Status   int
	Duration time.Duration
}

// AsyncHandlerFunc runs after the request is handled, on a worker.
type AsyncHandlerFunc func(Entry)

// AsyncPipeline adds post-handlers that run off the request goroutine.
type AsyncPipeline struct {
	sync     *Pipeline
	async    []AsyncHandlerFunc
	workerCh chan asyncTask
	wg       sync.WaitGroup
	once     sync.Once
}

type asyncTask struct {
	handler AsyncHandlerFunc
	entry   Entry
}

// NewAsyncPipeline starts workers goroutines for async handlers.
func NewAsyncPipeline(workers int) *AsyncPipeline {
	if workers <= 0 {
		workers = 4
	}

	p := &AsyncPipeline{
		sync:     NewPipeline(),
		async:    make([]AsyncHandlerFunc, 0, 8),
		workerCh: make(chan asyncTask, 256),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return p
}

func (p *AsyncPipeline) worker() {
	defer p.wg.Done()
	for task := range p.workerCh {
		task.handler(task.entry)
	}
}

// UseSync adds a synchronous middleware
func (p *AsyncPipeline) UseSync(handler HandlerFunc) *AsyncPipeline {
	p.sync.Use(handler)
	return p
}

// UseAsync adds an asynchronous middleware
func (p *AsyncPipeline) UseAsync(handler AsyncHandlerFunc) *AsyncPipeline {
	p.async = append(p.async, handler)
	return p
}

// Execute runs the sync pipeline, then hands a snapshot to each async
// handler. When the queue is full the handler runs inline.
func (p *AsyncPipeline) Execute(r *http.Request, finalHandler HandlerFunc) {
	start := time.Now()
	p.sync.Execute(r, finalHandler)
	if len(p.async) == 0 {
		return
	}

	path := r.URI().Path()
	e := Entry{
		ID:       r.ID(),
		Method:   r.Method(),
		Path:     path,
		Route:    r.Method() + " " + path,
		Client:   r.ClientAddr(),
		Status:   r.ResponseCode(),
		Duration: time.Since(start),
	}
	for _, handler := range p.async {
		select {
		case p.workerCh <- asyncTask{handler: handler, entry: e}:
		default:
			handler(e)
		}
	}
}

// Close stops the workers after the queue drains.
func (p *AsyncPipeline) Close() {
	p.once.Do(func() {
		close(p.workerCh)
		p.wg.Wait()
	})
}

// Logger writes one access log line per request.
func Logger(log *zap.Logger) AsyncHandlerFunc {
	return func(e Entry) {
		log.Info("access",
			zap.Uint64("id", e.ID),
			zap.String("method", e.Method),
			zap.String("path", e.Path),
			zap.String("client", e.Client),
			zap.Int("status", e.Status),
			zap.Duration("duration", e.Duration),
			zap.String("elapsed", humanize.SIWithDigits(e.Duration.Seconds(), 2, "s")))
	}
}

// Metrics records handler timings; 5xx responses count as failures.
func Metrics(m *observability.Monitor) AsyncHandlerFunc {
	return func(e Entry) {
		m.RecordHandler(e.Route, e.Duration, e.Status >= 500)
	}
}

// CORS adds CORS headers. An empty origin list allows any origin. OPTIONS
// requests are answered with 204.
func CORS(origins ...string) HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	return func(r *http.Request) {
		origin := "*"
		if len(allowed) > 0 {
			origin = r.InFind("Origin")
			if !allowed[origin] {
				return
			}
			r.OutAdd("Vary", "Origin")
		}
		r.OutSet("Access-Control-Allow-Origin", origin)
		r.OutSet("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		r.OutSet("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method() == "OPTIONS" {
			r.OutSet(header.ContentLength, "0")
			r.Reply(http.StatusNoContent)
		}
	}
}

// RateLimiter rejects requests beyond rps with 429. burst is the bucket
// size; 0 means rps.
func RateLimiter(rps float64, burst int) HandlerFunc {
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(r *http.Request) {
		if limiter.Allow() {
			return
		}
		r.SendJSONError(http.StatusTooManyRequests, "Too Many Requests")
	}
}

// RequestID numbers requests and echoes the number in X-Request-ID.
func RequestID() HandlerFunc {
	var counter atomic.Uint64

	return func(r *http.Request) {
		id := counter.Add(1)
		r.SetID(id)
		r.OutSet("X-Request-ID", strconv.FormatUint(id, 10))
	}
}

// Sessions attaches the stored session named by the header or cookie. The
// session user then takes over from the request's default user. Unknown
// ids are ignored.
func Sessions(store *http.SessionStore, cookie, headerName string) HandlerFunc {
	return func(r *http.Request) {
		if s, ok := store.Lookup(r.SessionID(cookie, headerName)); ok {
			r.SetSession(s)
		}
	}
}
