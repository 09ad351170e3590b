package middleware

import (
	"sync"
	"testing"
	"time"

	"github.com/searchktools/fast-exchange/core/header"
	"github.com/searchktools/fast-exchange/core/http"
	"github.com/searchktools/fast-exchange/core/observability"
	"github.com/searchktools/fast-exchange/core/transport/exchangetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newRequest(t *testing.T, ex *exchangetest.Exchange) *http.Request {
	t.Helper()
	r, err := http.NewRequest(ex)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

// TestPipelineOrder 测试中间件按注册顺序执行，最后执行最终处理器
func TestPipelineOrder(t *testing.T) {
	pipeline := NewPipeline()
	order := []int{}

	pipeline.Use(func(*http.Request) { order = append(order, 1) })
	pipeline.Use(func(*http.Request) { order = append(order, 2) })
	pipeline.Use(func(*http.Request) { order = append(order, 3) })

	r := newRequest(t, exchangetest.New("GET", "/"))
	pipeline.Compile().Execute(r, func(*http.Request) { order = append(order, 4) })

	assert.Equal(t, []int{1, 2, 3, 4}, order)
	assert.Equal(t, 3, pipeline.Len())
}

// TestPipelineStopsOnReply 测试中间件回复后终止后续处理
func TestPipelineStopsOnReply(t *testing.T) {
	pipeline := NewPipeline()
	secondRan, finalRan := false, false

	pipeline.Use(func(r *http.Request) { r.Reply(http.StatusBadRequest) })
	pipeline.Use(func(*http.Request) { secondRan = true })

	ex := exchangetest.New("GET", "/")
	pipeline.Execute(newRequest(t, ex), func(*http.Request) { finalRan = true })

	assert.False(t, secondRan)
	assert.False(t, finalRan)
	assert.Equal(t, http.StatusBadRequest, ex.ResponseCode())
}

// TestPipelineRecoversPanic 测试 panic 恢复
func TestPipelineRecoversPanic(t *testing.T) {
	pipeline := NewPipeline()
	ex := exchangetest.New("GET", "/")

	assert.NotPanics(t, func() {
		pipeline.Execute(newRequest(t, ex), func(*http.Request) { panic("test panic") })
	})
	assert.Equal(t, http.StatusInternalServerError, ex.ResponseCode())
	assert.Equal(t, `["error","Internal Server Error"]`, string(ex.Body()))
}

// TestPipelineCancelsChunkedRequestOnPanic 测试分块响应中 panic 时取消请求
func TestPipelineCancelsChunkedRequestOnPanic(t *testing.T) {
	pipeline := NewPipeline()
	ex := exchangetest.New("GET", "/")
	r := newRequest(t, ex)

	pipeline.Execute(r, func(r *http.Request) {
		r.StartChunked(http.StatusOK)
		panic("mid stream")
	})
	assert.True(t, ex.Canceled())
	assert.True(t, r.Finalized())
}

// TestRequestID 测试 RequestID 中间件
func TestRequestID(t *testing.T) {
	mw := RequestID()

	ex1 := exchangetest.New("GET", "/")
	r1 := newRequest(t, ex1)
	mw(r1)
	ex2 := exchangetest.New("GET", "/")
	r2 := newRequest(t, ex2)
	mw(r2)

	assert.Equal(t, "1", ex1.OutputHeaders().Find("X-Request-ID"))
	assert.Equal(t, "2", ex2.OutputHeaders().Find("X-Request-ID"))
	assert.Equal(t, "#2:", r2.LogPrefix())
}

// TestCORS 测试 CORS 中间件
func TestCORS(t *testing.T) {
	ex := exchangetest.New("GET", "/")
	CORS()(newRequest(t, ex))
	assert.Equal(t, "*", ex.OutputHeaders().Find("Access-Control-Allow-Origin"))
	assert.Equal(t, "", ex.Mode())

	ex = exchangetest.New("OPTIONS", "/").WithHeader("Origin", "https://a.example")
	CORS("https://a.example")(newRequest(t, ex))
	assert.Equal(t, "https://a.example", ex.OutputHeaders().Find("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusNoContent, ex.ResponseCode())
	assert.Equal(t, "0", ex.OutputHeaders().Find(header.ContentLength))

	ex = exchangetest.New("GET", "/").WithHeader("Origin", "https://evil.example")
	CORS("https://a.example")(newRequest(t, ex))
	assert.False(t, ex.OutputHeaders().Has("Access-Control-Allow-Origin"))
}

// TestRateLimiter 测试限流中间件：每秒 2 个请求，突发 2 个
func TestRateLimiter(t *testing.T) {
	limiter := RateLimiter(2, 2)

	ex1, ex2, ex3 := exchangetest.New("GET", "/"), exchangetest.New("GET", "/"), exchangetest.New("GET", "/")
	limiter(newRequest(t, ex1))
	limiter(newRequest(t, ex2))
	limiter(newRequest(t, ex3))

	assert.Equal(t, "", ex1.Mode())
	assert.Equal(t, "", ex2.Mode())
	assert.Equal(t, http.StatusTooManyRequests, ex3.ResponseCode())

	time.Sleep(600 * time.Millisecond)
	ex4 := exchangetest.New("GET", "/")
	limiter(newRequest(t, ex4))
	assert.Equal(t, "", ex4.Mode())
}

// TestAsyncPipeline 测试异步管道
func TestAsyncPipeline(t *testing.T) {
	p := NewAsyncPipeline(2)

	var (
		mu      sync.Mutex
		entries []Entry
	)
	syncRan := false
	p.UseSync(func(*http.Request) { syncRan = true })
	p.UseAsync(func(e Entry) {
		mu.Lock()
		entries = append(entries, e)
		mu.Unlock()
	})

	r := newRequest(t, exchangetest.New("POST", "/items?x=1"))
	p.Execute(r, func(r *http.Request) { r.Reply(http.StatusCreated) })
	p.Close()

	assert.True(t, syncRan)
	require.Len(t, entries, 1)
	assert.Equal(t, "POST /items", entries[0].Route)
	assert.Equal(t, http.StatusCreated, entries[0].Status)
}

// TestLoggerAndMetrics 测试访问日志与指标
func TestLoggerAndMetrics(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := observability.NewMonitor()

	p := NewAsyncPipeline(1)
	p.UseAsync(Logger(zap.New(core)))
	p.UseAsync(Metrics(m))

	p.Execute(newRequest(t, exchangetest.New("GET", "/boom")), func(r *http.Request) {
		r.SendError(http.StatusInternalServerError)
	})
	p.Close()

	require.Equal(t, 1, logs.FilterMessage("access").Len())
	entry := logs.FilterMessage("access").All()[0]
	assert.Equal(t, int64(500), entry.ContextMap()["status"])

	rs := m.Route("GET /boom")
	require.NotNil(t, rs)
	assert.Equal(t, uint64(1), rs.Errors.Load())
}

func BenchmarkPipeline(b *testing.B) {
	pipeline := NewPipeline()
	for i := 0; i < 5; i++ {
		pipeline.Use(func(*http.Request) {})
	}
	final := func(*http.Request) {}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r, _ := http.NewRequest(exchangetest.New("GET", "/"))
		pipeline.Execute(r, final)
		r.Close()
	}
}

// TestSessions 测试会话中间件：会话用户覆盖默认用户，头部优先于 Cookie
func TestSessions(t *testing.T) {
	store := http.NewSessionStore(time.Minute)
	alice := store.Create("alice")
	bob := store.Create("bob")
	mw := Sessions(store, "session", "X-Session-Id")

	r, err := http.NewRequest(exchangetest.New("GET", "/").
		WithHeader(header.Cookie, "session="+alice.ID()), http.WithDefaultUser("guest"))
	require.NoError(t, err)
	defer r.Close()
	mw(r)
	assert.Equal(t, "alice", r.User())
	assert.Same(t, alice, r.Session())

	r2 := newRequest(t, exchangetest.New("GET", "/").
		WithHeader(header.Cookie, "session="+alice.ID()).
		WithHeader("X-Session-Id", bob.ID()))
	mw(r2)
	assert.Equal(t, "bob", r2.User())

	r3, err := http.NewRequest(exchangetest.New("GET", "/").
		WithHeader("X-Session-Id", "unknown"), http.WithDefaultUser("guest"))
	require.NoError(t, err)
	defer r3.Close()
	mw(r3)
	assert.Nil(t, r3.Session())
	assert.Equal(t, "guest", r3.User())
}
