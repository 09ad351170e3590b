/*
Package fastexchange is the request/response core of an HTTP server and
client, with pluggable transports.

A Request wraps one transport exchange. It carries the parsed URI, input and
output headers, cookies, session and user, and a buffered body. A reply is
sent exactly once: a buffered reply with Content-Length, or a chunked reply
that stays open until EndChunked. Bodies can be written through a
compressing output stream or a streaming JSON writer (plain, JSONP or
chunked). The reply codec is negotiated from Accept-Encoding among zlib,
gzip and bzip2.

A request lives as long as the transport holds its exchange or the
application holds a reference (Retain/Close). A handler that wants to reply
later retains the request and closes it when done.

Quick Start

	package main

	import (
	    "context"

	    "github.com/searchktools/fast-exchange/app"
	    "github.com/searchktools/fast-exchange/config"
	    "github.com/searchktools/fast-exchange/core/http"
	)

	func main() {
	    cfg, err := config.Load(config.LoadOptions{File: "fastx.yaml"})
	    if err != nil {
	        panic(err)
	    }
	    a, err := app.New(cfg)
	    if err != nil {
	        panic(err)
	    }

	    a.Engine().GET("/hello/:name", func(r *http.Request) {
	        r.JSON(http.StatusOK, map[string]string{"hello": r.Param("name")})
	    })

	    if err := a.Run(context.Background()); err != nil {
	        panic(err)
	    }
	}

Modules

  - app: wiring of config, logging, metrics and one transport
  - config: YAML, .env and FASTX_* environment configuration
  - core: epoll/kqueue engine transport and routing entry point
  - core/http: Request, Connection, reply state machine
  - core/transport: exchange and connection handle contracts
  - core/compress: Accept-Encoding negotiation and codec streams
  - core/jsonwriter: streaming JSON writer
  - core/fasthttpx: fasthttp server adapter and outbound client
  - core/http2: net/http adapter with h2c
  - core/sse: server-sent events over chunked replies
  - core/observability: Prometheus monitor
  - cmd/fast-exchange: serve and fetch commands
*/
package fastexchange
