package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"

	"github.com/searchktools/fast-exchange/config"
	"github.com/searchktools/fast-exchange/core/compress"
	"github.com/searchktools/fast-exchange/core/fasthttpx"
	"github.com/searchktools/fast-exchange/core/http"
)

type fetchOptions struct {
	method     string
	headers    []string
	data       string
	include    bool
	compressed bool
	// dial replaces the TCP dialer in tests.
	dial fasthttp.DialFunc
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	f := fetchCmd.Flags()
	f.StringP("request", "X", "", "request method (default GET, POST with --data)")
	f.StringArrayP("header", "H", nil, "extra request header \"Name: value\"")
	f.StringP("data", "d", "", "request body")
	f.BoolP("include", "i", false, "print the status line and headers")
	f.Bool("compressed", false, "ask for a compressed reply and decode it")
	f.Duration("timeout", 0, "request timeout (default client.timeout)")
	f.Int("retries", -1, "retries on transport failure (default client.retries)")
}

var fetchCmd = &cobra.Command{
	Use:   "fetch URL",
	Short: "Fetch a URL through the outbound connection handle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		overrides := make(map[string]string)
		if f.Changed("timeout") {
			overrides["client.timeout"] = f.Lookup("timeout").Value.String()
		}
		if retries, _ := f.GetInt("retries"); retries >= 0 {
			overrides["client.retries"] = f.Lookup("retries").Value.String()
		}
		cfg, err := loadConfig(cmd, overrides)
		if err != nil {
			return err
		}

		var opts fetchOptions
		opts.method, _ = f.GetString("request")
		opts.headers, _ = f.GetStringArray("header")
		opts.data, _ = f.GetString("data")
		opts.include, _ = f.GetBool("include")
		opts.compressed, _ = f.GetBool("compressed")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		code, err := fetch(ctx, cfg.Client, args[0], opts, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if code >= 400 {
			return errors.Newf("server replied %d", code)
		}
		return nil
	},
}

type fetchResult struct {
	code   int
	reason string
	line   string
	head   string
	body   []byte
	enc    string
}

// fetch performs one request and writes the decoded reply to out. It
// returns the status code.
func fetch(ctx context.Context, cfg config.ClientConfig, rawURL string, opts fetchOptions, out io.Writer) (int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, errors.Wrap(err, "parse url")
	}

	var tlsConfig *tls.Config
	port := u.Port()
	switch u.Scheme {
	case "http":
		if port == "" {
			port = "80"
		}
	case "https":
		if port == "" {
			port = "443"
		}
		tlsConfig = &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12}
	default:
		return 0, errors.Newf("unsupported scheme %q", u.Scheme)
	}

	client, err := fasthttpx.NewClient(fasthttpx.ClientConfig{
		Addr:      net.JoinHostPort(u.Hostname(), port),
		TLSConfig: tlsConfig,
		Dial:      opts.dial,
	})
	if err != nil {
		return 0, err
	}
	defer client.Close()

	conn, err := http.NewConnection(client)
	if err != nil {
		return 0, err
	}
	conn.SetTimeout(cfg.Timeout.Std())
	conn.SetRetries(cfg.Retries)
	conn.SetInitialRetryDelay(cfg.InitialRetryDelay.Std())
	conn.SetMaxBodySize(int64(cfg.MaxBodySize))
	conn.SetMaxHeaderSize(cfg.MaxHeaderSize.Int())
	if cfg.BindAddress != "" {
		if err := conn.SetLocalAddress(cfg.BindAddress); err != nil {
			return 0, err
		}
	}

	done := make(chan fetchResult, 1)
	req, err := conn.NewRequest(rawURL, func(r *http.Request) {
		done <- fetchResult{
			code:   r.ResponseCode(),
			reason: r.ResponseMessage(),
			line:   r.ResponseLine(),
			head:   r.InputHeaders().String(),
			body:   bytes.Clone(r.InputBuffer().Bytes()),
			enc:    r.InFind("Content-Encoding"),
		}
	})
	if err != nil {
		return 0, err
	}
	defer req.Close()

	for _, h := range opts.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return 0, errors.Newf("malformed header %q", h)
		}
		if err := req.OutSet(strings.TrimSpace(name), strings.TrimSpace(value)); err != nil {
			return 0, err
		}
	}
	if opts.compressed {
		if err := req.OutSet("Accept-Encoding", "gzip, deflate, bzip2"); err != nil {
			return 0, err
		}
	}
	method := opts.method
	if opts.data != "" {
		if err := req.SendString(opts.data); err != nil {
			return 0, err
		}
		if method == "" {
			method = "POST"
		}
	}
	if method == "" {
		method = "GET"
	}

	if err := conn.MakeRequest(req, method, u.RequestURI()); err != nil {
		return 0, err
	}

	var res fetchResult
	select {
	case res = <-done:
	case <-ctx.Done():
		req.Cancel()
		return 0, context.Cause(ctx)
	}
	if res.code == 0 {
		return 0, errors.Newf("request failed: %s", res.reason)
	}

	if opts.include {
		fmt.Fprintf(out, "%s\r\n%s\r\n", res.line, res.head)
	}
	codec, known := compress.FromContentEncoding(res.enc)
	if !known {
		codec = compress.None
	}
	body, err := compress.NewReader(bytes.NewReader(res.body), codec)
	if err != nil {
		return res.code, err
	}
	defer body.Close()
	if _, err := io.Copy(out, body); err != nil {
		return res.code, errors.Wrapf(err, "decode %s body", codec)
	}
	return res.code, nil
}
