package http

import (
	"bytes"
	"io"

	"github.com/cockroachdb/errors"
	json "github.com/goccy/go-json"
	"github.com/searchktools/fast-exchange/core/buffer"
	"github.com/searchktools/fast-exchange/core/codec"
	"github.com/searchktools/fast-exchange/core/compress"
	"github.com/searchktools/fast-exchange/core/errs"
	"github.com/searchktools/fast-exchange/core/header"
	"github.com/searchktools/fast-exchange/core/jsonwriter"
	"github.com/searchktools/fast-exchange/core/sendfile"
	"google.golang.org/protobuf/proto"
)

// Input returns the request body as a string.
func (r *Request) Input() string { return r.InputBuffer().String() }

// Output returns what has been written to the output buffer so far.
func (r *Request) Output() string { return r.OutputBuffer().String() }

// InputStream reads the body without consuming the input buffer.
func (r *Request) InputStream() io.Reader {
	return bytes.NewReader(r.InputBuffer().Bytes())
}

// InputJSON decodes the body. It returns nil for an empty body.
func (r *Request) InputJSON() (any, error) {
	body := r.InputBuffer().Bytes()
	if len(body) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errs.Decode(err, "json body")
	}
	return v, nil
}

// JSONMessage is the JSON body for JSON requests, otherwise the query
// parameters as *Args, or nil when there are none.
func (r *Request) JSONMessage() (any, error) {
	if r.IsJSON() {
		return r.InputJSON()
	}
	if r.uri.Empty() {
		return nil, nil
	}
	msg := NewArgs()
	for _, p := range r.uri.Query() {
		msg.Set(p.Key, p.Value)
	}
	return msg, nil
}

// Bind decodes the body into v with the codec matching Content-Type.
func (r *Request) Bind(v any) error {
	c, err := codec.ForContentType(r.inputHeaders().ContentType())
	if err != nil {
		return errs.Decode(err, "bind")
	}
	if err := c.Decode(r.InputBuffer().Bytes(), v); err != nil {
		return errs.Decode(err, "bind "+c.Name())
	}
	return nil
}

// ParseJSONArgs merges the members of a JSON object body into the args.
func (r *Request) ParseJSONArgs() (*Args, error) {
	args := r.argDict()
	if r.IsJSON() && r.InputBuffer().Len() > 0 {
		if err := args.mergeJSONObject(r.InputStream()); err != nil {
			return args, err
		}
	}
	return args, nil
}

// ParseQueryArgs merges the query parameters into the args.
func (r *Request) ParseQueryArgs() *Args {
	args := r.argDict()
	for _, p := range r.uri.Query() {
		args.Set(p.Key, p.Value)
	}
	return args
}

// ParseArgs merges the JSON body and then the query, so query parameters
// win on key collisions.
func (r *Request) ParseArgs() (*Args, error) {
	if _, err := r.ParseJSONArgs(); err != nil {
		return r.args, err
	}
	args := r.ParseQueryArgs()
	r.argsParsed = true
	return args, nil
}

// Args parses the body and query on first use. Args inserted before that
// are kept; parsed values win on collisions.
func (r *Request) Args() (*Args, error) {
	if r.argsParsed {
		return r.args, nil
	}
	args, err := r.ParseArgs()
	if err != nil {
		return nil, err
	}
	return args, nil
}

// Arg returns one argument as text, "" when absent or unparseable.
func (r *Request) Arg(key string) string {
	args, err := r.Args()
	if err != nil {
		return ""
	}
	return args.String(key)
}

// InsertArg sets one argument without marking the args as parsed.
func (r *Request) InsertArg(key string, v any) {
	r.argDict().Set(key, v)
}

func (r *Request) argDict() *Args {
	if r.args == nil {
		r.args = NewArgs()
	}
	return r.args
}

func (r *Request) writable() (*buffer.Buffer, error) {
	if s := r.currentState(); s != stateOpen {
		return nil, errs.Statef("%s cannot write output, response is %s", r.LogPrefix(), s)
	}
	ex, err := r.exchange()
	if err != nil {
		return nil, err
	}
	return ex.OutputBuffer(), nil
}

// ResetOutput discards buffered output.
func (r *Request) ResetOutput() error {
	if r.Finalized() {
		return errs.Statef("%s cannot reset output after finalize", r.LogPrefix())
	}
	ex, err := r.exchange()
	if err != nil {
		return err
	}
	ex.OutputBuffer().Reset()
	return nil
}

// Send appends p to the output buffer.
func (r *Request) Send(p []byte) error {
	out, err := r.writable()
	if err != nil {
		return err
	}
	_, err = out.Write(p)
	return err
}

// SendString appends s to the output buffer.
func (r *Request) SendString(s string) error {
	out, err := r.writable()
	if err != nil {
		return err
	}
	_, err = out.WriteString(s)
	return err
}

// SendBuffer moves the content of b into the output buffer.
func (r *Request) SendBuffer(b *buffer.Buffer) error {
	out, err := r.writable()
	if err != nil {
		return err
	}
	out.Add(b)
	return nil
}

// SendFile appends the content of a file to the output buffer. Small
// files are served from the process-wide cache.
func (r *Request) SendFile(path string) error {
	out, err := r.writable()
	if err != nil {
		return err
	}
	_, err = sendfile.WriteFile(out, path)
	return errors.Wrap(err, "send file")
}

func (r *Request) resolve(c compress.Codec) compress.Codec {
	if c == compress.Auto {
		c = r.RequestedCompression()
	}
	r.rec.CodecSelected(c)
	return c
}

// OutputStream returns a writer into the output buffer that compresses with
// c, resolving Auto from Accept-Encoding. The stream is closed by the next
// reply if the caller has not closed it.
func (r *Request) OutputStream(c compress.Codec) (io.WriteCloser, error) {
	out, err := r.writable()
	if err != nil {
		return nil, err
	}
	c = r.resolve(c)
	if err := r.SetContentEncoding(c); err != nil {
		return nil, err
	}
	s, err := compress.NewWriter(out, c)
	if err != nil {
		return nil, err
	}
	r.track(s)
	return s, nil
}

// JSONWriter resets the output and returns a writer whose result becomes
// the reply body. Output is indented when the query has "pretty".
func (r *Request) JSONWriter(c compress.Codec) (*jsonwriter.Writer, error) {
	if err := r.ResetOutput(); err != nil {
		return nil, err
	}
	if err := r.SetContentType(codec.MediaJSON); err != nil {
		return nil, err
	}
	c = r.resolve(c)
	if err := r.SetContentEncoding(c); err != nil {
		return nil, err
	}
	opts := jsonwriter.Options{Codec: c}
	if r.uri.Has("pretty") {
		opts.Indent = 2
	}
	return r.newWriter(r.SendBuffer, opts)
}

// JSONPWriter wraps the JSON in a call to callback. It never compresses.
func (r *Request) JSONPWriter(callback string) (*jsonwriter.Writer, error) {
	if err := r.ResetOutput(); err != nil {
		return nil, err
	}
	if err := r.SetContentType("application/javascript"); err != nil {
		return nil, err
	}
	return r.newWriter(r.SendBuffer, jsonwriter.Options{
		Prefix: callback + "(",
		Suffix: ")",
	})
}

// JSONChunkWriter sends its output as one chunk of a chunked reply when
// closed.
func (r *Request) JSONChunkWriter() (*jsonwriter.Writer, error) {
	return r.newWriter(r.SendChunkBuffer, jsonwriter.Options{})
}

func (r *Request) newWriter(sink jsonwriter.Sink, opts jsonwriter.Options) (*jsonwriter.Writer, error) {
	w, err := jsonwriter.New(sink, opts)
	if err != nil {
		return nil, err
	}
	r.track(w)
	return w, nil
}

// JSON replies with v encoded through a JSON writer using the request's
// configured compression.
func (r *Request) JSON(code int, v any) error {
	w, err := r.JSONWriter(r.compression)
	if err != nil {
		return err
	}
	if err := w.Value(v); err != nil {
		w.Abort()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return r.Reply(code)
}

// SendJSONError replies with ["error", message].
func (r *Request) SendJSONError(code int, message string) error {
	w, err := r.JSONWriter(compress.None)
	if err != nil {
		return err
	}
	w.BeginList()
	w.Append("error")
	w.Append(message)
	w.EndList()
	if err := w.Close(); err != nil {
		return err
	}
	if code == 0 {
		code = StatusInternalServerError
	}
	return r.Reply(code)
}

// ReplyProto encodes msg with the codec the client asked for in Accept,
// falling back to binary protobuf.
func (r *Request) ReplyProto(code int, msg proto.Message) error {
	c, err := codec.ForContentType(r.InFind(header.Accept))
	switch {
	case err != nil || r.InFind(header.Accept) == "":
		c = codec.ProtobufCodec{}
	case c.Name() == "json":
		c = codec.ProtoJSONCodec{}
	}
	data, err := c.Encode(msg)
	if err != nil {
		return errors.Wrap(err, "encode reply")
	}
	if err := r.SetContentType(c.ContentType()); err != nil {
		return err
	}
	return r.ReplyBytes(code, data)
}
