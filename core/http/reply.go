package http

import (
	"github.com/searchktools/fast-exchange/core/buffer"
	"github.com/searchktools/fast-exchange/core/errs"
	"github.com/searchktools/fast-exchange/core/header"
	"go.uber.org/zap"
)

// Finalize locks the response. It fills in a Content-Type guessed from the
// URI extension when none was set, and is the one place responses are
// logged. A second call fails.
func (r *Request) Finalize() error {
	return r.finalize(r.OutputBuffer().Len())
}

func (r *Request) finalize(size int) error {
	r.mu.Lock()
	if r.state == stateFinalized {
		r.mu.Unlock()
		return errs.Statef("%s request already finalized", r.LogPrefix())
	}
	r.state = stateFinalized
	if r.mode == "" {
		r.mode = ModeReply
	}
	mode := r.mode
	r.mu.Unlock()

	out := r.OutputHeaders()
	if !out.HasContentType() {
		out.GuessContentType(r.uri.Extension())
	}

	r.rec.ResponseFinalized(r.code, mode, size)
	r.log.Info(">", zap.String("status", r.ResponseLine()), zap.String("mode", mode),
		zap.Int("size", size))
	if ce := r.log.Check(zap.DebugLevel, "response headers"); ce != nil {
		ce.Write(zap.String("headers", out.String()),
			zap.String("body", r.OutputBuffer().Hexdump()))
	}
	return nil
}

// begin checks that the response is still open, flushes pending writers
// into the output and records the status for the upcoming transition.
func (r *Request) begin(want replyState, code int, mode string) error {
	if s := r.currentState(); s != want {
		return errs.Statef("%s cannot %s, response is %s", r.LogPrefix(), mode, s)
	}
	if _, err := r.exchange(); err != nil {
		return err
	}
	r.closePending()

	r.mu.Lock()
	if want == stateOpen {
		r.code = code
	}
	r.mode = mode
	r.mu.Unlock()
	return nil
}

// SendError finalizes and sends an error status. The output buffer, if
// not empty, becomes the body. Code 0 means 500.
func (r *Request) SendError(code int) error {
	if code == 0 {
		code = StatusInternalServerError
	}
	if err := r.begin(stateOpen, code, ModeError); err != nil {
		return err
	}
	ex, err := r.exchange()
	if err != nil {
		return err
	}
	if err := r.finalize(ex.OutputBuffer().Len()); err != nil {
		return err
	}
	return errs.WrapTransport(ex.SendError(code), "send error")
}

// SendErrorMessage replaces the output with a plain-text message and sends
// an error status.
func (r *Request) SendErrorMessage(code int, message string) error {
	if err := r.ResetOutput(); err != nil {
		return err
	}
	if err := r.SetContentType("text/plain"); err != nil {
		return err
	}
	if err := r.SendString(message); err != nil {
		return err
	}
	return r.SendError(code)
}

// Reply finalizes and sends the output buffer with code.
func (r *Request) Reply(code int) error {
	return r.reply(code, nil)
}

// ReplyString appends s to the output and replies.
func (r *Request) ReplyString(code int, s string) error {
	if err := r.SendString(s); err != nil {
		return err
	}
	return r.Reply(code)
}

// ReplyBytes sends p as the body, ignoring the output buffer.
func (r *Request) ReplyBytes(code int, p []byte) error {
	return r.reply(code, buffer.From(p))
}

// ReplyBuffer sends b as the body, ignoring the output buffer.
func (r *Request) ReplyBuffer(code int, b *buffer.Buffer) error {
	if b == nil {
		b = buffer.New()
	}
	return r.reply(code, b)
}

func (r *Request) reply(code int, body *buffer.Buffer) error {
	if err := r.begin(stateOpen, code, ModeReply); err != nil {
		return err
	}
	ex, err := r.exchange()
	if err != nil {
		return err
	}
	size := ex.OutputBuffer().Len()
	if body != nil {
		size = body.Len()
	}
	if err := r.finalize(size); err != nil {
		return err
	}
	return errs.WrapTransport(ex.SendReply(code, StatusText(code), body), "send reply")
}

// Redirect replies with an empty body and a Location header.
func (r *Request) Redirect(location string, code int) error {
	if code == 0 {
		code = StatusFound
	}
	if err := r.OutSet(header.Location, location); err != nil {
		return err
	}
	if err := r.OutSet(header.ContentLength, "0"); err != nil {
		return err
	}
	return r.reply(code, buffer.New())
}

// StartChunked commits the status and headers and switches to chunked
// mode. The request is not finalized until EndChunked.
func (r *Request) StartChunked(code int) error {
	if err := r.begin(stateOpen, code, ModeChunked); err != nil {
		return err
	}
	ex, err := r.exchange()
	if err != nil {
		return err
	}
	out := ex.OutputHeaders()
	if !out.HasContentType() {
		out.GuessContentType(r.uri.Extension())
	}
	if err := ex.StartChunkedReply(code, StatusText(code)); err != nil {
		return errs.WrapTransport(err, "start chunked reply")
	}
	r.setState(stateChunked)
	return nil
}

// SendChunkBuffer sends the content of b as one chunk.
func (r *Request) SendChunkBuffer(b *buffer.Buffer) error {
	if s := r.currentState(); s != stateChunked {
		return errs.Statef("%s cannot send chunk, response is %s", r.LogPrefix(), s)
	}
	ex, err := r.exchange()
	if err != nil {
		return err
	}
	return errs.WrapTransport(ex.SendChunk(b), "send chunk")
}

// SendChunk sends p as one chunk of a chunked reply.
func (r *Request) SendChunk(p []byte) error {
	return r.SendChunkBuffer(buffer.From(p))
}

// SendChunkString is SendChunk for a string.
func (r *Request) SendChunkString(s string) error {
	return r.SendChunk([]byte(s))
}

// EndChunked finalizes and terminates the chunked reply. Chunk writers
// still open are flushed first.
func (r *Request) EndChunked() error {
	if err := r.begin(stateChunked, 0, ModeChunked); err != nil {
		return err
	}
	ex, err := r.exchange()
	if err != nil {
		return err
	}
	if err := r.finalize(0); err != nil {
		return err
	}
	return errs.WrapTransport(ex.EndChunkedReply(), "end chunked reply")
}
