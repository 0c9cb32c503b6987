package api

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/inference-sim/batchserve/serve"
)

// SSEStreamWriter writes generation events as server-sent events. It holds
// back the latest token so the final event can carry both the last token and
// the generated text, the way text-generation-inference clients expect.
type SSEStreamWriter struct {
	w       io.Writer
	flusher func()
	pending *serve.Token
	text    []byte
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	return &SSEStreamWriter{w: res, flusher: flusher.Flush}, nil
}

// Token sends the previously held token, if any, and holds tok.
func (s *SSEStreamWriter) Token(tok serve.Token) error {
	if !tok.Special {
		s.text = append(s.text, tok.Text...)
	}
	if s.pending != nil {
		if err := s.send(StreamResponse{Token: s.pending}); err != nil {
			return err
		}
	}
	s.pending = &tok
	return nil
}

// Complete sends the final event.
func (s *SSEStreamWriter) Complete(ev serve.Event) error {
	text := string(s.text)
	err := s.send(StreamResponse{Token: s.pending, GeneratedText: &text, Details: detailsOf(ev)})
	s.pending = nil
	return err
}

// Failed flushes any held token, then sends the error as the last event.
func (s *SSEStreamWriter) Failed(err error) error {
	if s.pending != nil {
		if sendErr := s.send(StreamResponse{Token: s.pending}); sendErr != nil {
			return sendErr
		}
		s.pending = nil
	}
	_, errType := statusFor(err)
	return s.send(ErrorResponse{Error: err.Error(), ErrorType: errType})
}

func (s *SSEStreamWriter) send(payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flusher()
	return nil
}
