// Package api exposes the engine over HTTP with text-generation-inference
// style endpoints: blocking and streaming generation, cancellation, health
// and Prometheus metrics.
package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/batchserve/serve"
)

// Server binds HTTP handlers to an Engine.
type Server struct {
	engine  *serve.Engine
	metrics http.Handler
}

// NewServer creates a server for engine. metrics may be nil, in which case
// /metrics is not registered.
func NewServer(engine *serve.Engine, metrics http.Handler) *Server {
	return &Server{engine: engine, metrics: metrics}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/generate", s.handleGenerate)
	e.POST("/generate_stream", s.handleGenerateStream)
	e.DELETE("/requests/:id", s.handleCancel)
	e.GET("/health", s.handleHealth)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics))
	}
}

// submit decodes the body and hands the request to the engine. On failure it
// has already written the error response and returns a nil stream.
func (s *Server) submit(c *echo.Context) (*serve.Stream, GenerateRequest, error) {
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return nil, req, writeBadRequest(c, "invalid request body: "+err.Error())
	}
	opts := []serve.SubmitOption{
		serve.WithPriority(req.Parameters.Priority),
		serve.WithTimeoutSteps(req.Parameters.TimeoutSteps),
	}
	if id := c.Request().Header.Get(echo.HeaderXRequestID); id != "" {
		opts = append(opts, serve.WithRequestID(id))
	}
	stream, _, err := s.engine.SubmitText(c.Request().Context(), req.Inputs, req.Parameters.sampling(), opts...)
	if err != nil {
		logrus.Debugf("submit failed: %v", err)
		return nil, req, writeError(c, err)
	}
	c.Response().Header().Set(echo.HeaderXRequestID, stream.ID())
	return stream, req, nil
}

func (s *Server) handleGenerate(c *echo.Context) error {
	stream, req, err := s.submit(c)
	if stream == nil {
		return err
	}
	ctx := c.Request().Context()
	var text []byte
	for {
		select {
		case <-ctx.Done():
			// the engine sees the disconnect and cancels the request
			return ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				return writeError(c, errors.New("stream closed without a terminal event"))
			}
			switch ev.Type {
			case serve.EventToken:
				if !ev.Token.Special {
					text = append(text, ev.Token.Text...)
				}
			case serve.EventCompleted:
				resp := GenerateResponse{GeneratedText: string(text)}
				if req.Parameters.Details {
					resp.Details = detailsOf(ev)
				}
				return writeJSON(c, http.StatusOK, resp)
			case serve.EventError:
				return writeError(c, eventError(ev))
			}
		}
	}
}

func (s *Server) handleGenerateStream(c *echo.Context) error {
	stream, _, err := s.submit(c)
	if stream == nil {
		return err
	}
	sw, err := NewSSEStreamWriter(c)
	if err != nil {
		_ = s.engine.Cancel(stream.ID())
		return writeBadRequest(c, err.Error())
	}
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream.Events():
			if !ok {
				return nil
			}
			switch ev.Type {
			case serve.EventToken:
				err = sw.Token(ev.Token)
			case serve.EventCompleted:
				return sw.Complete(ev)
			case serve.EventError:
				return sw.Failed(eventError(ev))
			}
			if err != nil {
				// the client is gone; cancel rather than wait for the disconnect check
				logrus.Debugf("request %s: write failed: %v", stream.ID(), err)
				_ = s.engine.Cancel(stream.ID())
				return nil
			}
		}
	}
}

func (s *Server) handleCancel(c *echo.Context) error {
	id := c.Param("id")
	if err := s.engine.Cancel(id); err != nil {
		return writeError(c, err)
	}
	return writeJSON(c, http.StatusOK, CancelResponse{ID: id, Cancelled: true})
}

func (s *Server) handleHealth(c *echo.Context) error {
	state := s.engine.State()
	resp := HealthResponse{
		Status:     "ok",
		Loop:       state.String(),
		QueueDepth: s.engine.QueueLen(),
		Capacity:   s.engine.Capacity(),
	}
	status := http.StatusOK
	if state == serve.LoopStopped {
		resp.Status = "stopped"
		status = http.StatusServiceUnavailable
	}
	return writeJSON(c, status, resp)
}

func writeJSON(c *echo.Context, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.JSONBlob(status, b)
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
