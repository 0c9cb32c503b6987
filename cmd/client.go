package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/inference-sim/batchserve/api"
	"github.com/inference-sim/batchserve/serve"
	"github.com/inference-sim/batchserve/serve/workload"
)

// Result statuses.
const (
	statusOK       = "ok"
	statusRejected = "rejected"
	statusError    = "error"
)

// promptAlphabet is the workload vocabulary: token t is the letter 'a'+t, so
// generated prompts are plain text for both the byte tokenizer and HTTP.
const promptAlphabet = 26

// Result captures one request-response cycle.
type Result struct {
	RequestID    string
	Client       string
	Status       string // "ok", "rejected", "error"
	ErrorMessage string
	PromptTokens int
	OutputTokens int
	FinishReason string
	TTFT         time.Duration
	Latency      time.Duration
}

func (r *Result) fail(err error) {
	r.Status = statusError
	if errors.Is(err, serve.ErrRejected) {
		r.Status = statusRejected
	}
	r.ErrorMessage = err.Error()
}

// Sender runs one arrival to completion.
type Sender interface {
	Send(ctx context.Context, a workload.Arrival) *Result
}

func promptTokens(prompt []int) []int {
	out := make([]int, len(prompt))
	for i, t := range prompt {
		out[i] = 'a' + t%promptAlphabet
	}
	return out
}

func promptText(prompt []int) string {
	var sb strings.Builder
	sb.Grow(len(prompt))
	for _, t := range promptTokens(prompt) {
		sb.WriteByte(byte(t))
	}
	return sb.String()
}

// localSender submits straight to an in-process engine.
type localSender struct {
	engine *serve.Engine
}

func (s localSender) Send(ctx context.Context, a workload.Arrival) *Result {
	res := &Result{RequestID: a.ID, Client: a.Client, Status: statusOK, PromptTokens: len(a.Prompt)}
	start := time.Now()
	sampling := serve.SamplingConfig{MaxNewTokens: a.MaxNewTokens, StopSequences: a.Stop}
	stream, err := s.engine.Submit(ctx, promptTokens(a.Prompt), sampling,
		serve.WithRequestID(a.ID), serve.WithPriority(a.PriorityClass))
	if err != nil {
		res.fail(err)
		return res
	}
	for ev := range stream.Events() {
		switch ev.Type {
		case serve.EventToken:
			if res.OutputTokens == 0 {
				res.TTFT = time.Since(start)
			}
			res.OutputTokens++
		case serve.EventCompleted:
			res.FinishReason = ev.Details.FinishReason
			if res.FinishReason == "" {
				res.FinishReason = string(ev.Reason)
			}
		case serve.EventError:
			res.Status = statusError
			res.FinishReason = string(ev.Reason)
			if ev.Err != nil {
				res.ErrorMessage = ev.Err.Error()
			}
		}
	}
	res.Latency = time.Since(start)
	return res
}

// Client sends requests to a running server's /generate_stream endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// streamChunk is the union of the stream's token events and its error event.
type streamChunk struct {
	api.StreamResponse
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

// Send streams one arrival and records timing. Transport failures are
// reported in the Result, never returned.
func (c *Client) Send(ctx context.Context, a workload.Arrival) *Result {
	res := &Result{RequestID: a.ID, Client: a.Client, Status: statusOK, PromptTokens: len(a.Prompt)}

	body, err := json.Marshal(api.GenerateRequest{
		Inputs: promptText(a.Prompt),
		Parameters: api.GenerateParameters{
			MaxNewTokens: a.MaxNewTokens,
			Stop:         a.Stop,
			Priority:     a.PriorityClass,
		},
	})
	if err != nil {
		res.fail(fmt.Errorf("marshal error: %w", err))
		return res
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate_stream", bytes.NewReader(body))
	if err != nil {
		res.fail(fmt.Errorf("request creation error: %w", err))
		return res
	}
	httpReq.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	httpReq.Header.Set(echo.HeaderXRequestID, a.ID)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		res.fail(fmt.Errorf("HTTP error: %w", err))
		return res
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		res.Status = statusError
		if resp.StatusCode == http.StatusTooManyRequests {
			res.Status = statusRejected
		}
		res.ErrorMessage = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		res.Latency = time.Since(start)
		return res
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			res.fail(fmt.Errorf("JSON parse error: %w", err))
			break
		}
		if chunk.Error != "" {
			res.Status = statusError
			res.ErrorMessage = chunk.ErrorType + ": " + chunk.Error
			break
		}
		if chunk.Token != nil {
			if res.OutputTokens == 0 {
				res.TTFT = time.Since(start)
			}
			res.OutputTokens++
		}
		if chunk.Details != nil {
			res.FinishReason = chunk.Details.FinishReason
		}
	}
	if err := scanner.Err(); err != nil && res.Status == statusOK {
		res.fail(fmt.Errorf("read error: %w", err))
	}
	res.Latency = time.Since(start)
	return res
}
