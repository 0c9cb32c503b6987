package api

import "github.com/inference-sim/batchserve/serve"

// GenerateRequest is the body of /generate and /generate_stream.
type GenerateRequest struct {
	Inputs     string             `json:"inputs"`
	Parameters GenerateParameters `json:"parameters"`
}

// GenerateParameters mirrors the text-generation-inference parameter block,
// plus the scheduling fields this server understands.
type GenerateParameters struct {
	MaxNewTokens      int      `json:"max_new_tokens,omitempty"`
	Temperature       float32  `json:"temperature,omitempty"`
	TopK              int      `json:"top_k,omitempty"`
	TopP              float32  `json:"top_p,omitempty"`
	MinP              float32  `json:"min_p,omitempty"`
	RepetitionPenalty float32  `json:"repetition_penalty,omitempty"`
	DoSample          bool     `json:"do_sample,omitempty"`
	Stop              []string `json:"stop,omitempty"`
	Seed              int64    `json:"seed,omitempty"`
	Details           bool     `json:"details,omitempty"`

	Priority     int `json:"priority,omitempty"`
	TimeoutSteps int `json:"timeout_steps,omitempty"`
}

func (p GenerateParameters) sampling() serve.SamplingConfig {
	return serve.SamplingConfig{
		MaxNewTokens:      p.MaxNewTokens,
		Temperature:       p.Temperature,
		TopK:              p.TopK,
		TopP:              p.TopP,
		MinP:              p.MinP,
		RepetitionPenalty: p.RepetitionPenalty,
		StopSequences:     p.Stop,
		Seed:              p.Seed,
		DoSample:          p.DoSample,
	}
}

// GenerateResponse is the body returned by /generate.
type GenerateResponse struct {
	GeneratedText string           `json:"generated_text"`
	Details       *GenerateDetails `json:"details,omitempty"`
}

// GenerateDetails describes how generation finished.
type GenerateDetails struct {
	FinishReason    string `json:"finish_reason"`
	GeneratedTokens int    `json:"generated_tokens"`
	PromptTokens    int    `json:"prompt_tokens"`
	Seed            int64  `json:"seed"`
	StopSequence    string `json:"stop_sequence,omitempty"`
}

// StreamResponse is one server-sent event of /generate_stream. GeneratedText
// and Details are only set on the last event.
type StreamResponse struct {
	Token         *serve.Token     `json:"token"`
	GeneratedText *string          `json:"generated_text"`
	Details       *GenerateDetails `json:"details"`
}

// ErrorResponse is returned for every failed request, and sent as the last
// event of a stream that ends in error.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

// CancelResponse is returned by DELETE /requests/:id.
type CancelResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status     string              `json:"status"`
	Loop       string              `json:"loop"`
	QueueDepth int                 `json:"queue_depth"`
	Capacity   serve.CapacityStats `json:"capacity"`
}

func detailsOf(ev serve.Event) *GenerateDetails {
	reason := ev.Details.FinishReason
	if reason == "" {
		reason = string(ev.Reason)
	}
	return &GenerateDetails{
		FinishReason:    reason,
		GeneratedTokens: ev.Usage.CompletionTokens,
		PromptTokens:    ev.Usage.PromptTokens,
		Seed:            ev.Details.Seed,
		StopSequence:    ev.Details.StopSequence,
	}
}
