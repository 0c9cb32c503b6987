package serve

// TokenSampler picks the next token for one request. prior holds the prompt
// followed by every token generated so far. stop reports that the chosen token
// ends generation (an end-of-sequence token).
// Implementations must be deterministic for a fixed seed.
type TokenSampler interface {
	Sample(logits Logits, prior []int) (token int, stop bool)
}

// SamplerFactory builds the sampler for one request. stopTokens are the
// tokenizer's end-of-sequence IDs.
type SamplerFactory func(cfg SamplingConfig, stopTokens []int) TokenSampler

// NewSamplerFunc is the default SamplerFactory. It is set by the sampling
// package's init(); engines built without WithSampler use it.
var NewSamplerFunc SamplerFactory
