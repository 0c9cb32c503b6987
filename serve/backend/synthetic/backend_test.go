package synthetic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/batchserve/serve"
)

func argmax(l serve.Logits) int {
	best := 0
	for i := range l {
		if l[i] > l[best] {
			best = i
		}
	}
	return best
}

func TestBackend_ForwardPass_DeterministicPerTokenAndPosition(t *testing.T) {
	// GIVEN two backends with the same seed
	b1, err := NewBackend(serve.BackendConfig{Seed: 7})
	require.NoError(t, err)
	b2, err := NewBackend(serve.BackendConfig{Seed: 7})
	require.NoError(t, err)
	batch := []serve.StepInput{
		{RequestID: "a", Tokens: []int{'h', 'i'}, Position: 0, Prefill: true},
		{RequestID: "b", Tokens: []int{'x'}, Position: 12},
	}

	// WHEN both run the same batch
	out1, err := b1.ForwardPass(context.Background(), batch)
	require.NoError(t, err)
	out2, err := b2.ForwardPass(context.Background(), batch)
	require.NoError(t, err)

	// THEN they produce one vector per input with identical peaks
	require.Len(t, out1, 2)
	for i := range out1 {
		assert.Len(t, out1[i], EOS+1)
		assert.Equal(t, argmax(out1[i]), argmax(out2[i]), "input %d", i)
	}
}

func TestBackend_ForwardPass_EmitsPrintableBytes(t *testing.T) {
	b, err := NewBackend(serve.BackendConfig{Seed: 1})
	require.NoError(t, err)
	for pos := 0; pos < 100; pos++ {
		out, err := b.ForwardPass(context.Background(), []serve.StepInput{{RequestID: "r", Tokens: []int{'a'}, Position: pos}})
		require.NoError(t, err)
		tok := argmax(out[0])
		assert.True(t, tok == ' ' || (tok >= 'a' && tok <= 'z'), "unexpected token %d at position %d", tok, pos)
	}
}

func TestBackend_EOSProbabilityOne_AlwaysEnds(t *testing.T) {
	b, err := NewBackend(serve.BackendConfig{EOSProbability: 1})
	require.NoError(t, err)
	out, err := b.ForwardPass(context.Background(), []serve.StepInput{{RequestID: "r", Tokens: []int{'a'}, Position: 3}})
	require.NoError(t, err)
	assert.Equal(t, EOS, argmax(out[0]))
}

func TestBackend_CancelledContext_ReturnsError(t *testing.T) {
	// GIVEN a backend whose steps take a long time
	b, err := NewBackend(serve.BackendConfig{LatencyCoeffs: []float64{1e9, 0, 0}})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// WHEN the caller's context is already done
	_, err = b.ForwardPass(ctx, []serve.StepInput{{RequestID: "r", Tokens: []int{1}}})

	// THEN the pass is abandoned with the context error
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNewBackend_InvalidConfig_ReturnsError(t *testing.T) {
	tests := []struct {
		name string
		cfg  serve.BackendConfig
	}{
		{"vocab too small", serve.BackendConfig{VocabSize: 10}},
		{"eos probability above one", serve.BackendConfig{EOSProbability: 1.5}},
		{"short coefficients", serve.BackendConfig{LatencyCoeffs: []float64{1, 2}}},
		{"negative coefficient", serve.BackendConfig{LatencyCoeffs: []float64{1, -2, 3}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewBackend(tc.cfg)
			assert.Error(t, err)
		})
	}
}

func TestLatencyModel_StepTime_PrefillAndDecodeTerms(t *testing.T) {
	// GIVEN beta = [1000, 10, 100] microseconds
	m, err := NewLatencyModel([]float64{1000, 10, 100}, 0)
	require.NoError(t, err)

	// WHEN one 50-token prefill and two decodes share a step
	d := m.StepTime([]serve.StepInput{
		{Tokens: make([]int, 50), Prefill: true},
		{Tokens: []int{1}},
		{Tokens: []int{2}},
	})

	// THEN step time = 1000 + 10*50 + 100*2 = 1700us
	assert.Equal(t, 1700*time.Microsecond, d)
}

func TestLatencyModel_StepTime_CappedByMaxStep(t *testing.T) {
	m, err := NewLatencyModel([]float64{5e6, 0, 0}, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, m.StepTime(nil))
}

func TestByteTokenizer_RoundTrip_SkipsEOS(t *testing.T) {
	tok := ByteTokenizer{}
	ids, err := tok.Encode("hello")
	require.NoError(t, err)
	assert.Equal(t, []int{'h', 'e', 'l', 'l', 'o'}, ids)
	assert.Equal(t, "hello", tok.Decode(append(ids, EOS)))
	assert.True(t, tok.IsSpecial(EOS))
	assert.Equal(t, []int{EOS}, tok.StopTokens())

	_, err = tok.Encode("")
	assert.Error(t, err)
}

func TestRegister_SyntheticAvailableByName(t *testing.T) {
	backend, tok, err := serve.NewBackend(serve.BackendConfig{Name: "synthetic"})
	require.NoError(t, err)
	assert.NotNil(t, backend)
	assert.NotNil(t, tok)
	assert.Contains(t, serve.BackendNames(), "synthetic")
}
