package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct{}

func NewMockGenerator() Generator { return &mockGenerator{} }

// Generate echoes the transcript found in the prompt so callers can see the
// request round-trip without a model.
func (m *mockGenerator) Generate(ctx context.Context, req Request) (Completion, error) {
	select {
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	transcript := req.Prompt
	if i := strings.LastIndex(transcript, "Transcript: "); i >= 0 {
		transcript = transcript[i+len("Transcript: "):]
	}
	if i := strings.Index(transcript, "<|im_end|>"); i >= 0 {
		transcript = transcript[:i]
	}
	return Completion{
		Content: "[mock formatting] " + strings.TrimSpace(transcript),
		Latency: 20 * time.Millisecond,
	}, nil
}
