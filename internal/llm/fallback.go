package llm

import (
	"context"
	"fmt"
	"log"

	"github.com/chadiek/jarvis/internal/session"
)

// Fallback tries each generator in order until one returns a non-empty
// reply. A context cancellation stops the chain immediately.
type Fallback struct {
	chain []session.ResponseGenerator
}

// WithFallback wires a primary generator with backups.
func WithFallback(primary session.ResponseGenerator, backups ...session.ResponseGenerator) *Fallback {
	return &Fallback{chain: append([]session.ResponseGenerator{primary}, backups...)}
}

func (f *Fallback) Generate(ctx context.Context, text string, history []session.Turn) (string, error) {
	var lastErr error
	for i, g := range f.chain {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		reply, err := g.Generate(ctx, text, history)
		if err == nil && reply != "" {
			return reply, nil
		}
		if err == nil {
			err = fmt.Errorf("empty reply")
		}
		lastErr = err
		if i < len(f.chain)-1 {
			log.Printf("llm: generator %d failed, trying fallback: %v", i, err)
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no generators configured")
	}
	return "", fmt.Errorf("all generators failed: %w", lastErr)
}
