package session

import (
	"context"
	"strings"

	"github.com/voxrelay/voxrelay-core/internal/observe"
)

// SemanticParams configures the streaming chunker's boundary rules.
type SemanticParams struct {
	// MaxBufferSize is the forced-flush threshold in bytes.
	MaxBufferSize int

	// BreakMarker is the literal, case-sensitive token the LLM is prompted
	// to emit at chunk boundaries. Takes precedence over sentence
	// detection whenever present in the buffer.
	BreakMarker string
}

// Dispatch delivers one semantic chunk to the TTS sub-session and blocks
// until it has been fully synthesized (or failed).
type Dispatch func(ctx context.Context, chunk string) error

// StreamSemanticChunks consumes tokens from an LLM token stream, splits them
// into semantic chunks per the boundary precedence (explicit marker,
// sentence-terminator fallback, forced flush, terminal flush), and hands
// each chunk to dispatch in order, awaiting it before reading the next
// token. If dispatch returns an error, the remaining tokens are drained
// (without further chunking) so the upstream producer is never left
// blocked on a send, and the error is returned to the caller.
func StreamSemanticChunks(ctx context.Context, tokens <-chan string, params SemanticParams, metrics *observe.Metrics, dispatch Dispatch) error {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	marker := params.BreakMarker
	maxBuf := params.MaxBufferSize
	if maxBuf <= 0 {
		maxBuf = 400
	}

	var buf strings.Builder
	var sawMarker bool

	flush := func(chunk string) error {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			return nil
		}
		metrics.RecordSemanticChunk(context.Background(), len(chunk))
		if err := dispatch(ctx, chunk); err != nil {
			return err
		}
		metrics.SemanticChunksToTTSTotal.Add(context.Background(), 1)
		return nil
	}

	drainRemaining := func() {
		for range tokens {
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tok, ok := <-tokens:
			if !ok {
				// Terminal flush: if no marker was ever seen, split whatever
				// remains on sentence terminators, then flush any leftover
				// fragment as the final chunk.
				remaining := buf.String()
				buf.Reset()
				if !sawMarker {
					if strings.TrimSpace(remaining) != "" {
						metrics.RecordSemanticFallback(context.Background())
					}
					for {
						idx := firstSentenceBoundary(remaining)
						if idx < 0 {
							break
						}
						sentence := remaining[:idx+1]
						remaining = strings.TrimLeft(remaining[idx+1:], " \t\n\r")
						if err := flush(sentence); err != nil {
							return err
						}
					}
				}
				return flush(remaining)
			}

			buf.WriteString(tok)

			if marker != "" && strings.Contains(buf.String(), marker) {
				sawMarker = true
				pieces := strings.Split(buf.String(), marker)
				buf.Reset()
				// Emit every complete piece except the last, which becomes
				// the new buffer content.
				for i := 0; i < len(pieces)-1; i++ {
					if err := flush(pieces[i]); err != nil {
						drainRemaining()
						return err
					}
				}
				buf.WriteString(pieces[len(pieces)-1])
			}

			if buf.Len() > maxBuf {
				chunk := buf.String()
				buf.Reset()
				if err := flush(chunk); err != nil {
					drainRemaining()
					return err
				}
			}
		}
	}
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// character immediately followed by whitespace, or -1 if none exists.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
