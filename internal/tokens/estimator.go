// Package tokens estimates token counts for interactions whose provider did
// not report usage. Estimates are always flagged as heuristic.
package tokens

import (
	"math"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Estimator produces heuristic token counts. For models with a known
// tiktoken encoding the count is exact for the encoding; everything else
// falls back to a bytes/4 ceiling.
type Estimator struct {
	// CharsPerToken is the fallback ratio (default 4).
	CharsPerToken float64

	mu         sync.RWMutex
	codecCache map[tokenizer.Encoding]tokenizer.Codec
}

// NewEstimator creates an estimator with the default fallback ratio.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
		codecCache:    make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

// Estimate returns a token count for text attributed to model. Text of any
// non-zero length yields at least one token.
func (e *Estimator) Estimate(model, text string) int {
	if text == "" {
		return 0
	}

	if codec := e.codecFor(model); codec != nil {
		if ids, _, err := codec.Encode(text); err == nil {
			return max(len(ids), 1)
		}
	}

	n := int(math.Ceil(float64(len(text)) / e.CharsPerToken))
	return max(n, 1)
}

// codecFor returns a tiktoken codec when the model has one, nil otherwise.
func (e *Estimator) codecFor(model string) tokenizer.Codec {
	if model == "" {
		return nil
	}

	if codec, err := tokenizer.ForModel(tokenizer.Model(strings.ToLower(model))); err == nil {
		return codec
	}

	// OpenAI-family names without an exact mapping share cl100k_base
	if !strings.HasPrefix(model, "gpt-") && !strings.HasPrefix(model, "o1") {
		return nil
	}
	encoding := tokenizer.Cl100kBase

	e.mu.RLock()
	cached, ok := e.codecCache[encoding]
	e.mu.RUnlock()
	if ok {
		return cached
	}

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil
	}

	e.mu.Lock()
	e.codecCache[encoding] = codec
	e.mu.Unlock()
	return codec
}
