// Package tokens estimates prompt sizes locally for providers that do not report usage.
package tokens

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"genesis/internal/models"
)

const (
	fallbackEncoding = "cl100k_base"
	// perMessageOverhead approximates role and separator tokens added by chat templates.
	perMessageOverhead = 4
	charsPerToken      = 4
)

// Estimator counts tokens with a BPE encoding, falling back to a character heuristic until
// the encoding has been loaded. Counting never loads or waits for the encoding.
type Estimator struct {
	encoding atomic.Pointer[tiktoken.Tiktoken]
	load     func() (*tiktoken.Tiktoken, error)

	once sync.Once
	done chan struct{}
	err  error
}

// NewEstimator returns an estimator backed by cl100k_base once Load succeeds.
func NewEstimator() *Estimator {
	return &Estimator{
		load: func() (*tiktoken.Tiktoken, error) {
			return tiktoken.GetEncoding(fallbackEncoding)
		},
		done: make(chan struct{}),
	}
}

// NewHeuristicEstimator returns an estimator that never loads an encoding.
func NewHeuristicEstimator() *Estimator {
	return &Estimator{}
}

// Load fetches the encoding and waits for it until ctx ends. The fetch has no deadline of its
// own, so it keeps running after ctx ends and the encoding is used if it arrives later.
func (e *Estimator) Load(ctx context.Context) error {
	if e.load == nil {
		return nil
	}
	e.once.Do(func() {
		go func() {
			defer close(e.done)
			encoding, err := e.load()
			if err != nil {
				e.err = fmt.Errorf("load %s encoding: %w", fallbackEncoding, err)
				return
			}
			e.encoding.Store(encoding)
		}()
	})

	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return fmt.Errorf("load %s encoding: %w", fallbackEncoding, ctx.Err())
	}
}

// Count returns the token count of text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := e.encoding.Load(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	n := (utf8.RuneCountInString(text) + charsPerToken - 1) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// CountMessages estimates the prompt size of a normalized conversation.
func (e *Estimator) CountMessages(messages []models.Message) int {
	total := 0
	for _, msg := range messages {
		total += perMessageOverhead + e.Count(msg.Content)
	}
	return total
}
