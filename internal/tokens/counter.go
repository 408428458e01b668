// Package tokens counts model tokens for conversation content.
package tokens

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is the BPE encoding used by the chat models MARI4 talks to.
const DefaultEncoding = "cl100k_base"

// Counter returns the number of tokens a piece of text costs.
type Counter interface {
	Count(text string) int
}

// TiktokenCounter counts tokens with a tiktoken BPE encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding from the embedded BPE tables.
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count implements Counter.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

// EstimateCounter approximates token counts without a tokenizer:
// roughly four ASCII characters per token and one token per other rune.
type EstimateCounter struct{}

// Count implements Counter.
func (EstimateCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	ascii, other := 0, 0
	for _, r := range text {
		if r < utf8.RuneSelf {
			ascii++
		} else {
			other++
		}
	}
	n := (ascii+3)/4 + other
	if n == 0 {
		n = 1
	}
	return n
}

var (
	defaultCounter     Counter
	defaultCounterOnce sync.Once
)

// Default returns the process-wide counter. It uses cl100k_base and falls
// back to EstimateCounter if the encoding cannot be loaded.
func Default() Counter {
	defaultCounterOnce.Do(func() {
		c, err := NewTiktokenCounter(DefaultEncoding)
		if err != nil {
			slog.Warn("token counter falling back to estimates", "encoding", DefaultEncoding, "error", err)
			defaultCounter = EstimateCounter{}
			return
		}
		defaultCounter = c
	})
	return defaultCounter
}

// Count counts text with the default counter.
func Count(text string) int {
	return Default().Count(text)
}
