package unifiedllm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const defaultEncoding = "cl100k_base"

// TokenCounter estimates token usage for providers that do not report it.
// Encodings are loaded lazily; if an encoding cannot be loaded (for example
// without network access to fetch the BPE ranks) the counter falls back to a
// four-characters-per-token estimate.
type TokenCounter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
	failed    map[string]bool
}

// NewTokenCounter returns an empty TokenCounter.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{
		encodings: make(map[string]*tiktoken.Tiktoken),
		failed:    make(map[string]bool),
	}
}

// Count returns the number of tokens text occupies for the given model.
func (tc *TokenCounter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := tc.encoding(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// CountRequest returns the prompt-side token count of a request.
func (tc *TokenCounter) CountRequest(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		total += tc.Count(req.Model, msg.TextContent())
	}
	return total
}

func (tc *TokenCounter) encoding(model string) *tiktoken.Tiktoken {
	name := defaultEncoding
	if info := GetModelInfo(model); info != nil && info.Encoding != "" {
		name = info.Encoding
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if enc, ok := tc.encodings[name]; ok {
		return enc
	}
	if tc.failed[name] {
		return nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		tc.failed[name] = true
		return nil
	}
	tc.encodings[name] = enc
	return enc
}

func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
