package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Per-message framing of the chat format: 3 tokens per message, 1 for the
// role, 3 to prime the reply.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	replyPriming     = 3
)

// TiktokenCounter counts exactly for OpenAI model names.
type TiktokenCounter struct {
	matcher *ModelMatcher

	mu    sync.RWMutex
	cache map[tokenizer.Encoding]tokenizer.Codec
}

func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{
		matcher: NewModelMatcher(
			[]string{"gpt-", "o1", "o3", "o4", "chatgpt-"},
			nil,
		),
		cache: make(map[tokenizer.Encoding]tokenizer.Codec),
	}
}

func (c *TiktokenCounter) SupportsModel(model string) bool {
	return c.matcher.Matches(model)
}

func (c *TiktokenCounter) Count(model, system, user string) (int, error) {
	codec, err := c.codec(encodingFor(model))
	if err != nil {
		return 0, err
	}
	return chatTokens(codec, system, user), nil
}

func (c *TiktokenCounter) codec(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	c.mu.RLock()
	codec, ok := c.cache[enc]
	c.mu.RUnlock()
	if ok {
		return codec, nil
	}

	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}
	c.mu.Lock()
	c.cache[enc] = codec
	c.mu.Unlock()
	return codec, nil
}

func chatTokens(codec tokenizer.Codec, system, user string) int {
	total := replyPriming
	for _, text := range []string{system, user} {
		if text == "" {
			continue
		}
		ids, _, _ := codec.Encode(text)
		total += tokensPerMessage + tokensPerRole + len(ids)
	}
	return total
}

// encodingFor maps a model to its encoding:
// o200k_base for gpt-4o, gpt-4.1, gpt-5 and the o-series;
// cl100k_base for gpt-4 and gpt-3.5.
func encodingFor(model string) tokenizer.Encoding {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "gpt-4o"),
		strings.HasPrefix(model, "gpt-4.1"),
		strings.HasPrefix(model, "gpt-5"),
		strings.HasPrefix(model, "chatgpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "gpt-3.5"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}
