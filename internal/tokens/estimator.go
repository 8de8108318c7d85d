package tokens

import (
	"github.com/tiktoken-go/tokenizer"
)

// Estimator approximates non-OpenAI models with the o200k_base encoding,
// or with CharsPerToken when the encoding is unavailable.
type Estimator struct {
	CharsPerToken float64
	codec         tokenizer.Codec
}

func NewEstimator() *Estimator {
	e := &Estimator{CharsPerToken: 4.0}
	if codec, err := tokenizer.Get(tokenizer.O200kBase); err == nil {
		e.codec = codec
	}
	return e
}

func (e *Estimator) Count(system, user string) int {
	if e.codec != nil {
		return chatTokens(e.codec, system, user)
	}
	chars := len(system) + len(user)
	return int(float64(chars) / e.CharsPerToken)
}
