// Package tokens estimates prompt sizes for logging and metrics.
package tokens

import (
	"strings"
)

// Counter counts the tokens of one system/user prompt pair.
type Counter interface {
	Count(model, system, user string) (int, error)
	SupportsModel(model string) bool
}

// Estimate is a prompt size. Estimated is false only when the model's own
// tokenizer produced the count.
type Estimate struct {
	Tokens    int
	Estimated bool
}

// Registry picks a counter per model and falls back to an estimator.
type Registry struct {
	counters []Counter
	fallback *Estimator
}

// NewRegistry returns a registry with the tiktoken counter installed.
func NewRegistry() *Registry {
	r := &Registry{fallback: NewEstimator()}
	r.Register(NewTiktokenCounter())
	return r
}

// Register adds a counter. Earlier registrations win.
func (r *Registry) Register(c Counter) {
	r.counters = append(r.counters, c)
}

// CountPrompt sizes a prompt for model. It never fails: counter errors
// fall through to the estimator.
func (r *Registry) CountPrompt(model, system, user string) Estimate {
	for _, c := range r.counters {
		if !c.SupportsModel(model) {
			continue
		}
		if n, err := c.Count(model, system, user); err == nil {
			return Estimate{Tokens: n}
		}
		break
	}
	return Estimate{Tokens: r.fallback.Count(system, user), Estimated: true}
}

// ModelMatcher matches model names by exact name or prefix.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{prefixes: prefixes, exact: exact}
}

func (m *ModelMatcher) Matches(model string) bool {
	model = strings.ToLower(model)
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
