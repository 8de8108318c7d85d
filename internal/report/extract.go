// Package report extracts structured incident fields from a transcript.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tjfontaine/report-relay/internal/domain"
	"github.com/tjfontaine/report-relay/internal/prompts"
	"github.com/tjfontaine/report-relay/internal/provider"
	"github.com/tjfontaine/report-relay/internal/relay"
)

// Completer performs a single non-streaming relay call.
type Completer interface {
	Complete(ctx context.Context, p provider.Provider, req relay.Request) (string, error)
}

// Extractor asks one designated provider to fill the report fields.
type Extractor struct {
	providers    *provider.Source
	relay        Completer
	prompts      *prompts.Loader
	providerName string
	logger       *slog.Logger
}

func NewExtractor(providers *provider.Source, r Completer, p *prompts.Loader, providerName string, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		providers:    providers,
		relay:        r,
		prompts:      p,
		providerName: providerName,
		logger:       logger,
	}
}

// Extract returns the model's fields for the transcript. The four report
// fields are always present; any additional fields the model returns are kept.
func (e *Extractor) Extract(ctx context.Context, objectName, transcription string) (map[string]any, error) {
	if objectName == "" {
		return nil, domain.ErrValidation("missing object_name")
	}
	if transcription == "" {
		return nil, domain.ErrValidation("missing transcription_text")
	}

	p, err := e.providers.Registry().Get(e.providerName)
	if err != nil {
		return nil, domain.ErrConfigMissing("extraction provider not configured: " + e.providerName)
	}

	tmpl, err := e.prompts.Load(prompts.Report)
	if errors.Is(err, prompts.ErrMissing) {
		return nil, domain.NewAPIError(domain.ErrorTypeConfigMissing, "report prompt template not found").
			WithCode(domain.ErrorCodeTemplateMissing).WithCause(err)
	}
	if err != nil {
		return nil, domain.ErrStorage("failed to read report prompt", err)
	}

	prompt := prompts.Render(tmpl, map[string]string{
		"transcription_text": transcription,
		"object_name":        objectName,
	})

	reply, err := e.relay.Complete(ctx, p, relay.Request{UserMessage: prompt})
	if err != nil {
		return nil, err
	}

	fields, err := ParseReply(reply)
	if err != nil {
		e.logger.Warn("model returned malformed report",
			slog.String("object_name", objectName),
			slog.String("provider", p.Name),
			slog.String("raw", reply))
		return nil, err
	}
	return fields, nil
}

// ParseReply decodes a model reply that may be wrapped in a markdown code
// fence and fills any missing report field with "".
func ParseReply(content string) (map[string]any, error) {
	body := StripFence(content)

	var fields map[string]any
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return nil, domain.ErrMalformedOutput(body, err)
	}
	if fields == nil {
		return nil, domain.ErrMalformedOutput(body, fmt.Errorf("reply is not a JSON object"))
	}
	for _, k := range domain.ReportFields {
		if _, ok := fields[k]; !ok {
			fields[k] = ""
		}
	}
	return fields, nil
}

// StripFence removes a surrounding ``` fence and its optional language tag.
func StripFence(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimLeft(s, "`")
	// The language tag runs to the end of the opening line.
	if i := strings.IndexAny(s, "\n{["); i >= 0 {
		s = s[i:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
