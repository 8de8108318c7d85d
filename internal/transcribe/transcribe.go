// Package transcribe turns a stored audio object into a streamed transcript.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/tjfontaine/report-relay/internal/audio"
	"github.com/tjfontaine/report-relay/internal/domain"
	"github.com/tjfontaine/report-relay/internal/prompts"
	"github.com/tjfontaine/report-relay/internal/provider"
	"github.com/tjfontaine/report-relay/internal/relay"
)

const (
	readAttempts = 3
	readBackoff  = 200 * time.Millisecond
)

// Streamer starts streaming relay calls.
type Streamer interface {
	StreamChat(ctx context.Context, p provider.Provider, req relay.Request) (*relay.Stream, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Workflow validates the audio object and provider, then streams the
// transcript from the relay.
type Workflow struct {
	providers *provider.Source
	relay     Streamer
	store     audio.ObjectStore
	prompts   *prompts.Loader
	sleep     SleepFunc
	logger    *slog.Logger
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithSleep replaces the backoff timer.
func WithSleep(s SleepFunc) Option {
	return func(w *Workflow) { w.sleep = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) { w.logger = l }
}

func New(providers *provider.Source, r Streamer, store audio.ObjectStore, p *prompts.Loader, opts ...Option) *Workflow {
	w := &Workflow{
		providers: providers,
		relay:     r,
		store:     store,
		prompts:   p,
		sleep:     sleepContext,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Transcribe starts a transcription of objectName with the named provider.
// The returned Transcript must be closed.
func (w *Workflow) Transcribe(ctx context.Context, objectName, providerName string) (*Transcript, error) {
	if err := audio.ValidateName(objectName); err != nil {
		return nil, err
	}
	if providerName == "" {
		return nil, domain.ErrValidation("missing model")
	}
	reg := w.providers.Registry()
	if !reg.Available(providerName) {
		return nil, domain.ErrInvalidModel(providerName)
	}
	p, err := reg.Get(providerName)
	if err != nil {
		return nil, err
	}

	data, err := w.read(ctx, objectName)
	if err != nil {
		return nil, err
	}

	instruction, err := w.prompts.Load(prompts.Audio)
	if errors.Is(err, prompts.ErrMissing) {
		w.logger.Warn("audio prompt missing, using empty instruction")
		instruction = ""
	} else if err != nil {
		return nil, domain.ErrStorage("failed to read audio prompt", err).WithCode(domain.ErrorCodeTemplateMissing)
	}

	format := audio.FormatOf(objectName)
	w.logger.Info("starting transcription",
		slog.String("object_name", objectName),
		slog.String("provider", p.Name),
		slog.String("format", format),
		slog.Int("bytes", len(data)))

	stream, err := w.relay.StreamChat(ctx, p, relay.Request{
		SystemPrompt: instruction,
		Audio:        &relay.AudioInput{Data: data, Format: format},
	})
	if err != nil {
		return nil, err
	}
	return &Transcript{stream: stream}, nil
}

// read fetches the object, retrying while it is absent or unreadable so a
// transcribe call racing its own upload still succeeds.
func (w *Workflow) read(ctx context.Context, objectName string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= readAttempts; attempt++ {
		data, err := w.store.Get(ctx, objectName)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, fs.ErrPermission) {
			return nil, domain.ErrStorage("failed to read audio object", err)
		}
		lastErr = err
		w.logger.Debug("audio object not readable yet",
			slog.String("object_name", objectName),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		if attempt < readAttempts {
			if err := w.sleep(ctx, readBackoff*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, domain.ErrNotReadable(fmt.Sprintf("unable to read %s after %d attempts", objectName, readAttempts)).
		WithCause(lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Transcript yields transcript text in the order the provider produced it.
type Transcript struct {
	stream *relay.Stream
}

// Next returns the next non-empty piece of text, or io.EOF at the end.
func (t *Transcript) Next() (string, error) {
	for {
		f, err := t.stream.Next()
		if err != nil {
			return "", err
		}
		if f.Content != "" {
			return f.Content, nil
		}
	}
}

func (t *Transcript) Close() error {
	return t.stream.Close()
}
