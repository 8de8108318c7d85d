package prompts

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoader(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, Audio), []byte("transcribe verbatim"), 0o644); err != nil {
		t.Fatal(err)
	}
	l := NewLoader(dir)

	got, err := l.Load(Audio)
	if err != nil || got != "transcribe verbatim" {
		t.Fatalf("Load(Audio) = %q, %v", got, err)
	}

	if _, err := l.Load(Report); !errors.Is(err, ErrMissing) {
		t.Errorf("Load(Report) error = %v, want ErrMissing", err)
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars map[string]string
		want string
	}{
		{
			name: "substitutes",
			tmpl: "file {object_name}: {transcription_text}",
			vars: map[string]string{"object_name": "a.mp3", "transcription_text": "hello"},
			want: "file a.mp3: hello",
		},
		{
			name: "escaped braces",
			tmpl: `reply {{"school": ""}} for {object_name}`,
			vars: map[string]string{"object_name": "a.mp3"},
			want: `reply {"school": ""} for a.mp3`,
		},
		{
			name: "values are not rescanned",
			tmpl: "{transcription_text}",
			vars: map[string]string{"transcription_text": "{object_name} {{x}}", "object_name": "nope"},
			want: "{object_name} {{x}}",
		},
		{
			name: "unknown placeholder kept",
			tmpl: "{other}",
			vars: map[string]string{"object_name": "a"},
			want: "{other}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.tmpl, tt.vars); got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}
