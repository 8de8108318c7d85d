// Package prompts loads instruction templates from a directory.
package prompts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	// Audio is the transcription instruction sent with every audio request.
	Audio = "audio_prompt.txt"
	// Report is the extraction template. It may reference {transcription_text}
	// and {object_name}; literal braces are written {{ and }}.
	Report = "report_prompt.txt"
)

// ErrMissing is wrapped by Load when a template file does not exist.
var ErrMissing = errors.New("prompt template missing")

// Loader reads templates on each call so edits apply without a restart.
type Loader struct {
	dir string
}

func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Load returns the contents of the named template.
func (l *Loader) Load(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrMissing, name)
	}
	if err != nil {
		return "", fmt.Errorf("read prompt %s: %w", name, err)
	}
	return string(data), nil
}

// Render substitutes vars into tmpl. Placeholders are {name}; {{ and }}
// produce literal braces. Unknown placeholders are left as written.
func Render(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2+4)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	pairs = append(pairs, "{{", "{", "}}", "}")
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
