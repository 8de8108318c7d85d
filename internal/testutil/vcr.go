// Package testutil replays recorded upstream traffic for provider tests.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// recordEnv switches cassettes from replay to live recording.
const recordEnv = "VCR_MODE"

// credentialHeaders are stripped before a cassette is written.
var credentialHeaders = []string{"Authorization", "Api-Key", "X-Api-Key"}

// ReplayClient returns an HTTP client backed by
// testdata/fixtures/<cassette>.yaml. With VCR_MODE=record the real upstream
// is called and the cassette rewritten when the test ends.
func ReplayClient(t *testing.T, cassetteName string) *http.Client {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv(recordEnv) == "record" {
		mode = recorder.ModeRecording
	}

	rec, err := recorder.NewAsMode(filepath.Join("testdata", "fixtures", cassetteName), mode, nil)
	if err != nil {
		t.Fatalf("open cassette %s: %v", cassetteName, err)
	}

	// Bodies hold prompts and base64 audio that vary run to run.
	rec.SetMatcher(func(r *http.Request, i cassette.Request) bool {
		return r.Method == i.Method && r.URL.String() == i.URL
	})
	rec.AddSaveFilter(func(i *cassette.Interaction) error {
		for _, h := range credentialHeaders {
			delete(i.Request.Headers, h)
		}
		return nil
	})

	t.Cleanup(func() {
		if err := rec.Stop(); err != nil {
			t.Errorf("close cassette %s: %v", cassetteName, err)
		}
	})
	return &http.Client{Transport: rec}
}
