package audio

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/tjfontaine/report-relay/internal/pkg/config"
)

// fakeS3 serves path-style object requests for a single bucket.
type fakeS3 struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	denied       map[string]bool
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:      make(map[string][]byte),
		contentTypes: make(map[string]string),
		denied:       make(map[string]bool),
	}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Path is /<bucket>/<key>.
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] != "recordings" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	key := parts[1]

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.denied[key] {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		if r.Method != http.MethodHead {
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`)
		}
		return
	}

	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		f.contentTypes[key] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodHead, http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			}
			return
		}
		w.Header().Set("Content-Type", f.contentTypes[key])
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(data)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3Store(t *testing.T, fake *fakeS3) *S3Store {
	t.Helper()
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := NewS3Store(context.Background(), config.S3Config{
		Bucket:          "recordings",
		Prefix:          "/audio/",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		ForcePathStyle:  true,
	}, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestS3Store_PutGetExists(t *testing.T) {
	fake := newFakeS3()
	store := newTestS3Store(t, fake)
	ctx := context.Background()

	ok, err := store.Exists(ctx, "h.wav")
	if err != nil || ok {
		t.Fatalf("Exists before Put = %v, %v", ok, err)
	}

	if err := store.Put(ctx, "h.wav", strings.NewReader("RIFF"), ""); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	fake.mu.Lock()
	stored, present := fake.objects["audio/h.wav"]
	ct := fake.contentTypes["audio/h.wav"]
	fake.mu.Unlock()
	if !present || string(stored) != "RIFF" {
		t.Fatalf("object under prefixed key = %q, %v", stored, present)
	}
	if ct != "audio/wav" {
		t.Errorf("content type = %q, want audio/wav", ct)
	}

	ok, err = store.Exists(ctx, "h.wav")
	if err != nil || !ok {
		t.Fatalf("Exists after Put = %v, %v", ok, err)
	}
	data, err := store.Get(ctx, "h.wav")
	if err != nil || string(data) != "RIFF" {
		t.Fatalf("Get = %q, %v", data, err)
	}
}

func TestS3Store_ErrorClassification(t *testing.T) {
	fake := newFakeS3()
	fake.denied["audio/locked.mp3"] = true
	store := newTestS3Store(t, fake)
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing.mp3"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Get missing = %v, want fs.ErrNotExist", err)
	}
	if _, err := store.Get(ctx, "locked.mp3"); !errors.Is(err, fs.ErrPermission) {
		t.Errorf("Get denied = %v, want fs.ErrPermission", err)
	}
	if _, err := store.Exists(ctx, "locked.mp3"); !errors.Is(err, fs.ErrPermission) {
		t.Errorf("Exists denied = %v, want fs.ErrPermission", err)
	}
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	if _, err := NewS3Store(context.Background(), config.S3Config{Region: "us-east-1"}, nil); err == nil {
		t.Fatal("expected error for missing bucket")
	}
}
