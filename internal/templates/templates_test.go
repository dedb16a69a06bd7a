package templates

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

// mockS3Client implements s3API for testing.
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    int
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.objects[*params.Key] = data
	m.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	data, ok := m.objects[*params.Key]
	if !ok {
		msg := fmt.Sprintf("key %q not found", *params.Key)
		return nil, &types.NoSuchKey{Message: &msg}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3Client) getCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

func TestLocalStore_GetAndPut(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "welcome/en.html", []byte("<p>hi</p>")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "welcome", "en.html")); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}

	got, err := store.Get(ctx, "welcome/en.html")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "<p>hi</p>" {
		t.Errorf("Get = %q", got)
	}
}

func TestLocalStore_NotFound(t *testing.T) {
	store, _ := NewLocalStore(t.TempDir())

	_, err := store.Get(context.Background(), "missing.html")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalStore_RejectsTraversal(t *testing.T) {
	store, _ := NewLocalStore(t.TempDir())

	for _, name := range []string{"", "../secret", "a/../../b", "/etc/passwd", `..\x`, "."} {
		if _, err := store.Get(context.Background(), name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("name %q: expected ErrInvalidName, got %v", name, err)
		}
	}
}

func TestS3Store_GetAndPut(t *testing.T) {
	mock := newMockS3Client()
	store := NewS3Store(mock, "bucket", "templates/")
	ctx := context.Background()

	if err := store.Put(ctx, "t1.html", []byte("<b>x</b>")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := mock.objects["templates/t1.html"]; !ok {
		t.Fatal("expected object stored under prefix")
	}

	got, err := store.Get(ctx, "t1.html")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "<b>x</b>" {
		t.Errorf("Get = %q", got)
	}
}

func TestS3Store_NotFound(t *testing.T) {
	store := NewS3Store(newMockS3Client(), "bucket", "")

	if _, err := store.Get(context.Background(), "nope.html"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewStore_DefaultsToLocal(t *testing.T) {
	store, err := NewStore(Config{Type: "", Path: t.TempDir()}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.(*LocalStore); !ok {
		t.Errorf("expected *LocalStore, got %T", store)
	}
}

func newTestRenderer(t *testing.T, files map[string]string) (*Renderer, *mockS3Client) {
	t.Helper()
	mock := newMockS3Client()
	for name, src := range files {
		mock.objects[name] = []byte(src)
	}
	return NewRenderer(NewS3Store(mock, "bucket", ""), zerolog.Nop()), mock
}

func TestRenderer_Render(t *testing.T) {
	r, _ := newTestRenderer(t, map[string]string{
		"t1": "<h1>Hello {{.name}}</h1><p>Welcome aboard.</p>",
	})

	out, err := r.Render(context.Background(), "t1", map[string]any{"name": "A"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out.HTML != "<h1>Hello A</h1><p>Welcome aboard.</p>" {
		t.Errorf("HTML = %q", out.HTML)
	}
	if !strings.Contains(out.Text, "Hello A") || strings.Contains(out.Text, "<h1>") {
		t.Errorf("Text = %q", out.Text)
	}
}

func TestRenderer_EscapesContext(t *testing.T) {
	r, _ := newTestRenderer(t, map[string]string{"t": "<p>{{.name}}</p>"})

	out, err := r.Render(context.Background(), "t", map[string]any{"name": "<script>x</script>"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out.HTML, "<script>") {
		t.Errorf("expected escaped output, got %q", out.HTML)
	}
}

func TestRenderer_CachesParsedTemplates(t *testing.T) {
	r, mock := newTestRenderer(t, map[string]string{"t": "<p>{{.n}}</p>"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Render(ctx, "t", map[string]any{"n": i}); err != nil {
			t.Fatal(err)
		}
	}
	if got := mock.getCount(); got != 1 {
		t.Errorf("expected 1 store read, got %d", got)
	}

	r.Invalidate("t")
	if _, err := r.Render(ctx, "t", nil); err != nil {
		t.Fatal(err)
	}
	if got := mock.getCount(); got != 2 {
		t.Errorf("expected reload after Invalidate, got %d reads", got)
	}
}

func TestRenderer_NotFound(t *testing.T) {
	r, _ := newTestRenderer(t, nil)

	_, err := r.Render(context.Background(), "missing", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRenderer_ParseError(t *testing.T) {
	r, _ := newTestRenderer(t, map[string]string{"bad": "<p>{{.name</p>"})

	_, err := r.Render(context.Background(), "bad", nil)
	var re *RenderError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RenderError, got %v", err)
	}
	if re.Template != "bad" {
		t.Errorf("expected template bad, got %s", re.Template)
	}
}

func TestRenderer_ExecuteError(t *testing.T) {
	r, _ := newTestRenderer(t, map[string]string{"t": `<p>{{index .items 5}}</p>`})

	_, err := r.Render(context.Background(), "t", map[string]any{"items": []any{1}})
	var re *RenderError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RenderError, got %v", err)
	}
}
