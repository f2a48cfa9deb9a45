package toolhost

import (
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/deckforge/internal/protocol"
)

// newBlockingReader returns a reader that blocks until the writer closes.
func newBlockingReader() (*io.PipeReader, *io.PipeWriter) {
	return io.Pipe()
}

func mustSanitize(t *testing.T, v any) any {
	t.Helper()
	got, err := Sanitize(v)
	if err != nil {
		t.Fatalf("Sanitize(%T) error: %v", v, err)
	}
	return got
}

type slideRef struct {
	DeckID  string    `json:"deck_id"`
	Thumb   []byte    `json:"thumb,omitempty"`
	Skipped string    `json:"-"`
	When    time.Time `json:"when"`
	inner   string
}

func TestSanitize_NestedBytes(t *testing.T) {
	got := mustSanitize(t, map[string]any{
		"slides": []any{slideRef{DeckID: "d1", Thumb: []byte("png"), inner: "x"}},
	})

	data, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		Slides []struct {
			DeckID string          `json:"deck_id"`
			Thumb  protocol.Binary `json:"thumb"`
		} `json:"slides"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.Slides) != 1 || decoded.Slides[0].DeckID != "d1" {
		t.Fatalf("decoded = %+v", decoded)
	}
	thumb, err := decoded.Slides[0].Thumb.Bytes()
	if err != nil || string(thumb) != "png" {
		t.Errorf("thumb = %q, %v; want png", thumb, err)
	}
}

func TestSanitize_StructTags(t *testing.T) {
	got, ok := mustSanitize(t, slideRef{DeckID: "d1", Skipped: "hidden"}).(map[string]any)
	if !ok {
		t.Fatalf("Sanitize(struct) = %T, want map", got)
	}
	if _, present := got["Skipped"]; present {
		t.Error("json:\"-\" field was included")
	}
	if _, present := got["thumb"]; present {
		t.Error("empty omitempty field was included")
	}
	if _, present := got["inner"]; present {
		t.Error("unexported field was included")
	}
	if _, ok := got["when"].(time.Time); !ok {
		t.Errorf("time.Time was rewritten to %T, want time.Time", got["when"])
	}
}

func TestSanitize_OpaqueValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deck.json")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	u, _ := url.Parse("file:///tmp/deck.html")
	got := mustSanitize(t, map[string]any{
		"file": f,
		"url":  u,
		"err":  errors.New("nope"),
		"dur":  1500 * time.Millisecond,
		"raw":  json.RawMessage(`{"a":1}`),
	}).(map[string]any)

	if got["file"] != path {
		t.Errorf("file = %v, want %q", got["file"], path)
	}
	if got["url"] != "file:///tmp/deck.html" {
		t.Errorf("url = %v", got["url"])
	}
	if got["err"] != "nope" {
		t.Errorf("err = %v, want nope", got["err"])
	}
	if got["dur"] != "1.5s" {
		t.Errorf("dur = %v, want 1.5s", got["dur"])
	}
	if raw, ok := got["raw"].(json.RawMessage); !ok || string(raw) != `{"a":1}` {
		t.Errorf("raw = %#v, want untouched RawMessage", got["raw"])
	}
}

func TestSanitize_Nil(t *testing.T) {
	if got := mustSanitize(t, nil); got != nil {
		t.Errorf("Sanitize(nil) = %v, want nil", got)
	}
	var p *slideRef
	if got := mustSanitize(t, p); got != nil {
		t.Errorf("Sanitize(nil pointer) = %v, want nil", got)
	}
}

type chainNode struct {
	Name string     `json:"name"`
	Next *chainNode `json:"next,omitempty"`
}

type embeddedLoop struct {
	*embeddedLoop
	Name string
}

func TestSanitize_Cycles(t *testing.T) {
	self := &chainNode{Name: "a"}
	self.Next = self

	pair := &chainNode{Name: "a", Next: &chainNode{Name: "b"}}
	pair.Next.Next = pair

	m := map[string]any{}
	m["me"] = m

	sl := []any{nil}
	sl[0] = sl

	emb := &embeddedLoop{Name: "x"}
	emb.embeddedLoop = emb

	for name, v := range map[string]any{
		"pointer":  self,
		"two-step": pair,
		"map":      m,
		"slice":    sl,
		"embedded": emb,
	} {
		if _, err := Sanitize(v); !errors.Is(err, ErrCyclicValue) {
			t.Errorf("%s: Sanitize() error = %v, want ErrCyclicValue", name, err)
		}
	}
}

func TestSanitize_SharedValueIsNotACycle(t *testing.T) {
	shared := &chainNode{Name: "shared"}
	got := mustSanitize(t, map[string]any{"a": shared, "b": []any{shared, shared}})
	data, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `{"a":{"name":"shared"},"b":[{"name":"shared"},{"name":"shared"}]}`; string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
}

func TestSanitize_TooDeep(t *testing.T) {
	var v any = "leaf"
	for range maxSanitizeDepth + 10 {
		v = []any{v}
	}
	if _, err := Sanitize(v); !errors.Is(err, ErrCyclicValue) {
		t.Errorf("Sanitize() error = %v, want ErrCyclicValue", err)
	}
}
